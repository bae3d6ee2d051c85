package jug

import (
	"errors"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"vatcore/native/fixed"
	"vatcore/native/ledger"
)

var (
	ErrUnknownClass    = errors.New("jug: class not configured")
	ErrClassExists     = errors.New("jug: class already configured")
	ErrInvalidDuty     = errors.New("jug: per-second duty must be at least 1")
	ErrClockRegression = errors.New("jug: clock moved backwards")
)

// RateSource supplies a per-second duty in ray for a class, replacing the
// static configured value. The dynamic rate controller implements this.
type RateSource interface {
	ComputeRate(class ledger.ClassID) (*uint256.Int, error)
}

type feeClass struct {
	// duty is the static per-second compounding rate in ray, >= 1.
	duty *uint256.Int
	// rho is the timestamp of the last accrual.
	rho time.Time
}

// Jug advances per-class rate indexes by compounding the duty over elapsed
// wall time. Drip is idempotent within a timestamp and splitting an interval
// across calls changes the result by at most one ulp of the ray domain.
type Jug struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	identity ledger.Identity
	classes  map[ledger.ClassID]*feeClass
	source   RateSource
	now      func() time.Time
}

func New(l *ledger.Ledger, identity ledger.Identity) *Jug {
	return &Jug{
		ledger:   l,
		identity: identity,
		classes:  make(map[ledger.ClassID]*feeClass),
		now:      time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (j *Jug) SetClock(now func() time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.now = now
}

// AttachRateSource wires a dynamic rate controller. A nil source falls back
// to the static per-class duty.
func (j *Jug) AttachRateSource(source RateSource) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.source = source
}

// InitClass registers a class for fee accrual starting now.
func (j *Jug) InitClass(id ledger.ClassID, duty *uint256.Int) error {
	if duty == nil || duty.Cmp(fixed.RAY) < 0 {
		return ErrInvalidDuty
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.classes[id]; ok {
		return ErrClassExists
	}
	j.classes[id] = &feeClass{
		duty: new(uint256.Int).Set(duty),
		rho:  j.now(),
	}
	return nil
}

// SetDuty changes the static per-second rate. Callers should Drip first so
// the old rate applies up to the change.
func (j *Jug) SetDuty(id ledger.ClassID, duty *uint256.Int) error {
	if duty == nil || duty.Cmp(fixed.RAY) < 0 {
		return ErrInvalidDuty
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	fc, ok := j.classes[id]
	if !ok {
		return ErrUnknownClass
	}
	fc.duty = new(uint256.Int).Set(duty)
	return nil
}

// Rho reports the timestamp of the last accrual for a class.
func (j *Jug) Rho(id ledger.ClassID) (time.Time, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fc, ok := j.classes[id]
	if !ok {
		return time.Time{}, ErrUnknownClass
	}
	return fc.rho, nil
}

// RestoreRho reinstates the last-accrual timestamp from a snapshot so the
// interval spent offline compounds on the next Drip.
func (j *Jug) RestoreRho(id ledger.ClassID, rho time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	fc, ok := j.classes[id]
	if !ok {
		return ErrUnknownClass
	}
	fc.rho = rho
	return nil
}

// Drip compounds the duty over the seconds elapsed since the last accrual and
// folds the factor into the ledger's rate index. Zero elapsed time is a
// no-op returning the current index unchanged.
func (j *Jug) Drip(id ledger.ClassID) (*uint256.Int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	fc, ok := j.classes[id]
	if !ok {
		return nil, ErrUnknownClass
	}
	now := j.now()
	if now.Before(fc.rho) {
		return nil, ErrClockRegression
	}
	elapsed := uint64(now.Unix() - fc.rho.Unix())

	snap, err := j.ledger.ClassSnapshot(id)
	if err != nil {
		return nil, err
	}
	if elapsed == 0 {
		return snap.RateIndex, nil
	}

	rate := fc.duty
	if j.source != nil {
		rate, err = j.source.ComputeRate(id)
		if err != nil {
			return nil, err
		}
		if rate == nil || rate.Cmp(fixed.RAY) < 0 {
			return nil, ErrInvalidDuty
		}
	}

	factor, err := fixed.RPow(rate, elapsed)
	if err != nil {
		return nil, err
	}
	next, err := fixed.RMul(snap.RateIndex, factor)
	if err != nil {
		return nil, err
	}
	if _, err := j.ledger.AccrueFees(j.identity, id, next); err != nil {
		return nil, err
	}
	fc.rho = now
	return next, nil
}
