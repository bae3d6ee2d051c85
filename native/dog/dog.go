package dog

import (
	"errors"
	"sync"

	"github.com/holiman/uint256"

	"vatcore/native/common"
	"vatcore/native/fixed"
	"vatcore/native/ledger"
)

var (
	ErrUnknownClass      = errors.New("dog: class not configured")
	ErrInvalidParams     = errors.New("dog: invalid liquidation parameters")
	ErrSafePosition      = errors.New("dog: position is safe")
	ErrClassCapExceeded  = errors.New("dog: class liquidation cap exhausted")
	ErrGlobalCapExceeded = errors.New("dog: global liquidation cap exhausted")
	ErrNothingToAuction  = errors.New("dog: seizure yielded no collateral")
)

const moduleName = "dog"

// Kicker opens an auction for seized collateral. The auction engine
// implements it.
type Kicker interface {
	Kick(class ledger.ClassID, owner string, tab, lot *uint256.Int) (uint64, error)
}

// SurplusBuffer pays the liquidation bounty.
type SurplusBuffer interface {
	Debit(recipient string, amount *uint256.Int) error
}

type classParams struct {
	// penalty is the liquidation penalty ("chop") in ray, >= 1.
	penalty *uint256.Int
	// holeCap bounds the debt value simultaneously under auction, in rad.
	holeCap *uint256.Int
	// holeUsed is the portion of holeCap currently consumed, in rad.
	holeUsed *uint256.Int
	// chip is the proportional caller incentive as a wad fraction.
	chip *uint256.Int
	// tip is the flat caller incentive in rad.
	tip *uint256.Int
}

// ClassState is a read-only view of a class's liquidation parameters.
type ClassState struct {
	Penalty  *uint256.Int
	HoleCap  *uint256.Int
	HoleUsed *uint256.Int
	Chip     *uint256.Int
	Tip      *uint256.Int
}

// BarkResult reports a completed seizure.
type BarkResult struct {
	AuctionID  uint64
	Tab        *uint256.Int // rad debt sent to auction, penalty included
	Collateral *uint256.Int // wad collateral sent to auction
	Incentive  *uint256.Int // rad paid to the caller
}

// Dog inspects positions against the ledger and, when unsafe, seizes them
// into Dutch auctions, subject to per-class and global caps on debt
// concurrently under liquidation.
type Dog struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	identity ledger.Identity
	engine   Kicker
	buffer   SurplusBuffer
	breakers common.BreakerView

	classes    map[ledger.ClassID]*classParams
	globalCap  *uint256.Int // rad
	globalUsed *uint256.Int // rad
}

func New(l *ledger.Ledger, identity ledger.Identity, engine Kicker) *Dog {
	return &Dog{
		ledger:     l,
		identity:   identity,
		engine:     engine,
		classes:    make(map[ledger.ClassID]*classParams),
		globalCap:  uint256.NewInt(0),
		globalUsed: uint256.NewInt(0),
	}
}

func (d *Dog) SetSurplusBuffer(buffer SurplusBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffer = buffer
}

func (d *Dog) SetBreakers(b common.BreakerView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakers = b
}

// SetGlobalCap bounds the debt value under auction across all classes, rad.
func (d *Dog) SetGlobalCap(cap *uint256.Int) error {
	if cap == nil {
		return ErrInvalidParams
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.globalCap = new(uint256.Int).Set(cap)
	return nil
}

// ConfigureClass installs liquidation parameters for a class. The penalty is
// a ray multiplier at or above 1.
func (d *Dog) ConfigureClass(id ledger.ClassID, penalty, holeCap, chip, tip *uint256.Int) error {
	if penalty == nil || penalty.Cmp(fixed.RAY) < 0 || holeCap == nil {
		return ErrInvalidParams
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.classes[id]
	used := uint256.NewInt(0)
	if ok {
		used = existing.holeUsed
	}
	d.classes[id] = &classParams{
		penalty:  new(uint256.Int).Set(penalty),
		holeCap:  new(uint256.Int).Set(holeCap),
		holeUsed: used,
		chip:     cloneOrZero(chip),
		tip:      cloneOrZero(tip),
	}
	return nil
}

// State returns a read-only copy of a class's parameters and cap usage.
func (d *Dog) State(id ledger.ClassID) (ClassState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.classes[id]
	if !ok {
		return ClassState{}, ErrUnknownClass
	}
	return ClassState{
		Penalty:  new(uint256.Int).Set(p.penalty),
		HoleCap:  new(uint256.Int).Set(p.holeCap),
		HoleUsed: new(uint256.Int).Set(p.holeUsed),
		Chip:     new(uint256.Int).Set(p.chip),
		Tip:      new(uint256.Int).Set(p.tip),
	}, nil
}

// GlobalUsed reports the debt value currently under auction, rad.
func (d *Dog) GlobalUsed() *uint256.Int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return new(uint256.Int).Set(d.globalUsed)
}

// Bark seizes an unsafe position and opens an auction for its collateral.
// Safe positions, including ones already seized down to (0,0), are rejected
// with ErrSafePosition. When the caps leave room for only part of the debt,
// the position is seized proportionally as long as the remainder stays above
// the dust floor.
func (d *Dog) Bark(id ledger.ClassID, owner, keeper string) (BarkResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := common.Guard(d.breakers, moduleName); err != nil {
		return BarkResult{}, err
	}
	p, ok := d.classes[id]
	if !ok {
		return BarkResult{}, ErrUnknownClass
	}

	pos, err := d.ledger.PositionSnapshot(id, owner)
	if err != nil {
		return BarkResult{}, err
	}
	cls, err := d.ledger.ClassSnapshot(id)
	if err != nil {
		return BarkResult{}, err
	}
	if pos.NormalizedDebt.IsZero() {
		return BarkResult{}, ErrSafePosition
	}
	value, err := fixed.WadRayToRad(pos.LockedCollateral, cls.PriceBound)
	if err != nil {
		return BarkResult{}, err
	}
	if value.Cmp(pos.Debt) >= 0 {
		return BarkResult{}, ErrSafePosition
	}

	// Debt value to auction, penalty included: norm * rate * chop.
	rateChop, err := fixed.RMul(cls.RateIndex, p.penalty)
	if err != nil {
		return BarkResult{}, err
	}
	tab, err := fixed.WadRayToRad(pos.NormalizedDebt, rateChop)
	if err != nil {
		return BarkResult{}, err
	}

	classRoom, classErr := room(p.holeCap, p.holeUsed)
	globalRoom, globalErr := room(d.globalCap, d.globalUsed)
	if classErr != nil {
		return BarkResult{}, ErrClassCapExceeded
	}
	if globalErr != nil {
		return BarkResult{}, ErrGlobalCapExceeded
	}
	capErr := ErrClassCapExceeded
	avail := classRoom
	if globalRoom.Cmp(classRoom) < 0 {
		avail = globalRoom
		capErr = ErrGlobalCapExceeded
	}

	var dink *uint256.Int
	if tab.Cmp(avail) <= 0 {
		dink, _, err = d.ledger.Seize(d.identity, id, owner)
		if err != nil {
			return BarkResult{}, err
		}
	} else {
		dart, err := fixed.RadDivRay(avail, rateChop)
		if err != nil {
			return BarkResult{}, err
		}
		if dart.IsZero() {
			return BarkResult{}, capErr
		}
		remainderNorm := new(uint256.Int).Sub(pos.NormalizedDebt, dart)
		remainderTab, err := fixed.WadRayToRad(remainderNorm, cls.RateIndex)
		if err != nil {
			return BarkResult{}, err
		}
		if !remainderTab.IsZero() && remainderTab.Cmp(cls.DustFloor) < 0 {
			return BarkResult{}, capErr
		}
		tab, err = fixed.WadRayToRad(dart, rateChop)
		if err != nil {
			return BarkResult{}, err
		}
		dink, err = d.ledger.SeizeShare(d.identity, id, owner, dart)
		if err != nil {
			return BarkResult{}, err
		}
	}
	if dink.IsZero() {
		return BarkResult{}, ErrNothingToAuction
	}

	auctionID, err := d.engine.Kick(id, owner, tab, dink)
	if err != nil {
		return BarkResult{}, err
	}

	p.holeUsed = new(uint256.Int).Add(p.holeUsed, tab)
	d.globalUsed = new(uint256.Int).Add(d.globalUsed, tab)

	// The seizure and auction are committed at this point. A bounty the
	// buffer cannot fund is skipped, not a reason to fail the liquidation;
	// a zero incentive in the result signals the caller went unpaid.
	incentive, err := d.incentive(p, tab)
	if err != nil {
		incentive = uint256.NewInt(0)
	}
	if d.buffer != nil && !incentive.IsZero() {
		if err := d.buffer.Debit(keeper, incentive); err != nil {
			incentive = uint256.NewInt(0)
		}
	}

	return BarkResult{
		AuctionID:  auctionID,
		Tab:        new(uint256.Int).Set(tab),
		Collateral: new(uint256.Int).Set(dink),
		Incentive:  incentive,
	}, nil
}

// Dig releases cap usage as auction debt is recovered or written off.
// Implements the auction engine's debt sink.
func (d *Dog) Dig(id ledger.ClassID, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidParams
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.classes[id]
	if !ok {
		return ErrUnknownClass
	}
	p.holeUsed = new(uint256.Int).Sub(p.holeUsed, fixed.Min(p.holeUsed, amount))
	d.globalUsed = new(uint256.Int).Sub(d.globalUsed, fixed.Min(d.globalUsed, amount))
	return nil
}

// RestoreUsage reinstates cap accounting for a class after its open auctions
// are reloaded. The used value is the sum of those auctions' tabs, which the
// per-fill Dig keeps as the running invariant.
func (d *Dog) RestoreUsage(id ledger.ClassID, used *uint256.Int) error {
	if used == nil {
		return ErrInvalidParams
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.classes[id]
	if !ok {
		return ErrUnknownClass
	}
	d.globalUsed = new(uint256.Int).Sub(d.globalUsed, fixed.Min(d.globalUsed, p.holeUsed))
	p.holeUsed = new(uint256.Int).Set(used)
	d.globalUsed = new(uint256.Int).Add(d.globalUsed, used)
	return nil
}

func (d *Dog) incentive(p *classParams, tab *uint256.Int) (*uint256.Int, error) {
	chipAmt, err := fixed.MulDiv(tab, p.chip, fixed.WAD)
	if err != nil {
		return nil, err
	}
	return fixed.Add(p.tip, chipAmt)
}

func room(cap, used *uint256.Int) (*uint256.Int, error) {
	if used.Cmp(cap) >= 0 {
		return nil, errors.New("no room")
	}
	return new(uint256.Int).Sub(cap, used), nil
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(v)
}
