package spotter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"vatcore/native/fixed"
	"vatcore/native/ledger"
)

var (
	ErrUnknownClass      = errors.New("spotter: class not configured")
	ErrInvalidMargin     = errors.New("spotter: liquidation margin must be at least 1")
	ErrOracleUnavailable = errors.New("spotter: oracle unavailable")
	ErrStalePrice        = errors.New("spotter: oracle price too old")
)

// Oracle is the external price collaborator. The price is a ray and must come
// with the observation timestamp so staleness can be enforced here rather
// than trusted downstream.
type Oracle interface {
	Price(class ledger.ClassID) (*uint256.Int, time.Time, error)
}

type classConfig struct {
	source Oracle
	// margin is the liquidation margin ("mat") in ray, >= 1.
	margin *uint256.Int
	maxAge time.Duration
}

// Spotter converts external prices into per-class price bounds and is the
// only component authorized to write them into the ledger.
type Spotter struct {
	mu       sync.RWMutex
	ledger   *ledger.Ledger
	identity ledger.Identity
	classes  map[ledger.ClassID]*classConfig
	now      func() time.Time
}

func New(l *ledger.Ledger, identity ledger.Identity) *Spotter {
	return &Spotter{
		ledger:   l,
		identity: identity,
		classes:  make(map[ledger.ClassID]*classConfig),
		now:      time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (s *Spotter) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ConfigureClass attaches an oracle source, liquidation margin, and staleness
// tolerance to a class.
func (s *Spotter) ConfigureClass(id ledger.ClassID, source Oracle, margin *uint256.Int, maxAge time.Duration) error {
	if margin == nil || margin.Cmp(fixed.RAY) < 0 {
		return ErrInvalidMargin
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes[id] = &classConfig{
		source: source,
		margin: new(uint256.Int).Set(margin),
		maxAge: maxAge,
	}
	return nil
}

// Margin returns the configured liquidation margin for a class.
func (s *Spotter) Margin(id ledger.ClassID) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.classes[id]
	if !ok {
		return nil, ErrUnknownClass
	}
	return new(uint256.Int).Set(cfg.margin), nil
}

// Poke samples the oracle once, rejects stale prices, and writes
// priceBound = price / margin into the ledger. The sampled price is returned
// for logging.
func (s *Spotter) Poke(id ledger.ClassID) (*uint256.Int, error) {
	s.mu.RLock()
	cfg, ok := s.classes[id]
	now := s.now
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownClass
	}

	price, observed, err := cfg.source.Price(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if cfg.maxAge > 0 && now().Sub(observed) > cfg.maxAge {
		return nil, ErrStalePrice
	}

	bound, err := fixed.RDiv(price, cfg.margin)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.UpdatePriceBound(s.identity, id, bound); err != nil {
		return nil, err
	}
	return price, nil
}
