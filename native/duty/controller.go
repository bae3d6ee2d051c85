package duty

import (
	"errors"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"vatcore/native/fixed"
	"vatcore/native/ledger"
)

var (
	ErrUnknownClass  = errors.New("duty: class not configured")
	ErrInvalidParams = errors.New("duty: invalid curve parameters")
	ErrInvalidBounds = errors.New("duty: min rate above max rate")
	ErrPriceFeed     = errors.New("duty: price feed failed")
)

// PriceSource supplies the current oracle price in ray. The spotter's oracle
// satisfies this.
type PriceSource interface {
	Price(class ledger.ClassID) (*uint256.Int, time.Time, error)
}

// CurveState holds the per-class exponential response parameters. A disabled
// curve short-circuits to the static fallback rate.
type CurveState struct {
	// Beta is the sensitivity of the response to peg deviation.
	Beta float64
	// BaseRate0 is the per-second rate in ray applied at zero deviation.
	BaseRate0 *uint256.Int
	// Enabled gates the dynamic computation.
	Enabled bool
	// LastDeviation records the most recently observed deviation, for
	// reporting only.
	LastDeviation float64
}

// Controller computes the stability fee from the observed peg deviation
// d = (peg - P) / peg through rate = baseRate0 * exp(beta * d), clamped to
// configured bounds. Price below peg raises the rate, price above lowers it,
// and the response is monotone in d.
type Controller struct {
	mu      sync.RWMutex
	source  PriceSource
	peg     *uint256.Int // ray
	minRate *uint256.Int // ray per-second
	maxRate *uint256.Int // ray per-second
	classes map[ledger.ClassID]*CurveState
}

func New(source PriceSource, peg *uint256.Int) *Controller {
	return &Controller{
		source:  source,
		peg:     new(uint256.Int).Set(peg),
		minRate: new(uint256.Int).Set(fixed.RAY),
		maxRate: fixed.MustDecimal("1000000100000000000000000000"), // ~entirely generous per-second cap
		classes: make(map[ledger.ClassID]*CurveState),
	}
}

// SetBounds clamps computed rates to [minRate, maxRate], both ray per-second.
func (c *Controller) SetBounds(minRate, maxRate *uint256.Int) error {
	if minRate == nil || maxRate == nil || minRate.Cmp(maxRate) > 0 {
		return ErrInvalidBounds
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minRate = new(uint256.Int).Set(minRate)
	c.maxRate = new(uint256.Int).Set(maxRate)
	return nil
}

// SetCurve installs or replaces the response curve for a class.
func (c *Controller) SetCurve(id ledger.ClassID, beta float64, baseRate0 *uint256.Int, enabled bool) error {
	if baseRate0 == nil || baseRate0.Cmp(fixed.RAY) < 0 || math.IsNaN(beta) || math.IsInf(beta, 0) {
		return ErrInvalidParams
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classes[id] = &CurveState{
		Beta:      beta,
		BaseRate0: new(uint256.Int).Set(baseRate0),
		Enabled:   enabled,
	}
	return nil
}

// SetEnabled flips the dynamic computation for a class.
func (c *Controller) SetEnabled(id ledger.ClassID, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.classes[id]
	if !ok {
		return ErrUnknownClass
	}
	st.Enabled = enabled
	return nil
}

// Curve returns a copy of the class curve state.
func (c *Controller) Curve(id ledger.ClassID) (CurveState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.classes[id]
	if !ok {
		return CurveState{}, ErrUnknownClass
	}
	out := *st
	out.BaseRate0 = new(uint256.Int).Set(st.BaseRate0)
	return out, nil
}

// ComputeRate implements jug.RateSource. Disabled curves return the static
// fallback with no oracle read.
func (c *Controller) ComputeRate(id ledger.ClassID) (*uint256.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.classes[id]
	if !ok {
		return nil, ErrUnknownClass
	}
	if !st.Enabled {
		return new(uint256.Int).Set(st.BaseRate0), nil
	}

	price, _, err := c.source.Price(id)
	if err != nil {
		return nil, errors.Join(ErrPriceFeed, err)
	}
	d := deviation(c.peg, price)
	st.LastDeviation = d

	multiplier := math.Exp(st.Beta * d)
	rate, err := scaleRate(st.BaseRate0, multiplier)
	if err != nil {
		return nil, err
	}
	if rate.Cmp(c.minRate) < 0 {
		rate = new(uint256.Int).Set(c.minRate)
	}
	if rate.Cmp(c.maxRate) > 0 {
		rate = new(uint256.Int).Set(c.maxRate)
	}
	return rate, nil
}

// deviation computes (peg - price) / peg as a float. Positive when the price
// sits below the peg.
func deviation(peg, price *uint256.Int) float64 {
	pegF, _ := new(big.Float).SetInt(peg.ToBig()).Float64()
	priceF, _ := new(big.Float).SetInt(price.ToBig()).Float64()
	if pegF == 0 {
		return 0
	}
	return (pegF - priceF) / pegF
}

// scaleRate multiplies a ray rate by a float factor, truncating. The factor
// is bounded to keep the conversion well inside float64 precision.
func scaleRate(base *uint256.Int, factor float64) (*uint256.Int, error) {
	if math.IsNaN(factor) || factor <= 0 {
		return nil, ErrInvalidParams
	}
	if factor > 1e12 {
		factor = 1e12
	}
	scaled := new(big.Float).Mul(new(big.Float).SetFloat64(factor), new(big.Float).SetInt(fixed.RAY.ToBig()))
	asInt, _ := scaled.Int(nil)
	f, overflow := uint256.FromBig(asInt)
	if overflow {
		return nil, fixed.ErrOverflow
	}
	return fixed.RMul(base, f)
}
