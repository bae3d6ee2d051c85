package auction

import (
	"errors"

	"github.com/holiman/uint256"

	"vatcore/native/fixed"
)

var ErrInvalidDecay = errors.New("auction: invalid decay configuration")

// DecayKind selects the price-decay curve applied to an auction.
type DecayKind int

const (
	// Linear decays to exactly zero at Tau seconds.
	Linear DecayKind = iota
	// Exponential multiplies by Cut every second.
	Exponential
	// StairstepExponential multiplies by Cut every Step seconds.
	StairstepExponential
)

// Decay is a tagged variant over the supported curves. Adding a kind means
// adding a case to Price and Validate; the engine's control flow never
// changes.
type Decay struct {
	Kind DecayKind
	// Tau is the time to reach zero, in seconds. Linear only.
	Tau uint64
	// Cut is the per-step price multiplier in ray, strictly below 1.
	// Exponential kinds only.
	Cut *uint256.Int
	// Step is the seconds per discount step. StairstepExponential only.
	Step uint64
}

// Validate checks the parameters required by the selected kind.
func (d Decay) Validate() error {
	switch d.Kind {
	case Linear:
		if d.Tau == 0 {
			return ErrInvalidDecay
		}
	case Exponential:
		if d.Cut == nil || d.Cut.IsZero() || d.Cut.Cmp(fixed.RAY) >= 0 {
			return ErrInvalidDecay
		}
	case StairstepExponential:
		if d.Cut == nil || d.Cut.IsZero() || d.Cut.Cmp(fixed.RAY) >= 0 || d.Step == 0 {
			return ErrInvalidDecay
		}
	default:
		return ErrInvalidDecay
	}
	return nil
}

// Price evaluates the curve: a pure function of the start price and elapsed
// seconds, non-increasing in elapsed for every kind.
func (d Decay) Price(top *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	switch d.Kind {
	case Linear:
		if elapsed >= d.Tau {
			return uint256.NewInt(0), nil
		}
		remaining := uint256.NewInt(d.Tau - elapsed)
		return fixed.MulDiv(top, remaining, uint256.NewInt(d.Tau))
	case Exponential:
		factor, err := fixed.RPow(d.Cut, elapsed)
		if err != nil {
			return nil, err
		}
		return fixed.RMul(top, factor)
	case StairstepExponential:
		factor, err := fixed.RPow(d.Cut, elapsed/d.Step)
		if err != nil {
			return nil, err
		}
		return fixed.RMul(top, factor)
	default:
		return nil, ErrInvalidDecay
	}
}
