package fixed

import (
	"errors"

	"github.com/holiman/uint256"
)

// The ledger works in three unsigned fixed-point domains:
//
//	wad — 18 fractional digits, linear quantities (collateral, token amounts)
//	ray — 27 fractional digits, ratios and per-second rates
//	rad — 45 fractional digits, wad×ray products (debt)
//
// Division truncates toward zero in every domain. Results that do not fit in
// 256 bits surface ErrOverflow instead of wrapping.
var (
	ErrOverflow   = errors.New("fixed: overflow")
	ErrDivideZero = errors.New("fixed: division by zero")
)

var (
	// WAD is 1.0 in the 18-digit domain.
	WAD = uint256.NewInt(1e18)
	// RAY is 1.0 in the 27-digit domain.
	RAY = uint256.MustFromDecimal("1000000000000000000000000000")
	// RAD is 1.0 in the 45-digit domain.
	RAD = uint256.MustFromDecimal("1000000000000000000000000000000000000000000000")
)

// MustDecimal parses a base-10 integer literal, panicking on malformed input.
// Intended for constants and tests.
func MustDecimal(s string) *uint256.Int {
	return uint256.MustFromDecimal(s)
}

func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, carry := new(uint256.Int).AddOverflow(a, b)
	if carry {
		return nil, ErrOverflow
	}
	return z, nil
}

func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, borrow := new(uint256.Int).SubOverflow(a, b)
	if borrow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Mul returns the plain product a*b, used when the scales already cancel
// (e.g. wad×ray -> rad).
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// WMul multiplies two wads, truncating: floor(a*b / 1e18).
func WMul(a, b *uint256.Int) (*uint256.Int, error) {
	return mulDiv(a, b, WAD)
}

// RMul multiplies two rays, truncating: floor(a*b / 1e27).
func RMul(a, b *uint256.Int) (*uint256.Int, error) {
	return mulDiv(a, b, RAY)
}

// RDiv divides two rays, truncating: floor(a*1e27 / b).
func RDiv(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivideZero
	}
	return mulDiv(a, RAY, b)
}

// WadRayToRad promotes a wad quantity through a ray ratio into the rad
// domain without any truncation: a(wad) * b(ray) = rad exactly.
func WadRayToRad(a, b *uint256.Int) (*uint256.Int, error) {
	return Mul(a, b)
}

// RadDivRay demotes a rad back to a wad by a ray divisor, truncating. This is
// the rounding direction used for debtOwed/currentPrice in auction fills: the
// fill never recovers more than debtOwed.
func RadDivRay(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivideZero
	}
	return new(uint256.Int).Div(a, b), nil
}

// RadDivRayUp is the ceiling counterpart of RadDivRay, used where rounding
// down would understate a debt obligation.
func RadDivRayUp(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivideZero
	}
	q := new(uint256.Int).Div(a, b)
	r := new(uint256.Int).Mod(a, b)
	if !r.IsZero() {
		var carry bool
		q, carry = new(uint256.Int).AddOverflow(q, uint256.NewInt(1))
		if carry {
			return nil, ErrOverflow
		}
	}
	return q, nil
}

// RPow raises a ray to an integer power by squaring, truncating at each
// multiplication. Compounding a per-second rate over an interval with RPow is
// independent of how the interval is split, up to one ulp per squaring step.
func RPow(x *uint256.Int, n uint64) (*uint256.Int, error) {
	z := new(uint256.Int).Set(RAY)
	base := new(uint256.Int).Set(x)
	for n > 0 {
		if n&1 == 1 {
			acc, err := RMul(z, base)
			if err != nil {
				return nil, err
			}
			z = acc
		}
		n >>= 1
		if n > 0 {
			sq, err := RMul(base, base)
			if err != nil {
				return nil, err
			}
			base = sq
		}
	}
	return z, nil
}

// MulDiv computes floor(a*b/d) with a full-width intermediate product.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivideZero
	}
	return mulDiv(a, b, d)
}

// Min returns the smaller of a and b without aliasing either.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

func mulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}
