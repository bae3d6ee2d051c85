package config

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// ParseAmount converts a decimal amount string into its runtime value. Empty
// strings parse to zero so optional fields can be omitted.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return uint256.NewInt(0), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// MustAmount is ParseAmount for validated configuration, panicking on input
// that Validate already accepted.
func MustAmount(s string) *uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}
