package config

import (
	"fmt"
	"strings"

	"vatcore/native/fixed"
)

var decayKinds = map[string]bool{
	"linear":      true,
	"exponential": true,
	"stairstep":   true,
}

// Validate checks the configuration for malformed amounts and inconsistent
// class parameters before the daemon starts mutating state with them.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("DataDir is required")
	}
	if _, err := ParseAmount(cfg.GlobalDebtCeiling); err != nil {
		return fmt.Errorf("GlobalDebtCeiling: %w", err)
	}
	if _, err := ParseAmount(cfg.GlobalLiquidationCap); err != nil {
		return fmt.Errorf("GlobalLiquidationCap: %w", err)
	}
	if err := validateRateController(cfg.RateController); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Classes))
	for i := range cfg.Classes {
		c := &cfg.Classes[i]
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("class %d: ID is required", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("class %s: duplicate ID", c.ID)
		}
		seen[c.ID] = true
		if err := validateClass(c); err != nil {
			return fmt.Errorf("class %s: %w", c.ID, err)
		}
	}
	return nil
}

func validateClass(c *ClassConfig) error {
	if _, err := ParseAmount(c.DebtCeiling); err != nil {
		return fmt.Errorf("DebtCeiling: %w", err)
	}
	if _, err := ParseAmount(c.DustFloor); err != nil {
		return fmt.Errorf("DustFloor: %w", err)
	}
	for name, value := range map[string]string{
		"Margin":  c.Margin,
		"Duty":    c.Duty,
		"Penalty": c.Penalty,
	} {
		v, err := ParseAmount(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if value != "" && v.Cmp(fixed.RAY) < 0 {
			return fmt.Errorf("%s must be at least 1.0 in ray", name)
		}
	}
	if _, err := ParseAmount(c.HoleCap); err != nil {
		return fmt.Errorf("HoleCap: %w", err)
	}
	if _, err := ParseAmount(c.Chip); err != nil {
		return fmt.Errorf("Chip: %w", err)
	}
	if _, err := ParseAmount(c.Tip); err != nil {
		return fmt.Errorf("Tip: %w", err)
	}
	return validateAuction(&c.Auction)
}

func validateAuction(a *AuctionConfig) error {
	buf, err := ParseAmount(a.Buf)
	if err != nil {
		return fmt.Errorf("Auction.Buf: %w", err)
	}
	if a.Buf != "" && buf.Cmp(fixed.RAY) < 0 {
		return fmt.Errorf("Auction.Buf must be at least 1.0 in ray")
	}
	cusp, err := ParseAmount(a.Cusp)
	if err != nil {
		return fmt.Errorf("Auction.Cusp: %w", err)
	}
	if cusp.Cmp(fixed.RAY) > 0 {
		return fmt.Errorf("Auction.Cusp must not exceed 1.0 in ray")
	}
	kind := strings.ToLower(strings.TrimSpace(a.DecayKind))
	if kind == "" {
		kind = "linear"
		a.DecayKind = kind
	}
	if !decayKinds[kind] {
		return fmt.Errorf("Auction.DecayKind %q is not one of linear, exponential, stairstep", a.DecayKind)
	}
	switch kind {
	case "linear":
		if a.TauSecs == 0 {
			return fmt.Errorf("Auction.TauSecs must be positive for linear decay")
		}
	case "exponential", "stairstep":
		cut, err := ParseAmount(a.Cut)
		if err != nil {
			return fmt.Errorf("Auction.Cut: %w", err)
		}
		if cut.IsZero() || cut.Cmp(fixed.RAY) >= 0 {
			return fmt.Errorf("Auction.Cut must be in (0, 1) in ray")
		}
		if kind == "stairstep" && a.StepSecs == 0 {
			return fmt.Errorf("Auction.StepSecs must be positive for stairstep decay")
		}
	}
	if a.TailSecs == 0 {
		return fmt.Errorf("Auction.TailSecs must be positive")
	}
	return nil
}

func validateRateController(rc RateControllerConfig) error {
	if !rc.Enabled {
		return nil
	}
	peg, err := ParseAmount(rc.Peg)
	if err != nil {
		return fmt.Errorf("RateController.Peg: %w", err)
	}
	if peg.IsZero() {
		return fmt.Errorf("RateController.Peg must be positive")
	}
	minRate, err := ParseAmount(rc.MinRate)
	if err != nil {
		return fmt.Errorf("RateController.MinRate: %w", err)
	}
	maxRate, err := ParseAmount(rc.MaxRate)
	if err != nil {
		return fmt.Errorf("RateController.MaxRate: %w", err)
	}
	if minRate.Cmp(maxRate) > 0 {
		return fmt.Errorf("RateController.MinRate exceeds MaxRate")
	}
	return nil
}
