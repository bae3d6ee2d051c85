package ledger

import (
	"github.com/holiman/uint256"

	"vatcore/native/fixed"
)

// Restore operations rebuild ledger state from persisted records at native
// precision. They are privileged and intended only for startup, before any
// live operation runs.

// RestoreClass installs a class record wholesale, creating the class if it is
// not yet registered.
func (l *Ledger) RestoreClass(caller Identity, snap ClassSnapshot) error {
	if !l.authorized(caller) {
		return ErrUnauthorized
	}
	l.mu.Lock()
	c, ok := l.classes[snap.ID]
	if !ok {
		c = &class{positions: make(map[string]*Position)}
		l.classes[snap.ID] = c
	}
	l.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateIndex = cloneOr(snap.RateIndex, fixed.RAY)
	c.priceBound = cloneOr(snap.PriceBound, nil)
	c.totalNormalized = cloneOr(snap.TotalNormalized, nil)
	c.debtCeiling = cloneOr(snap.DebtCeiling, nil)
	c.dustFloor = cloneOr(snap.DustFloor, nil)
	return nil
}

// RestorePosition installs a position record wholesale.
func (l *Ledger) RestorePosition(caller Identity, snap PositionSnapshot) error {
	if !l.authorized(caller) {
		return ErrUnauthorized
	}
	c, err := l.getClass(snap.Class)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := c.ensurePosition(snap.Owner)
	pos.LockedCollateral = cloneOr(snap.LockedCollateral, nil)
	pos.NormalizedDebt = cloneOr(snap.NormalizedDebt, nil)
	return nil
}

// RestoreGlobal installs the global accounting record wholesale.
func (l *Ledger) RestoreGlobal(caller Identity, snap GlobalSnapshot) error {
	if !l.authorized(caller) {
		return ErrUnauthorized
	}
	l.gmu.Lock()
	defer l.gmu.Unlock()
	l.totalDebt = cloneOr(snap.TotalDebtIssued, nil)
	l.debtCeiling = cloneOr(snap.DebtCeiling, nil)
	l.surplus = cloneOr(snap.Surplus, nil)
	l.unbacked = cloneOr(snap.UnbackedDebt, nil)
	return nil
}

func cloneOr(v, fallback *uint256.Int) *uint256.Int {
	if v != nil {
		return new(uint256.Int).Set(v)
	}
	if fallback != nil {
		return new(uint256.Int).Set(fallback)
	}
	return uint256.NewInt(0)
}
