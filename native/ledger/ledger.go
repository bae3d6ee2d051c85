package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"vatcore/native/fixed"
)

var (
	ErrUnauthorized           = errors.New("ledger: caller lacks authority")
	ErrUnknownClass           = errors.New("ledger: unknown collateral class")
	ErrClassExists            = errors.New("ledger: collateral class already exists")
	ErrInvalidAmount          = errors.New("ledger: amount must be positive")
	ErrInsolvent              = errors.New("ledger: position would violate solvency invariant")
	ErrDustViolation          = errors.New("ledger: non-zero debt below dust floor")
	ErrDebtCeilingExceeded    = errors.New("ledger: class debt ceiling exceeded")
	ErrGlobalCeilingExceeded  = errors.New("ledger: global debt ceiling exceeded")
	ErrInsufficientCollateral = errors.New("ledger: insufficient locked collateral")
	ErrInsufficientDebt       = errors.New("ledger: repay exceeds outstanding debt")
	ErrInsufficientSurplus    = errors.New("ledger: insufficient surplus")
	ErrRateRegression         = errors.New("ledger: rate index may not decrease")
	ErrTransferFailed         = errors.New("ledger: custody transfer failed")
)

// Ledger owns per-position collateral and debt balances, per-class risk
// parameters, and the global debt accounting. Every mutating operation is
// atomic: it either fully applies or fails leaving state untouched, with the
// solvency and dust invariants checked before any commit.
//
// Locking is per collateral class, so operations on different classes do not
// block each other. Global counters sit behind their own mutex, always taken
// after the class lock.
type Ledger struct {
	mu      sync.RWMutex
	classes map[ClassID]*class
	auth    map[Identity]struct{}

	gmu         sync.Mutex
	totalDebt   *uint256.Int // rad
	debtCeiling *uint256.Int // rad
	surplus     *uint256.Int // rad
	unbacked    *uint256.Int // rad

	custody Custody
}

// New constructs a ledger with admin granted initial authority. Admin may
// grant further identities (spotter, jug, dog, auction engine) access to the
// privileged operations.
func New(admin Identity) *Ledger {
	return &Ledger{
		classes:     make(map[ClassID]*class),
		auth:        map[Identity]struct{}{admin: {}},
		totalDebt:   uint256.NewInt(0),
		debtCeiling: uint256.NewInt(0),
		surplus:     uint256.NewInt(0),
		unbacked:    uint256.NewInt(0),
	}
}

// SetCustody wires the asset-custody collaborator. A nil custody keeps the
// ledger purely in-memory, which is how the engine tests run.
func (l *Ledger) SetCustody(c Custody) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.custody = c
}

func (l *Ledger) authorized(caller Identity) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.auth[caller]
	return ok
}

// GrantAuthority adds grantee to the set of identities allowed to invoke
// privileged operations.
func (l *Ledger) GrantAuthority(caller, grantee Identity) error {
	if !l.authorized(caller) {
		return ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.auth[grantee] = struct{}{}
	return nil
}

// RevokeAuthority removes an identity from the authority set.
func (l *Ledger) RevokeAuthority(caller, revokee Identity) error {
	if !l.authorized(caller) {
		return ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.auth, revokee)
	return nil
}

// CreateClass registers a new collateral class with a unit rate index and no
// price bound. Classes are never destroyed, only disabled by zeroing their
// ceiling.
func (l *Ledger) CreateClass(caller Identity, id ClassID) error {
	if !l.authorized(caller) {
		return ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.classes[id]; ok {
		return ErrClassExists
	}
	l.classes[id] = &class{
		rateIndex:       new(uint256.Int).Set(fixed.RAY),
		priceBound:      uint256.NewInt(0),
		totalNormalized: uint256.NewInt(0),
		debtCeiling:     uint256.NewInt(0),
		dustFloor:       uint256.NewInt(0),
		positions:       make(map[string]*Position),
	}
	return nil
}

// SetGlobalDebtCeiling caps total debt issued across all classes, in rad.
func (l *Ledger) SetGlobalDebtCeiling(caller Identity, ceiling *uint256.Int) error {
	if !l.authorized(caller) {
		return ErrUnauthorized
	}
	if ceiling == nil {
		return ErrInvalidAmount
	}
	l.gmu.Lock()
	defer l.gmu.Unlock()
	l.debtCeiling = new(uint256.Int).Set(ceiling)
	return nil
}

// SetClassDebtCeiling caps a single class's debt, in rad. Setting zero
// disables new borrowing against the class.
func (l *Ledger) SetClassDebtCeiling(caller Identity, id ClassID, ceiling *uint256.Int) error {
	if !l.authorized(caller) {
		return ErrUnauthorized
	}
	if ceiling == nil {
		return ErrInvalidAmount
	}
	c, err := l.getClass(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debtCeiling = new(uint256.Int).Set(ceiling)
	return nil
}

// SetDustFloor sets the minimum non-zero debt per position, in rad.
func (l *Ledger) SetDustFloor(caller Identity, id ClassID, dust *uint256.Int) error {
	if !l.authorized(caller) {
		return ErrUnauthorized
	}
	if dust == nil {
		return ErrInvalidAmount
	}
	c, err := l.getClass(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dustFloor = new(uint256.Int).Set(dust)
	return nil
}

// UpdatePriceBound writes the class price bound, in ray. This is the only
// path by which collateral valuation enters the ledger; only the spotter
// holds the authority to call it.
func (l *Ledger) UpdatePriceBound(caller Identity, id ClassID, bound *uint256.Int) error {
	if !l.authorized(caller) {
		return ErrUnauthorized
	}
	if bound == nil {
		return ErrInvalidAmount
	}
	c, err := l.getClass(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.priceBound = new(uint256.Int).Set(bound)
	return nil
}

// Deposit locks collateral for a position. Depositing is always solvency
// preserving, so no invariant check is needed.
func (l *Ledger) Deposit(id ClassID, owner string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	c, err := l.getClass(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := c.ensurePosition(owner)
	next, err := fixed.Add(pos.LockedCollateral, amount)
	if err != nil {
		return err
	}
	if cst := l.custodyRef(); cst != nil {
		if err := cst.TransferIn(owner, amount); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	pos.LockedCollateral = next
	return nil
}

// Withdraw releases collateral from a position, rejecting the operation if
// the remainder would be insolvent.
func (l *Ledger) Withdraw(id ClassID, owner string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	c, err := l.getClass(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := c.ensurePosition(owner)
	if pos.LockedCollateral.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}
	remaining := new(uint256.Int).Sub(pos.LockedCollateral, amount)
	safe, err := c.solvent(remaining, pos.NormalizedDebt)
	if err != nil {
		return err
	}
	if !safe {
		return ErrInsolvent
	}

	prev := pos.LockedCollateral
	pos.LockedCollateral = remaining
	if cst := l.custodyRef(); cst != nil {
		if err := cst.TransferOut(owner, amount); err != nil {
			pos.LockedCollateral = prev
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	return nil
}

// Borrow draws debt against a position. The wad amount is normalized by the
// current rate index, rounding up so accrued value is never understated.
func (l *Ledger) Borrow(id ClassID, owner string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	c, err := l.getClass(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := c.ensurePosition(owner)
	amountRad, err := fixed.Mul(amount, fixed.RAY)
	if err != nil {
		return err
	}
	dart, err := fixed.RadDivRayUp(amountRad, c.rateIndex)
	if err != nil {
		return err
	}

	nextNorm, err := fixed.Add(pos.NormalizedDebt, dart)
	if err != nil {
		return err
	}
	nextTotal, err := fixed.Add(c.totalNormalized, dart)
	if err != nil {
		return err
	}
	tab, err := fixed.WadRayToRad(nextNorm, c.rateIndex)
	if err != nil {
		return err
	}
	classDebt, err := fixed.WadRayToRad(nextTotal, c.rateIndex)
	if err != nil {
		return err
	}
	debtDelta, err := fixed.WadRayToRad(dart, c.rateIndex)
	if err != nil {
		return err
	}

	if !tab.IsZero() && tab.Cmp(c.dustFloor) < 0 {
		return ErrDustViolation
	}
	if classDebt.Cmp(c.debtCeiling) > 0 {
		return ErrDebtCeilingExceeded
	}
	value, err := fixed.WadRayToRad(pos.LockedCollateral, c.priceBound)
	if err != nil {
		return err
	}
	if tab.Cmp(value) > 0 {
		return ErrInsolvent
	}

	l.gmu.Lock()
	defer l.gmu.Unlock()
	nextIssued, err := fixed.Add(l.totalDebt, debtDelta)
	if err != nil {
		return err
	}
	if nextIssued.Cmp(l.debtCeiling) > 0 {
		return ErrGlobalCeilingExceeded
	}

	pos.NormalizedDebt = nextNorm
	c.totalNormalized = nextTotal
	l.totalDebt = nextIssued
	return nil
}

// Repay retires debt on a position. The wad amount is normalized rounding
// down; repaying more than the outstanding debt is rejected.
func (l *Ledger) Repay(id ClassID, owner string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	c, err := l.getClass(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := c.ensurePosition(owner)
	if pos.NormalizedDebt.IsZero() {
		return ErrInsufficientDebt
	}
	amountRad, err := fixed.Mul(amount, fixed.RAY)
	if err != nil {
		return err
	}
	dart, err := fixed.RadDivRay(amountRad, c.rateIndex)
	if err != nil {
		return err
	}
	if dart.IsZero() {
		return ErrInvalidAmount
	}
	if dart.Cmp(pos.NormalizedDebt) > 0 {
		return ErrInsufficientDebt
	}

	nextNorm := new(uint256.Int).Sub(pos.NormalizedDebt, dart)
	remainderTab, err := fixed.WadRayToRad(nextNorm, c.rateIndex)
	if err != nil {
		return err
	}
	if !remainderTab.IsZero() && remainderTab.Cmp(c.dustFloor) < 0 {
		return ErrDustViolation
	}
	debtDelta, err := fixed.WadRayToRad(dart, c.rateIndex)
	if err != nil {
		return err
	}

	l.gmu.Lock()
	defer l.gmu.Unlock()
	nextIssued, err := fixed.Sub(l.totalDebt, debtDelta)
	if err != nil {
		return err
	}

	pos.NormalizedDebt = nextNorm
	c.totalNormalized = new(uint256.Int).Sub(c.totalNormalized, dart)
	l.totalDebt = nextIssued
	return nil
}

// AccrueFees advances the class rate index. The debt growth implied for all
// outstanding normalized debt is minted into total debt and credited as
// claimable surplus. Returns the minted rad amount. Only the fee module holds
// the authority to call this.
func (l *Ledger) AccrueFees(caller Identity, id ClassID, newIndex *uint256.Int) (*uint256.Int, error) {
	if !l.authorized(caller) {
		return nil, ErrUnauthorized
	}
	if newIndex == nil || newIndex.IsZero() {
		return nil, ErrInvalidAmount
	}
	c, err := l.getClass(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if newIndex.Cmp(c.rateIndex) < 0 {
		return nil, ErrRateRegression
	}
	delta := new(uint256.Int).Sub(newIndex, c.rateIndex)
	minted, err := fixed.WadRayToRad(c.totalNormalized, delta)
	if err != nil {
		return nil, err
	}

	l.gmu.Lock()
	defer l.gmu.Unlock()
	nextIssued, err := fixed.Add(l.totalDebt, minted)
	if err != nil {
		return nil, err
	}
	nextSurplus, err := fixed.Add(l.surplus, minted)
	if err != nil {
		return nil, err
	}

	c.rateIndex = new(uint256.Int).Set(newIndex)
	l.totalDebt = nextIssued
	l.surplus = nextSurplus
	return minted, nil
}

// Seize zeroes a position, removing its collateral and debt from the class
// accounting. The removed debt value becomes unbacked until auction proceeds
// absorb it. Never fails once authorized against an existing class.
func (l *Ledger) Seize(caller Identity, id ClassID, owner string) (collateral, normalized *uint256.Int, err error) {
	c, err := l.getClass(id)
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := c.ensurePosition(owner)
	return l.seizeLocked(caller, c, pos, new(uint256.Int).Set(pos.NormalizedDebt))
}

// SeizeShare removes dart normalized debt and a proportional share of the
// collateral from a position. Used when seizure caps leave room for only a
// partial liquidation.
func (l *Ledger) SeizeShare(caller Identity, id ClassID, owner string, dart *uint256.Int) (collateral *uint256.Int, err error) {
	if dart == nil || dart.IsZero() {
		return nil, ErrInvalidAmount
	}
	c, err := l.getClass(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := c.ensurePosition(owner)
	if dart.Cmp(pos.NormalizedDebt) > 0 {
		return nil, ErrInsufficientDebt
	}
	dink, _, err := l.seizeLocked(caller, c, pos, dart)
	return dink, err
}

func (l *Ledger) seizeLocked(caller Identity, c *class, pos *Position, dart *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if !l.authorized(caller) {
		return nil, nil, ErrUnauthorized
	}
	dink := new(uint256.Int).Set(pos.LockedCollateral)
	if dart.Cmp(pos.NormalizedDebt) < 0 && !pos.NormalizedDebt.IsZero() {
		// Proportional collateral share, truncating.
		prod, err := fixed.Mul(pos.LockedCollateral, dart)
		if err != nil {
			return nil, nil, err
		}
		dink = new(uint256.Int).Div(prod, pos.NormalizedDebt)
	}
	debtDelta, err := fixed.WadRayToRad(dart, c.rateIndex)
	if err != nil {
		return nil, nil, err
	}

	l.gmu.Lock()
	defer l.gmu.Unlock()
	nextUnbacked, err := fixed.Add(l.unbacked, debtDelta)
	if err != nil {
		return nil, nil, err
	}

	pos.LockedCollateral = new(uint256.Int).Sub(pos.LockedCollateral, dink)
	pos.NormalizedDebt = new(uint256.Int).Sub(pos.NormalizedDebt, dart)
	c.totalNormalized = new(uint256.Int).Sub(c.totalNormalized, dart)
	l.totalDebt = new(uint256.Int).Sub(l.totalDebt, debtDelta)
	l.unbacked = nextUnbacked
	return dink, new(uint256.Int).Set(dart), nil
}

// AbsorbProceeds credits auction proceeds as surplus and retires unbacked
// debt from prior seizures.
func (l *Ledger) AbsorbProceeds(caller Identity, amount *uint256.Int) error {
	if !l.authorized(caller) {
		return ErrUnauthorized
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	l.gmu.Lock()
	defer l.gmu.Unlock()
	nextSurplus, err := fixed.Add(l.surplus, amount)
	if err != nil {
		return err
	}
	retired := fixed.Min(l.unbacked, amount)
	l.surplus = nextSurplus
	l.unbacked = new(uint256.Int).Sub(l.unbacked, retired)
	return nil
}

// DebitSurplus draws from the claimable surplus, used by the surplus buffer
// collaborator to fund liquidation incentives.
func (l *Ledger) DebitSurplus(caller Identity, amount *uint256.Int) error {
	if !l.authorized(caller) {
		return ErrUnauthorized
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	l.gmu.Lock()
	defer l.gmu.Unlock()
	if l.surplus.Cmp(amount) < 0 {
		return ErrInsufficientSurplus
	}
	l.surplus = new(uint256.Int).Sub(l.surplus, amount)
	return nil
}

// PositionSnapshot returns a read-only copy of a position. Unknown owners
// report a zero position, matching positions that decayed to (0,0).
func (l *Ledger) PositionSnapshot(id ClassID, owner string) (PositionSnapshot, error) {
	c, err := l.getClass(id)
	if err != nil {
		return PositionSnapshot{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := PositionSnapshot{
		Class:            id,
		Owner:            owner,
		LockedCollateral: uint256.NewInt(0),
		NormalizedDebt:   uint256.NewInt(0),
		Debt:             uint256.NewInt(0),
	}
	pos, ok := c.positions[owner]
	if !ok {
		return snap, nil
	}
	snap.LockedCollateral = new(uint256.Int).Set(pos.LockedCollateral)
	snap.NormalizedDebt = new(uint256.Int).Set(pos.NormalizedDebt)
	debt, err := fixed.WadRayToRad(pos.NormalizedDebt, c.rateIndex)
	if err != nil {
		return PositionSnapshot{}, err
	}
	snap.Debt = debt
	return snap, nil
}

// ClassSnapshot returns a read-only copy of a collateral class.
func (l *Ledger) ClassSnapshot(id ClassID) (ClassSnapshot, error) {
	c, err := l.getClass(id)
	if err != nil {
		return ClassSnapshot{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	total, err := fixed.WadRayToRad(c.totalNormalized, c.rateIndex)
	if err != nil {
		return ClassSnapshot{}, err
	}
	return ClassSnapshot{
		ID:              id,
		RateIndex:       new(uint256.Int).Set(c.rateIndex),
		PriceBound:      new(uint256.Int).Set(c.priceBound),
		TotalNormalized: new(uint256.Int).Set(c.totalNormalized),
		TotalDebt:       total,
		DebtCeiling:     new(uint256.Int).Set(c.debtCeiling),
		DustFloor:       new(uint256.Int).Set(c.dustFloor),
	}, nil
}

// GlobalSnapshot returns a read-only copy of the global accounting state.
func (l *Ledger) GlobalSnapshot() GlobalSnapshot {
	l.gmu.Lock()
	defer l.gmu.Unlock()
	return GlobalSnapshot{
		TotalDebtIssued: new(uint256.Int).Set(l.totalDebt),
		DebtCeiling:     new(uint256.Int).Set(l.debtCeiling),
		Surplus:         new(uint256.Int).Set(l.surplus),
		UnbackedDebt:    new(uint256.Int).Set(l.unbacked),
	}
}

// ClassIDs lists registered classes in stable order, for reporting and
// persistence.
func (l *Ledger) ClassIDs() []ClassID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]ClassID, 0, len(l.classes))
	for id := range l.classes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PositionOwners lists owners with recorded positions in a class, in stable
// order.
func (l *Ledger) PositionOwners(id ClassID) ([]string, error) {
	c, err := l.getClass(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	owners := make([]string, 0, len(c.positions))
	for owner := range c.positions {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners, nil
}

func (l *Ledger) getClass(id ClassID) (*class, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.classes[id]
	if !ok {
		return nil, ErrUnknownClass
	}
	return c, nil
}

func (l *Ledger) custodyRef() Custody {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.custody
}

func (c *class) ensurePosition(owner string) *Position {
	pos, ok := c.positions[owner]
	if !ok {
		pos = newPosition()
		c.positions[owner] = pos
	}
	return pos
}

// solvent reports lockedCollateral*priceBound >= normalizedDebt*rateIndex.
// Zero debt is always solvent.
func (c *class) solvent(locked, normalized *uint256.Int) (bool, error) {
	if normalized.IsZero() {
		return true, nil
	}
	tab, err := fixed.WadRayToRad(normalized, c.rateIndex)
	if err != nil {
		return false, err
	}
	value, err := fixed.WadRayToRad(locked, c.priceBound)
	if err != nil {
		return false, err
	}
	return value.Cmp(tab) >= 0, nil
}
