package ledger

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"vatcore/native/fixed"
)

const (
	admin   = Identity("admin")
	jugID   = Identity("jug")
	testCls = ClassID("ETH-A")
)

func wad(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fixed.WAD)
}

func rad(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fixed.RAD)
}

func ray(s string) *uint256.Int {
	return fixed.MustDecimal(s)
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New(admin)
	if err := l.CreateClass(admin, testCls); err != nil {
		t.Fatalf("create class: %v", err)
	}
	if err := l.SetGlobalDebtCeiling(admin, rad(1_000_000)); err != nil {
		t.Fatalf("set global ceiling: %v", err)
	}
	if err := l.SetClassDebtCeiling(admin, testCls, rad(1_000_000)); err != nil {
		t.Fatalf("set class ceiling: %v", err)
	}
	// priceBound 0.8: collateral already haircut by the liquidation margin.
	if err := l.UpdatePriceBound(admin, testCls, ray("800000000000000000000000000")); err != nil {
		t.Fatalf("update price bound: %v", err)
	}
	return l
}

func TestBorrowAgainstPriceBound(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Deposit(testCls, "alice", wad(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// 7 <= 10 * 0.8 = 8.
	if err := l.Borrow(testCls, "alice", wad(7)); err != nil {
		t.Fatalf("borrow 7: %v", err)
	}
	// 9 > 8.
	if err := l.Borrow(testCls, "alice", wad(2)); !errors.Is(err, ErrInsolvent) {
		t.Fatalf("expected insolvent, got: %v", err)
	}
	snap, err := l.PositionSnapshot(testCls, "alice")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.NormalizedDebt.Cmp(wad(7)) != 0 {
		t.Fatalf("failed borrow mutated state: %s", snap.NormalizedDebt)
	}
}

func TestWithdrawGuardsSolvency(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Deposit(testCls, "alice", wad(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Borrow(testCls, "alice", wad(6)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// 6 debt needs 7.5 collateral at bound 0.8; withdrawing 3 leaves 7.
	if err := l.Withdraw(testCls, "alice", wad(3)); !errors.Is(err, ErrInsolvent) {
		t.Fatalf("expected insolvent, got: %v", err)
	}
	if err := l.Withdraw(testCls, "alice", wad(2)); err != nil {
		t.Fatalf("withdraw 2: %v", err)
	}
	if err := l.Withdraw(testCls, "alice", wad(20)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected insufficient collateral, got: %v", err)
	}
}

func TestDustFloorEnforced(t *testing.T) {
	l := newTestLedger(t)
	if err := l.SetDustFloor(admin, testCls, rad(5)); err != nil {
		t.Fatalf("set dust: %v", err)
	}
	if err := l.Deposit(testCls, "alice", wad(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Borrow(testCls, "alice", wad(3)); !errors.Is(err, ErrDustViolation) {
		t.Fatalf("expected dust violation, got: %v", err)
	}
	if err := l.Borrow(testCls, "alice", wad(10)); err != nil {
		t.Fatalf("borrow 10: %v", err)
	}
	// Repaying down to 3 would leave dust; repaying to zero is fine.
	if err := l.Repay(testCls, "alice", wad(7)); !errors.Is(err, ErrDustViolation) {
		t.Fatalf("expected dust violation on partial repay, got: %v", err)
	}
	if err := l.Repay(testCls, "alice", wad(10)); err != nil {
		t.Fatalf("full repay: %v", err)
	}
	if err := l.Repay(testCls, "alice", wad(1)); !errors.Is(err, ErrInsufficientDebt) {
		t.Fatalf("expected insufficient debt, got: %v", err)
	}
}

func TestDebtCeilings(t *testing.T) {
	l := newTestLedger(t)
	if err := l.SetClassDebtCeiling(admin, testCls, rad(5)); err != nil {
		t.Fatalf("set class ceiling: %v", err)
	}
	if err := l.Deposit(testCls, "alice", wad(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Borrow(testCls, "alice", wad(6)); !errors.Is(err, ErrDebtCeilingExceeded) {
		t.Fatalf("expected class ceiling, got: %v", err)
	}
	if err := l.SetClassDebtCeiling(admin, testCls, rad(100)); err != nil {
		t.Fatalf("raise class ceiling: %v", err)
	}
	if err := l.SetGlobalDebtCeiling(admin, rad(4)); err != nil {
		t.Fatalf("set global ceiling: %v", err)
	}
	if err := l.Borrow(testCls, "alice", wad(6)); !errors.Is(err, ErrGlobalCeilingExceeded) {
		t.Fatalf("expected global ceiling, got: %v", err)
	}
}

func TestAccrueFeesMintsSurplus(t *testing.T) {
	l := newTestLedger(t)
	if err := l.GrantAuthority(admin, jugID); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := l.Deposit(testCls, "alice", wad(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Borrow(testCls, "alice", wad(50)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Index 1.0 -> 1.1: 10% growth on 50 wad normalized debt = 5 rad.
	newIndex := ray("1100000000000000000000000000")
	minted, err := l.AccrueFees(jugID, testCls, newIndex)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if minted.Cmp(rad(5)) != 0 {
		t.Fatalf("unexpected minted: got %s want %s", minted, rad(5))
	}

	global := l.GlobalSnapshot()
	if global.TotalDebtIssued.Cmp(rad(55)) != 0 {
		t.Fatalf("unexpected total debt: %s", global.TotalDebtIssued)
	}
	if global.Surplus.Cmp(rad(5)) != 0 {
		t.Fatalf("unexpected surplus: %s", global.Surplus)
	}
	cls, err := l.ClassSnapshot(testCls)
	if err != nil {
		t.Fatalf("class snapshot: %v", err)
	}
	if cls.TotalDebt.Cmp(global.TotalDebtIssued) != 0 {
		t.Fatalf("class/global debt diverged: %s vs %s", cls.TotalDebt, global.TotalDebtIssued)
	}

	// Regression rejected.
	if _, err := l.AccrueFees(jugID, testCls, fixed.RAY); !errors.Is(err, ErrRateRegression) {
		t.Fatalf("expected rate regression, got: %v", err)
	}
	// Unauthorized caller rejected.
	if _, err := l.AccrueFees("stranger", testCls, newIndex); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got: %v", err)
	}
}

func TestSeizeAndAbsorb(t *testing.T) {
	l := newTestLedger(t)
	if err := l.GrantAuthority(admin, "dog"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := l.Deposit(testCls, "bob", wad(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Borrow(testCls, "bob", wad(8)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	dink, dart, err := l.Seize("dog", testCls, "bob")
	if err != nil {
		t.Fatalf("seize: %v", err)
	}
	if dink.Cmp(wad(10)) != 0 || dart.Cmp(wad(8)) != 0 {
		t.Fatalf("unexpected seizure: dink=%s dart=%s", dink, dart)
	}
	snap, err := l.PositionSnapshot(testCls, "bob")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.LockedCollateral.IsZero() || !snap.NormalizedDebt.IsZero() {
		t.Fatalf("position not zeroed: %s/%s", snap.LockedCollateral, snap.NormalizedDebt)
	}
	global := l.GlobalSnapshot()
	if !global.TotalDebtIssued.IsZero() {
		t.Fatalf("seized debt still issued: %s", global.TotalDebtIssued)
	}
	if global.UnbackedDebt.Cmp(rad(8)) != 0 {
		t.Fatalf("unexpected unbacked debt: %s", global.UnbackedDebt)
	}

	if err := l.AbsorbProceeds("dog", rad(8)); err != nil {
		t.Fatalf("absorb: %v", err)
	}
	global = l.GlobalSnapshot()
	if !global.UnbackedDebt.IsZero() {
		t.Fatalf("unbacked debt not retired: %s", global.UnbackedDebt)
	}
	if global.Surplus.Cmp(rad(8)) != 0 {
		t.Fatalf("unexpected surplus: %s", global.Surplus)
	}
}

func TestGlobalDebtMatchesClassSum(t *testing.T) {
	l := newTestLedger(t)
	second := ClassID("WBTC-A")
	if err := l.CreateClass(admin, second); err != nil {
		t.Fatalf("create class: %v", err)
	}
	if err := l.SetClassDebtCeiling(admin, second, rad(1_000_000)); err != nil {
		t.Fatalf("set ceiling: %v", err)
	}
	if err := l.UpdatePriceBound(admin, second, fixed.RAY); err != nil {
		t.Fatalf("price bound: %v", err)
	}

	if err := l.Deposit(testCls, "alice", wad(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Borrow(testCls, "alice", wad(5)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := l.Deposit(second, "bob", wad(4)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Borrow(second, "bob", wad(3)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := l.Repay(second, "bob", wad(1)); err != nil {
		t.Fatalf("repay: %v", err)
	}

	sum := uint256.NewInt(0)
	for _, id := range l.ClassIDs() {
		cls, err := l.ClassSnapshot(id)
		if err != nil {
			t.Fatalf("class snapshot: %v", err)
		}
		sum = new(uint256.Int).Add(sum, cls.TotalDebt)
	}
	global := l.GlobalSnapshot()
	if sum.Cmp(global.TotalDebtIssued) != 0 {
		t.Fatalf("sum of class debt %s != issued %s", sum, global.TotalDebtIssued)
	}
}

func TestAuthorityLifecycle(t *testing.T) {
	l := newTestLedger(t)
	if err := l.UpdatePriceBound("spot", testCls, fixed.RAY); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got: %v", err)
	}
	if err := l.GrantAuthority(admin, "spot"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := l.UpdatePriceBound("spot", testCls, fixed.RAY); err != nil {
		t.Fatalf("poke after grant: %v", err)
	}
	if err := l.RevokeAuthority(admin, "spot"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := l.UpdatePriceBound("spot", testCls, fixed.RAY); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized after revoke, got: %v", err)
	}
	if err := l.GrantAuthority("stranger", "other"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized grant, got: %v", err)
	}
}

type failingCustody struct {
	failOut bool
}

func (f *failingCustody) TransferIn(string, *uint256.Int) error { return nil }

func (f *failingCustody) TransferOut(string, *uint256.Int) error {
	if f.failOut {
		return errors.New("wire down")
	}
	return nil
}

func TestWithdrawRollsBackOnTransferFailure(t *testing.T) {
	l := newTestLedger(t)
	custody := &failingCustody{}
	l.SetCustody(custody)
	if err := l.Deposit(testCls, "alice", wad(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	custody.failOut = true
	if err := l.Withdraw(testCls, "alice", wad(4)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got: %v", err)
	}
	snap, err := l.PositionSnapshot(testCls, "alice")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.LockedCollateral.Cmp(wad(10)) != 0 {
		t.Fatalf("failed withdraw mutated state: %s", snap.LockedCollateral)
	}
}
