package state

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"vatcore/native/auction"
	"vatcore/native/dog"
	"vatcore/native/fixed"
	"vatcore/native/jug"
	"vatcore/native/ledger"
	"vatcore/storage"
)

const (
	admin   = ledger.Identity("root")
	classID = ledger.ClassID("ETH-A")
	owner   = "alice"
)

func auctionParams() auction.Params {
	return auction.Params{
		Buf:  fixed.MustDecimal("1100000000000000000000000000"),
		Tail: time.Hour,
		Cusp: fixed.MustDecimal("300000000000000000000000000"),
		Decay: auction.Decay{
			Kind: auction.Linear,
			Tau:  7200,
		},
	}
}

func buildWorld(t *testing.T) (*ledger.Ledger, *auction.Engine) {
	t.Helper()
	l := ledger.New(admin)
	require.NoError(t, l.CreateClass(admin, classID))
	huge := fixed.MustDecimal("1000000000000000000000000000000000000000000000000")
	require.NoError(t, l.SetGlobalDebtCeiling(admin, huge))
	require.NoError(t, l.SetClassDebtCeiling(admin, classID, huge))
	require.NoError(t, l.UpdatePriceBound(admin, classID, fixed.RAY))
	require.NoError(t, l.Deposit(classID, owner, uint256.NewInt(10_000_000_000_000_000_000)))
	require.NoError(t, l.Borrow(classID, owner, uint256.NewInt(6_000_000_000_000_000_000)))
	// Accrue some fees so the rate index is not the identity.
	_, err := l.AccrueFees(admin, classID, fixed.MustDecimal("1050000000000000000000000000"))
	require.NoError(t, err)

	engine := auction.New(l, admin)
	require.NoError(t, engine.ConfigureClass(classID, auctionParams()))
	_, err = engine.Kick(classID, owner,
		fixed.MustDecimal("2000000000000000000000000000000000000000000000"),
		uint256.NewInt(3_000_000_000_000_000_000))
	require.NoError(t, err)
	return l, engine
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	l, engine := buildWorld(t)
	db := storage.NewMemDB()
	require.NoError(t, NewStore(db, l, engine, admin).Save())

	restoredLedger := ledger.New(admin)
	restoredEngine := auction.New(restoredLedger, admin)
	require.NoError(t, restoredEngine.ConfigureClass(classID, auctionParams()))
	require.NoError(t, NewStore(db, restoredLedger, restoredEngine, admin).Load())

	wantGlobal := l.GlobalSnapshot()
	gotGlobal := restoredLedger.GlobalSnapshot()
	require.Zero(t, wantGlobal.TotalDebtIssued.Cmp(gotGlobal.TotalDebtIssued))
	require.Zero(t, wantGlobal.Surplus.Cmp(gotGlobal.Surplus))
	require.Zero(t, wantGlobal.UnbackedDebt.Cmp(gotGlobal.UnbackedDebt))
	require.Zero(t, wantGlobal.DebtCeiling.Cmp(gotGlobal.DebtCeiling))

	wantClass, err := l.ClassSnapshot(classID)
	require.NoError(t, err)
	gotClass, err := restoredLedger.ClassSnapshot(classID)
	require.NoError(t, err)
	require.Zero(t, wantClass.RateIndex.Cmp(gotClass.RateIndex))
	require.Zero(t, wantClass.PriceBound.Cmp(gotClass.PriceBound))
	require.Zero(t, wantClass.TotalNormalized.Cmp(gotClass.TotalNormalized))
	require.Zero(t, wantClass.DustFloor.Cmp(gotClass.DustFloor))

	wantPos, err := l.PositionSnapshot(classID, owner)
	require.NoError(t, err)
	gotPos, err := restoredLedger.PositionSnapshot(classID, owner)
	require.NoError(t, err)
	require.Zero(t, wantPos.LockedCollateral.Cmp(gotPos.LockedCollateral))
	require.Zero(t, wantPos.NormalizedDebt.Cmp(gotPos.NormalizedDebt))
	require.Zero(t, wantPos.Debt.Cmp(gotPos.Debt))

	wantAuctions := engine.Export()
	gotAuctions := restoredEngine.Export()
	require.Len(t, gotAuctions, len(wantAuctions))
	for i := range wantAuctions {
		require.Equal(t, wantAuctions[i].ID, gotAuctions[i].ID)
		require.Equal(t, wantAuctions[i].Class, gotAuctions[i].Class)
		require.Equal(t, wantAuctions[i].Owner, gotAuctions[i].Owner)
		require.Zero(t, wantAuctions[i].Lot.Cmp(gotAuctions[i].Lot))
		require.Zero(t, wantAuctions[i].Tab.Cmp(gotAuctions[i].Tab))
		require.Zero(t, wantAuctions[i].Top.Cmp(gotAuctions[i].Top))
		require.Equal(t, wantAuctions[i].StartedAt.Unix(), gotAuctions[i].StartedAt.Unix())
	}
}

func TestLoadRestoresCapUsageAndAccrualClock(t *testing.T) {
	l, engine := buildWorld(t)
	j := jug.New(l, admin)
	require.NoError(t, j.InitClass(classID, fixed.RAY))
	// Pin the last accrual well in the past so the restored clock is
	// distinguishable from InitClass's "now".
	past := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, j.RestoreRho(classID, past))

	db := storage.NewMemDB()
	store := NewStore(db, l, engine, admin)
	store.SetJug(j)
	require.NoError(t, store.Save())

	huge := fixed.MustDecimal("1000000000000000000000000000000000000000000000000")
	holeCap := fixed.MustDecimal("5000000000000000000000000000000000000000000000") // 5 rad
	kickedTab := fixed.MustDecimal("2000000000000000000000000000000000000000000000")

	restoredLedger := ledger.New(admin)
	restoredEngine := auction.New(restoredLedger, admin)
	require.NoError(t, restoredEngine.ConfigureClass(classID, auctionParams()))
	restoredJug := jug.New(restoredLedger, admin)
	require.NoError(t, restoredJug.InitClass(classID, fixed.RAY))
	restoredDog := dog.New(restoredLedger, admin, restoredEngine)
	require.NoError(t, restoredDog.SetGlobalCap(huge))
	require.NoError(t, restoredDog.ConfigureClass(classID, fixed.RAY, holeCap, nil, nil))

	restored := NewStore(db, restoredLedger, restoredEngine, admin)
	restored.SetJug(restoredJug)
	restored.SetDog(restoredDog)
	require.NoError(t, restored.Load())

	rho, err := restoredJug.Rho(classID)
	require.NoError(t, err)
	require.Equal(t, past.Unix(), rho.Unix())

	// The reloaded auction's tab reoccupies its cap room.
	st, err := restoredDog.State(classID)
	require.NoError(t, err)
	require.Zero(t, st.HoleUsed.Cmp(kickedTab))
	require.Zero(t, restoredDog.GlobalUsed().Cmp(kickedTab))

	// A bark after restart only gets the leftover room, not the full cap.
	require.NoError(t, restoredLedger.UpdatePriceBound(admin, classID,
		fixed.MustDecimal("500000000000000000000000000")))
	res, err := restoredDog.Bark(classID, owner, "keeper")
	require.NoError(t, err)
	room := new(uint256.Int).Sub(holeCap, kickedTab)
	require.True(t, res.Tab.Cmp(room) <= 0)
	st, err = restoredDog.State(classID)
	require.NoError(t, err)
	require.True(t, st.HoleUsed.Cmp(holeCap) <= 0)
}

func TestLoadEmptyDatabaseIsNoop(t *testing.T) {
	db := storage.NewMemDB()
	l := ledger.New(admin)
	require.NoError(t, NewStore(db, l, nil, admin).Load())
	require.Empty(t, l.ClassIDs())
	require.True(t, l.GlobalSnapshot().TotalDebtIssued.IsZero())
}

func TestLoadRejectsCorruptRecord(t *testing.T) {
	db := storage.NewMemDB()
	require.NoError(t, db.Put([]byte("class/ETH-A"), []byte("{not json")))
	l := ledger.New(admin)
	err := NewStore(db, l, nil, admin).Load()
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestDeleteAuctionRemovesRecord(t *testing.T) {
	l, engine := buildWorld(t)
	db := storage.NewMemDB()
	store := NewStore(db, l, engine, admin)
	require.NoError(t, store.Save())

	for _, a := range engine.Export() {
		require.NoError(t, store.DeleteAuction(a.ID))
	}
	restoredLedger := ledger.New(admin)
	restoredEngine := auction.New(restoredLedger, admin)
	require.NoError(t, restoredEngine.ConfigureClass(classID, auctionParams()))
	require.NoError(t, NewStore(db, restoredLedger, restoredEngine, admin).Load())
	require.Empty(t, restoredEngine.Export())
}
