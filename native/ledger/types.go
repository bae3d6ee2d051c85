package ledger

import (
	"sync"

	"github.com/holiman/uint256"
)

// ClassID names a collateral class: a category of acceptable collateral with
// its own risk parameters and cumulative fee index.
type ClassID string

// Identity is the caller identity presented on privileged operations. The
// ledger checks it against its authority set rather than trusting ambient
// permission bits.
type Identity string

// Position is one participant's balance within a class. Actual debt is
// NormalizedDebt * the class rate index.
type Position struct {
	// LockedCollateral is the pledged collateral in wad.
	LockedCollateral *uint256.Int
	// NormalizedDebt is the drawn debt in wad, normalized by the class rate
	// index at draw time.
	NormalizedDebt *uint256.Int
}

type class struct {
	mu sync.Mutex
	// rateIndex is the cumulative fee multiplier in ray. Monotonically
	// non-decreasing.
	rateIndex *uint256.Int
	// priceBound is the collateral price already divided by the liquidation
	// margin, in ray. Zero until the spotter first pokes the class.
	priceBound *uint256.Int
	// totalNormalized sums NormalizedDebt across the class, in wad.
	totalNormalized *uint256.Int
	// debtCeiling caps totalNormalized*rateIndex, in rad.
	debtCeiling *uint256.Int
	// dustFloor is the minimum non-zero debt per position, in rad.
	dustFloor *uint256.Int

	positions map[string]*Position
}

// PositionSnapshot is a read-only copy of a position for off-core reporting.
type PositionSnapshot struct {
	Class            ClassID
	Owner            string
	LockedCollateral *uint256.Int // wad
	NormalizedDebt   *uint256.Int // wad
	Debt             *uint256.Int // rad, NormalizedDebt * rate index
}

// ClassSnapshot is a read-only copy of a collateral class.
type ClassSnapshot struct {
	ID              ClassID
	RateIndex       *uint256.Int // ray
	PriceBound      *uint256.Int // ray
	TotalNormalized *uint256.Int // wad
	TotalDebt       *uint256.Int // rad
	DebtCeiling     *uint256.Int // rad
	DustFloor       *uint256.Int // rad
}

// GlobalSnapshot is a read-only copy of the protocol-wide accounting state.
type GlobalSnapshot struct {
	TotalDebtIssued *uint256.Int // rad
	DebtCeiling     *uint256.Int // rad
	Surplus         *uint256.Int // rad, claimable accrued fees and auction proceeds
	UnbackedDebt    *uint256.Int // rad, seized debt awaiting auction recovery
}

// Custody moves real assets at the edges of deposit, withdraw, and auction
// settlement. The ledger never calls it mid-invariant-check.
type Custody interface {
	TransferIn(account string, amount *uint256.Int) error
	TransferOut(account string, amount *uint256.Int) error
}

func newPosition() *Position {
	return &Position{
		LockedCollateral: uint256.NewInt(0),
		NormalizedDebt:   uint256.NewInt(0),
	}
}
