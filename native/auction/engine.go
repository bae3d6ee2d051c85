package auction

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"vatcore/native/common"
	"vatcore/native/fixed"
	"vatcore/native/ledger"
)

var (
	ErrUnknownClass   = errors.New("auction: class not configured")
	ErrUnknownAuction = errors.New("auction: no such auction")
	ErrInvalidParams  = errors.New("auction: invalid class parameters")
	ErrInvalidAmount  = errors.New("auction: amount must be positive")
	ErrZeroStartPrice = errors.New("auction: start price would be zero")
	ErrNeedsRedo      = errors.New("auction: stale, must be reset before taking")
	ErrNoRedoNeeded   = errors.New("auction: not eligible for reset")
	ErrPriceTooHigh   = errors.New("auction: current price above acceptable maximum")
	ErrDustyFill      = errors.New("auction: fill would strand debt below the dust floor")
	ErrPaymentFailed  = errors.New("auction: debt payment failed")
)

const moduleName = "auction"

// Params are the per-class auction constants, admin-set.
type Params struct {
	// Buf multiplies the price bound into the start price, ray >= 1.
	Buf *uint256.Int
	// Tail is the maximum decay time before any caller may reset.
	Tail time.Duration
	// Cusp is the price fraction of the start price below which a reset is
	// allowed, in ray.
	Cusp *uint256.Int
	// Decay selects and parameterizes the price curve.
	Decay Decay
	// Tip is the flat reset incentive in rad.
	Tip *uint256.Int
	// Chip is the proportional reset incentive as a wad fraction.
	Chip *uint256.Int
}

// Auction is one Dutch sale of seized collateral.
type Auction struct {
	ID        uint64
	Class     ledger.ClassID
	Lot       *uint256.Int // wad collateral remaining
	Tab       *uint256.Int // rad debt owed
	Top       *uint256.Int // ray start price
	StartedAt time.Time
	Owner     string // original position owner, receives leftover collateral
}

// Snapshot is a read-only auction view with the evaluated current price.
type Snapshot struct {
	Auction
	CurrentPrice *uint256.Int
	NeedsRedo    bool
}

// TakeResult reports the outcome of a fill.
type TakeResult struct {
	Slice       *uint256.Int // wad collateral bought
	Owe         *uint256.Int // rad debt paid
	Price       *uint256.Int // ray price at fill time
	Settled     bool
	LotReturned *uint256.Int // wad returned to the owner on settlement, nil otherwise
}

// DebtSink releases seizure-cap usage as auction debt is recovered. The
// liquidation trigger implements it.
type DebtSink interface {
	Dig(class ledger.ClassID, amount *uint256.Int) error
}

// SurplusBuffer funds keeper incentives for resets.
type SurplusBuffer interface {
	Debit(recipient string, amount *uint256.Int) error
}

// Custody settles real assets once state is final: collecting the buyer's
// debt payment and releasing collateral.
type Custody interface {
	CollectDebt(account string, amount *uint256.Int) error
	ReleaseCollateral(account string, amount *uint256.Int) error
}

// Engine runs the Dutch auctions: price decay, partial and complete fills,
// and reset-on-staleness. All mutating paths hold the engine lock, so fills
// against one auction serialize with resets against it.
type Engine struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	identity ledger.Identity
	classes  map[ledger.ClassID]*Params
	auctions map[uint64]*Auction
	nextID   uint64

	sink     DebtSink
	buffer   SurplusBuffer
	custody  Custody
	breakers common.BreakerView
	now      func() time.Time
}

func New(l *ledger.Ledger, identity ledger.Identity) *Engine {
	return &Engine{
		ledger:   l,
		identity: identity,
		classes:  make(map[ledger.ClassID]*Params),
		auctions: make(map[uint64]*Auction),
		now:      time.Now,
	}
}

func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func (e *Engine) SetDebtSink(sink DebtSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

func (e *Engine) SetSurplusBuffer(buffer SurplusBuffer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = buffer
}

func (e *Engine) SetCustody(custody Custody) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custody = custody
}

func (e *Engine) SetBreakers(b common.BreakerView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.breakers = b
}

// ConfigureClass installs the auction constants for a class.
func (e *Engine) ConfigureClass(id ledger.ClassID, p Params) error {
	if p.Buf == nil || p.Buf.Cmp(fixed.RAY) < 0 {
		return ErrInvalidParams
	}
	if p.Cusp == nil || p.Cusp.Cmp(fixed.RAY) > 0 {
		return ErrInvalidParams
	}
	if p.Tail <= 0 {
		return ErrInvalidParams
	}
	if err := p.Decay.Validate(); err != nil {
		return err
	}
	cp := p
	cp.Buf = new(uint256.Int).Set(p.Buf)
	cp.Cusp = new(uint256.Int).Set(p.Cusp)
	cp.Tip = cloneOrZero(p.Tip)
	cp.Chip = cloneOrZero(p.Chip)
	if p.Decay.Cut != nil {
		cp.Decay.Cut = new(uint256.Int).Set(p.Decay.Cut)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.classes[id] = &cp
	return nil
}

// Kick opens a new auction for seized collateral at
// startPrice = priceBound * buf. Called by the liquidation trigger.
func (e *Engine) Kick(id ledger.ClassID, owner string, tab, lot *uint256.Int) (uint64, error) {
	if tab == nil || tab.IsZero() || lot == nil || lot.IsZero() {
		return 0, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.breakers, moduleName); err != nil {
		return 0, err
	}
	p, ok := e.classes[id]
	if !ok {
		return 0, ErrUnknownClass
	}
	top, err := e.startPrice(id, p)
	if err != nil {
		return 0, err
	}

	e.nextID++
	a := &Auction{
		ID:        e.nextID,
		Class:     id,
		Lot:       new(uint256.Int).Set(lot),
		Tab:       new(uint256.Int).Set(tab),
		Top:       top,
		StartedAt: e.now(),
		Owner:     owner,
	}
	e.auctions[a.ID] = a
	return a.ID, nil
}

// Take fills an auction at the current decayed price. The collateral bought
// is floor(owe/price): a fill never recovers more than the remaining tab.
// Fills that would strand residual debt below the class dust floor are
// trimmed so the remainder stays auctionable.
func (e *Engine) Take(id uint64, maxLot, maxPrice *uint256.Int, buyer string) (TakeResult, error) {
	if maxLot == nil || maxLot.IsZero() || maxPrice == nil {
		return TakeResult{}, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.breakers, moduleName); err != nil {
		return TakeResult{}, err
	}
	a, ok := e.auctions[id]
	if !ok {
		return TakeResult{}, ErrUnknownAuction
	}
	p := e.classes[a.Class]
	price, needsRedo, err := e.status(a, p)
	if err != nil {
		return TakeResult{}, err
	}
	if needsRedo || price.IsZero() {
		return TakeResult{}, ErrNeedsRedo
	}
	if price.Cmp(maxPrice) > 0 {
		return TakeResult{}, ErrPriceTooHigh
	}

	cls, err := e.ledger.ClassSnapshot(a.Class)
	if err != nil {
		return TakeResult{}, err
	}

	slice := fixed.Min(a.Lot, maxLot)
	owe, err := fixed.WadRayToRad(slice, price)
	if err != nil {
		return TakeResult{}, err
	}
	switch {
	case owe.Cmp(a.Tab) > 0:
		// Cap at the full remaining debt; floor keeps us from over-filling.
		owe = new(uint256.Int).Set(a.Tab)
		slice, err = fixed.RadDivRay(owe, price)
		if err != nil {
			return TakeResult{}, err
		}
	case owe.Cmp(a.Tab) < 0 && slice.Cmp(a.Lot) < 0:
		// A full-lot buyout is never trimmed: the leftover debt becomes a
		// write-off, not a strandable auction remainder.
		remainder := new(uint256.Int).Sub(a.Tab, owe)
		if !cls.DustFloor.IsZero() && remainder.Cmp(cls.DustFloor) < 0 {
			target, err := fixed.Sub(a.Tab, cls.DustFloor)
			if err != nil || target.IsZero() {
				return TakeResult{}, ErrDustyFill
			}
			slice, err = fixed.RadDivRay(target, price)
			if err != nil {
				return TakeResult{}, err
			}
			if slice.IsZero() {
				return TakeResult{}, ErrDustyFill
			}
			owe, err = fixed.WadRayToRad(slice, price)
			if err != nil {
				return TakeResult{}, err
			}
		}
	}
	if slice.IsZero() {
		return TakeResult{}, ErrInvalidAmount
	}

	// Collect the buyer's payment before touching auction state; a rejected
	// payment leaves everything untouched.
	if e.custody != nil && !owe.IsZero() {
		if err := e.custody.CollectDebt(buyer, owe); err != nil {
			return TakeResult{}, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
		}
	}

	newLot := new(uint256.Int).Sub(a.Lot, slice)
	newTab := new(uint256.Int).Sub(a.Tab, owe)

	// Credit the ledger and release cap room before committing auction
	// state, so a failed credit leaves the auction untouched.
	if !owe.IsZero() {
		if err := e.ledger.AbsorbProceeds(e.identity, owe); err != nil {
			return TakeResult{}, err
		}
	}
	if e.sink != nil {
		released := owe
		if newLot.IsZero() && !newTab.IsZero() {
			// The collateral is exhausted with debt left over. No future
			// fill can recover it, so it stops counting against the
			// liquidation caps.
			released = new(uint256.Int).Add(owe, newTab)
		}
		if !released.IsZero() {
			if err := e.sink.Dig(a.Class, released); err != nil {
				return TakeResult{}, err
			}
		}
	}

	a.Lot = newLot
	a.Tab = newTab
	res := TakeResult{
		Slice: new(uint256.Int).Set(slice),
		Owe:   new(uint256.Int).Set(owe),
		Price: new(uint256.Int).Set(price),
	}
	if a.Tab.IsZero() || a.Lot.IsZero() {
		res.Settled = true
		if a.Tab.IsZero() && !a.Lot.IsZero() {
			res.LotReturned = new(uint256.Int).Set(a.Lot)
			if e.custody != nil {
				if err := e.custody.ReleaseCollateral(a.Owner, res.LotReturned); err != nil {
					return res, err
				}
			}
		}
		delete(e.auctions, id)
	}
	if e.custody != nil {
		if err := e.custody.ReleaseCollateral(buyer, res.Slice); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Redo resets a stale auction: new start price from the current price bound,
// fresh start timestamp, and a tip/chip incentive for the keeper who called
// it.
func (e *Engine) Redo(id uint64, keeper string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.breakers, moduleName); err != nil {
		return err
	}
	a, ok := e.auctions[id]
	if !ok {
		return ErrUnknownAuction
	}
	p := e.classes[a.Class]
	_, needsRedo, err := e.status(a, p)
	if err != nil {
		return err
	}
	if !needsRedo {
		return ErrNoRedoNeeded
	}
	top, err := e.startPrice(a.Class, p)
	if err != nil {
		return err
	}
	a.Top = top
	a.StartedAt = e.now()

	incentive, err := e.incentive(p, a.Tab)
	if err != nil {
		return err
	}
	if e.buffer != nil && !incentive.IsZero() {
		if err := e.buffer.Debit(keeper, incentive); err != nil {
			return err
		}
	}
	return nil
}

// AuctionSnapshot returns the auction with its evaluated current price.
func (e *Engine) AuctionSnapshot(id uint64) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.auctions[id]
	if !ok {
		return Snapshot{}, ErrUnknownAuction
	}
	price, needsRedo, err := e.status(a, e.classes[a.Class])
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Auction:      cloneAuction(a),
		CurrentPrice: price,
		NeedsRedo:    needsRedo,
	}, nil
}

// Active lists open auction ids in ascending order.
func (e *Engine) Active() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uint64, 0, len(e.auctions))
	for id := range e.auctions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Export copies all open auctions, for persistence.
func (e *Engine) Export() []Auction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Auction, 0, len(e.auctions))
	for _, id := range sortedIDs(e.auctions) {
		out = append(out, cloneAuction(e.auctions[id]))
	}
	return out
}

// Restore reinstates a persisted auction, bumping the id counter past it.
func (e *Engine) Restore(a Auction) error {
	if a.Lot == nil || a.Tab == nil || a.Top == nil {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.classes[a.Class]; !ok {
		return ErrUnknownClass
	}
	clone := cloneAuction(&a)
	e.auctions[a.ID] = &clone
	if a.ID > e.nextID {
		e.nextID = a.ID
	}
	return nil
}

func (e *Engine) startPrice(id ledger.ClassID, p *Params) (*uint256.Int, error) {
	cls, err := e.ledger.ClassSnapshot(id)
	if err != nil {
		return nil, err
	}
	top, err := fixed.RMul(cls.PriceBound, p.Buf)
	if err != nil {
		return nil, err
	}
	if top.IsZero() {
		return nil, ErrZeroStartPrice
	}
	return top, nil
}

func (e *Engine) status(a *Auction, p *Params) (*uint256.Int, bool, error) {
	if p == nil {
		return nil, false, ErrUnknownClass
	}
	elapsedDur := e.now().Sub(a.StartedAt)
	if elapsedDur < 0 {
		elapsedDur = 0
	}
	elapsed := uint64(elapsedDur / time.Second)
	price, err := p.Decay.Price(a.Top, elapsed)
	if err != nil {
		return nil, false, err
	}
	if elapsedDur > p.Tail {
		return price, true, nil
	}
	ratio, err := fixed.RDiv(price, a.Top)
	if err != nil {
		return nil, false, err
	}
	return price, ratio.Cmp(p.Cusp) < 0, nil
}

func (e *Engine) incentive(p *Params, tab *uint256.Int) (*uint256.Int, error) {
	chipAmt, err := fixed.MulDiv(tab, p.Chip, fixed.WAD)
	if err != nil {
		return nil, err
	}
	return fixed.Add(p.Tip, chipAmt)
}

func cloneAuction(a *Auction) Auction {
	return Auction{
		ID:        a.ID,
		Class:     a.Class,
		Lot:       new(uint256.Int).Set(a.Lot),
		Tab:       new(uint256.Int).Set(a.Tab),
		Top:       new(uint256.Int).Set(a.Top),
		StartedAt: a.StartedAt,
		Owner:     a.Owner,
	}
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(v)
}

func sortedIDs(m map[uint64]*Auction) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
