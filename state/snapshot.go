package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"vatcore/native/auction"
	"vatcore/native/dog"
	"vatcore/native/jug"
	"vatcore/native/ledger"
	"vatcore/storage"
)

// Key layout. Positions nest under their class so a class restore can walk
// its positions with a single prefix scan.
const (
	keyGlobal      = "ledger/global"
	prefixClass    = "class/"
	prefixPosition = "pos/"
	prefixAuction  = "auction/"
	prefixFees     = "fees/"
)

var ErrCorruptRecord = errors.New("state: corrupt snapshot record")

type globalRecord struct {
	TotalDebtIssued string `json:"totalDebtIssued"`
	DebtCeiling     string `json:"debtCeiling"`
	Surplus         string `json:"surplus"`
	UnbackedDebt    string `json:"unbackedDebt"`
}

type classRecord struct {
	RateIndex       string `json:"rateIndex"`
	PriceBound      string `json:"priceBound"`
	TotalNormalized string `json:"totalNormalized"`
	DebtCeiling     string `json:"debtCeiling"`
	DustFloor       string `json:"dustFloor"`
}

type positionRecord struct {
	Class            string `json:"class"`
	Owner            string `json:"owner"`
	LockedCollateral string `json:"lockedCollateral"`
	NormalizedDebt   string `json:"normalizedDebt"`
}

type feesRecord struct {
	Rho int64 `json:"rho"`
}

type auctionRecord struct {
	ID        uint64 `json:"id"`
	Class     string `json:"class"`
	Lot       string `json:"lot"`
	Tab       string `json:"tab"`
	Top       string `json:"top"`
	StartedAt int64  `json:"startedAt"`
	Owner     string `json:"owner"`
}

// Store persists ledger and auction state as JSON records keyed by entity.
// Amounts are stored as decimal strings at native precision.
type Store struct {
	db       storage.Database
	ledger   *ledger.Ledger
	engine   *auction.Engine
	jug      *jug.Jug
	dog      *dog.Dog
	identity ledger.Identity
}

func NewStore(db storage.Database, l *ledger.Ledger, engine *auction.Engine, identity ledger.Identity) *Store {
	return &Store{db: db, ledger: l, engine: engine, identity: identity}
}

// SetJug wires fee accrual so last-accrual timestamps survive restarts.
func (s *Store) SetJug(j *jug.Jug) {
	s.jug = j
}

// SetDog wires the liquidation trigger so restored auctions reoccupy their
// cap room.
func (s *Store) SetDog(d *dog.Dog) {
	s.dog = d
}

// Save writes a full snapshot: global accounting, every class, every
// position, and every open auction.
func (s *Store) Save() error {
	if err := s.saveGlobal(); err != nil {
		return err
	}
	for _, id := range s.ledger.ClassIDs() {
		if err := s.SaveClass(id); err != nil {
			return err
		}
		owners, err := s.ledger.PositionOwners(id)
		if err != nil {
			return err
		}
		for _, owner := range owners {
			if err := s.SavePosition(id, owner); err != nil {
				return err
			}
		}
		if s.jug != nil {
			rho, err := s.jug.Rho(id)
			if err != nil {
				if errors.Is(err, jug.ErrUnknownClass) {
					continue
				}
				return err
			}
			if err := s.put(prefixFees+string(id), feesRecord{Rho: rho.Unix()}); err != nil {
				return err
			}
		}
	}
	if s.engine != nil {
		for _, a := range s.engine.Export() {
			if err := s.saveAuction(a); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load rebuilds ledger and auction state from a snapshot. It expects a fresh
// ledger with classes not yet created; configuration such as auction
// parameters, accrual duties, and liquidation caps must be installed
// separately before Load runs.
func (s *Store) Load() error {
	raw, err := s.db.Get([]byte(keyGlobal))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err == nil {
		var rec globalRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		snap := ledger.GlobalSnapshot{}
		if snap.TotalDebtIssued, err = parseAmount(rec.TotalDebtIssued); err != nil {
			return err
		}
		if snap.DebtCeiling, err = parseAmount(rec.DebtCeiling); err != nil {
			return err
		}
		if snap.Surplus, err = parseAmount(rec.Surplus); err != nil {
			return err
		}
		if snap.UnbackedDebt, err = parseAmount(rec.UnbackedDebt); err != nil {
			return err
		}
		if err := s.ledger.RestoreGlobal(s.identity, snap); err != nil {
			return err
		}
	}

	err = s.db.IteratePrefix([]byte(prefixClass), func(key, value []byte) error {
		id := ledger.ClassID(key[len(prefixClass):])
		var rec classRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("%w: class %s: %v", ErrCorruptRecord, id, err)
		}
		snap := ledger.ClassSnapshot{ID: id}
		var err error
		if snap.RateIndex, err = parseAmount(rec.RateIndex); err != nil {
			return err
		}
		if snap.PriceBound, err = parseAmount(rec.PriceBound); err != nil {
			return err
		}
		if snap.TotalNormalized, err = parseAmount(rec.TotalNormalized); err != nil {
			return err
		}
		if snap.DebtCeiling, err = parseAmount(rec.DebtCeiling); err != nil {
			return err
		}
		if snap.DustFloor, err = parseAmount(rec.DustFloor); err != nil {
			return err
		}
		return s.ledger.RestoreClass(s.identity, snap)
	})
	if err != nil {
		return err
	}

	err = s.db.IteratePrefix([]byte(prefixPosition), func(key, value []byte) error {
		var rec positionRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("%w: position %s: %v", ErrCorruptRecord, key, err)
		}
		snap := ledger.PositionSnapshot{
			Class: ledger.ClassID(rec.Class),
			Owner: rec.Owner,
		}
		var err error
		if snap.LockedCollateral, err = parseAmount(rec.LockedCollateral); err != nil {
			return err
		}
		if snap.NormalizedDebt, err = parseAmount(rec.NormalizedDebt); err != nil {
			return err
		}
		return s.ledger.RestorePosition(s.identity, snap)
	})
	if err != nil {
		return err
	}

	if s.jug != nil {
		err = s.db.IteratePrefix([]byte(prefixFees), func(key, value []byte) error {
			id := ledger.ClassID(key[len(prefixFees):])
			var rec feesRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("%w: fees %s: %v", ErrCorruptRecord, id, err)
			}
			err := s.jug.RestoreRho(id, time.Unix(rec.Rho, 0).UTC())
			if errors.Is(err, jug.ErrUnknownClass) {
				// Class dropped from the accrual config since the snapshot.
				return nil
			}
			return err
		})
		if err != nil {
			return err
		}
	}

	if s.engine == nil {
		return nil
	}
	usage := make(map[ledger.ClassID]*uint256.Int)
	err = s.db.IteratePrefix([]byte(prefixAuction), func(key, value []byte) error {
		var rec auctionRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("%w: auction %s: %v", ErrCorruptRecord, key, err)
		}
		a := auction.Auction{
			ID:        rec.ID,
			Class:     ledger.ClassID(rec.Class),
			StartedAt: time.Unix(rec.StartedAt, 0).UTC(),
			Owner:     rec.Owner,
		}
		var err error
		if a.Lot, err = parseAmount(rec.Lot); err != nil {
			return err
		}
		if a.Tab, err = parseAmount(rec.Tab); err != nil {
			return err
		}
		if a.Top, err = parseAmount(rec.Top); err != nil {
			return err
		}
		if err := s.engine.Restore(a); err != nil {
			return err
		}
		if used, ok := usage[a.Class]; ok {
			usage[a.Class] = new(uint256.Int).Add(used, a.Tab)
		} else {
			usage[a.Class] = new(uint256.Int).Set(a.Tab)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Open auctions reoccupy their liquidation-cap room; each class's usage
	// is the sum of its restored auctions' outstanding tabs.
	if s.dog != nil {
		for id, used := range usage {
			if err := s.dog.RestoreUsage(id, used); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) saveGlobal() error {
	snap := s.ledger.GlobalSnapshot()
	return s.put(keyGlobal, globalRecord{
		TotalDebtIssued: snap.TotalDebtIssued.Dec(),
		DebtCeiling:     snap.DebtCeiling.Dec(),
		Surplus:         snap.Surplus.Dec(),
		UnbackedDebt:    snap.UnbackedDebt.Dec(),
	})
}

func (s *Store) SaveClass(id ledger.ClassID) error {
	snap, err := s.ledger.ClassSnapshot(id)
	if err != nil {
		return err
	}
	return s.put(prefixClass+string(id), classRecord{
		RateIndex:       snap.RateIndex.Dec(),
		PriceBound:      snap.PriceBound.Dec(),
		TotalNormalized: snap.TotalNormalized.Dec(),
		DebtCeiling:     snap.DebtCeiling.Dec(),
		DustFloor:       snap.DustFloor.Dec(),
	})
}

func (s *Store) SavePosition(id ledger.ClassID, owner string) error {
	snap, err := s.ledger.PositionSnapshot(id, owner)
	if err != nil {
		return err
	}
	return s.put(positionKey(id, owner), positionRecord{
		Class:            string(id),
		Owner:            owner,
		LockedCollateral: snap.LockedCollateral.Dec(),
		NormalizedDebt:   snap.NormalizedDebt.Dec(),
	})
}

func (s *Store) saveAuction(a auction.Auction) error {
	return s.put(auctionKey(a.ID), auctionRecord{
		ID:        a.ID,
		Class:     string(a.Class),
		Lot:       a.Lot.Dec(),
		Tab:       a.Tab.Dec(),
		Top:       a.Top.Dec(),
		StartedAt: a.StartedAt.Unix(),
		Owner:     a.Owner,
	})
}

// DeleteAuction removes a settled auction's record.
func (s *Store) DeleteAuction(id uint64) error {
	return s.db.Delete([]byte(auctionKey(id)))
}

func (s *Store) put(key string, rec any) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(key), raw)
}

func positionKey(id ledger.ClassID, owner string) string {
	return fmt.Sprintf("%s%s/%s", prefixPosition, id, owner)
}

func auctionKey(id uint64) string {
	return fmt.Sprintf("%s%020d", prefixAuction, id)
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", ErrCorruptRecord, s, err)
	}
	return v, nil
}
