package spotter

import (
	"errors"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"vatcore/native/ledger"
)

var ErrNoPrice = errors.New("spotter: no price posted for class")

type feedEntry struct {
	price *uint256.Int
	at    time.Time
}

// PushFeed is an Oracle fed by out-of-band price posts, for deployments where
// an external relayer delivers signed prices over the admin API.
type PushFeed struct {
	mu     sync.RWMutex
	prices map[ledger.ClassID]feedEntry
}

func NewPushFeed() *PushFeed {
	return &PushFeed{prices: make(map[ledger.ClassID]feedEntry)}
}

// SetPrice records the latest observation for a class. The price is a ray.
func (f *PushFeed) SetPrice(id ledger.ClassID, price *uint256.Int, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[id] = feedEntry{price: new(uint256.Int).Set(price), at: at}
}

func (f *PushFeed) Price(id ledger.ClassID) (*uint256.Int, time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.prices[id]
	if !ok {
		return nil, time.Time{}, ErrNoPrice
	}
	return new(uint256.Int).Set(entry.price), entry.at, nil
}
