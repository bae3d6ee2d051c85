package common

import (
	"errors"
	"sync"
)

var ErrModuleHalted = errors.New("module halted")

// BreakerView reports whether an operational breaker has been thrown for a
// module. Breakers halt new activity (borrowing, barking, auction fills)
// without touching recorded state.
type BreakerView interface {
	IsHalted(module string) bool
}

func Guard(b BreakerView, module string) error {
	if b == nil || module == "" {
		return nil
	}
	if b.IsHalted(module) {
		return ErrModuleHalted
	}
	return nil
}

// Breakers is a concrete BreakerView with per-module switches, flipped by the
// administrative surface.
type Breakers struct {
	mu     sync.RWMutex
	halted map[string]bool
}

func NewBreakers() *Breakers {
	return &Breakers{halted: make(map[string]bool)}
}

func (b *Breakers) SetHalted(module string, halted bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halted[module] = halted
}

func (b *Breakers) IsHalted(module string) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.halted[module]
}
