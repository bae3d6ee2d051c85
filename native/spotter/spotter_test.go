package spotter

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"vatcore/native/fixed"
	"vatcore/native/ledger"
)

const testCls = ledger.ClassID("ETH-A")

type stubOracle struct {
	price    *uint256.Int
	observed time.Time
	err      error
}

func (o *stubOracle) Price(ledger.ClassID) (*uint256.Int, time.Time, error) {
	return o.price, o.observed, o.err
}

func newFixture(t *testing.T) (*ledger.Ledger, *Spotter) {
	t.Helper()
	l := ledger.New("admin")
	if err := l.CreateClass("admin", testCls); err != nil {
		t.Fatalf("create class: %v", err)
	}
	if err := l.GrantAuthority("admin", "spotter"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	return l, New(l, "spotter")
}

func TestPokeWritesDiscountedBound(t *testing.T) {
	l, s := newFixture(t)
	base := time.Unix(1_700_000_000, 0)
	s.SetClock(func() time.Time { return base })

	oracle := &stubOracle{
		// 1200 ray.
		price:    new(uint256.Int).Mul(uint256.NewInt(1200), fixed.RAY),
		observed: base,
	}
	// margin 1.5: bound should be 800 ray.
	margin := fixed.MustDecimal("1500000000000000000000000000")
	if err := s.ConfigureClass(testCls, oracle, margin, time.Minute); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := s.Poke(testCls); err != nil {
		t.Fatalf("poke: %v", err)
	}

	cls, err := l.ClassSnapshot(testCls)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	want := new(uint256.Int).Mul(uint256.NewInt(800), fixed.RAY)
	if cls.PriceBound.Cmp(want) != 0 {
		t.Fatalf("unexpected bound: got %s want %s", cls.PriceBound, want)
	}
}

func TestPokeRejectsStaleAndUnavailable(t *testing.T) {
	_, s := newFixture(t)
	base := time.Unix(1_700_000_000, 0)
	s.SetClock(func() time.Time { return base })

	oracle := &stubOracle{
		price:    fixed.RAY,
		observed: base.Add(-2 * time.Minute),
	}
	if err := s.ConfigureClass(testCls, oracle, fixed.RAY, time.Minute); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := s.Poke(testCls); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected stale price, got: %v", err)
	}

	oracle.err = errors.New("feed offline")
	if _, err := s.Poke(testCls); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected unavailable, got: %v", err)
	}

	if _, err := s.Poke("DOGE-A"); !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("expected unknown class, got: %v", err)
	}
}

func TestMarginBelowOneRejected(t *testing.T) {
	_, s := newFixture(t)
	half := fixed.MustDecimal("500000000000000000000000000")
	if err := s.ConfigureClass(testCls, &stubOracle{}, half, time.Minute); !errors.Is(err, ErrInvalidMargin) {
		t.Fatalf("expected invalid margin, got: %v", err)
	}
}
