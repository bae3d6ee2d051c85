package duty

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"vatcore/native/fixed"
	"vatcore/native/ledger"
)

const testCls = ledger.ClassID("ETH-A")

type stubFeed struct {
	price *uint256.Int
	err   error
}

func (s *stubFeed) Price(ledger.ClassID) (*uint256.Int, time.Time, error) {
	return s.price, time.Now(), s.err
}

func rayPct(pct int64) *uint256.Int {
	// pct percent of one ray, e.g. 95 -> 0.95 ray.
	v := new(uint256.Int).Mul(uint256.NewInt(uint64(pct)), fixed.RAY)
	return v.Div(v, uint256.NewInt(100))
}

func base() *uint256.Int {
	return fixed.MustDecimal("1000000001000000000000000000") // 1+1e-9 per second
}

func newController(feed *stubFeed) *Controller {
	return New(feed, fixed.RAY) // peg at 1.0 ray
}

func TestDisabledReturnsFallback(t *testing.T) {
	feed := &stubFeed{err: errors.New("should not be read")}
	c := newController(feed)
	if err := c.SetCurve(testCls, 5, base(), false); err != nil {
		t.Fatalf("set curve: %v", err)
	}
	rate, err := c.ComputeRate(testCls)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if rate.Cmp(base()) != 0 {
		t.Fatalf("disabled curve should return fallback: %s", rate)
	}
}

func TestDeviationDirection(t *testing.T) {
	feed := &stubFeed{price: fixed.RAY}
	c := newController(feed)
	if err := c.SetCurve(testCls, 50, base(), true); err != nil {
		t.Fatalf("set curve: %v", err)
	}

	atPeg, err := c.ComputeRate(testCls)
	if err != nil {
		t.Fatalf("compute at peg: %v", err)
	}

	feed.price = rayPct(95) // below peg: d > 0, rate should rise
	below, err := c.ComputeRate(testCls)
	if err != nil {
		t.Fatalf("compute below peg: %v", err)
	}
	feed.price = rayPct(105) // above peg: d < 0, rate should fall
	above, err := c.ComputeRate(testCls)
	if err != nil {
		t.Fatalf("compute above peg: %v", err)
	}

	if below.Cmp(atPeg) <= 0 {
		t.Fatalf("price below peg should raise the rate: %s <= %s", below, atPeg)
	}
	if above.Cmp(atPeg) > 0 {
		t.Fatalf("price above peg should not raise the rate: %s > %s", above, atPeg)
	}
}

func TestMonotoneInDeviation(t *testing.T) {
	feed := &stubFeed{}
	c := newController(feed)
	if err := c.SetBounds(fixed.RAY, fixed.MustDecimal("2000000000000000000000000000")); err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if err := c.SetCurve(testCls, 20, base(), true); err != nil {
		t.Fatalf("set curve: %v", err)
	}

	var prev *uint256.Int
	for pct := int64(110); pct >= 90; pct -= 5 {
		feed.price = rayPct(pct)
		rate, err := c.ComputeRate(testCls)
		if err != nil {
			t.Fatalf("compute at %d%%: %v", pct, err)
		}
		if prev != nil && rate.Cmp(prev) < 0 {
			t.Fatalf("rate not monotone: %s < %s at price %d%%", rate, prev, pct)
		}
		prev = rate
	}
}

func TestClampedToBounds(t *testing.T) {
	feed := &stubFeed{price: rayPct(50)} // huge positive deviation
	c := newController(feed)
	maxRate := fixed.MustDecimal("1000000010000000000000000000")
	if err := c.SetBounds(fixed.RAY, maxRate); err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if err := c.SetCurve(testCls, 100, base(), true); err != nil {
		t.Fatalf("set curve: %v", err)
	}
	rate, err := c.ComputeRate(testCls)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if rate.Cmp(maxRate) != 0 {
		t.Fatalf("expected clamp to max rate, got %s", rate)
	}

	feed.price = rayPct(200) // huge negative deviation drives below min
	rate, err = c.ComputeRate(testCls)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if rate.Cmp(fixed.RAY) != 0 {
		t.Fatalf("expected clamp to min rate, got %s", rate)
	}
}

func TestFeedErrorSurfaced(t *testing.T) {
	feed := &stubFeed{err: errors.New("offline")}
	c := newController(feed)
	if err := c.SetCurve(testCls, 5, base(), true); err != nil {
		t.Fatalf("set curve: %v", err)
	}
	if _, err := c.ComputeRate(testCls); !errors.Is(err, ErrPriceFeed) {
		t.Fatalf("expected feed error, got: %v", err)
	}
	if _, err := c.ComputeRate("DOGE-A"); !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("expected unknown class, got: %v", err)
	}
}
