package market

import (
	"testing"

	fpmath "VenueLedger/internal/math"
)

func TestPricerUniformWithoutLiquidity(t *testing.T) {
	p := NewPricer(0, 2)
	if got := p.Spot([]int64{0, 0}, 0); got != 500_000 {
		t.Fatalf("got %d, want 500000", got)
	}

	p4 := NewPricer(0, 4)
	if got := p4.Spot([]int64{1, 2, 3, 4}, 0); got != 250_000 {
		t.Fatalf("got %d, want 250000", got)
	}
}

func TestPricerBalancedBook(t *testing.T) {
	p := NewPricer(1_000_000_000_000, 2)

	// Equal stakes price both outcomes at one half.
	if got := p.Spot([]int64{0, 0}, 0); got != 500_000 {
		t.Fatalf("got %d, want 500000", got)
	}
	if got := p.Spot([]int64{5_000_000, 5_000_000}, 1); got != 500_000 {
		t.Fatalf("got %d, want 500000", got)
	}
}

func TestPricerSkewRaisesPrice(t *testing.T) {
	p := NewPricer(10_000_000, 2)

	heavy := p.Spot([]int64{50_000_000, 0}, 0)
	light := p.Spot([]int64{50_000_000, 0}, 1)

	if heavy <= 500_000 {
		t.Fatalf("heavy side %d not above par", heavy)
	}
	if light >= 500_000 {
		t.Fatalf("light side %d not below par", light)
	}
	if heavy+light < fpmath.PriceConfig.Scale-1 || heavy+light > fpmath.PriceConfig.Scale+1 {
		t.Fatalf("prices do not sum to one: %d + %d", heavy, light)
	}
}

func TestPricerExtremeSkewStaysBounded(t *testing.T) {
	// Tiny liquidity, huge stake: the softmax saturates but must not
	// overflow or return a zero price.
	p := NewPricer(1_000, 3)
	quantities := []int64{1_000_000_000_000, 0, 0}

	heavy := p.Spot(quantities, 0)
	if heavy <= 0 || heavy > fpmath.PriceConfig.Scale {
		t.Fatalf("heavy price out of range: %d", heavy)
	}

	light := p.Spot(quantities, 1)
	if light < 1 {
		t.Fatalf("light price below floor: %d", light)
	}
}
