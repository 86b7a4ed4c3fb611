package math

import (
	"testing"
)

func TestDivideInt128Rounding(t *testing.T) {
	tests := []struct {
		name        string
		numerator   int64
		denominator int64
		want        int64
	}{
		{"exact", 100, 10, 10},
		{"round down below half", 104, 10, 10},
		{"round up above half", 106, 10, 11},
		{"half rounds to even down", 105, 10, 10},
		{"half rounds to even up", 115, 10, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DivideInt128(MultiplyInt128(tt.numerator, 1), tt.denominator, RoundHalfEven)
			if got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestComputeNotional(t *testing.T) {
	// 100 USDC margin at 1000x leverage (1e6 scale) = 100000 USDC notional.
	got := ComputeNotional(100_000_000, 1_000_000_000)
	if got != 100_000_000_000 {
		t.Fatalf("got %d, want 100000000000", got)
	}

	// 1x leverage leaves the value unchanged.
	if got := ComputeNotional(42_000_000, 1_000_000); got != 42_000_000 {
		t.Fatalf("got %d, want 42000000", got)
	}
}

func TestComputeLiquidationPrice(t *testing.T) {
	entry := int64(42_938_000_000) // 42938.0 at 1e6
	lev := int64(1_000_000_000)    // 1000x
	mm := int64(5_000)             // 0.5% maintenance fraction

	long := ComputeLiquidationPrice(entry, lev, mm, 1)
	if long >= entry {
		t.Fatalf("long liquidation %d not below entry %d", long, entry)
	}

	short := ComputeLiquidationPrice(entry, lev, mm, -1)
	if short <= entry {
		t.Fatalf("short liquidation %d not above entry %d", short, entry)
	}

	// Symmetric distance from entry.
	if entry-long != short-entry {
		t.Fatalf("asymmetric liquidation distances: %d vs %d", entry-long, short-entry)
	}

	// 1000x with mm close to full scale barely moves.
	tight := ComputeLiquidationPrice(entry, lev, 995_000, 1)
	if entry-tight >= entry-long {
		t.Fatal("higher maintenance fraction should tighten the band")
	}
}

func TestComputeLeveragedPnL(t *testing.T) {
	entry := int64(40_000_000_000)  // 40000.0
	settle := int64(40_400_000_000) // +1%
	notional := int64(100_000_000_000)

	// Long gains 1% of notional.
	if got := ComputeLeveragedPnL(1, entry, settle, notional); got != 1_000_000_000 {
		t.Fatalf("long pnl = %d, want 1000000000", got)
	}

	// Short loses the same.
	if got := ComputeLeveragedPnL(-1, entry, settle, notional); got != -1_000_000_000 {
		t.Fatalf("short pnl = %d, want -1000000000", got)
	}

	// Flat price, zero pnl.
	if got := ComputeLeveragedPnL(1, entry, entry, notional); got != 0 {
		t.Fatalf("flat pnl = %d, want 0", got)
	}
}

func TestComputeProportionalPayout(t *testing.T) {
	// Equal prices: payout equals the liquidated stake.
	if got := ComputeProportionalPayout(10_000_000, 500_000, 500_000); got != 10_000_000 {
		t.Fatalf("got %d, want 10000000", got)
	}

	// Price doubled since entry.
	if got := ComputeProportionalPayout(10_000_000, 800_000, 400_000); got != 20_000_000 {
		t.Fatalf("got %d, want 20000000", got)
	}

	// Price halved since entry.
	if got := ComputeProportionalPayout(10_000_000, 200_000, 400_000); got != 5_000_000 {
		t.Fatalf("got %d, want 5000000", got)
	}
}
