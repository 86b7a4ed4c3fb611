// Market pricing uses the Logarithmic Market Scoring Rule over the outcomes
// of one event:
//
//	p_i = exp(q_i / b) / Σ_j exp(q_j / b)
//
// with q_i the open stake per outcome and b = initialLiquidity / ln(n).
// Higher seeded liquidity flattens price impact; the market maker's loss is
// bounded by b * ln(n) = initialLiquidity.
//
// Monetary values use shopspring/decimal. Transcendentals go through
// float64 with the max-subtraction softmax trick for stability, and results
// are immediately converted to decimal and rounded.
package market

import (
	"math"

	"github.com/shopspring/decimal"

	fpmath "VenueLedger/internal/math"
)

// priceRounding is the decimal precision carried before fixed-point
// conversion.
const priceRounding int32 = 8

// Pricer computes per-outcome spot prices for one event. It is stateless;
// outcome quantities are passed per call.
type Pricer struct {
	b decimal.Decimal
}

// NewPricer derives the liquidity parameter from the event's seeded
// liquidity and outcome count. Events with no seeded liquidity or fewer
// than two outcomes fall back to uniform pricing (zero b).
func NewPricer(initialLiquidity int64, outcomes int) *Pricer {
	if initialLiquidity <= 0 || outcomes < 2 {
		return &Pricer{}
	}

	liquidity := decimal.New(initialLiquidity, 0)
	lnN := decimal.NewFromFloat(math.Log(float64(outcomes))).Round(priceRounding)
	return &Pricer{b: liquidity.Div(lnN).Round(priceRounding)}
}

// Spot returns the fixed-point price (quote scale per unit stake) of the
// outcome at index idx given the open stake of every outcome.
func (p *Pricer) Spot(quantities []int64, idx int) int64 {
	n := len(quantities)
	if n == 0 {
		return fpmath.PriceConfig.Scale
	}
	if p.b.IsZero() || n == 1 {
		return uniformPrice(n)
	}

	bf := p.b.InexactFloat64()

	// Softmax with numerical stability: subtract max to avoid overflow.
	scaled := make([]float64, n)
	maxVal := math.Inf(-1)
	for i, q := range quantities {
		scaled[i] = float64(q) / bf
		if scaled[i] > maxVal {
			maxVal = scaled[i]
		}
	}

	var sum float64
	for i := range scaled {
		scaled[i] = math.Exp(scaled[i] - maxVal)
		sum += scaled[i]
	}

	price := decimal.NewFromFloat(scaled[idx] / sum).Round(priceRounding)
	return toFixedPrice(price)
}

func uniformPrice(n int) int64 {
	price := decimal.New(1, 0).Div(decimal.New(int64(n), 0)).Round(priceRounding)
	return toFixedPrice(price)
}

func toFixedPrice(price decimal.Decimal) int64 {
	fixed := price.Mul(decimal.New(fpmath.PriceConfig.Scale, 0)).Round(0).IntPart()
	if fixed < 1 {
		// Probability floor keeps admitted prices usable as divisors.
		return 1
	}
	return fixed
}
