package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	PriceConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 42938000000 = 42938.0
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 USDC
	LeverageConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 1000000000 = 1000x
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	result := quotient.Int64()

	if roundingMode == RoundHalfEven {
		// Banker's rounding: if remainder == denominator/2, round to even
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// ComputeNotional converts margin value and fixed-point leverage into
// notional exposure: value * leverage / leverageScale.
func ComputeNotional(value, leverage int64) int64 {
	raw := MultiplyInt128(value, leverage)
	result := DivideInt128(raw, LeverageConfig.Scale, RoundHalfEven)
	putInt128(raw)
	return result
}

// ComputeLiquidationPrice returns the price at which a leveraged position's
// remaining margin equals the maintenance fraction of its initial margin.
// sideSign is +1 for long, -1 for short; mmFraction is 1e6 fixed-point.
//
// The margin is exhausted to the maintenance floor when the adverse price
// move reaches entry * (scale - mmFraction) / leverage.
func ComputeLiquidationPrice(entryPrice, leverage, mmFraction, sideSign int64) int64 {
	raw := MultiplyInt128(entryPrice, LeverageConfig.Scale-mmFraction)
	delta := DivideInt128(raw, leverage, RoundHalfEven)
	putInt128(raw)
	return entryPrice - sideSign*delta
}

// ComputeLeveragedPnL calculates realized PnL for a leveraged close:
// sideSign * notional * (settlePrice - entryPrice) / entryPrice.
// All prices share PriceConfig scale; the result is in quote units.
func ComputeLeveragedPnL(sideSign, entryPrice, settlePrice, notional int64) int64 {
	raw := MultiplyInt128(notional, sideSign*(settlePrice-entryPrice))
	result := DivideInt128(raw, entryPrice, RoundHalfEven)
	putInt128(raw)
	return result
}

// ComputeProportionalPayout scales a liquidated stake by the ratio of the
// current outcome price to the admitted entry price:
// amount * priceNow / priceEntry.
func ComputeProportionalPayout(amount, priceNow, priceEntry int64) int64 {
	raw := MultiplyInt128(amount, priceNow)
	result := DivideInt128(raw, priceEntry, RoundHalfEven)
	putInt128(raw)
	return result
}
