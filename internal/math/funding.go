// internal/math/funding.go
package math

import (
	"math/big"
)

// ComputeFundingRate returns the funding accrued over the given number of
// whole intervals at utilisation reserved/pool:
//
//	intervals * factor * reserved / pool
//
// The result is in FundingRatePrecision units. An empty pool accrues nothing.
func ComputeFundingRate(intervals int64, factor int64, reserved, pool *big.Int) *big.Int {
	if intervals <= 0 || IsZero(pool) {
		return new(big.Int)
	}

	numerator := new(big.Int).Mul(big.NewInt(factor), reserved)
	numerator.Mul(numerator, big.NewInt(intervals))
	return Div(numerator, pool, RoundDown)
}

// ComputeFundingFee charges size for the funding accumulated since entry:
// size * (cumulative - entry) / FundingRatePrecision.
func ComputeFundingFee(size, cumulativeRate, entryRate *big.Int) *big.Int {
	if IsZero(size) {
		return new(big.Int)
	}

	elapsed := new(big.Int).Sub(cumulativeRate, entryRate)
	if elapsed.Sign() <= 0 {
		return new(big.Int)
	}
	return MulDiv(size, elapsed, FundingRatePrecision, RoundDown)
}

// ComputePositionFee returns the margin fee on sizeDelta, rounded up so the
// pool never undercharges: sizeDelta - sizeDelta*(10000-bps)/10000.
func ComputePositionFee(sizeDelta *big.Int, marginFeeBps int64) *big.Int {
	if IsZero(sizeDelta) {
		return new(big.Int)
	}
	return new(big.Int).Sub(sizeDelta, AfterFee(sizeDelta, marginFeeBps))
}

// ComputeUtilisation returns reserved * FundingRatePrecision / pool.
func ComputeUtilisation(reserved, pool *big.Int) *big.Int {
	if IsZero(pool) {
		return new(big.Int)
	}
	return MulDiv(reserved, FundingRatePrecision, pool, RoundDown)
}
