// internal/math/position.go
package math

import (
	"math/big"
)

// ComputeDelta returns the unrealised PnL magnitude of a position valued
// at markPrice and whether it is a profit.
func ComputeDelta(size, averagePrice, markPrice *big.Int, isLong bool) (*big.Int, bool) {
	if IsZero(averagePrice) || IsZero(size) {
		return new(big.Int), false
	}

	priceDelta := AbsDiff(averagePrice, markPrice)
	delta := MulDiv(size, priceDelta, averagePrice, RoundDown)

	var hasProfit bool
	if isLong {
		hasProfit = markPrice.Cmp(averagePrice) > 0
	} else {
		hasProfit = averagePrice.Cmp(markPrice) > 0
	}
	return delta, hasProfit
}

// ApplyMinProfit zeroes a profit that is below minProfitBps of size while the
// position is still inside its min-profit window.
func ApplyMinProfit(delta *big.Int, hasProfit bool, size *big.Int, minProfitBps int64, insideWindow bool) *big.Int {
	if !hasProfit || !insideWindow || minProfitBps == 0 {
		return delta
	}

	// delta * 10000 <= size * minProfitBps
	lhs := new(big.Int).Mul(delta, bpsDivisor)
	rhs := new(big.Int).Mul(size, big.NewInt(minProfitBps))
	if lhs.Cmp(rhs) <= 0 {
		return new(big.Int)
	}
	return delta
}

// ComputeNextAveragePrice returns the entry price after adding sizeDelta at
// nextPrice, keeping the unrealised PnL of the existing size intact:
//
//	long:  nextPrice * nextSize / (nextSize + delta)   when in profit
//	       nextPrice * nextSize / (nextSize - delta)   when in loss
//	short: the signs are reversed
func ComputeNextAveragePrice(size, averagePrice, nextPrice, sizeDelta *big.Int, isLong bool) *big.Int {
	if IsZero(size) {
		return new(big.Int).Set(nextPrice)
	}

	delta, hasProfit := ComputeDelta(size, averagePrice, nextPrice, isLong)
	nextSize := new(big.Int).Add(size, sizeDelta)

	divisor := new(big.Int)
	if isLong == hasProfit {
		divisor.Add(nextSize, delta)
	} else {
		divisor.Sub(nextSize, delta)
	}
	if divisor.Sign() <= 0 {
		// losses wiped the old size out entirely; a fresh entry at nextPrice
		return new(big.Int).Set(nextPrice)
	}

	return MulDiv(nextPrice, nextSize, divisor, RoundDown)
}

// ComputeWeightedAveragePrice merges two exposures by size:
// (size1*price1 + size2*price2) / (size1 + size2).
func ComputeWeightedAveragePrice(size1, price1, size2, price2 *big.Int) *big.Int {
	total := new(big.Int).Add(size1, size2)
	if total.Sign() == 0 {
		return new(big.Int)
	}

	numerator := new(big.Int).Mul(size1, price1)
	term2 := getScratch()
	term2.Mul(size2, price2)
	numerator.Add(numerator, term2)
	putScratch(term2)

	return Div(numerator, total, RoundDown)
}

// ComputeLeverage returns size * 10000 / collateral.
func ComputeLeverage(size, collateral *big.Int) *big.Int {
	if IsZero(collateral) {
		return new(big.Int)
	}
	return MulDiv(size, bpsDivisor, collateral, RoundDown)
}

// ExceedsLeverage reports size * 10000 > collateral * maxLeverage.
func ExceedsLeverage(size, collateral *big.Int, maxLeverage int64) bool {
	lhs := new(big.Int).Mul(size, bpsDivisor)
	rhs := new(big.Int).Mul(collateral, big.NewInt(maxLeverage))
	return lhs.Cmp(rhs) > 0
}
