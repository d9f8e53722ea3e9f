// internal/state/liquidation_manager.go
package state

import (
	"math/big"
)

// MarkPriceFunc returns the price a position is marked at: the min price of
// the index asset for longs, the max price for shorts.
type MarkPriceFunc func(indexAsset string, isLong bool) (*big.Int, error)

// LiquidationCandidate is a position that fails its margin check
type LiquidationCandidate struct {
	Key        PositionKey
	Status     LiquidationStatus
	MarginFees *big.Int
	Reason     error
}

// LiquidationScanner walks the position ledger looking for positions that
// can be liquidated. It never mutates state.
type LiquidationScanner struct {
	positions *PositionLedger
	margin    *MarginCalculator
}

func NewLiquidationScanner(positions *PositionLedger, margin *MarginCalculator) *LiquidationScanner {
	return &LiquidationScanner{
		positions: positions,
		margin:    margin,
	}
}

// Scan returns every non-healthy position in key order. Positions whose
// index price cannot be read are skipped.
func (ls *LiquidationScanner) Scan(mark MarkPriceFunc, now int64) []LiquidationCandidate {
	var out []LiquidationCandidate
	prices := make(map[string]*big.Int)

	for _, pos := range ls.positions.All() {
		cacheKey := pos.Key.IndexAsset
		if pos.Key.IsLong {
			cacheKey += ":min"
		} else {
			cacheKey += ":max"
		}

		price, ok := prices[cacheKey]
		if !ok {
			p, err := mark(pos.Key.IndexAsset, pos.Key.IsLong)
			if err != nil {
				continue
			}
			price = p
			prices[cacheKey] = p
		}

		check := ls.margin.Check(pos, price, now)
		if check.Status == LiquidationStatusHealthy {
			continue
		}
		out = append(out, LiquidationCandidate{
			Key:        pos.Key,
			Status:     check.Status,
			MarginFees: check.MarginFees,
			Reason:     check.Err,
		})
	}

	return out
}
