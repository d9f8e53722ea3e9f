package state

import (
	fpmath "PerpVault/internal/math"
	"fmt"
	"math/big"
)

// LiquidationStatus classifies a position against its collateral
type LiquidationStatus int32

const (
	LiquidationStatusHealthy LiquidationStatus = iota
	LiquidationStatusLiquidatable
	LiquidationStatusMaxLeverageExceeded
)

func (ls LiquidationStatus) String() string {
	switch ls {
	case LiquidationStatusHealthy:
		return "Healthy"
	case LiquidationStatusLiquidatable:
		return "Liquidatable"
	case LiquidationStatusMaxLeverageExceeded:
		return "MaxLeverageExceeded"
	default:
		return "Unknown"
	}
}

// MarginCheck is the result of validating a position
type MarginCheck struct {
	Status              LiquidationStatus
	MarginFees          *big.Int // funding fee + position fee on full size
	Delta               *big.Int
	HasProfit           bool
	RemainingCollateral *big.Int // collateral after losses
	Err                 error    // the raise-mode error for Status != Healthy
}

// MarginCalculator values positions and decides liquidation state
type MarginCalculator struct {
	s    *VaultState
	fees *FeeModel
}

func NewMarginCalculator(s *VaultState, fees *FeeModel) *MarginCalculator {
	return &MarginCalculator{s: s, fees: fees}
}

// PositionDelta returns the position's PnL at markPrice. A profit below the
// index asset's MinProfitBps counts as zero until MinProfitTime has passed
// since the last increase.
func (mc *MarginCalculator) PositionDelta(pos *Position, markPrice *big.Int, now int64) (*big.Int, bool) {
	delta, hasProfit := fpmath.ComputeDelta(pos.Size, pos.AveragePrice, markPrice, pos.Key.IsLong)

	var minProfitBps int64
	if a, ok := mc.s.Assets[pos.Key.IndexAsset]; ok {
		minProfitBps = a.MinProfitBps
	}
	insideWindow := now <= pos.LastIncreasedTime+mc.s.Params.MinProfitTime
	return fpmath.ApplyMinProfit(delta, hasProfit, pos.Size, minProfitBps, insideWindow), hasProfit
}

// Check runs the liquidation rules in order: losses, margin fees,
// liquidation fee, max leverage. markPrice should be the min price for longs
// and the max price for shorts.
func (mc *MarginCalculator) Check(pos *Position, markPrice *big.Int, now int64) *MarginCheck {
	delta, hasProfit := mc.PositionDelta(pos, markPrice, now)
	marginFees := mc.fees.MarginFee(pos, pos.Size)

	check := &MarginCheck{
		Status:     LiquidationStatusHealthy,
		MarginFees: marginFees,
		Delta:      delta,
		HasProfit:  hasProfit,
	}

	if !hasProfit && pos.Collateral.Cmp(delta) < 0 {
		check.Status = LiquidationStatusLiquidatable
		check.RemainingCollateral = new(big.Int)
		check.Err = fmt.Errorf("%w: collateral=%s, loss=%s", ErrLossesExceedCollateral, pos.Collateral, delta)
		return check
	}

	remaining := new(big.Int).Set(pos.Collateral)
	if !hasProfit {
		remaining.Sub(remaining, delta)
	}
	check.RemainingCollateral = remaining

	if remaining.Cmp(marginFees) < 0 {
		check.Status = LiquidationStatusLiquidatable
		check.Err = fmt.Errorf("%w: remaining=%s, fees=%s", ErrFeesExceedCollateral, remaining, marginFees)
		return check
	}

	withLiquidation := new(big.Int).Add(marginFees, mc.s.Params.LiquidationFeeUsd)
	if remaining.Cmp(withLiquidation) < 0 {
		check.Status = LiquidationStatusLiquidatable
		check.Err = fmt.Errorf("%w: remaining=%s, fees=%s", ErrLiquidationFeesExceedCollateral, remaining, withLiquidation)
		return check
	}

	if fpmath.ExceedsLeverage(pos.Size, remaining, mc.s.Params.MaxLeverage) {
		check.Status = LiquidationStatusMaxLeverageExceeded
		check.Err = fmt.Errorf("%w: size=%s, collateral=%s, max=%d", ErrMaxLeverageExceeded, pos.Size, remaining, mc.s.Params.MaxLeverage)
		return check
	}

	return check
}

// Validate is Check in raise mode: any non-healthy status is an error.
func (mc *MarginCalculator) Validate(pos *Position, markPrice *big.Int, now int64) error {
	return mc.Check(pos, markPrice, now).Err
}
