package state

import (
	fpmath "PerpVault/internal/math"
	"math/big"
)

// FeeModel computes swap, issuance and position fees from the vault params
// and the current pool weights.
type FeeModel struct {
	s     *VaultState
	pools *PoolLedger
}

func NewFeeModel(s *VaultState, pools *PoolLedger) *FeeModel {
	return &FeeModel{s: s, pools: pools}
}

// FeeBasisPoints returns the fee for moving stableDelta of stable-unit value
// into (increment) or out of the asset's pool. Without dynamic fees this is
// feeBps. With them, a flow that moves the asset toward its target weight
// earns a rebate (floored at feeBps/2); a flow away from it pays a tax that
// scales with the average deviation before and after.
func (fm *FeeModel) FeeBasisPoints(asset string, stableDelta *big.Int, feeBps, taxBps int64, increment bool) int64 {
	if !fm.s.Params.HasDynamicFees {
		return feeBps
	}

	initial := fm.pools.Pool(asset).StableUnitDebt
	var next *big.Int
	if increment {
		next = new(big.Int).Add(initial, stableDelta)
	} else {
		next = fpmath.SubFloor(initial, stableDelta)
	}

	target := fm.pools.TargetStableUnitAmount(asset)
	if target.Sign() == 0 {
		return feeBps
	}

	initialDiff := fpmath.AbsDiff(initial, target)
	nextDiff := fpmath.AbsDiff(next, target)

	if nextDiff.Cmp(initialDiff) < 0 {
		rebate := fpmath.MulDiv(big.NewInt(taxBps), initialDiff, target, fpmath.RoundDown)
		floor := feeBps / 2
		if rebate.Cmp(big.NewInt(feeBps-floor)) >= 0 {
			return floor
		}
		return feeBps - rebate.Int64()
	}

	avgDiff := new(big.Int).Add(initialDiff, nextDiff)
	avgDiff.Rsh(avgDiff, 1)
	if avgDiff.Cmp(target) > 0 {
		avgDiff = target
	}
	tax := fpmath.MulDiv(big.NewInt(taxBps), avgDiff, target, fpmath.RoundDown).Int64()
	return feeBps + tax
}

// BuyStableUnitFeeBasisPoints is the mint fee for stableAmount against asset.
func (fm *FeeModel) BuyStableUnitFeeBasisPoints(asset string, stableAmount *big.Int) int64 {
	p := fm.s.Params
	return fm.FeeBasisPoints(asset, stableAmount, p.MintBurnFeeBasisPoints, p.TaxBasisPoints, true)
}

// SellStableUnitFeeBasisPoints is the burn fee for stableAmount against asset.
func (fm *FeeModel) SellStableUnitFeeBasisPoints(asset string, stableAmount *big.Int) int64 {
	p := fm.s.Params
	return fm.FeeBasisPoints(asset, stableAmount, p.MintBurnFeeBasisPoints, p.TaxBasisPoints, false)
}

// SwapFeeBasisPoints charges the worse of the in-flow and out-flow fees.
// Stable-to-stable swaps use the stable fee schedule.
func (fm *FeeModel) SwapFeeBasisPoints(assetIn, assetOut string, stableAmount *big.Int) int64 {
	p := fm.s.Params
	isStableSwap := fm.isStable(assetIn) && fm.isStable(assetOut)

	base, tax := p.SwapFeeBasisPoints, p.TaxBasisPoints
	if isStableSwap {
		base, tax = p.StableSwapFeeBasisPoints, p.StableTaxBasisPoints
	}

	feeIn := fm.FeeBasisPoints(assetIn, stableAmount, base, tax, true)
	feeOut := fm.FeeBasisPoints(assetOut, stableAmount, base, tax, false)
	if feeIn > feeOut {
		return feeIn
	}
	return feeOut
}

func (fm *FeeModel) isStable(asset string) bool {
	a, ok := fm.s.Assets[asset]
	return ok && a.IsStable
}

// PositionFee is the margin fee on sizeDelta.
func (fm *FeeModel) PositionFee(sizeDelta *big.Int) *big.Int {
	return fpmath.ComputePositionFee(sizeDelta, fm.s.Params.MarginFeeBasisPoints)
}

// FundingFee charges size for funding accrued on the collateral asset since
// entryFundingRate.
func (fm *FeeModel) FundingFee(collateralAsset string, size, entryFundingRate *big.Int) *big.Int {
	cumulative := new(big.Int)
	if f, ok := fm.s.Funding[collateralAsset]; ok {
		cumulative = f.CumulativeFundingRate
	}
	return fpmath.ComputeFundingFee(size, cumulative, entryFundingRate)
}

// MarginFee is the position fee on sizeDelta plus the position's funding fee.
func (fm *FeeModel) MarginFee(pos *Position, sizeDelta *big.Int) *big.Int {
	fee := fm.PositionFee(sizeDelta)
	return fee.Add(fee, fm.FundingFee(pos.Key.CollateralAsset, pos.Size, pos.EntryFundingRate))
}

// LiquidationFeeUsd is the fixed fee paid to a liquidator.
func (fm *FeeModel) LiquidationFeeUsd() *big.Int {
	return fpmath.Clone(fm.s.Params.LiquidationFeeUsd)
}

// SplitLiquidationFees pays fees only out of the collateral left after loss.
// The liquidation fee comes first, then the margin fee from what is left.
// remaining is the collateral net of both fees; the loss share of it stays
// with the pool.
func (fm *FeeModel) SplitLiquidationFees(collateral, loss, marginFee *big.Int) (liquidatorFee, collectedMarginFee, remaining *big.Int) {
	available := fpmath.SubFloor(collateral, loss)
	liquidatorFee = fpmath.Min(fm.s.Params.LiquidationFeeUsd, available)
	available.Sub(available, liquidatorFee)
	collectedMarginFee = fpmath.Min(marginFee, available)
	remaining = new(big.Int).Sub(collateral, liquidatorFee)
	remaining.Sub(remaining, collectedMarginFee)
	return liquidatorFee, collectedMarginFee, remaining
}
