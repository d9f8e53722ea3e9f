package vault

import (
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"context"
	"fmt"
	"math/big"
)

// IncreasePosition opens a position or adds collateral and size to it.
func (v *Vault) IncreasePosition(ctx context.Context, req IncreasePositionRequest) error {
	if err := v.guard(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	_, err := v.execute(ctx, "increase_position", func(op *operation) error {
		if !v.s.Params.IsLeverageEnabled {
			return state.ErrLeverageDisabled
		}
		if err := v.validateGasPrice(req.GasPrice); err != nil {
			return err
		}
		if err := v.validateRouter(req.Account, req.Caller); err != nil {
			return err
		}
		if err := v.validateTokens(req.CollateralAsset, req.IndexAsset, req.IsLong); err != nil {
			return err
		}
		amountIn, err := nonNegative("amount_in", req.AmountIn)
		if err != nil {
			return err
		}
		sizeDelta, err := nonNegative("size_delta", req.SizeDelta)
		if err != nil {
			return err
		}
		if amountIn.Sign() == 0 && sizeDelta.Sign() == 0 {
			return fmt.Errorf("%w: nothing to increase", state.ErrInvalidAmount)
		}
		return v.increase(op, req.key(), amountIn, sizeDelta)
	})
	return err
}

func (v *Vault) increase(op *operation, key state.PositionKey, amountIn, sizeDelta *big.Int) error {
	collateralAsset := key.CollateralAsset
	v.updateFunding(op, collateralAsset)

	before := v.positions.Get(key)
	pos := v.positions.GetOrEmpty(key)

	var price *big.Int
	var err error
	if key.IsLong {
		price, err = op.prices.Max(key.IndexAsset)
	} else {
		price, err = op.prices.Min(key.IndexAsset)
	}
	if err != nil {
		return err
	}

	if pos.Size.Sign() == 0 {
		pos.AveragePrice = new(big.Int).Set(price)
	} else if sizeDelta.Sign() > 0 {
		pos.AveragePrice = fpmath.ComputeNextAveragePrice(pos.Size, pos.AveragePrice, price, sizeDelta, key.IsLong)
	}

	fee := v.fees.MarginFee(pos, sizeDelta)
	collateralDelta, err := v.tokenToUsdMin(op, collateralAsset, amountIn)
	if err != nil {
		return err
	}

	pos.Collateral = new(big.Int).Add(pos.Collateral, collateralDelta)
	if pos.Collateral.Cmp(fee) < 0 {
		return fmt.Errorf("%w: collateral=%s, fee=%s", state.ErrInsufficientCollateralForFees, pos.Collateral, fee)
	}
	pos.Collateral.Sub(pos.Collateral, fee)
	pos.EntryFundingRate = v.funding.CumulativeRate(collateralAsset)
	pos.Size = new(big.Int).Add(pos.Size, sizeDelta)
	pos.LastIncreasedTime = op.now

	if pos.Size.Sign() == 0 {
		return fmt.Errorf("%w: zero size", state.ErrInvalidPositionSize)
	}
	if err := pos.ValidateShape(); err != nil {
		return err
	}
	mark, err := v.markPrice(op, key)
	if err != nil {
		return err
	}
	if err := v.margin.Validate(pos, mark, op.now); err != nil {
		return err
	}
	if err := state.ValidateTransition(before, pos, state.ActionTypeIncrease); err != nil {
		return err
	}

	reserveDelta, err := v.usdToTokenMax(op, collateralAsset, sizeDelta)
	if err != nil {
		return err
	}
	pos.ReserveAmount = new(big.Int).Add(pos.ReserveAmount, reserveDelta)
	v.positions.Put(pos)

	feeTokens, err := v.usdToTokenMin(op, collateralAsset, fee)
	if err != nil {
		return err
	}

	if key.IsLong {
		// long collateral joins the pool, which now guarantees size - collateral
		guaranteed := new(big.Int).Add(sizeDelta, fee)
		v.pools.IncreaseGuaranteedUsd(collateralAsset, guaranteed)
		v.pools.DecreaseGuaranteedUsd(collateralAsset, collateralDelta)
		v.pools.IncreasePoolAmount(collateralAsset, amountIn)
		if err := v.pools.DecreasePoolAmount(collateralAsset, feeTokens); err != nil {
			return err
		}
	} else {
		v.pools.IncreaseEscrow(collateralAsset, amountIn)
		if err := v.drawEscrow(collateralAsset, feeTokens); err != nil {
			return err
		}
		if sizeDelta.Sign() > 0 {
			v.pools.IncreaseGlobalShort(key.IndexAsset, sizeDelta, price)
		}
	}
	v.pools.AddFeeReserves(collateralAsset, feeTokens)

	if err := v.pools.IncreaseReservedAmount(collateralAsset, reserveDelta); err != nil {
		return err
	}

	op.collectFrom(key.Account, collateralAsset, amountIn)

	if feeTokens.Sign() > 0 {
		op.emit(&event.CollectFees{
			Asset:     collateralAsset,
			Kind:      event.FeeKindMargin,
			FeeUsd:    fee,
			FeeTokens: feeTokens,
			Timestamp: op.now,
		})
	}
	op.emit(&event.IncreasePosition{
		PositionRef:     positionRef(key),
		CollateralDelta: collateralDelta,
		AmountIn:        new(big.Int).Set(amountIn),
		SizeDelta:       new(big.Int).Set(sizeDelta),
		Price:           price,
		Fee:             fee,
		ReserveDelta:    reserveDelta,
		Post:            positionState(pos),
		Timestamp:       op.now,
	})
	return nil
}

// DecreasePosition removes collateral and/or size. Closing the full size
// pays out the remaining collateral and zeroes the slot.
func (v *Vault) DecreasePosition(ctx context.Context, req DecreasePositionRequest) (*DecreaseResult, error) {
	if err := v.guard(ctx); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var result *DecreaseResult
	committed, err := v.execute(ctx, "decrease_position", func(op *operation) error {
		if !v.s.Params.IsLeverageEnabled {
			return state.ErrLeverageDisabled
		}
		if err := v.validateGasPrice(req.GasPrice); err != nil {
			return err
		}
		if err := v.validateRouter(req.Account, req.Caller); err != nil {
			return err
		}
		collateralDelta, err := nonNegative("collateral_delta", req.CollateralDelta)
		if err != nil {
			return err
		}
		sizeDelta, err := nonNegative("size_delta", req.SizeDelta)
		if err != nil {
			return err
		}
		if collateralDelta.Sign() == 0 && sizeDelta.Sign() == 0 {
			return fmt.Errorf("%w: nothing to decrease", state.ErrInvalidAmount)
		}
		receiver := req.Receiver
		if receiver == "" {
			receiver = req.Account
		}

		result, err = v.decrease(op, req.key(), collateralDelta, sizeDelta, receiver)
		return err
	})
	if !committed {
		return nil, err
	}
	return result, err
}

func (v *Vault) decrease(op *operation, key state.PositionKey, collateralDelta, sizeDelta *big.Int, receiver string) (*DecreaseResult, error) {
	collateralAsset := key.CollateralAsset
	v.updateFunding(op, collateralAsset)

	before := v.positions.Get(key)
	if before.IsEmpty() {
		return nil, fmt.Errorf("%w: %s", state.ErrPositionNotFound, key)
	}
	pos := before.Clone()

	if sizeDelta.Cmp(pos.Size) > 0 {
		return nil, fmt.Errorf("%w: size=%s, delta=%s", state.ErrSizeExceeded, pos.Size, sizeDelta)
	}
	if collateralDelta.Cmp(pos.Collateral) > 0 {
		return nil, fmt.Errorf("%w: collateral=%s, delta=%s", state.ErrCollateralExceeded, pos.Collateral, collateralDelta)
	}
	collateralBefore := new(big.Int).Set(pos.Collateral)

	reserveDelta := fpmath.MulDiv(pos.ReserveAmount, sizeDelta, pos.Size, fpmath.RoundDown)
	pos.ReserveAmount = new(big.Int).Sub(pos.ReserveAmount, reserveDelta)
	if err := v.pools.DecreaseReservedAmount(collateralAsset, reserveDelta); err != nil {
		return nil, err
	}

	settled, err := v.reduceCollateral(op, pos, collateralDelta, sizeDelta)
	if err != nil {
		return nil, err
	}

	if key.IsLong {
		released := new(big.Int).Sub(collateralBefore, pos.Collateral)
		v.pools.IncreaseGuaranteedUsd(collateralAsset, released)
		v.pools.DecreaseGuaranteedUsd(collateralAsset, sizeDelta)
	}

	closing := pos.Size.Cmp(sizeDelta) == 0
	if closing {
		pos.Size = new(big.Int)
		pos.Collateral = new(big.Int)
	} else {
		pos.EntryFundingRate = v.funding.CumulativeRate(collateralAsset)
		pos.Size = new(big.Int).Sub(pos.Size, sizeDelta)
		if err := pos.ValidateShape(); err != nil {
			return nil, err
		}
		if err := v.margin.Validate(pos, settled.mark, op.now); err != nil {
			return nil, err
		}
	}
	if err := state.ValidateTransition(before, pos, state.ActionTypeDecrease); err != nil {
		return nil, err
	}
	if !key.IsLong && sizeDelta.Sign() > 0 {
		v.pools.DecreaseGlobalShort(key.IndexAsset, sizeDelta)
	}

	amountOut, err := v.payOut(op, key, settled)
	if err != nil {
		return nil, err
	}
	op.releaseTo(receiver, collateralAsset, amountOut)

	op.emit(&event.DecreasePosition{
		PositionRef:     positionRef(key),
		CollateralDelta: new(big.Int).Set(collateralDelta),
		SizeDelta:       new(big.Int).Set(sizeDelta),
		Price:           settled.mark,
		Fee:             settled.fee,
		PnlDelta:        settled.pnl,
		UsdOut:          settled.usdOut,
		AmountOut:       amountOut,
		Receiver:        receiver,
		ReserveDelta:    reserveDelta,
		Post:            positionState(pos),
		Timestamp:       op.now,
	})

	if closing {
		final := before.Clone()
		final.Collateral = new(big.Int)
		final.ReserveAmount = new(big.Int)
		final.RealisedPnl = pos.RealisedPnl
		op.emit(&event.ClosePosition{
			PositionRef: positionRef(key),
			Final:       positionState(final),
			Timestamp:   op.now,
		})
	}
	v.positions.Put(pos)

	return &DecreaseResult{
		UsdOut:         settled.usdOut,
		UsdOutAfterFee: settled.usdOutAfterFee,
		AmountOut:      amountOut,
	}, nil
}

// settlement is the USD side of a decrease, before tokens move
type settlement struct {
	mark           *big.Int
	fee            *big.Int
	pnl            *big.Int // signed
	usdOut         *big.Int
	usdOutAfterFee *big.Int
	feeFromOut     bool // fee comes out of usdOut rather than collateral
}

// reduceCollateral realises PnL on the sizeDelta share, takes collateralDelta
// and the margin fee, and moves short PnL between pool and escrow.
func (v *Vault) reduceCollateral(op *operation, pos *state.Position, collateralDelta, sizeDelta *big.Int) (*settlement, error) {
	key := pos.Key
	fee := v.fees.MarginFee(pos, sizeDelta)

	mark, err := v.markPrice(op, key)
	if err != nil {
		return nil, err
	}
	delta, hasProfit := v.margin.PositionDelta(pos, mark, op.now)
	adjusted := fpmath.MulDiv(sizeDelta, delta, pos.Size, fpmath.RoundDown)

	st := &settlement{mark: mark, fee: fee, pnl: new(big.Int), usdOut: new(big.Int)}

	if adjusted.Sign() > 0 {
		if hasProfit {
			st.usdOut.Add(st.usdOut, adjusted)
			st.pnl.Set(adjusted)
			if !key.IsLong {
				tokens, err := v.usdToTokenMin(op, key.CollateralAsset, adjusted)
				if err != nil {
					return nil, err
				}
				if err := v.pools.DecreasePoolAmount(key.CollateralAsset, tokens); err != nil {
					return nil, err
				}
				v.pools.IncreaseEscrow(key.CollateralAsset, tokens)
			}
		} else {
			if pos.Collateral.Cmp(adjusted) < 0 {
				return nil, fmt.Errorf("%w: collateral=%s, loss=%s", state.ErrLossesExceedCollateral, pos.Collateral, adjusted)
			}
			pos.Collateral = new(big.Int).Sub(pos.Collateral, adjusted)
			st.pnl.Neg(adjusted)
			if !key.IsLong {
				tokens, err := v.usdToTokenMin(op, key.CollateralAsset, adjusted)
				if err != nil {
					return nil, err
				}
				taken := v.pools.DecreaseEscrow(key.CollateralAsset, tokens)
				v.pools.IncreasePoolAmount(key.CollateralAsset, taken)
			}
		}
		pos.RealisedPnl = new(big.Int).Add(pos.RealisedPnl, st.pnl)
	}

	if collateralDelta.Sign() > 0 {
		if pos.Collateral.Cmp(collateralDelta) < 0 {
			return nil, fmt.Errorf("%w: collateral=%s, delta=%s", state.ErrCollateralExceeded, pos.Collateral, collateralDelta)
		}
		st.usdOut.Add(st.usdOut, collateralDelta)
		pos.Collateral = new(big.Int).Sub(pos.Collateral, collateralDelta)
	}

	if pos.Size.Cmp(sizeDelta) == 0 {
		st.usdOut.Add(st.usdOut, pos.Collateral)
		pos.Collateral = new(big.Int)
	}

	if st.usdOut.Cmp(fee) > 0 {
		st.usdOutAfterFee = new(big.Int).Sub(st.usdOut, fee)
		st.feeFromOut = true
	} else {
		if pos.Collateral.Cmp(fee) < 0 {
			return nil, fmt.Errorf("%w: collateral=%s, fee=%s", state.ErrFeesExceedCollateral, pos.Collateral, fee)
		}
		pos.Collateral = new(big.Int).Sub(pos.Collateral, fee)
		st.usdOutAfterFee = new(big.Int).Set(st.usdOut)
	}
	return st, nil
}

// payOut moves the settled USD out of the pool (longs) or escrow (shorts)
// and returns the tokens owed to the receiver. The fee is whatever the
// payout rounds away from the gross amount, so custody stays exact.
func (v *Vault) payOut(op *operation, key state.PositionKey, st *settlement) (*big.Int, error) {
	asset := key.CollateralAsset
	draw := func(amount *big.Int) error {
		if key.IsLong {
			return v.pools.DecreasePoolAmount(asset, amount)
		}
		return v.drawEscrow(asset, amount)
	}

	var gross, payout, feeTokens *big.Int
	var err error
	if st.feeFromOut {
		if gross, err = v.usdToTokenMin(op, asset, st.usdOut); err != nil {
			return nil, err
		}
		if payout, err = v.usdToTokenMin(op, asset, st.usdOutAfterFee); err != nil {
			return nil, err
		}
		feeTokens = new(big.Int).Sub(gross, payout)
	} else {
		if feeTokens, err = v.usdToTokenMin(op, asset, st.fee); err != nil {
			return nil, err
		}
		if payout, err = v.usdToTokenMin(op, asset, st.usdOut); err != nil {
			return nil, err
		}
		gross = new(big.Int).Add(feeTokens, payout)
	}

	if err := draw(gross); err != nil {
		return nil, err
	}
	v.pools.AddFeeReserves(asset, feeTokens)

	if feeTokens.Sign() > 0 {
		op.emit(&event.CollectFees{
			Asset:     asset,
			Kind:      event.FeeKindMargin,
			FeeUsd:    new(big.Int).Set(st.fee),
			FeeTokens: feeTokens,
			Timestamp: op.now,
		})
	}
	return payout, nil
}

// LiquidatePosition closes a position that fails its margin check. A
// position that only exceeds max leverage is closed softly: a full decrease
// paid to the account.
func (v *Vault) LiquidatePosition(ctx context.Context, req LiquidatePositionRequest) error {
	if err := v.guard(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var soft bool
	committed, err := v.execute(ctx, "liquidate_position", func(op *operation) error {
		if err := v.validateGasPrice(req.GasPrice); err != nil {
			return err
		}
		if v.s.Params.InPrivateLiquidationMode && !v.perms.IsLiquidator(req.Caller) {
			return fmt.Errorf("%w: %s is not a liquidator", state.ErrUnauthorized, req.Caller)
		}
		feeReceiver := req.FeeReceiver
		if feeReceiver == "" {
			feeReceiver = req.Caller
		}
		var err error
		soft, err = v.liquidate(op, req.key(), req.Caller, feeReceiver)
		return err
	})
	if committed && v.metrics != nil {
		kind := "hard"
		if soft {
			kind = "soft"
		}
		v.metrics.VaultLiquidations.WithLabelValues(req.IndexAsset, kind).Inc()
	}
	return err
}

// liquidate reports whether the close was soft
func (v *Vault) liquidate(op *operation, key state.PositionKey, liquidator, feeReceiver string) (bool, error) {
	collateralAsset := key.CollateralAsset
	v.updateFunding(op, collateralAsset)

	pos := v.positions.Get(key)
	if pos.IsEmpty() {
		return false, fmt.Errorf("%w: %s", state.ErrPositionNotFound, key)
	}
	mark, err := v.markPrice(op, key)
	if err != nil {
		return false, err
	}

	check := v.margin.Check(pos, mark, op.now)
	pnl := new(big.Int).Set(check.Delta)
	if !check.HasProfit {
		pnl.Neg(pnl)
	}

	switch check.Status {
	case state.LiquidationStatusHealthy:
		return false, fmt.Errorf("%w: %s", state.ErrNotLiquidatable, key)

	case state.LiquidationStatusMaxLeverageExceeded:
		size := new(big.Int).Set(pos.Size)
		collateral := new(big.Int).Set(pos.Collateral)
		reserve := new(big.Int).Set(pos.ReserveAmount)
		if _, err := v.decrease(op, key, new(big.Int), size, key.Account); err != nil {
			return false, err
		}
		op.emit(&event.LiquidatePosition{
			PositionRef:       positionRef(key),
			Size:              size,
			Collateral:        collateral,
			ReserveAmount:     reserve,
			PnlDelta:          pnl,
			MarkPrice:         mark,
			MarginFee:         check.MarginFees,
			Liquidator:        liquidator,
			FeeReceiver:       feeReceiver,
			LiquidationFeeUsd: new(big.Int),
			LiquidationFee:    new(big.Int),
			Soft:              true,
			Timestamp:         op.now,
		})
		return true, nil
	}

	before := pos
	loss := new(big.Int)
	if !check.HasProfit {
		loss.Set(check.Delta)
	}
	liquidatorFeeUsd, marginFeeUsd, remainingUsd := v.fees.SplitLiquidationFees(pos.Collateral, loss, check.MarginFees)

	if err := v.pools.DecreaseReservedAmount(collateralAsset, pos.ReserveAmount); err != nil {
		return false, err
	}

	marginTokens, err := v.usdToTokenMin(op, collateralAsset, marginFeeUsd)
	if err != nil {
		return false, err
	}
	liquidatorTokens, err := v.usdToTokenMin(op, collateralAsset, liquidatorFeeUsd)
	if err != nil {
		return false, err
	}

	if key.IsLong {
		v.pools.DecreaseGuaranteedUsd(collateralAsset, new(big.Int).Sub(pos.Size, pos.Collateral))
		if err := v.pools.DecreasePoolAmount(collateralAsset, marginTokens); err != nil {
			return false, err
		}
		if err := v.pools.DecreasePoolAmount(collateralAsset, liquidatorTokens); err != nil {
			return false, err
		}
	} else {
		if err := v.drawEscrow(collateralAsset, marginTokens); err != nil {
			return false, err
		}
		if err := v.drawEscrow(collateralAsset, liquidatorTokens); err != nil {
			return false, err
		}
		remainingTokens, err := v.usdToTokenMin(op, collateralAsset, remainingUsd)
		if err != nil {
			return false, err
		}
		taken := v.pools.DecreaseEscrow(collateralAsset, remainingTokens)
		v.pools.IncreasePoolAmount(collateralAsset, taken)
		v.pools.DecreaseGlobalShort(key.IndexAsset, pos.Size)
	}
	v.pools.AddFeeReserves(collateralAsset, marginTokens)

	v.positions.Delete(key)
	if err := state.ValidateTransition(before, nil, state.ActionTypeLiquidate); err != nil {
		return false, err
	}

	op.releaseTo(feeReceiver, collateralAsset, liquidatorTokens)

	if marginTokens.Sign() > 0 {
		op.emit(&event.CollectFees{
			Asset:     collateralAsset,
			Kind:      event.FeeKindLiquidation,
			FeeUsd:    marginFeeUsd,
			FeeTokens: marginTokens,
			Timestamp: op.now,
		})
	}
	op.emit(&event.LiquidatePosition{
		PositionRef:       positionRef(key),
		Size:              new(big.Int).Set(pos.Size),
		Collateral:        new(big.Int).Set(pos.Collateral),
		ReserveAmount:     new(big.Int).Set(pos.ReserveAmount),
		PnlDelta:          pnl,
		MarkPrice:         mark,
		MarginFee:         marginFeeUsd,
		Liquidator:        liquidator,
		FeeReceiver:       feeReceiver,
		LiquidationFeeUsd: liquidatorFeeUsd,
		LiquidationFee:    liquidatorTokens,
		Timestamp:         op.now,
	})
	final := pos.Clone()
	final.Collateral = new(big.Int)
	final.ReserveAmount = new(big.Int)
	op.emit(&event.ClosePosition{
		PositionRef: positionRef(key),
		Final:       positionState(final),
		Timestamp:   op.now,
	})
	return false, nil
}

// UpdateFunding brings an asset's funding accumulator current.
func (v *Vault) UpdateFunding(ctx context.Context, asset string) error {
	if err := v.guard(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	_, err := v.execute(ctx, "update_funding", func(op *operation) error {
		if _, err := v.pools.Asset(asset); err != nil {
			return err
		}
		v.updateFunding(op, asset)
		return nil
	})
	return err
}

// validateTokens checks the collateral/index pairing: longs post the index
// asset itself, shorts post a stable asset against a shortable index.
func (v *Vault) validateTokens(collateralAsset, indexAsset string, isLong bool) error {
	collateral, err := v.pools.Asset(collateralAsset)
	if err != nil {
		return err
	}
	if isLong {
		if collateralAsset != indexAsset {
			return fmt.Errorf("%w: long collateral %s must be index %s", state.ErrCollateralNotAllowed, collateralAsset, indexAsset)
		}
		if collateral.IsStable {
			return fmt.Errorf("%w: long collateral %s is stable", state.ErrCollateralNotAllowed, collateralAsset)
		}
		return nil
	}

	if !collateral.IsStable {
		return fmt.Errorf("%w: short collateral %s must be stable", state.ErrCollateralNotAllowed, collateralAsset)
	}
	index, err := v.pools.Asset(indexAsset)
	if err != nil {
		return err
	}
	if index.IsStable {
		return fmt.Errorf("%w: cannot short stable %s", state.ErrIndexNotShortable, indexAsset)
	}
	if !index.IsShortable {
		return fmt.Errorf("%w: %s", state.ErrIndexNotShortable, indexAsset)
	}
	return nil
}

// markPrice is the price a position is valued at: min for longs, max for
// shorts.
func (v *Vault) markPrice(op *operation, key state.PositionKey) (*big.Int, error) {
	if key.IsLong {
		return op.prices.Min(key.IndexAsset)
	}
	return op.prices.Max(key.IndexAsset)
}

// drawEscrow takes amount out of short escrow, covering any rounding
// shortfall from the pool.
func (v *Vault) drawEscrow(asset string, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	taken := v.pools.DecreaseEscrow(asset, amount)
	if shortfall := new(big.Int).Sub(amount, taken); shortfall.Sign() > 0 {
		return v.pools.DecreasePoolAmount(asset, shortfall)
	}
	return nil
}

func positionRef(key state.PositionKey) event.PositionRef {
	return event.PositionRef{
		Key:             key.String(),
		Account:         key.Account,
		CollateralAsset: key.CollateralAsset,
		IndexAsset:      key.IndexAsset,
		IsLong:          key.IsLong,
	}
}

func positionState(pos *state.Position) event.PositionState {
	return event.PositionState{
		Size:             fpmath.Clone(pos.Size),
		Collateral:       fpmath.Clone(pos.Collateral),
		AveragePrice:     fpmath.Clone(pos.AveragePrice),
		EntryFundingRate: fpmath.Clone(pos.EntryFundingRate),
		ReserveAmount:    fpmath.Clone(pos.ReserveAmount),
		RealisedPnl:      fpmath.Clone(pos.RealisedPnl),
	}
}
