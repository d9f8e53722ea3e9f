package vault

import (
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"context"
	"fmt"
	"math/big"
)

// BuyStableUnit deposits an asset into the pool and mints stable units
// against it at the asset's max price. Returns the minted amount.
func (v *Vault) BuyStableUnit(ctx context.Context, req BuyStableUnitRequest) (*big.Int, error) {
	if err := v.guard(ctx); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if req.Receiver == "" {
		req.Receiver = req.Caller
	}
	var minted *big.Int
	committed, err := v.execute(ctx, "buy_stable_unit", func(op *operation) error {
		if err := v.validateGasPrice(req.GasPrice); err != nil {
			return err
		}
		if err := v.validateManager(req.Caller); err != nil {
			return err
		}
		if err := validateAmount("amount_in", req.AmountIn); err != nil {
			return err
		}
		asset, err := v.pools.Asset(req.Asset)
		if err != nil {
			return err
		}

		v.updateFunding(op, req.Asset)

		price, err := op.prices.Max(req.Asset)
		if err != nil {
			return err
		}
		stableAmount := toStableUnits(fpmath.TokenToUsd(req.AmountIn, price, asset.Decimals))
		if stableAmount.Sign() == 0 {
			return fmt.Errorf("%w: %s %s is worth no stable units", state.ErrInvalidAmount, req.AmountIn, req.Asset)
		}

		feeBps := v.fees.BuyStableUnitFeeBasisPoints(req.Asset, stableAmount)
		afterFee := fpmath.AfterFee(req.AmountIn, feeBps)
		feeAmount := new(big.Int).Sub(req.AmountIn, afterFee)

		minted = toStableUnits(fpmath.TokenToUsd(afterFee, price, asset.Decimals))
		if minted.Sign() == 0 {
			return fmt.Errorf("%w: nothing to mint after fees", state.ErrInvalidAmount)
		}

		v.pools.AddFeeReserves(req.Asset, feeAmount)
		v.pools.IncreasePoolAmount(req.Asset, afterFee)
		if err := v.pools.IncreaseStableUnitDebt(req.Asset, minted); err != nil {
			return err
		}
		v.s.IncreaseStableSupply(minted)

		op.collectFrom(req.Caller, req.Asset, req.AmountIn)
		op.mintTo(req.Receiver, minted)

		if feeAmount.Sign() > 0 {
			op.emit(&event.CollectFees{
				Asset:     req.Asset,
				Kind:      event.FeeKindMint,
				FeeUsd:    fpmath.TokenToUsd(feeAmount, price, asset.Decimals),
				FeeTokens: feeAmount,
				Timestamp: op.now,
			})
		}
		op.emit(&event.BuyStableUnit{
			Receiver:       req.Receiver,
			Asset:          req.Asset,
			AmountIn:       new(big.Int).Set(req.AmountIn),
			Price:          price,
			FeeBasisPoints: feeBps,
			FeeAmount:      feeAmount,
			StableAmount:   minted,
			StableSupply:   new(big.Int).Set(v.s.StableSupply),
			Pool:           v.poolTotals(req.Asset),
			Timestamp:      op.now,
		})
		return nil
	})
	if !committed {
		return nil, err
	}
	return minted, err
}

// SellStableUnit collects and burns stable units and pays out the asset at
// its min price, less the burn fee. Returns the token amount paid.
func (v *Vault) SellStableUnit(ctx context.Context, req SellStableUnitRequest) (*big.Int, error) {
	if err := v.guard(ctx); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if req.Receiver == "" {
		req.Receiver = req.Caller
	}
	var amountOut *big.Int
	committed, err := v.execute(ctx, "sell_stable_unit", func(op *operation) error {
		if err := v.validateGasPrice(req.GasPrice); err != nil {
			return err
		}
		if err := v.validateManager(req.Caller); err != nil {
			return err
		}
		if err := validateAmount("stable_amount", req.StableAmount); err != nil {
			return err
		}
		asset, err := v.pools.Asset(req.Asset)
		if err != nil {
			return err
		}

		v.updateFunding(op, req.Asset)

		price, err := op.prices.Min(req.Asset)
		if err != nil {
			return err
		}
		usd := fromStableUnits(req.StableAmount)

		capUsd, err := v.redemptionCollateralUsd(op, req.Asset)
		if err != nil {
			return err
		}
		if usd.Cmp(capUsd) > 0 {
			return fmt.Errorf("%w: %s redeem=%s, available=%s",
				state.ErrInsufficientRedemptionCollateral, req.Asset, usd, capUsd)
		}

		redemption := fpmath.UsdToToken(usd, price, asset.Decimals)
		if redemption.Sign() == 0 {
			return fmt.Errorf("%w: %s stable units redeem for nothing", state.ErrInvalidAmount, req.StableAmount)
		}

		// fee is priced on the pool before the debt moves
		feeBps := v.fees.SellStableUnitFeeBasisPoints(req.Asset, req.StableAmount)

		v.pools.DecreaseStableUnitDebt(req.Asset, req.StableAmount)
		v.s.DecreaseStableSupply(req.StableAmount)
		if err := v.pools.DecreasePoolAmount(req.Asset, redemption); err != nil {
			return err
		}
		if err := v.pools.ValidateBuffer(req.Asset); err != nil {
			return err
		}

		amountOut = fpmath.AfterFee(redemption, feeBps)
		feeAmount := new(big.Int).Sub(redemption, amountOut)
		if amountOut.Sign() == 0 {
			return fmt.Errorf("%w: nothing to pay out after fees", state.ErrInvalidAmount)
		}
		v.pools.AddFeeReserves(req.Asset, feeAmount)

		op.collectFrom(req.Caller, v.stableAsset, req.StableAmount)
		op.burn = new(big.Int).Set(req.StableAmount)
		op.releaseTo(req.Receiver, req.Asset, amountOut)

		if feeAmount.Sign() > 0 {
			op.emit(&event.CollectFees{
				Asset:     req.Asset,
				Kind:      event.FeeKindBurn,
				FeeUsd:    fpmath.TokenToUsd(feeAmount, price, asset.Decimals),
				FeeTokens: feeAmount,
				Timestamp: op.now,
			})
		}
		op.emit(&event.SellStableUnit{
			Receiver:       req.Receiver,
			Asset:          req.Asset,
			StableAmount:   new(big.Int).Set(req.StableAmount),
			Price:          price,
			FeeBasisPoints: feeBps,
			FeeAmount:      feeAmount,
			AmountOut:      amountOut,
			StableSupply:   new(big.Int).Set(v.s.StableSupply),
			Pool:           v.poolTotals(req.Asset),
			Timestamp:      op.now,
		})
		return nil
	})
	if !committed {
		return nil, err
	}
	return amountOut, err
}

// Swap exchanges one pool asset for another. The input is valued at its max
// price and the output at its min price. Returns the amount paid out.
func (v *Vault) Swap(ctx context.Context, req SwapRequest) (*big.Int, error) {
	if err := v.guard(ctx); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if req.Receiver == "" {
		req.Receiver = req.Caller
	}
	var amountOutAfterFees *big.Int
	committed, err := v.execute(ctx, "swap", func(op *operation) error {
		if !v.s.Params.IsSwapEnabled {
			return state.ErrSwapsDisabled
		}
		if err := v.validateGasPrice(req.GasPrice); err != nil {
			return err
		}
		if req.AssetIn == req.AssetOut {
			return fmt.Errorf("%w: %s", state.ErrSameAsset, req.AssetIn)
		}
		if err := validateAmount("amount_in", req.AmountIn); err != nil {
			return err
		}
		in, err := v.pools.Asset(req.AssetIn)
		if err != nil {
			return err
		}
		out, err := v.pools.Asset(req.AssetOut)
		if err != nil {
			return err
		}

		v.updateFunding(op, req.AssetIn)
		v.updateFunding(op, req.AssetOut)

		priceIn, err := op.prices.Max(req.AssetIn)
		if err != nil {
			return err
		}
		priceOut, err := op.prices.Min(req.AssetOut)
		if err != nil {
			return err
		}

		usdIn := fpmath.TokenToUsd(req.AmountIn, priceIn, in.Decimals)
		amountOut := fpmath.UsdToToken(usdIn, priceOut, out.Decimals)
		stableAmount := toStableUnits(usdIn)

		feeBps := v.fees.SwapFeeBasisPoints(req.AssetIn, req.AssetOut, stableAmount)
		amountOutAfterFees = fpmath.AfterFee(amountOut, feeBps)
		feeAmount := new(big.Int).Sub(amountOut, amountOutAfterFees)
		if amountOutAfterFees.Sign() == 0 {
			return fmt.Errorf("%w: swap output rounds to zero", state.ErrInvalidAmount)
		}

		if err := v.pools.IncreaseStableUnitDebt(req.AssetIn, stableAmount); err != nil {
			return err
		}
		v.pools.DecreaseStableUnitDebt(req.AssetOut, stableAmount)

		v.pools.IncreasePoolAmount(req.AssetIn, req.AmountIn)
		if err := v.pools.DecreasePoolAmount(req.AssetOut, amountOut); err != nil {
			return err
		}
		v.pools.AddFeeReserves(req.AssetOut, feeAmount)
		if err := v.pools.ValidateBuffer(req.AssetOut); err != nil {
			return err
		}

		op.collectFrom(req.Caller, req.AssetIn, req.AmountIn)
		op.releaseTo(req.Receiver, req.AssetOut, amountOutAfterFees)

		if feeAmount.Sign() > 0 {
			op.emit(&event.CollectFees{
				Asset:     req.AssetOut,
				Kind:      event.FeeKindSwap,
				FeeUsd:    fpmath.TokenToUsd(feeAmount, priceOut, out.Decimals),
				FeeTokens: feeAmount,
				Timestamp: op.now,
			})
		}
		op.emit(&event.Swap{
			Receiver:           req.Receiver,
			AssetIn:            req.AssetIn,
			AssetOut:           req.AssetOut,
			AmountIn:           new(big.Int).Set(req.AmountIn),
			AmountOut:          amountOut,
			AmountOutAfterFees: amountOutAfterFees,
			PriceIn:            priceIn,
			PriceOut:           priceOut,
			FeeBasisPoints:     feeBps,
			PoolIn:             v.poolTotals(req.AssetIn),
			PoolOut:            v.poolTotals(req.AssetOut),
			Timestamp:          op.now,
		})
		return nil
	})
	if !committed {
		return nil, err
	}
	return amountOutAfterFees, err
}

// DirectDeposit adds liquidity to the pool without minting or fees.
func (v *Vault) DirectDeposit(ctx context.Context, req DirectDepositRequest) error {
	if err := v.guard(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	_, err := v.execute(ctx, "direct_deposit", func(op *operation) error {
		if err := v.validateGasPrice(req.GasPrice); err != nil {
			return err
		}
		if err := validateAmount("amount", req.Amount); err != nil {
			return err
		}
		if _, err := v.pools.Asset(req.Asset); err != nil {
			return err
		}

		v.pools.IncreasePoolAmount(req.Asset, req.Amount)
		op.collectFrom(req.Caller, req.Asset, req.Amount)
		op.emit(&event.DirectPoolDeposit{
			Depositor:  req.Caller,
			Asset:      req.Asset,
			Amount:     new(big.Int).Set(req.Amount),
			PoolAmount: new(big.Int).Set(v.pools.Pool(req.Asset).PoolAmount),
			Timestamp:  op.now,
		})
		return nil
	})
	return err
}

// WithdrawFees sweeps an asset's fee reserves to receiver. Governor only.
func (v *Vault) WithdrawFees(ctx context.Context, caller, asset, receiver string) (*big.Int, error) {
	if err := v.guard(ctx); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var amount *big.Int
	committed, err := v.execute(ctx, "withdraw_fees", func(op *operation) error {
		if err := v.validateGovernor(caller); err != nil {
			return err
		}
		if _, err := v.pools.Asset(asset); err != nil {
			return err
		}
		if receiver == "" {
			return fmt.Errorf("%w: empty receiver", state.ErrInvalidAmount)
		}

		amount = v.pools.WithdrawFeeReserves(asset)
		if amount.Sign() == 0 {
			return nil
		}
		op.releaseTo(receiver, asset, amount)
		op.emit(&event.WithdrawFees{
			Asset:     asset,
			Receiver:  receiver,
			Amount:    new(big.Int).Set(amount),
			Timestamp: op.now,
		})
		return nil
	})
	if !committed {
		return nil, err
	}
	return amount, err
}

// redemptionCollateralUsd is what the pool can pay out for an asset at its
// min price: the whole pool for stables, otherwise the unreserved pool plus
// the guaranteed long exposure.
func (v *Vault) redemptionCollateralUsd(op *operation, id string) (*big.Int, error) {
	asset, err := v.pools.Asset(id)
	if err != nil {
		return nil, err
	}
	p := v.pools.Pool(id)
	if asset.IsStable {
		return v.tokenToUsdMin(op, id, p.PoolAmount)
	}

	guaranteed, err := v.usdToTokenMin(op, id, p.GuaranteedUsd)
	if err != nil {
		return nil, err
	}
	collateral := new(big.Int).Add(guaranteed, p.PoolAmount)
	collateral = fpmath.SubFloor(collateral, p.ReservedAmount)
	return v.tokenToUsdMin(op, id, collateral)
}
