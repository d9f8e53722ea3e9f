package vault

import (
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"context"
	"fmt"
	"math/big"
)

// SetAssetConfig whitelists an asset or replaces its config. The stable
// unit itself can never be a pool asset.
func (v *Vault) SetAssetConfig(ctx context.Context, caller string, asset state.Asset) error {
	return v.govern(ctx, "set_asset_config", caller, func(op *operation) error {
		if asset.ID == v.stableAsset {
			return fmt.Errorf("%w: %s is the stable unit", state.ErrInvalidAssetConfig, asset.ID)
		}
		return v.pools.SetAsset(&asset)
	})
}

// ClearAsset removes an asset whose pool is empty.
func (v *Vault) ClearAsset(ctx context.Context, caller, asset string) error {
	return v.govern(ctx, "clear_asset", caller, func(op *operation) error {
		return v.pools.ClearAsset(asset)
	})
}

// SetParams replaces every vault parameter.
func (v *Vault) SetParams(ctx context.Context, caller string, params state.VaultParams) error {
	return v.govern(ctx, "set_params", caller, func(op *operation) error {
		return v.s.SetParams(params)
	})
}

// UpdateParams applies fn to a copy of the current parameters and installs
// the result if it validates.
func (v *Vault) UpdateParams(ctx context.Context, caller string, fn func(p *state.VaultParams)) error {
	return v.govern(ctx, "update_params", caller, func(op *operation) error {
		next := v.s.Params.Clone()
		fn(&next)
		return v.s.SetParams(next)
	})
}

// SetFundingRate changes the funding interval and rate factors. Assets
// accrue at the new rate from their next update.
func (v *Vault) SetFundingRate(ctx context.Context, caller string, interval, factor, stableFactor int64) error {
	return v.UpdateParams(ctx, caller, func(p *state.VaultParams) {
		p.FundingInterval = interval
		p.FundingRateFactor = factor
		p.StableFundingRateFactor = stableFactor
	})
}

// SetMaxGasPrice sets the gas price ceiling; zero disables it.
func (v *Vault) SetMaxGasPrice(ctx context.Context, caller string, maxGasPrice *big.Int) error {
	return v.UpdateParams(ctx, caller, func(p *state.VaultParams) {
		p.MaxGasPrice = fpmath.Clone(maxGasPrice)
	})
}

// SetBufferAmount sets an asset's untouchable pool minimum.
func (v *Vault) SetBufferAmount(ctx context.Context, caller, asset string, amount *big.Int) error {
	return v.govern(ctx, "set_buffer_amount", caller, func(op *operation) error {
		if amount == nil {
			return fmt.Errorf("%w: nil buffer", state.ErrInvalidAssetConfig)
		}
		return v.pools.SetBufferAmount(asset, amount)
	})
}

func (v *Vault) govern(ctx context.Context, name, caller string, fn func(op *operation) error) error {
	if err := v.guard(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	_, err := v.execute(ctx, name, func(op *operation) error {
		if err := v.validateGovernor(caller); err != nil {
			return err
		}
		return fn(op)
	})
	return err
}
