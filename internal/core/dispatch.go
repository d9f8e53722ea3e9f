package core

import (
	"PerpVault/internal/command"
	"PerpVault/internal/governance"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
	"context"
	"fmt"
)

// dispatch applies one command. Vault commands are authorized by the vault
// itself; the rest are checked here against the same permission registry.
func (p *Processor) dispatch(ctx context.Context, cmd command.Command, res *Result) error {
	caller := cmd.Caller()

	switch c := cmd.(type) {
	// --- Pool ---
	case *command.BuyStableUnit:
		out, err := p.vault.BuyStableUnit(ctx, vault.BuyStableUnitRequest{
			Caller: caller, Asset: c.Asset, AmountIn: c.AmountIn, Receiver: c.Receiver, GasPrice: c.GasPrice,
		})
		res.Amount = out
		return err

	case *command.SellStableUnit:
		out, err := p.vault.SellStableUnit(ctx, vault.SellStableUnitRequest{
			Caller: caller, Asset: c.Asset, StableAmount: c.StableAmount, Receiver: c.Receiver, GasPrice: c.GasPrice,
		})
		res.Amount = out
		return err

	case *command.Swap:
		out, err := p.vault.Swap(ctx, vault.SwapRequest{
			Caller:   caller,
			AssetIn:  c.AssetIn,
			AssetOut: c.AssetOut,
			AmountIn: c.AmountIn,
			Receiver: c.Receiver,
			GasPrice: c.GasPrice,
		})
		res.Amount = out
		return err

	case *command.DirectDeposit:
		return p.vault.DirectDeposit(ctx, vault.DirectDepositRequest{
			Caller: caller, Asset: c.Asset, Amount: c.Amount, GasPrice: c.GasPrice,
		})

	case *command.WithdrawFees:
		out, err := p.vault.WithdrawFees(ctx, caller, c.Asset, c.Receiver)
		res.Amount = out
		return err

	case *command.UpdateFunding:
		return p.vault.UpdateFunding(ctx, c.Asset)

	// --- Positions ---
	case *command.IncreasePosition:
		return p.vault.IncreasePosition(ctx, vault.IncreasePositionRequest{
			Caller:          caller,
			Account:         c.Account,
			CollateralAsset: c.CollateralAsset,
			IndexAsset:      c.IndexAsset,
			AmountIn:        c.AmountIn,
			SizeDelta:       c.SizeDelta,
			IsLong:          c.IsLong,
			GasPrice:        c.GasPrice,
		})

	case *command.DecreasePosition:
		out, err := p.vault.DecreasePosition(ctx, vault.DecreasePositionRequest{
			Caller:          caller,
			Account:         c.Account,
			CollateralAsset: c.CollateralAsset,
			IndexAsset:      c.IndexAsset,
			CollateralDelta: c.CollateralDelta,
			SizeDelta:       c.SizeDelta,
			IsLong:          c.IsLong,
			Receiver:        c.Receiver,
			GasPrice:        c.GasPrice,
		})
		res.Decrease = out
		if out != nil {
			res.Amount = out.AmountOut
		}
		return err

	case *command.LiquidatePosition:
		return p.vault.LiquidatePosition(ctx, vault.LiquidatePositionRequest{
			Caller:          caller,
			Account:         c.Account,
			CollateralAsset: c.CollateralAsset,
			IndexAsset:      c.IndexAsset,
			IsLong:          c.IsLong,
			FeeReceiver:     c.FeeReceiver,
			GasPrice:        c.GasPrice,
		})

	// --- Oracle & custody ---
	case *command.SetPrice:
		if err := p.requireOperator(caller); err != nil {
			return err
		}
		if err := p.feed.SetPrice(c.Asset, c.Price, c.Timestamp()); err != nil {
			return err
		}
		if c.ReferencePrice != nil {
			if err := p.feed.SetReference(c.Asset, c.ReferencePrice); err != nil {
				return err
			}
		}
		if c.SpreadBps != nil {
			return p.feed.SetSpread(c.Asset, *c.SpreadBps)
		}
		return nil

	case *command.Deposit:
		if err := p.requireOperator(caller); err != nil {
			return err
		}
		res.Amount = c.Amount
		return p.tokens.Deposit(ctx, c.Holder, c.Asset, c.Amount)

	case *command.Withdraw:
		res.Amount = c.Amount
		return p.tokens.Withdraw(ctx, caller, c.Asset, c.Amount)

	// --- Governance ---
	case *command.SetAssetConfig:
		return p.vault.SetAssetConfig(ctx, caller, c.Asset)

	case *command.ClearAsset:
		return p.vault.ClearAsset(ctx, caller, c.Asset)

	case *command.SetFees:
		return p.vault.UpdateParams(ctx, caller, c.Apply)

	case *command.SetFundingRate:
		return p.vault.SetFundingRate(ctx, caller, c.FundingInterval, c.FundingRateFactor, c.StableFundingRateFactor)

	case *command.SetFlags:
		return p.vault.UpdateParams(ctx, caller, c.Apply)

	case *command.SetMaxGasPrice:
		return p.vault.SetMaxGasPrice(ctx, caller, c.MaxGasPrice)

	case *command.SetBufferAmount:
		return p.vault.SetBufferAmount(ctx, caller, c.Asset, c.Amount)

	case *command.GrantPermission:
		perm, err := p.permissionFor(caller, c.Identity, c.Permission)
		if err != nil {
			return err
		}
		p.perms.Grant(c.Identity, perm)
		return nil

	case *command.RevokePermission:
		perm, err := p.permissionFor(caller, c.Identity, c.Permission)
		if err != nil {
			return err
		}
		p.perms.Revoke(c.Identity, perm)
		return nil

	case *command.ApproveRouter:
		if c.Router == "" {
			return fmt.Errorf("%w: empty router", state.ErrInvalidAmount)
		}
		if c.Approved {
			p.perms.ApproveRouter(caller, c.Router)
		} else {
			p.perms.DenyRouter(caller, c.Router)
		}
		return nil

	default:
		return fmt.Errorf("unsupported command type %s", cmd.CommandType())
	}
}

// requireOperator admits handlers and governors.
func (p *Processor) requireOperator(caller string) error {
	if p.perms.IsHandler(caller) || p.perms.IsGovernor(caller) {
		return nil
	}
	return fmt.Errorf("%w: %s is not an operator", state.ErrUnauthorized, caller)
}

func (p *Processor) permissionFor(caller, identity, name string) (governance.Permission, error) {
	if !p.perms.IsGovernor(caller) {
		return 0, fmt.Errorf("%w: %s is not governor", state.ErrUnauthorized, caller)
	}
	if identity == "" {
		return 0, fmt.Errorf("%w: empty identity", state.ErrInvalidAmount)
	}
	return governance.ParsePermissions(name)
}
