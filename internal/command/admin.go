// internal/command/admin.go
package command

import (
	"PerpVault/internal/state"
	"math/big"
)

type SetAssetConfig struct {
	Meta
	Asset state.Asset `json:"asset"`
}

func (c *SetAssetConfig) CommandType() Type { return TypeSetAssetConfig }

type ClearAsset struct {
	Meta
	Asset string `json:"asset"`
}

func (c *ClearAsset) CommandType() Type { return TypeClearAsset }

// SetFees replaces the whole fee schedule.
type SetFees struct {
	Meta
	TaxBasisPoints           int64    `json:"tax_basis_points"`
	StableTaxBasisPoints     int64    `json:"stable_tax_basis_points"`
	MintBurnFeeBasisPoints   int64    `json:"mint_burn_fee_basis_points"`
	SwapFeeBasisPoints       int64    `json:"swap_fee_basis_points"`
	StableSwapFeeBasisPoints int64    `json:"stable_swap_fee_basis_points"`
	MarginFeeBasisPoints     int64    `json:"margin_fee_basis_points"`
	LiquidationFeeUsd        *big.Int `json:"liquidation_fee_usd"`
	MinProfitTime            int64    `json:"min_profit_time"`
	HasDynamicFees           bool     `json:"has_dynamic_fees"`
}

func (c *SetFees) CommandType() Type { return TypeSetFees }

// Apply copies the schedule into p.
func (c *SetFees) Apply(p *state.VaultParams) {
	p.TaxBasisPoints = c.TaxBasisPoints
	p.StableTaxBasisPoints = c.StableTaxBasisPoints
	p.MintBurnFeeBasisPoints = c.MintBurnFeeBasisPoints
	p.SwapFeeBasisPoints = c.SwapFeeBasisPoints
	p.StableSwapFeeBasisPoints = c.StableSwapFeeBasisPoints
	p.MarginFeeBasisPoints = c.MarginFeeBasisPoints
	if c.LiquidationFeeUsd != nil {
		p.LiquidationFeeUsd = new(big.Int).Set(c.LiquidationFeeUsd)
	}
	p.MinProfitTime = c.MinProfitTime
	p.HasDynamicFees = c.HasDynamicFees
}

type SetFundingRate struct {
	Meta
	FundingInterval         int64 `json:"funding_interval"`
	FundingRateFactor       int64 `json:"funding_rate_factor"`
	StableFundingRateFactor int64 `json:"stable_funding_rate_factor"`
}

func (c *SetFundingRate) CommandType() Type { return TypeSetFundingRate }

// SetFlags toggles vault switches; nil fields are left alone.
type SetFlags struct {
	Meta
	IsSwapEnabled            *bool  `json:"is_swap_enabled,omitempty"`
	IsLeverageEnabled        *bool  `json:"is_leverage_enabled,omitempty"`
	InManagerMode            *bool  `json:"in_manager_mode,omitempty"`
	InPrivateLiquidationMode *bool  `json:"in_private_liquidation_mode,omitempty"`
	MaxLeverage              *int64 `json:"max_leverage,omitempty"`
}

func (c *SetFlags) CommandType() Type { return TypeSetFlags }

// Apply sets every non-nil flag on p.
func (c *SetFlags) Apply(p *state.VaultParams) {
	if c.IsSwapEnabled != nil {
		p.IsSwapEnabled = *c.IsSwapEnabled
	}
	if c.IsLeverageEnabled != nil {
		p.IsLeverageEnabled = *c.IsLeverageEnabled
	}
	if c.InManagerMode != nil {
		p.InManagerMode = *c.InManagerMode
	}
	if c.InPrivateLiquidationMode != nil {
		p.InPrivateLiquidationMode = *c.InPrivateLiquidationMode
	}
	if c.MaxLeverage != nil {
		p.MaxLeverage = *c.MaxLeverage
	}
}

type SetMaxGasPrice struct {
	Meta
	MaxGasPrice *big.Int `json:"max_gas_price"`
}

func (c *SetMaxGasPrice) CommandType() Type { return TypeSetMaxGasPrice }

type SetBufferAmount struct {
	Meta
	Asset  string   `json:"asset"`
	Amount *big.Int `json:"amount"`
}

func (c *SetBufferAmount) CommandType() Type { return TypeSetBufferAmount }

type GrantPermission struct {
	Meta
	Identity   string `json:"identity"`
	Permission string `json:"permission"`
}

func (c *GrantPermission) CommandType() Type { return TypeGrantPermission }

type RevokePermission struct {
	Meta
	Identity   string `json:"identity"`
	Permission string `json:"permission"`
}

func (c *RevokePermission) CommandType() Type { return TypeRevokePermission }

// ApproveRouter lets (or stops) Router act for the caller's account.
type ApproveRouter struct {
	Meta
	Router   string `json:"router"`
	Approved bool   `json:"approved"`
}

func (c *ApproveRouter) CommandType() Type { return TypeApproveRouter }
