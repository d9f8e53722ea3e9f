package state

import (
	fpmath "PerpVault/internal/math"
	"fmt"
	"math/big"
)

const (
	MaxFeeBasisPoints     = 500 // 5%
	MaxFundingRateFactor  = 10_000
	MinFundingInterval    = 3600 // one hour, in seconds
	MinLeverage           = 10_000
	DefaultMaxLeverage    = 50 * 10_000
	DefaultFundingPeriod  = 8 * 3600
	defaultLiquidationUsd = 5
	maxLiquidationUsd     = 100
)

// MaxLiquidationFeeUsd bounds LiquidationFeeUsd (100 USD at 1e30).
var MaxLiquidationFeeUsd = new(big.Int).Mul(big.NewInt(maxLiquidationUsd), fpmath.PricePrecision)

// VaultParams holds the governance-set risk and fee parameters
type VaultParams struct {
	TaxBasisPoints           int64    `json:"tax_basis_points"`
	StableTaxBasisPoints     int64    `json:"stable_tax_basis_points"`
	MintBurnFeeBasisPoints   int64    `json:"mint_burn_fee_basis_points"`
	SwapFeeBasisPoints       int64    `json:"swap_fee_basis_points"`
	StableSwapFeeBasisPoints int64    `json:"stable_swap_fee_basis_points"`
	MarginFeeBasisPoints     int64    `json:"margin_fee_basis_points"`
	LiquidationFeeUsd        *big.Int `json:"liquidation_fee_usd"` // 1e30
	MinProfitTime            int64    `json:"min_profit_time"`     // seconds
	HasDynamicFees           bool     `json:"has_dynamic_fees"`

	FundingInterval         int64 `json:"funding_interval"` // seconds
	FundingRateFactor       int64 `json:"funding_rate_factor"`
	StableFundingRateFactor int64 `json:"stable_funding_rate_factor"`

	MaxLeverage              int64    `json:"max_leverage"` // basis points, 50x = 500000
	IsSwapEnabled            bool     `json:"is_swap_enabled"`
	IsLeverageEnabled        bool     `json:"is_leverage_enabled"`
	InManagerMode            bool     `json:"in_manager_mode"`
	InPrivateLiquidationMode bool     `json:"in_private_liquidation_mode"`
	MaxGasPrice              *big.Int `json:"max_gas_price,omitempty"` // nil or 0 disables the check
}

// DefaultVaultParams returns launch parameters
func DefaultVaultParams() VaultParams {
	return VaultParams{
		TaxBasisPoints:           50,
		StableTaxBasisPoints:     20,
		MintBurnFeeBasisPoints:   30,
		SwapFeeBasisPoints:       30,
		StableSwapFeeBasisPoints: 4,
		MarginFeeBasisPoints:     10,
		LiquidationFeeUsd:        new(big.Int).Mul(big.NewInt(defaultLiquidationUsd), fpmath.PricePrecision),
		MinProfitTime:            0,
		HasDynamicFees:           false,
		FundingInterval:          DefaultFundingPeriod,
		FundingRateFactor:        100,
		StableFundingRateFactor:  100,
		MaxLeverage:              DefaultMaxLeverage,
		IsSwapEnabled:            true,
		IsLeverageEnabled:        true,
	}
}

// Clone deep-copies the params
func (p VaultParams) Clone() VaultParams {
	out := p
	out.LiquidationFeeUsd = fpmath.Clone(p.LiquidationFeeUsd)
	if p.MaxGasPrice != nil {
		out.MaxGasPrice = new(big.Int).Set(p.MaxGasPrice)
	}
	return out
}

// ValidateFees checks fee parameters are within bounds.
func ValidateFees(p VaultParams) error {
	fees := []struct {
		name string
		bps  int64
	}{
		{"tax_basis_points", p.TaxBasisPoints},
		{"stable_tax_basis_points", p.StableTaxBasisPoints},
		{"mint_burn_fee_basis_points", p.MintBurnFeeBasisPoints},
		{"swap_fee_basis_points", p.SwapFeeBasisPoints},
		{"stable_swap_fee_basis_points", p.StableSwapFeeBasisPoints},
		{"margin_fee_basis_points", p.MarginFeeBasisPoints},
	}
	for _, f := range fees {
		if f.bps < 0 || f.bps > MaxFeeBasisPoints {
			return fmt.Errorf("%w: %s must be in [0, %d], got %d", ErrInvalidFees, f.name, MaxFeeBasisPoints, f.bps)
		}
	}
	if p.LiquidationFeeUsd == nil || p.LiquidationFeeUsd.Sign() < 0 || p.LiquidationFeeUsd.Cmp(MaxLiquidationFeeUsd) > 0 {
		return fmt.Errorf("%w: liquidation_fee_usd must be in [0, 100 USD]", ErrInvalidLiquidationFee)
	}
	if p.MinProfitTime < 0 {
		return fmt.Errorf("%w: min_profit_time must be >= 0, got %d", ErrInvalidFees, p.MinProfitTime)
	}
	return nil
}

// ValidateFundingParams checks the funding interval and rate factors.
func ValidateFundingParams(p VaultParams) error {
	if p.FundingInterval < MinFundingInterval || p.FundingInterval%MinFundingInterval != 0 {
		return fmt.Errorf("%w: must be a positive multiple of 1h, got %ds", ErrInvalidFundingInterval, p.FundingInterval)
	}
	if p.FundingRateFactor < 0 || p.FundingRateFactor > MaxFundingRateFactor {
		return fmt.Errorf("%w: funding_rate_factor=%d", ErrInvalidFundingRateFactor, p.FundingRateFactor)
	}
	if p.StableFundingRateFactor < 0 || p.StableFundingRateFactor > MaxFundingRateFactor {
		return fmt.Errorf("%w: stable_funding_rate_factor=%d", ErrInvalidFundingRateFactor, p.StableFundingRateFactor)
	}
	return nil
}

// ValidateVaultParams checks every parameter group.
func ValidateVaultParams(p VaultParams) error {
	if err := ValidateFees(p); err != nil {
		return err
	}
	if err := ValidateFundingParams(p); err != nil {
		return err
	}
	if p.MaxLeverage <= MinLeverage {
		return fmt.Errorf("%w: must be > %d, got %d", ErrInvalidMaxLeverage, MinLeverage, p.MaxLeverage)
	}
	if p.MaxGasPrice != nil && p.MaxGasPrice.Sign() < 0 {
		return fmt.Errorf("%w: max_gas_price must be >= 0", ErrInvalidFees)
	}
	return nil
}
