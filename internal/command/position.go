// internal/command/position.go
package command

import "math/big"

// IncreasePosition opens or grows a position. SizeDelta is USD at 1e30.
type IncreasePosition struct {
	Meta
	Account         string   `json:"account"`
	CollateralAsset string   `json:"collateral_asset"`
	IndexAsset      string   `json:"index_asset"`
	AmountIn        *big.Int `json:"amount_in"`
	SizeDelta       *big.Int `json:"size_delta"`
	IsLong          bool     `json:"is_long"`
	GasPrice        *big.Int `json:"gas_price,omitempty"`
}

func (c *IncreasePosition) CommandType() Type { return TypeIncreasePosition }

// DecreasePosition shrinks or closes a position. Both deltas are USD at 1e30.
type DecreasePosition struct {
	Meta
	Account         string   `json:"account"`
	CollateralAsset string   `json:"collateral_asset"`
	IndexAsset      string   `json:"index_asset"`
	CollateralDelta *big.Int `json:"collateral_delta"`
	SizeDelta       *big.Int `json:"size_delta"`
	IsLong          bool     `json:"is_long"`
	Receiver        string   `json:"receiver,omitempty"`
	GasPrice        *big.Int `json:"gas_price,omitempty"`
}

func (c *DecreasePosition) CommandType() Type { return TypeDecreasePosition }

type LiquidatePosition struct {
	Meta
	Account         string   `json:"account"`
	CollateralAsset string   `json:"collateral_asset"`
	IndexAsset      string   `json:"index_asset"`
	IsLong          bool     `json:"is_long"`
	FeeReceiver     string   `json:"fee_receiver,omitempty"`
	GasPrice        *big.Int `json:"gas_price,omitempty"`
}

func (c *LiquidatePosition) CommandType() Type { return TypeLiquidatePosition }
