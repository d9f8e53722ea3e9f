package vault

import (
	"PerpVault/internal/state"
	"math/big"
)

// BuyStableUnitRequest deposits AmountIn of Asset from Caller and mints
// stable units to Receiver.
type BuyStableUnitRequest struct {
	Caller   string
	Asset    string
	AmountIn *big.Int
	Receiver string // defaults to Caller
	GasPrice *big.Int
}

// SellStableUnitRequest redeems StableAmount of Caller's stable units for
// Asset, paid to Receiver.
type SellStableUnitRequest struct {
	Caller       string
	Asset        string
	StableAmount *big.Int
	Receiver     string // defaults to Caller
	GasPrice     *big.Int
}

// SwapRequest exchanges AmountIn of AssetIn through the pool.
type SwapRequest struct {
	Caller   string
	AssetIn  string
	AssetOut string
	AmountIn *big.Int
	Receiver string // defaults to Caller
	GasPrice *big.Int
}

// DirectDepositRequest seeds pool liquidity without minting.
type DirectDepositRequest struct {
	Caller   string
	Asset    string
	Amount   *big.Int
	GasPrice *big.Int
}

// IncreasePositionRequest opens or grows a position. AmountIn is the
// collateral deposit in CollateralAsset units and may be zero when only
// size is added.
type IncreasePositionRequest struct {
	Caller          string
	Account         string
	CollateralAsset string
	IndexAsset      string
	AmountIn        *big.Int
	SizeDelta       *big.Int // USD 1e30
	IsLong          bool
	GasPrice        *big.Int
}

func (r IncreasePositionRequest) key() state.PositionKey {
	return state.PositionKey{
		Account:         r.Account,
		CollateralAsset: r.CollateralAsset,
		IndexAsset:      r.IndexAsset,
		IsLong:          r.IsLong,
	}
}

// DecreasePositionRequest shrinks or closes a position. Both deltas are
// USD 1e30.
type DecreasePositionRequest struct {
	Caller          string
	Account         string
	CollateralAsset string
	IndexAsset      string
	CollateralDelta *big.Int
	SizeDelta       *big.Int
	IsLong          bool
	Receiver        string
	GasPrice        *big.Int
}

func (r DecreasePositionRequest) key() state.PositionKey {
	return state.PositionKey{
		Account:         r.Account,
		CollateralAsset: r.CollateralAsset,
		IndexAsset:      r.IndexAsset,
		IsLong:          r.IsLong,
	}
}

// DecreaseResult is what a decrease paid out
type DecreaseResult struct {
	UsdOut         *big.Int // before the margin fee
	UsdOutAfterFee *big.Int
	AmountOut      *big.Int // collateral-asset units released to the receiver
}

// LiquidatePositionRequest force-closes an undercollateralised position.
type LiquidatePositionRequest struct {
	Caller          string
	Account         string
	CollateralAsset string
	IndexAsset      string
	IsLong          bool
	FeeReceiver     string
	GasPrice        *big.Int
}

func (r LiquidatePositionRequest) key() state.PositionKey {
	return state.PositionKey{
		Account:         r.Account,
		CollateralAsset: r.CollateralAsset,
		IndexAsset:      r.IndexAsset,
		IsLong:          r.IsLong,
	}
}
