package event

import "math/big"

// PoolTotals is a pool's state after an operation
type PoolTotals struct {
	PoolAmount     *big.Int `json:"pool_amount"`
	ReservedAmount *big.Int `json:"reserved_amount"`
	FeeReserves    *big.Int `json:"fee_reserves"`
	StableUnitDebt *big.Int `json:"stable_unit_debt"`
}

// BuyStableUnit is emitted after stable units are minted against an asset.
type BuyStableUnit struct {
	Receiver       string     `json:"receiver"`
	Asset          string     `json:"asset"`
	AmountIn       *big.Int   `json:"amount_in"`
	Price          *big.Int   `json:"price"`
	FeeBasisPoints int64      `json:"fee_basis_points"`
	FeeAmount      *big.Int   `json:"fee_amount"`
	StableAmount   *big.Int   `json:"stable_amount"`
	StableSupply   *big.Int   `json:"stable_supply"`
	Pool           PoolTotals `json:"pool"`
	Timestamp      int64      `json:"timestamp"`
}

func (e *BuyStableUnit) EventType() EventType { return EventTypeBuyStableUnit }
func (e *BuyStableUnit) AssetID() string      { return e.Asset }

// SellStableUnit is emitted after stable units are redeemed for an asset.
type SellStableUnit struct {
	Receiver       string     `json:"receiver"`
	Asset          string     `json:"asset"`
	StableAmount   *big.Int   `json:"stable_amount"`
	Price          *big.Int   `json:"price"`
	FeeBasisPoints int64      `json:"fee_basis_points"`
	FeeAmount      *big.Int   `json:"fee_amount"`
	AmountOut      *big.Int   `json:"amount_out"`
	StableSupply   *big.Int   `json:"stable_supply"`
	Pool           PoolTotals `json:"pool"`
	Timestamp      int64      `json:"timestamp"`
}

func (e *SellStableUnit) EventType() EventType { return EventTypeSellStableUnit }
func (e *SellStableUnit) AssetID() string      { return e.Asset }

// Swap is emitted after one pool asset is exchanged for another.
type Swap struct {
	Receiver           string     `json:"receiver"`
	AssetIn            string     `json:"asset_in"`
	AssetOut           string     `json:"asset_out"`
	AmountIn           *big.Int   `json:"amount_in"`
	AmountOut          *big.Int   `json:"amount_out"`
	AmountOutAfterFees *big.Int   `json:"amount_out_after_fees"`
	PriceIn            *big.Int   `json:"price_in"`
	PriceOut           *big.Int   `json:"price_out"`
	FeeBasisPoints     int64      `json:"fee_basis_points"`
	PoolIn             PoolTotals `json:"pool_in"`
	PoolOut            PoolTotals `json:"pool_out"`
	Timestamp          int64      `json:"timestamp"`
}

func (e *Swap) EventType() EventType { return EventTypeSwap }
func (e *Swap) AssetID() string      { return e.AssetIn }

// DirectPoolDeposit is emitted when liquidity is added without minting.
type DirectPoolDeposit struct {
	Depositor  string   `json:"depositor"`
	Asset      string   `json:"asset"`
	Amount     *big.Int `json:"amount"`
	PoolAmount *big.Int `json:"pool_amount"`
	Timestamp  int64    `json:"timestamp"`
}

func (e *DirectPoolDeposit) EventType() EventType { return EventTypeDirectPoolDeposit }
func (e *DirectPoolDeposit) AssetID() string      { return e.Asset }

// FeeKind names the flow a fee was collected from
type FeeKind string

const (
	FeeKindMint        FeeKind = "mint"
	FeeKindBurn        FeeKind = "burn"
	FeeKindSwap        FeeKind = "swap"
	FeeKindMargin      FeeKind = "margin"
	FeeKindLiquidation FeeKind = "liquidation"
)

// CollectFees is emitted whenever fee reserves grow.
type CollectFees struct {
	Asset     string   `json:"asset"`
	Kind      FeeKind  `json:"kind"`
	FeeUsd    *big.Int `json:"fee_usd"`
	FeeTokens *big.Int `json:"fee_tokens"`
	Timestamp int64    `json:"timestamp"`
}

func (e *CollectFees) EventType() EventType { return EventTypeCollectFees }
func (e *CollectFees) AssetID() string      { return e.Asset }

// WithdrawFees is emitted when governance sweeps fee reserves.
type WithdrawFees struct {
	Asset     string   `json:"asset"`
	Receiver  string   `json:"receiver"`
	Amount    *big.Int `json:"amount"`
	Timestamp int64    `json:"timestamp"`
}

func (e *WithdrawFees) EventType() EventType { return EventTypeWithdrawFees }
func (e *WithdrawFees) AssetID() string      { return e.Asset }
