// internal/event/position.go
package event

import "math/big"

// PositionRef identifies the position an event is about
type PositionRef struct {
	Key             string `json:"key"`
	Account         string `json:"account"`
	CollateralAsset string `json:"collateral_asset"`
	IndexAsset      string `json:"index_asset"`
	IsLong          bool   `json:"is_long"`
}

// PositionState is the post-operation state of a position
type PositionState struct {
	Size             *big.Int `json:"size"`
	Collateral       *big.Int `json:"collateral"`
	AveragePrice     *big.Int `json:"average_price"`
	EntryFundingRate *big.Int `json:"entry_funding_rate"`
	ReserveAmount    *big.Int `json:"reserve_amount"`
	RealisedPnl      *big.Int `json:"realised_pnl"`
}

// IncreasePosition is emitted after collateral or size is added.
type IncreasePosition struct {
	PositionRef
	CollateralDelta *big.Int      `json:"collateral_delta"` // USD added to collateral
	AmountIn        *big.Int      `json:"amount_in"`        // collateral-asset tokens deposited
	SizeDelta       *big.Int      `json:"size_delta"`
	Price           *big.Int      `json:"price"`
	Fee             *big.Int      `json:"fee"` // USD
	ReserveDelta    *big.Int      `json:"reserve_delta"`
	Post            PositionState `json:"post"`
	Timestamp       int64         `json:"timestamp"`
}

func (e *IncreasePosition) EventType() EventType { return EventTypeIncreasePosition }
func (e *IncreasePosition) AssetID() string      { return e.IndexAsset }

// DecreasePosition is emitted after collateral or size is removed.
type DecreasePosition struct {
	PositionRef
	CollateralDelta *big.Int      `json:"collateral_delta"`
	SizeDelta       *big.Int      `json:"size_delta"`
	Price           *big.Int      `json:"price"`
	Fee             *big.Int      `json:"fee"`
	PnlDelta        *big.Int      `json:"pnl_delta"` // signed, realised on this decrease
	UsdOut          *big.Int      `json:"usd_out"`
	AmountOut       *big.Int      `json:"amount_out"` // collateral-asset tokens paid to receiver
	Receiver        string        `json:"receiver"`
	ReserveDelta    *big.Int      `json:"reserve_delta"`
	Post            PositionState `json:"post"`
	Timestamp       int64         `json:"timestamp"`
}

func (e *DecreasePosition) EventType() EventType { return EventTypeDecreasePosition }
func (e *DecreasePosition) AssetID() string      { return e.IndexAsset }

// LiquidatePosition is emitted when a position is force-closed. Soft
// liquidations (max leverage exceeded) pay the remaining collateral to the
// account.
type LiquidatePosition struct {
	PositionRef
	Size              *big.Int `json:"size"`
	Collateral        *big.Int `json:"collateral"`
	ReserveAmount     *big.Int `json:"reserve_amount"`
	PnlDelta          *big.Int `json:"pnl_delta"`
	MarkPrice         *big.Int `json:"mark_price"`
	MarginFee         *big.Int `json:"margin_fee"`
	Liquidator        string   `json:"liquidator"`
	FeeReceiver       string   `json:"fee_receiver"`
	LiquidationFeeUsd *big.Int `json:"liquidation_fee_usd"`
	LiquidationFee    *big.Int `json:"liquidation_fee"` // collateral-asset tokens
	Soft              bool     `json:"soft"`
	Timestamp         int64    `json:"timestamp"`
}

func (e *LiquidatePosition) EventType() EventType { return EventTypeLiquidatePosition }
func (e *LiquidatePosition) AssetID() string      { return e.IndexAsset }

// ClosePosition is emitted when a position's slot is zeroed.
type ClosePosition struct {
	PositionRef
	Final     PositionState `json:"final"`
	Timestamp int64         `json:"timestamp"`
}

func (e *ClosePosition) EventType() EventType { return EventTypeClosePosition }
func (e *ClosePosition) AssetID() string      { return e.IndexAsset }
