package ingestion

import (
	"PerpVault/internal/command"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// ParseRawCommand converts a NATS message into a typed command. The command
// type comes from the subject.
func ParseRawCommand(raw RawCommand) (command.Command, error) {
	t, err := command.ParseType(raw.CommandType())
	if err != nil {
		return nil, err
	}
	return ParseCommand(t, raw.Data, raw.ReceivedAt)
}

// ParseCommand decodes a wire payload. Token amounts are integer strings in
// base units; USD amounts and prices are decimal strings; stable amounts are
// decimal strings in whole units. A payload without timestamp_us is stamped
// with receivedAt, which makes it a versioned input from here on.
func ParseCommand(t command.Type, data []byte, receivedAt time.Time) (command.Command, error) {
	switch t {
	case command.TypeBuyStableUnit:
		return parseBuyStableUnit(data, receivedAt)
	case command.TypeSellStableUnit:
		return parseSellStableUnit(data, receivedAt)
	case command.TypeSwap:
		return parseSwap(data, receivedAt)
	case command.TypeDirectDeposit:
		return parseDirectDeposit(data, receivedAt)
	case command.TypeIncreasePosition:
		return parseIncreasePosition(data, receivedAt)
	case command.TypeDecreasePosition:
		return parseDecreasePosition(data, receivedAt)
	case command.TypeLiquidatePosition:
		return parseLiquidatePosition(data, receivedAt)
	case command.TypeUpdateFunding:
		return parseUpdateFunding(data, receivedAt)
	case command.TypeSetPrice:
		return parseSetPrice(data, receivedAt)
	case command.TypeDeposit:
		return parseDeposit(data, receivedAt)
	case command.TypeWithdraw:
		return parseWithdraw(data, receivedAt)
	case command.TypeWithdrawFees:
		return parseWithdrawFees(data, receivedAt)
	case command.TypeSetAssetConfig:
		return parseSetAssetConfig(data, receivedAt)
	case command.TypeClearAsset:
		return parseClearAsset(data, receivedAt)
	case command.TypeSetFees:
		return parseSetFees(data, receivedAt)
	case command.TypeSetFundingRate:
		return parseSetFundingRate(data, receivedAt)
	case command.TypeSetFlags:
		return parseSetFlags(data, receivedAt)
	case command.TypeSetMaxGasPrice:
		return parseSetMaxGasPrice(data, receivedAt)
	case command.TypeSetBufferAmount:
		return parseSetBufferAmount(data, receivedAt)
	case command.TypeGrantPermission:
		return parsePermission(data, receivedAt, true)
	case command.TypeRevokePermission:
		return parsePermission(data, receivedAt, false)
	case command.TypeApproveRouter:
		return parseApproveRouter(data, receivedAt)
	default:
		return nil, fmt.Errorf("unknown command type: %s", t)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type metaJSON struct {
	CommandID   string `json:"command_id"`
	Caller      string `json:"caller"`
	Source      string `json:"source"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (j metaJSON) meta(receivedAt time.Time) (command.Meta, error) {
	if j.Caller == "" {
		return command.Meta{}, fmt.Errorf("missing caller")
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return command.Meta{}, fmt.Errorf("parse command_id: %w", err)
	}
	ts := receivedAt
	if j.TimestampUs != 0 {
		ts = time.UnixMicro(j.TimestampUs)
	}
	return command.Meta{
		ID:       id,
		Source:   j.Source,
		Sequence: j.Sequence,
		IssuedAt: ts.UTC(),
		Sender:   j.Caller,
	}, nil
}

func decode(data []byte, name string, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// parseAmount parses an integer token amount in base units.
func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: %q is not an integer", field, s)
	}
	return v, nil
}

// parseOptionalAmount returns nil for an empty field.
func parseOptionalAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return parseAmount(field, s)
}

func parseUSD(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", field)
	}
	v, err := fpmath.ParseUSD(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

// --- Pool ---

type buyJSON struct {
	metaJSON
	Asset    string `json:"asset"`
	AmountIn string `json:"amount_in"`
	Receiver string `json:"receiver"`
	GasPrice string `json:"gas_price"`
}

func parseBuyStableUnit(data []byte, receivedAt time.Time) (*command.BuyStableUnit, error) {
	var j buyJSON
	if err := decode(data, "BuyStableUnit", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	amountIn, err := parseAmount("amount_in", j.AmountIn)
	if err != nil {
		return nil, err
	}
	gasPrice, err := parseOptionalAmount("gas_price", j.GasPrice)
	if err != nil {
		return nil, err
	}
	return &command.BuyStableUnit{Meta: meta, Asset: j.Asset, AmountIn: amountIn, Receiver: j.Receiver, GasPrice: gasPrice}, nil
}

type sellJSON struct {
	metaJSON
	Asset        string `json:"asset"`
	StableAmount string `json:"stable_amount"`
	Receiver     string `json:"receiver"`
	GasPrice     string `json:"gas_price"`
}

func parseSellStableUnit(data []byte, receivedAt time.Time) (*command.SellStableUnit, error) {
	var j sellJSON
	if err := decode(data, "SellStableUnit", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	if j.StableAmount == "" {
		return nil, fmt.Errorf("missing stable_amount")
	}
	amount, err := fpmath.ParseFixed(j.StableAmount, fpmath.StableUnitDecimals)
	if err != nil {
		return nil, fmt.Errorf("parse stable_amount: %w", err)
	}
	gasPrice, err := parseOptionalAmount("gas_price", j.GasPrice)
	if err != nil {
		return nil, err
	}
	return &command.SellStableUnit{Meta: meta, Asset: j.Asset, StableAmount: amount, Receiver: j.Receiver, GasPrice: gasPrice}, nil
}

type swapJSON struct {
	metaJSON
	AssetIn  string `json:"asset_in"`
	AssetOut string `json:"asset_out"`
	AmountIn string `json:"amount_in"`
	Receiver string `json:"receiver"`
	GasPrice string `json:"gas_price"`
}

func parseSwap(data []byte, receivedAt time.Time) (*command.Swap, error) {
	var j swapJSON
	if err := decode(data, "Swap", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	amountIn, err := parseAmount("amount_in", j.AmountIn)
	if err != nil {
		return nil, err
	}
	gasPrice, err := parseOptionalAmount("gas_price", j.GasPrice)
	if err != nil {
		return nil, err
	}
	return &command.Swap{
		Meta:     meta,
		AssetIn:  j.AssetIn,
		AssetOut: j.AssetOut,
		AmountIn: amountIn,
		Receiver: j.Receiver,
		GasPrice: gasPrice,
	}, nil
}

type assetAmountJSON struct {
	metaJSON
	Holder   string `json:"holder"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	GasPrice string `json:"gas_price"`
}

func parseDirectDeposit(data []byte, receivedAt time.Time) (*command.DirectDeposit, error) {
	var j assetAmountJSON
	if err := decode(data, "DirectDeposit", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	gasPrice, err := parseOptionalAmount("gas_price", j.GasPrice)
	if err != nil {
		return nil, err
	}
	return &command.DirectDeposit{Meta: meta, Asset: j.Asset, Amount: amount, GasPrice: gasPrice}, nil
}

type assetJSON struct {
	metaJSON
	Asset    string `json:"asset"`
	Receiver string `json:"receiver"`
}

func parseUpdateFunding(data []byte, receivedAt time.Time) (*command.UpdateFunding, error) {
	var j assetJSON
	if err := decode(data, "UpdateFunding", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	return &command.UpdateFunding{Meta: meta, Asset: j.Asset}, nil
}

func parseWithdrawFees(data []byte, receivedAt time.Time) (*command.WithdrawFees, error) {
	var j assetJSON
	if err := decode(data, "WithdrawFees", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	return &command.WithdrawFees{Meta: meta, Asset: j.Asset, Receiver: j.Receiver}, nil
}

// --- Positions ---

type increaseJSON struct {
	metaJSON
	Account         string `json:"account"`
	CollateralAsset string `json:"collateral_asset"`
	IndexAsset      string `json:"index_asset"`
	AmountIn        string `json:"amount_in"`
	SizeDelta       string `json:"size_delta_usd"`
	Side            string `json:"side"` // "long" or "short"
	GasPrice        string `json:"gas_price"`
}

func parseSide(s string) (bool, error) {
	switch s {
	case "long":
		return true, nil
	case "short":
		return false, nil
	default:
		return false, fmt.Errorf("parse side: %q", s)
	}
}

func parseIncreasePosition(data []byte, receivedAt time.Time) (*command.IncreasePosition, error) {
	var j increaseJSON
	if err := decode(data, "IncreasePosition", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	isLong, err := parseSide(j.Side)
	if err != nil {
		return nil, err
	}
	amountIn := big.NewInt(0)
	if j.AmountIn != "" {
		if amountIn, err = parseAmount("amount_in", j.AmountIn); err != nil {
			return nil, err
		}
	}
	sizeDelta, err := parseUSD("size_delta_usd", j.SizeDelta)
	if err != nil {
		return nil, err
	}
	gasPrice, err := parseOptionalAmount("gas_price", j.GasPrice)
	if err != nil {
		return nil, err
	}
	return &command.IncreasePosition{
		Meta:            meta,
		Account:         j.Account,
		CollateralAsset: j.CollateralAsset,
		IndexAsset:      j.IndexAsset,
		AmountIn:        amountIn,
		SizeDelta:       sizeDelta,
		IsLong:          isLong,
		GasPrice:        gasPrice,
	}, nil
}

type decreaseJSON struct {
	metaJSON
	Account         string `json:"account"`
	CollateralAsset string `json:"collateral_asset"`
	IndexAsset      string `json:"index_asset"`
	CollateralDelta string `json:"collateral_delta_usd"`
	SizeDelta       string `json:"size_delta_usd"`
	Side            string `json:"side"`
	Receiver        string `json:"receiver"`
	GasPrice        string `json:"gas_price"`
}

func parseDecreasePosition(data []byte, receivedAt time.Time) (*command.DecreasePosition, error) {
	var j decreaseJSON
	if err := decode(data, "DecreasePosition", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	isLong, err := parseSide(j.Side)
	if err != nil {
		return nil, err
	}
	collateralDelta := big.NewInt(0)
	if j.CollateralDelta != "" {
		if collateralDelta, err = parseUSD("collateral_delta_usd", j.CollateralDelta); err != nil {
			return nil, err
		}
	}
	sizeDelta := big.NewInt(0)
	if j.SizeDelta != "" {
		if sizeDelta, err = parseUSD("size_delta_usd", j.SizeDelta); err != nil {
			return nil, err
		}
	}
	gasPrice, err := parseOptionalAmount("gas_price", j.GasPrice)
	if err != nil {
		return nil, err
	}
	return &command.DecreasePosition{
		Meta:            meta,
		Account:         j.Account,
		CollateralAsset: j.CollateralAsset,
		IndexAsset:      j.IndexAsset,
		CollateralDelta: collateralDelta,
		SizeDelta:       sizeDelta,
		IsLong:          isLong,
		Receiver:        j.Receiver,
		GasPrice:        gasPrice,
	}, nil
}

type liquidateJSON struct {
	metaJSON
	Account         string `json:"account"`
	CollateralAsset string `json:"collateral_asset"`
	IndexAsset      string `json:"index_asset"`
	Side            string `json:"side"`
	FeeReceiver     string `json:"fee_receiver"`
	GasPrice        string `json:"gas_price"`
}

func parseLiquidatePosition(data []byte, receivedAt time.Time) (*command.LiquidatePosition, error) {
	var j liquidateJSON
	if err := decode(data, "LiquidatePosition", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	isLong, err := parseSide(j.Side)
	if err != nil {
		return nil, err
	}
	gasPrice, err := parseOptionalAmount("gas_price", j.GasPrice)
	if err != nil {
		return nil, err
	}
	return &command.LiquidatePosition{
		Meta:            meta,
		Account:         j.Account,
		CollateralAsset: j.CollateralAsset,
		IndexAsset:      j.IndexAsset,
		IsLong:          isLong,
		FeeReceiver:     j.FeeReceiver,
		GasPrice:        gasPrice,
	}, nil
}

// --- Oracle & custody ---

type priceJSON struct {
	metaJSON
	Asset          string `json:"asset"`
	Price          string `json:"price"`
	ReferencePrice string `json:"reference_price"`
	SpreadBps      *int64 `json:"spread_bps"`
	PriceSequence  int64  `json:"price_sequence"`
}

func parseSetPrice(data []byte, receivedAt time.Time) (*command.SetPrice, error) {
	var j priceJSON
	if err := decode(data, "SetPrice", &j); err != nil {
		return nil, err
	}
	// price updates are keyed by asset and sequence, not by id
	if j.CommandID == "" {
		j.CommandID = uuid.Nil.String()
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	price, err := parseUSD("price", j.Price)
	if err != nil {
		return nil, err
	}
	var reference *big.Int
	if j.ReferencePrice != "" {
		if reference, err = parseUSD("reference_price", j.ReferencePrice); err != nil {
			return nil, err
		}
	}
	return &command.SetPrice{
		Meta:           meta,
		Asset:          j.Asset,
		Price:          price,
		ReferencePrice: reference,
		SpreadBps:      j.SpreadBps,
		PriceSequence:  j.PriceSequence,
	}, nil
}

func parseDeposit(data []byte, receivedAt time.Time) (*command.Deposit, error) {
	var j assetAmountJSON
	if err := decode(data, "Deposit", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &command.Deposit{Meta: meta, Holder: j.Holder, Asset: j.Asset, Amount: amount}, nil
}

func parseWithdraw(data []byte, receivedAt time.Time) (*command.Withdraw, error) {
	var j assetAmountJSON
	if err := decode(data, "Withdraw", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &command.Withdraw{Meta: meta, Asset: j.Asset, Amount: amount}, nil
}

// --- Governance ---

type assetConfigJSON struct {
	metaJSON
	Asset               string `json:"asset"`
	Decimals            int    `json:"decimals"`
	Weight              int64  `json:"weight"`
	IsStable            bool   `json:"is_stable"`
	IsShortable         bool   `json:"is_shortable"`
	MinProfitBps        int64  `json:"min_profit_bps"`
	MaxStableUnitAmount string `json:"max_stable_unit_amount"`
	BufferAmount        string `json:"buffer_amount"`
}

func parseSetAssetConfig(data []byte, receivedAt time.Time) (*command.SetAssetConfig, error) {
	var j assetConfigJSON
	if err := decode(data, "SetAssetConfig", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	asset := state.Asset{
		ID:           j.Asset,
		Decimals:     j.Decimals,
		Weight:       j.Weight,
		IsStable:     j.IsStable,
		IsShortable:  j.IsShortable,
		MinProfitBps: j.MinProfitBps,
	}
	if j.MaxStableUnitAmount != "" {
		if asset.MaxStableUnitAmount, err = fpmath.ParseFixed(j.MaxStableUnitAmount, fpmath.StableUnitDecimals); err != nil {
			return nil, fmt.Errorf("parse max_stable_unit_amount: %w", err)
		}
	}
	if asset.BufferAmount, err = parseOptionalAmount("buffer_amount", j.BufferAmount); err != nil {
		return nil, err
	}
	return &command.SetAssetConfig{Meta: meta, Asset: asset}, nil
}

func parseClearAsset(data []byte, receivedAt time.Time) (*command.ClearAsset, error) {
	var j assetJSON
	if err := decode(data, "ClearAsset", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	return &command.ClearAsset{Meta: meta, Asset: j.Asset}, nil
}

type feesJSON struct {
	metaJSON
	TaxBasisPoints           int64  `json:"tax_basis_points"`
	StableTaxBasisPoints     int64  `json:"stable_tax_basis_points"`
	MintBurnFeeBasisPoints   int64  `json:"mint_burn_fee_basis_points"`
	SwapFeeBasisPoints       int64  `json:"swap_fee_basis_points"`
	StableSwapFeeBasisPoints int64  `json:"stable_swap_fee_basis_points"`
	MarginFeeBasisPoints     int64  `json:"margin_fee_basis_points"`
	LiquidationFeeUsd        string `json:"liquidation_fee_usd"`
	MinProfitTime            int64  `json:"min_profit_time"`
	HasDynamicFees           bool   `json:"has_dynamic_fees"`
}

func parseSetFees(data []byte, receivedAt time.Time) (*command.SetFees, error) {
	var j feesJSON
	if err := decode(data, "SetFees", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	liquidationFee, err := parseUSD("liquidation_fee_usd", j.LiquidationFeeUsd)
	if err != nil {
		return nil, err
	}
	return &command.SetFees{
		Meta:                     meta,
		TaxBasisPoints:           j.TaxBasisPoints,
		StableTaxBasisPoints:     j.StableTaxBasisPoints,
		MintBurnFeeBasisPoints:   j.MintBurnFeeBasisPoints,
		SwapFeeBasisPoints:       j.SwapFeeBasisPoints,
		StableSwapFeeBasisPoints: j.StableSwapFeeBasisPoints,
		MarginFeeBasisPoints:     j.MarginFeeBasisPoints,
		LiquidationFeeUsd:        liquidationFee,
		MinProfitTime:            j.MinProfitTime,
		HasDynamicFees:           j.HasDynamicFees,
	}, nil
}

type fundingRateJSON struct {
	metaJSON
	FundingInterval         int64 `json:"funding_interval"`
	FundingRateFactor       int64 `json:"funding_rate_factor"`
	StableFundingRateFactor int64 `json:"stable_funding_rate_factor"`
}

func parseSetFundingRate(data []byte, receivedAt time.Time) (*command.SetFundingRate, error) {
	var j fundingRateJSON
	if err := decode(data, "SetFundingRate", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	return &command.SetFundingRate{
		Meta:                    meta,
		FundingInterval:         j.FundingInterval,
		FundingRateFactor:       j.FundingRateFactor,
		StableFundingRateFactor: j.StableFundingRateFactor,
	}, nil
}

type flagsJSON struct {
	metaJSON
	IsSwapEnabled            *bool  `json:"is_swap_enabled"`
	IsLeverageEnabled        *bool  `json:"is_leverage_enabled"`
	InManagerMode            *bool  `json:"in_manager_mode"`
	InPrivateLiquidationMode *bool  `json:"in_private_liquidation_mode"`
	MaxLeverage              *int64 `json:"max_leverage"`
}

func parseSetFlags(data []byte, receivedAt time.Time) (*command.SetFlags, error) {
	var j flagsJSON
	if err := decode(data, "SetFlags", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	return &command.SetFlags{
		Meta:                     meta,
		IsSwapEnabled:            j.IsSwapEnabled,
		IsLeverageEnabled:        j.IsLeverageEnabled,
		InManagerMode:            j.InManagerMode,
		InPrivateLiquidationMode: j.InPrivateLiquidationMode,
		MaxLeverage:              j.MaxLeverage,
	}, nil
}

type gasPriceJSON struct {
	metaJSON
	MaxGasPrice string `json:"max_gas_price"`
}

func parseSetMaxGasPrice(data []byte, receivedAt time.Time) (*command.SetMaxGasPrice, error) {
	var j gasPriceJSON
	if err := decode(data, "SetMaxGasPrice", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	maxGasPrice, err := parseAmount("max_gas_price", j.MaxGasPrice)
	if err != nil {
		return nil, err
	}
	return &command.SetMaxGasPrice{Meta: meta, MaxGasPrice: maxGasPrice}, nil
}

func parseSetBufferAmount(data []byte, receivedAt time.Time) (*command.SetBufferAmount, error) {
	var j assetAmountJSON
	if err := decode(data, "SetBufferAmount", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &command.SetBufferAmount{Meta: meta, Asset: j.Asset, Amount: amount}, nil
}

type permissionJSON struct {
	metaJSON
	Identity   string `json:"identity"`
	Permission string `json:"permission"`
}

func parsePermission(data []byte, receivedAt time.Time, grant bool) (command.Command, error) {
	var j permissionJSON
	if err := decode(data, "Permission", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	if grant {
		return &command.GrantPermission{Meta: meta, Identity: j.Identity, Permission: j.Permission}, nil
	}
	return &command.RevokePermission{Meta: meta, Identity: j.Identity, Permission: j.Permission}, nil
}

type routerJSON struct {
	metaJSON
	Router   string `json:"router"`
	Approved bool   `json:"approved"`
}

func parseApproveRouter(data []byte, receivedAt time.Time) (*command.ApproveRouter, error) {
	var j routerJSON
	if err := decode(data, "ApproveRouter", &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(receivedAt)
	if err != nil {
		return nil, err
	}
	return &command.ApproveRouter{Meta: meta, Router: j.Router, Approved: j.Approved}, nil
}
