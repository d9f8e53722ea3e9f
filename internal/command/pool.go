// internal/command/pool.go
package command

import (
	"fmt"
	"math/big"
)

type BuyStableUnit struct {
	Meta
	Asset    string   `json:"asset"`
	AmountIn *big.Int `json:"amount_in"`
	Receiver string   `json:"receiver"`
	GasPrice *big.Int `json:"gas_price,omitempty"`
}

func (c *BuyStableUnit) CommandType() Type { return TypeBuyStableUnit }

type SellStableUnit struct {
	Meta
	Asset        string   `json:"asset"`
	StableAmount *big.Int `json:"stable_amount"`
	Receiver     string   `json:"receiver"`
	GasPrice     *big.Int `json:"gas_price,omitempty"`
}

func (c *SellStableUnit) CommandType() Type { return TypeSellStableUnit }

type Swap struct {
	Meta
	AssetIn  string   `json:"asset_in"`
	AssetOut string   `json:"asset_out"`
	AmountIn *big.Int `json:"amount_in"`
	Receiver string   `json:"receiver"`
	GasPrice *big.Int `json:"gas_price,omitempty"`
}

func (c *Swap) CommandType() Type { return TypeSwap }

// DirectDeposit donates tokens to a pool without minting.
type DirectDeposit struct {
	Meta
	Asset    string   `json:"asset"`
	Amount   *big.Int `json:"amount"`
	GasPrice *big.Int `json:"gas_price,omitempty"`
}

func (c *DirectDeposit) CommandType() Type { return TypeDirectDeposit }

type UpdateFunding struct {
	Meta
	Asset string `json:"asset"`
}

func (c *UpdateFunding) CommandType() Type { return TypeUpdateFunding }

// SetPrice is an oracle quote for the in-process feed. Price sequences are
// per asset and tolerate gaps. ReferencePrice, when set, updates the
// reference the feed checks deviation against in strict mode.
type SetPrice struct {
	Meta
	Asset          string   `json:"asset"`
	Price          *big.Int `json:"price"`
	ReferencePrice *big.Int `json:"reference_price,omitempty"`
	SpreadBps      *int64   `json:"spread_bps,omitempty"`
	PriceSequence  int64    `json:"price_sequence"`
}

func (c *SetPrice) CommandType() Type { return TypeSetPrice }

func (c *SetPrice) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", c.Asset, c.PriceSequence)
}

func (c *SetPrice) SourceSequence() int64 { return c.PriceSequence }

// Deposit credits a holder's wallet with tokens bridged in.
type Deposit struct {
	Meta
	Holder string   `json:"holder"`
	Asset  string   `json:"asset"`
	Amount *big.Int `json:"amount"`
}

func (c *Deposit) CommandType() Type { return TypeDeposit }

// Withdraw debits the caller's wallet for tokens bridged out.
type Withdraw struct {
	Meta
	Asset  string   `json:"asset"`
	Amount *big.Int `json:"amount"`
}

func (c *Withdraw) CommandType() Type { return TypeWithdraw }

type WithdrawFees struct {
	Meta
	Asset    string `json:"asset"`
	Receiver string `json:"receiver"`
}

func (c *WithdrawFees) CommandType() Type { return TypeWithdrawFees }
