// Package command defines the inbound requests the processor applies to the
// vault. Commands are versioned inputs: they carry their own timestamp and
// source sequence so replaying them yields the same state.
package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type discriminator for command payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeBuyStableUnit
	TypeSellStableUnit
	TypeSwap
	TypeDirectDeposit
	TypeIncreasePosition
	TypeDecreasePosition
	TypeLiquidatePosition
	TypeUpdateFunding
	TypeSetPrice
	TypeDeposit
	TypeWithdraw
	TypeWithdrawFees
	TypeSetAssetConfig
	TypeClearAsset
	TypeSetFees
	TypeSetFundingRate
	TypeSetFlags
	TypeSetMaxGasPrice
	TypeSetBufferAmount
	TypeGrantPermission
	TypeRevokePermission
	TypeApproveRouter
)

var typeNames = map[Type]string{
	TypeBuyStableUnit:     "buy_stable_unit",
	TypeSellStableUnit:    "sell_stable_unit",
	TypeSwap:              "swap",
	TypeDirectDeposit:     "direct_deposit",
	TypeIncreasePosition:  "increase_position",
	TypeDecreasePosition:  "decrease_position",
	TypeLiquidatePosition: "liquidate_position",
	TypeUpdateFunding:     "update_funding",
	TypeSetPrice:          "set_price",
	TypeDeposit:           "deposit",
	TypeWithdraw:          "withdraw",
	TypeWithdrawFees:      "withdraw_fees",
	TypeSetAssetConfig:    "set_asset_config",
	TypeClearAsset:        "clear_asset",
	TypeSetFees:           "set_fees",
	TypeSetFundingRate:    "set_funding_rate",
	TypeSetFlags:          "set_flags",
	TypeSetMaxGasPrice:    "set_max_gas_price",
	TypeSetBufferAmount:   "set_buffer_amount",
	TypeGrantPermission:   "grant_permission",
	TypeRevokePermission:  "revoke_permission",
	TypeApproveRouter:     "approve_router",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ErrUnknownType is returned for a command type name with no command.
var ErrUnknownType = errors.New("unknown command type")

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("%w %q", ErrUnknownType, s)
}

// Types returns every known command type in declaration order.
func Types() []Type {
	out := make([]Type, 0, len(typeNames))
	for t := TypeBuyStableUnit; t <= TypeApproveRouter; t++ {
		out = append(out, t)
	}
	return out
}

// Command is the interface every inbound request implements
type Command interface {
	// CommandType returns the discriminator
	CommandType() Type

	// IdempotencyKey identifies the command for deduplication
	IdempotencyKey() string

	// Partition names the ordered stream the command belongs to. Commands
	// with an empty partition are not sequence checked.
	Partition() string

	// SourceSequence is the command's position within its partition
	SourceSequence() int64

	// Timestamp is the versioned time the command executes at
	Timestamp() time.Time

	// Caller is the identity the vault authorizes
	Caller() string
}

// Meta is the envelope every command embeds
type Meta struct {
	ID       uuid.UUID `json:"id"`
	Source   string    `json:"source,omitempty"`
	Sequence int64     `json:"sequence,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
	Sender   string    `json:"caller"`
}

// NewMeta stamps a fresh command id.
func NewMeta(caller string, at time.Time) Meta {
	return Meta{ID: uuid.New(), IssuedAt: at, Sender: caller}
}

func (m Meta) IdempotencyKey() string { return m.ID.String() }
func (m Meta) Partition() string      { return m.Source }
func (m Meta) SourceSequence() int64  { return m.Sequence }
func (m Meta) Timestamp() time.Time   { return m.IssuedAt }
func (m Meta) Caller() string         { return m.Sender }
