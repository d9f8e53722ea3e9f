package command

import (
	"encoding/json"
	"fmt"
)

// New returns an empty command of type t.
func New(t Type) (Command, error) {
	switch t {
	case TypeBuyStableUnit:
		return &BuyStableUnit{}, nil
	case TypeSellStableUnit:
		return &SellStableUnit{}, nil
	case TypeSwap:
		return &Swap{}, nil
	case TypeDirectDeposit:
		return &DirectDeposit{}, nil
	case TypeIncreasePosition:
		return &IncreasePosition{}, nil
	case TypeDecreasePosition:
		return &DecreasePosition{}, nil
	case TypeLiquidatePosition:
		return &LiquidatePosition{}, nil
	case TypeUpdateFunding:
		return &UpdateFunding{}, nil
	case TypeSetPrice:
		return &SetPrice{}, nil
	case TypeDeposit:
		return &Deposit{}, nil
	case TypeWithdraw:
		return &Withdraw{}, nil
	case TypeWithdrawFees:
		return &WithdrawFees{}, nil
	case TypeSetAssetConfig:
		return &SetAssetConfig{}, nil
	case TypeClearAsset:
		return &ClearAsset{}, nil
	case TypeSetFees:
		return &SetFees{}, nil
	case TypeSetFundingRate:
		return &SetFundingRate{}, nil
	case TypeSetFlags:
		return &SetFlags{}, nil
	case TypeSetMaxGasPrice:
		return &SetMaxGasPrice{}, nil
	case TypeSetBufferAmount:
		return &SetBufferAmount{}, nil
	case TypeGrantPermission:
		return &GrantPermission{}, nil
	case TypeRevokePermission:
		return &RevokePermission{}, nil
	case TypeApproveRouter:
		return &ApproveRouter{}, nil
	default:
		return nil, fmt.Errorf("unknown command type %d", t)
	}
}

// Encode is the stored form of a command, the inverse of Decode.
func Encode(c Command) ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.CommandType(), err)
	}
	return payload, nil
}

// Decode restores a command from its stored form.
func Decode(t Type, payload []byte) (Command, error) {
	c, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return c, nil
}
