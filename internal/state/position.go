// internal/state/position.go
package state

import (
	fpmath "PerpVault/internal/math"
	"fmt"
	"math/big"
	"strings"
)

// PositionKey addresses one position slot
type PositionKey struct {
	Account         string `json:"account"`
	CollateralAsset string `json:"collateral_asset"`
	IndexAsset      string `json:"index_asset"`
	IsLong          bool   `json:"is_long"`
}

// String renders the key as account:collateral:index:long|short
func (k PositionKey) String() string {
	side := "short"
	if k.IsLong {
		side = "long"
	}
	return fmt.Sprintf("%s:%s:%s:%s", k.Account, k.CollateralAsset, k.IndexAsset, side)
}

// ParsePositionKey is the inverse of PositionKey.String.
func ParsePositionKey(s string) (PositionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return PositionKey{}, fmt.Errorf("invalid position key %q", s)
	}
	var isLong bool
	switch parts[3] {
	case "long":
		isLong = true
	case "short":
		isLong = false
	default:
		return PositionKey{}, fmt.Errorf("invalid position side %q", parts[3])
	}
	return PositionKey{
		Account:         parts[0],
		CollateralAsset: parts[1],
		IndexAsset:      parts[2],
		IsLong:          isLong,
	}, nil
}

// Position is a leveraged position. USD fields are 1e30 fixed point.
type Position struct {
	Key               PositionKey `json:"key"`
	Size              *big.Int    `json:"size"`
	Collateral        *big.Int    `json:"collateral"`
	AveragePrice      *big.Int    `json:"average_price"`
	EntryFundingRate  *big.Int    `json:"entry_funding_rate"`
	ReserveAmount     *big.Int    `json:"reserve_amount"` // collateral-asset units
	RealisedPnl       *big.Int    `json:"realised_pnl"`   // signed
	LastIncreasedTime int64       `json:"last_increased_time"`
}

// NewPosition returns an empty slot for key
func NewPosition(key PositionKey) *Position {
	return &Position{
		Key:              key,
		Size:             new(big.Int),
		Collateral:       new(big.Int),
		AveragePrice:     new(big.Int),
		EntryFundingRate: new(big.Int),
		ReserveAmount:    new(big.Int),
		RealisedPnl:      new(big.Int),
	}
}

func (p *Position) Clone() *Position {
	return &Position{
		Key:               p.Key,
		Size:              fpmath.Clone(p.Size),
		Collateral:        fpmath.Clone(p.Collateral),
		AveragePrice:      fpmath.Clone(p.AveragePrice),
		EntryFundingRate:  fpmath.Clone(p.EntryFundingRate),
		ReserveAmount:     fpmath.Clone(p.ReserveAmount),
		RealisedPnl:       fpmath.Clone(p.RealisedPnl),
		LastIncreasedTime: p.LastIncreasedTime,
	}
}

// IsEmpty returns true if the slot has no exposure
func (p *Position) IsEmpty() bool {
	return p == nil || fpmath.IsZero(p.Size)
}

// Leverage returns size * 10000 / collateral.
func (p *Position) Leverage() *big.Int {
	return fpmath.ComputeLeverage(p.Size, p.Collateral)
}

// ValidateShape checks size >= collateral, and collateral > 0 when open.
func (p *Position) ValidateShape() error {
	if fpmath.IsZero(p.Size) {
		if !fpmath.IsZero(p.Collateral) {
			return fmt.Errorf("%w: collateral %s on empty position", ErrInvalidPositionSize, p.Collateral)
		}
		return nil
	}
	if p.Collateral.Sign() <= 0 {
		return fmt.Errorf("%w: open position without collateral", ErrInsufficientCollateralForFees)
	}
	if p.Size.Cmp(p.Collateral) < 0 {
		return fmt.Errorf("%w: size=%s, collateral=%s", ErrSizeLessThanCollateral, p.Size, p.Collateral)
	}
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)

	buf = appendString(buf, p.Key.String())
	buf = appendBigInt(buf, p.Size)
	buf = appendBigInt(buf, p.Collateral)
	buf = appendBigInt(buf, p.AveragePrice)
	buf = appendBigInt(buf, p.EntryFundingRate)
	buf = appendBigInt(buf, p.ReserveAmount)
	buf = appendBigInt(buf, p.RealisedPnl)
	buf = appendInt64LE(buf, p.LastIncreasedTime)

	return buf
}
