// internal/math/decimal.go
package math

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseFixed parses a decimal string such as "40000.25" into fixed point
// with the given number of decimals. Extra precision is truncated.
func ParseFixed(s string, decimals int) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d.Shift(int32(decimals)).BigInt(), nil
}

// ParseUSD parses a USD amount into 1e30 fixed point.
func ParseUSD(s string) (*big.Int, error) {
	return ParseFixed(s, PriceConfig.DecimalPrecision)
}

// ToDecimal converts a fixed-point value with the given decimals.
func ToDecimal(v *big.Int, decimals int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}

// FormatUSD renders a 1e30 value with at most places decimals.
func FormatUSD(v *big.Int, places int32) string {
	return ToDecimal(v, PriceConfig.DecimalPrecision).Truncate(places).String()
}

// FormatToken renders a token amount in whole units.
func FormatToken(v *big.Int, decimals int) string {
	return ToDecimal(v, decimals).String()
}
