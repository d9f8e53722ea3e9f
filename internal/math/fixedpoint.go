// internal/math/fixedpoint.go
package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int      // Number of decimal places
	Scale            *big.Int // 10^DecimalPrecision
}

func newDecimalConfig(precision int) DecimalConfig {
	return DecimalConfig{DecimalPrecision: precision, Scale: Pow10(precision)}
}

var (
	// Standard configs
	PriceConfig      = newDecimalConfig(30) // USD values and prices
	StableUnitConfig = newDecimalConfig(18) // stable unit token
	FundingConfig    = newDecimalConfig(6)  // cumulative funding rates
)

const (
	BasisPointsDivisor = 10_000
	StableUnitDecimals = 18
)

// PricePrecision is 1e30, the scale of every price and USD amount.
var PricePrecision = PriceConfig.Scale

// FundingRatePrecision is 1e6.
var FundingRatePrecision = FundingConfig.Scale

var bpsDivisor = big.NewInt(BasisPointsDivisor)

// Pow10 returns 10^n as a new big.Int.
func Pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// scratch is a pooled big.Int for intermediate products
var scratchPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getScratch() *big.Int {
	return scratchPool.Get().(*big.Int)
}

func putScratch(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	scratchPool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // truncate toward zero (default)
	RoundUp
	RoundHalfEven
)

// MulDiv returns a * b / denominator with the given rounding.
// Panics on a zero denominator like big.Int.Quo does.
func MulDiv(a, b, denominator *big.Int, mode RoundingMode) *big.Int {
	product := getScratch()
	product.Mul(a, b)
	result := Div(product, denominator, mode)
	putScratch(product)
	return result
}

// Div performs numerator / denominator with rounding
func Div(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getScratch()
	defer putScratch(remainder)

	quotient.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	// the sign of the exact quotient
	sign := numerator.Sign() * denominator.Sign()

	switch mode {
	case RoundUp:
		// away from zero
		quotient.Add(quotient, big.NewInt(int64(sign)))

	case RoundHalfEven:
		// Banker's rounding on |remainder| * 2 vs |denominator|
		twice := getScratch()
		defer putScratch(twice)
		twice.Abs(remainder)
		twice.Lsh(twice, 1)
		absDenom := new(big.Int).Abs(denominator)

		cmp := twice.Cmp(absDenom)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(int64(sign)))
		}
	}

	return quotient
}

// ApplyBasisPoints returns amount * bps / 10000 rounded down.
func ApplyBasisPoints(amount *big.Int, bps int64) *big.Int {
	return MulDiv(amount, big.NewInt(bps), bpsDivisor, RoundDown)
}

// AfterFee returns amount * (10000 - bps) / 10000 rounded down.
func AfterFee(amount *big.Int, bps int64) *big.Int {
	return MulDiv(amount, big.NewInt(BasisPointsDivisor-bps), bpsDivisor, RoundDown)
}

// AdjustDecimals rescales amount from one decimal base to another.
func AdjustDecimals(amount *big.Int, fromDecimals, toDecimals int) *big.Int {
	switch {
	case fromDecimals == toDecimals:
		return new(big.Int).Set(amount)
	case fromDecimals < toDecimals:
		return new(big.Int).Mul(amount, Pow10(toDecimals-fromDecimals))
	default:
		return new(big.Int).Quo(amount, Pow10(fromDecimals-toDecimals))
	}
}

// TokenToUsd values a token amount at price (1e30 scale).
func TokenToUsd(amount *big.Int, price *big.Int, decimals int) *big.Int {
	if amount.Sign() == 0 {
		return new(big.Int)
	}
	return MulDiv(amount, price, Pow10(decimals), RoundDown)
}

// UsdToToken converts a USD value to token units at price (1e30 scale).
func UsdToToken(usd *big.Int, price *big.Int, decimals int) *big.Int {
	if usd.Sign() == 0 || price.Sign() == 0 {
		return new(big.Int)
	}
	return MulDiv(usd, Pow10(decimals), price, RoundDown)
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns a copy of the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// AbsDiff returns |a - b|.
func AbsDiff(a, b *big.Int) *big.Int {
	d := new(big.Int).Sub(a, b)
	return d.Abs(d)
}

// SubFloor returns a - b, or zero when b > a.
func SubFloor(a, b *big.Int) *big.Int {
	if b.Cmp(a) >= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(a, b)
}

// IsZero reports whether v is nil or zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// Clone copies v, mapping nil to zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
