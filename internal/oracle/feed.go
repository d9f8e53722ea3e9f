// Package oracle provides the price capability the vault reads from.
package oracle

import (
	fpmath "PerpVault/internal/math"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"
)

var (
	ErrNoPrice          = errors.New("oracle: no price for asset")
	ErrStalePrice       = errors.New("oracle: stale price")
	ErrPriceDeviation   = errors.New("oracle: price deviates from reference")
	ErrInvalidPrice     = errors.New("oracle: invalid price")
	ErrInvalidSpreadBps = errors.New("oracle: invalid spread")
)

// PriceFeed returns 1e30 prices. useMax selects the upper quote of the
// spread, includeSpread applies the spread at all, allowStale skips the
// staleness check.
type PriceFeed interface {
	GetPrice(asset string, useMax, includeSpread, allowStale bool) (*big.Int, error)
}

// RangeFeed is a PriceFeed that can read both sides of a quote atomically.
type RangeFeed interface {
	PriceFeed
	PriceRange(asset string) (maxPrice, minPrice *big.Int, err error)
}

// Quote is the latest price state for one asset
type Quote struct {
	Asset     string    `json:"asset"`
	Price     *big.Int  `json:"price"`
	SpreadBps int64     `json:"spread_bps"`
	Reference *big.Int  `json:"reference,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FeedConfig controls admission of quotes
type FeedConfig struct {
	MaxStaleness    time.Duration // 0 disables the staleness check
	StrictMode      bool
	MaxDeviationBps int64 // strict mode bound against Reference
}

// DefaultFeedConfig returns production defaults
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		MaxStaleness:    5 * time.Minute,
		StrictMode:      false,
		MaxDeviationBps: 250,
	}
}

// FastPriceFeed is an in-process PriceFeed fed by operator price commands.
type FastPriceFeed struct {
	mu     sync.RWMutex
	quotes map[string]*Quote
	cfg    FeedConfig
	clock  func() time.Time
}

func NewFastPriceFeed(cfg FeedConfig, clock func() time.Time) *FastPriceFeed {
	if clock == nil {
		clock = time.Now
	}
	return &FastPriceFeed{
		quotes: make(map[string]*Quote),
		cfg:    cfg,
		clock:  clock,
	}
}

// SetPrice records a new price for asset at time at.
func (f *FastPriceFeed) SetPrice(asset string, price *big.Int, at time.Time) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("%w: %s=%v", ErrInvalidPrice, asset, price)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	q := f.quote(asset)
	q.Price = new(big.Int).Set(price)
	q.UpdatedAt = at
	return nil
}

// SetSpread sets the spread applied around the price.
func (f *FastPriceFeed) SetSpread(asset string, spreadBps int64) error {
	if spreadBps < 0 || spreadBps >= fpmath.BasisPointsDivisor {
		return fmt.Errorf("%w: %d", ErrInvalidSpreadBps, spreadBps)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.quote(asset).SpreadBps = spreadBps
	return nil
}

// SetReference sets the strict-mode reference price.
func (f *FastPriceFeed) SetReference(asset string, reference *big.Int) error {
	if reference == nil || reference.Sign() <= 0 {
		return fmt.Errorf("%w: reference %s=%v", ErrInvalidPrice, asset, reference)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.quote(asset).Reference = new(big.Int).Set(reference)
	return nil
}

// SetStrictMode toggles deviation checks against the reference price.
func (f *FastPriceFeed) SetStrictMode(strict bool) {
	f.mu.Lock()
	f.cfg.StrictMode = strict
	f.mu.Unlock()
}

func (f *FastPriceFeed) quote(asset string) *Quote {
	q, ok := f.quotes[asset]
	if !ok {
		q = &Quote{Asset: asset}
		f.quotes[asset] = q
	}
	return q
}

// GetPrice implements PriceFeed.
func (f *FastPriceFeed) GetPrice(asset string, useMax, includeSpread, allowStale bool) (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	q, err := f.admit(asset, allowStale)
	if err != nil {
		return nil, err
	}
	return spreadPrice(q, useMax, includeSpread), nil
}

// PriceRange returns the max and min spread prices of one quote, read under
// a single lock.
func (f *FastPriceFeed) PriceRange(asset string) (maxPrice, minPrice *big.Int, err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	q, err := f.admit(asset, false)
	if err != nil {
		return nil, nil, err
	}
	return spreadPrice(q, true, true), spreadPrice(q, false, true), nil
}

// admit runs the staleness and strict-mode checks. Caller holds f.mu.
func (f *FastPriceFeed) admit(asset string, allowStale bool) (*Quote, error) {
	q, ok := f.quotes[asset]
	if !ok || q.Price == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}

	if !allowStale && f.cfg.MaxStaleness > 0 {
		age := f.clock().Sub(q.UpdatedAt)
		if age > f.cfg.MaxStaleness {
			return nil, fmt.Errorf("%w: %s updated %s ago", ErrStalePrice, asset, age)
		}
	}

	if f.cfg.StrictMode && q.Reference != nil {
		diff := fpmath.AbsDiff(q.Price, q.Reference)
		// diff * 10000 > reference * maxDeviationBps
		lhs := new(big.Int).Mul(diff, big.NewInt(fpmath.BasisPointsDivisor))
		rhs := new(big.Int).Mul(q.Reference, big.NewInt(f.cfg.MaxDeviationBps))
		if lhs.Cmp(rhs) > 0 {
			return nil, fmt.Errorf("%w: %s price=%s reference=%s", ErrPriceDeviation, asset, q.Price, q.Reference)
		}
	}
	return q, nil
}

func spreadPrice(q *Quote, useMax, includeSpread bool) *big.Int {
	price := new(big.Int).Set(q.Price)
	if !includeSpread || q.SpreadBps == 0 {
		return price
	}
	if useMax {
		return fpmath.MulDiv(price, big.NewInt(fpmath.BasisPointsDivisor+q.SpreadBps), big.NewInt(fpmath.BasisPointsDivisor), fpmath.RoundUp)
	}
	return fpmath.AfterFee(price, q.SpreadBps)
}

// Quotes returns a copy of every quote sorted by asset
func (f *FastPriceFeed) Quotes() []Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Quote, 0, len(f.quotes))
	for _, q := range f.quotes {
		c := *q
		c.Price = fpmath.Clone(q.Price)
		if q.Reference != nil {
			c.Reference = new(big.Int).Set(q.Reference)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}
