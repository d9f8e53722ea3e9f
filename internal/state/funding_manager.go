package state

import (
	fpmath "PerpVault/internal/math"
	"math/big"
)

// FundingAccumulator tracks cumulative funding for one asset
type FundingAccumulator struct {
	Asset                 string   `json:"asset"`
	CumulativeFundingRate *big.Int `json:"cumulative_funding_rate"` // FundingRatePrecision
	LastFundingTime       int64    `json:"last_funding_time"`       // unix seconds, 0 = idle
}

func (f *FundingAccumulator) Clone() *FundingAccumulator {
	return &FundingAccumulator{
		Asset:                 f.Asset,
		CumulativeFundingRate: fpmath.Clone(f.CumulativeFundingRate),
		LastFundingTime:       f.LastFundingTime,
	}
}

func (f *FundingAccumulator) appendCanonical(buf []byte) []byte {
	buf = appendString(buf, f.Asset)
	buf = appendBigInt(buf, f.CumulativeFundingRate)
	return appendInt64LE(buf, f.LastFundingTime)
}

// FundingUpdate describes one accrual step
type FundingUpdate struct {
	Asset                 string
	Intervals             int64
	RateDelta             *big.Int
	CumulativeFundingRate *big.Int
	PrevFundingTime       int64
	LastFundingTime       int64
	Started               bool // idle -> accruing
}

// FundingEngine accrues funding lazily, one asset at a time
type FundingEngine struct {
	s *VaultState
}

func NewFundingEngine(s *VaultState) *FundingEngine {
	return &FundingEngine{s: s}
}

// CumulativeRate returns the asset's accumulator value (zero when idle).
func (fe *FundingEngine) CumulativeRate(asset string) *big.Int {
	if f, ok := fe.s.Funding[asset]; ok {
		return new(big.Int).Set(f.CumulativeFundingRate)
	}
	return new(big.Int)
}

// Accumulator returns a copy of the asset's accumulator
func (fe *FundingEngine) Accumulator(asset string) *FundingAccumulator {
	if f, ok := fe.s.Funding[asset]; ok {
		return f.Clone()
	}
	return &FundingAccumulator{Asset: asset, CumulativeFundingRate: new(big.Int)}
}

func (fe *FundingEngine) factorFor(asset string) int64 {
	if a, ok := fe.s.Assets[asset]; ok && a.IsStable {
		return fe.s.Params.StableFundingRateFactor
	}
	return fe.s.Params.FundingRateFactor
}

// NextFundingRate returns what Update would add at now without applying it.
func (fe *FundingEngine) NextFundingRate(asset string, now int64) *big.Int {
	f, ok := fe.s.Funding[asset]
	if !ok || f.LastFundingTime == 0 {
		return new(big.Int)
	}
	interval := fe.s.Params.FundingInterval
	if now-f.LastFundingTime < interval {
		return new(big.Int)
	}
	intervals := (now - f.LastFundingTime) / interval
	pool := fe.s.Pools[asset]
	if pool == nil {
		return new(big.Int)
	}
	return fpmath.ComputeFundingRate(intervals, fe.factorFor(asset), pool.ReservedAmount, pool.PoolAmount)
}

// Update brings the accumulator current. The first touch aligns
// LastFundingTime to an interval boundary; later touches advance it by whole
// intervals only, so sub-interval time carries over to the next update.
// Returns nil when nothing changed.
func (fe *FundingEngine) Update(asset string, now int64) *FundingUpdate {
	interval := fe.s.Params.FundingInterval
	cur, ok := fe.s.Funding[asset]

	if !ok || cur.LastFundingTime == 0 {
		fe.s.touchFunding(asset)
		aligned := now / interval * interval
		acc := &FundingAccumulator{
			Asset:                 asset,
			CumulativeFundingRate: fpmath.Clone(nil),
			LastFundingTime:       aligned,
		}
		if ok {
			acc.CumulativeFundingRate = fpmath.Clone(cur.CumulativeFundingRate)
		}
		fe.s.Funding[asset] = acc
		return &FundingUpdate{
			Asset:                 asset,
			RateDelta:             new(big.Int),
			CumulativeFundingRate: new(big.Int).Set(acc.CumulativeFundingRate),
			LastFundingTime:       aligned,
			Started:               true,
		}
	}

	if now-cur.LastFundingTime < interval {
		return nil
	}

	intervals := (now - cur.LastFundingTime) / interval
	rate := new(big.Int)
	if pool := fe.s.Pools[asset]; pool != nil {
		rate = fpmath.ComputeFundingRate(intervals, fe.factorFor(asset), pool.ReservedAmount, pool.PoolAmount)
	}

	fe.s.touchFunding(asset)
	next := cur.Clone()
	next.CumulativeFundingRate.Add(next.CumulativeFundingRate, rate)
	next.LastFundingTime = cur.LastFundingTime + intervals*interval
	fe.s.Funding[asset] = next

	return &FundingUpdate{
		Asset:                 asset,
		Intervals:             intervals,
		RateDelta:             rate,
		CumulativeFundingRate: new(big.Int).Set(next.CumulativeFundingRate),
		PrevFundingTime:       cur.LastFundingTime,
		LastFundingTime:       next.LastFundingTime,
	}
}
