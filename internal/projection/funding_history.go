package projection

import (
	"math/big"
	"sync"
)

// FundingHistoryEntry is one funding accumulator step for an asset
type FundingHistoryEntry struct {
	Sequence              int64    `json:"sequence"`
	Asset                 string   `json:"asset"`
	Intervals             int64    `json:"intervals"`
	RateDelta             *big.Int `json:"rate_delta"`
	CumulativeFundingRate *big.Int `json:"cumulative_funding_rate"`
	LastFundingTime       int64    `json:"last_funding_time"`
}

// FundingHistoryProjection keeps the most recent funding steps per asset in
// memory. The full history lives in projections.funding_history.
type FundingHistoryProjection struct {
	mu       sync.RWMutex
	perAsset int
	entries  map[string][]FundingHistoryEntry
}

func NewFundingHistoryProjection(perAsset int) *FundingHistoryProjection {
	if perAsset <= 0 {
		perAsset = 1024
	}
	return &FundingHistoryProjection{
		perAsset: perAsset,
		entries:  make(map[string][]FundingHistoryEntry),
	}
}

// AddEntry records a funding step, dropping the oldest past the cap
func (p *FundingHistoryProjection) AddEntry(entry FundingHistoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := append(p.entries[entry.Asset], entry)
	if len(list) > p.perAsset {
		list = list[len(list)-p.perAsset:]
	}
	p.entries[entry.Asset] = list
}

// QueryByAsset returns up to limit steps for asset, newest first
func (p *FundingHistoryProjection) QueryByAsset(asset string, limit int) []FundingHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	list := p.entries[asset]
	if limit <= 0 {
		return nil
	}
	result := make([]FundingHistoryEntry, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, list[i])
	}
	return result
}
