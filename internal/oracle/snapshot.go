package oracle

import (
	"math/big"
)

type priceKey struct {
	asset  string
	useMax bool
}

// Snapshot memoizes prices for the duration of one vault operation so the
// operation sees one consistent min/max pair per asset even if the feed moves
// underneath it.
type Snapshot struct {
	feed   PriceFeed
	prices map[priceKey]*big.Int
}

func NewSnapshot(feed PriceFeed) *Snapshot {
	return &Snapshot{
		feed:   feed,
		prices: make(map[priceKey]*big.Int),
	}
}

// Max returns the asset's max price, reading the feed at most once.
func (s *Snapshot) Max(asset string) (*big.Int, error) {
	return s.get(asset, true)
}

// Min returns the asset's min price, reading the feed at most once.
func (s *Snapshot) Min(asset string) (*big.Int, error) {
	return s.get(asset, false)
}

func (s *Snapshot) get(asset string, useMax bool) (*big.Int, error) {
	key := priceKey{asset: asset, useMax: useMax}
	if p, ok := s.prices[key]; ok {
		return new(big.Int).Set(p), nil
	}

	maxPrice, minPrice, err := s.sample(asset)
	if err != nil {
		return nil, err
	}
	s.prices[priceKey{asset: asset, useMax: true}] = new(big.Int).Set(maxPrice)
	s.prices[priceKey{asset: asset, useMax: false}] = new(big.Int).Set(minPrice)

	if useMax {
		return maxPrice, nil
	}
	return minPrice, nil
}

// sample reads both sides of the asset's quote, in one feed call when the
// feed supports it.
func (s *Snapshot) sample(asset string) (maxPrice, minPrice *big.Int, err error) {
	if rf, ok := s.feed.(RangeFeed); ok {
		return rf.PriceRange(asset)
	}
	if maxPrice, err = s.feed.GetPrice(asset, true, true, false); err != nil {
		return nil, nil, err
	}
	if minPrice, err = s.feed.GetPrice(asset, false, true, false); err != nil {
		return nil, nil, err
	}
	return maxPrice, minPrice, nil
}
