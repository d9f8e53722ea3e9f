package oracle

import (
	fpmath "PerpVault/internal/math"
	"errors"
	"math/big"
	"testing"
	"time"
)

func price(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fpmath.ParseUSD(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func newFeed(strict bool) (*FastPriceFeed, time.Time) {
	now := time.Unix(1_700_000_000, 0)
	cfg := DefaultFeedConfig()
	cfg.StrictMode = strict
	return NewFastPriceFeed(cfg, func() time.Time { return now }), now
}

func TestGetPrice_StrictModeDeviation(t *testing.T) {
	cases := []struct {
		name      string
		strict    bool
		price     string
		reference string
		wantErr   error
	}{
		{"within bound", true, "40500", "40000", nil},
		{"exactly at bound", true, "41000", "40000", nil},
		{"above bound", true, "41001", "40000", ErrPriceDeviation},
		{"below bound", true, "38999", "40000", ErrPriceDeviation},
		{"lenient ignores reference", false, "50000", "40000", nil},
		{"no reference", true, "50000", "", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, now := newFeed(tc.strict)
			if err := f.SetPrice("BTC", price(t, tc.price), now); err != nil {
				t.Fatalf("set price: %v", err)
			}
			if tc.reference != "" {
				if err := f.SetReference("BTC", price(t, tc.reference)); err != nil {
					t.Fatalf("set reference: %v", err)
				}
			}

			_, err := f.GetPrice("BTC", true, true, false)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			_, _, err = f.PriceRange("BTC")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("range: expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSetStrictMode_Toggles(t *testing.T) {
	f, now := newFeed(false)
	f.SetPrice("BTC", price(t, "45000"), now)
	f.SetReference("BTC", price(t, "40000"))

	if _, err := f.GetPrice("BTC", false, true, false); err != nil {
		t.Fatalf("lenient: %v", err)
	}
	f.SetStrictMode(true)
	if _, err := f.GetPrice("BTC", false, true, false); !errors.Is(err, ErrPriceDeviation) {
		t.Fatalf("expected ErrPriceDeviation, got %v", err)
	}
}

func TestPriceRange_MatchesGetPrice(t *testing.T) {
	f, now := newFeed(false)
	f.SetPrice("BTC", price(t, "40000"), now)
	if err := f.SetSpread("BTC", 10); err != nil {
		t.Fatalf("spread: %v", err)
	}

	maxPrice, minPrice, err := f.PriceRange("BTC")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	wantMax, _ := f.GetPrice("BTC", true, true, false)
	wantMin, _ := f.GetPrice("BTC", false, true, false)
	if maxPrice.Cmp(wantMax) != 0 || minPrice.Cmp(wantMin) != 0 {
		t.Errorf("range %s/%s, want %s/%s", maxPrice, minPrice, wantMax, wantMin)
	}
	if maxPrice.Cmp(price(t, "40040")) != 0 || minPrice.Cmp(price(t, "39960")) != 0 {
		t.Errorf("unexpected spread prices %s/%s", maxPrice, minPrice)
	}

	if _, _, err := f.PriceRange("ETH"); !errors.Is(err, ErrNoPrice) {
		t.Errorf("expected ErrNoPrice, got %v", err)
	}
}

// movingFeed moves its price on every single-sided read.
type movingFeed struct {
	reads int
	price int64
}

func (m *movingFeed) GetPrice(asset string, useMax, includeSpread, allowStale bool) (*big.Int, error) {
	m.reads++
	m.price += 100
	return big.NewInt(m.price), nil
}

type rangedMovingFeed struct{ movingFeed }

func (m *rangedMovingFeed) PriceRange(asset string) (*big.Int, *big.Int, error) {
	m.price += 100
	return big.NewInt(m.price + 1), big.NewInt(m.price - 1), nil
}

func TestSnapshot_ReadsBothSidesFromOneQuote(t *testing.T) {
	feed := &rangedMovingFeed{movingFeed{price: 1000}}
	s := NewSnapshot(feed)

	maxPrice, err := s.Max("BTC")
	if err != nil {
		t.Fatalf("max: %v", err)
	}
	minPrice, err := s.Min("BTC")
	if err != nil {
		t.Fatalf("min: %v", err)
	}
	if feed.reads != 0 {
		t.Errorf("expected no single-sided reads, got %d", feed.reads)
	}
	if maxPrice.Int64() != 1101 || minPrice.Int64() != 1099 {
		t.Errorf("expected 1101/1099 from one quote, got %s/%s", maxPrice, minPrice)
	}

	// fallback for plain feeds still memoizes
	plain := &movingFeed{price: 1000}
	s = NewSnapshot(plain)
	s.Max("BTC")
	s.Min("BTC")
	s.Max("BTC")
	if plain.reads != 2 {
		t.Errorf("expected 2 reads, got %d", plain.reads)
	}
}
