package main

import (
	"PerpVault/internal/core"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"PerpVault/internal/state"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

func TestParseAssets(t *testing.T) {
	assets, err := parseAssets([]byte(`[
		{"id":"BTC","decimals":8,"weight":10000,"is_shortable":true,"buffer_amount":"0.5"},
		{"id":"USDC","decimals":6,"weight":5000,"is_stable":true,"max_stable_unit_amount":"1000000"}
	]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(assets))
	}
	if got := assets[0].BufferAmount; got == nil || got.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Errorf("expected BTC buffer 50000000, got %v", got)
	}
	want, _ := new(big.Int).SetString("1000000000000000000000000", 10)
	if got := assets[1].MaxStableUnitAmount; got == nil || got.Cmp(want) != 0 {
		t.Errorf("expected USDC cap %s, got %v", want, got)
	}
	if assets[0].MaxStableUnitAmount != nil {
		t.Error("unset cap should stay nil")
	}
}

func TestParseAssets_Rejects(t *testing.T) {
	cases := map[string]string{
		"duplicate":        `[{"id":"BTC","decimals":8},{"id":"BTC","decimals":8}]`,
		"stable shortable": `[{"id":"USDC","decimals":6,"is_stable":true,"is_shortable":true}]`,
		"excess decimals":  `[{"id":"USDC","decimals":6,"buffer_amount":"0.0000001"}]`,
		"negative buffer":  `[{"id":"BTC","decimals":8,"buffer_amount":"-1"}]`,
		"not json":         `{`,
	}
	for name, raw := range cases {
		if _, err := parseAssets([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	_, err := parseAssets([]byte(`[{"id":"","decimals":8}]`))
	if !errors.Is(err, state.ErrInvalidAssetConfig) {
		t.Errorf("expected ErrInvalidAssetConfig, got %v", err)
	}
}

func TestToBaseUnits(t *testing.T) {
	got, err := toBaseUnits(decimal.RequireFromString("1.25"), 8)
	if err != nil || got.Cmp(big.NewInt(125_000_000)) != 0 {
		t.Fatalf("expected 125000000, got %v err=%v", got, err)
	}
	if _, err := toBaseUnits(decimal.RequireFromString("1.005"), 2); err == nil {
		t.Error("expected precision error")
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("VAULT_GOVERNORS", "gov, ops ,")
	t.Setenv("VAULT_KEEPER_ID", "keeper-1")
	t.Setenv("VAULT_LIQUIDATORS", "liq")
	t.Setenv("VAULT_MAX_LEVERAGE", "12.5")
	t.Setenv("VAULT_LIQUIDATION_FEE_USD", "5")
	t.Setenv("VAULT_FUNDING_INTERVAL", "1h")
	t.Setenv("VAULT_PRICE_STRICT_MODE", "true")
	t.Setenv("VAULT_PRICE_MAX_DEVIATION_BPS", "100")
	t.Setenv("VAULT_ASSETS", `[{"id":"BTC","decimals":8,"weight":10000,"is_shortable":true}]`)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Core.Governors) != 2 || cfg.Core.Governors[1] != "ops" {
		t.Errorf("unexpected governors %v", cfg.Core.Governors)
	}
	if len(cfg.Core.Liquidators) != 2 || cfg.Core.Liquidators[1] != "keeper-1" {
		t.Errorf("keeper should be a liquidator, got %v", cfg.Core.Liquidators)
	}
	if cfg.Core.Params.MaxLeverage != 125_000 {
		t.Errorf("expected max leverage 125000 bps, got %d", cfg.Core.Params.MaxLeverage)
	}
	if cfg.Core.Params.FundingInterval != 3600 {
		t.Errorf("expected funding interval 3600s, got %d", cfg.Core.Params.FundingInterval)
	}
	if !cfg.Core.Feed.StrictMode || cfg.Core.Feed.MaxDeviationBps != 100 {
		t.Errorf("expected strict feed with 100 bps bound, got %+v", cfg.Core.Feed)
	}
	if len(cfg.Assets) != 1 || cfg.Assets[0].ID != "BTC" {
		t.Errorf("unexpected assets %+v", cfg.Assets)
	}
}

func TestLoadConfig_BadLeverage(t *testing.T) {
	t.Setenv("VAULT_MAX_LEVERAGE", "fifty")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error")
	}
}

// ============================================================================
// Keeper
// ============================================================================

func sequenceOf(t *testing.T, in chan<- core.Submission) int64 {
	t.Helper()
	var seq int64
	if err := core.Inspect(context.Background(), in, func(p *core.Processor) { seq = p.Sequence() }); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	return seq
}

func startProcessor(t *testing.T) (*core.Processor, chan core.Submission, *ingestion.SubmitService) {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Governors = []string{"gov"}
	cfg.Liquidators = []string{"keeper"}
	cfg.LRUCapacity = 1024

	proc, err := core.NewProcessor(cfg, make(chan core.CoreOutput, 64), make(chan core.CoreOutput, 64), nil,
		observability.NewNopLogger(), observability.NewMetricsWith(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	in := make(chan core.Submission, 16)
	go proc.Run(ctx, in)
	return proc, in, ingestion.NewSubmitService(in)
}

func TestBootstrapAndKeeperFunding(t *testing.T) {
	proc, in, svc := startProcessor(t)
	ctx := context.Background()

	cfg := Config{Core: core.Config{Governors: []string{"gov"}}, Assets: []state.Asset{
		{ID: "BTC", Decimals: 8, Weight: 10_000, IsShortable: true},
		{ID: "ETH", Decimals: 18, Weight: 10_000, IsShortable: true},
	}}
	if err := bootstrapAssets(ctx, svc, cfg); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if n := len(proc.Vault().Assets()); n != 2 {
		t.Fatalf("expected 2 whitelisted assets, got %d", n)
	}

	keeperTick(ctx, proc.Vault(), svc, "keeper", time.Now())
	for _, id := range []string{"BTC", "ETH"} {
		acc := proc.Vault().FundingAccumulator(id)
		if acc == nil || acc.LastFundingTime == 0 {
			t.Errorf("expected %s funding checkpoint, got %+v", id, acc)
		}
	}

	// within the interval nothing new is submitted
	before := sequenceOf(t, in)
	keeperTick(ctx, proc.Vault(), svc, "keeper", time.Now())
	if after := sequenceOf(t, in); after != before {
		t.Errorf("expected no commands, sequence moved %d -> %d", before, after)
	}
}

func TestBootstrapAssets_NeedsGovernor(t *testing.T) {
	_, _, svc := startProcessor(t)
	err := bootstrapAssets(context.Background(), svc, Config{Assets: []state.Asset{{ID: "BTC", Decimals: 8}}})
	if err == nil {
		t.Fatal("expected error without governors")
	}
}
