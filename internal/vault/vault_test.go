package vault_test

import (
	"PerpVault/internal/event"
	"PerpVault/internal/governance"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Harness
// ============================================================================

const (
	stableUnit = "USDG"
	governor   = "gov"
	// aligned to an 8h funding boundary
	startTime = 1_699_977_600
)

type harness struct {
	t      *testing.T
	ctx    context.Context
	now    time.Time
	feed   *oracle.FastPriceFeed
	perms  *governance.Registry
	tokens *ledger.TokenLedger
	vault  *vault.Vault

	mu     sync.Mutex
	events []event.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		now:   time.Unix(startTime, 0),
		perms: governance.NewRegistry(),
	}
	clock := func() time.Time { return h.now }

	h.feed = oracle.NewFastPriceFeed(oracle.DefaultFeedConfig(), clock)
	h.tokens = ledger.NewTokenLedger(stableUnit)
	h.tokens.SetClock(clock)
	h.perms.Grant(governor, governance.PermGovernor)

	v, err := vault.New("vault", state.DefaultVaultParams(), vault.Deps{
		Feed:        h.feed,
		Permissions: h.perms,
		Custody:     h.tokens.VaultAccount("vault"),
		Stable:      h.tokens.VaultAccount("vault"),
		StableAsset: stableUnit,
		Clock:       clock,
		Logger:      observability.NewNopLogger(),
		Metrics:     observability.NewMetricsWith(prometheus.NewRegistry()),
		Sink: vault.EventSinkFunc(func(events []event.Event) {
			h.mu.Lock()
			h.events = append(h.events, events...)
			h.mu.Unlock()
		}),
	})
	require.NoError(t, err)
	h.vault = v

	require.NoError(t, v.SetAssetConfig(h.ctx, governor, state.Asset{
		ID:          "BTC",
		Decimals:    8,
		Weight:      10_000,
		IsShortable: true,
	}))
	require.NoError(t, v.SetAssetConfig(h.ctx, governor, state.Asset{
		ID:       "USDC",
		Decimals: 6,
		Weight:   10_000,
		IsStable: true,
	}))

	h.setPrice("BTC", "40000")
	h.setPrice("USDC", "1")
	return h
}

func usd(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fpmath.ParseUSD(s)
	require.NoError(t, err)
	return v
}

func stable(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fpmath.ParseFixed(s, fpmath.StableUnitDecimals)
	require.NoError(t, err)
	return v
}

func (h *harness) setPrice(asset, price string) {
	h.t.Helper()
	require.NoError(h.t, h.feed.SetPrice(asset, usd(h.t, price), h.now))
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
	// keep quotes fresh
	for _, q := range h.feed.Quotes() {
		require.NoError(h.t, h.feed.SetPrice(q.Asset, q.Price, h.now))
	}
}

func (h *harness) deposit(holder, asset string, amount int64) {
	h.t.Helper()
	require.NoError(h.t, h.tokens.Deposit(h.ctx, holder, asset, big.NewInt(amount)))
}

func (h *harness) balance(holder, asset string) *big.Int {
	return h.tokens.BalanceOf(holder, asset)
}

func (h *harness) pool(asset string) *state.PoolState {
	h.t.Helper()
	p, err := h.vault.Pool(asset)
	require.NoError(h.t, err)
	return p
}

func (h *harness) buy(holder, asset string, amount int64) *big.Int {
	h.t.Helper()
	h.deposit(holder, asset, amount)
	minted, err := h.vault.BuyStableUnit(h.ctx, vault.BuyStableUnitRequest{
		Caller:   holder,
		Asset:    asset,
		AmountIn: big.NewInt(amount),
		Receiver: holder,
	})
	require.NoError(h.t, err)
	return minted
}

// openLong opens alice's $90 long on $10 of BTC at 40000.
func (h *harness) openLong() {
	h.t.Helper()
	h.deposit("alice", "BTC", 25_000)
	require.NoError(h.t, h.vault.IncreasePosition(h.ctx, vault.IncreasePositionRequest{
		Caller:          "alice",
		Account:         "alice",
		CollateralAsset: "BTC",
		IndexAsset:      "BTC",
		AmountIn:        big.NewInt(25_000),
		SizeDelta:       usd(h.t, "90"),
		IsLong:          true,
	}))
}

func (h *harness) eventsOf(et event.EventType) []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []event.Event
	for _, e := range h.events {
		if e.EventType() == et {
			out = append(out, e)
		}
	}
	return out
}

var longKey = state.PositionKey{Account: "alice", CollateralAsset: "BTC", IndexAsset: "BTC", IsLong: true}

func bigEq(t *testing.T, want, got *big.Int, msgAndArgs ...interface{}) {
	t.Helper()
	require.NotNil(t, got, msgAndArgs...)
	assert.Equal(t, want.String(), got.String(), msgAndArgs...)
}

// ============================================================================
// Issuance
// ============================================================================

func TestBuyStableUnit_BTCScenario(t *testing.T) {
	h := newHarness(t)

	minted := h.buy("alice", "BTC", 250_000)

	bigEq(t, stable(t, "99.7"), minted)
	p := h.pool("BTC")
	bigEq(t, big.NewInt(249_250), p.PoolAmount)
	bigEq(t, big.NewInt(750), p.FeeReserves)
	bigEq(t, minted, p.StableUnitDebt)
	bigEq(t, minted, h.balance("alice", stableUnit))
	bigEq(t, minted, h.vault.StableSupply())
	assert.Zero(t, h.balance("alice", "BTC").Sign())

	aum, err := h.vault.GetAum(true)
	require.NoError(t, err)
	bigEq(t, usd(t, "99.7"), aum)

	buys := h.eventsOf(event.EventTypeBuyStableUnit)
	require.Len(t, buys, 1)
	assert.Equal(t, int64(30), buys[0].(*event.BuyStableUnit).FeeBasisPoints)
	require.NoError(t, h.vault.CheckInvariants())
}

func TestBuySell_RoundTrip(t *testing.T) {
	h := newHarness(t)
	minted := h.buy("alice", "BTC", 250_000)

	out, err := h.vault.SellStableUnit(h.ctx, vault.SellStableUnitRequest{
		Caller:       "alice",
		Asset:        "BTC",
		StableAmount: minted,
		Receiver:     "alice",
	})
	require.NoError(t, err)

	// 250000 * (1 - 2*0.003), give or take rounding
	assert.InDelta(t, 248_500, out.Int64(), 5)
	bigEq(t, out, h.balance("alice", "BTC"))
	assert.Zero(t, h.balance("alice", stableUnit).Sign())
	assert.Zero(t, h.vault.StableSupply().Sign())

	p := h.pool("BTC")
	assert.Zero(t, p.PoolAmount.Sign())
	assert.Zero(t, p.StableUnitDebt.Sign())
	// every token that went in is either paid out or a declared fee
	total := new(big.Int).Add(out, p.FeeReserves)
	bigEq(t, big.NewInt(250_000), total)
	require.NoError(t, h.vault.CheckInvariants())
}

func TestSellStableUnit_BufferBound(t *testing.T) {
	h := newHarness(t)
	minted := h.buy("alice", "BTC", 250_000)
	require.NoError(t, h.vault.SetBufferAmount(h.ctx, governor, "BTC", big.NewInt(200_000)))

	_, err := h.vault.SellStableUnit(h.ctx, vault.SellStableUnitRequest{
		Caller:       "alice",
		Asset:        "BTC",
		StableAmount: minted,
		Receiver:     "alice",
	})
	require.ErrorIs(t, err, state.ErrPoolBufferViolation)
	assert.Equal(t, state.ClassSolvency, state.Classify(err))

	bigEq(t, minted, h.balance("alice", stableUnit))
	bigEq(t, big.NewInt(249_250), h.pool("BTC").PoolAmount)
}

func TestBuyStableUnit_CapRollsBackEverything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.vault.SetAssetConfig(h.ctx, governor, state.Asset{
		ID:                  "BTC",
		Decimals:            8,
		Weight:              10_000,
		IsShortable:         true,
		MaxStableUnitAmount: stable(t, "50"),
	}))
	h.deposit("alice", "BTC", 250_000)

	_, err := h.vault.BuyStableUnit(h.ctx, vault.BuyStableUnitRequest{
		Caller:   "alice",
		Asset:    "BTC",
		AmountIn: big.NewInt(250_000),
		Receiver: "alice",
	})
	require.ErrorIs(t, err, state.ErrMaxStableUnitExceeded)

	p := h.pool("BTC")
	assert.Zero(t, p.PoolAmount.Sign())
	assert.Zero(t, p.FeeReserves.Sign())
	assert.Zero(t, h.vault.StableSupply().Sign())
	assert.Equal(t, int64(0), h.vault.FundingAccumulator("BTC").LastFundingTime)
	bigEq(t, big.NewInt(250_000), h.balance("alice", "BTC"))
	assert.Empty(t, h.eventsOf(event.EventTypeBuyStableUnit))
}

func TestBuyStableUnit_ManagerMode(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.vault.UpdateParams(h.ctx, governor, func(p *state.VaultParams) {
		p.InManagerMode = true
	}))
	h.deposit("alice", "BTC", 1_000)

	_, err := h.vault.BuyStableUnit(h.ctx, vault.BuyStableUnitRequest{
		Caller: "alice", Asset: "BTC", AmountIn: big.NewInt(1_000), Receiver: "alice",
	})
	require.ErrorIs(t, err, state.ErrUnauthorized)

	h.perms.Grant("alice", governance.PermHandler)
	_, err = h.vault.BuyStableUnit(h.ctx, vault.BuyStableUnitRequest{
		Caller: "alice", Asset: "BTC", AmountIn: big.NewInt(1_000), Receiver: "alice",
	})
	require.NoError(t, err)
}

func TestBuyStableUnit_UnknownAsset(t *testing.T) {
	h := newHarness(t)
	_, err := h.vault.BuyStableUnit(h.ctx, vault.BuyStableUnitRequest{
		Caller: "alice", Asset: "DOGE", AmountIn: big.NewInt(1), Receiver: "alice",
	})
	require.ErrorIs(t, err, state.ErrAssetNotWhitelisted)
}

// ============================================================================
// Swap
// ============================================================================

func TestBuyStableUnit_DynamicFees(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.vault.UpdateParams(h.ctx, governor, func(p *state.VaultParams) {
		p.HasDynamicFees = true
	}))

	// no supply yet, so no target: base 30 bps
	h.buy("lp", "BTC", 250_000)
	bigEq(t, big.NewInt(750), h.pool("BTC").FeeReserves)

	// USDC is under its half-share target: rebate floors at 15 bps
	h.buy("lp", "USDC", 10_000_000)
	bigEq(t, big.NewInt(15_000), h.pool("USDC").FeeReserves)

	// BTC already over target: 30 bps + full 50 bps tax
	h.buy("lp", "BTC", 250_000)
	bigEq(t, big.NewInt(750+2_000), h.pool("BTC").FeeReserves)
	require.NoError(t, h.vault.CheckInvariants())
}

func TestDirectDeposit_GrowsAumWithoutMinting(t *testing.T) {
	h := newHarness(t)
	minted := h.buy("lp", "BTC", 250_000)

	aum, err := h.vault.GetAum(true)
	require.NoError(t, err)
	bigEq(t, usd(t, "99.7"), aum)

	h.deposit("donor", "BTC", 750)
	require.NoError(t, h.vault.DirectDeposit(h.ctx, vault.DirectDepositRequest{
		Caller: "donor",
		Asset:  "BTC",
		Amount: big.NewInt(750),
	}))

	bigEq(t, big.NewInt(250_000), h.pool("BTC").PoolAmount)
	bigEq(t, minted, h.vault.StableSupply())
	assert.Zero(t, h.balance("donor", "BTC").Sign())

	aum, err = h.vault.GetAum(true)
	require.NoError(t, err)
	bigEq(t, usd(t, "100"), aum)
	assert.Len(t, h.eventsOf(event.EventTypeDirectPoolDeposit), 1)

	err = h.vault.DirectDeposit(h.ctx, vault.DirectDepositRequest{Caller: "donor", Asset: "DOGE", Amount: big.NewInt(1)})
	require.ErrorIs(t, err, state.ErrAssetNotWhitelisted)
	require.NoError(t, h.vault.CheckInvariants())
}

func TestSwap_StaticFee(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "BTC", 1_000_000)
	h.deposit("bob", "USDC", 100_000_000)

	out, err := h.vault.Swap(h.ctx, vault.SwapRequest{
		Caller:   "bob",
		AssetIn:  "USDC",
		AssetOut: "BTC",
		AmountIn: big.NewInt(100_000_000),
		Receiver: "bob",
	})
	require.NoError(t, err)

	// $100 at 40000 is 250000 sats, less 30 bps
	bigEq(t, big.NewInt(249_250), out)
	bigEq(t, out, h.balance("bob", "BTC"))
	bigEq(t, big.NewInt(3_000+750), h.pool("BTC").FeeReserves)
	bigEq(t, big.NewInt(100_000_000), h.pool("USDC").PoolAmount)
	bigEq(t, stable(t, "100"), h.pool("USDC").StableUnitDebt)
	require.NoError(t, h.vault.CheckInvariants())
}

func TestSwap_Guards(t *testing.T) {
	h := newHarness(t)
	h.deposit("bob", "USDC", 1_000_000)

	_, err := h.vault.Swap(h.ctx, vault.SwapRequest{
		Caller: "bob", AssetIn: "USDC", AssetOut: "USDC", AmountIn: big.NewInt(1), Receiver: "bob",
	})
	require.ErrorIs(t, err, state.ErrSameAsset)

	_, err = h.vault.Swap(h.ctx, vault.SwapRequest{
		Caller: "bob", AssetIn: "USDC", AssetOut: "BTC", AmountIn: big.NewInt(1_000_000), Receiver: "bob",
	})
	require.ErrorIs(t, err, state.ErrPoolAmountExceeded)

	require.NoError(t, h.vault.UpdateParams(h.ctx, governor, func(p *state.VaultParams) {
		p.IsSwapEnabled = false
	}))
	_, err = h.vault.Swap(h.ctx, vault.SwapRequest{
		Caller: "bob", AssetIn: "USDC", AssetOut: "BTC", AmountIn: big.NewInt(1_000_000), Receiver: "bob",
	})
	require.ErrorIs(t, err, state.ErrSwapsDisabled)
	bigEq(t, big.NewInt(1_000_000), h.balance("bob", "USDC"))
}

func TestSwap_OutAssetBufferBound(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "BTC", 1_000_000)
	require.NoError(t, h.vault.SetBufferAmount(h.ctx, governor, "BTC", big.NewInt(900_000)))
	h.deposit("bob", "USDC", 100_000_000)

	_, err := h.vault.Swap(h.ctx, vault.SwapRequest{
		Caller: "bob", AssetIn: "USDC", AssetOut: "BTC", AmountIn: big.NewInt(100_000_000), Receiver: "bob",
	})
	require.ErrorIs(t, err, state.ErrPoolBufferViolation)

	bigEq(t, big.NewInt(100_000_000), h.balance("bob", "USDC"))
	assert.Zero(t, h.balance("bob", "BTC").Sign())
	bigEq(t, big.NewInt(997_000), h.pool("BTC").PoolAmount)
	assert.Zero(t, h.pool("USDC").StableUnitDebt.Sign())
	assert.Empty(t, h.eventsOf(event.EventTypeSwap))
}

func TestSwap_InAssetStableUnitCap(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "BTC", 1_000_000)
	require.NoError(t, h.vault.SetAssetConfig(h.ctx, governor, state.Asset{
		ID:                  "USDC",
		Decimals:            6,
		Weight:              10_000,
		IsStable:            true,
		MaxStableUnitAmount: stable(t, "50"),
	}))
	h.deposit("bob", "USDC", 100_000_000)

	_, err := h.vault.Swap(h.ctx, vault.SwapRequest{
		Caller: "bob", AssetIn: "USDC", AssetOut: "BTC", AmountIn: big.NewInt(100_000_000), Receiver: "bob",
	})
	require.ErrorIs(t, err, state.ErrMaxStableUnitExceeded)
	bigEq(t, big.NewInt(100_000_000), h.balance("bob", "USDC"))
	bigEq(t, stable(t, "398.8"), h.pool("BTC").StableUnitDebt)

	// half the amount fits under the cap
	out, err := h.vault.Swap(h.ctx, vault.SwapRequest{
		Caller: "bob", AssetIn: "USDC", AssetOut: "BTC", AmountIn: big.NewInt(50_000_000), Receiver: "bob",
	})
	require.NoError(t, err)
	bigEq(t, big.NewInt(124_625), out)
	bigEq(t, stable(t, "50"), h.pool("USDC").StableUnitDebt)
	require.NoError(t, h.vault.CheckInvariants())
}

func TestSwap_DynamicFees(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.vault.UpdateParams(h.ctx, governor, func(p *state.VaultParams) {
		p.HasDynamicFees = true
	}))
	// 398.8 stable units of supply, all backed by BTC: each target is 199.4
	h.buy("lp", "BTC", 1_000_000)
	h.deposit("bob", "USDC", 300_000_000)

	swap := func(amount int64) *big.Int {
		t.Helper()
		out, err := h.vault.Swap(h.ctx, vault.SwapRequest{
			Caller: "bob", AssetIn: "USDC", AssetOut: "BTC", AmountIn: big.NewInt(amount), Receiver: "bob",
		})
		require.NoError(t, err)
		return out
	}

	// both legs move toward target: the fee floors at half of 30 bps
	bigEq(t, big.NewInt(249_625), swap(100_000_000))
	// both legs overshoot target by 100 on average: 30 + 50*100/199.4 bps
	bigEq(t, big.NewInt(497_250), swap(200_000_000))

	swaps := h.eventsOf(event.EventTypeSwap)
	require.Len(t, swaps, 2)
	assert.Equal(t, int64(15), swaps[0].(*event.Swap).FeeBasisPoints)
	assert.Equal(t, int64(55), swaps[1].(*event.Swap).FeeBasisPoints)
	bigEq(t, big.NewInt(3_000+375+2_750), h.pool("BTC").FeeReserves)
	require.NoError(t, h.vault.CheckInvariants())
}

func TestGasPriceLimit_GuardsEveryMutation(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "BTC", 1_000_000)
	h.openLong()
	h.deposit("bob", "USDC", 10_000_000)
	require.NoError(t, h.vault.SetMaxGasPrice(h.ctx, governor, big.NewInt(100)))

	ops := map[string]func(gas *big.Int) error{
		"buy": func(gas *big.Int) error {
			_, err := h.vault.BuyStableUnit(h.ctx, vault.BuyStableUnitRequest{
				Caller: "bob", Asset: "USDC", AmountIn: big.NewInt(1_000_000), GasPrice: gas,
			})
			return err
		},
		"sell": func(gas *big.Int) error {
			_, err := h.vault.SellStableUnit(h.ctx, vault.SellStableUnitRequest{
				Caller: "lp", Asset: "BTC", StableAmount: stable(t, "1"), GasPrice: gas,
			})
			return err
		},
		"swap": func(gas *big.Int) error {
			_, err := h.vault.Swap(h.ctx, vault.SwapRequest{
				Caller: "bob", AssetIn: "USDC", AssetOut: "BTC", AmountIn: big.NewInt(1_000_000), GasPrice: gas,
			})
			return err
		},
		"direct deposit": func(gas *big.Int) error {
			return h.vault.DirectDeposit(h.ctx, vault.DirectDepositRequest{
				Caller: "bob", Asset: "USDC", Amount: big.NewInt(1_000_000), GasPrice: gas,
			})
		},
		"decrease": func(gas *big.Int) error {
			_, err := h.vault.DecreasePosition(h.ctx, vault.DecreasePositionRequest{
				Caller: "alice", Account: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
				SizeDelta: usd(t, "90"), IsLong: true, GasPrice: gas,
			})
			return err
		},
		"liquidate": func(gas *big.Int) error {
			return h.vault.LiquidatePosition(h.ctx, vault.LiquidatePositionRequest{
				Caller: "keeper", Account: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
				IsLong: true, GasPrice: gas,
			})
		},
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, op(nil), state.ErrGasPriceTooHigh)
			require.ErrorIs(t, op(big.NewInt(101)), state.ErrGasPriceTooHigh)
		})
	}

	bigEq(t, big.NewInt(10_000_000), h.balance("bob", "USDC"))
	require.NotNil(t, h.vault.GetPosition(longKey))

	out, err := h.vault.Swap(h.ctx, vault.SwapRequest{
		Caller: "bob", AssetIn: "USDC", AssetOut: "BTC", AmountIn: big.NewInt(1_000_000), GasPrice: big.NewInt(100),
	})
	require.NoError(t, err)
	bigEq(t, out, h.balance("bob", "BTC"))

	// lifting the limit accepts requests without a gas price again
	require.NoError(t, h.vault.SetMaxGasPrice(h.ctx, governor, big.NewInt(0)))
	require.NoError(t, ops["direct deposit"](nil))
}

func TestReceiver_DefaultsToCaller(t *testing.T) {
	h := newHarness(t)
	h.deposit("alice", "BTC", 250_000)

	minted, err := h.vault.BuyStableUnit(h.ctx, vault.BuyStableUnitRequest{
		Caller: "alice", Asset: "BTC", AmountIn: big.NewInt(250_000),
	})
	require.NoError(t, err)
	bigEq(t, minted, h.balance("alice", stableUnit))
	assert.Zero(t, h.balance("", stableUnit).Sign())
	assert.Equal(t, "alice", h.eventsOf(event.EventTypeBuyStableUnit)[0].(*event.BuyStableUnit).Receiver)

	h.buy("lp", "USDC", 100_000_000)
	h.deposit("bob", "USDC", 10_000_000)
	out, err := h.vault.Swap(h.ctx, vault.SwapRequest{
		Caller: "bob", AssetIn: "USDC", AssetOut: "BTC", AmountIn: big.NewInt(10_000_000),
	})
	require.NoError(t, err)
	bigEq(t, out, h.balance("bob", "BTC"))

	out, err = h.vault.SellStableUnit(h.ctx, vault.SellStableUnitRequest{
		Caller: "alice", Asset: "USDC", StableAmount: minted,
	})
	require.NoError(t, err)
	bigEq(t, out, h.balance("alice", "USDC"))
	assert.Zero(t, h.balance("", "BTC").Sign())
	assert.Zero(t, h.balance("", "USDC").Sign())
	require.NoError(t, h.vault.CheckInvariants())
}

// ============================================================================
// Positions
// ============================================================================

func TestIncreasePosition_LongReserveScenario(t *testing.T) {
	h := newHarness(t)
	h.deposit("alice", "BTC", 25_000)
	req := vault.IncreasePositionRequest{
		Caller:          "alice",
		Account:         "alice",
		CollateralAsset: "BTC",
		IndexAsset:      "BTC",
		AmountIn:        big.NewInt(25_000),
		SizeDelta:       usd(t, "90"),
		IsLong:          true,
	}

	// an empty pool cannot reserve 225000 sats
	err := h.vault.IncreasePosition(h.ctx, req)
	require.ErrorIs(t, err, state.ErrReserveExceedsPool)
	assert.Nil(t, h.vault.GetPosition(longKey))
	bigEq(t, big.NewInt(25_000), h.balance("alice", "BTC"))

	h.buy("lp", "BTC", 250_000)
	require.NoError(t, h.vault.IncreasePosition(h.ctx, req))

	pos := h.vault.GetPosition(longKey)
	require.NotNil(t, pos)
	bigEq(t, usd(t, "90"), pos.Size)
	bigEq(t, usd(t, "9.91"), pos.Collateral)
	bigEq(t, usd(t, "40000"), pos.AveragePrice)
	bigEq(t, big.NewInt(0), pos.EntryFundingRate)
	bigEq(t, big.NewInt(225_000), pos.ReserveAmount)

	p := h.pool("BTC")
	bigEq(t, big.NewInt(274_025), p.PoolAmount)
	bigEq(t, big.NewInt(225_000), p.ReservedAmount)
	bigEq(t, big.NewInt(750+225), p.FeeReserves)
	bigEq(t, usd(t, "80.09"), p.GuaranteedUsd)
	require.NoError(t, h.vault.CheckInvariants())
}

func TestIncreasePosition_LeverageBound(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "BTC", 10_000_000)
	h.deposit("alice", "BTC", 25_000)

	err := h.vault.IncreasePosition(h.ctx, vault.IncreasePositionRequest{
		Caller:          "alice",
		Account:         "alice",
		CollateralAsset: "BTC",
		IndexAsset:      "BTC",
		AmountIn:        big.NewInt(25_000),
		SizeDelta:       usd(t, "600"),
		IsLong:          true,
	})
	require.ErrorIs(t, err, state.ErrMaxLeverageExceeded)
	assert.Equal(t, state.ClassBounds, state.Classify(err))
	assert.Empty(t, h.vault.Positions(""))
}

func TestIncreasePosition_Guards(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "BTC", 1_000_000)
	h.deposit("alice", "BTC", 25_000)
	h.deposit("alice", "USDC", 10_000_000)

	base := vault.IncreasePositionRequest{
		Caller:          "alice",
		Account:         "alice",
		CollateralAsset: "BTC",
		IndexAsset:      "BTC",
		AmountIn:        big.NewInt(25_000),
		SizeDelta:       usd(t, "20"),
		IsLong:          true,
		GasPrice:        big.NewInt(100),
	}

	tests := []struct {
		name   string
		mutate func(r *vault.IncreasePositionRequest)
		want   error
	}{
		{"router not approved", func(r *vault.IncreasePositionRequest) { r.Caller = "router" }, state.ErrUnauthorized},
		{"long with stable collateral", func(r *vault.IncreasePositionRequest) {
			r.CollateralAsset, r.IndexAsset = "USDC", "USDC"
		}, state.ErrCollateralNotAllowed},
		{"long collateral differs from index", func(r *vault.IncreasePositionRequest) {
			r.CollateralAsset = "USDC"
		}, state.ErrCollateralNotAllowed},
		{"short with volatile collateral", func(r *vault.IncreasePositionRequest) { r.IsLong = false }, state.ErrCollateralNotAllowed},
		{"short a stable", func(r *vault.IncreasePositionRequest) {
			r.IsLong, r.CollateralAsset, r.IndexAsset = false, "USDC", "USDC"
		}, state.ErrIndexNotShortable},
		{"nothing to do", func(r *vault.IncreasePositionRequest) {
			r.AmountIn, r.SizeDelta = nil, nil
		}, state.ErrInvalidAmount},
		{"gas price", func(r *vault.IncreasePositionRequest) { r.GasPrice = big.NewInt(101) }, state.ErrGasPriceTooHigh},
		{"gas price omitted", func(r *vault.IncreasePositionRequest) { r.GasPrice = nil }, state.ErrGasPriceTooHigh},
	}

	require.NoError(t, h.vault.SetMaxGasPrice(h.ctx, governor, big.NewInt(100)))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			require.ErrorIs(t, h.vault.IncreasePosition(h.ctx, req), tt.want)
		})
	}

	h.perms.ApproveRouter("alice", "router")
	req := base
	req.Caller = "router"
	require.NoError(t, h.vault.IncreasePosition(h.ctx, req))

	require.NoError(t, h.vault.UpdateParams(h.ctx, governor, func(p *state.VaultParams) {
		p.IsLeverageEnabled = false
	}))
	require.ErrorIs(t, h.vault.IncreasePosition(h.ctx, base), state.ErrLeverageDisabled)
}

func TestIncreasePosition_ShortGlobalAverage(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "USDC", 100_000_000_000)
	h.deposit("bob", "USDC", 100_000_000)
	h.deposit("carol", "USDC", 100_000_000)

	short := func(account string) {
		require.NoError(t, h.vault.IncreasePosition(h.ctx, vault.IncreasePositionRequest{
			Caller:          account,
			Account:         account,
			CollateralAsset: "USDC",
			IndexAsset:      "BTC",
			AmountIn:        big.NewInt(100_000_000),
			SizeDelta:       usd(t, "1000"),
			IsLong:          false,
		}))
	}

	short("bob")
	h.setPrice("BTC", "50000")
	short("carol")

	p := h.pool("BTC")
	bigEq(t, usd(t, "2000"), p.GlobalShortSize)
	bigEq(t, usd(t, "45000"), p.GlobalShortAveragePrice)

	usdc := h.pool("USDC")
	bigEq(t, big.NewInt(2_000_000_000), usdc.ReservedAmount)
	// $100 each, less the $1 opening fee
	bigEq(t, big.NewInt(198_000_000), usdc.EscrowedCollateral)
	require.NoError(t, h.vault.CheckInvariants())

	// bob is down $250 against $99 of collateral
	check, err := h.vault.ValidateLiquidation(state.PositionKey{
		Account: "bob", CollateralAsset: "USDC", IndexAsset: "BTC",
	}, false)
	require.NoError(t, err)
	assert.Equal(t, state.LiquidationStatusLiquidatable, check.Status)
	assert.ErrorIs(t, check.Err, state.ErrLossesExceedCollateral)

	candidates := h.vault.FindLiquidatable()
	require.Len(t, candidates, 1)
	assert.Equal(t, "bob", candidates[0].Key.Account)
}

func TestDecreasePosition_PartialThenClose(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "BTC", 250_000)
	h.openLong()
	h.setPrice("BTC", "44000")

	res, err := h.vault.DecreasePosition(h.ctx, vault.DecreasePositionRequest{
		Caller:          "alice",
		Account:         "alice",
		CollateralAsset: "BTC",
		IndexAsset:      "BTC",
		SizeDelta:       usd(t, "45"),
		IsLong:          true,
		Receiver:        "alice",
	})
	require.NoError(t, err)
	bigEq(t, usd(t, "4.5"), res.UsdOut)
	bigEq(t, usd(t, "4.455"), res.UsdOutAfterFee)
	bigEq(t, big.NewInt(10_125), res.AmountOut)

	pos := h.vault.GetPosition(longKey)
	require.NotNil(t, pos)
	bigEq(t, usd(t, "45"), pos.Size)
	bigEq(t, usd(t, "9.91"), pos.Collateral)
	bigEq(t, big.NewInt(112_500), pos.ReserveAmount)
	bigEq(t, usd(t, "4.5"), pos.RealisedPnl)
	bigEq(t, big.NewInt(112_500), h.pool("BTC").ReservedAmount)
	require.NoError(t, h.vault.CheckInvariants())

	res, err = h.vault.DecreasePosition(h.ctx, vault.DecreasePositionRequest{
		Caller:          "alice",
		Account:         "alice",
		CollateralAsset: "BTC",
		IndexAsset:      "BTC",
		SizeDelta:       usd(t, "45"),
		IsLong:          true,
	})
	require.NoError(t, err)
	bigEq(t, usd(t, "14.41"), res.UsdOut)
	bigEq(t, big.NewInt(32_647), res.AmountOut)
	assert.Nil(t, h.vault.GetPosition(longKey))

	p := h.pool("BTC")
	assert.Zero(t, p.ReservedAmount.Sign())
	assert.Zero(t, p.GuaranteedUsd.Sign())
	bigEq(t, big.NewInt(10_125+32_647), h.balance("alice", "BTC"))
	require.Len(t, h.eventsOf(event.EventTypeClosePosition), 1)
	require.NoError(t, h.vault.CheckInvariants())
}

func TestDecreasePosition_Bounds(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "BTC", 250_000)
	h.openLong()

	req := vault.DecreasePositionRequest{
		Caller:          "alice",
		Account:         "alice",
		CollateralAsset: "BTC",
		IndexAsset:      "BTC",
		IsLong:          true,
	}

	tooBig := req
	tooBig.SizeDelta = usd(t, "91")
	_, err := h.vault.DecreasePosition(h.ctx, tooBig)
	require.ErrorIs(t, err, state.ErrSizeExceeded)

	// pulling almost all collateral breaches max leverage
	drain := req
	drain.CollateralDelta = usd(t, "9.8")
	_, err = h.vault.DecreasePosition(h.ctx, drain)
	require.ErrorIs(t, err, state.ErrLiquidationFeesExceedCollateral)

	missing := req
	missing.Account, missing.Caller = "bob", "bob"
	missing.SizeDelta = usd(t, "1")
	_, err = h.vault.DecreasePosition(h.ctx, missing)
	require.ErrorIs(t, err, state.ErrPositionNotFound)

	pos := h.vault.GetPosition(longKey)
	bigEq(t, usd(t, "9.91"), pos.Collateral)
	require.NoError(t, h.vault.CheckInvariants())
}

// ============================================================================
// Liquidation
// ============================================================================

func TestLiquidatePosition_Hard(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "BTC", 250_000)
	h.openLong()

	err := h.vault.LiquidatePosition(h.ctx, vault.LiquidatePositionRequest{
		Caller: "keeper", Account: "alice", CollateralAsset: "BTC", IndexAsset: "BTC", IsLong: true,
	})
	require.ErrorIs(t, err, state.ErrNotLiquidatable)

	h.setPrice("BTC", "36000")
	require.NoError(t, h.vault.LiquidatePosition(h.ctx, vault.LiquidatePositionRequest{
		Caller:          "keeper",
		Account:         "alice",
		CollateralAsset: "BTC",
		IndexAsset:      "BTC",
		IsLong:          true,
		FeeReceiver:     "keeper",
	}))

	assert.Nil(t, h.vault.GetPosition(longKey))
	// $9 loss leaves $0.91 of collateral: all of it to the keeper, at 36000
	bigEq(t, big.NewInt(2_527), h.balance("keeper", "BTC"))

	p := h.pool("BTC")
	assert.Zero(t, p.ReservedAmount.Sign())
	assert.Zero(t, p.GuaranteedUsd.Sign())
	bigEq(t, big.NewInt(750+225), p.FeeReserves)

	liqs := h.eventsOf(event.EventTypeLiquidatePosition)
	require.Len(t, liqs, 1)
	liq := liqs[0].(*event.LiquidatePosition)
	assert.False(t, liq.Soft)
	bigEq(t, usd(t, "0.91"), liq.LiquidationFeeUsd)
	assert.Zero(t, liq.MarginFee.Sign())
	require.NoError(t, h.vault.CheckInvariants())
}

func TestLiquidatePosition_SoftOnMaxLeverage(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "BTC", 250_000)
	h.openLong()

	require.NoError(t, h.vault.UpdateParams(h.ctx, governor, func(p *state.VaultParams) {
		p.MaxLeverage = 5 * 10_000
	}))

	check, err := h.vault.ValidateLiquidation(longKey, true)
	require.ErrorIs(t, err, state.ErrMaxLeverageExceeded)
	assert.Equal(t, state.LiquidationStatusMaxLeverageExceeded, check.Status)

	require.NoError(t, h.vault.LiquidatePosition(h.ctx, vault.LiquidatePositionRequest{
		Caller: "keeper", Account: "alice", CollateralAsset: "BTC", IndexAsset: "BTC", IsLong: true,
	}))

	assert.Nil(t, h.vault.GetPosition(longKey))
	// $9.91 collateral less the $0.09 close fee, paid to the account
	bigEq(t, big.NewInt(24_550), h.balance("alice", "BTC"))
	assert.Zero(t, h.balance("keeper", "BTC").Sign())

	liqs := h.eventsOf(event.EventTypeLiquidatePosition)
	require.Len(t, liqs, 1)
	assert.True(t, liqs[0].(*event.LiquidatePosition).Soft)
	require.NoError(t, h.vault.CheckInvariants())
}

func TestLiquidatePosition_PrivateMode(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "BTC", 250_000)
	h.openLong()
	h.setPrice("BTC", "36000")
	require.NoError(t, h.vault.UpdateParams(h.ctx, governor, func(p *state.VaultParams) {
		p.InPrivateLiquidationMode = true
	}))

	req := vault.LiquidatePositionRequest{
		Caller: "keeper", Account: "alice", CollateralAsset: "BTC", IndexAsset: "BTC", IsLong: true,
	}
	require.ErrorIs(t, h.vault.LiquidatePosition(h.ctx, req), state.ErrUnauthorized)

	h.perms.Grant("keeper", governance.PermLiquidator)
	require.NoError(t, h.vault.LiquidatePosition(h.ctx, req))
}

func TestLiquidatePosition_ShortReturnsCollateralToPool(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "USDC", 100_000_000_000)
	h.deposit("bob", "USDC", 100_000_000)
	require.NoError(t, h.vault.IncreasePosition(h.ctx, vault.IncreasePositionRequest{
		Caller:          "bob",
		Account:         "bob",
		CollateralAsset: "USDC",
		IndexAsset:      "BTC",
		AmountIn:        big.NewInt(100_000_000),
		SizeDelta:       usd(t, "1000"),
		IsLong:          false,
	}))
	poolBefore := new(big.Int).Set(h.pool("USDC").PoolAmount)

	h.setPrice("BTC", "50000")
	require.NoError(t, h.vault.LiquidatePosition(h.ctx, vault.LiquidatePositionRequest{
		Caller: "keeper", Account: "bob", CollateralAsset: "USDC", IndexAsset: "BTC",
	}))

	usdc := h.pool("USDC")
	assert.Zero(t, usdc.ReservedAmount.Sign())
	assert.Zero(t, usdc.EscrowedCollateral.Sign())
	assert.Zero(t, h.pool("BTC").GlobalShortSize.Sign())
	// the $250 loss exceeds the $99 collateral: no fees, all of it to the pool
	assert.Zero(t, h.balance("keeper", "USDC").Sign())
	bigEq(t, new(big.Int).Add(poolBefore, big.NewInt(99_000_000)), usdc.PoolAmount)
	require.NoError(t, h.vault.CheckInvariants())
}

func TestLiquidatePosition_FeesComeFromCollateralAfterLoss(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "USDC", 100_000_000_000)
	h.deposit("bob", "USDC", 100_000_000)
	require.NoError(t, h.vault.IncreasePosition(h.ctx, vault.IncreasePositionRequest{
		Caller:          "bob",
		Account:         "bob",
		CollateralAsset: "USDC",
		IndexAsset:      "BTC",
		AmountIn:        big.NewInt(100_000_000),
		SizeDelta:       usd(t, "1000"),
		IsLong:          false,
	}))
	poolBefore := new(big.Int).Set(h.pool("USDC").PoolAmount)
	feesBefore := new(big.Int).Set(h.pool("USDC").FeeReserves)

	// $95 loss on $99 collateral: $4 left against $5 + $1 of fees
	h.setPrice("BTC", "43800")
	require.NoError(t, h.vault.LiquidatePosition(h.ctx, vault.LiquidatePositionRequest{
		Caller: "keeper", Account: "bob", CollateralAsset: "USDC", IndexAsset: "BTC", FeeReceiver: "keeper",
	}))

	usdc := h.pool("USDC")
	bigEq(t, big.NewInt(4_000_000), h.balance("keeper", "USDC"))
	bigEq(t, feesBefore, usdc.FeeReserves)
	bigEq(t, new(big.Int).Add(poolBefore, big.NewInt(95_000_000)), usdc.PoolAmount)
	assert.Zero(t, usdc.EscrowedCollateral.Sign())

	liq := h.eventsOf(event.EventTypeLiquidatePosition)[0].(*event.LiquidatePosition)
	bigEq(t, usd(t, "4"), liq.LiquidationFeeUsd)
	assert.Zero(t, liq.MarginFee.Sign())
	require.NoError(t, h.vault.CheckInvariants())
}

// ============================================================================
// Funding
// ============================================================================

func TestUpdateFunding_WholeIntervals(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "BTC", 250_000)
	h.openLong()

	interval := time.Duration(state.DefaultFundingPeriod) * time.Second
	acc := h.vault.FundingAccumulator("BTC")
	assert.Equal(t, int64(startTime), acc.LastFundingTime)
	assert.Zero(t, acc.CumulativeFundingRate.Sign())

	h.advance(interval*2 + interval/2)
	require.NoError(t, h.vault.UpdateFunding(h.ctx, "BTC"))

	// 2 * 100 * 225000 / 274025
	acc = h.vault.FundingAccumulator("BTC")
	bigEq(t, big.NewInt(164), acc.CumulativeFundingRate)
	assert.Equal(t, int64(startTime+2*state.DefaultFundingPeriod), acc.LastFundingTime)

	updates := len(h.eventsOf(event.EventTypeUpdateFundingRate))
	require.NoError(t, h.vault.UpdateFunding(h.ctx, "BTC"))
	assert.Equal(t, acc, h.vault.FundingAccumulator("BTC"))
	assert.Len(t, h.eventsOf(event.EventTypeUpdateFundingRate), updates)

	// the banked half interval counts toward the next one
	h.advance(interval / 2)
	require.NoError(t, h.vault.UpdateFunding(h.ctx, "BTC"))
	next := h.vault.FundingAccumulator("BTC")
	bigEq(t, big.NewInt(164+82), next.CumulativeFundingRate)
	assert.Equal(t, int64(startTime+3*state.DefaultFundingPeriod), next.LastFundingTime)
	assert.True(t, next.CumulativeFundingRate.Cmp(acc.CumulativeFundingRate) >= 0)

	// funding is charged on the next touch
	delta, _, err := h.vault.GetPositionDelta(longKey)
	require.NoError(t, err)
	assert.Zero(t, delta.Sign())
	check, err := h.vault.ValidateLiquidation(longKey, false)
	require.NoError(t, err)
	// 0.09 close fee + 90 * 246 / 1e6 funding
	bigEq(t, usd(t, "0.11214"), check.MarginFees)
}

// ============================================================================
// Re-entrancy and price snapshots
// ============================================================================

func TestReentrantCallRejected(t *testing.T) {
	h := newHarness(t)
	minted := h.buy("alice", "BTC", 250_000)
	h.deposit("mallory", "BTC", 1_000)

	var reentryErr error
	h.tokens.OnRelease(func(ctx context.Context, vaultID, to, asset string, amount *big.Int) {
		_, reentryErr = h.vault.BuyStableUnit(ctx, vault.BuyStableUnitRequest{
			Caller: "mallory", Asset: "BTC", AmountIn: big.NewInt(1_000), Receiver: "mallory",
		})
	})

	out, err := h.vault.SellStableUnit(h.ctx, vault.SellStableUnitRequest{
		Caller: "alice", Asset: "BTC", StableAmount: minted, Receiver: "mallory",
	})
	require.NoError(t, err)
	require.ErrorIs(t, reentryErr, state.ErrReentrantCall)
	// the nested buy never collected mallory's tokens
	bigEq(t, new(big.Int).Add(big.NewInt(1_000), out), h.balance("mallory", "BTC"))
	require.NoError(t, h.vault.CheckInvariants())
}

type countingFeed struct {
	oracle.PriceFeed
	mu    sync.Mutex
	calls map[string]int
}

func (f *countingFeed) GetPrice(asset string, useMax, includeSpread, allowStale bool) (*big.Int, error) {
	f.mu.Lock()
	f.calls[asset]++
	f.mu.Unlock()
	return f.PriceFeed.GetPrice(asset, useMax, includeSpread, allowStale)
}

func TestOperationSamplesPricesOnce(t *testing.T) {
	now := time.Unix(startTime, 0)
	clock := func() time.Time { return now }
	fast := oracle.NewFastPriceFeed(oracle.DefaultFeedConfig(), clock)
	require.NoError(t, fast.SetPrice("BTC", usd(t, "40000"), now))
	require.NoError(t, fast.SetSpread("BTC", 10))
	feed := &countingFeed{PriceFeed: fast, calls: make(map[string]int)}

	tokens := ledger.NewTokenLedger(stableUnit)
	perms := governance.NewRegistry()
	perms.Grant(governor, governance.PermGovernor)
	v, err := vault.New("vault", state.DefaultVaultParams(), vault.Deps{
		Feed:        feed,
		Permissions: perms,
		Custody:     tokens.VaultAccount("vault"),
		Stable:      tokens.VaultAccount("vault"),
		StableAsset: stableUnit,
		Clock:       clock,
		Logger:      observability.NewNopLogger(),
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, v.SetAssetConfig(ctx, governor, state.Asset{ID: "BTC", Decimals: 8, Weight: 1}))

	require.NoError(t, tokens.Deposit(ctx, "lp", "BTC", big.NewInt(1_000_000)))
	_, err = v.BuyStableUnit(ctx, vault.BuyStableUnitRequest{
		Caller: "lp", Asset: "BTC", AmountIn: big.NewInt(1_000_000), Receiver: "lp",
	})
	require.NoError(t, err)

	require.NoError(t, tokens.Deposit(ctx, "alice", "BTC", big.NewInt(25_000)))
	feed.calls["BTC"] = 0
	require.NoError(t, v.IncreasePosition(ctx, vault.IncreasePositionRequest{
		Caller:          "alice",
		Account:         "alice",
		CollateralAsset: "BTC",
		IndexAsset:      "BTC",
		AmountIn:        big.NewInt(25_000),
		SizeDelta:       usd(t, "50"),
		IsLong:          true,
	}))
	// one max/min pair for the whole operation
	assert.Equal(t, 2, feed.calls["BTC"])

	pos := v.GetPosition(longKey)
	require.NotNil(t, pos)
	maxPrice, err := fast.GetPrice("BTC", true, true, false)
	require.NoError(t, err)
	bigEq(t, maxPrice, pos.AveragePrice)
}

// ============================================================================
// Governance and snapshots
// ============================================================================

func TestGovernanceRequiresGovernor(t *testing.T) {
	h := newHarness(t)

	err := h.vault.SetFundingRate(h.ctx, "alice", 3600, 100, 100)
	require.ErrorIs(t, err, state.ErrUnauthorized)

	err = h.vault.SetFundingRate(h.ctx, governor, 1800, 100, 100)
	require.ErrorIs(t, err, state.ErrInvalidFundingInterval)
	assert.Equal(t, int64(state.DefaultFundingPeriod), h.vault.Params().FundingInterval)

	require.NoError(t, h.vault.SetFundingRate(h.ctx, governor, 3600, 200, 50))
	assert.Equal(t, int64(3600), h.vault.Params().FundingInterval)

	err = h.vault.SetAssetConfig(h.ctx, governor, state.Asset{ID: stableUnit, Decimals: 18})
	require.ErrorIs(t, err, state.ErrInvalidAssetConfig)

	h.buy("alice", "BTC", 1_000)
	require.ErrorIs(t, h.vault.ClearAsset(h.ctx, governor, "BTC"), state.ErrAssetInUse)
	require.NoError(t, h.vault.ClearAsset(h.ctx, governor, "USDC"))
	assert.Len(t, h.vault.Assets(), 1)
}

func TestWithdrawFees(t *testing.T) {
	h := newHarness(t)
	h.buy("alice", "BTC", 250_000)

	_, err := h.vault.WithdrawFees(h.ctx, "alice", "BTC", "alice")
	require.ErrorIs(t, err, state.ErrUnauthorized)

	amount, err := h.vault.WithdrawFees(h.ctx, governor, "BTC", "treasury")
	require.NoError(t, err)
	bigEq(t, big.NewInt(750), amount)
	bigEq(t, big.NewInt(750), h.balance("treasury", "BTC"))
	assert.Zero(t, h.pool("BTC").FeeReserves.Sign())
	require.NoError(t, h.vault.CheckInvariants())
}

func TestExportImport(t *testing.T) {
	h := newHarness(t)
	h.buy("lp", "BTC", 250_000)
	h.openLong()

	digest := h.vault.StateDigest()
	snap := h.vault.Export()

	h.setPrice("BTC", "44000")
	_, err := h.vault.DecreasePosition(h.ctx, vault.DecreasePositionRequest{
		Caller: "alice", Account: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
		SizeDelta: usd(t, "90"), IsLong: true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, digest, h.vault.StateDigest())

	require.NoError(t, h.vault.Import(snap))
	assert.Equal(t, digest, h.vault.StateDigest())
	require.NotNil(t, h.vault.GetPosition(longKey))
}
