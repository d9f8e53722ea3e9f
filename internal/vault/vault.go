// Package vault is the vault core: stable unit issuance, pool swaps and
// leveraged positions over a single owned VaultState.
package vault

import (
	"PerpVault/internal/event"
	"PerpVault/internal/governance"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrInvariantViolated means a committed operation left custody or the
	// stable supply out of line with the ledger. Callers should halt.
	ErrInvariantViolated = errors.New("vault: invariant violated")

	// ErrSettlementFailed means the state change committed but an outbound
	// transfer did not go through.
	ErrSettlementFailed = errors.New("vault: settlement failed after commit")
)

// Custody moves tokens in and out of the vault's holdings.
type Custody interface {
	Collect(ctx context.Context, from, asset string, amount *big.Int) error
	Release(ctx context.Context, to, asset string, amount *big.Int) error
	BalanceOf(asset string) *big.Int
}

// StableToken is the stable unit the vault issues. Burn retires units the
// vault itself holds.
type StableToken interface {
	Mint(ctx context.Context, to string, amount *big.Int) error
	Burn(ctx context.Context, amount *big.Int) error
	TotalSupply() *big.Int
}

// EventSink receives the events of each committed operation, in order.
type EventSink interface {
	Publish(events []event.Event)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(events []event.Event)

func (f EventSinkFunc) Publish(events []event.Event) { f(events) }

// Deps are the collaborators a vault is built from
type Deps struct {
	Feed        oracle.PriceFeed
	Permissions governance.Permissions
	Custody     Custody
	Stable      StableToken
	StableAsset string // custody asset id of the stable unit
	Clock       func() time.Time
	Logger      zerolog.Logger
	Metrics     *observability.Metrics // optional
	Sink        EventSink              // optional
}

// Vault owns one VaultState and serializes every operation on it behind a
// single lock.
type Vault struct {
	mu sync.Mutex
	id string

	s         *state.VaultState
	pools     *state.PoolLedger
	positions *state.PositionLedger
	funding   *state.FundingEngine
	fees      *state.FeeModel
	margin    *state.MarginCalculator
	scanner   *state.LiquidationScanner

	feed        oracle.PriceFeed
	perms       governance.Permissions
	custody     Custody
	stable      StableToken
	stableAsset string
	clock       func() time.Time
	logger      zerolog.Logger
	metrics     *observability.Metrics
	sink        EventSink
}

// New creates an empty vault with the given parameters.
func New(id string, params state.VaultParams, deps Deps) (*Vault, error) {
	if err := state.ValidateVaultParams(params); err != nil {
		return nil, err
	}
	return newVault(id, state.NewVaultState(params), deps)
}

// Restore creates a vault from a state snapshot.
func Restore(id string, snap *state.Snapshot, deps Deps) (*Vault, error) {
	s, err := state.RestoreVaultState(snap)
	if err != nil {
		return nil, err
	}
	return newVault(id, s, deps)
}

func newVault(id string, s *state.VaultState, deps Deps) (*Vault, error) {
	switch {
	case id == "":
		return nil, fmt.Errorf("vault id is required")
	case deps.Feed == nil:
		return nil, fmt.Errorf("vault %s: price feed is required", id)
	case deps.Permissions == nil:
		return nil, fmt.Errorf("vault %s: permissions are required", id)
	case deps.Custody == nil:
		return nil, fmt.Errorf("vault %s: custody is required", id)
	case deps.Stable == nil:
		return nil, fmt.Errorf("vault %s: stable token is required", id)
	case deps.StableAsset == "":
		return nil, fmt.Errorf("vault %s: stable asset id is required", id)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	v := &Vault{
		id:          id,
		feed:        deps.Feed,
		perms:       deps.Permissions,
		custody:     deps.Custody,
		stable:      deps.Stable,
		stableAsset: deps.StableAsset,
		clock:       clock,
		logger:      deps.Logger.With().Str("vault", id).Logger(),
		metrics:     deps.Metrics,
		sink:        deps.Sink,
	}
	v.bind(s)
	return v, nil
}

// bind points every ledger view at s
func (v *Vault) bind(s *state.VaultState) {
	v.s = s
	v.pools = state.NewPoolLedger(s)
	v.positions = state.NewPositionLedger(s)
	v.funding = state.NewFundingEngine(s)
	v.fees = state.NewFeeModel(s, v.pools)
	v.margin = state.NewMarginCalculator(s, v.fees)
	v.scanner = state.NewLiquidationScanner(v.positions, v.margin)
}

// ID returns the vault's custody identity.
func (v *Vault) ID() string {
	return v.id
}

// SetEventSink replaces the event sink. Not safe during an operation.
func (v *Vault) SetEventSink(sink EventSink) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sink = sink
}

// ============================================================================
// Re-entrancy
// ============================================================================

type reentryKey struct{}

// guard rejects calls made from inside this vault's own outbound transfers.
func (v *Vault) guard(ctx context.Context) error {
	if owner, ok := ctx.Value(reentryKey{}).(*Vault); ok && owner == v {
		return state.ErrReentrantCall
	}
	return nil
}

// outbound marks ctx as originating from this vault's transfers.
func (v *Vault) outbound(ctx context.Context) context.Context {
	return context.WithValue(ctx, reentryKey{}, v)
}

// ============================================================================
// Operation execution
// ============================================================================

type transfer struct {
	holder string
	asset  string
	amount *big.Int
}

// operation accumulates everything one vault call does besides its state
// mutations: the price snapshot, custody movements and events.
type operation struct {
	name    string
	now     int64
	prices  *oracle.Snapshot
	events  []event.Event
	collect []transfer
	burn    *big.Int
	mint    []transfer
	release []transfer
}

func (op *operation) emit(e event.Event) {
	op.events = append(op.events, e)
}

func (op *operation) collectFrom(holder, asset string, amount *big.Int) {
	if amount.Sign() > 0 {
		op.collect = append(op.collect, transfer{holder, asset, new(big.Int).Set(amount)})
	}
}

func (op *operation) releaseTo(holder, asset string, amount *big.Int) {
	if amount.Sign() > 0 {
		op.release = append(op.release, transfer{holder, asset, new(big.Int).Set(amount)})
	}
}

func (op *operation) mintTo(holder string, amount *big.Int) {
	if amount.Sign() > 0 {
		op.mint = append(op.mint, transfer{holder: holder, amount: new(big.Int).Set(amount)})
	}
}

// execute runs fn as one all-or-nothing operation. The caller holds v.mu.
//
// Step 1: mutate state under a rollback journal
// Step 2: validate the post-state
// Step 3: collect inbound tokens
// Step 4: commit
// Step 5: burn, mint and release
// Step 6: reconcile custody and supply, publish events
//
// committed reports whether the state change was kept. A committed
// operation can still return ErrSettlementFailed or ErrInvariantViolated.
func (v *Vault) execute(ctx context.Context, name string, fn func(op *operation) error) (committed bool, err error) {
	start := time.Now()
	op := &operation{
		name:   name,
		now:    v.clock().Unix(),
		prices: oracle.NewSnapshot(v.feed),
	}

	// Step 1
	v.s.Begin()
	if err := fn(op); err != nil {
		v.s.Rollback()
		return false, v.reject(op, err)
	}

	// Step 2
	if err := v.pools.ValidateInvariants(); err != nil {
		v.s.Rollback()
		return false, v.reject(op, err)
	}

	// Step 3
	for i, t := range op.collect {
		if err := v.custody.Collect(ctx, t.holder, t.asset, t.amount); err != nil {
			v.refund(ctx, op.collect[:i])
			v.s.Rollback()
			return false, v.reject(op, fmt.Errorf("collect %s %s from %s: %w", t.amount, t.asset, t.holder, err))
		}
	}

	// Step 4
	v.s.Commit()

	// Step 5
	out := v.outbound(ctx)
	var errs []error
	if op.burn != nil && op.burn.Sign() > 0 {
		if err := v.stable.Burn(out, op.burn); err != nil {
			errs = append(errs, fmt.Errorf("%w: burn %s: %v", ErrSettlementFailed, op.burn, err))
		}
	}
	for _, t := range op.mint {
		if err := v.stable.Mint(out, t.holder, t.amount); err != nil {
			errs = append(errs, fmt.Errorf("%w: mint %s to %s: %v", ErrSettlementFailed, t.amount, t.holder, err))
		}
	}
	for _, t := range op.release {
		if err := v.custody.Release(out, t.holder, t.asset, t.amount); err != nil {
			errs = append(errs, fmt.Errorf("%w: release %s %s to %s: %v", ErrSettlementFailed, t.amount, t.asset, t.holder, err))
		}
	}

	// Step 6
	if err := v.reconcile(); err != nil {
		errs = append(errs, err)
	}
	if v.sink != nil && len(op.events) > 0 {
		v.sink.Publish(op.events)
	}
	v.observe(op, start)

	if len(errs) > 0 {
		err := errors.Join(errs...)
		v.logger.Error().Err(err).Str("op", name).Msg("post-commit failure")
		return true, err
	}

	v.logger.Debug().
		Str("op", name).
		Int("events", len(op.events)).
		Dur("took", time.Since(start)).
		Msg("committed")
	return true, nil
}

// refund returns tokens collected before a later collect failed
func (v *Vault) refund(ctx context.Context, collected []transfer) {
	for _, t := range collected {
		if err := v.custody.Release(v.outbound(ctx), t.holder, t.asset, t.amount); err != nil {
			v.logger.Error().Err(err).
				Str("holder", t.holder).
				Str("asset", t.asset).
				Str("amount", t.amount.String()).
				Msg("refund failed")
		}
	}
}

func (v *Vault) reject(op *operation, err error) error {
	class := state.Classify(err)
	v.logger.Info().
		Err(err).
		Str("op", op.name).
		Str("class", class.String()).
		Msg("rejected")
	if v.metrics != nil {
		v.metrics.VaultOpsRejected.WithLabelValues(op.name, class.String()).Inc()
	}
	return err
}

// reconcile checks custody holds exactly what the pools account for and
// the stable supply matches the token's.
func (v *Vault) reconcile() error {
	for _, id := range v.s.AssetIDs() {
		held := v.pools.Pool(id).Held()
		balance := v.custody.BalanceOf(id)
		if held.Cmp(balance) != 0 {
			return fmt.Errorf("%w: %s custody=%s, accounted=%s", ErrInvariantViolated, id, balance, held)
		}
	}
	if supply := v.stable.TotalSupply(); supply.Cmp(v.s.StableSupply) != 0 {
		return fmt.Errorf("%w: stable supply token=%s, recorded=%s", ErrInvariantViolated, supply, v.s.StableSupply)
	}
	return nil
}

// CheckInvariants runs the pool bounds and custody reconciliation.
func (v *Vault) CheckInvariants() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.pools.ValidateInvariants(); err != nil {
		return err
	}
	return v.reconcile()
}

func (v *Vault) observe(op *operation, start time.Time) {
	if v.metrics == nil {
		return
	}
	m := v.metrics
	m.VaultOpsApplied.WithLabelValues(op.name).Inc()
	m.VaultOpDuration.WithLabelValues(op.name).Observe(time.Since(start).Seconds())

	for _, id := range v.s.AssetIDs() {
		p := v.pools.Pool(id)
		m.VaultPoolAmount.WithLabelValues(id).Set(bigFloat(p.PoolAmount))
		m.VaultReserved.WithLabelValues(id).Set(bigFloat(p.ReservedAmount))
		m.VaultFeeReserves.WithLabelValues(id).Set(bigFloat(p.FeeReserves))
		m.VaultFundingRate.WithLabelValues(id).Set(bigFloat(v.funding.CumulativeRate(id)))
	}
	supply, _ := fpmath.ToDecimal(v.s.StableSupply, fpmath.StableUnitDecimals).Float64()
	m.VaultStableSupply.Set(supply)
	m.VaultPositions.Set(float64(v.positions.Count()))
}

func bigFloat(x *big.Int) float64 {
	f, _ := new(big.Float).SetInt(x).Float64()
	return f
}

// ============================================================================
// Guards and helpers
// ============================================================================

// validateGasPrice enforces MaxGasPrice on every user mutation. Once a limit
// is set, a request that omits its gas price is rejected.
func (v *Vault) validateGasPrice(gasPrice *big.Int) error {
	limit := v.s.Params.MaxGasPrice
	if fpmath.IsZero(limit) {
		return nil
	}
	if gasPrice == nil {
		return fmt.Errorf("%w: missing gas price, limit %s", state.ErrGasPriceTooHigh, limit)
	}
	if gasPrice.Cmp(limit) > 0 {
		return fmt.Errorf("%w: %s > %s", state.ErrGasPriceTooHigh, gasPrice, limit)
	}
	return nil
}

// validateRouter lets the account act for itself or through an approved
// router.
func (v *Vault) validateRouter(account, caller string) error {
	if caller == account || v.perms.IsApprovedRouter(account, caller) {
		return nil
	}
	return fmt.Errorf("%w: %s cannot act for %s", state.ErrUnauthorized, caller, account)
}

// validateManager restricts issuance to handlers in manager mode.
func (v *Vault) validateManager(caller string) error {
	if v.s.Params.InManagerMode && !v.perms.IsHandler(caller) {
		return fmt.Errorf("%w: %s is not a handler", state.ErrUnauthorized, caller)
	}
	return nil
}

func (v *Vault) validateGovernor(caller string) error {
	if !v.perms.IsGovernor(caller) {
		return fmt.Errorf("%w: %s is not governor", state.ErrUnauthorized, caller)
	}
	return nil
}

func validateAmount(name string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: %s must be > 0", state.ErrInvalidAmount, name)
	}
	return nil
}

// nonNegative returns a copy of amount, mapping nil to zero
func nonNegative(name string, amount *big.Int) (*big.Int, error) {
	if amount == nil {
		return new(big.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s is negative", state.ErrInvalidAmount, name)
	}
	return new(big.Int).Set(amount), nil
}

// updateFunding brings the asset's accumulator current and records the step.
func (v *Vault) updateFunding(op *operation, asset string) {
	u := v.funding.Update(asset, op.now)
	if u == nil {
		return
	}
	op.emit(&event.UpdateFundingRate{
		Asset:                 u.Asset,
		Intervals:             u.Intervals,
		RateDelta:             u.RateDelta,
		CumulativeFundingRate: u.CumulativeFundingRate,
		PrevFundingTime:       u.PrevFundingTime,
		LastFundingTime:       u.LastFundingTime,
		Started:               u.Started,
	})
}

func (v *Vault) decimals(asset string) (int, error) {
	a, err := v.pools.Asset(asset)
	if err != nil {
		return 0, err
	}
	return a.Decimals, nil
}

// tokenToUsdMin values tokens at the min price.
func (v *Vault) tokenToUsdMin(op *operation, asset string, amount *big.Int) (*big.Int, error) {
	if amount.Sign() == 0 {
		return new(big.Int), nil
	}
	dec, err := v.decimals(asset)
	if err != nil {
		return nil, err
	}
	price, err := op.prices.Min(asset)
	if err != nil {
		return nil, err
	}
	return fpmath.TokenToUsd(amount, price, dec), nil
}

// usdToTokenMin converts at the max price, giving the fewer tokens.
func (v *Vault) usdToTokenMin(op *operation, asset string, usd *big.Int) (*big.Int, error) {
	if usd.Sign() == 0 {
		return new(big.Int), nil
	}
	dec, err := v.decimals(asset)
	if err != nil {
		return nil, err
	}
	price, err := op.prices.Max(asset)
	if err != nil {
		return nil, err
	}
	return fpmath.UsdToToken(usd, price, dec), nil
}

// usdToTokenMax converts at the min price, giving the more tokens.
func (v *Vault) usdToTokenMax(op *operation, asset string, usd *big.Int) (*big.Int, error) {
	if usd.Sign() == 0 {
		return new(big.Int), nil
	}
	dec, err := v.decimals(asset)
	if err != nil {
		return nil, err
	}
	price, err := op.prices.Min(asset)
	if err != nil {
		return nil, err
	}
	return fpmath.UsdToToken(usd, price, dec), nil
}

func toStableUnits(usd *big.Int) *big.Int {
	return fpmath.AdjustDecimals(usd, fpmath.PriceConfig.DecimalPrecision, fpmath.StableUnitDecimals)
}

func fromStableUnits(amount *big.Int) *big.Int {
	return fpmath.AdjustDecimals(amount, fpmath.StableUnitDecimals, fpmath.PriceConfig.DecimalPrecision)
}

func (v *Vault) poolTotals(asset string) event.PoolTotals {
	p := v.pools.Pool(asset)
	return event.PoolTotals{
		PoolAmount:     fpmath.Clone(p.PoolAmount),
		ReservedAmount: fpmath.Clone(p.ReservedAmount),
		FeeReserves:    fpmath.Clone(p.FeeReserves),
		StableUnitDebt: fpmath.Clone(p.StableUnitDebt),
	}
}
