// internal/ledger/custody.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
)

type eventRefKey struct{}

// WithEventRef tags every journal written under ctx with ref.
func WithEventRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, eventRefKey{}, ref)
}

// EventRefFrom returns the ref set by WithEventRef, or "".
func EventRefFrom(ctx context.Context) string {
	if ref, ok := ctx.Value(eventRefKey{}).(string); ok {
		return ref
	}
	return ""
}

// ReleaseHook observes tokens leaving vault custody. It runs after the
// transfer has been applied, outside the ledger lock, with the caller's ctx.
type ReleaseHook func(ctx context.Context, vaultID, to, asset string, amount *big.Int)

// TokenLedger is the double-entry token ledger behind vault custody and the
// stable unit. Every movement is a validated journal batch.
type TokenLedger struct {
	mu          sync.Mutex
	tracker     *BalanceTracker
	generator   *JournalGenerator
	validator   *InvariantValidator
	stableAsset string
	clock       func() time.Time

	hooks     []ReleaseHook
	observers []func(*Batch)
}

func NewTokenLedger(stableAsset string) *TokenLedger {
	tracker := NewBalanceTracker()
	return &TokenLedger{
		tracker:     tracker,
		generator:   NewJournalGenerator(1, tracker),
		validator:   NewInvariantValidator(tracker),
		stableAsset: stableAsset,
		clock:       time.Now,
	}
}

// SetClock overrides the journal timestamp source.
func (tl *TokenLedger) SetClock(clock func() time.Time) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.clock = clock
}

// OnRelease registers a hook run after each release from a vault.
func (tl *TokenLedger) OnRelease(h ReleaseHook) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.hooks = append(tl.hooks, h)
}

// OnBatch registers an observer for every applied batch.
func (tl *TokenLedger) OnBatch(fn func(*Batch)) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.observers = append(tl.observers, fn)
}

// StableAsset returns the stable unit's asset id.
func (tl *TokenLedger) StableAsset() string {
	return tl.stableAsset
}

// apply generates and applies one batch under the ledger lock
func (tl *TokenLedger) apply(gen func(ts int64) (*Batch, error)) (*Batch, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	batch, err := gen(tl.clock().Unix())
	if err != nil {
		return nil, err
	}
	if err := tl.tracker.ApplyBatch(batch); err != nil {
		return nil, err
	}
	for _, fn := range tl.observers {
		fn(batch)
	}
	return batch, nil
}

// Deposit credits holder with tokens entering from outside.
func (tl *TokenLedger) Deposit(ctx context.Context, holder, asset string, amount *big.Int) error {
	if asset == tl.stableAsset {
		return fmt.Errorf("%w: %s is issued by the vault only", ErrInvalidAmount, asset)
	}
	_, err := tl.apply(func(ts int64) (*Batch, error) {
		return tl.generator.GenerateDeposit(EventRefFrom(ctx), holder, asset, amount, ts)
	})
	return err
}

// Withdraw debits holder's tokens leaving the system.
func (tl *TokenLedger) Withdraw(ctx context.Context, holder, asset string, amount *big.Int) error {
	_, err := tl.apply(func(ts int64) (*Batch, error) {
		return tl.generator.GenerateWithdrawal(EventRefFrom(ctx), holder, asset, amount, ts)
	})
	return err
}

// Transfer moves tokens between holders.
func (tl *TokenLedger) Transfer(ctx context.Context, from, to, asset string, amount *big.Int) error {
	_, err := tl.apply(func(ts int64) (*Batch, error) {
		return tl.generator.GenerateTransfer(EventRefFrom(ctx), from, to, asset, amount, ts)
	})
	return err
}

// BalanceOf returns a holder's balance.
func (tl *TokenLedger) BalanceOf(holder, asset string) *big.Int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return new(big.Int).Set(tl.tracker.GetBalance(NewHolderAccountKey(holder, asset)))
}

// VaultBalance returns what vaultID holds in custody.
func (tl *TokenLedger) VaultBalance(vaultID, asset string) *big.Int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return new(big.Int).Set(tl.tracker.GetBalance(NewVaultAccountKey(vaultID, asset)))
}

// TotalSupply is the circulating stable unit supply.
func (tl *TokenLedger) TotalSupply() *big.Int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	issuance := tl.tracker.GetBalance(NewExternalAccountKey(SubTypeExternalIssuance, tl.stableAsset))
	return new(big.Int).Neg(issuance)
}

// Validate checks the ledger is zero-sum with no negative wallets.
func (tl *TokenLedger) Validate() error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if err := tl.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	return tl.validator.ValidateNoNegativeWallets()
}

// Snapshot is the serializable ledger state
type Snapshot struct {
	Sequence int64          `json:"sequence"`
	Balances []BalanceEntry `json:"balances"`
}

func (tl *TokenLedger) Snapshot() *Snapshot {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return &Snapshot{
		Sequence: tl.generator.Sequence(),
		Balances: tl.tracker.Snapshot(),
	}
}

// Restore replaces the ledger's balances and sequence.
func (tl *TokenLedger) Restore(snap *Snapshot) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if err := tl.tracker.Restore(snap.Balances); err != nil {
		return err
	}
	tl.generator.sequence = snap.Sequence
	return tl.validator.ValidateGlobalBalance()
}

// VaultAccount is one vault's view of the ledger: token custody plus the
// stable unit it issues.
type VaultAccount struct {
	tl      *TokenLedger
	vaultID string
}

func (tl *TokenLedger) VaultAccount(vaultID string) *VaultAccount {
	return &VaultAccount{tl: tl, vaultID: vaultID}
}

// ID returns the vault's holder identity.
func (va *VaultAccount) ID() string {
	return va.vaultID
}

// Collect moves amount from a holder into custody.
func (va *VaultAccount) Collect(ctx context.Context, from, asset string, amount *big.Int) error {
	_, err := va.tl.apply(func(ts int64) (*Batch, error) {
		return va.tl.generator.GenerateCollect(EventRefFrom(ctx), va.vaultID, from, asset, amount, ts)
	})
	return err
}

// Release pays amount out of custody to a holder, then runs the release
// hooks with ctx.
func (va *VaultAccount) Release(ctx context.Context, to, asset string, amount *big.Int) error {
	if _, err := va.tl.apply(func(ts int64) (*Batch, error) {
		return va.tl.generator.GenerateRelease(EventRefFrom(ctx), va.vaultID, to, asset, amount, ts)
	}); err != nil {
		return err
	}

	va.tl.mu.Lock()
	hooks := append([]ReleaseHook(nil), va.tl.hooks...)
	va.tl.mu.Unlock()
	for _, h := range hooks {
		h(ctx, va.vaultID, to, asset, amount)
	}
	return nil
}

// BalanceOf returns what the vault holds in custody.
func (va *VaultAccount) BalanceOf(asset string) *big.Int {
	return va.tl.VaultBalance(va.vaultID, asset)
}

// Mint issues stable units to a holder.
func (va *VaultAccount) Mint(ctx context.Context, to string, amount *big.Int) error {
	_, err := va.tl.apply(func(ts int64) (*Batch, error) {
		return va.tl.generator.GenerateMint(EventRefFrom(ctx), to, va.tl.stableAsset, amount, ts)
	})
	return err
}

// Burn retires stable units the vault holds in custody.
func (va *VaultAccount) Burn(ctx context.Context, amount *big.Int) error {
	_, err := va.tl.apply(func(ts int64) (*Batch, error) {
		return va.tl.generator.GenerateBurn(EventRefFrom(ctx), va.vaultID, va.tl.stableAsset, amount, ts)
	})
	return err
}

// TotalSupply is the circulating stable unit supply.
func (va *VaultAccount) TotalSupply() *big.Int {
	return va.tl.TotalSupply()
}
