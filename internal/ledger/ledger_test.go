package ledger_test

import (
	"PerpVault/internal/ledger"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"
)

func amt(v int64) *big.Int { return big.NewInt(v) }

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_HolderPath(t *testing.T) {
	key := ledger.NewHolderAccountKey("alice", "BTC")

	path := key.AccountPath()
	if path != "holder:alice:BTC" {
		t.Errorf("got %q, want %q", path, "holder:alice:BTC")
	}
}

func TestAccountKey_VaultPath(t *testing.T) {
	key := ledger.NewVaultAccountKey("vault", "USDC")

	if path := key.AccountPath(); path != "vault:vault:USDC" {
		t.Errorf("got %q, want %q", path, "vault:vault:USDC")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalIssuance, "USDG")

	if path := key.AccountPath(); path != "external:issuance:USDG" {
		t.Errorf("got %q, want %q", path, "external:issuance:USDG")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewHolderAccountKey("bob", "ETH"),
		ledger.NewVaultAccountKey("v1", "BTC"),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "BTC"),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, "BTC"),
	}
	for _, k := range keys {
		got, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %q: %v", k.AccountPath(), err)
		}
		if got != k {
			t.Errorf("got %+v, want %+v", got, k)
		}
	}

	if _, err := ledger.ParseAccountPath("user:x"); err == nil {
		t.Error("expected error for malformed path")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	balance := bt.GetBalance(ledger.NewHolderAccountKey("alice", "BTC"))
	if balance.Sign() != 0 {
		t.Errorf("initial balance should be 0, got %s", balance)
	}
}

func depositBatch(holder, asset string, amount int64) *ledger.Batch {
	batchID := uuid.New()
	return &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewHolderAccountKey(holder, asset),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, asset),
				Asset:         asset,
				Amount:        amt(amount),
			},
		},
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if err := bt.ApplyBatch(depositBatch("alice", "BTC", 500_000)); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if got := bt.GetBalance(ledger.NewHolderAccountKey("alice", "BTC")); got.Cmp(amt(500_000)) != 0 {
		t.Errorf("got %s, want 500000", got)
	}
}

func TestBalanceTracker_ApplyBatch_RejectsOverdraft(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if err := bt.ApplyBatch(depositBatch("alice", "BTC", 100)); err != nil {
		t.Fatal(err)
	}

	batchID := uuid.New()
	overdraft := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewHolderAccountKey("bob", "BTC"),
				CreditAccount: ledger.NewHolderAccountKey("alice", "BTC"),
				Asset:         "BTC",
				Amount:        amt(60),
			},
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewHolderAccountKey("carol", "BTC"),
				CreditAccount: ledger.NewHolderAccountKey("alice", "BTC"),
				Asset:         "BTC",
				Amount:        amt(60),
			},
		},
	}

	err := bt.ApplyBatch(overdraft)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	// Nothing applied
	if got := bt.GetBalance(ledger.NewHolderAccountKey("alice", "BTC")); got.Cmp(amt(100)) != 0 {
		t.Errorf("alice: got %s, want 100", got)
	}
	if got := bt.GetBalance(ledger.NewHolderAccountKey("bob", "BTC")); got.Sign() != 0 {
		t.Errorf("bob: got %s, want 0", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if err := bt.ApplyBatch(depositBatch("alice", "BTC", 1_000_000)); err != nil {
		t.Fatal(err)
	}
	if err := bt.ApplyBatch(depositBatch("bob", "ETH", 7)); err != nil {
		t.Fatal(err)
	}

	totals := bt.ComputeGlobalBalance()
	for asset, total := range totals {
		if total.Sign() != 0 {
			t.Errorf("asset %s has non-zero global balance: %s", asset, total)
		}
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if err := bt.ApplyBatch(depositBatch("alice", "BTC", 999)); err != nil {
		t.Fatal(err)
	}

	snap := bt.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("got %d entries, want 2", len(snap))
	}

	// Mutating snapshot should not affect tracker
	snap[0].Amount.SetInt64(0)
	snap[1].Amount.SetInt64(0)
	if got := bt.GetBalance(ledger.NewHolderAccountKey("alice", "BTC")); got.Cmp(amt(999)) != 0 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}

	restored := ledger.NewBalanceTracker()
	if err := restored.Restore(bt.Snapshot()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := restored.GetBalance(ledger.NewHolderAccountKey("alice", "BTC")); got.Cmp(amt(999)) != 0 {
		t.Errorf("restored: got %s, want 999", got)
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatch_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(b *ledger.Batch)
		wantErr bool
	}{
		{"valid", func(b *ledger.Batch) {}, false},
		{"empty", func(b *ledger.Batch) { b.Journals = nil }, true},
		{"zero amount", func(b *ledger.Batch) { b.Journals[0].Amount = amt(0) }, true},
		{"negative amount", func(b *ledger.Batch) { b.Journals[0].Amount = amt(-1) }, true},
		{"batch mismatch", func(b *ledger.Batch) { b.Journals[0].BatchID = uuid.New() }, true},
		{"self transfer", func(b *ledger.Batch) { b.Journals[0].CreditAccount = b.Journals[0].DebitAccount }, true},
		{"mixed assets", func(b *ledger.Batch) { b.Journals[0].Asset = "ETH" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := depositBatch("alice", "BTC", 10)
			tt.mutate(b)
			err := b.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("got err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

// ============================================================================
// Test: TokenLedger / VaultAccount
// ============================================================================

func TestTokenLedger_CollectRelease(t *testing.T) {
	ctx := context.Background()
	tl := ledger.NewTokenLedger("USDG")
	va := tl.VaultAccount("vault")

	if err := tl.Deposit(ctx, "alice", "BTC", amt(1_000)); err != nil {
		t.Fatal(err)
	}
	if err := va.Collect(ctx, "alice", "BTC", amt(400)); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := va.BalanceOf("BTC"); got.Cmp(amt(400)) != 0 {
		t.Errorf("custody: got %s, want 400", got)
	}
	if got := tl.BalanceOf("alice", "BTC"); got.Cmp(amt(600)) != 0 {
		t.Errorf("alice: got %s, want 600", got)
	}

	if err := va.Release(ctx, "bob", "BTC", amt(150)); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := tl.BalanceOf("bob", "BTC"); got.Cmp(amt(150)) != 0 {
		t.Errorf("bob: got %s, want 150", got)
	}

	if err := va.Release(ctx, "bob", "BTC", amt(1_000)); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
	if err := tl.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestTokenLedger_CollectMoreThanBalanceFails(t *testing.T) {
	ctx := context.Background()
	tl := ledger.NewTokenLedger("USDG")
	va := tl.VaultAccount("vault")

	err := va.Collect(ctx, "alice", "BTC", amt(1))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestTokenLedger_MintBurnSupply(t *testing.T) {
	ctx := context.Background()
	tl := ledger.NewTokenLedger("USDG")
	va := tl.VaultAccount("vault")

	if err := va.Mint(ctx, "alice", amt(100)); err != nil {
		t.Fatal(err)
	}
	if got := va.TotalSupply(); got.Cmp(amt(100)) != 0 {
		t.Fatalf("supply: got %s, want 100", got)
	}

	if err := va.Collect(ctx, "alice", "USDG", amt(40)); err != nil {
		t.Fatal(err)
	}
	if err := va.Burn(ctx, amt(40)); err != nil {
		t.Fatal(err)
	}
	if got := va.TotalSupply(); got.Cmp(amt(60)) != 0 {
		t.Errorf("supply: got %s, want 60", got)
	}
	if got := tl.BalanceOf("alice", "USDG"); got.Cmp(amt(60)) != 0 {
		t.Errorf("alice: got %s, want 60", got)
	}

	if err := tl.Deposit(ctx, "alice", "USDG", amt(1)); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("stable deposit: got %v, want ErrInvalidAmount", err)
	}
}

func TestTokenLedger_ReleaseHookAndEventRef(t *testing.T) {
	tl := ledger.NewTokenLedger("USDG")
	va := tl.VaultAccount("vault")
	ctx := ledger.WithEventRef(context.Background(), "cmd-1")

	var refs []string
	tl.OnBatch(func(b *ledger.Batch) { refs = append(refs, b.EventRef) })

	var hooked *big.Int
	tl.OnRelease(func(ctx context.Context, vaultID, to, asset string, amount *big.Int) {
		hooked = amount
	})

	if err := tl.Deposit(ctx, "vault-seed", "ETH", amt(10)); err != nil {
		t.Fatal(err)
	}
	if err := va.Collect(ctx, "vault-seed", "ETH", amt(10)); err != nil {
		t.Fatal(err)
	}
	if err := va.Release(ctx, "alice", "ETH", amt(3)); err != nil {
		t.Fatal(err)
	}

	if hooked == nil || hooked.Cmp(amt(3)) != 0 {
		t.Errorf("hook amount: got %v, want 3", hooked)
	}
	if len(refs) != 3 {
		t.Fatalf("got %d batches, want 3", len(refs))
	}
	for _, r := range refs {
		if r != "cmd-1" {
			t.Errorf("event ref: got %q, want cmd-1", r)
		}
	}
}

func TestTokenLedger_SnapshotRestore(t *testing.T) {
	ctx := context.Background()
	tl := ledger.NewTokenLedger("USDG")
	va := tl.VaultAccount("vault")
	if err := tl.Deposit(ctx, "alice", "BTC", amt(500)); err != nil {
		t.Fatal(err)
	}
	if err := va.Mint(ctx, "alice", amt(42)); err != nil {
		t.Fatal(err)
	}

	snap := tl.Snapshot()

	restored := ledger.NewTokenLedger("USDG")
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := restored.BalanceOf("alice", "BTC"); got.Cmp(amt(500)) != 0 {
		t.Errorf("BTC: got %s, want 500", got)
	}
	if got := restored.TotalSupply(); got.Cmp(amt(42)) != 0 {
		t.Errorf("supply: got %s, want 42", got)
	}
	if restored.Snapshot().Sequence != snap.Sequence {
		t.Errorf("sequence: got %d, want %d", restored.Snapshot().Sequence, snap.Sequence)
	}
}

func TestInvariantValidator_ValidateSupply(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	batchID := uuid.New()
	mint := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewHolderAccountKey("alice", "USDG"),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalIssuance, "USDG"),
			Asset:         "USDG",
			Amount:        amt(77),
		}},
	}
	if err := bt.ApplyBatch(mint); err != nil {
		t.Fatal(err)
	}

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateSupply("USDG", amt(77)); err != nil {
		t.Errorf("ValidateSupply: %v", err)
	}
	if err := v.ValidateSupply("USDG", amt(78)); err == nil {
		t.Error("expected supply mismatch")
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("ValidateGlobalBalance: %v", err)
	}
}
