package ledger

import (
	"fmt"
	"math/big"
	"sort"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.add(j.DebitAccount, j.Amount)
	bt.add(j.CreditAccount, new(big.Int).Neg(j.Amount))
}

func (bt *BalanceTracker) add(key AccountKey, delta *big.Int) {
	next := new(big.Int).Add(bt.GetBalance(key), delta)
	if next.Sign() == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = next
}

// ApplyBatch applies all journals in a batch. The batch is rejected as a
// whole if any non-external account would go negative.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	pending := make(map[AccountKey]*big.Int)
	for _, j := range batch.Journals {
		for key, delta := range map[AccountKey]*big.Int{
			j.DebitAccount:  j.Amount,
			j.CreditAccount: new(big.Int).Neg(j.Amount),
		} {
			cur, ok := pending[key]
			if !ok {
				cur = new(big.Int).Set(bt.GetBalance(key))
				pending[key] = cur
			}
			cur.Add(cur, delta)
		}
	}
	for key, balance := range pending {
		if balance.Sign() < 0 && !key.AllowsNegative() {
			return fmt.Errorf("%w: %s would be %s", ErrInsufficientBalance, key.AccountPath(), balance)
		}
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return b
	}
	return new(big.Int)
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for
// a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]*big.Int {
	totals := make(map[string]*big.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.Asset]
		if !ok {
			t = new(big.Int)
			totals[key.Asset] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// ValidateSufficient checks if the account holds at least required
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required *big.Int) error {
	balance := bt.GetBalance(key)
	if balance.Cmp(required) < 0 {
		return fmt.Errorf("%w: %s have=%s, need=%s", ErrInsufficientBalance, key.AccountPath(), balance, required)
	}
	return nil
}

// BalanceEntry is one row of a balance snapshot
type BalanceEntry struct {
	Account string   `json:"account"`
	Amount  *big.Int `json:"amount"`
}

// Snapshot returns every non-zero balance sorted by account path
func (bt *BalanceTracker) Snapshot() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		out = append(out, BalanceEntry{Account: k.AccountPath(), Amount: new(big.Int).Set(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Restore replaces all balances with a snapshot
func (bt *BalanceTracker) Restore(entries []BalanceEntry) error {
	balances := make(map[AccountKey]*big.Int, len(entries))
	for _, e := range entries {
		key, err := ParseAccountPath(e.Account)
		if err != nil {
			return err
		}
		if e.Amount == nil || e.Amount.Sign() == 0 {
			continue
		}
		balances[key] = new(big.Int).Set(e.Amount)
	}
	bt.balances = balances
	return nil
}
