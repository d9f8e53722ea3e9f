package ledger

import (
	"fmt"
	"math/big"
	"sort"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies every asset is zero-sum across all
// accounts, external boundary accounts included
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	assets := make([]string, 0, len(totals))
	for asset := range totals {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		if totals[asset].Sign() != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset, totals[asset])
		}
	}

	return nil
}

// ValidateSupply checks that the stable unit's issuance account mirrors the
// circulating supply exactly.
func (v *InvariantValidator) ValidateSupply(stableAsset string, expected *big.Int) error {
	issued := new(big.Int).Neg(v.tracker.GetBalance(NewExternalAccountKey(SubTypeExternalIssuance, stableAsset)))
	if issued.Cmp(expected) != 0 {
		return fmt.Errorf("%s supply mismatch: issued=%s, expected=%s", stableAsset, issued, expected)
	}
	return nil
}

// ValidateNoNegativeWallets checks every holder and vault balance is >= 0
func (v *InvariantValidator) ValidateNoNegativeWallets() error {
	for key := range v.tracker.balances {
		if key.AllowsNegative() {
			continue
		}
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}
