package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for token movements
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker // for pre-checks
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// Sequence returns the next batch sequence
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// single builds a one-leg batch moving amount from credit to debit
func (jg *JournalGenerator) single(
	ref string,
	debit, credit AccountKey,
	asset string,
	amount *big.Int,
	jt JournalType,
	timestamp int64,
) (*Batch, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s %v", ErrInvalidAmount, jt, amount)
	}

	// PRE-CHECK: the credited wallet must cover the amount
	if !credit.AllowsNegative() {
		if err := jg.balanceTracker.ValidateSufficient(credit, amount); err != nil {
			return nil, fmt.Errorf("%s pre-check failed: %w", jt, err)
		}
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  ref,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      ref,
		Sequence:      jg.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         asset,
		Amount:        new(big.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateDeposit brings tokens into the system.
// Moves funds: external:deposits → holder
func (jg *JournalGenerator) GenerateDeposit(ref, holder, asset string, amount *big.Int, timestamp int64) (*Batch, error) {
	return jg.single(ref,
		NewHolderAccountKey(holder, asset),
		NewExternalAccountKey(SubTypeExternalDeposits, asset),
		asset, amount, JournalTypeDeposit, timestamp)
}

// GenerateWithdrawal takes tokens out of the system.
// Moves funds: holder → external:withdrawals
func (jg *JournalGenerator) GenerateWithdrawal(ref, holder, asset string, amount *big.Int, timestamp int64) (*Batch, error) {
	return jg.single(ref,
		NewExternalAccountKey(SubTypeExternalWithdrawals, asset),
		NewHolderAccountKey(holder, asset),
		asset, amount, JournalTypeWithdrawal, timestamp)
}

// GenerateTransfer moves tokens between two holders
func (jg *JournalGenerator) GenerateTransfer(ref, from, to, asset string, amount *big.Int, timestamp int64) (*Batch, error) {
	return jg.single(ref,
		NewHolderAccountKey(to, asset),
		NewHolderAccountKey(from, asset),
		asset, amount, JournalTypeTransfer, timestamp)
}

// GenerateCollect moves tokens into vault custody.
// Moves funds: holder → vault
func (jg *JournalGenerator) GenerateCollect(ref, vaultID, from, asset string, amount *big.Int, timestamp int64) (*Batch, error) {
	return jg.single(ref,
		NewVaultAccountKey(vaultID, asset),
		NewHolderAccountKey(from, asset),
		asset, amount, JournalTypeCollect, timestamp)
}

// GenerateRelease pays tokens out of vault custody.
// Moves funds: vault → holder
func (jg *JournalGenerator) GenerateRelease(ref, vaultID, to, asset string, amount *big.Int, timestamp int64) (*Batch, error) {
	return jg.single(ref,
		NewHolderAccountKey(to, asset),
		NewVaultAccountKey(vaultID, asset),
		asset, amount, JournalTypeRelease, timestamp)
}

// GenerateMint issues stable units.
// Moves funds: external:issuance → holder
func (jg *JournalGenerator) GenerateMint(ref, to, stableAsset string, amount *big.Int, timestamp int64) (*Batch, error) {
	return jg.single(ref,
		NewHolderAccountKey(to, stableAsset),
		NewExternalAccountKey(SubTypeExternalIssuance, stableAsset),
		stableAsset, amount, JournalTypeMint, timestamp)
}

// GenerateBurn retires stable units held by a vault.
// Moves funds: vault → external:issuance
func (jg *JournalGenerator) GenerateBurn(ref, vaultID, stableAsset string, amount *big.Int, timestamp int64) (*Batch, error) {
	return jg.single(ref,
		NewExternalAccountKey(SubTypeExternalIssuance, stableAsset),
		NewVaultAccountKey(vaultID, stableAsset),
		stableAsset, amount, JournalTypeBurn, timestamp)
}
