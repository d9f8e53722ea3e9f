package ledger

import (
	"fmt"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeHolder AccountScope = iota
	AccountScopeVault
	AccountScopeExternal
)

func (s AccountScope) String() string {
	switch s {
	case AccountScopeHolder:
		return "holder"
	case AccountScopeVault:
		return "vault"
	case AccountScopeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Holder and vault sub-types
	SubTypeWallet AccountSubType = iota

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalIssuance
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	Owner   string // holder or vault identity, empty for external accounts
	SubType AccountSubType
	Asset   string
}

// NewHolderAccountKey creates a key for an account-holder wallet
func NewHolderAccountKey(holder, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeHolder,
		Owner:   holder,
		SubType: SubTypeWallet,
		Asset:   asset,
	}
}

// NewVaultAccountKey creates a key for tokens held in custody by a vault
func NewVaultAccountKey(vaultID, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeVault,
		Owner:   vaultID,
		SubType: SubTypeWallet,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// AllowsNegative reports whether the account may go below zero. Only the
// external boundary accounts can: they mirror value that left or entered
// the system.
func (k AccountKey) AllowsNegative() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder, AccountScopeVault:
		return fmt.Sprintf("%s:%s:%s", k.Scope, k.Owner, k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) != 3 {
		return AccountKey{}, fmt.Errorf("invalid account path %q", path)
	}
	switch parts[0] {
	case "holder":
		return NewHolderAccountKey(parts[1], parts[2]), nil
	case "vault":
		return NewVaultAccountKey(parts[1], parts[2]), nil
	case "external":
		sub, ok := subTypeByName[parts[1]]
		if !ok {
			return AccountKey{}, fmt.Errorf("invalid external account %q", parts[1])
		}
		return NewExternalAccountKey(sub, parts[2]), nil
	}
	return AccountKey{}, fmt.Errorf("invalid account scope %q", parts[0])
}

var subTypeByName = map[string]AccountSubType{
	"deposits":    SubTypeExternalDeposits,
	"withdrawals": SubTypeExternalWithdrawals,
	"issuance":    SubTypeExternalIssuance,
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalIssuance:
		return "issuance"
	default:
		return "unknown"
	}
}
