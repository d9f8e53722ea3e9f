package state

import (
	fpmath "PerpVault/internal/math"
	"fmt"
	"math/big"
)

// Asset is a whitelisted token entry
type Asset struct {
	ID                  string   `json:"id"`
	Decimals            int      `json:"decimals"`
	Weight              int64    `json:"weight"`
	IsStable            bool     `json:"is_stable"`
	IsShortable         bool     `json:"is_shortable"`
	MinProfitBps        int64    `json:"min_profit_bps"`
	MaxStableUnitAmount *big.Int `json:"max_stable_unit_amount"` // 0 = uncapped
	BufferAmount        *big.Int `json:"buffer_amount"`
}

func (a *Asset) Clone() *Asset {
	out := *a
	out.MaxStableUnitAmount = fpmath.Clone(a.MaxStableUnitAmount)
	out.BufferAmount = fpmath.Clone(a.BufferAmount)
	return &out
}

// ValidateAsset checks an asset config before whitelisting.
func ValidateAsset(a *Asset) error {
	if a.ID == "" {
		return fmt.Errorf("%w: empty asset id", ErrInvalidAssetConfig)
	}
	if a.Decimals < 0 || a.Decimals > 30 {
		return fmt.Errorf("%w: %s decimals must be in [0, 30], got %d", ErrInvalidAssetConfig, a.ID, a.Decimals)
	}
	if a.Weight < 0 {
		return fmt.Errorf("%w: %s weight must be >= 0, got %d", ErrInvalidAssetConfig, a.ID, a.Weight)
	}
	if a.MinProfitBps < 0 || a.MinProfitBps > fpmath.BasisPointsDivisor {
		return fmt.Errorf("%w: %s min_profit_bps out of range: %d", ErrInvalidAssetConfig, a.ID, a.MinProfitBps)
	}
	if a.MaxStableUnitAmount != nil && a.MaxStableUnitAmount.Sign() < 0 {
		return fmt.Errorf("%w: %s max_stable_unit_amount negative", ErrInvalidAssetConfig, a.ID)
	}
	if a.BufferAmount != nil && a.BufferAmount.Sign() < 0 {
		return fmt.Errorf("%w: %s buffer_amount negative", ErrInvalidAssetConfig, a.ID)
	}
	if a.IsStable && a.IsShortable {
		return fmt.Errorf("%w: %s cannot be both stable and shortable", ErrInvalidAssetConfig, a.ID)
	}
	return nil
}

// PoolState is the per-asset pool accounting
type PoolState struct {
	Asset                   string   `json:"asset"`
	PoolAmount              *big.Int `json:"pool_amount"`                // token units
	ReservedAmount          *big.Int `json:"reserved_amount"`            // token units
	BufferAmount            *big.Int `json:"buffer_amount"`              // token units
	FeeReserves             *big.Int `json:"fee_reserves"`               // token units
	StableUnitDebt          *big.Int `json:"stable_unit_debt"`           // stable units
	GuaranteedUsd           *big.Int `json:"guaranteed_usd"`             // 1e30
	GlobalShortSize         *big.Int `json:"global_short_size"`          // 1e30
	GlobalShortAveragePrice *big.Int `json:"global_short_average_price"` // 1e30
	EscrowedCollateral      *big.Int `json:"escrowed_collateral"`        // token units backing shorts
}

func newPoolState(asset string) *PoolState {
	return &PoolState{
		Asset:                   asset,
		PoolAmount:              new(big.Int),
		ReservedAmount:          new(big.Int),
		BufferAmount:            new(big.Int),
		FeeReserves:             new(big.Int),
		StableUnitDebt:          new(big.Int),
		GuaranteedUsd:           new(big.Int),
		GlobalShortSize:         new(big.Int),
		GlobalShortAveragePrice: new(big.Int),
		EscrowedCollateral:      new(big.Int),
	}
}

func (p *PoolState) Clone() *PoolState {
	return &PoolState{
		Asset:                   p.Asset,
		PoolAmount:              fpmath.Clone(p.PoolAmount),
		ReservedAmount:          fpmath.Clone(p.ReservedAmount),
		BufferAmount:            fpmath.Clone(p.BufferAmount),
		FeeReserves:             fpmath.Clone(p.FeeReserves),
		StableUnitDebt:          fpmath.Clone(p.StableUnitDebt),
		GuaranteedUsd:           fpmath.Clone(p.GuaranteedUsd),
		GlobalShortSize:         fpmath.Clone(p.GlobalShortSize),
		GlobalShortAveragePrice: fpmath.Clone(p.GlobalShortAveragePrice),
		EscrowedCollateral:      fpmath.Clone(p.EscrowedCollateral),
	}
}

// Held is what the vault must custody for this asset:
// pool + fee reserves + escrowed short collateral.
func (p *PoolState) Held() *big.Int {
	held := new(big.Int).Add(p.PoolAmount, p.FeeReserves)
	return held.Add(held, p.EscrowedCollateral)
}

func (p *PoolState) appendCanonical(buf []byte) []byte {
	buf = appendString(buf, p.Asset)
	for _, v := range []*big.Int{
		p.PoolAmount, p.ReservedAmount, p.BufferAmount, p.FeeReserves,
		p.StableUnitDebt, p.GuaranteedUsd, p.GlobalShortSize,
		p.GlobalShortAveragePrice, p.EscrowedCollateral,
	} {
		buf = appendBigInt(buf, v)
	}
	return buf
}

// PoolLedger mutates per-asset pool accounting on the shared VaultState
type PoolLedger struct {
	s *VaultState
}

func NewPoolLedger(s *VaultState) *PoolLedger {
	return &PoolLedger{s: s}
}

// Asset returns the whitelisted asset or ErrAssetNotWhitelisted.
func (pl *PoolLedger) Asset(id string) (*Asset, error) {
	a, ok := pl.s.Assets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotWhitelisted, id)
	}
	return a, nil
}

// IsWhitelisted reports whether the asset is known.
func (pl *PoolLedger) IsWhitelisted(id string) bool {
	_, ok := pl.s.Assets[id]
	return ok
}

// Pool returns the pool state for a whitelisted asset. Callers must not
// mutate the returned value.
func (pl *PoolLedger) Pool(id string) *PoolState {
	if p, ok := pl.s.Pools[id]; ok {
		return p
	}
	return newPoolState(id)
}

// mutable returns the live pool after journaling its original value
func (pl *PoolLedger) mutable(id string) *PoolState {
	pl.s.touchPool(id)
	p, ok := pl.s.Pools[id]
	if !ok {
		p = newPoolState(id)
		pl.s.Pools[id] = p
	}
	return p
}

// SetAsset whitelists or reconfigures an asset.
func (pl *PoolLedger) SetAsset(a *Asset) error {
	if err := ValidateAsset(a); err != nil {
		return err
	}

	pl.s.touchAsset(a.ID)
	if prev, ok := pl.s.Assets[a.ID]; ok {
		pl.s.TotalWeight -= prev.Weight
	}
	cfg := a.Clone()
	pl.s.Assets[a.ID] = cfg
	pl.s.TotalWeight += cfg.Weight

	p := pl.mutable(a.ID)
	p.BufferAmount = fpmath.Clone(cfg.BufferAmount)
	return nil
}

// ClearAsset removes an asset from the whitelist. The pool must be empty.
func (pl *PoolLedger) ClearAsset(id string) error {
	a, err := pl.Asset(id)
	if err != nil {
		return err
	}
	if p, ok := pl.s.Pools[id]; ok && p.Held().Sign() != 0 {
		return fmt.Errorf("%w: %s holds %s", ErrAssetInUse, id, p.Held())
	}

	pl.s.touchAsset(id)
	pl.s.touchPool(id)
	pl.s.TotalWeight -= a.Weight
	delete(pl.s.Assets, id)
	delete(pl.s.Pools, id)
	return nil
}

// SetBufferAmount updates the untouchable minimum pool amount.
func (pl *PoolLedger) SetBufferAmount(id string, amount *big.Int) error {
	a, err := pl.Asset(id)
	if err != nil {
		return err
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative buffer", ErrInvalidAssetConfig)
	}
	pl.s.touchAsset(id)
	a.BufferAmount = new(big.Int).Set(amount)
	pl.mutable(id).BufferAmount = new(big.Int).Set(amount)
	return nil
}

func (pl *PoolLedger) IncreasePoolAmount(id string, amount *big.Int) {
	p := pl.mutable(id)
	p.PoolAmount = new(big.Int).Add(p.PoolAmount, amount)
}

// DecreasePoolAmount fails if the pool would go negative or below the
// reserved amount.
func (pl *PoolLedger) DecreasePoolAmount(id string, amount *big.Int) error {
	cur := pl.Pool(id)
	if amount.Cmp(cur.PoolAmount) > 0 {
		return fmt.Errorf("%w: %s pool=%s, decrease=%s", ErrPoolAmountExceeded, id, cur.PoolAmount, amount)
	}
	next := new(big.Int).Sub(cur.PoolAmount, amount)
	if cur.ReservedAmount.Cmp(next) > 0 {
		return fmt.Errorf("%w: %s reserved=%s, pool=%s", ErrReserveExceedsPool, id, cur.ReservedAmount, next)
	}
	pl.mutable(id).PoolAmount = next
	return nil
}

// IncreaseReservedAmount fails with ErrReserveExceedsPool past the pool.
func (pl *PoolLedger) IncreaseReservedAmount(id string, amount *big.Int) error {
	cur := pl.Pool(id)
	next := new(big.Int).Add(cur.ReservedAmount, amount)
	if next.Cmp(cur.PoolAmount) > 0 {
		return fmt.Errorf("%w: %s reserved=%s, pool=%s", ErrReserveExceedsPool, id, next, cur.PoolAmount)
	}
	pl.mutable(id).ReservedAmount = next
	return nil
}

func (pl *PoolLedger) DecreaseReservedAmount(id string, amount *big.Int) error {
	cur := pl.Pool(id)
	if amount.Cmp(cur.ReservedAmount) > 0 {
		return fmt.Errorf("%w: %s reserved=%s, decrease=%s", ErrInsufficientReserve, id, cur.ReservedAmount, amount)
	}
	pl.mutable(id).ReservedAmount = new(big.Int).Sub(cur.ReservedAmount, amount)
	return nil
}

// IncreaseStableUnitDebt fails when the asset cap would be exceeded.
func (pl *PoolLedger) IncreaseStableUnitDebt(id string, amount *big.Int) error {
	cur := pl.Pool(id)
	next := new(big.Int).Add(cur.StableUnitDebt, amount)
	if a, ok := pl.s.Assets[id]; ok && !fpmath.IsZero(a.MaxStableUnitAmount) {
		if next.Cmp(a.MaxStableUnitAmount) > 0 {
			return fmt.Errorf("%w: %s debt=%s, max=%s", ErrMaxStableUnitExceeded, id, next, a.MaxStableUnitAmount)
		}
	}
	pl.mutable(id).StableUnitDebt = next
	return nil
}

// DecreaseStableUnitDebt floors at zero: debt is attributed per asset, so a
// redemption against an asset may exceed what was minted against it.
func (pl *PoolLedger) DecreaseStableUnitDebt(id string, amount *big.Int) {
	p := pl.mutable(id)
	p.StableUnitDebt = fpmath.SubFloor(p.StableUnitDebt, amount)
}

func (pl *PoolLedger) IncreaseGuaranteedUsd(id string, usd *big.Int) {
	p := pl.mutable(id)
	p.GuaranteedUsd = new(big.Int).Add(p.GuaranteedUsd, usd)
}

func (pl *PoolLedger) DecreaseGuaranteedUsd(id string, usd *big.Int) {
	p := pl.mutable(id)
	p.GuaranteedUsd = fpmath.SubFloor(p.GuaranteedUsd, usd)
}

func (pl *PoolLedger) AddFeeReserves(id string, amount *big.Int) {
	p := pl.mutable(id)
	p.FeeReserves = new(big.Int).Add(p.FeeReserves, amount)
}

// WithdrawFeeReserves zeroes and returns the accrued fees.
func (pl *PoolLedger) WithdrawFeeReserves(id string) *big.Int {
	p := pl.mutable(id)
	amount := p.FeeReserves
	p.FeeReserves = new(big.Int)
	return amount
}

func (pl *PoolLedger) IncreaseEscrow(id string, amount *big.Int) {
	p := pl.mutable(id)
	p.EscrowedCollateral = new(big.Int).Add(p.EscrowedCollateral, amount)
}

// DecreaseEscrow removes up to amount from escrow and returns what was
// actually removed.
func (pl *PoolLedger) DecreaseEscrow(id string, amount *big.Int) *big.Int {
	p := pl.mutable(id)
	taken := fpmath.Min(amount, p.EscrowedCollateral)
	p.EscrowedCollateral = new(big.Int).Sub(p.EscrowedCollateral, taken)
	return taken
}

// ValidateBuffer fails when the pool sits below its buffer.
func (pl *PoolLedger) ValidateBuffer(id string) error {
	p := pl.Pool(id)
	if p.PoolAmount.Cmp(p.BufferAmount) < 0 {
		return fmt.Errorf("%w: %s pool=%s, buffer=%s", ErrPoolBufferViolation, id, p.PoolAmount, p.BufferAmount)
	}
	return nil
}

// IncreaseGlobalShort merges sizeDelta at price into the asset's aggregate
// short using a size-weighted average.
func (pl *PoolLedger) IncreaseGlobalShort(id string, sizeDelta, price *big.Int) {
	p := pl.mutable(id)
	if p.GlobalShortSize.Sign() == 0 {
		p.GlobalShortAveragePrice = new(big.Int).Set(price)
	} else {
		p.GlobalShortAveragePrice = fpmath.ComputeWeightedAveragePrice(
			p.GlobalShortSize, p.GlobalShortAveragePrice, sizeDelta, price)
	}
	p.GlobalShortSize = new(big.Int).Add(p.GlobalShortSize, sizeDelta)
}

// DecreaseGlobalShort keeps the average price until the aggregate closes.
func (pl *PoolLedger) DecreaseGlobalShort(id string, sizeDelta *big.Int) {
	p := pl.mutable(id)
	p.GlobalShortSize = fpmath.SubFloor(p.GlobalShortSize, sizeDelta)
	if p.GlobalShortSize.Sign() == 0 {
		p.GlobalShortAveragePrice = new(big.Int)
	}
}

// GlobalShortDelta returns the aggregate short PnL at price and whether the
// shorts are in profit.
func (pl *PoolLedger) GlobalShortDelta(id string, price *big.Int) (*big.Int, bool) {
	p := pl.Pool(id)
	return fpmath.ComputeDelta(p.GlobalShortSize, p.GlobalShortAveragePrice, price, false)
}

// TotalStableUnitDebt sums the attributed debt over whitelisted assets.
func (pl *PoolLedger) TotalStableUnitDebt() *big.Int {
	total := new(big.Int)
	for _, id := range pl.s.AssetIDs() {
		total.Add(total, pl.Pool(id).StableUnitDebt)
	}
	return total
}

// TargetStableUnitAmount returns the share of the stable supply the asset
// should back: supply * weight / totalWeight. The dynamic-fee target follows
// minted stable-unit supply, not the pool's USD value.
func (pl *PoolLedger) TargetStableUnitAmount(id string) *big.Int {
	a, ok := pl.s.Assets[id]
	if !ok || pl.s.TotalWeight == 0 || pl.s.StableSupply.Sign() == 0 {
		return new(big.Int)
	}
	return fpmath.MulDiv(pl.s.StableSupply, big.NewInt(a.Weight), big.NewInt(pl.s.TotalWeight), fpmath.RoundDown)
}

// ValidateInvariants checks the reserve bound for every pool.
func (pl *PoolLedger) ValidateInvariants() error {
	for _, id := range pl.s.AssetIDs() {
		p := pl.Pool(id)
		if p.ReservedAmount.Cmp(p.PoolAmount) > 0 {
			return fmt.Errorf("%w: %s reserved=%s, pool=%s", ErrReserveExceedsPool, id, p.ReservedAmount, p.PoolAmount)
		}
		for name, v := range map[string]*big.Int{
			"pool_amount":         p.PoolAmount,
			"fee_reserves":        p.FeeReserves,
			"escrowed_collateral": p.EscrowedCollateral,
		} {
			if v.Sign() < 0 {
				return fmt.Errorf("%s %s negative: %s", id, name, v)
			}
		}
	}
	return nil
}
