package vault

import (
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"fmt"
	"math/big"
)

// queryOp gives read-only queries the same price snapshot semantics as
// mutating operations.
func (v *Vault) queryOp() *operation {
	return &operation{
		name:   "query",
		now:    v.clock().Unix(),
		prices: oracle.NewSnapshot(v.feed),
	}
}

// GetAum values the pool net of trader exposure. maximize selects max
// prices; minters should be quoted the lower bound and redeemers the upper.
func (v *Vault) GetAum(maximize bool) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.aum(v.queryOp(), maximize)
}

func (v *Vault) aum(op *operation, maximize bool) (*big.Int, error) {
	aum := new(big.Int)
	shortProfits := new(big.Int)

	for _, id := range v.s.AssetIDs() {
		asset := v.s.Assets[id]
		p := v.pools.Pool(id)

		var price *big.Int
		var err error
		if maximize {
			price, err = op.prices.Max(id)
		} else {
			price, err = op.prices.Min(id)
		}
		if err != nil {
			return nil, fmt.Errorf("aum %s: %w", id, err)
		}

		if asset.IsStable {
			aum.Add(aum, fpmath.TokenToUsd(p.PoolAmount, price, asset.Decimals))
			continue
		}

		if p.GlobalShortSize.Sign() > 0 {
			delta, hasProfit := v.pools.GlobalShortDelta(id, price)
			if hasProfit {
				shortProfits.Add(shortProfits, delta)
			} else {
				aum.Add(aum, delta)
			}
		}
		aum.Add(aum, p.GuaranteedUsd)
		unreserved := fpmath.SubFloor(p.PoolAmount, p.ReservedAmount)
		aum.Add(aum, fpmath.TokenToUsd(unreserved, price, asset.Decimals))
	}

	return fpmath.SubFloor(aum, shortProfits), nil
}

// GetAumInStableUnits is GetAum at 18 decimals.
func (v *Vault) GetAumInStableUnits(maximize bool) (*big.Int, error) {
	aum, err := v.GetAum(maximize)
	if err != nil {
		return nil, err
	}
	return toStableUnits(aum), nil
}

// GetRedemptionCollateralUsd is the most a stable unit redemption against
// asset can pay out.
func (v *Vault) GetRedemptionCollateralUsd(asset string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.redemptionCollateralUsd(v.queryOp(), asset)
}

// GetUtilisation returns reserved/pool at FundingRatePrecision.
func (v *Vault) GetUtilisation(asset string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := v.pools.Asset(asset); err != nil {
		return nil, err
	}
	p := v.pools.Pool(asset)
	return fpmath.ComputeUtilisation(p.ReservedAmount, p.PoolAmount), nil
}

// GetTargetStableUnitAmount is the stable unit debt the asset's weight
// entitles it to.
func (v *Vault) GetTargetStableUnitAmount(asset string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := v.pools.Asset(asset); err != nil {
		return nil, err
	}
	return v.pools.TargetStableUnitAmount(asset), nil
}

// GetPosition returns a copy of the position, or nil when the slot is empty.
func (v *Vault) GetPosition(key state.PositionKey) *state.Position {
	v.mu.Lock()
	defer v.mu.Unlock()
	if pos := v.positions.Get(key); pos != nil {
		return pos.Clone()
	}
	return nil
}

// Positions returns copies of the open positions, all of them when account
// is empty.
func (v *Vault) Positions(account string) []*state.Position {
	v.mu.Lock()
	defer v.mu.Unlock()

	var src []*state.Position
	if account == "" {
		src = v.positions.All()
	} else {
		src = v.positions.ByAccount(account)
	}
	out := make([]*state.Position, len(src))
	for i, pos := range src {
		out[i] = pos.Clone()
	}
	return out
}

// GetPositionDelta returns the position's PnL at the mark price.
func (v *Vault) GetPositionDelta(key state.PositionKey) (*big.Int, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pos := v.positions.Get(key)
	if pos.IsEmpty() {
		return nil, false, fmt.Errorf("%w: %s", state.ErrPositionNotFound, key)
	}
	op := v.queryOp()
	mark, err := v.markPrice(op, key)
	if err != nil {
		return nil, false, err
	}
	delta, hasProfit := v.margin.PositionDelta(pos, mark, op.now)
	return delta, hasProfit, nil
}

// GetPositionLeverage returns size*10000/collateral.
func (v *Vault) GetPositionLeverage(key state.PositionKey) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pos := v.positions.Get(key)
	if pos.IsEmpty() {
		return nil, fmt.Errorf("%w: %s", state.ErrPositionNotFound, key)
	}
	return pos.Leverage(), nil
}

// ValidateLiquidation returns the margin check for a position. With raise
// set, any non-healthy status is returned as its error.
func (v *Vault) ValidateLiquidation(key state.PositionKey, raise bool) (*state.MarginCheck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pos := v.positions.Get(key)
	if pos.IsEmpty() {
		return nil, fmt.Errorf("%w: %s", state.ErrPositionNotFound, key)
	}
	op := v.queryOp()
	mark, err := v.markPrice(op, key)
	if err != nil {
		return nil, err
	}
	check := v.margin.Check(pos, mark, op.now)
	if raise && check.Err != nil {
		return check, check.Err
	}
	return check, nil
}

// FindLiquidatable scans every position against current mark prices.
func (v *Vault) FindLiquidatable() []state.LiquidationCandidate {
	v.mu.Lock()
	defer v.mu.Unlock()

	op := v.queryOp()
	mark := func(indexAsset string, isLong bool) (*big.Int, error) {
		if isLong {
			return op.prices.Min(indexAsset)
		}
		return op.prices.Max(indexAsset)
	}
	return v.scanner.Scan(mark, op.now)
}

// Pool returns a copy of the asset's pool state.
func (v *Vault) Pool(asset string) (*state.PoolState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := v.pools.Asset(asset); err != nil {
		return nil, err
	}
	return v.pools.Pool(asset).Clone(), nil
}

// Asset returns a copy of the asset's config.
func (v *Vault) Asset(id string) (*state.Asset, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, err := v.pools.Asset(id)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// Assets returns copies of every whitelisted asset, sorted by id.
func (v *Vault) Assets() []*state.Asset {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := v.s.AssetIDs()
	out := make([]*state.Asset, len(ids))
	for i, id := range ids {
		out[i] = v.s.Assets[id].Clone()
	}
	return out
}

func (v *Vault) Params() state.VaultParams {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.s.Params.Clone()
}

func (v *Vault) FundingAccumulator(asset string) *state.FundingAccumulator {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.funding.Accumulator(asset)
}

// NextFundingRate is what the next update of asset would accrue now.
func (v *Vault) NextFundingRate(asset string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.funding.NextFundingRate(asset, v.clock().Unix())
}

// StableSupply is the vault-recorded stable unit supply.
func (v *Vault) StableSupply() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.s.StableSupply)
}

// StateDigest returns the canonical state bytes used for state hashing.
func (v *Vault) StateDigest() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.s.CanonicalBytes()
}

// Export copies the full vault state.
func (v *Vault) Export() *state.Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.s.Export()
}

// Import replaces the vault state with a snapshot.
func (v *Vault) Import(snap *state.Snapshot) error {
	s, err := state.RestoreVaultState(snap)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bind(s)
	return nil
}
