package state

import (
	fpmath "PerpVault/internal/math"
	"encoding/binary"
	"math/big"
	"sort"
)

// VaultState is the single owned state of one vault. The ledgers below are
// views over it; nothing else holds vault data.
type VaultState struct {
	Params       VaultParams
	Assets       map[string]*Asset
	TotalWeight  int64
	Pools        map[string]*PoolState
	Positions    map[PositionKey]*Position
	Funding      map[string]*FundingAccumulator
	StableSupply *big.Int

	txn *Txn
}

// Txn records the original value of every entry touched since Begin.
// A nil entry means the key did not exist.
type Txn struct {
	assets      map[string]*Asset
	pools       map[string]*PoolState
	positions   map[PositionKey]*Position
	funding     map[string]*FundingAccumulator
	supply      *big.Int
	params      VaultParams
	totalWeight int64
}

func NewVaultState(params VaultParams) *VaultState {
	return &VaultState{
		Params:       params.Clone(),
		Assets:       make(map[string]*Asset),
		Pools:        make(map[string]*PoolState),
		Positions:    make(map[PositionKey]*Position),
		Funding:      make(map[string]*FundingAccumulator),
		StableSupply: new(big.Int),
	}
}

// Begin starts recording. Nested Begin calls are not supported.
func (s *VaultState) Begin() {
	s.txn = &Txn{
		assets:      make(map[string]*Asset),
		pools:       make(map[string]*PoolState),
		positions:   make(map[PositionKey]*Position),
		funding:     make(map[string]*FundingAccumulator),
		supply:      new(big.Int).Set(s.StableSupply),
		params:      s.Params.Clone(),
		totalWeight: s.TotalWeight,
	}
}

// InTxn reports whether a transaction is open.
func (s *VaultState) InTxn() bool {
	return s.txn != nil
}

// Commit keeps every change made since Begin.
func (s *VaultState) Commit() {
	s.txn = nil
}

// Rollback restores every touched entry to its value at Begin.
func (s *VaultState) Rollback() {
	t := s.txn
	if t == nil {
		return
	}
	s.txn = nil

	for id, orig := range t.assets {
		if orig == nil {
			delete(s.Assets, id)
		} else {
			s.Assets[id] = orig
		}
	}
	for id, orig := range t.pools {
		if orig == nil {
			delete(s.Pools, id)
		} else {
			s.Pools[id] = orig
		}
	}
	for key, orig := range t.positions {
		if orig == nil {
			delete(s.Positions, key)
		} else {
			s.Positions[key] = orig
		}
	}
	for id, orig := range t.funding {
		if orig == nil {
			delete(s.Funding, id)
		} else {
			s.Funding[id] = orig
		}
	}
	s.StableSupply = t.supply
	s.Params = t.params
	s.TotalWeight = t.totalWeight
}

func (s *VaultState) touchAsset(id string) {
	if s.txn == nil {
		return
	}
	if _, seen := s.txn.assets[id]; seen {
		return
	}
	if a, ok := s.Assets[id]; ok {
		s.txn.assets[id] = a.Clone()
	} else {
		s.txn.assets[id] = nil
	}
}

func (s *VaultState) touchPool(id string) {
	if s.txn == nil {
		return
	}
	if _, seen := s.txn.pools[id]; seen {
		return
	}
	if p, ok := s.Pools[id]; ok {
		s.txn.pools[id] = p.Clone()
	} else {
		s.txn.pools[id] = nil
	}
}

func (s *VaultState) touchPosition(key PositionKey) {
	if s.txn == nil {
		return
	}
	if _, seen := s.txn.positions[key]; seen {
		return
	}
	if p, ok := s.Positions[key]; ok {
		s.txn.positions[key] = p.Clone()
	} else {
		s.txn.positions[key] = nil
	}
}

func (s *VaultState) touchFunding(id string) {
	if s.txn == nil {
		return
	}
	if _, seen := s.txn.funding[id]; seen {
		return
	}
	if f, ok := s.Funding[id]; ok {
		s.txn.funding[id] = f.Clone()
	} else {
		s.txn.funding[id] = nil
	}
}

// IncreaseStableSupply records minted stable units.
func (s *VaultState) IncreaseStableSupply(amount *big.Int) {
	s.StableSupply = new(big.Int).Add(s.StableSupply, amount)
}

// DecreaseStableSupply records burned stable units.
func (s *VaultState) DecreaseStableSupply(amount *big.Int) {
	s.StableSupply = fpmath.SubFloor(s.StableSupply, amount)
}

// SetParams replaces the vault parameters after validation.
func (s *VaultState) SetParams(params VaultParams) error {
	if err := ValidateVaultParams(params); err != nil {
		return err
	}
	s.Params = params.Clone()
	return nil
}

// AssetIDs returns whitelisted asset IDs in sorted order.
func (s *VaultState) AssetIDs() []string {
	ids := make([]string, 0, len(s.Assets))
	for id := range s.Assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot is the serializable form of a VaultState.
type Snapshot struct {
	Params       VaultParams           `json:"params"`
	Assets       []*Asset              `json:"assets"`
	Pools        []*PoolState          `json:"pools"`
	Positions    []*Position           `json:"positions"`
	Funding      []*FundingAccumulator `json:"funding"`
	StableSupply *big.Int              `json:"stable_supply"`
}

// Export copies the state into a deterministic Snapshot.
func (s *VaultState) Export() *Snapshot {
	snap := &Snapshot{
		Params:       s.Params.Clone(),
		StableSupply: new(big.Int).Set(s.StableSupply),
	}

	for _, id := range s.AssetIDs() {
		snap.Assets = append(snap.Assets, s.Assets[id].Clone())
	}

	poolIDs := make([]string, 0, len(s.Pools))
	for id := range s.Pools {
		poolIDs = append(poolIDs, id)
	}
	sort.Strings(poolIDs)
	for _, id := range poolIDs {
		snap.Pools = append(snap.Pools, s.Pools[id].Clone())
	}

	for _, pos := range sortedPositions(s.Positions) {
		snap.Positions = append(snap.Positions, pos.Clone())
	}

	fundingIDs := make([]string, 0, len(s.Funding))
	for id := range s.Funding {
		fundingIDs = append(fundingIDs, id)
	}
	sort.Strings(fundingIDs)
	for _, id := range fundingIDs {
		snap.Funding = append(snap.Funding, s.Funding[id].Clone())
	}

	return snap
}

// RestoreVaultState rebuilds a VaultState from a snapshot.
func RestoreVaultState(snap *Snapshot) (*VaultState, error) {
	if err := ValidateVaultParams(snap.Params); err != nil {
		return nil, err
	}

	s := NewVaultState(snap.Params)
	for _, a := range snap.Assets {
		s.Assets[a.ID] = a.Clone()
		s.TotalWeight += a.Weight
	}
	for _, p := range snap.Pools {
		s.Pools[p.Asset] = p.Clone()
	}
	for _, pos := range snap.Positions {
		s.Positions[pos.Key] = pos.Clone()
	}
	for _, f := range snap.Funding {
		s.Funding[f.Asset] = f.Clone()
	}
	s.StableSupply = fpmath.Clone(snap.StableSupply)
	return s, nil
}

// CanonicalBytes returns a deterministic serialization for state hashing
func (s *VaultState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 1024)

	for _, id := range s.AssetIDs() {
		if pool, ok := s.Pools[id]; ok {
			buf = pool.appendCanonical(buf)
		}
		if f, ok := s.Funding[id]; ok {
			buf = f.appendCanonical(buf)
		}
	}
	for _, pos := range sortedPositions(s.Positions) {
		buf = append(buf, pos.CanonicalBytes()...)
	}
	buf = appendBigInt(buf, s.StableSupply)

	return buf
}

// appendBigInt writes sign, uvarint length, magnitude
func appendBigInt(buf []byte, v *big.Int) []byte {
	if v == nil {
		return append(buf, 0, 0)
	}
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	mag := v.Bytes()
	buf = append(buf, sign)
	buf = binary.AppendUvarint(buf, uint64(len(mag)))
	return append(buf, mag...)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
