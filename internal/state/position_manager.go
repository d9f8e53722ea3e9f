package state

import (
	"sort"
)

// PositionLedger is the keyed store of open positions on the shared
// VaultState. Lookups are direct by composite key.
type PositionLedger struct {
	s *VaultState
}

func NewPositionLedger(s *VaultState) *PositionLedger {
	return &PositionLedger{s: s}
}

// Get returns the position or nil. The result is shared state: copy it with
// Clone before changing anything and write it back with Put.
func (pl *PositionLedger) Get(key PositionKey) *Position {
	return pl.s.Positions[key]
}

// GetOrEmpty returns a working copy of the position, or a fresh empty slot.
func (pl *PositionLedger) GetOrEmpty(key PositionKey) *Position {
	if pos, ok := pl.s.Positions[key]; ok {
		return pos.Clone()
	}
	return NewPosition(key)
}

// Put stores pos under its key. An empty position deletes the slot.
func (pl *PositionLedger) Put(pos *Position) {
	if pos.IsEmpty() {
		pl.Delete(pos.Key)
		return
	}
	pl.s.touchPosition(pos.Key)
	pl.s.Positions[pos.Key] = pos
}

// Delete zeroes the slot.
func (pl *PositionLedger) Delete(key PositionKey) {
	if _, ok := pl.s.Positions[key]; !ok {
		return
	}
	pl.s.touchPosition(key)
	delete(pl.s.Positions, key)
}

// Count returns the number of open positions.
func (pl *PositionLedger) Count() int {
	return len(pl.s.Positions)
}

// All returns every open position sorted by key
func (pl *PositionLedger) All() []*Position {
	return sortedPositions(pl.s.Positions)
}

// ByAccount returns the account's open positions sorted by key
func (pl *PositionLedger) ByAccount(account string) []*Position {
	var out []*Position
	for _, pos := range sortedPositions(pl.s.Positions) {
		if pos.Key.Account == account {
			out = append(out, pos)
		}
	}
	return out
}

func sortedPositions(m map[PositionKey]*Position) []*Position {
	out := make([]*Position, 0, len(m))
	for _, pos := range m {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}
