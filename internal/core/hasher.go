package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PerpVault:genesis:v1"

// StateHasher chains vault state digests: each applied command's hash
// commits to every hash before it.
type StateHasher struct {
	tip [32]byte
}

// NewStateHasher starts the chain at the genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{tip: GenesisHash()}
}

func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash advances the chain:
// state_hash[N] = SHA-256(prev_hash || sequence_be || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	buf := make([]byte, 0, 32+8+len(stateDigest))
	buf = append(buf, h.tip[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, stateDigest...)

	h.tip = sha256.Sum256(buf)
	return h.tip
}

// Tip returns the latest hash in the chain.
func (h *StateHasher) Tip() [32]byte {
	return h.tip
}

// Restore resumes the chain from a snapshot's tip.
func (h *StateHasher) Restore(tip [32]byte) {
	h.tip = tip
}
