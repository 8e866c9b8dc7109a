package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PegLedger:genesis:v1"

// StateHasher chains block state hashes
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with the genesis seed hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || height || state_digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(height int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var heightBuf [8]byte
	binary.LittleEndian.PutUint64(heightBuf[:], uint64(height))
	hasher.Write(heightBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns the current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash moves the chain tip, after a snapshot restore or a popped block
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
