package core

import (
	"SpotEngine/internal/ledger"
	"SpotEngine/internal/order"
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

const GenesisHashSeed = "SpotEngine:genesis:v1"

// StateHasher chains a hash over every applied event so two replicas that
// applied the same log can compare a single value.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// stateDigest serialises the records an event touched: the outcome, every
// balance of every user named in the journal or the order list, and the
// fill state of each order. Users and orders are sorted so the digest does
// not depend on map iteration.
func stateDigest(outcome byte, journal []ledger.Journal, orders []order.Snapshot, balance func(int64, ledger.Asset) ledger.Balance) []byte {
	users := make(map[int64]struct{})
	for _, j := range journal {
		users[j.FromUser] = struct{}{}
		users[j.ToUser] = struct{}{}
	}
	for _, o := range orders {
		users[o.UserID] = struct{}{}
	}
	sortedUsers := make([]int64, 0, len(users))
	for u := range users {
		sortedUsers = append(sortedUsers, u)
	}
	sort.Slice(sortedUsers, func(i, j int) bool { return sortedUsers[i] < sortedUsers[j] })

	sorted := append([]order.Snapshot(nil), orders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	digest := make([]byte, 0, 1+len(sortedUsers)*64+len(sorted)*48)
	digest = append(digest, outcome)

	for _, u := range sortedUsers {
		for _, a := range ledger.Assets() {
			b := balance(u, a)
			digest = binary.LittleEndian.AppendUint64(digest, uint64(u))
			digest = append(digest, byte(a))
			digest = appendString(digest, b.Available.String())
			digest = appendString(digest, b.Frozen.String())
		}
	}

	for _, o := range sorted {
		digest = binary.LittleEndian.AppendUint64(digest, uint64(o.ID))
		digest = append(digest, byte(o.Status))
		digest = appendString(digest, o.UnfilledQuantity.String())
		digest = binary.LittleEndian.AppendUint64(digest, uint64(o.Version))
	}

	return digest
}

// appendString writes s behind a uvarint length prefix.
func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}
