// Package reducer implements the deterministic reducer engine: keyed
// cell state over a base snapshot merged with an in-memory delta, the
// micro-effect allowlist bound, and the capability/policy gate sequence
// an emitted effect intent passes through before it reaches the effect
// manager.
package reducer

import (
	"encoding/hex"
	"sort"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
)

// SentinelKeyHash is the cell key used by unkeyed reducers, which have
// exactly one cell.
var SentinelKeyHash = canon.HashBytes([]byte("agent-os/unkeyed-cell"))

// CellKey identifies one (reducer_name, key) cell.
type CellKey struct {
	ReducerName string
	KeyHash     canon.Hash
}

func (k CellKey) sortKey() string {
	return k.ReducerName + "/" + hex.EncodeToString(k.KeyHash[:])
}

// Store holds a reducer engine's cell state: an immutable base layer
// (populated from the last snapshot's materialized roots) and an
// in-memory delta layer accumulating writes since. Snapshot commit
// folds the delta into a new base and clears it.
type Store struct {
	base  map[CellKey][]byte
	delta map[CellKey][]byte
}

// NewStore creates an empty cell store.
func NewStore() *Store {
	return &Store{base: make(map[CellKey][]byte), delta: make(map[CellKey][]byte)}
}

// LoadBase seeds the base layer, used when hydrating a store from a
// snapshot's materialized reducer roots.
func (s *Store) LoadBase(key CellKey, stateBytes []byte) {
	s.base[key] = stateBytes
}

// Get returns a cell's current bytes (delta overriding base), or nil if
// the cell has never been written.
func (s *Store) Get(key CellKey) []byte {
	if v, ok := s.delta[key]; ok {
		return v
	}
	return s.base[key]
}

// Set writes a cell's new state into the delta layer.
func (s *Store) Set(key CellKey, stateBytes []byte) {
	s.delta[key] = stateBytes
}

// DirtyKeys returns the delta layer's keys in deterministic order
// (sorted by reducer name then key-hash hex), required so snapshot
// commit produces a reproducible base index root.
func (s *Store) DirtyKeys() []CellKey {
	keys := make([]CellKey, 0, len(s.delta))
	for k := range s.delta {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].sortKey() < keys[j].sortKey() })
	return keys
}

// Commit folds the delta layer into the base layer and clears it,
// called at snapshot boundaries once dirty cells are materialized into
// CAS.
func (s *Store) Commit() {
	for k, v := range s.delta {
		s.base[k] = v
	}
	s.delta = make(map[CellKey][]byte)
}

// AllKeys returns every cell key currently present in the base layer, in
// deterministic order, for building a snapshot's per-reducer root index.
// Call after Commit so the base layer reflects every live cell.
func (s *Store) AllKeys() []CellKey {
	keys := make([]CellKey, 0, len(s.base))
	for k := range s.base {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].sortKey() < keys[j].sortKey() })
	return keys
}
