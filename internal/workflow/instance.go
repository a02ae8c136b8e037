// Package workflow implements the workflow engine: instance-keyed
// orchestration driven by inbound domain events, effect receipts, and
// fired timers, with receipt correlation and quiescence tracking.
package workflow

import "sort"

// Instance is one workflow instance's orchestration state, distinct from
// the module's own state_cbor: the engine tracks the intent-sequence
// counter and run epoch a module never sees directly.
type Instance struct {
	StateCBOR      []byte
	Epoch          uint64 // bumped on cancel/restart; fences stale receipts
	NextIntentSeq  uint64
	PendingIntents int
	Terminated     bool
}

// Quiescent reports whether the instance has no outstanding effect
// intents. Snapshot commit does not consult it: every live instance is
// serialized together with its pending count.
func (i Instance) Quiescent() bool {
	return i.PendingIntents == 0
}

// Store holds every workflow instance's orchestration state across a
// base layer (from the last snapshot) and an in-memory delta, mirroring
// the reducer engine's cell store shape.
type Store struct {
	base  map[string]Instance
	delta map[string]Instance
}

// NewStore creates an empty instance store.
func NewStore() *Store {
	return &Store{base: make(map[string]Instance), delta: make(map[string]Instance)}
}

// LoadBase seeds the base layer from a snapshot's serialized workflow
// instance states.
func (s *Store) LoadBase(instanceID string, inst Instance) {
	s.base[instanceID] = inst
}

// Get returns an instance's current record (delta overriding base), or
// the zero Instance if it has never been spawned.
func (s *Store) Get(instanceID string) Instance {
	if v, ok := s.delta[instanceID]; ok {
		return v
	}
	return s.base[instanceID]
}

// Set writes an instance's updated record into the delta layer.
func (s *Store) Set(instanceID string, inst Instance) {
	s.delta[instanceID] = inst
}

// Remove deletes a terminated instance from both layers: once a
// WorkflowResult is journaled, its state is gone.
func (s *Store) Remove(instanceID string) {
	delete(s.delta, instanceID)
	delete(s.base, instanceID)
}

// DirtyInstanceIDs returns the delta layer's instance IDs in
// deterministic (sorted) order, required for reproducible snapshot
// commit.
func (s *Store) DirtyInstanceIDs() []string {
	ids := make([]string, 0, len(s.delta))
	for id := range s.delta {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Commit folds the delta layer into the base layer and clears it.
func (s *Store) Commit() {
	for id, inst := range s.delta {
		if inst.Terminated {
			delete(s.base, id)
			continue
		}
		s.base[id] = inst
	}
	s.delta = make(map[string]Instance)
}

// AllInstanceIDs returns every live instance ID in the base layer, in
// deterministic (sorted) order, for serializing a snapshot's
// workflow_instances map. Call after Commit.
func (s *Store) AllInstanceIDs() []string {
	ids := make([]string, 0, len(s.base))
	for id := range s.base {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
