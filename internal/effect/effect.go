// Package effect implements the effect manager: intent-hash idempotent
// dispatch, pending-receipt tracking, and receipt routing back to the
// reducer cell or workflow instance that emitted the intent.
package effect

import (
	"fmt"
	"sort"
	"sync"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/errtax"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/journal"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/receipt"
)

// OriginKind identifies which engine owns an effect's origin identity.
type OriginKind string

const (
	OriginReducer  OriginKind = "reducer"
	OriginWorkflow OriginKind = "workflow"
)

// Origin identifies the reducer cell or workflow instance that emitted
// an effect intent, and is the routing key a receipt is delivered back
// through.
type Origin struct {
	Kind        OriginKind `cbor:"kind"`
	Name        string     `cbor:"name"`
	InstanceKey string     `cbor:"instance_key,omitempty"`
	IntentSeq   uint64     `cbor:"intent_seq,omitempty"`
	Epoch       uint64     `cbor:"epoch,omitempty"`
}

// Intent is one effect request emitted by a module step, prior to
// dispatch.
type Intent struct {
	Kind       string     `cbor:"kind"`
	ParamsCBOR []byte     `cbor:"params_cbor"`
	CapSlot    string     `cbor:"cap_slot,omitempty"`
	Origin     Origin     `cbor:"origin"`
	IntentHash canon.Hash `cbor:"-"`
}

// intentHashInput is the exact fingerprint hashed to derive intent_hash:
// kind, params, and the origin fields that make "the same call" from two
// different origins hash differently.
type intentHashInput struct {
	Kind       string `cbor:"kind"`
	ParamsCBOR []byte `cbor:"params_cbor"`
	Origin     Origin `cbor:"origin"`
}

// ComputeIntentHash derives an intent's idempotency key.
func ComputeIntentHash(kind string, paramsCBOR []byte, origin Origin) (canon.Hash, error) {
	return canon.HashValue(intentHashInput{Kind: kind, ParamsCBOR: paramsCBOR, Origin: origin})
}

// Status tracks one pending intent's position in the dispatch lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusDispatched Status = "dispatched"
)

type pendingEntry struct {
	intent Intent
	status Status
}

// RoutedReceipt is a receipt paired with the origin it must be delivered
// to, returned by ApplyReceipt for the stepper to forward to the owning
// engine.
type RoutedReceipt struct {
	Origin  Origin
	Receipt receipt.Receipt
}

// EnqueueResult reports whether an intent was newly queued or matched an
// already-pending intent_hash.
type EnqueueResult struct {
	IntentHash     canon.Hash
	AlreadyPending bool
}

// Manager is the effect manager for one world. It is not safe to share
// across worlds; all mutation happens under the stepper's single-writer
// discipline, but the mutex guards concurrent reads from control-channel
// handlers.
type Manager struct {
	mu      sync.Mutex
	pending map[canon.Hash]pendingEntry
	order   []canon.Hash
	j       journal.Journal
}

// NewManager creates an empty effect manager bound to a world's journal.
func NewManager(j journal.Journal) *Manager {
	return &Manager{
		pending: make(map[canon.Hash]pendingEntry),
		j:       j,
	}
}

// Enqueue computes intent.IntentHash if unset, and either returns the
// existing pending handle for a duplicate intent_hash or journals a new
// EffectIntent record and adds it to the pending set.
func (m *Manager) Enqueue(intent Intent, recordBytes []byte) (EnqueueResult, error) {
	if intent.IntentHash.IsZero() {
		h, err := ComputeIntentHash(intent.Kind, intent.ParamsCBOR, intent.Origin)
		if err != nil {
			return EnqueueResult{}, err
		}
		intent.IntentHash = h
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[intent.IntentHash]; ok {
		return EnqueueResult{IntentHash: intent.IntentHash, AlreadyPending: true}, nil
	}

	if _, err := m.j.AppendBatch([]journal.PendingRecord{{Kind: journal.KindEffectIntent, Bytes: recordBytes}}); err != nil {
		return EnqueueResult{}, fmt.Errorf("effect: journal append: %w", err)
	}

	m.pending[intent.IntentHash] = pendingEntry{intent: intent, status: StatusQueued}
	m.order = append(m.order, intent.IntentHash)
	return EnqueueResult{IntentHash: intent.IntentHash, AlreadyPending: false}, nil
}

// Pending returns a deterministically ordered (emission order) snapshot
// of outstanding intents not yet marked dispatched, for the host
// dispatcher to pull from.
func (m *Manager) Pending() []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Intent, 0, len(m.order))
	for _, h := range m.order {
		if e, ok := m.pending[h]; ok && e.status != StatusDispatched {
			out = append(out, e.intent)
		}
	}
	return out
}

// MarkDispatched records that the host dispatcher has handed an intent to
// an adapter, so repeated Pending() calls do not redeliver it.
func (m *Manager) MarkDispatched(intentHash canon.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pending[intentHash]; ok {
		e.status = StatusDispatched
		m.pending[intentHash] = e
	}
}

// ApplyReceipt verifies a receipt's signature, checks its intent_hash is
// still pending, journals the EffectReceipt, removes the intent from the
// pending set, and returns the origin to route it to. A receipt for an
// unknown intent_hash (stale, late, or for a superseded epoch) is
// reported via errtax.ReceiptStale and must be journaled by the caller as
// ignored rather than applied.
func (m *Manager) ApplyReceipt(registry *receipt.Registry, rec receipt.Receipt, recordBytes []byte) (RoutedReceipt, error) {
	if err := registry.Verify(rec); err != nil {
		return RoutedReceipt{}, errtax.New(errtax.ReceiptInvalid, err.Error(), map[string]any{"adapter_id": rec.AdapterID})
	}

	m.mu.Lock()
	entry, ok := m.pending[rec.IntentHash]
	if !ok {
		m.mu.Unlock()
		return RoutedReceipt{}, errtax.New(errtax.ReceiptStale, "receipt for unknown or superseded intent", map[string]any{
			"intent_hash": rec.IntentHash.String(),
		})
	}
	delete(m.pending, rec.IntentHash)
	m.removeFromOrderLocked(rec.IntentHash)
	m.mu.Unlock()

	if _, err := m.j.AppendBatch([]journal.PendingRecord{{Kind: journal.KindEffectReceipt, Bytes: recordBytes}}); err != nil {
		return RoutedReceipt{}, fmt.Errorf("effect: journal append: %w", err)
	}

	return RoutedReceipt{Origin: entry.intent.Origin, Receipt: rec}, nil
}

// Release removes a pending intent without a receipt ever arriving (cancel
// or expiry). It takes no reason and appends nothing to the journal.
func (m *Manager) Release(intentHash canon.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, intentHash)
	m.removeFromOrderLocked(intentHash)
}

func (m *Manager) removeFromOrderLocked(h canon.Hash) {
	for i, oh := range m.order {
		if oh == h {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// ReplayEnqueue adds an intent to the pending set without appending to
// the journal, used when replaying an EffectIntent record that already
// exists at the sequence number being replayed.
func (m *Manager) ReplayEnqueue(intent Intent) {
	if intent.IntentHash.IsZero() {
		h, err := ComputeIntentHash(intent.Kind, intent.ParamsCBOR, intent.Origin)
		if err != nil {
			return
		}
		intent.IntentHash = h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[intent.IntentHash]; ok {
		return
	}
	m.pending[intent.IntentHash] = pendingEntry{intent: intent, status: StatusQueued}
	m.order = append(m.order, intent.IntentHash)
}

// ReplayApplyReceipt removes intentHash from the pending set without
// journaling or re-verifying a signature (already verified when the
// EffectReceipt record was first journaled), returning the origin to
// route replay delivery to.
func (m *Manager) ReplayApplyReceipt(intentHash canon.Hash) (Origin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pending[intentHash]
	if !ok {
		return Origin{}, false
	}
	delete(m.pending, intentHash)
	m.removeFromOrderLocked(intentHash)
	return entry.intent.Origin, true
}

// PendingCount reports how many intents await a receipt, used by the
// baseline verb to decide whether to record a receipt horizon.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// PendingState pairs one pending intent with its dispatch status, the
// unit a snapshot serializes to reconstruct the effect manager's
// idempotency set on restore.
type PendingState struct {
	Intent Intent `cbor:"intent"`
	Status Status `cbor:"status"`
}

// ExportState returns every pending intent in content-hash order, for
// deterministic inclusion in a snapshot's effect_manager_state.
func (m *Manager) ExportState() []PendingState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PendingState, 0, len(m.pending))
	for h, e := range m.pending {
		out = append(out, PendingState{Intent: withHash(e.intent, h), Status: e.status})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Intent.IntentHash.String() < out[j].Intent.IntentHash.String()
	})
	return out
}

func withHash(intent Intent, h canon.Hash) Intent {
	intent.IntentHash = h
	return intent
}

// RestoreState replaces the manager's pending set from a snapshot's
// serialized states, used when opening a world from a baseline. The
// emission order is rebuilt in the same content-hash order ExportState
// produced it in, so Pending() is deterministic across restore.
func (m *Manager) RestoreState(states []PendingState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = make(map[canon.Hash]pendingEntry, len(states))
	m.order = make([]canon.Hash, 0, len(states))
	for _, st := range states {
		m.pending[st.Intent.IntentHash] = pendingEntry{intent: st.Intent, status: st.Status}
		m.order = append(m.order, st.Intent.IntentHash)
	}
}
