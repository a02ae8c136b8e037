// Package snapshot implements world state serialization: materializing
// dirty reducer cells and workflow instances into the content-addressed
// store, committing a Snapshot record, promoting a snapshot to a
// baseline restore anchor, and restoring a world from a baseline plus
// its journal tail — the replay-or-die path.
package snapshot

import (
	"context"
	"fmt"
	"sort"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/cas"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/effect"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/errtax"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/journal"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/reducer"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/workflow"
)

// Snapshot is a serialized world state at a given journal height.
type Snapshot struct {
	Height             uint64                `cbor:"height"`
	ManifestHash       canon.Hash            `cbor:"manifest_hash"`
	ReducerRoots       map[string]canon.Hash `cbor:"reducer_roots"`
	WorkflowInstances  map[string]canon.Hash `cbor:"workflow_instances"`
	EffectManagerState canon.Hash            `cbor:"effect_manager_state"`
	PinnedRoots        []canon.Hash          `cbor:"pinned_roots,omitempty"`
	LogicalTimeNs      uint64                `cbor:"logical_time_ns"`
}

// Baseline is a snapshot explicitly promoted as a restore anchor.
type Baseline struct {
	SnapshotHash         canon.Hash `cbor:"snapshot_hash" json:"snapshot_hash"`
	Height               uint64     `cbor:"height" json:"height"`
	ReceiptHorizonHeight *uint64    `cbor:"receipt_horizon_height,omitempty" json:"receipt_horizon_height,omitempty"`
}

// cellIndexEntry is one (key_hash -> cell bytes hash) pair in a
// reducer's base index root, the unit sorted by key_hash to make root
// construction deterministic.
type cellIndexEntry struct {
	ReducerName string     `cbor:"reducer_name"`
	KeyHash     canon.Hash `cbor:"key_hash"`
	CellHash    canon.Hash `cbor:"cell_hash"`
}

// workflowInstanceNode is the serialized form of one workflow.Instance,
// stored as a CAS node and referenced from Snapshot.WorkflowInstances.
type workflowInstanceNode struct {
	StateCBOR      []byte `cbor:"state_cbor"`
	Epoch          uint64 `cbor:"epoch"`
	NextIntentSeq  uint64 `cbor:"next_intent_seq"`
	PendingIntents int    `cbor:"pending_intents"`
}

// Committer materializes dirty state into CAS and commits a Snapshot
// record, using the same cell/instance stores the reducer and workflow
// engines mutate directly.
type Committer struct {
	store      *cas.Store
	j          journal.Journal
	reducers   *reducer.Store
	workflows  *workflow.Store
	effects    *effect.Manager
	manifestHash canon.Hash
}

// NewCommitter builds a Committer bound to one world's stores.
func NewCommitter(store *cas.Store, j journal.Journal, reducers *reducer.Store, workflows *workflow.Store, effects *effect.Manager, manifestHash canon.Hash) *Committer {
	return &Committer{store: store, j: j, reducers: reducers, workflows: workflows, effects: effects, manifestHash: manifestHash}
}

// Commit materializes every dirty reducer cell and workflow instance into
// CAS, builds per-reducer base index roots, serializes the effect
// manager's pending set, journals a Snapshot record, and folds both
// stores' delta layers into their base layers. Callers must only invoke
// Commit when the world is globally quiescent: no partial
// state may be captured mid-dispatch.
func (c *Committer) Commit(ctx context.Context, height, logicalTimeNs uint64) (canon.Hash, Snapshot, error) {
	if err := c.materializeDirtyCells(ctx); err != nil {
		return canon.Hash{}, Snapshot{}, err
	}
	c.reducers.Commit()
	c.workflows.Commit()

	reducerRoots, err := c.buildReducerRoots(ctx)
	if err != nil {
		return canon.Hash{}, Snapshot{}, err
	}
	workflowRefs, err := c.materializeWorkflowInstances(ctx)
	if err != nil {
		return canon.Hash{}, Snapshot{}, err
	}
	effectStateHash, err := c.store.PutNode(ctx, c.effects.ExportState())
	if err != nil {
		return canon.Hash{}, Snapshot{}, fmt.Errorf("snapshot: put effect manager state: %w", err)
	}

	snap := Snapshot{
		Height:             height,
		ManifestHash:       c.manifestHash,
		ReducerRoots:       reducerRoots,
		WorkflowInstances:  workflowRefs,
		EffectManagerState: effectStateHash,
		LogicalTimeNs:      logicalTimeNs,
	}

	snapBytes, err := canon.Encode(snap)
	if err != nil {
		return canon.Hash{}, Snapshot{}, fmt.Errorf("snapshot: encode: %w", err)
	}
	snapHash, err := c.store.Put(ctx, cas.SpaceNodes, snapBytes)
	if err != nil {
		return canon.Hash{}, Snapshot{}, fmt.Errorf("snapshot: put: %w", err)
	}

	if _, err := c.j.AppendBatch([]journal.PendingRecord{{Kind: journal.KindSnapshot, Bytes: snapBytes}}); err != nil {
		return canon.Hash{}, Snapshot{}, fmt.Errorf("snapshot: journal append: %w", err)
	}

	return snapHash, snap, nil
}

func (c *Committer) materializeDirtyCells(ctx context.Context) error {
	for _, key := range c.reducers.DirtyKeys() {
		bytes := c.reducers.Get(key)
		if _, err := c.store.Put(ctx, cas.SpaceNodes, bytes); err != nil {
			return fmt.Errorf("snapshot: materialize cell %s: %w", key.ReducerName, err)
		}
	}
	return nil
}

func (c *Committer) buildReducerRoots(ctx context.Context) (map[string]canon.Hash, error) {
	byReducer := make(map[string][]cellIndexEntry)
	for _, key := range c.reducers.AllKeys() {
		bytes := c.reducers.Get(key)
		cellHash := canon.HashBytes(bytes)
		byReducer[key.ReducerName] = append(byReducer[key.ReducerName], cellIndexEntry{
			ReducerName: key.ReducerName,
			KeyHash:     key.KeyHash,
			CellHash:    cellHash,
		})
	}

	roots := make(map[string]canon.Hash, len(byReducer))
	for name, entries := range byReducer {
		sort.Slice(entries, func(i, j int) bool { return entries[i].KeyHash.String() < entries[j].KeyHash.String() })
		root, err := c.store.PutNode(ctx, entries)
		if err != nil {
			return nil, fmt.Errorf("snapshot: put reducer root %s: %w", name, err)
		}
		roots[name] = root
	}
	return roots, nil
}

func (c *Committer) materializeWorkflowInstances(ctx context.Context) (map[string]canon.Hash, error) {
	refs := make(map[string]canon.Hash)
	for _, id := range c.workflows.AllInstanceIDs() {
		inst := c.workflows.Get(id)
		node := workflowInstanceNode{
			StateCBOR:      inst.StateCBOR,
			Epoch:          inst.Epoch,
			NextIntentSeq:  inst.NextIntentSeq,
			PendingIntents: inst.PendingIntents,
		}
		h, err := c.store.PutNode(ctx, node)
		if err != nil {
			return nil, fmt.Errorf("snapshot: put workflow instance %s: %w", id, err)
		}
		refs[id] = h
	}
	return refs, nil
}

// Promote builds a Baseline record for an already-committed snapshot and
// journals it. receiptHorizonHeight, if non-nil, asserts no receipts for
// intents below that height may still arrive — a precondition Promote
// does not check itself; its caller, the baseline verb in cmd/aosd,
// passes a horizon only when the effect manager has no pending intents.
func Promote(j journal.Journal, snapshotHash canon.Hash, height uint64, receiptHorizonHeight *uint64) (Baseline, error) {
	b := Baseline{SnapshotHash: snapshotHash, Height: height, ReceiptHorizonHeight: receiptHorizonHeight}
	bytes, err := canon.Encode(b)
	if err != nil {
		return Baseline{}, fmt.Errorf("snapshot: encode baseline: %w", err)
	}
	if _, err := j.AppendBatch([]journal.PendingRecord{{Kind: journal.KindBaselineSnapshot, Bytes: bytes}}); err != nil {
		return Baseline{}, fmt.Errorf("snapshot: journal append baseline: %w", err)
	}
	return b, nil
}

// Restore hydrates reducer cells, workflow instances, and the effect
// manager's pending set from a baseline snapshot's materialized CAS
// nodes. The caller is responsible for then replaying journal records
// at height > baseline.Height through the reducer/workflow engines to
// reach the target height (the replay-or-die path).
func Restore(ctx context.Context, store *cas.Store, snapshotHash canon.Hash, reducers *reducer.Store, workflows *workflow.Store, effects *effect.Manager) (Snapshot, error) {
	var snap Snapshot
	if err := store.GetNode(ctx, snapshotHash, &snap); err != nil {
		return Snapshot{}, err // already errtax.SnapshotCorrupt
	}

	for name, root := range snap.ReducerRoots {
		var entries []cellIndexEntry
		if err := store.GetNode(ctx, root, &entries); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: restore reducer root %s: %w", name, err)
		}
		for _, e := range entries {
			bytes, err := store.Get(ctx, cas.SpaceNodes, e.CellHash)
			if err != nil {
				return Snapshot{}, err
			}
			reducers.LoadBase(reducer.CellKey{ReducerName: e.ReducerName, KeyHash: e.KeyHash}, bytes)
		}
	}

	for id, ref := range snap.WorkflowInstances {
		var node workflowInstanceNode
		if err := store.GetNode(ctx, ref, &node); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: restore workflow instance %s: %w", id, err)
		}
		workflows.LoadBase(id, workflow.Instance{
			StateCBOR:      node.StateCBOR,
			Epoch:          node.Epoch,
			NextIntentSeq:  node.NextIntentSeq,
			PendingIntents: node.PendingIntents,
		})
	}

	var pending []effect.PendingState
	if !snap.EffectManagerState.IsZero() {
		if err := store.GetNode(ctx, snap.EffectManagerState, &pending); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: restore effect manager state: %w", err)
		}
	}
	effects.RestoreState(pending)

	return snap, nil
}

// VerifyReplayIntegrity runs the journal's VerifyChain across
// [baseline.Height, to] and reports any break, the operational check
// backing replay-or-die beyond what a successful Restore plus replay
// already implies.
func VerifyReplayIntegrity(j journal.Journal, baselineHeight, to uint64) error {
	if err := j.VerifyChain(baselineHeight, to); err != nil {
		return errtax.New(errtax.JournalCorrupt, "replay integrity check failed", map[string]any{
			"from": baselineHeight,
			"to":   to,
		})
	}
	return nil
}
