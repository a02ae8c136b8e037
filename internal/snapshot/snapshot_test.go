package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/cas"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/effect"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/journal"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/reducer"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/workflow"
)

func TestCommitThenRestoreReproducesCellState(t *testing.T) {
	ctx := context.Background()
	store := cas.New(cas.NewMemoryBackend())
	j := journal.NewMemory()
	reducers := reducer.NewStore()
	workflows := workflow.NewStore()
	effects := effect.NewManager(j)

	key := reducer.CellKey{ReducerName: "demo/CounterSM@1", KeyHash: reducer.SentinelKeyHash}
	reducers.Set(key, []byte{0x01, 0x02, 0x03})

	manifestHash := canon.HashBytes([]byte("manifest-v1"))
	committer := NewCommitter(store, j, reducers, workflows, effects, manifestHash)
	snapHash, snap, err := committer.Commit(ctx, 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Height)
	assert.Empty(t, reducers.DirtyKeys(), "commit must fold and clear the delta layer")

	restoredReducers := reducer.NewStore()
	restoredWorkflows := workflow.NewStore()
	restoredEffects := effect.NewManager(journal.NewMemory())
	restoredSnap, err := Restore(ctx, store, snapHash, restoredReducers, restoredWorkflows, restoredEffects)
	require.NoError(t, err)

	assert.Equal(t, snap.ManifestHash, restoredSnap.ManifestHash)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, restoredReducers.Get(key))
}

func TestCommitThenRestoreReproducesWorkflowInstances(t *testing.T) {
	ctx := context.Background()
	store := cas.New(cas.NewMemoryBackend())
	j := journal.NewMemory()
	reducers := reducer.NewStore()
	workflows := workflow.NewStore()
	effects := effect.NewManager(j)

	workflows.Set("inst-1", workflow.Instance{StateCBOR: []byte{0xaa}, Epoch: 2, NextIntentSeq: 5})

	committer := NewCommitter(store, j, reducers, workflows, effects, canon.Hash{})
	snapHash, _, err := committer.Commit(ctx, 1, 0)
	require.NoError(t, err)

	restoredReducers := reducer.NewStore()
	restoredWorkflows := workflow.NewStore()
	restoredEffects := effect.NewManager(journal.NewMemory())
	_, err = Restore(ctx, store, snapHash, restoredReducers, restoredWorkflows, restoredEffects)
	require.NoError(t, err)

	got := restoredWorkflows.Get("inst-1")
	assert.Equal(t, []byte{0xaa}, got.StateCBOR)
	assert.Equal(t, uint64(2), got.Epoch)
	assert.Equal(t, uint64(5), got.NextIntentSeq)
}

func TestCommitThenRestoreReproducesEffectManagerPendingSet(t *testing.T) {
	ctx := context.Background()
	store := cas.New(cas.NewMemoryBackend())
	j := journal.NewMemory()
	reducers := reducer.NewStore()
	workflows := workflow.NewStore()
	effects := effect.NewManager(j)

	intent := effect.Intent{Kind: "timer.set", ParamsCBOR: []byte{0xa0}, Origin: effect.Origin{Kind: effect.OriginReducer, Name: "demo/CounterSM@1"}}
	_, err := effects.Enqueue(intent, []byte{0xb0})
	require.NoError(t, err)

	committer := NewCommitter(store, j, reducers, workflows, effects, canon.Hash{})
	snapHash, _, err := committer.Commit(ctx, 1, 0)
	require.NoError(t, err)

	restoredReducers := reducer.NewStore()
	restoredWorkflows := workflow.NewStore()
	restoredEffects := effect.NewManager(journal.NewMemory())
	_, err = Restore(ctx, store, snapHash, restoredReducers, restoredWorkflows, restoredEffects)
	require.NoError(t, err)

	assert.Equal(t, 1, restoredEffects.PendingCount())
	pending := restoredEffects.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "timer.set", pending[0].Kind)
}

func TestPromoteJournalsBaselineRecord(t *testing.T) {
	j := journal.NewMemory()
	horizon := uint64(10)
	b, err := Promote(j, canon.HashBytes([]byte("snap")), 10, &horizon)
	require.NoError(t, err)

	assert.Equal(t, uint64(10), b.Height)
	require.NotNil(t, b.ReceiptHorizonHeight)
	assert.Equal(t, uint64(10), *b.ReceiptHorizonHeight)
	assert.Equal(t, uint64(1), j.Head())
}

func TestVerifyReplayIntegrityDetectsNoBreakOnCleanChain(t *testing.T) {
	j := journal.NewMemory()
	_, err := j.AppendBatch([]journal.PendingRecord{{Kind: journal.KindDomainEvent, Bytes: []byte{0x01}}})
	require.NoError(t, err)
	_, err = j.AppendBatch([]journal.PendingRecord{{Kind: journal.KindDomainEvent, Bytes: []byte{0x02}}})
	require.NoError(t, err)

	assert.NoError(t, VerifyReplayIntegrity(j, 1, 2))
}
