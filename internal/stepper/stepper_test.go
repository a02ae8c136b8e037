package stepper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/capability"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/cas"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/effect"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/journal"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/manifest"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/policy"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/receipt"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/reducer"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/schema"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/snapshot"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/wasmhost"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/workflow"
)

// fakeReducerStepper always bumps a nat counter found in state_cbor by
// one and never emits effects, standing in for demo/CounterSM@1.
type fakeReducerStepper struct{}

func (fakeReducerStepper) Step(_ context.Context, _ string, input []byte) ([]byte, error) {
	var in wasmhost.ReducerStepInput
	if err := canon.Decode(input, &in); err != nil {
		return nil, err
	}
	count := uint64(0)
	if len(in.StateCBOR) > 0 {
		var prev struct {
			Count uint64 `cbor:"count"`
		}
		_ = canon.Decode(in.StateCBOR, &prev)
		count = prev.Count
	}
	newState, err := canon.Encode(struct {
		Count uint64 `cbor:"count"`
	}{Count: count + 1})
	if err != nil {
		return nil, err
	}
	return canon.Encode(wasmhost.ReducerStepOutput{StateCBOR: newState})
}

func counterEventSchema() *schema.Schema {
	return &schema.Schema{
		Name: "demo/CounterEvent",
		Ver:  1,
		Def: &schema.Def{
			Kind: schema.KindVariant,
			Fields: []schema.Field{
				{Name: "Bump", Type: &schema.Def{Kind: schema.KindRecord}},
			},
		},
	}
}

func buildTestStepper(t *testing.T) (*Stepper, journal.Journal) {
	t.Helper()
	schemas := schema.NewRegistry()
	require.NoError(t, schemas.Register(counterEventSchema()))

	mf := manifest.New()
	mf.Schemas["demo/CounterEvent@1"] = canon.Hash{}
	mf.Modules["demo/CounterSM@1"] = manifest.ModuleDef{Name: "demo/CounterSM@1", Kind: manifest.ModuleReducer}
	mf.Routes = append(mf.Routes, manifest.Route{EventSchema: "demo/CounterEvent@1", Target: "demo/CounterSM@1"})

	j := journal.NewMemory()
	store := cas.New(cas.NewMemoryBackend())
	reducerStore := reducer.NewStore()
	ledger := capability.NewLedger()
	gate := policy.NewGate(nil)
	reducerEngine := reducer.NewEngine(fakeReducerStepper{}, reducerStore, ledger, gate, nil, "world-test")

	workflowStore := workflow.NewStore()
	workflowEngine := workflow.NewEngine(fakeReducerStepper{}, workflowStore, ledger, gate, nil, "world-test")

	effects := effect.NewManager(j)
	receipts := receipt.NewRegistry(nil)
	committer := snapshot.NewCommitter(store, j, reducerStore, workflowStore, effects, canon.Hash{})

	s := New(Config{
		WorldID:   "world-test",
		Manifest:  mf,
		Journal:   j,
		Schemas:   schemas,
		Store:     store,
		Reducers:  reducerEngine,
		Workflows: workflowEngine,
		Effects:   effects,
		Receipts:  receipts,
		Committer: committer,
		Inbox:     NewInbox(),
		Policy:    SnapshotPolicy{EveryNEvents: 2},
	})
	return s, j
}

func TestTickProcessesDomainEventAndAdvancesReducerState(t *testing.T) {
	s, j := buildTestStepper(t)
	s.inbox.Enqueue(Item{Kind: ItemDomainEvent, DomainEvent: DomainEventIn{Schema: "demo/CounterEvent@1", AuthoringJSON: []byte(`{"$tag":"Bump","$value":{}}`)}})

	report, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.EventsProcessed)
	assert.Equal(t, uint64(1), j.Head(), "the domain event record should be journaled")
}

func TestTickRejectsUnknownSchemaAsSchemaValidationFailure(t *testing.T) {
	s, j := buildTestStepper(t)
	s.inbox.Enqueue(Item{Kind: ItemDomainEvent, DomainEvent: DomainEventIn{Schema: "demo/CounterEvent@1", AuthoringJSON: []byte(`{"$tag":"Nope","$value":{}}`)}})

	report, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.EventsProcessed)

	recs, err := j.Tail(1, 10, []journal.Kind{journal.KindSchemaValidationRejected})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestTickTakesSnapshotAtConfiguredBoundary(t *testing.T) {
	s, _ := buildTestStepper(t)
	for i := 0; i < 2; i++ {
		s.inbox.Enqueue(Item{Kind: ItemDomainEvent, DomainEvent: DomainEventIn{Schema: "demo/CounterEvent@1", AuthoringJSON: []byte(`{"$tag":"Bump","$value":{}}`)}})
		report, err := s.Tick(context.Background())
		require.NoError(t, err)
		if i == 1 {
			require.NotNil(t, report.SnapshotHash, "boundary of 2 events should trigger a snapshot")
		}
	}
}

func TestForceSnapshotReturnsHashRegardlessOfPolicy(t *testing.T) {
	s, _ := buildTestStepper(t)
	h, err := s.ForceSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, h.IsZero())
}
