package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/capability"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/manifest"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/policy"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/wasmhost"
)

// fakeStepper returns a fixed WorkflowStepOutput regardless of input,
// standing in for a compiled WASM module.
type fakeStepper struct {
	output wasmhost.WorkflowStepOutput
}

func (f fakeStepper) Step(_ context.Context, _ string, _ []byte) ([]byte, error) {
	return canon.Encode(f.output)
}

func helloTimerModule() manifest.ModuleDef {
	return manifest.ModuleDef{
		Name:           "demo/HelloTimer@1",
		Kind:           manifest.ModuleWorkflow,
		EffectsEmitted: []string{"timer.set", "http.request"},
		CapSlots:       []string{"timer_cap", "http_cap"},
	}
}

func TestEngineStepSpawnsInstanceAndWritesState(t *testing.T) {
	stepper := fakeStepper{output: wasmhost.WorkflowStepOutput{StateCBOR: []byte{0x01}}}
	store := NewStore()
	ledger := capability.NewLedger()
	gate := policy.NewGate(nil)

	eng := NewEngine(stepper, store, ledger, gate, nil, "world-1")
	inbound := wasmhost.Inbound{Kind: wasmhost.InboundDomainEvent, ValueCBOR: []byte{0xa0}}
	res, err := eng.Step(context.Background(), helloTimerModule(), "inst-1", inbound, 1, 0)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x01}, res.NewStateCBOR)
	assert.Equal(t, []byte{0x01}, store.Get("inst-1").StateCBOR)
	assert.False(t, store.Get("inst-1").Terminated)
}

func TestEngineEnqueuesEffectAndIncrementsIntentSeqAcrossSteps(t *testing.T) {
	mod := helloTimerModule()
	stepper := fakeStepper{output: wasmhost.WorkflowStepOutput{
		StateCBOR: []byte{0x01},
		Effects:   []wasmhost.EmittedEffect{{Kind: "timer.set", ParamsCBOR: []byte{0xa0}, CapSlot: "timer_cap"}},
	}}
	store := NewStore()
	ledger := capability.NewLedger()
	ledger.AddGrant(capability.Grant{Name: "timer-grant", EffectKind: "timer.set"})
	require.NoError(t, ledger.Bind(mod.Name, "timer_cap", "timer-grant"))
	gate := policy.NewGate([]policy.Rule{{EffectKind: "timer.set", Allow: true}})

	eng := NewEngine(stepper, store, ledger, gate, nil, "world-1")
	inbound := wasmhost.Inbound{Kind: wasmhost.InboundDomainEvent, ValueCBOR: []byte{0xa0}}

	res1, err := eng.Step(context.Background(), mod, "inst-2", inbound, 1, 0)
	require.NoError(t, err)
	require.Len(t, res1.EnqueuedIntents, 1)
	assert.Equal(t, uint64(0), res1.EnqueuedIntents[0].Origin.IntentSeq)
	assert.Equal(t, 1, store.Get("inst-2").PendingIntents)

	res2, err := eng.Step(context.Background(), mod, "inst-2", inbound, 2, 0)
	require.NoError(t, err)
	require.Len(t, res2.EnqueuedIntents, 1)
	assert.Equal(t, uint64(1), res2.EnqueuedIntents[0].Origin.IntentSeq, "intent sequence keeps incrementing across steps, not reset per-step")
	assert.Equal(t, 2, store.Get("inst-2").PendingIntents)
}

func TestEngineTerminatesInstanceOnTerminalOutcome(t *testing.T) {
	mod := helloTimerModule()
	stepper := fakeStepper{output: wasmhost.WorkflowStepOutput{
		StateCBOR: []byte{0x02},
		Terminal:  &wasmhost.Terminal{Status: "completed", ResultCBOR: []byte{0xa1}},
	}}
	store := NewStore()
	ledger := capability.NewLedger()
	gate := policy.NewGate(nil)

	eng := NewEngine(stepper, store, ledger, gate, nil, "world-1")
	inbound := wasmhost.Inbound{Kind: wasmhost.InboundEffectReceipt, ValueCBOR: []byte{0xa0}}
	res, err := eng.Step(context.Background(), mod, "inst-3", inbound, 1, 0)
	require.NoError(t, err)

	require.NotNil(t, res.Terminal)
	assert.Equal(t, "completed", res.Terminal.Status)
	assert.True(t, store.Get("inst-3").Terminated)
}

func TestEngineRejectsStepOnTerminatedInstance(t *testing.T) {
	store := NewStore()
	store.Set("inst-4", Instance{Terminated: true})
	ledger := capability.NewLedger()
	gate := policy.NewGate(nil)
	stepper := fakeStepper{}

	eng := NewEngine(stepper, store, ledger, gate, nil, "world-1")
	inbound := wasmhost.Inbound{Kind: wasmhost.InboundTimerFired}
	_, err := eng.Step(context.Background(), helloTimerModule(), "inst-4", inbound, 1, 0)
	assert.Error(t, err)
}

func TestEngineDeniesEffectOutsideAllowlist(t *testing.T) {
	mod := helloTimerModule()
	mod.EffectsEmitted = []string{"timer.set"} // http.request no longer allowed
	stepper := fakeStepper{output: wasmhost.WorkflowStepOutput{
		StateCBOR: []byte{0x01},
		Effects:   []wasmhost.EmittedEffect{{Kind: "http.request", ParamsCBOR: []byte{0xa0}, CapSlot: "http_cap"}},
	}}
	store := NewStore()
	ledger := capability.NewLedger()
	gate := policy.NewGate(nil)

	eng := NewEngine(stepper, store, ledger, gate, nil, "world-1")
	inbound := wasmhost.Inbound{Kind: wasmhost.InboundDomainEvent}
	res, err := eng.Step(context.Background(), mod, "inst-5", inbound, 1, 0)
	require.NoError(t, err)

	require.Len(t, res.Denials, 1)
	assert.Equal(t, "effect_not_allowed", res.Denials[0].Code)
	assert.Empty(t, res.EnqueuedIntents)
}

func TestCorrelatesReceiptRejectsStaleEpoch(t *testing.T) {
	store := NewStore()
	store.Set("inst-6", Instance{Epoch: 2})
	eng := NewEngine(fakeStepper{}, store, capability.NewLedger(), policy.NewGate(nil), nil, "world-1")

	assert.True(t, eng.CorrelatesReceipt("inst-6", 2))
	assert.False(t, eng.CorrelatesReceipt("inst-6", 1), "receipt tagged with a superseded epoch must be treated as stale")
}

func TestCancelBumpsEpochAndClearsPending(t *testing.T) {
	store := NewStore()
	store.Set("inst-7", Instance{Epoch: 0, PendingIntents: 3})
	eng := NewEngine(fakeStepper{}, store, capability.NewLedger(), policy.NewGate(nil), nil, "world-1")

	eng.Cancel("inst-7")
	inst := store.Get("inst-7")
	assert.Equal(t, uint64(1), inst.Epoch)
	assert.Equal(t, 0, inst.PendingIntents)
}

func TestDecPendingNeverGoesNegative(t *testing.T) {
	store := NewStore()
	store.Set("inst-8", Instance{PendingIntents: 0})
	eng := NewEngine(fakeStepper{}, store, capability.NewLedger(), policy.NewGate(nil), nil, "world-1")

	eng.DecPending("inst-8")
	assert.Equal(t, 0, store.Get("inst-8").PendingIntents)
}
