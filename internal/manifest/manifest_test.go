package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/capability"
)

func counterSMManifest() *Manifest {
	m := New()
	m.Schemas["demo/CounterEvent@1"] = canon.Hash{}
	m.Schemas["demo/CounterState@1"] = canon.Hash{}
	m.Modules["demo/CounterSM@1"] = ModuleDef{
		Name:           "demo/CounterSM@1",
		Kind:           ModuleReducer,
		StateSchema:    "demo/CounterState@1",
		EventSchema:    "demo/CounterEvent@1",
		EffectsEmitted: []string{"timer.set"},
	}
	m.Routes = []Route{{EventSchema: "demo/CounterEvent@1", Target: "demo/CounterSM@1"}}
	return m
}

func TestValidateAcceptsWellFormedManifest(t *testing.T) {
	m := counterSMManifest()
	assert.NoError(t, m.Validate())
}

func TestValidateRejectsDanglingSchemaRef(t *testing.T) {
	m := counterSMManifest()
	mod := m.Modules["demo/CounterSM@1"]
	mod.StateSchema = "demo/Nonexistent@1"
	m.Modules["demo/CounterSM@1"] = mod

	err := m.Validate()
	require.Error(t, err)
}

func TestValidateRejectsRouteToUnknownModule(t *testing.T) {
	m := counterSMManifest()
	m.Routes = append(m.Routes, Route{EventSchema: "demo/CounterEvent@1", Target: "demo/Ghost@1"})

	err := m.Validate()
	require.Error(t, err)
}

func TestValidateRejectsUnboundCapSlot(t *testing.T) {
	m := counterSMManifest()
	mod := m.Modules["demo/CounterSM@1"]
	mod.CapSlots = []string{"http_cap"}
	m.Modules["demo/CounterSM@1"] = mod

	err := m.Validate()
	require.Error(t, err)
}

func TestValidateAcceptsBoundCapSlot(t *testing.T) {
	m := counterSMManifest()
	mod := m.Modules["demo/CounterSM@1"]
	mod.CapSlots = []string{"http_cap"}
	m.Modules["demo/CounterSM@1"] = mod
	m.Grants = []capability.Grant{{Name: "http-good", EffectKind: "http.request"}}
	m.CapBindings = []CapBinding{{ModuleName: "demo/CounterSM@1", SlotName: "http_cap", GrantName: "http-good"}}

	assert.NoError(t, m.Validate())
}

func TestHashStableAcrossEquivalentManifests(t *testing.T) {
	m1 := counterSMManifest()
	m2 := counterSMManifest()

	h1, err := m1.Hash()
	require.NoError(t, err)
	h2, err := m2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestRouteForResolvesTarget(t *testing.T) {
	m := counterSMManifest()
	r, ok := m.RouteFor("demo/CounterEvent@1")
	require.True(t, ok)
	assert.Equal(t, "demo/CounterSM@1", r.Target)
}

func TestEffectsAllowedChecksAllowlist(t *testing.T) {
	mod := ModuleDef{EffectsEmitted: []string{"timer.set"}}
	assert.True(t, mod.EffectsAllowed("timer.set"))
	assert.False(t, mod.EffectsAllowed("http.request"))
}
