// Package manifest defines the typed control-plane graph a world pins:
// schemas, modules, workflows, capability grants, policies, routing,
// subscriptions, and triggers, all addressed by a root manifest hash.
package manifest

import (
	"fmt"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/capability"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/policy"
)

// CapEnforcerPredicateKey is the reserved Grant.Constraints key a grant
// author sets to the CEL expression source enforced on top of the
// ledger's static bind/expiry check. Grants without this key get no
// enforcer: nothing runs beyond Ledger.Resolve for them.
const CapEnforcerPredicateKey = "cel_predicate"

// ModuleKind identifies what role a WASM module plays in a world.
type ModuleKind string

const (
	ModuleReducer        ModuleKind = "reducer"
	ModuleWorkflow       ModuleKind = "workflow"
	ModulePure           ModuleKind = "pure"
	ModuleCapEnforcer    ModuleKind = "cap_enforcer"
	ModulePolicyEnforcer ModuleKind = "policy_enforcer"
)

// ModuleDef is one module's manifest entry: its ABI surface, declared
// effect allowlist, and the cap slots it expects bound at manifest-pin
// time.
type ModuleDef struct {
	Name           string     `cbor:"name"`
	Kind           ModuleKind `cbor:"kind"`
	CodeHash       canon.Hash `cbor:"code_hash"`
	StateSchema    string     `cbor:"state_schema,omitempty"`
	EventSchema    string     `cbor:"event_schema,omitempty"`
	OutputSchema   string     `cbor:"output_schema,omitempty"`
	EffectsEmitted []string   `cbor:"effects_emitted,omitempty"`
	CapSlots       []string   `cbor:"cap_slots,omitempty"`
	FuelBudget     uint64     `cbor:"fuel_budget"`
}

// Route maps one domain-event schema to the reducer or workflow that
// consumes it, optionally keyed by a field in the event's schema.
type Route struct {
	EventSchema string `cbor:"event_schema"`
	Target      string `cbor:"target"`
	KeyField    string `cbor:"key_field,omitempty"`
}

// Subscription is a non-routing fan-out: a target module receives a copy
// of every event matching EventSchema in addition to its primary route.
type Subscription struct {
	EventSchema string `cbor:"event_schema"`
	Target      string `cbor:"target"`
}

// Trigger fires a target workflow instance on a timer or external signal
// rather than on an inbound domain event.
type Trigger struct {
	Name   string `cbor:"name"`
	Target string `cbor:"target"`
}

// CapBinding wires one module's named cap slot to a grant the manifest
// declares.
type CapBinding struct {
	ModuleName string `cbor:"module_name"`
	SlotName   string `cbor:"slot_name"`
	GrantName  string `cbor:"grant_name"`
}

// Manifest is the root of the control plane. It is immutable once
// pinned; its identity is the hash of its canonical encoding.
type Manifest struct {
	Schemas       map[string]canon.Hash    `cbor:"schemas"`
	Modules       map[string]ModuleDef     `cbor:"modules"`
	Routes        []Route                  `cbor:"routes"`
	Subscriptions []Subscription           `cbor:"subscriptions,omitempty"`
	Triggers      []Trigger                `cbor:"triggers,omitempty"`
	Grants        []capability.Grant       `cbor:"grants,omitempty"`
	CapBindings   []CapBinding             `cbor:"cap_bindings,omitempty"`
	PolicyRules   []policy.Rule            `cbor:"policy_rules,omitempty"`
}

// EffectsAllowed reports whether a module's emitted-effects allowlist
// permits the given effect kind. The micro-effect bound (invariant 7)
// is enforced here before the intent ever reaches the capability/policy
// gate.
func (d ModuleDef) EffectsAllowed(effectKind string) bool {
	for _, k := range d.EffectsEmitted {
		if k == effectKind {
			return true
		}
	}
	return false
}

// New builds an empty Manifest ready for incremental population.
func New() *Manifest {
	return &Manifest{
		Schemas: make(map[string]canon.Hash),
		Modules: make(map[string]ModuleDef),
	}
}

// Hash computes the manifest's content-addressed identity.
func (m *Manifest) Hash() (canon.Hash, error) {
	return canon.HashValue(m)
}

// RouteFor returns the route target for an event schema, if one is
// declared.
func (m *Manifest) RouteFor(eventSchema string) (Route, bool) {
	for _, r := range m.Routes {
		if r.EventSchema == eventSchema {
			return r, true
		}
	}
	return Route{}, false
}

// Ledger builds a capability.Ledger from the manifest's declared grants
// and bindings.
func (m *Manifest) Ledger() (*capability.Ledger, error) {
	l := capability.NewLedger()
	for _, g := range m.Grants {
		l.AddGrant(g)
	}
	for _, b := range m.CapBindings {
		if err := l.Bind(b.ModuleName, b.SlotName, b.GrantName); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Gate builds a policy.Gate from the manifest's ordered policy rules.
func (m *Manifest) Gate() *policy.Gate {
	return policy.NewGate(m.PolicyRules)
}

// Enforcers compiles a policy.CapEnforcer for every grant carrying a
// CapEnforcerPredicateKey constraint, keyed by grant name, ready to wire
// into reducer.NewEngine/workflow.NewEngine alongside Ledger and Gate.
func (m *Manifest) Enforcers() (map[string]policy.CapEnforcer, error) {
	enforcers := make(map[string]policy.CapEnforcer, len(m.Grants))
	for _, g := range m.Grants {
		expr, ok := g.Constraints[CapEnforcerPredicateKey]
		if !ok || expr == "" {
			continue
		}
		enf, err := policy.NewCELCapEnforcer(expr)
		if err != nil {
			return nil, fmt.Errorf("manifest: compile cap enforcer for grant %q: %w", g.Name, err)
		}
		enforcers[g.Name] = enf
	}
	return enforcers, nil
}
