// Package capability implements the capability ledger: per-grant state
// bound to module cap slots, with constraints. Budget-style constraints
// (rate, quantity) are deliberately deferred: constraints today are
// string-keyed and checked by the policy gate's CEL predicates, not
// enforced natively by the ledger itself.
package capability

import (
	"fmt"
	"time"
)

// Grant is one capability grant's durable metadata.
type Grant struct {
	Name        string            `cbor:"name"`
	EffectKind  string            `cbor:"effect_kind"`
	Constraints map[string]string `cbor:"constraints,omitempty"`
	ExpiresAt   *time.Time        `cbor:"expires_at,omitempty"`
	ACL         []string          `cbor:"acl,omitempty"`
}

// Expired reports whether the grant is no longer valid at t.
func (g Grant) Expired(t time.Time) bool {
	return g.ExpiresAt != nil && t.After(*g.ExpiresAt)
}

// ConstraintParams widens Constraints into the generic map a CapEnforcer
// predicate reads as grant_params. Returns nil for a grant with no
// constraints, rather than an empty map, so an enforcer can tell "no
// constraints declared" apart from "declared empty".
func (g Grant) ConstraintParams() map[string]any {
	if len(g.Constraints) == 0 {
		return nil
	}
	params := make(map[string]any, len(g.Constraints))
	for k, v := range g.Constraints {
		params[k] = v
	}
	return params
}

// Binding maps a module's cap slot name to the grant that fills it.
type Binding struct {
	ModuleName string `cbor:"module_name"`
	SlotName   string `cbor:"slot_name"`
	GrantName  string `cbor:"grant_name"`
}

// Ledger holds every grant a manifest defines plus the module -> slot ->
// grant bindings, and resolves a (module, slot) pair to its bound grant
// at effect-authorization time.
type Ledger struct {
	grants   map[string]Grant
	bindings map[string]string // "module/slot" -> grant name
}

// NewLedger creates an empty capability ledger.
func NewLedger() *Ledger {
	return &Ledger{
		grants:   make(map[string]Grant),
		bindings: make(map[string]string),
	}
}

// AddGrant registers a grant.
func (l *Ledger) AddGrant(g Grant) {
	l.grants[g.Name] = g
}

// Bind wires a module's cap slot to a named grant. It is a manifest
// invariant that every cap slot a module declares be bound by the time
// the manifest is pinned; callers validate that separately.
func (l *Ledger) Bind(moduleName, slotName, grantName string) error {
	if _, ok := l.grants[grantName]; !ok {
		return fmt.Errorf("capability: bind to unknown grant %q", grantName)
	}
	l.bindings[bindKey(moduleName, slotName)] = grantName
	return nil
}

// Resolve returns the grant bound to a module's cap slot, or false if no
// binding exists — a manifest_invariant_violation in the caller's terms.
func (l *Ledger) Resolve(moduleName, slotName string, now time.Time) (Grant, bool) {
	grantName, ok := l.bindings[bindKey(moduleName, slotName)]
	if !ok {
		return Grant{}, false
	}
	g, ok := l.grants[grantName]
	if !ok || g.Expired(now) {
		return Grant{}, false
	}
	return g, true
}

func bindKey(moduleName, slotName string) string {
	return moduleName + "/" + slotName
}

// GapReport lists cap slots a manifest's modules reference but that have
// no bound grant — a read-only diagnostic, not a gate: nothing in its
// output changes kernel state.
type Gap struct {
	ModuleName string
	SlotName   string
}

// GapReport compares the slots every module declares against the
// ledger's bindings and returns the ones left unbound.
func (l *Ledger) GapReport(moduleSlots map[string][]string) []Gap {
	var gaps []Gap
	for moduleName, slots := range moduleSlots {
		for _, slot := range slots {
			if _, ok := l.bindings[bindKey(moduleName, slot)]; !ok {
				gaps = append(gaps, Gap{ModuleName: moduleName, SlotName: slot})
			}
		}
	}
	return gaps
}
