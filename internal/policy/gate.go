// Package policy implements the capability enforcer and policy gate:
// the two-stage check every effect intent passes before it may be
// dispatched. Both stages are fail-closed — no matching rule means deny.
package policy

import (
	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
)

// Rule is one ordered policy rule. Empty fields act as wildcards. Rules
// are evaluated in order; the first match wins. A Gate with no matching
// rule denies by default.
type Rule struct {
	EffectKind string `cbor:"effect_kind"`
	OriginKind string `cbor:"origin_kind"`
	OriginName string `cbor:"origin_name"`
	Allow      bool   `cbor:"allow"`
}

func (r Rule) matches(effectKind, originKind, originName string) bool {
	return matchField(r.EffectKind, effectKind) &&
		matchField(r.OriginKind, originKind) &&
		matchField(r.OriginName, originName)
}

func matchField(rule, actual string) bool {
	return rule == "" || rule == "*" || rule == actual
}

// Decision is the outcome of a Gate.Evaluate call.
type Decision struct {
	Allow      bool
	RuleIndex  int
	Reason     string
}

// Gate is the ordered rule set for one manifest's policy.
type Gate struct {
	rules []Rule
}

// NewGate builds a Gate from an ordered rule list.
func NewGate(rules []Rule) *Gate {
	return &Gate{rules: rules}
}

// Evaluate runs first-match evaluation over {effect_kind, origin_kind,
// origin_name}. No matching rule is a deny with reason "no_matching_rule".
func (g *Gate) Evaluate(effectKind, originKind, originName string) Decision {
	for i, r := range g.rules {
		if r.matches(effectKind, originKind, originName) {
			reason := "rule_match"
			if !r.Allow {
				reason = "explicit_deny"
			}
			return Decision{Allow: r.Allow, RuleIndex: i, Reason: reason}
		}
	}
	return Decision{Allow: false, RuleIndex: -1, Reason: "no_matching_rule"}
}

// DecisionHashInput is the fingerprint from which a cap or policy
// decision's content-addressed identity is computed; it deliberately
// excludes the hash field itself. GrantName is set for cap decisions,
// OriginKind/RuleIndex for policy decisions — either side leaves its
// unused fields zero rather than needing two parallel input types.
type DecisionHashInput struct {
	IntentHash canon.Hash `cbor:"intent_hash"`
	EffectKind string     `cbor:"effect_kind,omitempty"`
	OriginKind string     `cbor:"origin_kind,omitempty"`
	OriginName string     `cbor:"origin_name,omitempty"`
	GrantName  string     `cbor:"grant_name,omitempty"`
	Allow      bool       `cbor:"allow"`
	RuleIndex  int        `cbor:"rule_index,omitempty"`
	Reason     string     `cbor:"reason,omitempty"`
}

// ComputeDecisionHash runs the decision's fingerprint through the
// kernel's canonical hash primitive so CapDecision/PolicyDecision
// journal records carry a stable identity independent of wall-clock or
// journal position.
func ComputeDecisionHash(in DecisionHashInput) (canon.Hash, error) {
	return canon.HashValue(in)
}
