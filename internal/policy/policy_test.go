package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateFirstMatchWins(t *testing.T) {
	g := NewGate([]Rule{
		{EffectKind: "http.request", OriginKind: "workflow", OriginName: "Fetch", Allow: true},
		{EffectKind: "http.request", Allow: false},
	})

	d := g.Evaluate("http.request", "workflow", "Fetch")
	assert.True(t, d.Allow)
	assert.Equal(t, 0, d.RuleIndex)

	d2 := g.Evaluate("http.request", "workflow", "OtherFlow")
	assert.False(t, d2.Allow)
	assert.Equal(t, 1, d2.RuleIndex)
}

// TestGateDefaultDenyNoMatch grounds the "no matching rule" default-deny
// boundary behavior: an unrouted effect kind is denied, not passed through.
func TestGateDefaultDenyNoMatch(t *testing.T) {
	g := NewGate([]Rule{
		{EffectKind: "http.request", Allow: true},
	})
	d := g.Evaluate("db.write", "workflow", "Fetch")
	assert.False(t, d.Allow)
	assert.Equal(t, "no_matching_rule", d.Reason)
}

func TestComputeDecisionHashStable(t *testing.T) {
	in := DecisionHashInput{EffectKind: "http.request", OriginKind: "workflow", OriginName: "Fetch", Allow: true, RuleIndex: 0}
	h1, err := ComputeDecisionHash(in)
	require.NoError(t, err)
	h2, err := ComputeDecisionHash(in)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

// TestCELCapEnforcerDeniesOutsideAllowlist grounds scenario S5: a workflow
// emits an http.request effect whose host falls outside the grant's
// allowed_hosts constraint, and the enforcer must deny with a stable
// reason rather than allow or error out.
func TestCELCapEnforcerDeniesOutsideAllowlist(t *testing.T) {
	enf, err := NewCELCapEnforcer(`effect_params["host"] == grant_params["allowed_host"]`)
	require.NoError(t, err)

	allow, reason, err := enf.Evaluate(
		map[string]any{"allowed_host": "good.example"},
		map[string]any{"host": "evil.example"},
		"http.request", "workflow", "Fetch",
	)
	require.NoError(t, err)
	assert.False(t, allow)
	assert.Equal(t, "host_not_allowed", reason)
}

func TestCELCapEnforcerAllowsWithinAllowlist(t *testing.T) {
	enf, err := NewCELCapEnforcer(`effect_params["host"] == grant_params["allowed_host"]`)
	require.NoError(t, err)

	allow, reason, err := enf.Evaluate(
		map[string]any{"allowed_host": "good.example"},
		map[string]any{"host": "good.example"},
		"http.request", "workflow", "Fetch",
	)
	require.NoError(t, err)
	assert.True(t, allow)
	assert.Equal(t, "predicate_satisfied", reason)
}

func TestCompileCapPredicateRejectsNonDeterministicConstruct(t *testing.T) {
	_, err := CompileCapPredicate(`now() > timestamp("2024-01-01T00:00:00Z")`)
	require.Error(t, err)
}

func TestCompileCapPredicateRejectsNonBooleanOutput(t *testing.T) {
	_, err := CompileCapPredicate(`effect_params["host"]`)
	require.Error(t, err)
}

func TestAlwaysAllowEnforcer(t *testing.T) {
	allow, reason, err := AlwaysAllow{}.Evaluate(nil, nil, "any.kind", "workflow", "Fetch")
	require.NoError(t, err)
	assert.True(t, allow)
	assert.Equal(t, "no_constraint_predicate", reason)
}
