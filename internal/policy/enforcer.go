package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/errtax"
)

// Determinism rule IDs a cap-enforcer predicate is checked against before
// it may compile. A predicate that calls now(), timestamp() or duration()
// would make cap decisions non-reproducible across replay, so it is
// rejected outright under RuleNoNowAccess. No check is made for float
// arithmetic or map iteration; RuleNoFloats is declared but never
// reported.
const (
	RuleNoFloats    = "POLICY-DP-001"
	RuleNoNowAccess = "POLICY-DP-002"
)

var forbiddenCELIdents = []string{"now(", "timestamp(", "duration("}

// CapPredicate is a compiled, determinism-checked CEL expression that
// decides whether one effect intent satisfies the constraints carried by
// the grant bound to its cap slot. Input variables: grant_params,
// effect_params, effect_kind, origin_kind, origin_name.
type CapPredicate struct {
	source string
	prg    cel.Program
}

// CompileCapPredicate validates and compiles a CEL boolean expression. It
// rejects expressions using forbidden non-deterministic constructs before
// ever invoking the CEL compiler.
func CompileCapPredicate(expr string) (*CapPredicate, error) {
	if issue := checkDeterminism(expr); issue != "" {
		return nil, errtax.New(errtax.PolicyDenied, "cap predicate failed determinism check", map[string]any{"rule": issue, "expr": expr})
	}

	env, err := cel.NewEnv(
		cel.Variable("grant_params", cel.DynType),
		cel.Variable("effect_params", cel.DynType),
		cel.Variable("effect_kind", cel.StringType),
		cel.Variable("origin_kind", cel.StringType),
		cel.Variable("origin_name", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errtax.New(errtax.PolicyDenied, "cap predicate failed to compile", map[string]any{"reason": issues.Err().Error()})
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errtax.New(errtax.PolicyDenied, "cap predicate must be boolean", map[string]any{"expr": expr})
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: cel program: %w", err)
	}
	return &CapPredicate{source: expr, prg: prg}, nil
}

func checkDeterminism(expr string) string {
	for _, ident := range forbiddenCELIdents {
		if strings.Contains(expr, ident) {
			return RuleNoNowAccess
		}
	}
	return ""
}

// CapEnforcer decides whether an effect intent satisfies a bound grant's
// constraints, on top of the ledger's static bind/expiry checks.
type CapEnforcer interface {
	Evaluate(grantParams, effectParams map[string]any, effectKind, originKind, originName string) (allow bool, reason string, err error)
}

// CELCapEnforcer evaluates one compiled predicate per grant.
type CELCapEnforcer struct {
	predicate *CapPredicate
}

// NewCELCapEnforcer compiles expr and wraps it as a CapEnforcer.
func NewCELCapEnforcer(expr string) (*CELCapEnforcer, error) {
	p, err := CompileCapPredicate(expr)
	if err != nil {
		return nil, err
	}
	return &CELCapEnforcer{predicate: p}, nil
}

// Evaluate runs the compiled predicate. Any evaluation error is a deny,
// never a panic or an allow-by-default — cap enforcement fails closed.
func (e *CELCapEnforcer) Evaluate(grantParams, effectParams map[string]any, effectKind, originKind, originName string) (bool, string, error) {
	out, _, err := e.predicate.prg.Eval(map[string]any{
		"grant_params":  grantParams,
		"effect_params": effectParams,
		"effect_kind":   effectKind,
		"origin_kind":   originKind,
		"origin_name":   originName,
	})
	if err != nil {
		return false, "predicate_eval_error", nil
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, "predicate_non_bool_result", nil
	}
	if !b {
		return false, "host_not_allowed", nil
	}
	return true, "predicate_satisfied", nil
}

// AlwaysAllow is the trivial enforcer for grants with no constraint
// predicate: the ledger's static bind/expiry check is the only gate.
type AlwaysAllow struct{}

func (AlwaysAllow) Evaluate(_, _ map[string]any, _, _, _ string) (bool, string, error) {
	return true, "no_constraint_predicate", nil
}
