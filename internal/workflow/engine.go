package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/capability"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/effect"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/errtax"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/manifest"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/policy"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/wasmhost"
)

// Denial mirrors reducer.Denial: why one emitted effect never reached
// the effect manager.
type Denial struct {
	EffectKind  string
	Code        string
	Reason      string
	PolicyIndex int
	IntentHash  canon.Hash
}

// Result is a workflow instance's step outcome.
type Result struct {
	InstanceID      string
	NewStateCBOR    []byte
	DomainEvents    []wasmhost.EmittedDomainEvent
	EnqueuedIntents []effect.Intent
	Denials         []Denial
	Terminal        *wasmhost.Terminal
}

// ModuleStepper is the narrow module-invocation seam, shared in shape
// with reducer.ModuleStepper so both engines can be driven by the same
// wasmhost.Host without the workflow package importing the reducer
// package.
type ModuleStepper interface {
	Step(ctx context.Context, codeHashHex string, input []byte) ([]byte, error)
}

// Engine drives workflow module instances: each step consumes one
// inbound item (domain event, effect receipt, or timer fired) and may
// emit effects and domain events, terminating the instance when the
// module returns a terminal outcome.
type Engine struct {
	host      ModuleStepper
	store     *Store
	ledger    *capability.Ledger
	gate      *policy.Gate
	enforcers map[string]policy.CapEnforcer
	worldID   string
}

// NewEngine builds a workflow engine bound to one world's module host,
// instance store, capability ledger, and policy gate.
func NewEngine(host ModuleStepper, store *Store, ledger *capability.Ledger, gate *policy.Gate, enforcers map[string]policy.CapEnforcer, worldID string) *Engine {
	return &Engine{host: host, store: store, ledger: ledger, gate: gate, enforcers: enforcers, worldID: worldID}
}

// CorrelatesReceipt reports whether a receipt tagged with runEpoch still
// belongs to the instance's current run — false means the receipt is
// stale (late, or for a superseded run) and must be journaled as ignored
// rather than delivered to Step.
func (e *Engine) CorrelatesReceipt(instanceID string, runEpoch uint64) bool {
	inst := e.store.Get(instanceID)
	return inst.Epoch == runEpoch
}

// Step invokes mod's step export for one inbound item against the named
// instance (spawning it if it has no prior record), enforces the
// micro-effect allowlist, authorizes each surviving effect, and returns
// everything the stepper needs to journal. Step itself adds the intents
// it enqueues to the instance's PendingIntents; the caller lowers the
// count via DecPending as receipts are applied.
func (e *Engine) Step(ctx context.Context, mod manifest.ModuleDef, instanceID string, inbound wasmhost.Inbound, journalHeight, logicalTimeNs uint64) (Result, error) {
	inst := e.store.Get(instanceID)
	if inst.Terminated {
		return Result{}, fmt.Errorf("workflow: instance %q already terminated", instanceID)
	}

	input := wasmhost.WorkflowStepInput{
		StateCBOR: inst.StateCBOR,
		Inbound:   inbound,
		Context: wasmhost.ReducerContext{
			JournalHeight: journalHeight,
			LogicalTimeNs: logicalTimeNs,
			WorldID:       e.worldID,
			InstanceKey:   []byte(instanceID),
		},
	}
	inBytes, err := canon.Encode(input)
	if err != nil {
		return Result{}, fmt.Errorf("workflow: encode step input: %w", err)
	}

	outBytes, err := e.host.Step(ctx, mod.CodeHash.String(), inBytes)
	if err != nil {
		return Result{}, err
	}

	var out wasmhost.WorkflowStepOutput
	if err := canon.Decode(outBytes, &out); err != nil {
		return Result{}, errtax.New(errtax.ModuleAborted, "workflow step output undecodable", map[string]any{"module": mod.Name, "instance": instanceID})
	}

	result := Result{InstanceID: instanceID, NewStateCBOR: out.StateCBOR, DomainEvents: out.DomainEvents, Terminal: out.Terminal}
	seq := inst.NextIntentSeq

	for _, eff := range out.Effects {
		origin := effect.Origin{Kind: effect.OriginWorkflow, Name: mod.Name, InstanceKey: instanceID, IntentSeq: seq, Epoch: inst.Epoch}
		seq++

		intentHash, err := effect.ComputeIntentHash(eff.Kind, eff.ParamsCBOR, origin)
		if err != nil {
			return Result{}, fmt.Errorf("workflow: compute intent hash: %w", err)
		}

		if !mod.EffectsAllowed(eff.Kind) {
			result.Denials = append(result.Denials, Denial{EffectKind: eff.Kind, Code: string(errtax.EffectNotAllowed), Reason: "effect kind outside module's declared allowlist", IntentHash: intentHash})
			continue
		}

		grant, capOK := e.ledger.Resolve(mod.Name, eff.CapSlot, logicalTime(logicalTimeNs))
		if !capOK {
			result.Denials = append(result.Denials, Denial{EffectKind: eff.Kind, Code: string(errtax.CapDenied), Reason: "cap slot unbound or grant expired", IntentHash: intentHash})
			continue
		}

		if enf, ok := e.enforcers[grant.Name]; ok {
			allow, reason, evalErr := enf.Evaluate(grant.ConstraintParams(), decodeEffectParams(eff.ParamsCBOR), eff.Kind, string(origin.Kind), origin.Name)
			if evalErr != nil || !allow {
				result.Denials = append(result.Denials, Denial{EffectKind: eff.Kind, Code: string(errtax.CapDenied), Reason: reason, IntentHash: intentHash})
				continue
			}
		}

		decision := e.gate.Evaluate(eff.Kind, string(origin.Kind), origin.Name)
		if !decision.Allow {
			result.Denials = append(result.Denials, Denial{EffectKind: eff.Kind, Code: string(errtax.PolicyDenied), Reason: decision.Reason, PolicyIndex: decision.RuleIndex, IntentHash: intentHash})
			continue
		}

		result.EnqueuedIntents = append(result.EnqueuedIntents, effect.Intent{
			Kind: eff.Kind, ParamsCBOR: eff.ParamsCBOR, CapSlot: eff.CapSlot, Origin: origin, IntentHash: intentHash,
		})
	}

	inst.StateCBOR = out.StateCBOR
	inst.NextIntentSeq = seq
	inst.PendingIntents += len(result.EnqueuedIntents)
	if out.Terminal != nil {
		inst.Terminated = true
	}
	e.store.Set(instanceID, inst)

	return result, nil
}

// DecPending is called when a pending intent's receipt is applied (or
// it is released), restoring quiescence once the count reaches zero.
func (e *Engine) DecPending(instanceID string) {
	inst := e.store.Get(instanceID)
	if inst.PendingIntents > 0 {
		inst.PendingIntents--
	}
	e.store.Set(instanceID, inst)
}

// Cancel bumps an instance's run epoch, fencing any receipts already in
// flight for the superseded run, and resets its pending count: the
// cancelling event itself is the next inbound Step call.
func (e *Engine) Cancel(instanceID string) {
	inst := e.store.Get(instanceID)
	inst.Epoch++
	inst.PendingIntents = 0
	e.store.Set(instanceID, inst)
}

// logicalTime converts a step's logical clock into the wall-clock-shaped
// time.Time capability.Ledger.Resolve checks grant expiry against.
// Deriving it from logicalTimeNs rather than time.Now keeps expiry
// decisions a pure function of the journal, so replaying the same tail
// later never resolves a grant differently than it did live.
func logicalTime(logicalTimeNs uint64) time.Time {
	return time.Unix(0, int64(logicalTimeNs)).UTC()
}

// decodeEffectParams widens an effect's canonical-CBOR params into the
// generic map a CapEnforcer predicate reads as effect_params. Returns
// nil if the params don't decode to a map (no params, or a non-map
// payload), matching ConstraintParams' "nothing declared" shape.
func decodeEffectParams(paramsCBOR []byte) map[string]any {
	if len(paramsCBOR) == 0 {
		return nil
	}
	var params map[string]any
	if err := canon.Decode(paramsCBOR, &params); err != nil {
		return nil
	}
	return params
}
