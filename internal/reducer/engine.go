package reducer

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

// Denial records why one emitted effect never reached the effect
// manager, carrying enough to journal a CapDecision/PolicyDecision and
// route a failure event back to the origin.
type Denial struct {
	EffectKind  string
	Code        string
	Reason      string
	CapDecision *capability.Grant
	PolicyIndex int
	IntentHash  canon.Hash
}

// StepResult is everything a reducer invocation produced, for the
// stepper to journal and apply.
type StepResult struct {
	Key             CellKey
	NewStateCBOR    []byte
	StateHash       canon.Hash
	DomainEvents    []wasmhost.EmittedDomainEvent
	EnqueuedIntents []effect.Intent
	Denials         []Denial
}

// ModuleStepper is the narrow slice of wasmhost.Host the engine depends
// on, so tests can exercise gate/allowlist/store logic against a fake
// module without compiling real WASM bytes.
type ModuleStepper interface {
	Step(ctx context.Context, codeHashHex string, input []byte) ([]byte, error)
}

// Engine invokes reducer modules against keyed cell state and runs every
// emitted effect through the capability enforcer and policy gate before
// handing allowed ones to the effect manager.
type Engine struct {
	host      ModuleStepper
	store     *Store
	ledger    *capability.Ledger
	gate      *policy.Gate
	enforcers map[string]policy.CapEnforcer // keyed by grant name
	worldID   string
}

// NewEngine builds a reducer engine bound to one world's module host,
// cell store, capability ledger, and policy gate.
func NewEngine(host ModuleStepper, store *Store, ledger *capability.Ledger, gate *policy.Gate, enforcers map[string]policy.CapEnforcer, worldID string) *Engine {
	return &Engine{host: host, store: store, ledger: ledger, gate: gate, enforcers: enforcers, worldID: worldID}
}

// Step invokes mod's step export for one routed domain event against the
// cell selected by keyBytes (nil for unkeyed reducers), enforces the
// micro-effect allowlist, authorizes each surviving effect, and returns
// everything the stepper needs to journal.
func (e *Engine) Step(ctx context.Context, mod manifest.ModuleDef, eventCBOR []byte, keyBytes []byte, journalHeight uint64, logicalTimeNs uint64) (StepResult, error) {
	keyHash := SentinelKeyHash
	if len(keyBytes) > 0 {
		keyHash = canon.HashBytes(keyBytes)
	}
	cellKey := CellKey{ReducerName: mod.Name, KeyHash: keyHash}

	input := wasmhost.ReducerStepInput{
		StateCBOR: e.store.Get(cellKey),
		EventCBOR: eventCBOR,
		Context: wasmhost.ReducerContext{
			JournalHeight: journalHeight,
			LogicalTimeNs: logicalTimeNs,
			WorldID:       e.worldID,
			InstanceKey:   keyBytes,
		},
	}
	inBytes, err := canon.Encode(input)
	if err != nil {
		return StepResult{}, fmt.Errorf("reducer: encode step input: %w", err)
	}

	outBytes, err := e.host.Step(ctx, mod.CodeHash.String(), inBytes)
	if err != nil {
		return StepResult{}, err // already an errtax.Fault{ModuleAborted}
	}

	var out wasmhost.ReducerStepOutput
	if err := canon.Decode(outBytes, &out); err != nil {
		return StepResult{}, errtax.New(errtax.ModuleAborted, "reducer step output undecodable", map[string]any{"module": mod.Name})
	}

	result := StepResult{
		Key:          cellKey,
		NewStateCBOR: out.StateCBOR,
		StateHash:    canon.HashBytes(out.StateCBOR),
		DomainEvents: out.DomainEvents,
	}

	for seq, eff := range out.Effects {
		origin := effect.Origin{Kind: effect.OriginReducer, Name: mod.Name, InstanceKey: string(keyBytes), IntentSeq: uint64(seq)}
		intentHash, err := effect.ComputeIntentHash(eff.Kind, eff.ParamsCBOR, origin)
		if err != nil {
			return StepResult{}, fmt.Errorf("reducer: compute intent hash: %w", err)
		}

		if !mod.EffectsAllowed(eff.Kind) {
			result.Denials = append(result.Denials, Denial{
				EffectKind: eff.Kind,
				Code:       string(errtax.EffectNotAllowed),
				Reason:     "effect kind outside module's declared allowlist",
				IntentHash: intentHash,
			})
			continue
		}

		grant, capOK := e.ledger.Resolve(mod.Name, eff.CapSlot, logicalTime(logicalTimeNs))
		if !capOK {
			result.Denials = append(result.Denials, Denial{
				EffectKind: eff.Kind,
				Code:       string(errtax.CapDenied),
				Reason:     "cap slot unbound or grant expired",
				IntentHash: intentHash,
			})
			continue
		}

		if enf, ok := e.enforcers[grant.Name]; ok {
			allow, reason, err := enf.Evaluate(grant.ConstraintParams(), decodeEffectParams(eff.ParamsCBOR), eff.Kind, string(origin.Kind), origin.Name)
			if err != nil || !allow {
				result.Denials = append(result.Denials, Denial{
					EffectKind:  eff.Kind,
					Code:        string(errtax.CapDenied),
					Reason:      reason,
					CapDecision: &grant,
					IntentHash:  intentHash,
				})
				continue
			}
		}

		decision := e.gate.Evaluate(eff.Kind, string(origin.Kind), origin.Name)
		if !decision.Allow {
			result.Denials = append(result.Denials, Denial{
				EffectKind:  eff.Kind,
				Code:        string(errtax.PolicyDenied),
				Reason:      decision.Reason,
				PolicyIndex: decision.RuleIndex,
				IntentHash:  intentHash,
			})
			continue
		}

		result.EnqueuedIntents = append(result.EnqueuedIntents, effect.Intent{
			Kind:       eff.Kind,
			ParamsCBOR: eff.ParamsCBOR,
			CapSlot:    eff.CapSlot,
			Origin:     origin,
			IntentHash: intentHash,
		})
	}

	return result, nil
}

// Cell returns a cell's current state bytes, for inspection (the
// control channel's state-get verb and tests). Returns nil if the cell
// has never been written.
func (e *Engine) Cell(key CellKey) []byte {
	return e.store.Get(key)
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
