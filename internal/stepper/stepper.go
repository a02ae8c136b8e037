package stepper

import (
	"context"
	"fmt"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/cas"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/effect"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/errtax"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/journal"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/manifest"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/policy"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/reducer"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/receipt"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/schema"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/snapshot"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/wasmhost"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/workflow"
)

// SnapshotPolicy decides when Tick should take a snapshot, evaluated
// once per drained inbox. Its only boundary is a count of processed
// events and receipts (EveryNEvents; zero disables it); fuel and elapsed
// time are not considered, and an explicit request goes through
// ForceSnapshot instead.
type SnapshotPolicy struct {
	EveryNEvents uint64
}

// ShouldSnapshot reports whether eventsSinceLastSnapshot crosses the
// configured boundary.
func (p SnapshotPolicy) ShouldSnapshot(eventsSinceLastSnapshot uint64) bool {
	return p.EveryNEvents > 0 && eventsSinceLastSnapshot >= p.EveryNEvents
}

// Report summarizes one Tick's work, for the control channel and tests.
type Report struct {
	EventsProcessed   int
	ReceiptsApplied   int
	EffectsEnqueued   int
	SnapshotHash      *canon.Hash
}

// Stepper is the single-threaded main loop owning the journal: it
// drains the inbox, routes events to reducers/workflows, authorizes
// effects, applies receipts, and decides snapshot boundaries.
type Stepper struct {
	WorldID string

	manifest *manifest.Manifest
	j        journal.Journal
	schemas  *schema.Registry
	store    *cas.Store

	reducers  *reducer.Engine
	workflows *workflow.Engine
	effects   *effect.Manager
	receipts  *receipt.Registry
	committer *snapshot.Committer

	inbox *Inbox

	policy             SnapshotPolicy
	eventsSinceSnap    uint64
	logicalTimeNs      uint64
}

// Config bundles a Stepper's wiring, built once by the world package at
// open time.
type Config struct {
	WorldID   string
	Manifest  *manifest.Manifest
	Journal   journal.Journal
	Schemas   *schema.Registry
	Store     *cas.Store
	Reducers  *reducer.Engine
	Workflows *workflow.Engine
	Effects   *effect.Manager
	Receipts  *receipt.Registry
	Committer *snapshot.Committer
	Inbox     *Inbox
	Policy    SnapshotPolicy
}

// New builds a Stepper from its wiring.
func New(cfg Config) *Stepper {
	return &Stepper{
		WorldID:   cfg.WorldID,
		manifest:  cfg.Manifest,
		j:         cfg.Journal,
		schemas:   cfg.Schemas,
		store:     cfg.Store,
		reducers:  cfg.Reducers,
		workflows: cfg.Workflows,
		effects:   cfg.Effects,
		receipts:  cfg.Receipts,
		committer: cfg.Committer,
		inbox:     cfg.Inbox,
		policy:    cfg.Policy,
	}
}

// Inbox returns the ingress queue control-channel handlers enqueue
// into from arbitrary goroutines; only the stepper's own goroutine
// drains it.
func (s *Stepper) Inbox() *Inbox {
	return s.inbox
}

// Tick runs one full drain-and-process pass: every item
// waiting in the inbox is journaled, routed, and dispatched before Tick
// returns. Newly emitted domain events are folded back into the same
// pass so a reducer-raised event reaches its subscribers without
// waiting for the next external Tick call.
func (s *Stepper) Tick(ctx context.Context) (Report, error) {
	var report Report

	pending := s.inbox.DrainAll()
	for len(pending) > 0 {
		var raised []Item
		for _, item := range pending {
			s.logicalTimeNs++
			switch item.Kind {
			case ItemDomainEvent:
				more, err := s.processDomainEvent(ctx, item.DomainEvent)
				if err != nil {
					return report, err
				}
				report.EventsProcessed++
				report.EffectsEnqueued += len(more.enqueued)
				raised = append(raised, more.raisedEvents...)
				s.eventsSinceSnap++

			case ItemReceipt:
				more, err := s.processReceipt(ctx, item.Receipt)
				if err != nil {
					return report, err
				}
				if more.applied {
					report.ReceiptsApplied++
				}
				raised = append(raised, more.raisedEvents...)
				s.eventsSinceSnap++
			}
		}
		pending = raised
	}

	if s.policy.ShouldSnapshot(s.eventsSinceSnap) && s.committer != nil {
		h, _, err := s.committer.Commit(ctx, s.j.Head(), s.logicalTimeNs)
		if err != nil {
			return report, err
		}
		report.SnapshotHash = &h
		s.eventsSinceSnap = 0
	}

	return report, nil
}

// ForceSnapshot takes a snapshot immediately regardless of policy,
// servicing the control channel's `snapshot` verb.
func (s *Stepper) ForceSnapshot(ctx context.Context) (canon.Hash, error) {
	h, _, err := s.committer.Commit(ctx, s.j.Head(), s.logicalTimeNs)
	if err != nil {
		return canon.Hash{}, err
	}
	s.eventsSinceSnap = 0
	return h, nil
}

type stepOutcome struct {
	enqueued     []effect.Intent
	raisedEvents []Item
	applied      bool
}

// engineDenial is the common shape of reducer.Denial and workflow.Denial,
// so journalDenials can record either engine's output without the
// stepper importing one engine's Denial type into the other's call site.
type engineDenial struct {
	EffectKind  string
	Code        string
	Reason      string
	PolicyIndex int
	IntentHash  canon.Hash
}

func reducerDenials(in []reducer.Denial) []engineDenial {
	out := make([]engineDenial, len(in))
	for i, d := range in {
		out[i] = engineDenial{EffectKind: d.EffectKind, Code: d.Code, Reason: d.Reason, PolicyIndex: d.PolicyIndex, IntentHash: d.IntentHash}
	}
	return out
}

func workflowDenials(in []workflow.Denial) []engineDenial {
	out := make([]engineDenial, len(in))
	for i, d := range in {
		out[i] = engineDenial{EffectKind: d.EffectKind, Code: d.Code, Reason: d.Reason, PolicyIndex: d.PolicyIndex, IntentHash: d.IntentHash}
	}
	return out
}

// processDomainEvent validates and canonicalizes one inbound event,
// journals it, resolves its route, and invokes the target module.
func (s *Stepper) processDomainEvent(ctx context.Context, in DomainEventIn) (stepOutcome, error) {
	valueCBOR, eventHash, err := s.schemas.Validate(in.Schema, in.AuthoringJSON)
	if err != nil {
		rejected := journal.SchemaValidationRejected{Schema: in.Schema, Reason: err.Error()}
		bytes, encErr := canon.Encode(rejected)
		if encErr == nil {
			_, _ = s.j.AppendBatch([]journal.PendingRecord{{Kind: journal.KindSchemaValidationRejected, Bytes: bytes}})
		}
		return stepOutcome{}, nil
	}

	route, ok := s.manifest.RouteFor(in.Schema)
	if !ok {
		return stepOutcome{}, errtax.New(errtax.RoutingUnresolved, "no route for event schema", map[string]any{"schema": in.Schema})
	}

	keyBytes, err := s.resolveKey(valueCBOR, route.KeyField)
	if err != nil {
		return stepOutcome{}, err
	}

	domainEvent := journal.DomainEvent{Schema: in.Schema, ValueCBOR: valueCBOR, Key: keyBytes, EventHash: eventHash, CausedBy: in.CausedBy}
	deBytes, err := canon.Encode(domainEvent)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("stepper: encode domain event: %w", err)
	}
	if _, err := s.j.AppendBatch([]journal.PendingRecord{{Kind: journal.KindDomainEvent, Bytes: deBytes}}); err != nil {
		return stepOutcome{}, fmt.Errorf("stepper: journal append domain event: %w", err)
	}

	mod, ok := s.manifest.Modules[route.Target]
	if !ok {
		return stepOutcome{}, errtax.New(errtax.RoutingUnresolved, "route target module not in manifest", map[string]any{"target": route.Target})
	}

	switch mod.Kind {
	case manifest.ModuleReducer:
		return s.invokeReducer(ctx, mod, valueCBOR, keyBytes, eventHash)
	case manifest.ModuleWorkflow:
		instanceID := string(keyBytes)
		inbound := wasmhost.Inbound{Kind: wasmhost.InboundDomainEvent, ValueCBOR: valueCBOR}
		return s.invokeWorkflow(ctx, mod, instanceID, inbound, eventHash)
	default:
		return stepOutcome{}, errtax.New(errtax.RoutingUnresolved, "route target is not a reducer or workflow", map[string]any{"target": route.Target})
	}
}

// invokeReducer runs mod's step export and journals its outcome.
// causedBy is the hash of the domain event (zero for a receipt-driven
// re-invocation) that triggered this step, stamped onto any domain
// events the step raises in turn.
func (s *Stepper) invokeReducer(ctx context.Context, mod manifest.ModuleDef, eventCBOR, keyBytes []byte, causedBy canon.Hash) (stepOutcome, error) {
	res, err := s.reducers.Step(ctx, mod, eventCBOR, keyBytes, s.j.Head(), s.logicalTimeNs)
	if err != nil {
		fault, _ := errtax.As(err)
		bytes, encErr := canon.Encode(map[string]any{"module": mod.Name, "error": err.Error()})
		if encErr == nil {
			_, _ = s.j.AppendBatch([]journal.PendingRecord{{Kind: journal.KindModuleAborted, Bytes: bytes}})
		}
		if fault != nil && !fault.Code.Fatal() {
			return stepOutcome{}, nil
		}
		return stepOutcome{}, err
	}

	// Cell bytes reach CAS at snapshot commit (SnapshotCommit mode); the
	// delta layer in reducer.Store already holds them until then.
	s.journalDenials(res.Key.ReducerName, reducerDenials(res.Denials))

	var raised []Item
	out := stepOutcome{}
	for _, intent := range s.enqueueAllowed(res.EnqueuedIntents) {
		out.enqueued = append(out.enqueued, intent)
	}
	for _, de := range res.DomainEvents {
		raised = append(raised, Item{Kind: ItemDomainEvent, DomainEvent: DomainEventIn{Schema: de.Schema, AuthoringJSON: de.ValueCBOR, CausedBy: causedBy}})
	}
	out.raisedEvents = raised
	return out, nil
}

// invokeWorkflow runs mod's step export for one inbound item and
// journals its outcome. causedBy mirrors invokeReducer's.
func (s *Stepper) invokeWorkflow(ctx context.Context, mod manifest.ModuleDef, instanceID string, inbound wasmhost.Inbound, causedBy canon.Hash) (stepOutcome, error) {
	res, err := s.workflows.Step(ctx, mod, instanceID, inbound, s.j.Head(), s.logicalTimeNs)
	if err != nil {
		bytes, encErr := canon.Encode(map[string]any{"module": mod.Name, "instance": instanceID, "error": err.Error()})
		if encErr == nil {
			_, _ = s.j.AppendBatch([]journal.PendingRecord{{Kind: journal.KindModuleAborted, Bytes: bytes}})
		}
		return stepOutcome{}, nil
	}

	s.journalDenials(mod.Name, workflowDenials(res.Denials))

	out := stepOutcome{}
	out.enqueued = append(out.enqueued, s.enqueueAllowed(res.EnqueuedIntents)...)
	for _, de := range res.DomainEvents {
		out.raisedEvents = append(out.raisedEvents, Item{Kind: ItemDomainEvent, DomainEvent: DomainEventIn{Schema: de.Schema, AuthoringJSON: de.ValueCBOR, CausedBy: causedBy}})
	}

	if res.Terminal != nil {
		wr := journal.WorkflowResult{WorkflowName: mod.Name, InstanceID: instanceID, Status: res.Terminal.Status, ResultCBOR: res.Terminal.ResultCBOR}
		bytes, err := canon.Encode(wr)
		if err == nil {
			_, _ = s.j.AppendBatch([]journal.PendingRecord{{Kind: journal.KindWorkflowResult, Bytes: bytes}})
		}
	}

	return out, nil
}

// enqueueAllowed journals each allowed effect intent into the effect
// manager, returning the ones newly queued (duplicates are idempotent
// no-ops).
func (s *Stepper) enqueueAllowed(intents []effect.Intent) []effect.Intent {
	var out []effect.Intent
	for _, intent := range intents {
		rec := journal.EffectIntent{
			Kind: intent.Kind, ParamsCBOR: intent.ParamsCBOR, CapSlot: intent.CapSlot,
			Origin: journal.Origin{Kind: string(intent.Origin.Kind), Name: intent.Origin.Name, InstanceKey: []byte(intent.Origin.InstanceKey), IntentSeq: intent.Origin.IntentSeq, Epoch: intent.Origin.Epoch},
			IntentHash: intent.IntentHash,
		}
		bytes, err := canon.Encode(rec)
		if err != nil {
			continue
		}
		res, err := s.effects.Enqueue(intent, bytes)
		if err == nil && !res.AlreadyPending {
			out = append(out, intent)
		}
	}
	return out
}

// journalDenials writes a CapDecision or PolicyDecision record for every
// denied effect, each carrying its intent hash and a canonical decision
// hash so the trace verb can correlate a denial back to the intent it
// blocked.
func (s *Stepper) journalDenials(originName string, denials []engineDenial) {
	for _, d := range denials {
		var rec any
		var kind journal.Kind
		switch d.Code {
		case string(errtax.CapDenied):
			hash, err := policy.ComputeDecisionHash(policy.DecisionHashInput{IntentHash: d.IntentHash, GrantName: originName, Allow: false, Reason: d.Reason})
			if err != nil {
				continue
			}
			rec = journal.CapDecision{IntentHash: d.IntentHash, GrantName: originName, Allow: false, Code: d.Code, Reason: d.Reason, DecisionHash: hash}
			kind = journal.KindCapDecision
		default:
			hash, err := policy.ComputeDecisionHash(policy.DecisionHashInput{IntentHash: d.IntentHash, EffectKind: d.EffectKind, OriginName: originName, Allow: false, RuleIndex: d.PolicyIndex, Reason: d.Reason})
			if err != nil {
				continue
			}
			rec = journal.PolicyDecision{IntentHash: d.IntentHash, EffectKind: d.EffectKind, OriginName: originName, Allow: false, RuleIndex: d.PolicyIndex, Reason: d.Reason, DecisionHash: hash}
			kind = journal.KindPolicyDecision
		}
		bytes, err := canon.Encode(rec)
		if err != nil {
			continue
		}
		_, _ = s.j.AppendBatch([]journal.PendingRecord{{Kind: kind, Bytes: bytes}})
	}
}

// processReceipt verifies and routes one control-channel receipt
// injection, feeding it back to the originating reducer or workflow
// instance.
func (s *Stepper) processReceipt(ctx context.Context, in ReceiptIn) (stepOutcome, error) {
	rec := receipt.Receipt{IntentHash: in.IntentHash, AdapterID: in.AdapterID, Status: receipt.Status(in.Status), PayloadCBOR: in.PayloadCBOR, Signature: in.Signature}
	recBytes, err := canon.Encode(journal.EffectReceipt{IntentHash: rec.IntentHash, AdapterID: rec.AdapterID, Status: string(rec.Status), PayloadCBOR: rec.PayloadCBOR, Signature: rec.Signature})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("stepper: encode receipt record: %w", err)
	}

	routed, err := s.effects.ApplyReceipt(s.receipts, rec, recBytes)
	if err != nil {
		fault, _ := errtax.As(err)
		if fault != nil {
			code := journal.KindInvalidReceipt
			_, _ = s.j.AppendBatch([]journal.PendingRecord{{Kind: code, Bytes: recBytes}})
			return stepOutcome{}, nil
		}
		return stepOutcome{}, err
	}

	out := stepOutcome{applied: true}
	switch routed.Origin.Kind {
	case effect.OriginWorkflow:
		mod, ok := s.manifest.Modules[routed.Origin.Name]
		if !ok {
			return out, nil
		}
		if !s.workflows.CorrelatesReceipt(routed.Origin.InstanceKey, routed.Origin.Epoch) {
			return out, nil
		}
		inbound := wasmhost.Inbound{Kind: wasmhost.InboundEffectReceipt, ValueCBOR: mustEncodeReceipt(rec)}
		sub, err := s.invokeWorkflow(ctx, mod, routed.Origin.InstanceKey, inbound, canon.Hash{})
		if err != nil {
			return out, err
		}
		s.workflows.DecPending(routed.Origin.InstanceKey)
		out.enqueued = append(out.enqueued, sub.enqueued...)
		out.raisedEvents = append(out.raisedEvents, sub.raisedEvents...)

	case effect.OriginReducer:
		mod, ok := s.manifest.Modules[routed.Origin.Name]
		if !ok {
			return out, nil
		}
		sub, err := s.invokeReducer(ctx, mod, mustEncodeReceipt(rec), []byte(routed.Origin.InstanceKey), canon.Hash{})
		if err != nil {
			return out, err
		}
		out.enqueued = append(out.enqueued, sub.enqueued...)
		out.raisedEvents = append(out.raisedEvents, sub.raisedEvents...)
	}

	return out, nil
}

func mustEncodeReceipt(rec receipt.Receipt) []byte {
	b, err := canon.Encode(rec)
	if err != nil {
		return nil
	}
	return b
}

// resolveKey extracts and hashes the routing key field from a
// canonical-CBOR event value, returning nil if the route is unkeyed.
func (s *Stepper) resolveKey(valueCBOR []byte, keyField string) ([]byte, error) {
	if keyField == "" {
		return nil, nil
	}
	var decoded map[string]any
	if err := canon.Decode(valueCBOR, &decoded); err != nil {
		return nil, fmt.Errorf("stepper: decode event for key extraction: %w", err)
	}
	v, ok := decoded[keyField]
	if !ok {
		return nil, errtax.New(errtax.RoutingUnresolved, "key field absent from event", map[string]any{"key_field": keyField})
	}
	keyBytes, err := canon.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("stepper: encode key field: %w", err)
	}
	return keyBytes, nil
}
