// Package lineage reconstructs one domain event's causal history from
// the journal: the decisions its effects produced, the receipts those
// intents collected, the events it raised in turn, and the workflow
// result it eventually fed, without replaying any module.
package lineage

import (
	"fmt"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/journal"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/manifest"
)

// Status is a trace's terminal classification.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusWaitingReceipt Status = "waiting_receipt"
	StatusWaitingEvent   Status = "waiting_event"
	StatusFailed         Status = "failed"
	StatusUnknown        Status = "unknown"
)

// IntentLineage is one effect intent raised while processing the traced
// event, together with whatever the gate and dispatch decided for it.
type IntentLineage struct {
	IntentHash     canon.Hash              `json:"intent_hash"`
	EffectKind     string                  `json:"effect_kind,omitempty"`
	CapDecision    *journal.CapDecision    `json:"cap_decision,omitempty"`
	PolicyDecision *journal.PolicyDecision `json:"policy_decision,omitempty"`
	Enqueued       bool                    `json:"enqueued"`
	Receipt        *journal.EffectReceipt  `json:"receipt,omitempty"`
}

// Trace is the full reconstructed lineage of one domain event.
type Trace struct {
	EventHash    canon.Hash              `json:"event_hash"`
	Schema       string                  `json:"schema"`
	Seq          uint64                  `json:"seq"`
	Target       string                  `json:"target,omitempty"`
	TargetKind   manifest.ModuleKind     `json:"target_kind,omitempty"`
	InstanceKey  string                  `json:"instance_key,omitempty"`
	Intents      []IntentLineage         `json:"intents,omitempty"`
	RaisedEvents []canon.Hash            `json:"raised_events,omitempty"`
	Result       *journal.WorkflowResult `json:"result,omitempty"`
	Status       Status                  `json:"status"`
}

// ForEvent reconstructs eventHash's lineage from j, using mf to resolve
// the event's routed target. It never replays a module: every field is
// read directly off journaled records.
func ForEvent(j journal.Journal, mf *manifest.Manifest, eventHash canon.Hash) (Trace, error) {
	events, err := decodeAll[journal.DomainEvent](j, journal.KindDomainEvent)
	if err != nil {
		return Trace{}, err
	}

	var root *decoded[journal.DomainEvent]
	for i := range events {
		if events[i].v.EventHash == eventHash {
			root = &events[i]
			break
		}
	}
	if root == nil {
		return Trace{}, fmt.Errorf("lineage: event %s not found in journal", eventHash)
	}

	return traceFrom(j, mf, *root, events)
}

// ForCorrelation locates the domain event whose schema is eventSchema
// and whose decoded value has correlateField equal to value, then
// traces it. This is the lookup path for control-plane callers that
// don't already know an event's hash.
func ForCorrelation(j journal.Journal, mf *manifest.Manifest, eventSchema, correlateField string, value any) (Trace, error) {
	events, err := decodeAll[journal.DomainEvent](j, journal.KindDomainEvent)
	if err != nil {
		return Trace{}, err
	}

	var root *decoded[journal.DomainEvent]
	for i := range events {
		ev := events[i].v
		if ev.Schema != eventSchema {
			continue
		}
		var fields map[string]any
		if err := canon.Decode(ev.ValueCBOR, &fields); err != nil {
			continue
		}
		if fmt.Sprint(fields[correlateField]) == fmt.Sprint(value) {
			root = &events[i]
			break
		}
	}
	if root == nil {
		return Trace{}, fmt.Errorf("lineage: no %s event with %s=%v", eventSchema, correlateField, value)
	}

	return traceFrom(j, mf, *root, events)
}

func traceFrom(j journal.Journal, mf *manifest.Manifest, root decoded[journal.DomainEvent], events []decoded[journal.DomainEvent]) (Trace, error) {
	trace := Trace{EventHash: root.v.EventHash, Schema: root.v.Schema, Seq: root.seq, InstanceKey: string(root.v.Key)}

	route, hasRoute := mf.RouteFor(root.v.Schema)
	var targetKind manifest.ModuleKind
	if hasRoute {
		trace.Target = route.Target
		targetKind = mf.Modules[route.Target].Kind
		trace.TargetKind = targetKind
	}

	// The window of records produced by the same step that processed
	// root: everything after root's seq up to (excluding) the next
	// DomainEvent record, since the stepper journals one item's
	// decisions and enqueued intents contiguously before advancing.
	windowEnd := ^uint64(0)
	for _, ev := range events {
		if ev.seq > root.seq {
			windowEnd = ev.seq
			break
		}
	}

	all, err := j.Tail(root.seq+1, 0, nil)
	if err != nil {
		return Trace{}, fmt.Errorf("lineage: read journal tail: %w", err)
	}

	intents := make(map[canon.Hash]*IntentLineage)
	order := make([]canon.Hash, 0)
	intentOf := func(h canon.Hash) *IntentLineage {
		if il, ok := intents[h]; ok {
			return il
		}
		il := &IntentLineage{IntentHash: h}
		intents[h] = il
		order = append(order, h)
		return il
	}

	for _, rec := range all {
		if rec.Seq >= windowEnd {
			break
		}
		switch rec.Kind {
		case journal.KindCapDecision:
			var cd journal.CapDecision
			if err := canon.Decode(rec.Bytes, &cd); err != nil {
				continue
			}
			il := intentOf(cd.IntentHash)
			decCopy := cd
			il.CapDecision = &decCopy
		case journal.KindPolicyDecision:
			var pd journal.PolicyDecision
			if err := canon.Decode(rec.Bytes, &pd); err != nil {
				continue
			}
			il := intentOf(pd.IntentHash)
			decCopy := pd
			il.PolicyDecision = &decCopy
		case journal.KindEffectIntent:
			var ei journal.EffectIntent
			if err := canon.Decode(rec.Bytes, &ei); err != nil {
				continue
			}
			il := intentOf(ei.IntentHash)
			il.EffectKind = ei.Kind
			il.Enqueued = true
		}
	}

	// Receipts correlate globally by intent hash: they may arrive long
	// after the step that raised the intent, with no seq-window
	// relation to root at all.
	if len(intents) > 0 {
		receiptRecs, err := j.Tail(1, 0, []journal.Kind{journal.KindEffectReceipt})
		if err != nil {
			return Trace{}, fmt.Errorf("lineage: read receipts: %w", err)
		}
		for _, rec := range receiptRecs {
			var rcpt journal.EffectReceipt
			if err := canon.Decode(rec.Bytes, &rcpt); err != nil {
				continue
			}
			if il, ok := intents[rcpt.IntentHash]; ok {
				rcptCopy := rcpt
				il.Receipt = &rcptCopy
			}
		}
	}

	for _, h := range order {
		trace.Intents = append(trace.Intents, *intents[h])
	}

	// Raised children correlate by the CausedBy edge, not by the seq
	// window: a raised event's own journal record is only written once
	// its own turn in the inbox comes up, which can be well after
	// sibling items already queued ahead of it have been drained.
	for _, ev := range events {
		if ev.v.CausedBy == root.v.EventHash {
			trace.RaisedEvents = append(trace.RaisedEvents, ev.v.EventHash)
		}
	}

	resultRecs, err := j.Tail(root.seq+1, 0, []journal.Kind{journal.KindWorkflowResult})
	if err != nil {
		return Trace{}, fmt.Errorf("lineage: read workflow results: %w", err)
	}
	for _, rec := range resultRecs {
		var wr journal.WorkflowResult
		if err := canon.Decode(rec.Bytes, &wr); err != nil {
			continue
		}
		if wr.WorkflowName == trace.Target && wr.InstanceID == trace.InstanceKey {
			wrCopy := wr
			trace.Result = &wrCopy
			break
		}
	}

	trace.Status = classify(trace, targetKind)
	return trace, nil
}

// classify derives a trace's terminal status from what was found. A
// WorkflowResult decides it when one exists ("failed" covers both failed
// and cancelled). Otherwise any cap or policy denial among the intents
// makes it "failed", and any enqueued intent still without a receipt
// makes it "waiting_receipt". A workflow target with no result is
// "waiting_event"; a trace with no target, intents or raised events is
// "unknown"; anything else is "completed".
func classify(t Trace, targetKind manifest.ModuleKind) Status {
	if t.Result != nil {
		switch t.Result.Status {
		case "completed":
			return StatusCompleted
		case "failed":
			return StatusFailed
		case "cancelled":
			return StatusFailed
		}
	}

	for _, il := range t.Intents {
		if il.CapDecision != nil && !il.CapDecision.Allow {
			return StatusFailed
		}
		if il.PolicyDecision != nil && !il.PolicyDecision.Allow {
			return StatusFailed
		}
		if il.Enqueued && il.Receipt == nil {
			return StatusWaitingReceipt
		}
	}

	if targetKind == manifest.ModuleWorkflow {
		return StatusWaitingEvent
	}
	if len(t.Intents) == 0 && len(t.RaisedEvents) == 0 && t.Target == "" {
		return StatusUnknown
	}
	return StatusCompleted
}

// decoded pairs a journal record's sequence number with its decoded
// payload, since callers need both to window-correlate against root.
type decoded[T any] struct {
	seq uint64
	v   T
}

func decodeAll[T any](j journal.Journal, kind journal.Kind) ([]decoded[T], error) {
	recs, err := j.Tail(1, 0, []journal.Kind{kind})
	if err != nil {
		return nil, fmt.Errorf("lineage: read %s records: %w", kind, err)
	}
	out := make([]decoded[T], 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := canon.Decode(rec.Bytes, &v); err != nil {
			continue
		}
		out = append(out, decoded[T]{seq: rec.Seq, v: v})
	}
	return out, nil
}
