package stepper

import (
	"context"
	"fmt"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/effect"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/journal"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/manifest"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/receipt"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/wasmhost"
)

// Replay re-derives reducer cell and workflow instance state by walking
// every journal record from fromSeq (inclusive) through the current
// head and re-invoking the same module steps the original run took,
// without re-appending to the journal (those records already exist) or
// re-verifying receipt signatures (already verified on first apply).
// The caller is responsible for calling snapshot.Restore first so
// fromSeq is the baseline height plus one — this is the second half of
// the replay-or-die path.
func (s *Stepper) Replay(ctx context.Context, fromSeq uint64) error {
	return s.j.Replay(fromSeq, func(rec journal.Record) error {
		switch rec.Kind {
		case journal.KindDomainEvent:
			return s.replayDomainEvent(ctx, rec)
		case journal.KindEffectReceipt:
			return s.replayEffectReceipt(ctx, rec)
		default:
			// Snapshots, baselines, denials, and rejection records carry
			// no state to re-derive; they are either already consumed by
			// snapshot.Restore or purely informational.
			return nil
		}
	})
}

func (s *Stepper) replayDomainEvent(ctx context.Context, rec journal.Record) error {
	var de journal.DomainEvent
	if err := canon.Decode(rec.Bytes, &de); err != nil {
		return fmt.Errorf("stepper: replay decode domain event at seq %d: %w", rec.Seq, err)
	}

	route, ok := s.manifest.RouteFor(de.Schema)
	if !ok {
		// A route removed since this record was written; nothing to
		// replay against.
		return nil
	}
	mod, ok := s.manifest.Modules[route.Target]
	if !ok {
		return nil
	}

	switch mod.Kind {
	case manifest.ModuleReducer:
		res, err := s.reducers.Step(ctx, mod, de.ValueCBOR, de.Key, rec.Seq, rec.Seq)
		if err != nil {
			return nil // module_aborted originally; state already reflects that
		}
		for _, intent := range res.EnqueuedIntents {
			s.effects.ReplayEnqueue(intent)
		}
	case manifest.ModuleWorkflow:
		instanceID := string(de.Key)
		inbound := wasmhost.Inbound{Kind: wasmhost.InboundDomainEvent, ValueCBOR: de.ValueCBOR}
		res, err := s.workflows.Step(ctx, mod, instanceID, inbound, rec.Seq, rec.Seq)
		if err != nil {
			return nil
		}
		for _, intent := range res.EnqueuedIntents {
			s.effects.ReplayEnqueue(intent)
		}
	}
	return nil
}

func (s *Stepper) replayEffectReceipt(ctx context.Context, rec journal.Record) error {
	var er journal.EffectReceipt
	if err := canon.Decode(rec.Bytes, &er); err != nil {
		return fmt.Errorf("stepper: replay decode effect receipt at seq %d: %w", rec.Seq, err)
	}

	origin, ok := s.effects.ReplayApplyReceipt(er.IntentHash)
	if !ok {
		// Already resolved via baseline restore, or never pending in this
		// replay window (horizon-bounded snapshot).
		return nil
	}

	rcpt := receipt.Receipt{IntentHash: er.IntentHash, AdapterID: er.AdapterID, Status: receipt.Status(er.Status), PayloadCBOR: er.PayloadCBOR, Signature: er.Signature}

	switch origin.Kind {
	case effect.OriginWorkflow:
		mod, ok := s.manifest.Modules[origin.Name]
		if !ok {
			return nil
		}
		if !s.workflows.CorrelatesReceipt(origin.InstanceKey, origin.Epoch) {
			return nil
		}
		inbound := wasmhost.Inbound{Kind: wasmhost.InboundEffectReceipt, ValueCBOR: mustEncodeReceipt(rcpt)}
		res, err := s.workflows.Step(ctx, mod, origin.InstanceKey, inbound, rec.Seq, rec.Seq)
		if err != nil {
			return nil
		}
		for _, intent := range res.EnqueuedIntents {
			s.effects.ReplayEnqueue(intent)
		}
		s.workflows.DecPending(origin.InstanceKey)

	case effect.OriginReducer:
		mod, ok := s.manifest.Modules[origin.Name]
		if !ok {
			return nil
		}
		res, err := s.reducers.Step(ctx, mod, mustEncodeReceipt(rcpt), []byte(origin.InstanceKey), rec.Seq, rec.Seq)
		if err != nil {
			return nil
		}
		for _, intent := range res.EnqueuedIntents {
			s.effects.ReplayEnqueue(intent)
		}
	}
	return nil
}
