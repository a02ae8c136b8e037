// Package journal implements the append-only, single-writer log of typed
// records that is the kernel's sole source of durable, ordered truth.
package journal

import (
	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
)

// Kind identifies the logical record type stored at a given sequence
// number. The stepper is the only writer; every other component reads.
type Kind string

const (
	KindDomainEvent              Kind = "domain_event"
	KindEffectIntent             Kind = "effect_intent"
	KindEffectReceipt            Kind = "effect_receipt"
	KindCapDecision              Kind = "cap_decision"
	KindPolicyDecision           Kind = "policy_decision"
	KindWorkflowResult           Kind = "workflow_result"
	KindSnapshot                 Kind = "snapshot"
	KindBaselineSnapshot         Kind = "baseline_snapshot"
	KindSchemaValidationRejected Kind = "schema_validation_rejected"
	KindModuleAborted            Kind = "module_aborted"
	KindInvalidReceipt           Kind = "invalid_receipt"
)

// Record is one journal entry: a sequence number, a kind, and the
// canonical CBOR bytes of the kind-specific payload. Record itself is
// never re-encoded — Bytes is already canonical, produced by the writer
// before Append is called, so replay re-derives identical hashes.
type Record struct {
	Seq   uint64    `cbor:"seq"`
	Kind  Kind      `cbor:"kind"`
	Bytes []byte    `cbor:"bytes"`
	Hash  canon.Hash `cbor:"-"`
}

// DomainEvent is the primary ingress unit: a schema-validated value with
// its content hash and optional routing key. CausedBy is the event hash
// of the domain event whose reducer/workflow step raised this one
// (zero for an event injected directly on the control channel), the
// edge the trace verb walks to report an event's raised children.
type DomainEvent struct {
	Schema    string     `cbor:"schema"`
	ValueCBOR []byte     `cbor:"value_cbor"`
	Key       []byte     `cbor:"key,omitempty"`
	EventHash canon.Hash `cbor:"event_hash"`
	CausedBy  canon.Hash `cbor:"caused_by,omitempty"`
}

// Origin identifies the reducer cell or workflow instance that produced
// (and will receive receipts for) an effect intent.
type Origin struct {
	Kind        string `cbor:"kind"` // "reducer" | "workflow"
	Name        string `cbor:"name"`
	InstanceKey []byte `cbor:"instance_key,omitempty"`
	IntentSeq   uint64 `cbor:"intent_seq,omitempty"`
	Epoch       uint64 `cbor:"epoch,omitempty"`
}

// EffectIntent is a typed request to perform an external action, gated
// by capability and policy before dispatch.
type EffectIntent struct {
	Kind       string     `cbor:"kind"`
	ParamsCBOR []byte     `cbor:"params_cbor"`
	CapSlot    string     `cbor:"cap_slot,omitempty"`
	Origin     Origin     `cbor:"origin"`
	IntentHash canon.Hash `cbor:"intent_hash"`
}

// EffectReceipt is a signed adapter acknowledgment of an effect intent.
type EffectReceipt struct {
	IntentHash  canon.Hash `cbor:"intent_hash"`
	AdapterID   string     `cbor:"adapter_id"`
	Status      string     `cbor:"status"` // "ok" | "error" | "timeout"
	PayloadCBOR []byte     `cbor:"payload_cbor"`
	Signature   []byte     `cbor:"signature"`
	CostHint    int64      `cbor:"cost_hint,omitempty"`
}

// CapDecision journals one capability-enforcer outcome. DecisionHash is
// the content hash of the decision's fingerprint (see
// policy.ComputeDecisionHash), giving the record a stable identity
// independent of its journal position.
type CapDecision struct {
	IntentHash   canon.Hash `cbor:"intent_hash"`
	GrantName    string     `cbor:"grant_name"`
	Allow        bool       `cbor:"allow"`
	Code         string     `cbor:"code,omitempty"`
	Reason       string     `cbor:"reason,omitempty"`
	DecisionHash canon.Hash `cbor:"decision_hash"`
}

// PolicyDecision journals one policy-gate outcome.
type PolicyDecision struct {
	IntentHash   canon.Hash `cbor:"intent_hash"`
	EffectKind   string     `cbor:"effect_kind"`
	OriginKind   string     `cbor:"origin_kind"`
	OriginName   string     `cbor:"origin_name"`
	Allow        bool       `cbor:"allow"`
	RuleIndex    int        `cbor:"rule_index,omitempty"`
	Reason       string     `cbor:"reason,omitempty"`
	DecisionHash canon.Hash `cbor:"decision_hash"`
}

// WorkflowResult is written once a workflow instance reaches a terminal
// state and its state is removed.
type WorkflowResult struct {
	WorkflowName string `cbor:"workflow_name"`
	InstanceID   string `cbor:"instance_id"`
	Status       string `cbor:"status"` // "completed" | "failed" | "cancelled"
	Code         string `cbor:"code,omitempty"`
	ResultCBOR   []byte `cbor:"result_cbor,omitempty"`
}

// SchemaValidationRejected is the operational record written when inbound
// input fails schema validation; it carries no state change.
type SchemaValidationRejected struct {
	Schema string `cbor:"schema"`
	Reason string `cbor:"reason"`
}
