package wasmhost

// ReducerContext accompanies every reducer step invocation.
type ReducerContext struct {
	JournalHeight uint64 `cbor:"journal_height"`
	LogicalTimeNs uint64 `cbor:"logical_time_ns"`
	WorldID       string `cbor:"world_id"`
	InstanceKey   []byte `cbor:"instance_key,omitempty"`
}

// ReducerStepInput is the canonical-CBOR payload written to a reducer
// module's step export.
type ReducerStepInput struct {
	StateCBOR []byte         `cbor:"state_cbor"`
	EventCBOR []byte         `cbor:"event_cbor"`
	Context   ReducerContext `cbor:"context"`
}

// EmittedDomainEvent is a domain event a module step wants to append.
type EmittedDomainEvent struct {
	Schema    string `cbor:"schema"`
	ValueCBOR []byte `cbor:"value_cbor"`
}

// EmittedEffect is an effect intent a module step wants to enqueue,
// prior to capability/policy authorization.
type EmittedEffect struct {
	Kind       string `cbor:"kind"`
	ParamsCBOR []byte `cbor:"params_cbor"`
	CapSlot    string `cbor:"cap_slot,omitempty"`
}

// ReducerStepOutput is what a reducer module's step export returns.
type ReducerStepOutput struct {
	StateCBOR    []byte                `cbor:"state_cbor"`
	DomainEvents []EmittedDomainEvent  `cbor:"domain_events,omitempty"`
	Effects      []EmittedEffect       `cbor:"effects,omitempty"`
}

// InboundKind discriminates what kind of value a workflow step consumes.
type InboundKind string

const (
	InboundDomainEvent  InboundKind = "domain_event"
	InboundEffectReceipt InboundKind = "effect_receipt"
	InboundTimerFired   InboundKind = "timer_fired"
)

// Inbound is the tagged union a workflow module's step export consumes:
// a domain event via subscription, a correlated effect receipt, or a
// fired timer.
type Inbound struct {
	Kind      InboundKind `cbor:"kind"`
	ValueCBOR []byte      `cbor:"value_cbor"`
}

// WorkflowStepInput is the canonical-CBOR payload written to a workflow
// module's step export.
type WorkflowStepInput struct {
	StateCBOR []byte         `cbor:"state_cbor"`
	Inbound   Inbound        `cbor:"inbound"`
	Context   ReducerContext `cbor:"context"`
}

// Terminal marks a workflow step's final outcome, present only when the
// instance is finishing.
type Terminal struct {
	Status     string `cbor:"status"` // "completed" | "failed" | "cancelled"
	ResultCBOR []byte `cbor:"result_cbor,omitempty"`
}

// WorkflowStepOutput is what a workflow module's step export returns.
type WorkflowStepOutput struct {
	StateCBOR    []byte               `cbor:"state_cbor"`
	Effects      []EmittedEffect      `cbor:"effects,omitempty"`
	DomainEvents []EmittedDomainEvent `cbor:"domain_events,omitempty"`
	Terminal     *Terminal            `cbor:"terminal,omitempty"`
}

// PureStepInput is the canonical-CBOR payload written to a pure module's
// step export: cap enforcers and policy enforcers receive their decision
// inputs this way when implemented as WASM rather than as the in-process
// CEL reference implementation in internal/policy.
type PureStepInput struct {
	InputCBOR []byte `cbor:"input_cbor"`
}

// PureStepOutput is what a pure module's step export returns.
type PureStepOutput struct {
	OutputCBOR []byte `cbor:"output_cbor"`
}
