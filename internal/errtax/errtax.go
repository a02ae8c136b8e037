// Package errtax defines the kernel's error taxonomy: a closed set of
// fault codes distinguishing locally-recoverable faults (rejected input,
// denied effects) from fatal faults (corrupt durable state) per the
// kernel's propagation policy.
package errtax

import "fmt"

// Code identifies a fault kind. Codes are stable strings so they can be
// journaled and compared across process restarts.
type Code string

const (
	SchemaValidation          Code = "schema_validation"
	RoutingUnresolved         Code = "routing_unresolved"
	ModuleAborted             Code = "module_aborted"
	CapDenied                 Code = "cap_denied"
	PolicyDenied              Code = "policy_denied"
	EffectNotAllowed          Code = "effect_not_allowed"
	ReceiptInvalid            Code = "receipt_invalid"
	ReceiptStale              Code = "receipt_stale"
	SnapshotCorrupt           Code = "snapshot_corrupt"
	JournalCorrupt            Code = "journal_corrupt"
	ManifestInvariantViolated Code = "manifest_invariant_violation"
	SecretResolverMissing     Code = "secret_resolver_missing"
)

// Fatal reports whether a fault of this code must stop the world from
// opening rather than being recovered locally.
func (c Code) Fatal() bool {
	switch c {
	case SnapshotCorrupt, JournalCorrupt:
		return true
	default:
		return false
	}
}

// Fault is the kernel's single error type. Every rejection, denial, or
// corruption detected by the kernel is represented as a Fault so that it
// can be journaled with the same fields it is returned with.
type Fault struct {
	Code    Code
	Message string
	Fields  map[string]any
}

func (f *Fault) Error() string {
	if len(f.Fields) == 0 {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s %v", f.Code, f.Message, f.Fields)
}

// New builds a Fault with the given code and message.
func New(code Code, message string, fields map[string]any) *Fault {
	return &Fault{Code: code, Message: message, Fields: fields}
}

// Newf builds a Fault with a formatted message and no fields.
func Newf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// As extracts a *Fault from err, if any, mirroring the stdlib errors.As
// convention without requiring callers to import it everywhere.
func As(err error) (*Fault, bool) {
	f, ok := err.(*Fault)
	return f, ok
}
