// Package secretref defines SecretRef descriptors and the Resolver
// interface: the only way plaintext secret material ever enters an
// adapter dispatch. A SecretRef is a pointer, never a value — it may
// appear in effect params that reach the journal, but the resolver is
// invoked only at adapter-dispatch time and its output is never written
// back into journal or receipt bytes.
package secretref

import "fmt"

// Provider identifies the secret backend a Ref points into. The kernel
// never talks to these backends directly; only the registered Resolver
// does.
type Provider string

const (
	ProviderVault Provider = "vault"
	ProviderAWS   Provider = "aws-secretsmanager"
	ProviderGCP   Provider = "gcp-secretmanager"
	ProviderAzure Provider = "azure-keyvault"
	ProviderEnv   Provider = "env"
)

// Ref is a descriptor for a secret value. It carries everything an
// adapter-side Resolver needs to look the value up, and nothing that
// would let the kernel itself read the secret.
type Ref struct {
	RefID    string   `cbor:"ref_id"`
	Provider Provider `cbor:"provider"`
	Path     string   `cbor:"path"`
	Version  string   `cbor:"version,omitempty"`
}

// Validate checks that a Ref is well-formed before it is allowed into an
// effect intent's params.
func Validate(ref Ref) error {
	if ref.RefID == "" {
		return fmt.Errorf("secretref: ref_id is required")
	}
	if ref.Path == "" {
		return fmt.Errorf("secretref: path is required")
	}
	switch ref.Provider {
	case ProviderVault, ProviderAWS, ProviderGCP, ProviderAzure, ProviderEnv:
	default:
		return fmt.Errorf("secretref: unknown provider %q", ref.Provider)
	}
	return nil
}

// Resolver resolves a Ref to plaintext. Implementations live entirely
// outside the kernel's journal/CAS boundary: Resolve is called only by
// the adapter dispatch layer, never by the stepper, reducer, or workflow
// engine.
type Resolver interface {
	Resolve(ref Ref) (plaintext []byte, err error)
}

// MissingResolver is the fail-closed default: any attempt to resolve a
// secret without an explicitly configured resolver fails, matching the
// kernel's default deny-unless-configured posture for secret access.
type MissingResolver struct{}

func (MissingResolver) Resolve(ref Ref) ([]byte, error) {
	return nil, fmt.Errorf("secretref: no resolver configured for ref %q", ref.RefID)
}

// StaticResolver resolves refs from an in-process map, for development and
// testing only — never for a production world.
type StaticResolver map[string][]byte

func (r StaticResolver) Resolve(ref Ref) ([]byte, error) {
	v, ok := r[ref.RefID]
	if !ok {
		return nil, fmt.Errorf("secretref: ref %q not found in static resolver", ref.RefID)
	}
	return v, nil
}
