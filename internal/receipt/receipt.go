// Package receipt builds and verifies the signed record an adapter
// returns after dispatching an effect intent. Signature verification is
// the only gate between an external adapter call and a journaled state
// transition, so it is checked before anything else touches receipt
// content.
package receipt

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
)

// Status is the terminal outcome an adapter reports for one dispatch.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Receipt is the adapter's signed response to one dispatched effect
// intent. Signature covers (intent_hash || adapter_id || status ||
// hash(payload_cbor)).
type Receipt struct {
	IntentHash  canon.Hash `cbor:"intent_hash"`
	AdapterID   string     `cbor:"adapter_id"`
	Status      Status     `cbor:"status"`
	PayloadCBOR []byte     `cbor:"payload_cbor"`
	Signature   []byte     `cbor:"signature"`
	CostHint    *uint64    `cbor:"cost_hint,omitempty"`
}

// SigningMessage returns the exact byte sequence a signature is computed
// over, so signers and verifiers never drift.
func SigningMessage(intentHash canon.Hash, adapterID string, status Status, payloadCBOR []byte) []byte {
	payloadHash := canon.HashBytes(payloadCBOR)
	msg := make([]byte, 0, 32+len(adapterID)+len(status)+32)
	msg = append(msg, intentHash[:]...)
	msg = append(msg, []byte(adapterID)...)
	msg = append(msg, []byte(status)...)
	msg = append(msg, payloadHash[:]...)
	return msg
}

// KeyKind identifies how an adapter's registered public key is
// interpreted.
type KeyKind string

const (
	KeyEd25519 KeyKind = "ed25519"
	KeyHMAC    KeyKind = "hmac"
)

// AdapterKey is one adapter's registered verification key, recorded at
// world open.
type AdapterKey struct {
	AdapterID string
	Kind      KeyKind
	Key       []byte // ed25519 public key, or the shared HMAC secret
}

// Registry resolves adapter_id to its registered verification key. An
// adapter with no registered key can never produce a valid receipt.
type Registry struct {
	keys map[string]AdapterKey
}

// NewRegistry builds a key registry from a set of adapter keys.
func NewRegistry(keys []AdapterKey) *Registry {
	m := make(map[string]AdapterKey, len(keys))
	for _, k := range keys {
		m[k.AdapterID] = k
	}
	return &Registry{keys: m}
}

// SignEd25519 signs a receipt's content with an adapter's ed25519 private
// key. Used by test adapters and the reference dispatcher; real adapters
// sign out-of-process.
func SignEd25519(priv ed25519.PrivateKey, intentHash canon.Hash, adapterID string, status Status, payloadCBOR []byte) []byte {
	return ed25519.Sign(priv, SigningMessage(intentHash, adapterID, status, payloadCBOR))
}

// SignHMAC signs a receipt's content with an adapter's shared HMAC
// secret.
func SignHMAC(secret []byte, intentHash canon.Hash, adapterID string, status Status, payloadCBOR []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(SigningMessage(intentHash, adapterID, status, payloadCBOR))
	return mac.Sum(nil)
}

// Verify checks a receipt's signature against its adapter's registered
// key. An unregistered adapter_id or a bad signature is always a
// rejection, never a panic.
func (r *Registry) Verify(rec Receipt) error {
	key, ok := r.keys[rec.AdapterID]
	if !ok {
		return fmt.Errorf("receipt: unregistered adapter %q", rec.AdapterID)
	}
	msg := SigningMessage(rec.IntentHash, rec.AdapterID, rec.Status, rec.PayloadCBOR)

	switch key.Kind {
	case KeyEd25519:
		if !ed25519.Verify(ed25519.PublicKey(key.Key), msg, rec.Signature) {
			return fmt.Errorf("receipt: invalid ed25519 signature from %q", rec.AdapterID)
		}
	case KeyHMAC:
		expect := SignHMAC(key.Key, rec.IntentHash, rec.AdapterID, rec.Status, rec.PayloadCBOR)
		if !hmac.Equal(expect, rec.Signature) {
			return fmt.Errorf("receipt: invalid hmac signature from %q", rec.AdapterID)
		}
	default:
		return fmt.Errorf("receipt: unknown key kind %q for adapter %q", key.Kind, rec.AdapterID)
	}
	return nil
}
