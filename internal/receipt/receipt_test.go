package receipt

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
)

func TestVerifyAcceptsValidEd25519Signature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	reg := NewRegistry([]AdapterKey{{AdapterID: "http-adapter", Kind: KeyEd25519, Key: pub}})

	intentHash := canon.HashBytes([]byte("intent"))
	payload := []byte{0xa0}
	sig := SignEd25519(priv, intentHash, "http-adapter", StatusOK, payload)

	rec := Receipt{IntentHash: intentHash, AdapterID: "http-adapter", Status: StatusOK, PayloadCBOR: payload, Signature: sig}
	assert.NoError(t, reg.Verify(rec))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	reg := NewRegistry([]AdapterKey{{AdapterID: "http-adapter", Kind: KeyEd25519, Key: pub}})

	intentHash := canon.HashBytes([]byte("intent"))
	sig := SignEd25519(priv, intentHash, "http-adapter", StatusOK, []byte{0xa0})

	rec := Receipt{IntentHash: intentHash, AdapterID: "http-adapter", Status: StatusOK, PayloadCBOR: []byte{0xa1}, Signature: sig}
	assert.Error(t, reg.Verify(rec))
}

func TestVerifyRejectsUnregisteredAdapter(t *testing.T) {
	reg := NewRegistry(nil)
	rec := Receipt{AdapterID: "ghost-adapter"}
	assert.Error(t, reg.Verify(rec))
}

func TestVerifyAcceptsValidHMACSignature(t *testing.T) {
	secret := []byte("shared-secret")
	reg := NewRegistry([]AdapterKey{{AdapterID: "timer-adapter", Kind: KeyHMAC, Key: secret}})

	intentHash := canon.HashBytes([]byte("timer-intent"))
	payload := []byte{0xa0}
	sig := SignHMAC(secret, intentHash, "timer-adapter", StatusOK, payload)

	rec := Receipt{IntentHash: intentHash, AdapterID: "timer-adapter", Status: StatusOK, PayloadCBOR: payload, Signature: sig}
	assert.NoError(t, reg.Verify(rec))
}
