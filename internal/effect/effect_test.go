package effect

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/journal"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/receipt"
)

func TestEnqueueIsIdempotentByIntentHash(t *testing.T) {
	j := journal.NewMemory()
	m := NewManager(j)

	intent := Intent{Kind: "http.request", ParamsCBOR: []byte{0xa0}, Origin: Origin{Kind: OriginWorkflow, Name: "Fetch", InstanceKey: "i1"}}

	r1, err := m.Enqueue(intent, []byte("rec1"))
	require.NoError(t, err)
	assert.False(t, r1.AlreadyPending)

	r2, err := m.Enqueue(intent, []byte("rec1-dup"))
	require.NoError(t, err)
	assert.True(t, r2.AlreadyPending)
	assert.Equal(t, r1.IntentHash, r2.IntentHash)

	assert.Equal(t, uint64(1), j.Head(), "duplicate emission must not append a second journal record")
}

func TestEnqueueDifferentOriginsProduceDifferentHashes(t *testing.T) {
	j := journal.NewMemory()
	m := NewManager(j)

	a := Intent{Kind: "http.request", ParamsCBOR: []byte{0xa0}, Origin: Origin{Kind: OriginWorkflow, Name: "Fetch", InstanceKey: "i1"}}
	b := Intent{Kind: "http.request", ParamsCBOR: []byte{0xa0}, Origin: Origin{Kind: OriginWorkflow, Name: "Fetch", InstanceKey: "i2"}}

	ra, err := m.Enqueue(a, []byte("a"))
	require.NoError(t, err)
	rb, err := m.Enqueue(b, []byte("b"))
	require.NoError(t, err)
	assert.NotEqual(t, ra.IntentHash, rb.IntentHash)
}

func TestApplyReceiptRoutesToOriginAndClearsPending(t *testing.T) {
	j := journal.NewMemory()
	m := NewManager(j)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	reg := receipt.NewRegistry([]receipt.AdapterKey{{AdapterID: "http-adapter", Kind: receipt.KeyEd25519, Key: pub}})

	intent := Intent{Kind: "http.request", ParamsCBOR: []byte{0xa0}, Origin: Origin{Kind: OriginWorkflow, Name: "Fetch", InstanceKey: "i1"}}
	res, err := m.Enqueue(intent, []byte("rec1"))
	require.NoError(t, err)
	assert.Equal(t, 1, m.PendingCount())

	payload := []byte{0xa1}
	sig := receipt.SignEd25519(priv, res.IntentHash, "http-adapter", receipt.StatusOK, payload)
	rec := receipt.Receipt{IntentHash: res.IntentHash, AdapterID: "http-adapter", Status: receipt.StatusOK, PayloadCBOR: payload, Signature: sig}

	routed, err := m.ApplyReceipt(reg, rec, []byte("receipt-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "Fetch", routed.Origin.Name)
	assert.Equal(t, 0, m.PendingCount())
}

func TestApplyReceiptRejectsUnknownIntent(t *testing.T) {
	j := journal.NewMemory()
	m := NewManager(j)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	reg := receipt.NewRegistry([]receipt.AdapterKey{{AdapterID: "http-adapter", Kind: receipt.KeyEd25519, Key: pub}})

	unknownHash, err := ComputeIntentHash("http.request", []byte{0xa0}, Origin{Name: "ghost"})
	require.NoError(t, err)
	sig := receipt.SignEd25519(priv, unknownHash, "http-adapter", receipt.StatusOK, nil)
	rec := receipt.Receipt{IntentHash: unknownHash, AdapterID: "http-adapter", Status: receipt.StatusOK, Signature: sig}

	_, err = m.ApplyReceipt(reg, rec, []byte("receipt-bytes"))
	assert.Error(t, err)
}

func TestPendingReturnsEmissionOrder(t *testing.T) {
	j := journal.NewMemory()
	m := NewManager(j)

	var hashes []string
	for i := 0; i < 3; i++ {
		intent := Intent{Kind: "http.request", ParamsCBOR: []byte{byte(i)}, Origin: Origin{Name: "Fetch", InstanceKey: "i1"}}
		res, err := m.Enqueue(intent, []byte{byte(i)})
		require.NoError(t, err)
		hashes = append(hashes, res.IntentHash.String())
	}

	pending := m.Pending()
	require.Len(t, pending, 3)
	for i, intent := range pending {
		assert.Equal(t, hashes[i], intent.IntentHash.String())
	}
}
