package wasmhost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadModuleRejectsInvalidWasm(t *testing.T) {
	ctx := context.Background()
	h, err := NewHost(ctx, DefaultBudget())
	require.NoError(t, err)
	defer func() { _ = h.Close(ctx) }()

	err = h.LoadModule(ctx, "deadbeef", []byte("not wasm"))
	require.Error(t, err)
}

func TestStepRejectsUnloadedModule(t *testing.T) {
	ctx := context.Background()
	h, err := NewHost(ctx, DefaultBudget())
	require.NoError(t, err)
	defer func() { _ = h.Close(ctx) }()

	_, err = h.Step(ctx, "never-loaded", []byte{0xa0})
	require.Error(t, err)
}

func TestLoadModuleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h, err := NewHost(ctx, DefaultBudget())
	require.NoError(t, err)
	defer func() { _ = h.Close(ctx) }()

	// A minimal valid WASM module: magic number + version, no sections.
	emptyModule := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	require.NoError(t, h.LoadModule(ctx, "empty", emptyModule))
	require.NoError(t, h.LoadModule(ctx, "empty", emptyModule))
}

func TestPackPointerRoundtrip(t *testing.T) {
	packed := packPointer(1024, 256)
	assert.Equal(t, uint32(1024), uint32(packed>>32))
	assert.Equal(t, uint32(256), uint32(packed))
}
