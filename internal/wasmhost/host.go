// Package wasmhost hosts compiled WASM modules behind the single-entry
// step ABI every reducer, workflow, and pure module implements:
// step(input_ptr, input_len) -> (output_ptr, output_len), with canonical
// CBOR crossing the boundary in both directions. Deny-by-default: no
// WASI, no filesystem, no network, no ambient authority — the guest's
// only channel to the host is the bytes it is handed and the bytes it
// returns.
package wasmhost

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/errtax"
)

// Budget bounds one module invocation. wazero's pure-Go interpreter does
// not expose fuel metering the way a bytecode-compiled runtime would, so
// CPU bounding is enforced via a context deadline; MemoryLimitPages
// bounds the guest's linear memory directly through wazero's runtime
// config.
type Budget struct {
	Timeout          time.Duration
	MemoryLimitPages uint32 // 64KiB per page
	MaxOutputBytes   int
}

// DefaultBudget is a conservative per-step bound suitable for reducer and
// workflow invocations.
func DefaultBudget() Budget {
	return Budget{
		Timeout:          50 * time.Millisecond,
		MemoryLimitPages: 32, // 2MiB
		MaxOutputBytes:   1 << 20,
	}
}

// Host owns one wazero runtime and the compiled-module cache for a
// world's lifetime.
type Host struct {
	runtime  wazero.Runtime
	compiled map[string]wazero.CompiledModule // keyed by code hash hex
	budget   Budget
}

// NewHost creates a wasmhost.Host with no WASI imports instantiated —
// guest modules get only memory, alloc, and the step export they define
// themselves.
func NewHost(ctx context.Context, budget Budget) (*Host, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if budget.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(budget.MemoryLimitPages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	return &Host{
		runtime:  r,
		compiled: make(map[string]wazero.CompiledModule),
		budget:   budget,
	}, nil
}

// Close releases the runtime and every compiled module it cached.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// LoadModule compiles and caches wasmBytes under codeHashHex, returning
// immediately if already cached. Compilation is deterministic and
// side-effect free; caching it avoids re-validating the module on every
// step.
func (h *Host) LoadModule(ctx context.Context, codeHashHex string, wasmBytes []byte) error {
	if _, ok := h.compiled[codeHashHex]; ok {
		return nil
	}
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return errtax.New(errtax.ModuleAborted, "module compilation failed", map[string]any{"code_hash": codeHashHex, "reason": err.Error()})
	}
	h.compiled[codeHashHex] = compiled
	return nil
}

// Step instantiates a fresh module instance (instances are not reused
// across steps: guest-declared globals must never leak state between
// invocations outside the explicit state_cbor the ABI threads through)
// and invokes step(input_ptr, input_len) -> packed(output_ptr,
// output_len), returning the raw output bytes.
func (h *Host) Step(ctx context.Context, codeHashHex string, input []byte) ([]byte, error) {
	compiled, ok := h.compiled[codeHashHex]
	if !ok {
		return nil, errtax.New(errtax.ModuleAborted, "module not loaded", map[string]any{"code_hash": codeHashHex})
	}

	stepCtx := ctx
	var cancel context.CancelFunc
	if h.budget.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, h.budget.Timeout)
		defer cancel()
	}

	modCfg := wazero.NewModuleConfig().WithName("")
	mod, err := h.runtime.InstantiateModule(stepCtx, compiled, modCfg)
	if err != nil {
		if stepCtx.Err() != nil {
			return nil, errtax.New(errtax.ModuleAborted, "module invocation timed out", map[string]any{"code_hash": codeHashHex})
		}
		return nil, errtax.New(errtax.ModuleAborted, "module instantiation failed", map[string]any{"code_hash": codeHashHex, "reason": err.Error()})
	}
	defer func() { _ = mod.Close(ctx) }()

	out, err := h.invokeStep(stepCtx, mod, input)
	if err != nil {
		if stepCtx.Err() != nil {
			return nil, errtax.New(errtax.ModuleAborted, "module invocation timed out", map[string]any{"code_hash": codeHashHex})
		}
		return nil, errtax.New(errtax.ModuleAborted, "module step failed", map[string]any{"code_hash": codeHashHex, "reason": err.Error()})
	}
	if h.budget.MaxOutputBytes > 0 && len(out) > h.budget.MaxOutputBytes {
		return nil, errtax.New(errtax.ModuleAborted, "module output exceeded budget", map[string]any{"code_hash": codeHashHex, "size": len(out)})
	}
	return out, nil
}

func (h *Host) invokeStep(ctx context.Context, mod api.Module, input []byte) ([]byte, error) {
	alloc := mod.ExportedFunction("alloc")
	step := mod.ExportedFunction("step")
	if alloc == nil || step == nil {
		return nil, fmt.Errorf("module missing required export (alloc/step)")
	}

	allocRes, err := alloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("alloc call failed: %w", err)
	}
	inPtr := uint32(allocRes[0])

	mem := mod.Memory()
	if mem == nil {
		return nil, fmt.Errorf("module exposes no linear memory")
	}
	if !mem.Write(inPtr, input) {
		return nil, fmt.Errorf("input write out of bounds")
	}

	stepRes, err := step.Call(ctx, uint64(inPtr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("step call failed: %w", err)
	}

	packed := stepRes[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)

	out, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("output read out of bounds")
	}
	// Copy out of guest memory: the buffer becomes invalid once the
	// instance is closed.
	cp := make([]byte, len(out))
	copy(cp, out)
	return cp, nil
}

// packPointer encodes a (ptr, len) pair the way a guest's step export is
// expected to return it: ptr in the high 32 bits, len in the low 32
// bits. Unexported; used by this package's tests.
func packPointer(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}
