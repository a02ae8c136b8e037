// Package world wires one agent kernel instance together: manifest,
// canonical schema registry, content-addressed store, journal, module
// host, reducer/workflow engines, effect manager, and the stepper that
// drives them — and owns the open/restore/close lifecycle.
package world

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/cas"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/config"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/effect"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/journal"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/manifest"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/reducer"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/receipt"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/schema"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/snapshot"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/stepper"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/wasmhost"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/workflow"
)

// Options parameterizes Open beyond what config.Config carries: the
// manifest's authoring location, where compiled module bytes live, and
// the adapter verification keys receipts are checked against.
type Options struct {
	Config          *config.Config
	ManifestPath    string
	AdapterKeysPath string // JSON file of adapter verification keys; optional
	Budget          wasmhost.Budget // zero value uses wasmhost.DefaultBudget()

	// CorrelationID tags every log line this World instance emits for
	// one CLI invocation or process lifetime. It never reaches the
	// journal or any hashed/replayed path — a random value here would
	// make log correlation nondeterministic across replay, not state.
	CorrelationID string
}

// World is one open kernel instance: every component Stepper drives,
// plus the handles Close and the control channel need directly.
type World struct {
	ID       string
	Manifest *manifest.Manifest
	Store    *cas.Store
	Journal  journal.Journal
	Schemas  *schema.Registry
	Host     *wasmhost.Host
	Reducers *reducer.Engine
	Workflow *workflow.Engine
	Effects  *effect.Manager
	Receipts *receipt.Registry
	Stepper  *stepper.Stepper

	committer *snapshot.Committer
	log       *slog.Logger
}

// Open loads a manifest, opens (creating if absent) the on-disk store
// and journal under opts.Config.WorldDir, restores the latest baseline
// if one exists, replays the journal tail to reach the current head,
// and returns a fully wired World ready to Tick.
func Open(ctx context.Context, opts Options) (*World, error) {
	logger := slog.Default().With("world_dir", opts.Config.WorldDir)
	if opts.CorrelationID != "" {
		logger = logger.With("correlation_id", opts.CorrelationID)
	}

	mf, err := manifest.LoadFile(opts.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("world: load manifest: %w", err)
	}
	manifestHash, err := mf.Hash()
	if err != nil {
		return nil, fmt.Errorf("world: hash manifest: %w", err)
	}

	backend, err := cas.NewFileBackend(filepath.Join(opts.Config.WorldDir, "store"))
	if err != nil {
		return nil, fmt.Errorf("world: open store: %w", err)
	}
	store := cas.New(backend)

	j, err := journal.OpenFile(filepath.Join(opts.Config.WorldDir, "journal"))
	if err != nil {
		return nil, fmt.Errorf("world: open journal: %w", err)
	}

	schemas, err := loadSchemas(ctx, store, mf)
	if err != nil {
		return nil, fmt.Errorf("world: load schemas: %w", err)
	}

	budget := opts.Budget
	if budget == (wasmhost.Budget{}) {
		budget = wasmhost.DefaultBudget()
	}
	host, err := wasmhost.NewHost(ctx, budget)
	if err != nil {
		return nil, fmt.Errorf("world: start module host: %w", err)
	}
	if err := loadModules(ctx, host, store, mf); err != nil {
		_ = host.Close(ctx)
		return nil, fmt.Errorf("world: load modules: %w", err)
	}

	ledger, err := mf.Ledger()
	if err != nil {
		_ = host.Close(ctx)
		return nil, fmt.Errorf("world: build capability ledger: %w", err)
	}
	gate := mf.Gate()
	enforcers, err := mf.Enforcers()
	if err != nil {
		_ = host.Close(ctx)
		return nil, fmt.Errorf("world: compile cap enforcers: %w", err)
	}

	reducerStore := reducer.NewStore()
	workflowStore := workflow.NewStore()
	reducerEngine := reducer.NewEngine(host, reducerStore, ledger, gate, enforcers, opts.Config.WorldDir)
	workflowEngine := workflow.NewEngine(host, workflowStore, ledger, gate, enforcers, opts.Config.WorldDir)
	effects := effect.NewManager(j)

	var adapterKeys []receipt.AdapterKey
	if opts.AdapterKeysPath != "" {
		adapterKeys, err = receipt.LoadKeysFile(opts.AdapterKeysPath)
		if err != nil {
			_ = host.Close(ctx)
			return nil, fmt.Errorf("world: load adapter keys: %w", err)
		}
	}
	receipts := receipt.NewRegistry(adapterKeys)
	committer := snapshot.NewCommitter(store, j, reducerStore, workflowStore, effects, manifestHash)

	fromSeq, err := restoreFromLatestBaseline(ctx, j, store, reducerStore, workflowStore, effects)
	if err != nil {
		_ = host.Close(ctx)
		return nil, fmt.Errorf("world: restore from baseline: %w", err)
	}

	st := stepper.New(stepper.Config{
		WorldID:   opts.Config.WorldDir,
		Manifest:  mf,
		Journal:   j,
		Schemas:   schemas,
		Store:     store,
		Reducers:  reducerEngine,
		Workflows: workflowEngine,
		Effects:   effects,
		Receipts:  receipts,
		Committer: committer,
		Inbox:     stepper.NewInbox(),
		Policy:    stepper.SnapshotPolicy{EveryNEvents: opts.Config.SnapshotEveryEvents},
	})

	if err := st.Replay(ctx, fromSeq); err != nil {
		_ = host.Close(ctx)
		return nil, fmt.Errorf("world: replay journal tail: %w", err)
	}

	logger.Info("world opened", "manifest_hash", manifestHash.String(), "journal_head", j.Head(), "replayed_from", fromSeq)

	return &World{
		ID:        opts.Config.WorldDir,
		Manifest:  mf,
		Store:     store,
		Journal:   j,
		Schemas:   schemas,
		Host:      host,
		Reducers:  reducerEngine,
		Workflow:  workflowEngine,
		Effects:   effects,
		Receipts:  receipts,
		Stepper:   st,
		committer: committer,
		log:       logger,
	}, nil
}

// Close releases the module host and the journal's file handle.
func (w *World) Close(ctx context.Context) error {
	if closer, ok := w.Journal.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			w.log.Error("journal close failed", "error", err)
		}
	}
	return w.Host.Close(ctx)
}

// loadSchemas registers every schema the manifest pins, fetching each
// definition's canonical node from the content-addressed store by the
// hash the manifest records for it.
func loadSchemas(ctx context.Context, store *cas.Store, mf *manifest.Manifest) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for fq, h := range mf.Schemas {
		var s schema.Schema
		if err := store.GetNode(ctx, h, &s); err != nil {
			return nil, fmt.Errorf("fetch schema %s: %w", fq, err)
		}
		if err := reg.Register(&s); err != nil {
			return nil, fmt.Errorf("register schema %s: %w", fq, err)
		}
	}
	return reg, nil
}

// loadModules fetches every module's compiled WASM bytes from the
// blobs space by its code hash and compiles it into the host.
func loadModules(ctx context.Context, host *wasmhost.Host, store *cas.Store, mf *manifest.Manifest) error {
	for name, mod := range mf.Modules {
		wasmBytes, err := store.Get(ctx, cas.SpaceBlobs, mod.CodeHash)
		if err != nil {
			return fmt.Errorf("fetch module %s code: %w", name, err)
		}
		if err := host.LoadModule(ctx, mod.CodeHash.String(), wasmBytes); err != nil {
			return fmt.Errorf("compile module %s: %w", name, err)
		}
	}
	return nil
}

// restoreFromLatestBaseline scans the journal for the most recently
// written BaselineSnapshot record, hydrates every store from its
// snapshot, and returns the sequence number journal replay should
// resume from. A world with no baseline yet returns 1 (replay the
// whole journal from the start).
func restoreFromLatestBaseline(ctx context.Context, j journal.Journal, store *cas.Store, reducers *reducer.Store, workflows *workflow.Store, effects *effect.Manager) (uint64, error) {
	records, err := j.Tail(1, 0, []journal.Kind{journal.KindBaselineSnapshot})
	if err != nil {
		return 0, fmt.Errorf("scan baselines: %w", err)
	}
	if len(records) == 0 {
		return 1, nil
	}

	latest := records[len(records)-1]
	var baseline snapshot.Baseline
	if err := canon.Decode(latest.Bytes, &baseline); err != nil {
		return 0, fmt.Errorf("decode baseline record: %w", err)
	}

	if _, err := snapshot.Restore(ctx, store, baseline.SnapshotHash, reducers, workflows, effects); err != nil {
		return 0, fmt.Errorf("restore snapshot %s: %w", baseline.SnapshotHash, err)
	}
	return baseline.Height + 1, nil
}

// Exists reports whether a world directory has already been
// initialized (has a journal), used by the CLI to decide init vs open.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "journal", "hot", "0-inf.log"))
	return err == nil
}
