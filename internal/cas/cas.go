// Package cas implements the content-addressed store: an immutable
// {hash -> bytes} map split into a "nodes" space (canonical-CBOR typed
// values) and a "blobs" space (opaque leaves), addressed by the SHA-256 of
// their bytes.
package cas

import (
	"context"
	"fmt"
	"sync"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/errtax"
)

// Space distinguishes the two logical CAS namespaces. They share a backend
// but are kept apart so the kernel never treats an opaque blob as a
// traversable node.
type Space int

const (
	SpaceNodes Space = iota
	SpaceBlobs
)

// InlineThreshold is the byte size below which a backend may choose to
// store a value inline rather than in its object tier. The split is a
// backend implementation detail; Store's logical API is uniform above
// and below the threshold.
const InlineThreshold = 16 * 1024

// Backend is the storage surface a CAS is built on. Swapping backends
// (in-memory, local filesystem, a future object-storage adapter) never
// changes Store's semantics.
type Backend interface {
	Write(ctx context.Context, space Space, hash canon.Hash, data []byte) error
	Read(ctx context.Context, space Space, hash canon.Hash) ([]byte, error)
	Has(ctx context.Context, space Space, hash canon.Hash) (bool, error)
}

// Store is the content-addressed store the kernel depends on.
type Store struct {
	backend Backend
}

// New wraps a Backend as a Store.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Put writes data into the given space and returns its content hash,
// which Put computes itself as sha256(data). It takes no expected hash
// from the caller, so there is no caller-supplied hash to check against;
// stored bytes that no longer match their hash are caught on read by Get,
// which returns a journal_corrupt fault.
func (s *Store) Put(ctx context.Context, space Space, data []byte) (canon.Hash, error) {
	h := canon.HashBytes(data)

	exists, err := s.backend.Has(ctx, space, h)
	if err != nil {
		return canon.Hash{}, fmt.Errorf("cas: has check failed: %w", err)
	}
	if exists {
		// Write-once: identical content re-put is a no-op.
		return h, nil
	}
	if err := s.backend.Write(ctx, space, h, data); err != nil {
		return canon.Hash{}, fmt.Errorf("cas: write failed: %w", err)
	}
	return h, nil
}

// PutNode canonical-CBOR encodes v and stores it in the nodes space.
func (s *Store) PutNode(ctx context.Context, v any) (canon.Hash, error) {
	b, err := canon.Encode(v)
	if err != nil {
		return canon.Hash{}, err
	}
	return s.Put(ctx, SpaceNodes, b)
}

// Get reads the bytes stored under hash in the given space.
func (s *Store) Get(ctx context.Context, space Space, hash canon.Hash) ([]byte, error) {
	b, err := s.backend.Read(ctx, space, hash)
	if err != nil {
		return nil, errtax.New(errtax.SnapshotCorrupt, "cas object missing", map[string]any{
			"hash":  hash.String(),
			"space": space,
		})
	}
	got := canon.HashBytes(b)
	if got != hash {
		return nil, errtax.New(errtax.JournalCorrupt, "cas content hash mismatch", map[string]any{
			"expected": hash.String(),
			"actual":   got.String(),
		})
	}
	return b, nil
}

// GetNode reads a node and decodes it into v.
func (s *Store) GetNode(ctx context.Context, hash canon.Hash, v any) error {
	b, err := s.Get(ctx, SpaceNodes, hash)
	if err != nil {
		return err
	}
	return canon.Decode(b, v)
}

// Has reports whether hash is present in the given space.
func (s *Store) Has(ctx context.Context, space Space, hash canon.Hash) (bool, error) {
	return s.backend.Has(ctx, space, hash)
}

// MemoryBackend is an in-memory Backend, used for tests and ephemeral
// worlds. It is the reference implementation; a local-filesystem backend
// following the same interface implements the on-disk layout described
// for persisted worlds.
type MemoryBackend struct {
	mu    sync.RWMutex
	nodes map[canon.Hash][]byte
	blobs map[canon.Hash][]byte
}

// NewMemoryBackend creates an empty in-memory CAS backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		nodes: make(map[canon.Hash][]byte),
		blobs: make(map[canon.Hash][]byte),
	}
}

func (b *MemoryBackend) spaceMap(space Space) map[canon.Hash][]byte {
	if space == SpaceBlobs {
		return b.blobs
	}
	return b.nodes
}

func (b *MemoryBackend) Write(_ context.Context, space Space, hash canon.Hash, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.spaceMap(space)[hash] = cp
	return nil
}

func (b *MemoryBackend) Read(_ context.Context, space Space, hash canon.Hash) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.spaceMap(space)[hash]
	if !ok {
		return nil, fmt.Errorf("cas: not found: %s", hash)
	}
	return data, nil
}

func (b *MemoryBackend) Has(_ context.Context, space Space, hash canon.Hash) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.spaceMap(space)[hash]
	return ok, nil
}
