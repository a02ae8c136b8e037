package cas

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
)

// FileBackend persists CAS objects on local disk using the
// store/{nodes,blobs}/sha256/<first2>/<rest> layout.
type FileBackend struct {
	root string
}

// NewFileBackend opens (creating if necessary) a file-backed CAS rooted
// at dir. dir is expected to be <world>/store.
func NewFileBackend(dir string) (*FileBackend, error) {
	for _, sub := range []string{"nodes", "blobs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub, "sha256"), 0o755); err != nil {
			return nil, fmt.Errorf("cas: create store dir: %w", err)
		}
	}
	return &FileBackend{root: dir}, nil
}

func (b *FileBackend) spaceDir(space Space) string {
	if space == SpaceBlobs {
		return "blobs"
	}
	return "nodes"
}

func (b *FileBackend) path(space Space, hash canon.Hash) string {
	hex := hash.String()[len("sha256:"):]
	return filepath.Join(b.root, b.spaceDir(space), "sha256", hex[:2], hex[2:])
}

func (b *FileBackend) Write(_ context.Context, space Space, hash canon.Hash, data []byte) error {
	p := b.path(space, hash)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o444); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (b *FileBackend) Read(_ context.Context, space Space, hash canon.Hash) ([]byte, error) {
	data, err := os.ReadFile(b.path(space, hash))
	if err != nil {
		return nil, fmt.Errorf("cas: read %s: %w", hash, err)
	}
	return data, nil
}

func (b *FileBackend) Has(_ context.Context, space Space, hash canon.Hash) (bool, error) {
	_, err := os.Stat(b.path(space, hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
