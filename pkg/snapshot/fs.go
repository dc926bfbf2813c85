package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const blobExt = ".ckpt.json"

// FSStore keeps checkpoints as files under one directory.
type FSStore struct {
	dir   string
	codec *Codec
}

// NewFSStore creates the directory if needed.
func NewFSStore(dir string, codec *Codec) (*FSStore, error) {
	if codec == nil {
		codec = &Codec{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create %s: %w", dir, err)
	}
	return &FSStore{dir: dir, codec: codec}, nil
}

// Put writes the blob atomically via a temp file rename.
func (s *FSStore) Put(_ context.Context, cp *Checkpoint) error {
	raw, err := s.codec.Encode(cp)
	if err != nil {
		return err
	}
	final := filepath.Join(s.dir, cp.Name+blobExt)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("snapshot: rename %s: %w", final, err)
	}
	return nil
}

func (s *FSStore) Get(_ context.Context, name string) (*Checkpoint, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name+blobExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshot: read %s: %w", name, err)
	}
	return s.codec.Decode(name, raw)
}

// List returns checkpoint names in ascending order.
func (s *FSStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list %s: %w", s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), blobExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), blobExt))
	}
	sort.Strings(names)
	return names, nil
}

func (s *FSStore) Latest(ctx context.Context) (*Checkpoint, error) {
	names, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, names[len(names)-1])
}
