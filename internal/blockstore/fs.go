package blockstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FS stores blocks as files under a root directory, fanned out by the
// first two bytes of the key.
type FS struct {
	root string
}

// NewFS returns a filesystem store rooted at dir, creating it if needed.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating block dir %s: %w", dir, err)
	}
	return &FS{root: dir}, nil
}

func (s *FS) path(key string) (string, error) {
	if len(key) < 4 || filepath.Base(key) != key {
		return "", fmt.Errorf("invalid block key %q", key)
	}
	return filepath.Join(s.root, key[:2], key[2:4], key), nil
}

// Put writes data atomically via a temp file and rename.
func (s *FS) Put(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating block dir for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), key+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp block %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing block %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing block %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("storing block %s: %w", key, err)
	}
	return nil
}

// Get reads the block stored under key.
func (s *FS) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("block %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading block %s: %w", key, err)
	}
	return data, nil
}
