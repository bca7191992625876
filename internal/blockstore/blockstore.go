// Package blockstore keeps raw message bodies, addressed by the SHA-256
// of their contents.
package blockstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("block not found")

// Store saves and loads immutable blocks.
type Store interface {
	// Put stores data under key. Storing an existing key is a no-op.
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key returns the content address of data.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// New builds the backend selected by cfg. The "none" backend returns a
// nil Store, which disables body storage.
func New(cfg model.BlocksConfig) (Store, error) {
	switch cfg.Backend {
	case "fs":
		return NewFS(cfg.Dir)
	case "s3":
		return NewS3(cfg.S3)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown block backend %q", cfg.Backend)
	}
}
