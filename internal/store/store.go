// Package store provides the durable key/value persistence that holds job
// state across process restarts and concurrent readers. Backends know nothing
// about jobs; Records layers the job record codec on top.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable wraps I/O failures of the backing store. Callers surface
	// it instead of retrying.
	ErrUnavailable = errors.New("store unavailable")
)

// KV is the single storage interface shared by every backend. Each operation
// is atomic for its key; there are no multi-key transactions.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
