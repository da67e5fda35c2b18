package store

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendFS     = "fs"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	DBPath  string
	Dir     string
	Redis   RedisOptions
}

// Open constructs the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (KV, error) {
	switch opts.Backend {
	case BackendSQLite, "":
		return NewSQLiteKV(opts.DBPath)
	case BackendFS:
		return NewFSKV(ctx, opts.Dir)
	case BackendRedis:
		return NewRedisKV(ctx, opts.Redis)
	case BackendMemory:
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
