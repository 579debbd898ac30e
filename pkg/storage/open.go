package storage

import (
	"context"
	"fmt"
)

// Backend names accepted by OpenKV.
const (
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// KVOptions selects and configures a KV backend.
type KVOptions struct {
	Backend     string
	RedisURL    string
	PostgresDSN string
}

// OpenKV returns the configured KV backend. The sqlite backend reuses local and must not be closed
// separately from it.
func OpenKV(ctx context.Context, opts KVOptions, local *SQLite) (KV, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		if local == nil {
			return nil, fmt.Errorf("sqlite kv backend requires a local database")
		}
		return local, nil
	case BackendRedis:
		return NewRedis(ctx, opts.RedisURL)
	case BackendPostgres:
		return NewPostgres(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
