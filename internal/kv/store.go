// Package kv provides the transactional key/value stores that hold each
// partition's recovery pointers.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownBackend is returned by Open for an unrecognized backend name.
var ErrUnknownBackend = errors.New("kv: unknown backend")

// Store is a string key/value store with all-or-nothing multi-key writes.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetAll writes every pair or none of them.
	SetAll(ctx context.Context, values map[string]string) error

	// DeleteAll removes every key or none of them.
	DeleteAll(ctx context.Context, keys ...string) error

	// Close releases any resources.
	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	Backend string // "memory" | "redis" | "pebble" | "postgres"

	Redis    RedisConfig
	Pebble   PebbleConfig
	Postgres PostgresConfig
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// PebbleConfig configures the embedded Pebble backend.
type PebbleConfig struct {
	Dir string
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSN   string
	Table string
}

// Open creates the configured Store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(), nil
	case "redis":
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis address required for redis backend")
		}
		return NewRedisStore(ctx, cfg.Redis)
	case "pebble":
		if cfg.Pebble.Dir == "" {
			return nil, fmt.Errorf("pebble directory required for pebble backend")
		}
		return NewPebbleStore(cfg.Pebble.Dir)
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres DSN required for postgres backend")
		}
		return NewPostgresStore(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}
