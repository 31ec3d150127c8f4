// Package cache provides the session-scoped key/value storage behind the
// freshness cache. Supports an in-process LRU and Redis for sharing a session
// tier between several dashboard processes.
package cache

import (
	"context"
	"errors"
	"fmt"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("cache: store closed")

// Store defines the interface for session-tier storage.
// Implementations must be safe for concurrent use, and Set must replace the
// whole value atomically so readers never observe a partial write.
type Store interface {
	// Get returns the stored value and true, or nil and false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every key owned by this store.
	Clear(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	Backend    string
	MaxEntries int
	Redis      RedisConfig
}

// New creates the Store selected by cfg.Backend. An empty backend selects
// the in-process store.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(cfg.MaxEntries), nil
	case BackendRedis:
		store, err := NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
