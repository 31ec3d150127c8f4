// Package intercept implements the persistent interception tier: an
// http.RoundTripper that answers static assets cache-first and data requests
// stale-while-revalidate from a store that survives process restarts.
package intercept

import (
	"context"
	"net/http"
	"time"
)

// Entry is a stored response.
type Entry struct {
	Namespace string
	Key       string
	Status    int
	Header    http.Header
	Body      []byte
	CachedAt  time.Time
}

// Store persists entries grouped in namespaces. Put replaces a single key
// atomically. Get returns nil, nil on a miss.
type Store interface {
	Get(ctx context.Context, namespace, key string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	Namespaces(ctx context.Context) ([]string, error)
	DeleteNamespace(ctx context.Context, namespace string) error
	Close() error
}
