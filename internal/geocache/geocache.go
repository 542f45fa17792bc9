// Package geocache defines the shared second-tier cache for geo entries.
//
// The enricher always runs its in-process LRU first; this interface is
// the optional Redis tier behind it, shared between collector replicas.
package geocache

import (
	"context"
	"time"
)

type Interface interface {
	// Get returns the cached value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
