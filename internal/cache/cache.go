// Package cache provides the TTL query cache.
//
// The cache is strictly best-effort: every implementation is fail-safe, so
// a cache outage degrades to "no cache" and never propagates as a request
// failure.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache is a TTL key-value store for answered queries.
type Cache interface {
	// Get returns the cached value and whether it was present. Backend
	// failures report a miss.
	Get(ctx context.Context, key string) (string, bool)

	// Set stores a value with a TTL. Backend failures are dropped.
	Set(ctx context.Context, key, value string, ttl time.Duration)

	// Status describes the backend for health reporting: "connected",
	// "disconnected" or "disabled".
	Status(ctx context.Context) string

	// Close releases backend connections.
	Close() error
}

// Key derives the cache key from query and optional context. The hash is
// content-stable: identical inputs produce the identical key across process
// restarts.
func Key(query, queryContext string) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(queryContext))
	return "query:" + hex.EncodeToString(h.Sum(nil))
}

// Noop is the disabled cache: every lookup misses, every store is dropped.
type Noop struct{}

// NewNoop creates a disabled cache.
func NewNoop() Noop { return Noop{} }

func (Noop) Get(context.Context, string) (string, bool) { return "", false }

func (Noop) Set(context.Context, string, string, time.Duration) {}

func (Noop) Status(context.Context) string { return "disabled" }

func (Noop) Close() error { return nil }
