// Package cache provides the shared TTL cache client used by the flag engine.
//
// Two namespaces share one backing store: per-flag configuration snapshots
// and per-subject evaluation results. Key construction for both lives in this
// package and nowhere else, so population and invalidation can never disagree
// about key shapes.
package cache

import (
	"context"
	"time"
)

// Client is the cache abstraction the engine consumes. Implementations must
// be safe for concurrent use.
type Client interface {
	// Get returns the value stored under key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// SetWithTTL stores value under key for at most ttl. A non-positive ttl
	// is a no-op.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// DeleteMatching removes every key matching the glob-style pattern and
	// returns the number deleted. Implementations must enumerate keys in
	// bounded pages, never with a single blocking scan.
	DeleteMatching(ctx context.Context, pattern string) (int, error)
}

const keyPrefix = "flaggate"

// ConfigKey is the cache key holding the configuration snapshot of one flag.
func ConfigKey(environment, flagKey string) string {
	return keyPrefix + ":config:" + environment + ":" + flagKey
}

// EvalKey is the cache key holding one cached evaluation result. The
// fingerprint covers the subject's groups and context so differently-shaped
// requests never share an entry.
func EvalKey(environment, flagKey, subjectID, fingerprint string) string {
	return keyPrefix + ":eval:" + environment + ":" + flagKey + ":" + subjectID + ":" + fingerprint
}

// EvalPattern matches every evaluation entry derived from one flag.
func EvalPattern(environment, flagKey string) string {
	return keyPrefix + ":eval:" + environment + ":" + flagKey + ":*"
}
