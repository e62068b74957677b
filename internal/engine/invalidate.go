package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jurisai/flaggate/internal/cache"
)

// Invalidator purges all cache state derived from one flag: its configuration
// snapshot and every per-subject evaluation entry. It runs synchronously at
// the end of each administrative write, before the write returns to its
// caller, so the next read cannot observe the previous configuration beyond
// one TTL window in degenerate failure cases.
type Invalidator struct {
	cache       cache.Client
	environment string
}

func NewInvalidator(client cache.Client, environment string) *Invalidator {
	return &Invalidator{
		cache:       client,
		environment: environment,
	}
}

// InvalidateFlag deletes the flag's configuration key and every evaluation
// key derived from it, returning the number of entries removed. A failure
// leaves the authoritative write intact; the caller logs it and tolerates
// staleness bounded by the cache TTL.
func (i *Invalidator) InvalidateFlag(ctx context.Context, flagKey string) (int, error) {
	var failure error

	configDeleted, err := i.cache.DeleteMatching(ctx, cache.ConfigKey(i.environment, flagKey))
	if err != nil {
		failure = err
	}

	evalDeleted, err := i.cache.DeleteMatching(ctx, cache.EvalPattern(i.environment, flagKey))
	if err != nil {
		failure = errors.Join(failure, err)
	}

	deleted := configDeleted + evalDeleted
	if failure != nil {
		return deleted, fmt.Errorf("%w: invalidate %q: %v", ErrCacheUnavailable, flagKey, failure)
	}

	return deleted, nil
}
