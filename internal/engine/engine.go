// Package engine decides whether a feature flag is active for a subject.
//
// The read path (IsEnabled, GetAllFlagsForSubject) never returns an error:
// store and cache failures degrade to the fail-closed default of "feature
// disabled", logged at warning level, because a broken flag system must never
// crash feature-gated code. Administrative writes validate first, write to
// the authoritative store, then synchronously invalidate derived cache
// entries before returning.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"

	"github.com/jurisai/flaggate/internal/cache"
	"github.com/jurisai/flaggate/internal/core"
)

const (
	// DefaultCacheTTL bounds how stale a cached configuration snapshot or
	// evaluation result may become after a missed invalidation.
	DefaultCacheTTL = 5 * time.Minute

	auditTimeout = 2 * time.Second
)

// Store is the authoritative flag store the engine consumes. Not-found is
// signalled by an error wrapping [pgx.ErrNoRows].
type Store interface {
	GetFlag(ctx context.Context, environment, key string) (core.FlagRecord, error)
	CreateFlag(ctx context.Context, flag core.FlagRecord) (core.FlagRecord, error)
	UpdateFlag(ctx context.Context, flag core.FlagRecord) (core.FlagRecord, error)
	ToggleFlag(ctx context.Context, environment, key string) (core.FlagRecord, error)
	DeleteFlag(ctx context.Context, environment, key string) error
	ListFlags(ctx context.Context, environment string) ([]core.FlagRecord, error)
}

// AuditRecorder receives a record of every administrative mutation. Recording
// is best effort and never blocks or fails the mutation itself.
type AuditRecorder interface {
	RecordFlagChange(ctx context.Context, action, flagKey, actor string, details []byte) error
}

// MetricHooks are optional instrumentation callbacks. Nil hooks are skipped.
type MetricHooks struct {
	Evaluation        func(result bool)
	CacheHit          func(namespace string)
	CacheMiss         func(namespace string)
	FailClosed        func(reason string)
	Invalidation      func(deleted int)
	InvalidationError func()
}

// Engine evaluates flags for one deployment environment.
type Engine struct {
	store       Store
	cache       cache.Client
	invalidator *Invalidator
	environment string
	ttl         time.Duration
	log         *slog.Logger
	now         func() time.Time
	audit       AuditRecorder
	hooks       MetricHooks
}

type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithAudit(recorder AuditRecorder) Option {
	return func(e *Engine) { e.audit = recorder }
}

func WithMetricHooks(hooks MetricHooks) Option {
	return func(e *Engine) { e.hooks = hooks }
}

// New creates an Engine for the given environment. The store and cache client
// are required; everything else has working defaults.
func New(store Store, cacheClient cache.Client, environment string, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if cacheClient == nil {
		return nil, errors.New("cache client is nil")
	}
	if environment == "" {
		return nil, errors.New("environment is required")
	}

	e := &Engine{
		store:       store,
		cache:       cacheClient,
		invalidator: NewInvalidator(cacheClient, environment),
		environment: environment,
		ttl:         DefaultCacheTTL,
		log:         slog.Default(),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Environment returns the deployment tier this engine evaluates against.
func (e *Engine) Environment() string {
	return e.environment
}

// IsEnabled reports whether flagKey is active for subject. It never returns
// an error: an unknown flag, an unreachable store or cache, or a cancelled
// context all resolve to false.
func (e *Engine) IsEnabled(ctx context.Context, flagKey string, subject core.Subject) bool {
	evalKey := cache.EvalKey(e.environment, flagKey, subject.ID, subjectFingerprint(subject))

	if payload, found, err := e.cache.Get(ctx, evalKey); err != nil {
		e.log.Warn("evaluation cache read failed", "flag", flagKey, "error", err)
	} else if found {
		e.hookCacheHit("eval")
		result := len(payload) == 1 && payload[0] == '1'
		e.hookEvaluation(result)
		return result
	} else {
		e.hookCacheMiss("eval")
	}

	flag, ok := e.loadFlag(ctx, flagKey)
	if !ok {
		e.hookEvaluation(false)
		return false
	}

	result := core.EvaluateAt(flag, subject, e.now())
	e.cacheEvalResult(ctx, evalKey, result)
	e.hookEvaluation(result)

	return result
}

// GetAllFlagsForSubject evaluates every flag in the engine's environment
// against one subject in a single store round trip. An unreachable store
// fails closed to an empty map.
func (e *Engine) GetAllFlagsForSubject(ctx context.Context, subject core.Subject) map[string]bool {
	flags, err := e.store.ListFlags(ctx, e.environment)
	if err != nil {
		e.log.Warn("list flags failed, failing closed", "environment", e.environment, "error", err)
		e.hookFailClosed("store")
		return map[string]bool{}
	}

	now := e.now()
	results := make(map[string]bool, len(flags))
	for _, flag := range flags {
		result := core.EvaluateAt(flag, subject, now)
		results[flag.Key] = result
		evalKey := cache.EvalKey(e.environment, flag.Key, subject.ID, subjectFingerprint(subject))
		e.cacheEvalResult(ctx, evalKey, result)
		e.hookEvaluation(result)
	}

	return results
}

// loadFlag resolves a flag configuration through the config cache, falling
// back to the authoritative store. The boolean is false when the flag is
// unknown or the store is unreachable; both fail closed at the caller.
func (e *Engine) loadFlag(ctx context.Context, flagKey string) (core.FlagRecord, bool) {
	configKey := cache.ConfigKey(e.environment, flagKey)

	if payload, found, err := e.cache.Get(ctx, configKey); err != nil {
		e.log.Warn("config cache read failed, reading store directly", "flag", flagKey, "error", err)
	} else if found {
		var flag core.FlagRecord
		if err := json.Unmarshal(payload, &flag); err == nil {
			e.hookCacheHit("config")
			return flag, true
		}
		e.log.Warn("dropping undecodable config cache entry", "flag", flagKey, "error", err)
	} else {
		e.hookCacheMiss("config")
	}

	flag, err := e.store.GetFlag(ctx, e.environment, flagKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			e.log.Debug("unknown flag", "flag", flagKey, "environment", e.environment)
			return core.FlagRecord{}, false
		}
		e.log.Warn("flag store read failed, failing closed", "flag", flagKey, "error", err)
		e.hookFailClosed("store")
		return core.FlagRecord{}, false
	}

	if payload, err := json.Marshal(flag); err == nil {
		if err := e.cache.SetWithTTL(ctx, configKey, payload, e.ttl); err != nil {
			e.log.Warn("config cache write failed", "flag", flagKey, "error", err)
		}
	}

	return flag, true
}

func (e *Engine) cacheEvalResult(ctx context.Context, evalKey string, result bool) {
	payload := []byte("0")
	if result {
		payload = []byte("1")
	}

	if err := e.cache.SetWithTTL(ctx, evalKey, payload, e.ttl); err != nil {
		e.log.Warn("evaluation cache write failed", "key", evalKey, "error", err)
	}
}

func (e *Engine) invalidate(ctx context.Context, flagKey string) {
	deleted, err := e.invalidator.InvalidateFlag(ctx, flagKey)
	if err != nil {
		// The store write has already committed; cached decisions stay
		// stale for at most one TTL window.
		e.log.Warn("cache invalidation failed, stale decisions persist up to one TTL",
			"flag", flagKey, "ttl", e.ttl, "error", err)
		e.hookInvalidationError()
		return
	}

	e.hookInvalidation(deleted)
}

func (e *Engine) recordAudit(ctx context.Context, action, flagKey, actor string, details []byte) {
	if e.audit == nil {
		return
	}

	// The mutation has already committed; auditing must not be cancelled
	// with the request.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	if err := e.audit.RecordFlagChange(auditCtx, action, flagKey, actor, details); err != nil {
		e.log.Warn("audit record failed", "action", action, "flag", flagKey, "error", err)
	}
}

func (e *Engine) hookEvaluation(result bool) {
	if e.hooks.Evaluation != nil {
		e.hooks.Evaluation(result)
	}
}

func (e *Engine) hookCacheHit(namespace string) {
	if e.hooks.CacheHit != nil {
		e.hooks.CacheHit(namespace)
	}
}

func (e *Engine) hookCacheMiss(namespace string) {
	if e.hooks.CacheMiss != nil {
		e.hooks.CacheMiss(namespace)
	}
}

func (e *Engine) hookFailClosed(reason string) {
	if e.hooks.FailClosed != nil {
		e.hooks.FailClosed(reason)
	}
}

func (e *Engine) hookInvalidation(deleted int) {
	if e.hooks.Invalidation != nil {
		e.hooks.Invalidation(deleted)
	}
}

func (e *Engine) hookInvalidationError() {
	if e.hooks.InvalidationError != nil {
		e.hooks.InvalidationError()
	}
}

// subjectFingerprint collapses the evaluation-relevant parts of a subject
// into a short stable token for evaluation cache keys. Groups are sorted and
// json.Marshal emits map keys in sorted order, so equal subjects always
// produce equal fingerprints.
func subjectFingerprint(subject core.Subject) string {
	groups := append([]string(nil), subject.Groups...)
	sort.Strings(groups)

	payload, err := json.Marshal(struct {
		Groups  []string       `json:"g"`
		Context map[string]any `json:"c"`
	}{Groups: groups, Context: subject.Context})
	if err != nil {
		return "0"
	}

	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

func storeError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrFlagNotFound
	}

	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
