package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jurisai/flaggate/internal/cache"
	"github.com/jurisai/flaggate/internal/core"
)

type fakeStore struct {
	mu       sync.Mutex
	flags    map[string]core.FlagRecord
	getCalls int
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{flags: make(map[string]core.FlagRecord)}
}

func storeKey(environment, key string) string {
	return environment + "/" + key
}

func (s *fakeStore) GetFlag(_ context.Context, environment, key string) (core.FlagRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getCalls++
	if s.failWith != nil {
		return core.FlagRecord{}, s.failWith
	}

	flag, ok := s.flags[storeKey(environment, key)]
	if !ok {
		return core.FlagRecord{}, fmt.Errorf("get flag: %w", pgx.ErrNoRows)
	}

	return flag, nil
}

func (s *fakeStore) CreateFlag(_ context.Context, flag core.FlagRecord) (core.FlagRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return core.FlagRecord{}, s.failWith
	}

	flag.CreatedAt = time.Now()
	flag.UpdatedAt = flag.CreatedAt
	s.flags[storeKey(flag.Environment, flag.Key)] = flag

	return flag, nil
}

func (s *fakeStore) UpdateFlag(_ context.Context, flag core.FlagRecord) (core.FlagRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return core.FlagRecord{}, s.failWith
	}

	key := storeKey(flag.Environment, flag.Key)
	existing, ok := s.flags[key]
	if !ok {
		return core.FlagRecord{}, fmt.Errorf("update flag: %w", pgx.ErrNoRows)
	}

	flag.CreatedAt = existing.CreatedAt
	flag.UpdatedAt = time.Now()
	s.flags[key] = flag

	return flag, nil
}

func (s *fakeStore) ToggleFlag(_ context.Context, environment, key string) (core.FlagRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return core.FlagRecord{}, s.failWith
	}

	mapKey := storeKey(environment, key)
	flag, ok := s.flags[mapKey]
	if !ok {
		return core.FlagRecord{}, fmt.Errorf("toggle flag: %w", pgx.ErrNoRows)
	}

	flag.Enabled = !flag.Enabled
	flag.UpdatedAt = time.Now()
	s.flags[mapKey] = flag

	return flag, nil
}

func (s *fakeStore) DeleteFlag(_ context.Context, environment, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}

	mapKey := storeKey(environment, key)
	if _, ok := s.flags[mapKey]; !ok {
		return fmt.Errorf("delete flag: %w", pgx.ErrNoRows)
	}
	delete(s.flags, mapKey)

	return nil
}

func (s *fakeStore) ListFlags(_ context.Context, environment string) ([]core.FlagRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return nil, s.failWith
	}

	flags := make([]core.FlagRecord, 0, len(s.flags))
	for _, flag := range s.flags {
		if flag.Environment == environment {
			flags = append(flags, flag)
		}
	}

	return flags, nil
}

func (s *fakeStore) storeGetCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

func (s *fakeStore) setFailure(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// brokenCache fails every operation, simulating an unreachable shared cache.
type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache unreachable")
}

func (brokenCache) SetWithTTL(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache unreachable")
}

func (brokenCache) DeleteMatching(context.Context, string) (int, error) {
	return 0, errors.New("cache unreachable")
}

func newTestEngine(t *testing.T, store Store, client cache.Client, opts ...Option) *Engine {
	t.Helper()

	e, err := New(store, client, "production", opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return e
}

func TestIsEnabledScenarios(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	e := newTestEngine(t, store, cache.NewMemory())

	if _, err := e.CreateFlag(ctx, core.FlagRecord{
		Key:                "dark_mode",
		Enabled:            true,
		RolloutPercentage:  0,
		TargetedSubjectIDs: []string{"u42"},
	}); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	if !e.IsEnabled(ctx, "dark_mode", core.Subject{ID: "u42"}) {
		t.Fatal("IsEnabled(dark_mode, u42) = false, want true")
	}
	if e.IsEnabled(ctx, "dark_mode", core.Subject{ID: "u99"}) {
		t.Fatal("IsEnabled(dark_mode, u99) = true, want false")
	}
}

func TestIsEnabledUnknownFlag(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeStore(), cache.NewMemory())

	if e.IsEnabled(ctx, "never_created", core.Subject{ID: "u42"}) {
		t.Fatal("IsEnabled(unknown flag) = true, want false")
	}
}

func TestIsEnabledFailsClosedWhenStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.setFailure(errors.New("connection refused"))
	e := newTestEngine(t, store, cache.NewMemory())

	if e.IsEnabled(ctx, "dark_mode", core.Subject{ID: "u42"}) {
		t.Fatal("IsEnabled with unreachable store = true, want fail-closed false")
	}
}

func TestIsEnabledFallsThroughWhenCacheUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	e := newTestEngine(t, store, brokenCache{})

	if _, err := store.CreateFlag(ctx, core.FlagRecord{
		Key:               "beta_search",
		Environment:       "production",
		Enabled:           true,
		RolloutPercentage: 100,
	}); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	if !e.IsEnabled(ctx, "beta_search", core.Subject{ID: "u42"}) {
		t.Fatal("IsEnabled with broken cache = false, want store-backed true")
	}
}

func TestIsEnabledFailsClosedWhenStoreAndCacheUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.setFailure(errors.New("connection refused"))
	e := newTestEngine(t, store, brokenCache{})

	if e.IsEnabled(ctx, "beta_search", core.Subject{ID: "u42"}) {
		t.Fatal("IsEnabled with everything down = true, want false")
	}
}

func TestIsEnabledUsesEvaluationCache(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	e := newTestEngine(t, store, cache.NewMemory())

	if _, err := e.CreateFlag(ctx, core.FlagRecord{
		Key:               "beta_search",
		Enabled:           true,
		RolloutPercentage: 100,
	}); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	subject := core.Subject{ID: "u42"}
	if !e.IsEnabled(ctx, "beta_search", subject) {
		t.Fatal("first IsEnabled() = false, want true")
	}

	calls := store.storeGetCalls()
	for i := 0; i < 5; i++ {
		if !e.IsEnabled(ctx, "beta_search", subject) {
			t.Fatal("cached IsEnabled() = false, want true")
		}
	}
	if got := store.storeGetCalls(); got != calls {
		t.Fatalf("store reads = %d after cached evaluations, want %d", got, calls)
	}

	// Even with the store down, the cached decision keeps serving.
	store.setFailure(errors.New("connection refused"))
	if !e.IsEnabled(ctx, "beta_search", subject) {
		t.Fatal("IsEnabled() = false while cached, want true")
	}
}

func TestUpdateFlagInvalidatesCachedDecision(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeStore(), cache.NewMemory())

	flag := core.FlagRecord{
		Key:               "beta_search",
		Enabled:           true,
		RolloutPercentage: 100,
	}
	if _, err := e.CreateFlag(ctx, flag); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	subject := core.Subject{ID: "u42"}
	if !e.IsEnabled(ctx, "beta_search", subject) {
		t.Fatal("IsEnabled() = false before update, want true")
	}

	flag.Enabled = false
	if _, err := e.UpdateFlag(ctx, flag); err != nil {
		t.Fatalf("UpdateFlag() error = %v", err)
	}

	// Invalidation runs before UpdateFlag returns, so the very next read
	// observes the new value.
	if e.IsEnabled(ctx, "beta_search", subject) {
		t.Fatal("IsEnabled() = true immediately after disabling update")
	}
}

func TestDifferentContextsDoNotShareCachedDecisions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeStore(), cache.NewMemory())

	if _, err := e.CreateFlag(ctx, core.FlagRecord{
		Key:               "regional",
		Enabled:           true,
		RolloutPercentage: 100,
		ContextFilters:    map[string]any{"region": "west"},
	}); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	west := core.Subject{ID: "u42", Context: map[string]any{"region": "west"}}
	east := core.Subject{ID: "u42", Context: map[string]any{"region": "east"}}

	if !e.IsEnabled(ctx, "regional", west) {
		t.Fatal("IsEnabled(west) = false, want true")
	}
	if e.IsEnabled(ctx, "regional", east) {
		t.Fatal("IsEnabled(east) = true; cached decision leaked across contexts")
	}
}

func TestDeleteFlagRemovesCachedDecisions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeStore(), cache.NewMemory())

	if _, err := e.CreateFlag(ctx, core.FlagRecord{
		Key:               "beta_search",
		Enabled:           true,
		RolloutPercentage: 100,
	}); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	subject := core.Subject{ID: "u42"}
	if !e.IsEnabled(ctx, "beta_search", subject) {
		t.Fatal("IsEnabled() = false before delete, want true")
	}

	if err := e.DeleteFlag(ctx, "beta_search", "ops"); err != nil {
		t.Fatalf("DeleteFlag() error = %v", err)
	}

	if e.IsEnabled(ctx, "beta_search", subject) {
		t.Fatal("IsEnabled() = true after delete, want false")
	}
}

func TestDeleteFlagUnknownKey(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeStore(), cache.NewMemory())

	err := e.DeleteFlag(ctx, "never_created", "ops")
	if !errors.Is(err, ErrFlagNotFound) {
		t.Fatalf("DeleteFlag(unknown) error = %v, want ErrFlagNotFound", err)
	}
}

func TestToggleFlag(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeStore(), cache.NewMemory())

	if _, err := e.CreateFlag(ctx, core.FlagRecord{
		Key:               "beta_search",
		Enabled:           true,
		RolloutPercentage: 100,
	}); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	toggled, err := e.ToggleFlag(ctx, "beta_search", "ops")
	if err != nil {
		t.Fatalf("ToggleFlag() error = %v", err)
	}
	if toggled.Enabled {
		t.Fatal("ToggleFlag() left flag enabled, want disabled")
	}
	if e.IsEnabled(ctx, "beta_search", core.Subject{ID: "u42"}) {
		t.Fatal("IsEnabled() = true immediately after toggle off")
	}

	toggled, err = e.ToggleFlag(ctx, "beta_search", "ops")
	if err != nil {
		t.Fatalf("ToggleFlag() error = %v", err)
	}
	if !toggled.Enabled {
		t.Fatal("second ToggleFlag() left flag disabled, want enabled")
	}
}

// slowToggleStore holds the store-side toggle open until released, so the
// test can land an edit while the toggle is in flight.
type slowToggleStore struct {
	*fakeStore
	started chan struct{}
	release chan struct{}
}

func (s *slowToggleStore) ToggleFlag(ctx context.Context, environment, key string) (core.FlagRecord, error) {
	close(s.started)
	<-s.release
	return s.fakeStore.ToggleFlag(ctx, environment, key)
}

func TestToggleFlagDoesNotClobberConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	store := &slowToggleStore{
		fakeStore: newFakeStore(),
		started:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	e := newTestEngine(t, store, cache.NewMemory())

	if _, err := e.CreateFlag(ctx, core.FlagRecord{Key: "rollout", Enabled: true}); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := e.ToggleFlag(ctx, "rollout", "ops"); err != nil {
			t.Errorf("ToggleFlag() error = %v", err)
		}
	}()

	<-store.started
	if _, err := e.UpdateFlag(ctx, core.FlagRecord{
		Key:               "rollout",
		Enabled:           true,
		RolloutPercentage: 50,
	}); err != nil {
		t.Fatalf("UpdateFlag() error = %v", err)
	}
	close(store.release)
	<-done

	got, err := e.GetFlag(ctx, "rollout")
	if err != nil {
		t.Fatalf("GetFlag() error = %v", err)
	}
	if got.RolloutPercentage != 50 {
		t.Fatalf("RolloutPercentage = %v after a toggle raced an update, want 50", got.RolloutPercentage)
	}
	if got.Enabled {
		t.Fatal("Enabled = true after the in-flight toggle, want false")
	}
}

func TestAdminOperationsPropagateStoreErrors(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	e := newTestEngine(t, store, cache.NewMemory())

	store.setFailure(errors.New("connection refused"))

	if _, err := e.CreateFlag(ctx, core.FlagRecord{Key: "x1", Enabled: true}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("CreateFlag() error = %v, want ErrStoreUnavailable", err)
	}
	if _, err := e.UpdateFlag(ctx, core.FlagRecord{Key: "x1", Enabled: true}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("UpdateFlag() error = %v, want ErrStoreUnavailable", err)
	}
	if err := e.DeleteFlag(ctx, "x1", "ops"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("DeleteFlag() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestCreateFlagValidatesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	e := newTestEngine(t, store, cache.NewMemory())

	_, err := e.CreateFlag(ctx, core.FlagRecord{Key: "bad_pct", Enabled: true, RolloutPercentage: 120})
	if !errors.Is(err, ErrInvalidFlag) {
		t.Fatalf("CreateFlag() error = %v, want ErrInvalidFlag", err)
	}
	if len(store.flags) != 0 {
		t.Fatal("invalid flag was persisted; validation must run before the write")
	}
}

func TestUpdateFlagUnknownKey(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeStore(), cache.NewMemory())

	_, err := e.UpdateFlag(ctx, core.FlagRecord{Key: "never_created", Enabled: true})
	if !errors.Is(err, ErrFlagNotFound) {
		t.Fatalf("UpdateFlag(unknown) error = %v, want ErrFlagNotFound", err)
	}
}

func TestGetAllFlagsForSubject(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeStore(), cache.NewMemory())

	seed := []core.FlagRecord{
		{Key: "on_for_all", Enabled: true, RolloutPercentage: 100},
		{Key: "killed", Enabled: false, RolloutPercentage: 100},
		{Key: "targeted", Enabled: true, TargetedSubjectIDs: []string{"u42"}},
	}
	for _, flag := range seed {
		if _, err := e.CreateFlag(ctx, flag); err != nil {
			t.Fatalf("CreateFlag(%q) error = %v", flag.Key, err)
		}
	}

	results := e.GetAllFlagsForSubject(ctx, core.Subject{ID: "u42"})
	want := map[string]bool{"on_for_all": true, "killed": false, "targeted": true}
	if len(results) != len(want) {
		t.Fatalf("GetAllFlagsForSubject() returned %d flags, want %d", len(results), len(want))
	}
	for key, expected := range want {
		if results[key] != expected {
			t.Fatalf("GetAllFlagsForSubject()[%q] = %t, want %t", key, results[key], expected)
		}
	}
}

func TestGetAllFlagsForSubjectFailsClosedToEmptyMap(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.setFailure(errors.New("connection refused"))
	e := newTestEngine(t, store, cache.NewMemory())

	results := e.GetAllFlagsForSubject(ctx, core.Subject{ID: "u42"})
	if results == nil {
		t.Fatal("GetAllFlagsForSubject() = nil, want empty map")
	}
	if len(results) != 0 {
		t.Fatalf("GetAllFlagsForSubject() returned %d flags with unreachable store, want 0", len(results))
	}
}

func TestMetricHooksFire(t *testing.T) {
	ctx := context.Background()
	var evaluations, hits, misses int

	e := newTestEngine(t, newFakeStore(), cache.NewMemory(), WithMetricHooks(MetricHooks{
		Evaluation: func(bool) { evaluations++ },
		CacheHit:   func(string) { hits++ },
		CacheMiss:  func(string) { misses++ },
	}))

	if _, err := e.CreateFlag(ctx, core.FlagRecord{Key: "observed", Enabled: true, RolloutPercentage: 100}); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	subject := core.Subject{ID: "u42"}
	e.IsEnabled(ctx, "observed", subject)
	e.IsEnabled(ctx, "observed", subject)

	if evaluations != 2 {
		t.Fatalf("evaluation hook fired %d times, want 2", evaluations)
	}
	if hits == 0 {
		t.Fatal("cache hit hook never fired for repeated evaluation")
	}
	if misses == 0 {
		t.Fatal("cache miss hook never fired for first evaluation")
	}
}

func TestSubjectFingerprintStability(t *testing.T) {
	first := subjectFingerprint(core.Subject{
		ID:      "u42",
		Groups:  []string{"beta", "staff"},
		Context: map[string]any{"region": "west", "plan": "pro"},
	})
	reordered := subjectFingerprint(core.Subject{
		ID:      "u42",
		Groups:  []string{"staff", "beta"},
		Context: map[string]any{"plan": "pro", "region": "west"},
	})
	if first != reordered {
		t.Fatalf("fingerprint depends on field order: %q vs %q", first, reordered)
	}

	different := subjectFingerprint(core.Subject{
		ID:      "u42",
		Groups:  []string{"beta", "staff"},
		Context: map[string]any{"region": "east", "plan": "pro"},
	})
	if first == different {
		t.Fatal("fingerprints collide across different contexts")
	}
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingAudit) RecordFlagChange(_ context.Context, action, flagKey, actor string, _ []byte) error {
	r.mu.Lock()
	r.actions = append(r.actions, action+":"+flagKey+":"+actor)
	r.mu.Unlock()
	return nil
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	ctx := context.Background()
	audit := &recordingAudit{}
	e := newTestEngine(t, newFakeStore(), cache.NewMemory(), WithAudit(audit))

	flag := core.FlagRecord{Key: "audited", Enabled: true, CreatedBy: "ops"}
	if _, err := e.CreateFlag(ctx, flag); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}
	if _, err := e.ToggleFlag(ctx, "audited", "ops"); err != nil {
		t.Fatalf("ToggleFlag() error = %v", err)
	}
	if err := e.DeleteFlag(ctx, "audited", "ops"); err != nil {
		t.Fatalf("DeleteFlag() error = %v", err)
	}

	want := []string{"create:audited:ops", "toggle:audited:ops", "delete:audited:ops"}
	if len(audit.actions) != len(want) {
		t.Fatalf("audit recorded %d actions, want %d", len(audit.actions), len(want))
	}
	for i, expected := range want {
		if audit.actions[i] != expected {
			t.Fatalf("audit action[%d] = %q, want %q", i, audit.actions[i], expected)
		}
	}
}

func TestConcurrentEvaluationAndInvalidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeStore(), cache.NewMemory())

	flag := core.FlagRecord{Key: "contended", Enabled: true, RolloutPercentage: 100}
	if _, err := e.CreateFlag(ctx, flag); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			subject := core.Subject{ID: fmt.Sprintf("u%d", worker)}
			for i := 0; i < 200; i++ {
				e.IsEnabled(ctx, "contended", subject)
			}
		}(worker)
	}

	for i := 0; i < 50; i++ {
		if _, err := e.UpdateFlag(ctx, flag); err != nil {
			t.Fatalf("UpdateFlag() error = %v", err)
		}
	}
	wg.Wait()
}
