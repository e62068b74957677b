package cache

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestKeyConstruction(t *testing.T) {
	configKey := ConfigKey("production", "dark_mode")
	if configKey != "flaggate:config:production:dark_mode" {
		t.Fatalf("ConfigKey() = %q", configKey)
	}

	evalKey := EvalKey("production", "dark_mode", "u42", "abc123")
	if evalKey != "flaggate:eval:production:dark_mode:u42:abc123" {
		t.Fatalf("EvalKey() = %q", evalKey)
	}

	pattern := EvalPattern("production", "dark_mode")
	if !strings.HasSuffix(pattern, "*") {
		t.Fatalf("EvalPattern() = %q, want trailing wildcard", pattern)
	}
	if !strings.HasPrefix(evalKey, strings.TrimSuffix(pattern, "*")) {
		t.Fatalf("EvalKey() = %q does not match EvalPattern() = %q", evalKey, pattern)
	}
}

func TestEvalPatternDoesNotMatchOtherFlags(t *testing.T) {
	pattern := EvalPattern("production", "dark")
	prefix := strings.TrimSuffix(pattern, "*")

	other := EvalKey("production", "dark_mode", "u42", "abc123")
	if strings.HasPrefix(other, prefix) {
		t.Fatalf("pattern %q for flag %q also matches key %q", pattern, "dark", other)
	}
}

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if err := store.SetWithTTL(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}

	value, found, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found || string(value) != "v1" {
		t.Fatalf("Get() = (%q, %t), want (v1, true)", value, found)
	}

	if _, found, _ := store.Get(ctx, "missing"); found {
		t.Fatal("Get(missing) reported a hit")
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if err := store.SetWithTTL(ctx, "k1", []byte("v1"), time.Millisecond); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, found, _ := store.Get(ctx, "k1"); found {
		t.Fatal("Get() returned an expired entry")
	}
}

func TestMemoryZeroTTLIsNoop(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if err := store.SetWithTTL(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("Len() = %d after zero-TTL set, want 0", store.Len())
	}
}

func TestMemoryDeleteMatching(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	keys := []string{
		EvalKey("production", "dark_mode", "u1", "fp1"),
		EvalKey("production", "dark_mode", "u2", "fp2"),
		EvalKey("production", "beta_search", "u1", "fp1"),
		ConfigKey("production", "dark_mode"),
	}
	for _, key := range keys {
		if err := store.SetWithTTL(ctx, key, []byte("x"), time.Minute); err != nil {
			t.Fatalf("SetWithTTL(%q) error = %v", key, err)
		}
	}

	deleted, err := store.DeleteMatching(ctx, EvalPattern("production", "dark_mode"))
	if err != nil {
		t.Fatalf("DeleteMatching() error = %v", err)
	}
	if deleted != 2 {
		t.Fatalf("DeleteMatching() = %d, want 2", deleted)
	}

	if _, found, _ := store.Get(ctx, EvalKey("production", "beta_search", "u1", "fp1")); !found {
		t.Fatal("entry for an unrelated flag was deleted")
	}
	if _, found, _ := store.Get(ctx, ConfigKey("production", "dark_mode")); !found {
		t.Fatal("config entry was deleted by the eval pattern")
	}

	deleted, err = store.DeleteMatching(ctx, ConfigKey("production", "dark_mode"))
	if err != nil {
		t.Fatalf("DeleteMatching(literal) error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("DeleteMatching(literal) = %d, want 1", deleted)
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = store.SetWithTTL(ctx, "shared", []byte("v"), time.Minute)
		}
	}()

	for i := 0; i < 1000; i++ {
		_, _, _ = store.Get(ctx, "shared")
		_, _ = store.DeleteMatching(ctx, "shared")
	}
	<-done
}
