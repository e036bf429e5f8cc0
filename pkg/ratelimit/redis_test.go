package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	store := NewRedisStoreFromAddr("localhost:6379", "", 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	l := New(store, 2, time.Second)
	key := "test-" + uuid.NewString()

	for i, want := range []bool{true, true, false} {
		d, err := l.Check(ctx, key)
		if err != nil {
			t.Fatalf("check %d: unexpected error: %v", i, err)
		}
		if d.Allowed != want {
			t.Errorf("check %d: allowed=%v, want %v", i, d.Allowed, want)
		}
		if d.Remaining < 0 {
			t.Errorf("check %d: negative remaining %d", i, d.Remaining)
		}
	}

	time.Sleep(1100 * time.Millisecond)
	d, err := l.Check(ctx, key)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Errorf("Expected allowed=true after window expiry")
	}
}
