// Package ratelimit implements the fixed-window call limiter that gates every
// spine operation before authorization-sensitive work runs.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RetryAfter is the time left until the window resets, rounded up to whole seconds.
func (d Decision) RetryAfter(now time.Time) int {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	secs := int(wait / time.Second)
	if wait%time.Second != 0 {
		secs++
	}
	return secs
}

// Store keeps the per-key window counters.
type Store interface {
	// Hit records one call against key and reports whether it fits the window.
	Hit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Limiter applies one limit/window policy over a Store.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
}

// New creates a limiter. A limit below 1 is raised to 1 and a non-positive
// window defaults to one minute.
func New(store Store, limit int, window time.Duration) *Limiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{store: store, limit: limit, window: window}
}

// Check counts one call for key.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	if l.store == nil {
		return Decision{}, fmt.Errorf("ratelimit: no store configured")
	}
	d, err := l.store.Hit(ctx, key, l.limit, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit check %q: %w", key, err)
	}
	return d, nil
}

func (l *Limiter) Limit() int { return l.limit }
func (l *Limiter) Window() time.Duration { return l.window }

// Key builds the conventional limiter key for an identity and capability.
func Key(role, model, capability string) string {
	return strings.Join([]string{orAnon(role), orAnon(model), capability}, "|")
}

func orAnon(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
