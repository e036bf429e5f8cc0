//go:build property
// +build property

package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/naos-labs/spine/pkg/ratelimit"
)

// Property: within one window exactly min(calls, limit) calls are allowed and
// remaining never goes negative.
func TestFixedWindowGrantsAtMostLimit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("allowed == min(calls, limit)", prop.ForAll(
		func(limit, calls int) bool {
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			l := ratelimit.New(ratelimit.NewMemoryStore(ratelimit.WithClock(func() time.Time { return now })), limit, time.Minute)

			granted := 0
			for i := 0; i < calls; i++ {
				d, err := l.Check(context.Background(), "k")
				if err != nil || d.Remaining < 0 {
					return false
				}
				if d.Allowed {
					granted++
				}
			}
			want := calls
			if limit < want {
				want = limit
			}
			return granted == want
		},
		gen.IntRange(1, 25),
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}
