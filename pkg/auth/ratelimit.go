package auth

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/naos-labs/spine/pkg/api"
	"github.com/naos-labs/spine/pkg/ratelimit"
)

// RateLimitMiddleware counts one call per (role, model, capability) and
// answers 429 once the window is spent. Limiter errors fail open.
func RateLimitMiddleware(limiter *ratelimit.Limiter, capability string) func(http.Handler) http.Handler {
	denied, err := otel.Meter("github.com/naos-labs/spine/pkg/auth").Int64Counter(
		"spine.ratelimit.denied",
		metric.WithDescription("Calls refused by the rate limiter"),
	)
	if err != nil {
		denied = nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			id, _ := IdentityFrom(r.Context())
			d, err := limiter.Check(r.Context(), ratelimit.Key(id.Role, id.Model, capability))
			if err != nil {
				slog.WarnContext(r.Context(), "rate limiter unavailable", "capability", capability, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if !d.Allowed {
				if denied != nil {
					denied.Add(r.Context(), 1, metric.WithAttributes(attribute.String("capability", capability)))
				}
				api.WriteTooManyRequests(w, r, d.RetryAfter(time.Now()), d.ResetAt)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			next.ServeHTTP(w, r)
		})
	}
}
