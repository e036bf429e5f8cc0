package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/naos-labs/spine/pkg/api"
	"github.com/naos-labs/spine/pkg/scopes"
)

// RequireScopes rejects callers whose role and model together do not cover
// every scope in required.
func RequireScopes(reg *scopes.Registry, required ...scopes.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				api.WriteUnauthorized(w, r, "")
				return
			}
			if !reg.Authorize(required, id.Role, id.Model) {
				api.WriteForbidden(w, r, api.CodeUnauthorizedScope, missingDetail(reg.Missing(required, id.Role, id.Model)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAnyScope admits callers holding at least one of the scopes.
func RequireAnyScope(reg *scopes.Registry, anyOf ...scopes.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				api.WriteUnauthorized(w, r, "")
				return
			}
			for _, s := range anyOf {
				if reg.Authorize([]scopes.Scope{s}, id.Role, id.Model) {
					next.ServeHTTP(w, r)
					return
				}
			}
			api.WriteForbidden(w, r, api.CodeUnauthorizedScope, fmt.Sprintf("Requires one of: %s", join(anyOf)))
		})
	}
}

func missingDetail(missing []scopes.Scope) string {
	if len(missing) == 0 {
		return "Unknown role or model"
	}
	return "Missing scopes: " + join(missing)
}

func join(in []scopes.Scope) string {
	parts := make([]string, len(in))
	for i, s := range in {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
