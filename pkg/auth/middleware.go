package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/naos-labs/spine/pkg/api"
)

const (
	HeaderRole  = "X-Spine-Role"
	HeaderModel = "X-Spine-Model"
)

// publicPaths are endpoints that do not require an identity.
var publicPaths = []string{
	"/health",
	"/mcp/handshake",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Config selects how identities are established.
type Config struct {
	// Validator enables JWT mode. Role and model then come from the token.
	Validator *JWTValidator
	// AccessToken, in header mode, must be presented as a bearer token.
	AccessToken string
}

// NewMiddleware resolves the caller's Identity. Public paths pass through
// with whatever identity could be read; all others are rejected with 401
// when none can be established.
func NewMiddleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, detail := resolve(cfg, r)
			public := isPublicPath(r.URL.Path)
			if detail != "" && !public {
				api.WriteUnauthorized(w, r, detail)
				return
			}
			if detail == "" {
				r = r.WithContext(WithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// resolve returns the identity, or a non-empty reason it could not.
func resolve(cfg Config, r *http.Request) (Identity, string) {
	if cfg.Validator != nil {
		token, detail := bearer(r)
		if detail != "" {
			return Identity{}, detail
		}
		claims, err := cfg.Validator.Validate(token)
		if err != nil {
			return Identity{}, "Invalid or expired token"
		}
		if claims.Role == "" {
			return Identity{}, "Token role claim is required"
		}
		return Identity{Role: claims.Role, Model: claims.Model}, ""
	}

	if cfg.AccessToken != "" {
		token, detail := bearer(r)
		if detail != "" {
			return Identity{}, detail
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AccessToken)) != 1 {
			return Identity{}, "Invalid access token"
		}
	}

	id := Identity{
		Role:  strings.TrimSpace(r.Header.Get(HeaderRole)),
		Model: strings.TrimSpace(r.Header.Get(HeaderModel)),
	}
	if id.IsZero() {
		return Identity{}, "Missing " + HeaderRole + " header"
	}
	return id, ""
}

func bearer(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "Missing Authorization header"
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", "Invalid Authorization header format (expected 'Bearer <token>')"
	}
	return parts[1], ""
}
