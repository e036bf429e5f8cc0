// Package auth resolves the calling (role, model) identity and gates HTTP
// handlers on scopes and call rate.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/naos-labs/spine/pkg/proposal"
)

// Identity is who is calling: an acting role and the model tier behind it.
// Either may be empty.
type Identity struct {
	Role  string `json:"role"`
	Model string `json:"model"`
}

// IsZero reports whether no identity was presented at all.
func (i Identity) IsZero() bool { return i.Role == "" && i.Model == "" }

var (
	// ErrAuthorIncomplete is returned when a proposal author lacks a role or model.
	ErrAuthorIncomplete = errors.New("author role and model are required")
	// ErrAuthorMismatch is returned when a supplied author names someone other
	// than the caller.
	ErrAuthorMismatch = errors.New("author must match the calling identity")
)

// Author attributes a proposal to the caller. Fields omitted from supplied
// are taken from i; fields present must equal i's.
func (i Identity) Author(supplied *proposal.Author) (proposal.Author, error) {
	a := proposal.Author{Role: i.Role, Model: i.Model}
	if supplied != nil {
		if role := strings.TrimSpace(supplied.Role); role != "" {
			if role != i.Role {
				return proposal.Author{}, ErrAuthorMismatch
			}
		}
		if model := strings.TrimSpace(supplied.Model); model != "" {
			if model != i.Model {
				return proposal.Author{}, ErrAuthorMismatch
			}
		}
		a.RequestID = strings.TrimSpace(supplied.RequestID)
	}
	if a.Role == "" || a.Model == "" {
		return proposal.Author{}, ErrAuthorIncomplete
	}
	return a, nil
}

type identityKey struct{}

// WithIdentity attaches an Identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by the middleware, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Claims are the JWT claims a spine bearer token carries.
type Claims struct {
	jwt.RegisteredClaims
	Role  string `json:"role"`
	Model string `json:"model,omitempty"`
}

// JWTValidator checks HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator returns nil when secret is empty.
func NewJWTValidator(secret []byte) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTValidator{secret: secret}
}

// Validate parses tokenStr and returns its claims.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("validator uninitialized")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Issue signs a token for id that expires after ttl.
func (v *JWTValidator) Issue(id Identity, subject string, ttl time.Duration) (string, error) {
	if v == nil {
		return "", errors.New("validator uninitialized")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "spine",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:  id.Role,
		Model: id.Model,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
