// Package server exposes the proposal spine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/naos-labs/spine/pkg/api"
	"github.com/naos-labs/spine/pkg/auth"
	"github.com/naos-labs/spine/pkg/observability"
	"github.com/naos-labs/spine/pkg/orchestrator"
	"github.com/naos-labs/spine/pkg/proposal"
	"github.com/naos-labs/spine/pkg/ratelimit"
	"github.com/naos-labs/spine/pkg/resources"
	"github.com/naos-labs/spine/pkg/scopes"
)

const (
	ProtocolVersion = "v1"
	maxBodyBytes    = 1 << 20
)

// Info describes the running service for /health and the handshake.
type Info struct {
	Service     string
	Environment string
	Version     string
}

// Server routes HTTP requests to the orchestrator and resource resolver.
type Server struct {
	proposals *orchestrator.Service
	resolver  *resources.Resolver
	registry  *scopes.Registry
	limiter   *ratelimit.Limiter
	telemetry *observability.Provider
	auth      auth.Config
	info      Info
	timeout   time.Duration
	logger    *slog.Logger
}

type Option func(*Server)

// WithLimiter enables per-capability rate limiting.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

func WithAuth(cfg auth.Config) Option {
	return func(s *Server) { s.auth = cfg }
}

func WithTelemetry(p *observability.Provider) Option {
	return func(s *Server) { s.telemetry = p }
}

func WithInfo(info Info) Option {
	return func(s *Server) { s.info = info }
}

// WithRequestTimeout bounds each request, including calls to the narrative
// engine made on its behalf.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func New(proposals *orchestrator.Service, resolver *resources.Resolver, registry *scopes.Registry, opts ...Option) *Server {
	s := &Server{
		proposals: proposals,
		resolver:  resolver,
		registry:  registry,
		info:      Info{Service: "mcp-spine", Environment: "development", Version: "dev"},
		timeout:   15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "server")
	if s.telemetry == nil {
		s.telemetry, _ = observability.New(context.Background(), nil)
	}
	return s
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "GET /health", "", nil, http.HandlerFunc(s.handleHealth))
	s.route(mux, "GET /mcp/handshake", "", nil, http.HandlerFunc(s.handleHandshake))

	s.route(mux, "GET /v1/resources", "resource:list", nil, http.HandlerFunc(s.handleListResources))
	s.route(mux, "POST /v1/resources/resolve", "resource:resolve", nil, http.HandlerFunc(s.handleResolve))
	s.route(mux, "POST /v1/rate-limit/check", "", nil, http.HandlerFunc(s.handleRateLimitCheck))

	s.route(mux, "POST /v1/proposals", string(scopes.ProposalCreate),
		auth.RequireScopes(s.registry, scopes.ProposalCreate),
		http.HandlerFunc(s.handleCreate))
	s.route(mux, "GET /v1/proposals/{id}", "proposal:read",
		auth.RequireAnyScope(s.registry, scopes.ProposalCreate, scopes.ProposalValidate),
		http.HandlerFunc(s.handleGet))
	s.route(mux, "POST /v1/proposals/{id}/validate", string(scopes.ProposalValidate),
		auth.RequireScopes(s.registry, scopes.ProposalValidate),
		http.HandlerFunc(s.handleValidate))
	s.route(mux, "POST /v1/proposals/{id}/apply", string(scopes.ProposalApply),
		auth.RequireScopes(s.registry, scopes.ProposalApply),
		http.HandlerFunc(s.handleApply))
	s.route(mux, "GET /v1/proposals/{id}/audit", "proposal:audit",
		auth.RequireScopes(s.registry, scopes.ProposalValidate),
		http.HandlerFunc(s.handleAudit))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteNotFound(w, r, "Route not found.")
	})

	return auth.RequestIDMiddleware(auth.NewMiddleware(s.auth)(mux))
}

// route registers h behind telemetry, the request deadline, the rate limit
// for capability and the scope gate, in that order.
func (s *Server) route(mux *http.ServeMux, pattern, capability string, gate func(http.Handler) http.Handler, h http.Handler) {
	if gate != nil {
		h = gate(h)
	}
	if capability != "" && s.limiter != nil {
		h = auth.RateLimitMiddleware(s.limiter, capability)(h)
	}
	h = s.withTimeout(h)
	mux.Handle(pattern, s.telemetry.Instrument(pattern, h))
}

func (s *Server) withTimeout(next http.Handler) http.Handler {
	if s.timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// writeServiceError maps core errors onto problem responses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, proposal.ErrNotFound), errors.Is(err, resources.ErrNotFound):
		api.WriteNotFound(w, r, err.Error())
	case errors.Is(err, resources.ErrUnauthorized):
		api.WriteForbidden(w, r, api.CodeResourceDenied, err.Error())
	case errors.Is(err, proposal.ErrInvalidTransition),
		errors.Is(err, proposal.ErrStaleStatus),
		errors.Is(err, proposal.ErrValidationRequired):
		api.WriteConflict(w, r, err.Error())
	case errors.Is(err, orchestrator.ErrNoEngine):
		api.WriteError(w, r, http.StatusServiceUnavailable, api.CodeInternal, "Service Unavailable", "Narrative engine is not configured.")
	default:
		api.WriteInternal(w, r, err)
	}
}
