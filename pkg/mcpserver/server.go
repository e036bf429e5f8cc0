// Package mcpserver exposes the proposal spine as an MCP server: proposal
// tools plus the resource catalog, gated by the same scopes and rate limits
// as the HTTP surface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/naos-labs/spine/pkg/api"
	"github.com/naos-labs/spine/pkg/auth"
	"github.com/naos-labs/spine/pkg/orchestrator"
	"github.com/naos-labs/spine/pkg/proposal"
	"github.com/naos-labs/spine/pkg/ratelimit"
	"github.com/naos-labs/spine/pkg/resources"
	"github.com/naos-labs/spine/pkg/scopes"
)

const resourceCapability = "resource:resolve"

// Server wraps an mcp.Server wired to the spine core.
type Server struct {
	server    *mcp.Server
	proposals *orchestrator.Service
	resolver  *resources.Resolver
	registry  *scopes.Registry
	limiter   *ratelimit.Limiter
	identity  auth.Identity
	version   string
	logger    *slog.Logger
}

type Option func(*Server)

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithIdentity sets who resource reads act as. Tools carry their own
// role and model.
func WithIdentity(id auth.Identity) Option {
	return func(s *Server) { s.identity = id }
}

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New registers the proposal tools and one resource per catalog entry.
func New(proposals *orchestrator.Service, resolver *resources.Resolver, registry *scopes.Registry, opts ...Option) *Server {
	s := &Server{
		proposals: proposals,
		resolver:  resolver,
		registry:  registry,
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "mcp")

	s.server = mcp.NewServer(&mcp.Implementation{Name: "mcp-spine", Version: s.version}, nil)
	mcp.AddTool(s.server, proposalCreateTool(), s.handleProposalCreate)
	mcp.AddTool(s.server, proposalGetTool(), s.handleProposalGet)
	mcp.AddTool(s.server, proposalValidateTool(), s.handleProposalValidate)
	mcp.AddTool(s.server, proposalApplyTool(), s.handleProposalApply)
	mcp.AddTool(s.server, rateLimitCheckTool(), s.handleRateLimitCheck)
	for _, def := range resolver.Catalog().List() {
		s.server.AddResource(&mcp.Resource{
			URI:         def.URI,
			Name:        def.ID,
			Description: def.Description,
			MIMEType:    "application/json",
		}, s.resourceHandler(def))
	}
	return s
}

// MCP returns the underlying server, for serving over custom transports.
func (s *Server) MCP() *mcp.Server { return s.server }

// Run serves over stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "mcp server starting", "transport", "stdio", "role", s.identity.Role, "model", s.identity.Model)
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// gate applies the rate limit for capability, then requires every scope in
// required. Limiter errors fail open.
func (s *Server) gate(ctx context.Context, id auth.Identity, capability string, required ...scopes.Scope) error {
	if s.limiter != nil {
		d, err := s.limiter.Check(ctx, ratelimit.Key(id.Role, id.Model, capability))
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "rate limiter unavailable", "capability", capability, "error", err)
		case !d.Allowed:
			return fmt.Errorf("%s: rate limit exceeded, retry after %ds", api.CodeRateLimited, d.RetryAfter(time.Now()))
		}
	}
	if len(required) > 0 && !s.registry.Authorize(required, id.Role, id.Model) {
		missing := s.registry.Missing(required, id.Role, id.Model)
		if len(missing) == 0 {
			missing = required
		}
		names := make([]string, len(missing))
		for i, m := range missing {
			names[i] = string(m)
		}
		return fmt.Errorf("%s: missing scopes: %s", api.CodeUnauthorizedScope, strings.Join(names, ", "))
	}
	return nil
}

func (s *Server) resourceHandler(def resources.Definition) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		uri := def.URI
		if req != nil && req.Params != nil && req.Params.URI != "" {
			uri = req.Params.URI
		}
		if err := s.gate(ctx, s.identity, resourceCapability); err != nil {
			return nil, err
		}
		res, err := s.resolver.Resolve(ctx, def.ID, s.identity.Role, s.identity.Model)
		switch {
		case errors.Is(err, resources.ErrNotFound):
			return nil, mcp.ResourceNotFoundError(uri)
		case errors.Is(err, resources.ErrUnauthorized):
			return nil, fmt.Errorf("%s: %w", api.CodeResourceDenied, err)
		case err != nil:
			return nil, fmt.Errorf("resolve %s: %w", def.ID, err)
		}

		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", def.ID, err)
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{
				{
					URI:      uri,
					MIMEType: "application/json",
					Text:     string(data),
				},
			},
		}, nil
	}
}

// toolError gives core errors the stable error code prefix.
func toolError(err error) error {
	switch {
	case errors.Is(err, proposal.ErrNotFound):
		return fmt.Errorf("%s: %w", api.CodeNotFound, err)
	case errors.Is(err, proposal.ErrInvalidTransition),
		errors.Is(err, proposal.ErrStaleStatus),
		errors.Is(err, proposal.ErrValidationRequired):
		return fmt.Errorf("%s: %w", api.CodeInvalidTransition, err)
	default:
		return fmt.Errorf("%s: %w", api.CodeInternal, err)
	}
}
