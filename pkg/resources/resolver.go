package resources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/naos-labs/spine/pkg/scopes"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("resource access denied")
)

// DataSource returns the payload behind a resource id. Ids it does not serve
// yield an "unknown_resource" payload, not an error.
type DataSource interface {
	Fetch(ctx context.Context, id string) (map[string]any, error)
}

type Metadata struct {
	GeneratedAt time.Time `json:"generated_at"`
	Source      string    `json:"source"`
	Build       string    `json:"build"`
}

type Resolution struct {
	ResourceID string         `json:"resource_id"`
	Version    string         `json:"version"`
	Data       map[string]any `json:"data"`
	Metadata   Metadata       `json:"metadata"`
}

// Resolver authorizes and projects resources. It never mutates state and
// does no rate limiting of its own.
type Resolver struct {
	catalog  *Catalog
	registry *scopes.Registry
	source   DataSource
	origin   string
	build    string
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Resolver)

// WithBuild sets the build identifier reported in metadata.
func WithBuild(build string) Option {
	return func(r *Resolver) { r.build = build }
}

// WithOrigin names the system the data comes from.
func WithOrigin(origin string) Option {
	return func(r *Resolver) { r.origin = origin }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func NewResolver(catalog *Catalog, registry *scopes.Registry, source DataSource, opts ...Option) *Resolver {
	r := &Resolver{
		catalog:  catalog,
		registry: registry,
		source:   source,
		origin:   "mcp-spine",
		build:    "dev",
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "resources")
	return r
}

func (r *Resolver) Catalog() *Catalog { return r.catalog }

// Resolve checks that role and model together cover the resource's scopes,
// then fetches its data. Data-level failures are folded into the payload.
func (r *Resolver) Resolve(ctx context.Context, id, role, model string) (*Resolution, error) {
	def, ok := r.catalog.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !r.registry.Authorize(def.Scopes, role, model) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, id)
	}

	now := r.now()
	var data map[string]any
	if r.source == nil {
		data = unknownResource(id, now)
	} else {
		var err error
		data, err = r.source.Fetch(ctx, id)
		if err != nil {
			r.logger.WarnContext(ctx, "resource fetch failed", "resource_id", id, "error", err)
			data = map[string]any{
				"generated_at": now.Format(time.RFC3339Nano),
				"status":       "fetch_failed",
				"error":        err.Error(),
			}
		}
	}
	return &Resolution{
		ResourceID: def.ID,
		Version:    def.Version,
		Data:       data,
		Metadata: Metadata{
			GeneratedAt: now,
			Source:      r.origin,
			Build:       r.build,
		},
	}, nil
}

func unknownResource(id string, now time.Time) map[string]any {
	return map[string]any{
		"generated_at": now.Format(time.RFC3339Nano),
		"status":       "unknown_resource",
		"error":        "No fetcher defined for resource: " + id,
	}
}
