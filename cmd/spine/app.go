package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/naos-labs/spine/pkg/canongate"
	"github.com/naos-labs/spine/pkg/config"
	"github.com/naos-labs/spine/pkg/narrative"
	"github.com/naos-labs/spine/pkg/observability"
	"github.com/naos-labs/spine/pkg/orchestrator"
	"github.com/naos-labs/spine/pkg/proposal"
	"github.com/naos-labs/spine/pkg/ratelimit"
	"github.com/naos-labs/spine/pkg/resources"
	"github.com/naos-labs/spine/pkg/schema"
	"github.com/naos-labs/spine/pkg/scopes"
)

// app is the wired core shared by the HTTP and MCP surfaces.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *observability.Provider
	registry  *scopes.Registry
	limiter   *ratelimit.Limiter
	engine    *narrative.Client
	service   *orchestrator.Service
	resolver  *resources.Resolver

	closers []func() error
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", cfg.ServiceName, "environment", cfg.Environment)
}

// loadConfig reads the environment and logs every fallback it applied.
func loadConfig(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg, stderr)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	return cfg, logger, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	slog.SetDefault(logger)

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTel.Endpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTel.Enabled,
		Insecure:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = telemetry
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return telemetry.Shutdown(sctx)
	})

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.ScopesFile != "" {
		a.registry, err = scopes.LoadFile(cfg.ScopesFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("scopes: %w", err)
		}
	} else {
		a.registry = scopes.Default()
	}

	a.limiter = a.newLimiter(ctx)

	gateOpts := []canongate.Option{
		canongate.WithLogger(logger),
		canongate.WithTracer(telemetry.Tracer()),
	}
	if cfg.GateRulesFile != "" {
		rules, err := canongate.LoadRules(cfg.GateRulesFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("gate rules: %w", err)
		}
		logger.Info("gate rules loaded", "path", cfg.GateRulesFile, "rules", rules.Len())
		gateOpts = append(gateOpts, canongate.WithRules(rules))
	}

	serviceOpts := []orchestrator.Option{
		orchestrator.WithSchema(schema.MustNew()),
		orchestrator.WithLogger(logger),
		orchestrator.WithMeter(telemetry.Meter()),
	}
	var snapshots resources.Snapshotter
	if cfg.Engine.Enabled() {
		a.engine = narrative.NewClient(cfg.Engine.BaseURL, cfg.Engine.ProjectID,
			narrative.WithRateLimit(cfg.Engine.RPS, cfg.Engine.Burst),
			narrative.WithTracer(telemetry.Tracer()),
			narrative.WithLogger(logger),
		)
		gateOpts = append(gateOpts, canongate.WithSnapshotter(a.engine))
		serviceOpts = append(serviceOpts, orchestrator.WithEngine(a.engine))
		snapshots = a.engine
		logger.Info("narrative engine configured", "base_url", cfg.Engine.BaseURL, "project_id", cfg.Engine.ProjectID)
	} else {
		logger.Warn("narrative engine not configured; stage B validation and apply are disabled")
	}

	a.service = orchestrator.New(store, canongate.New(gateOpts...), serviceOpts...)
	a.resolver = resources.NewResolver(resources.DefaultCatalog(), a.registry,
		resources.NewNarrativeDataSource(snapshots, cfg.Engine.ProjectID),
		resources.WithBuild(version),
		resources.WithLogger(logger),
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (proposal.Store, error) {
	switch a.cfg.Store.Kind {
	case "sqlite":
		db, err := sql.Open("sqlite", a.cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		a.closers = append(a.closers, db.Close)
		s, err := proposal.NewSQLiteStore(db)
		if err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		a.logger.Info("proposal store ready", "kind", "sqlite", "path", a.cfg.Store.SQLitePath)
		return s, nil
	case "postgres":
		db, err := sql.Open("postgres", a.cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		s := proposal.NewPostgresStore(db)
		if err := s.Migrate(pctx); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		a.logger.Info("proposal store ready", "kind", "postgres")
		return s, nil
	default:
		a.logger.Info("proposal store ready", "kind", "memory")
		return proposal.NewMemoryStore(), nil
	}
}

// newLimiter uses Redis when configured and reachable, otherwise process
// memory.
func (a *app) newLimiter(ctx context.Context) *ratelimit.Limiter {
	if addr := strings.TrimSpace(a.cfg.Redis.Addr); addr != "" {
		rs := ratelimit.NewRedisStoreFromAddr(addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		err := rs.Ping(pctx)
		if err == nil {
			a.closers = append(a.closers, rs.Close)
			a.logger.Info("rate limiter ready", "backend", "redis", "addr", addr, "limit", a.cfg.RateLimitPerMinute)
			return ratelimit.New(rs, a.cfg.RateLimitPerMinute, a.cfg.RateWindow)
		}
		_ = rs.Close()
		a.logger.Warn("redis unavailable, using in-memory rate limiter", "addr", addr, "error", err)
	}
	a.logger.Info("rate limiter ready", "backend", "memory", "limit", a.cfg.RateLimitPerMinute)
	return ratelimit.New(ratelimit.NewMemoryStore(), a.cfg.RateLimitPerMinute, a.cfg.RateWindow)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
	a.closers = nil
}
