package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/naos-labs/spine/pkg/auth"
	"github.com/naos-labs/spine/pkg/mcpserver"
	"github.com/naos-labs/spine/pkg/server"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen address (default :$MCP_SPINE_PORT)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, err := loadConfig(stdout)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *addr == "" {
		*addr = cfg.Addr()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	authCfg := auth.Config{AccessToken: cfg.AccessToken}
	if cfg.JWTSecret != "" {
		authCfg.Validator = auth.NewJWTValidator([]byte(cfg.JWTSecret))
		logger.Info("jwt authentication enabled")
	}

	srv := server.New(a.service, a.resolver, a.registry,
		server.WithLimiter(a.limiter),
		server.WithAuth(authCfg),
		server.WithTelemetry(a.telemetry),
		server.WithInfo(server.Info{Service: cfg.ServiceName, Environment: cfg.Environment, Version: version}),
		server.WithRequestTimeout(cfg.RequestTimeout),
		server.WithLogger(logger),
	)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("spine listening", "addr", *addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return 1
	}
	return 0
}

// runMCP serves over stdio, so every log line goes to stderr.
func runMCP(args []string, _, stderr io.Writer) int {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	role := fs.String("role", "", "identity for resource reads (default $SPINE_MCP_ROLE)")
	model := fs.String("model", "", "model tier for resource reads (default $SPINE_MCP_MODEL)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	id := auth.Identity{Role: cfg.MCP.Role, Model: cfg.MCP.Model}
	if *role != "" {
		id.Role = *role
	}
	if *model != "" {
		id.Model = *model
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	srv := mcpserver.New(a.service, a.resolver, a.registry,
		mcpserver.WithLimiter(a.limiter),
		mcpserver.WithIdentity(id),
		mcpserver.WithVersion(version),
		mcpserver.WithLogger(logger),
	)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mcp server failed", "error", err)
		return 1
	}
	return 0
}
