// Package config loads spine settings from the environment.
//
// Values that fail validation never stop startup: they fall back to their
// default and a line is appended to Config.Warnings for main to log.
package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultPort      = 7000
	DefaultRateLimit = 60
	DefaultProjectID = "uncharted-stars"
)

var (
	environments = []string{"development", "staging", "production", "test"}
	logLevels    = []string{"debug", "info", "warn", "error"}
	logFormats   = []string{"json", "text"}
	storeKinds   = []string{"memory", "sqlite", "postgres"}
)

// Config holds spine configuration.
type Config struct {
	ServiceName        string
	Port               int
	Environment        string
	LogLevel           string
	LogFormat          string
	AccessToken        string
	RateLimitPerMinute int
	RateWindow         time.Duration
	RequestTimeout     time.Duration

	Redis  RedisConfig
	Engine EngineConfig
	Store  StoreConfig
	MCP    MCPConfig
	OTel   OTelConfig

	ScopesFile    string
	GateRulesFile string
	JWTSecret     string

	Warnings []string
}

type RedisConfig struct {
	Addr     string `env:"SPINE_REDIS_ADDR"`
	Password string `env:"SPINE_REDIS_PASSWORD"`
	DB       int    `env:"SPINE_REDIS_DB" envDefault:"0"`
}

// EngineConfig points at the narrative engine. An empty base URL, or the
// literal "test", leaves the engine unconfigured.
type EngineConfig struct {
	BaseURL   string  `env:"NAOS_WEB_API_BASE"`
	ProjectID string  `env:"DEFAULT_PROJECT_ID" envDefault:"uncharted-stars"`
	RPS       float64 `env:"SPINE_ENGINE_RPS" envDefault:"10"`
	Burst     int     `env:"SPINE_ENGINE_BURST" envDefault:"5"`
}

func (e EngineConfig) Enabled() bool {
	return e.BaseURL != "" && e.BaseURL != "test"
}

type StoreConfig struct {
	Kind        string `env:"SPINE_STORE" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SPINE_SQLITE_PATH" envDefault:"spine.db"`
}

// MCPConfig is the identity the stdio MCP session acts as for resource reads.
type MCPConfig struct {
	Role  string `env:"SPINE_MCP_ROLE" envDefault:"creator"`
	Model string `env:"SPINE_MCP_MODEL"`
}

type OTelConfig struct {
	Enabled  bool   `env:"SPINE_OTEL_ENABLED" envDefault:"false"`
	Endpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
}

// raw is the environment as read. Fields that are validated with a warning
// are kept as strings here.
type raw struct {
	Port           string        `env:"MCP_SPINE_PORT"`
	Environment    string        `env:"SERVICE_ENV"`
	LogLevel       string        `env:"LOG_LEVEL"`
	LogFormat      string        `env:"SPINE_LOG_FORMAT"`
	AccessToken    string        `env:"MCP_SPINE_ACCESS_TOKEN"`
	RateLimit      string        `env:"MCP_RATE_LIMIT_PER_MINUTE"`
	RateWindow     time.Duration `env:"SPINE_RATE_WINDOW" envDefault:"1m"`
	RequestTimeout time.Duration `env:"SPINE_REQUEST_TIMEOUT" envDefault:"15s"`
	ScopesFile     string        `env:"SPINE_SCOPES_FILE"`
	GateRulesFile  string        `env:"SPINE_GATE_RULES_FILE"`
	JWTSecret      string        `env:"SPINE_JWT_SECRET"`

	Redis  RedisConfig
	Engine EngineConfig
	Store  StoreConfig
	MCP    MCPConfig
	OTel   OTelConfig
}

// Load reads the process environment. It errors only when a typed value
// (durations, numbers outside the validated set) cannot be parsed at all.
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom reads the given variables instead of the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (*Config, error) {
	var r raw
	if err := env.ParseWithOptions(&r, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{
		ServiceName:    "mcp-spine",
		AccessToken:    strings.TrimSpace(r.AccessToken),
		RateWindow:     r.RateWindow,
		RequestTimeout: r.RequestTimeout,
		Redis:          r.Redis,
		Engine:         r.Engine,
		Store:          r.Store,
		MCP:            r.MCP,
		OTel:           r.OTel,
		ScopesFile:     strings.TrimSpace(r.ScopesFile),
		GateRulesFile:  strings.TrimSpace(r.GateRulesFile),
		JWTSecret:      strings.TrimSpace(r.JWTSecret),
	}
	cfg.Engine.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Engine.BaseURL), "/")

	cfg.Port = cfg.positive(r.Port, DefaultPort, 65535,
		"MCP_SPINE_PORT must be an integer between 1 and 65535. Received %q. Using default %d.")
	cfg.RateLimitPerMinute = cfg.positive(r.RateLimit, DefaultRateLimit, 0,
		"MCP_RATE_LIMIT_PER_MINUTE must be a positive integer. Received %q. Using default %d.")
	cfg.Environment = cfg.oneOf(r.Environment, "SERVICE_ENV", environments, "development")
	cfg.LogLevel = cfg.oneOf(r.LogLevel, "LOG_LEVEL", logLevels, "info")
	cfg.LogFormat = cfg.oneOf(r.LogFormat, "SPINE_LOG_FORMAT", logFormats, "json")
	cfg.Store.Kind = cfg.oneOf(cfg.Store.Kind, "SPINE_STORE", storeKinds, "memory")

	if cfg.RateWindow <= 0 {
		cfg.warn("SPINE_RATE_WINDOW must be positive. Received %q. Using default 1m0s.", r.RateWindow)
		cfg.RateWindow = time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.warn("SPINE_REQUEST_TIMEOUT must be positive. Received %q. Using default 15s.", r.RequestTimeout)
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Store.Kind == "postgres" && cfg.Store.DatabaseURL == "" {
		cfg.warn("SPINE_STORE is postgres but DATABASE_URL is empty. Using memory store.")
		cfg.Store.Kind = "memory"
	}
	if cfg.Engine.ProjectID == "" {
		cfg.Engine.ProjectID = DefaultProjectID
	}
	if cfg.Engine.RPS < 0 || cfg.Engine.Burst < 0 {
		cfg.warn("SPINE_ENGINE_RPS and SPINE_ENGINE_BURST must not be negative. Using defaults 10 and 5.")
		cfg.Engine.RPS, cfg.Engine.Burst = 10, 5
	}
	return cfg, nil
}

func (c *Config) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// positive parses an integer in [1, max]; max 0 means unbounded.
func (c *Config) positive(value string, def, max int, msg string) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 || (max > 0 && n > max) {
		c.warn(msg, value, def)
		return def
	}
	return n
}

func (c *Config) oneOf(value, name string, allowed []string, def string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	normalized := strings.ToLower(value)
	if !slices.Contains(allowed, normalized) {
		c.warn("%s must be one of %s. Received %q. Using default %s.", name, strings.Join(allowed, ", "), value, def)
		return def
	}
	return normalized
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
