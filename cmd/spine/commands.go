package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/naos-labs/spine/pkg/canongate"
	"github.com/naos-labs/spine/pkg/narrative"
	"github.com/naos-labs/spine/pkg/orchestrator"
	"github.com/naos-labs/spine/pkg/proposal"
	"github.com/naos-labs/spine/pkg/schema"
	"github.com/naos-labs/spine/pkg/scopes"
)

// runValidate runs the submission pipeline on a proposal file without
// storing or applying it. Exit code 1 means the proposal would be rejected.
func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("f", "", "proposal JSON file with title, author and payload")
	remote := fs.Bool("remote", false, "also run the engine snapshot check (needs NAOS_WEB_API_BASE)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		_, _ = fmt.Fprintln(stderr, "Usage: spine validate -f <proposal.json> [-remote]")
		return 2
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read proposal: %v\n", err)
		return 2
	}
	var in proposal.CreateInput
	if err := json.Unmarshal(data, &in); err != nil {
		_, _ = fmt.Fprintf(stderr, "decode proposal: %v\n", err)
		return 2
	}

	cfg, logger, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}

	gateOpts := []canongate.Option{canongate.WithLogger(logger)}
	if cfg.GateRulesFile != "" {
		rules, err := canongate.LoadRules(cfg.GateRulesFile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "gate rules: %v\n", err)
			return 2
		}
		gateOpts = append(gateOpts, canongate.WithRules(rules))
	}
	if *remote {
		if !cfg.Engine.Enabled() {
			_, _ = fmt.Fprintln(stderr, "-remote requires NAOS_WEB_API_BASE")
			return 2
		}
		client := narrative.NewClient(cfg.Engine.BaseURL, cfg.Engine.ProjectID,
			narrative.WithRateLimit(cfg.Engine.RPS, cfg.Engine.Burst),
			narrative.WithLogger(logger),
		)
		gateOpts = append(gateOpts, canongate.WithSnapshotter(client))
	}

	svc := orchestrator.New(proposal.NewMemoryStore(), canongate.New(gateOpts...),
		orchestrator.WithSchema(schema.MustNew()),
		orchestrator.WithLogger(logger),
	)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout+5*time.Second)
	defer cancel()
	p, err := svc.Create(ctx, in)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "validate: %v\n", err)
		return 2
	}

	if err := writeJSON(stdout, p.Summarize(string(scopes.ProposalValidate))); err != nil {
		_, _ = fmt.Fprintf(stderr, "write result: %v\n", err)
		return 2
	}
	if !p.Validation.Passed() {
		return 1
	}
	return 0
}

type scopeReport struct {
	Role   string   `json:"role"`
	Model  string   `json:"model"`
	Known  bool     `json:"known"`
	Scopes []string `json:"scopes"`
}

type scopeTables struct {
	Scopes []string            `json:"scopes"`
	Roles  map[string][]string `json:"roles"`
	Models map[string][]string `json:"models"`
}

// runScopes prints either the effective scopes of one caller or the whole
// role and model tables.
func runScopes(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scopes", flag.ContinueOnError)
	fs.SetOutput(stderr)
	role := fs.String("role", "", "role to resolve")
	model := fs.String("model", "", "model tier to resolve")
	file := fs.String("file", os.Getenv("SPINE_SCOPES_FILE"), "scope tables YAML (default embedded)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	reg := scopes.Default()
	if *file != "" {
		var err error
		if reg, err = scopes.LoadFile(*file); err != nil {
			_, _ = fmt.Fprintf(stderr, "scopes: %v\n", err)
			return 1
		}
	}

	var out any
	if *role != "" || *model != "" {
		out = scopeReport{
			Role:   *role,
			Model:  *model,
			Known:  reg.Known(*role, *model),
			Scopes: reg.Effective(*role, *model).Strings(),
		}
	} else {
		tables := scopeTables{Roles: map[string][]string{}, Models: map[string][]string{}}
		for _, s := range reg.Scopes() {
			tables.Scopes = append(tables.Scopes, string(s))
		}
		for name := range reg.Roles() {
			tables.Roles[name] = reg.ForRole(name).Strings()
		}
		for name := range reg.Models() {
			tables.Models[name] = reg.ForModel(name).Strings()
		}
		sort.Strings(tables.Scopes)
		out = tables
	}
	if err := writeJSON(stdout, out); err != nil {
		_, _ = fmt.Fprintf(stderr, "write result: %v\n", err)
		return 1
	}
	return 0
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
