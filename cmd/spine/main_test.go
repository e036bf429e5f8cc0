package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEngineEnv(t *testing.T) {
	t.Helper()
	t.Setenv("NAOS_WEB_API_BASE", "")
	t.Setenv("SPINE_GATE_RULES_FILE", "")
	t.Setenv("SPINE_SCOPES_FILE", "")
	t.Setenv("LOG_LEVEL", "error")
}

func writeProposal(t *testing.T, events ...map[string]any) string {
	t.Helper()
	doc := map[string]any{
		"title":   "Storm over the harbour",
		"author":  map[string]any{"role": "creator", "model": "sonnet"},
		"payload": map[string]any{"canon_events": events},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "proposal.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func event(id string, deps ...string) map[string]any {
	if deps == nil {
		deps = []string{}
	}
	return map[string]any{
		"event_id":     id,
		"type":         "scene",
		"dependencies": deps,
		"content":      map[string]any{"description": "The storm reaches the harbour."},
	}
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"spine", "version"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Equal(t, "spine dev\n", stdout.String())
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"spine", "help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "validate")
	assert.Contains(t, stdout.String(), "scopes")
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"spine", "frobnicate"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Unknown command: frobnicate")
}

func TestRun_DefaultsToServe(t *testing.T) {
	orig := serveCmd
	t.Cleanup(func() { serveCmd = orig })

	var gotArgs [][]string
	serveCmd = func(args []string, _, _ io.Writer) int {
		gotArgs = append(gotArgs, args)
		return 0
	}

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, Run([]string{"spine"}, &stdout, &stderr))
	assert.Equal(t, 0, Run([]string{"spine", "-addr", ":0"}, &stdout, &stderr))
	assert.Equal(t, 0, Run([]string{"spine", "serve"}, &stdout, &stderr))
	require.Len(t, gotArgs, 3)
	assert.Equal(t, []string{"-addr", ":0"}, gotArgs[1])
}

func TestRun_MCPDispatch(t *testing.T) {
	orig := mcpCmd
	t.Cleanup(func() { mcpCmd = orig })

	called := false
	mcpCmd = func(args []string, _, _ io.Writer) int {
		called = true
		assert.Equal(t, []string{"-role", "editor_reviewer"}, args)
		return 0
	}
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, Run([]string{"spine", "mcp", "-role", "editor_reviewer"}, &stdout, &stderr))
	assert.True(t, called)
}

func TestRun_ScopesForCaller(t *testing.T) {
	clearEngineEnv(t)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"spine", "scopes", "-role", "creator", "-model", "haiku"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var report scopeReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.True(t, report.Known)
	assert.Contains(t, report.Scopes, "proposal:create")
	assert.NotContains(t, report.Scopes, "proposal:apply")
}

func TestRun_ScopesTables(t *testing.T) {
	clearEngineEnv(t)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"spine", "scopes"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var tables scopeTables
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &tables))
	assert.Len(t, tables.Scopes, 12)
	assert.Equal(t, []string{"listener:summary:read"}, tables.Roles["listener_support"])
	assert.Contains(t, tables.Roles["automation_service"], "proposal:apply")
	assert.Contains(t, tables.Models["opus"], "proposal:validate")
}

func TestRun_ScopesUnknownCaller(t *testing.T) {
	clearEngineEnv(t)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"spine", "scopes", "-role", "intruder"}, &stdout, &stderr)
	require.Equal(t, 0, code)

	var report scopeReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.False(t, report.Known)
	assert.Empty(t, report.Scopes)
}

func TestRun_ValidatePasses(t *testing.T) {
	clearEngineEnv(t)
	path := writeProposal(t, event("evt-1"), event("evt-2", "evt-1"))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"spine", "validate", "-f", path}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var out map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, "validated", out["status"])
	assert.Equal(t, "proposal:validate", out["scope"])
}

func TestRun_ValidateRejects(t *testing.T) {
	clearEngineEnv(t)
	path := writeProposal(t, event("evt-1"), event("evt-1"))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"spine", "validate", "-f", path}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), "Canonical event IDs must be unique.")
	assert.Contains(t, stdout.String(), `"submitted"`)
}

func TestRun_ValidateUsage(t *testing.T) {
	clearEngineEnv(t)
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"spine", "validate"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage: spine validate")

	stderr.Reset()
	path := writeProposal(t, event("evt-1"))
	assert.Equal(t, 2, Run([]string{"spine", "validate", "-f", path, "-remote"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "NAOS_WEB_API_BASE")
}
