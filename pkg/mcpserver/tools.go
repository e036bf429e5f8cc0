package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/naos-labs/spine/pkg/api"
	"github.com/naos-labs/spine/pkg/auth"
	"github.com/naos-labs/spine/pkg/orchestrator"
	"github.com/naos-labs/spine/pkg/proposal"
	"github.com/naos-labs/spine/pkg/ratelimit"
	"github.com/naos-labs/spine/pkg/scopes"
)

func caller(role, model string) auth.Identity {
	return auth.Identity{Role: strings.TrimSpace(role), Model: strings.TrimSpace(model)}
}

// ProposalCreateInput represents the MCP tool input for submitting a proposal.
type ProposalCreateInput struct {
	Role    string           `json:"role" jsonschema:"acting role, e.g. creator or automation_service"`
	Model   string           `json:"model,omitempty" jsonschema:"model capability tier, e.g. opus, sonnet, haiku"`
	Title   string           `json:"title" jsonschema:"short human-readable title"`
	Author  *proposal.Author `json:"author,omitempty" jsonschema:"submitting identity; must match the caller and defaults to it"`
	Payload proposal.Payload `json:"payload" jsonschema:"canon events to add, in submission order"`
}

// ProposalIDInput selects one proposal.
type ProposalIDInput struct {
	Role       string `json:"role" jsonschema:"acting role, e.g. creator or automation_service"`
	Model      string `json:"model,omitempty" jsonschema:"model capability tier, e.g. opus, sonnet, haiku"`
	ProposalID string `json:"proposal_id" jsonschema:"proposal identifier"`
}

// RateLimitCheckInput represents the MCP tool input for a rate-limit check.
type RateLimitCheckInput struct {
	Role       string `json:"role" jsonschema:"acting role, e.g. creator or automation_service"`
	Model      string `json:"model,omitempty" jsonschema:"model capability tier, e.g. opus, sonnet, haiku"`
	Capability string `json:"capability" jsonschema:"capability being called, e.g. proposal:create"`
}

// ValidationResult is the recorded pipeline outcome.
type ValidationResult struct {
	Status   string   `json:"status" jsonschema:"pending, passed or failed"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ProposalResult is the caller view of a proposal after a tool call.
type ProposalResult struct {
	ProposalID string           `json:"proposal_id"`
	Status     string           `json:"status" jsonschema:"draft, submitted, validated, applied or archived"`
	Scope      string           `json:"scope" jsonschema:"scope the call was made under"`
	Validation ValidationResult `json:"validation"`
	CreatedAt  string           `json:"created_at" jsonschema:"RFC3339 timestamp"`
	UpdatedAt  string           `json:"updated_at" jsonschema:"RFC3339 timestamp"`
}

// ProposalRecord is the full stored proposal.
type ProposalRecord struct {
	Proposal      ProposalResult   `json:"proposal"`
	SchemaVersion string           `json:"schema_version"`
	Title         string           `json:"title"`
	Author        proposal.Author  `json:"author"`
	Payload       proposal.Payload `json:"payload"`
	AppliedEvents []string         `json:"applied_events" jsonschema:"event ids accepted by the engine on the last apply attempt"`
	ApplyError    string           `json:"apply_error,omitempty"`
}

// ApplyOutput reports an apply attempt.
type ApplyOutput struct {
	ProposalID    string   `json:"proposal_id"`
	Outcome       string   `json:"outcome" jsonschema:"applied, blocked, failed or in_progress"`
	Status        string   `json:"status"`
	AppliedEvents []string `json:"applied_events"`
	Error         string   `json:"error,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// RateLimitCheckResult reports a limiter decision.
type RateLimitCheckResult struct {
	Key       string `json:"key"`
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"reset_at" jsonschema:"RFC3339 timestamp when the window resets"`
}

func proposalCreateTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "proposal_create",
		Description: "Submits a proposal of canon events and validates it immediately. Requires proposal:create.",
	}
}

func proposalGetTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "proposal_get",
		Description: "Returns a stored proposal. Requires proposal:create or proposal:validate.",
	}
}

func proposalValidateTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "proposal_validate",
		Description: "Re-runs schema and canon gate validation on a submitted or validated proposal. Requires proposal:validate.",
	}
}

func proposalApplyTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "proposal_apply",
		Description: "Applies a validated proposal's events to the narrative engine in order. Application is not atomic. Requires proposal:apply.",
	}
}

func rateLimitCheckTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "rate_limit_check",
		Description: "Counts one call for the caller under a capability and reports whether it is allowed.",
	}
}

func (s *Server) handleProposalCreate(ctx context.Context, _ *mcp.CallToolRequest, input ProposalCreateInput) (*mcp.CallToolResult, ProposalResult, error) {
	id := caller(input.Role, input.Model)
	if err := s.gate(ctx, id, string(scopes.ProposalCreate), scopes.ProposalCreate); err != nil {
		return nil, ProposalResult{}, err
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, ProposalResult{}, fmt.Errorf("%s: title is required", api.CodeInvalidRequest)
	}
	author, err := id.Author(input.Author)
	if err != nil {
		return nil, ProposalResult{}, fmt.Errorf("%s: %v", api.CodeInvalidRequest, err)
	}

	p, err := s.proposals.Create(ctx, proposal.CreateInput{Title: input.Title, Author: author, Payload: input.Payload})
	if err != nil {
		return nil, ProposalResult{}, toolError(err)
	}
	return nil, resultFrom(p, scopes.ProposalCreate), nil
}

func (s *Server) handleProposalGet(ctx context.Context, _ *mcp.CallToolRequest, input ProposalIDInput) (*mcp.CallToolResult, ProposalRecord, error) {
	id := caller(input.Role, input.Model)
	if err := s.gate(ctx, id, "proposal:read"); err != nil {
		return nil, ProposalRecord{}, err
	}
	if !s.registry.Authorize([]scopes.Scope{scopes.ProposalCreate}, id.Role, id.Model) &&
		!s.registry.Authorize([]scopes.Scope{scopes.ProposalValidate}, id.Role, id.Model) {
		return nil, ProposalRecord{}, fmt.Errorf("%s: requires proposal:create or proposal:validate", api.CodeUnauthorizedScope)
	}

	p, err := s.proposals.Get(ctx, input.ProposalID)
	if err != nil {
		return nil, ProposalRecord{}, toolError(err)
	}
	rec := ProposalRecord{
		Proposal:      resultFrom(p, "proposal:read"),
		SchemaVersion: p.SchemaVersion,
		Title:         p.Title,
		Author:        p.Author,
		Payload:       p.Payload,
		AppliedEvents: []string{},
	}
	if p.Apply != nil {
		rec.AppliedEvents = append(rec.AppliedEvents, p.Apply.AppliedEvents...)
		rec.ApplyError = p.Apply.Error
	}
	return nil, rec, nil
}

func (s *Server) handleProposalValidate(ctx context.Context, _ *mcp.CallToolRequest, input ProposalIDInput) (*mcp.CallToolResult, ProposalResult, error) {
	if err := s.gate(ctx, caller(input.Role, input.Model), string(scopes.ProposalValidate), scopes.ProposalValidate); err != nil {
		return nil, ProposalResult{}, err
	}
	p, err := s.proposals.Revalidate(ctx, input.ProposalID)
	if err != nil {
		return nil, ProposalResult{}, toolError(err)
	}
	return nil, resultFrom(p, scopes.ProposalValidate), nil
}

func (s *Server) handleProposalApply(ctx context.Context, _ *mcp.CallToolRequest, input ProposalIDInput) (*mcp.CallToolResult, ApplyOutput, error) {
	id := caller(input.Role, input.Model)
	if err := s.gate(ctx, id, string(scopes.ProposalApply), scopes.ProposalApply); err != nil {
		return nil, ApplyOutput{}, err
	}
	actor := id.Role
	if id.Model != "" {
		actor += "/" + id.Model
	}
	res, err := s.proposals.Apply(ctx, input.ProposalID, actor)
	if err != nil {
		return nil, ApplyOutput{}, toolError(err)
	}
	return nil, applyOutput(res), nil
}

func (s *Server) handleRateLimitCheck(ctx context.Context, _ *mcp.CallToolRequest, input RateLimitCheckInput) (*mcp.CallToolResult, RateLimitCheckResult, error) {
	if strings.TrimSpace(input.Capability) == "" {
		return nil, RateLimitCheckResult{}, fmt.Errorf("%s: capability is required", api.CodeInvalidRequest)
	}
	if s.limiter == nil {
		return nil, RateLimitCheckResult{}, fmt.Errorf("%s: rate limiter is not configured", api.CodeInternal)
	}
	id := caller(input.Role, input.Model)
	key := ratelimit.Key(id.Role, id.Model, input.Capability)
	d, err := s.limiter.Check(ctx, key)
	if err != nil {
		return nil, RateLimitCheckResult{}, toolError(err)
	}
	return nil, RateLimitCheckResult{
		Key:       key,
		Allowed:   d.Allowed,
		Remaining: d.Remaining,
		ResetAt:   d.ResetAt.UTC().Format(time.RFC3339),
	}, nil
}

func resultFrom(p *proposal.Proposal, scope scopes.Scope) ProposalResult {
	v := p.Validation.Clone()
	return ProposalResult{
		ProposalID: p.ID,
		Status:     string(p.Status),
		Scope:      string(scope),
		Validation: ValidationResult{Status: string(v.Status), Errors: v.Errors, Warnings: v.Warnings},
		CreatedAt:  p.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:  p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func applyOutput(res *orchestrator.ApplyResult) ApplyOutput {
	applied := res.AppliedEvents
	if applied == nil {
		applied = []string{}
	}
	return ApplyOutput{
		ProposalID:    res.ProposalID,
		Outcome:       string(res.Outcome),
		Status:        string(res.Status),
		AppliedEvents: applied,
		Error:         res.Error,
		Message:       res.Message,
	}
}
