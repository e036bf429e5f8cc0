// Package proposal defines the proposal record, its lifecycle and the stores
// that own it.
package proposal

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// SchemaV1 is the only structural schema version currently issued.
const SchemaV1 = "v1"

// Status defines the lifecycle of a proposal.
type Status string

// Status constants.
const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusValidated Status = "validated"
	StatusApplied   Status = "applied"
	StatusArchived  Status = "archived"
)

// ValidationStatus is the outcome of the validation pipeline.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationPassed  ValidationStatus = "passed"
	ValidationFailed  ValidationStatus = "failed"
)

// Author identifies who submitted a proposal.
type Author struct {
	Model     string `json:"model"`
	Role      string `json:"role"`
	RequestID string `json:"request_id,omitempty"`
}

// CanonEvent is one narrative event a proposal asks to add. Content is opaque
// to the spine and interpreted by the narrative engine.
type CanonEvent struct {
	EventID      string         `json:"event_id"`
	Type         string         `json:"type"`
	Dependencies []string       `json:"dependencies"`
	Content      map[string]any `json:"content"`
}

// Payload carries the proposed events in submission order.
type Payload struct {
	CanonEvents []CanonEvent `json:"canon_events"`
}

// Validation is the recorded pipeline result.
type Validation struct {
	Status   ValidationStatus `json:"status"`
	Errors   []string         `json:"errors"`
	Warnings []string         `json:"warnings"`
}

// PendingValidation is the state every new proposal starts in.
func PendingValidation() Validation {
	return Validation{Status: ValidationPending, Errors: []string{}, Warnings: []string{}}
}

// Passed reports whether the pipeline accepted the proposal.
func (v Validation) Passed() bool { return v.Status == ValidationPassed }

// ApplyRecord keeps the extent of the last apply attempt, including partial
// application.
type ApplyRecord struct {
	AppliedEvents []string  `json:"applied_events"`
	Error         string    `json:"error,omitempty"`
	AttemptedAt   time.Time `json:"attempted_at"`
}

// Proposal is the unit of change under review.
type Proposal struct {
	ID            string       `json:"proposal_id"`
	SchemaVersion string       `json:"schema_version"`
	Status        Status       `json:"status"`
	Title         string       `json:"title"`
	Author        Author       `json:"author"`
	Payload       Payload      `json:"payload"`
	Validation    Validation   `json:"validation"`
	Apply         *ApplyRecord `json:"apply,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// CreateInput is what a caller submits.
type CreateInput struct {
	Title   string  `json:"title"`
	Author  Author  `json:"author"`
	Payload Payload `json:"payload"`
}

// Update describes one lifecycle write.
type Update struct {
	// ExpectedStatus, when set, makes the write fail with ErrStaleStatus if the
	// stored status has moved on since the caller read it.
	ExpectedStatus Status
	Validation     *Validation
	Apply          *ApplyRecord
	Actor          string
}

// AuditEntry is one line of a proposal's lifecycle history.
type AuditEntry struct {
	ProposalID string    `json:"proposal_id"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Summary is the view returned to capability callers: the lifecycle state and
// validation result under the scope that produced it.
type Summary struct {
	ProposalID string     `json:"proposal_id"`
	Status     Status     `json:"status"`
	Scope      string     `json:"scope"`
	Validation Validation `json:"validation"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Summarize builds the caller view of p under scope.
func (p *Proposal) Summarize(scope string) Summary {
	return Summary{
		ProposalID: p.ID,
		Status:     p.Status,
		Scope:      scope,
		Validation: p.Validation.Clone(),
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

// transitions lists the status moves a store accepts.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusSubmitted},
	StatusSubmitted: {StatusSubmitted, StatusValidated, StatusArchived},
	StatusValidated: {StatusSubmitted, StatusValidated, StatusApplied, StatusArchived},
	StatusApplied:   {StatusArchived},
	StatusArchived:  {},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func newProposal(id string, in CreateInput, now time.Time) *Proposal {
	in = Normalize(in)
	return &Proposal{
		ID:            id,
		SchemaVersion: SchemaV1,
		Status:        StatusSubmitted,
		Title:         in.Title,
		Author:        in.Author,
		Payload:       in.Payload,
		Validation:    PendingValidation(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Normalize trims and NFC-normalizes identifiers so visually identical ids
// compare equal. Content is left untouched.
func Normalize(in CreateInput) CreateInput {
	out := CreateInput{
		Title: nfc(in.Title),
		Author: Author{
			Model:     strings.TrimSpace(in.Author.Model),
			Role:      strings.TrimSpace(in.Author.Role),
			RequestID: strings.TrimSpace(in.Author.RequestID),
		},
		Payload: Payload{CanonEvents: make([]CanonEvent, 0, len(in.Payload.CanonEvents))},
	}
	for _, ev := range in.Payload.CanonEvents {
		deps := make([]string, 0, len(ev.Dependencies))
		for _, d := range ev.Dependencies {
			deps = append(deps, nfc(d))
		}
		content := ev.Content
		if content == nil {
			content = map[string]any{}
		}
		out.Payload.CanonEvents = append(out.Payload.CanonEvents, CanonEvent{
			EventID:      nfc(ev.EventID),
			Type:         nfc(ev.Type),
			Dependencies: deps,
			Content:      cloneMap(content),
		})
	}
	return out
}

func nfc(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Clone returns a deep copy.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	out := *p
	out.Payload = Payload{CanonEvents: make([]CanonEvent, len(p.Payload.CanonEvents))}
	for i, ev := range p.Payload.CanonEvents {
		out.Payload.CanonEvents[i] = CanonEvent{
			EventID:      ev.EventID,
			Type:         ev.Type,
			Dependencies: append([]string{}, ev.Dependencies...),
			Content:      cloneMap(ev.Content),
		}
	}
	out.Validation = p.Validation.Clone()
	if p.Apply != nil {
		a := *p.Apply
		a.AppliedEvents = append([]string{}, p.Apply.AppliedEvents...)
		out.Apply = &a
	}
	return &out
}

// Clone returns a copy with non-nil slices.
func (v Validation) Clone() Validation {
	return Validation{
		Status:   v.Status,
		Errors:   append([]string{}, v.Errors...),
		Warnings: append([]string{}, v.Warnings...),
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
