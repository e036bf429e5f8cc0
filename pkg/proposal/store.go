package proposal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for an unknown proposal id.
	ErrNotFound = errors.New("proposal not found")
	// ErrInvalidTransition is returned for a status move outside the lifecycle table.
	ErrInvalidTransition = errors.New("proposal lifecycle transition invalid")
	// ErrValidationRequired is returned when moving to applied without a passed validation.
	ErrValidationRequired = errors.New("proposal validation has not passed")
	// ErrStaleStatus is returned when Update.ExpectedStatus no longer matches.
	ErrStaleStatus = errors.New("proposal status changed concurrently")
)

// Store owns proposal records. Implementations hand out deep copies only and
// apply each UpdateStatus as one atomic write per proposal.
type Store interface {
	Create(ctx context.Context, in CreateInput) (*Proposal, error)
	Get(ctx context.Context, id string) (*Proposal, error)
	UpdateStatus(ctx context.Context, id string, next Status, u Update) (*Proposal, error)
	Audit(ctx context.Context, id string) ([]AuditEntry, error)
}

// applyUpdate checks and applies one transition to p in place. Shared by all
// store implementations so the lifecycle rules live in one place.
func applyUpdate(p *Proposal, next Status, u Update, now time.Time) (AuditEntry, error) {
	if u.ExpectedStatus != "" && p.Status != u.ExpectedStatus {
		return AuditEntry{}, fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, u.ExpectedStatus, p.Status)
	}
	if !CanTransition(p.Status, next) {
		return AuditEntry{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, next)
	}

	validation := p.Validation
	if u.Validation != nil {
		validation = u.Validation.Clone()
	}
	if next == StatusApplied && !validation.Passed() {
		return AuditEntry{}, ErrValidationRequired
	}

	p.Status = next
	p.Validation = validation
	if u.Apply != nil {
		a := *u.Apply
		a.AppliedEvents = append([]string{}, u.Apply.AppliedEvents...)
		p.Apply = &a
	}
	p.UpdatedAt = now

	return AuditEntry{
		ProposalID: p.ID,
		Action:     "status:" + string(next),
		Actor:      u.Actor,
		Detail:     describeUpdate(u),
		At:         now,
	}, nil
}

func describeUpdate(u Update) string {
	var parts []string
	if u.Validation != nil {
		parts = append(parts, fmt.Sprintf("validation=%s errors=%d warnings=%d",
			u.Validation.Status, len(u.Validation.Errors), len(u.Validation.Warnings)))
	}
	if u.Apply != nil {
		parts = append(parts, fmt.Sprintf("applied_events=%d", len(u.Apply.AppliedEvents)))
		if u.Apply.Error != "" {
			parts = append(parts, "apply_error="+u.Apply.Error)
		}
	}
	return strings.Join(parts, " ")
}

func createdEntry(p *Proposal) AuditEntry {
	return AuditEntry{
		ProposalID: p.ID,
		Action:     "created",
		Actor:      p.Author.Role + "/" + p.Author.Model,
		Detail:     fmt.Sprintf("events=%d", len(p.Payload.CanonEvents)),
		At:         p.CreatedAt,
	}
}
