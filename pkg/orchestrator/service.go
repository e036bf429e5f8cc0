// Package orchestrator is the capability-facing entry point for proposals.
// It creates records, runs schema and canon-gate validation, advances the
// lifecycle, and applies accepted events to the narrative engine one by one.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/naos-labs/spine/pkg/narrative"
	"github.com/naos-labs/spine/pkg/proposal"
	"github.com/naos-labs/spine/pkg/schema"
)

// MsgGateBlocked is returned for an apply on a proposal whose validation did
// not pass.
const MsgGateBlocked = "Canon gate failed; proposal cannot be applied."

const pipelineActor = "pipeline"

// ErrNoEngine is returned by Apply when no narrative engine is configured.
var ErrNoEngine = errors.New("narrative engine not configured")

// Outcome classifies an apply attempt.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeBlocked    Outcome = "blocked"
	OutcomeFailed     Outcome = "failed"
	OutcomeInProgress Outcome = "in_progress"
)

// ApplyResult reports what an apply attempt did. AppliedEvents is the ordered
// prefix of events the engine accepted, including on failure.
type ApplyResult struct {
	ProposalID    string          `json:"proposal_id"`
	Outcome       Outcome         `json:"outcome"`
	Status        proposal.Status `json:"status"`
	AppliedEvents []string        `json:"applied_events"`
	Error         string          `json:"error,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// Validator is the canon gate.
type Validator interface {
	Validate(ctx context.Context, p *proposal.Proposal) proposal.Validation
}

// LocalValidator is implemented by gates that can check a proposal without
// remote calls. Those checks still run when the structural schema fails.
type LocalValidator interface {
	ValidateLocal(ctx context.Context, p *proposal.Proposal) proposal.Validation
}

// Engine accepts events for canon.
type Engine interface {
	ApplyEvent(ctx context.Context, proposalID string, ev narrative.Event) error
}

// Service owns no state besides the per-proposal claims held by Apply and
// Revalidate; records live in the store.
type Service struct {
	store   proposal.Store
	gate    Validator
	schema  *schema.Validator
	engine  Engine
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics

	busy sync.Map // proposal id -> operation holding the claim
}

type Option func(*Service)

func WithSchema(v *schema.Validator) Option {
	return func(s *Service) { s.schema = v }
}

func WithEngine(e Engine) Option {
	return func(s *Service) { s.engine = e }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMeter(m metric.Meter) Option {
	return func(s *Service) { s.metrics = newMetrics(m) }
}

func New(store proposal.Store, gate Validator, opts ...Option) *Service {
	s := &Service{
		store: store,
		gate:  gate,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "orchestrator")
	if s.metrics == nil {
		s.metrics = newMetrics(otel.Meter("github.com/naos-labs/spine/pkg/orchestrator"))
	}
	return s
}

// Create stores a new proposal and validates it immediately. The returned
// record reflects the post-validation state.
func (s *Service) Create(ctx context.Context, in proposal.CreateInput) (*proposal.Proposal, error) {
	p, err := s.store.Create(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}
	s.metrics.created.Add(ctx, 1)
	s.logger.InfoContext(ctx, "proposal.created",
		"proposal_id", p.ID,
		"author_role", p.Author.Role,
		"author_model", p.Author.Model,
		"request_id", p.Author.RequestID,
		"events", len(p.Payload.CanonEvents),
	)
	return s.runValidation(ctx, p)
}

func (s *Service) Get(ctx context.Context, id string) (*proposal.Proposal, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Audit(ctx context.Context, id string) ([]proposal.AuditEntry, error) {
	return s.store.Audit(ctx, id)
}

// Revalidate re-runs the pipeline on the unchanged payload of a submitted or
// validated proposal. It is refused while an apply holds the proposal.
func (s *Service) Revalidate(ctx context.Context, id string) (*proposal.Proposal, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != proposal.StatusSubmitted && p.Status != proposal.StatusValidated {
		return nil, fmt.Errorf("%w: cannot revalidate a %s proposal", proposal.ErrInvalidTransition, p.Status)
	}
	if op, held := s.busy.LoadOrStore(id, "revalidate"); held {
		return nil, fmt.Errorf("%w: %s is running for proposal %s", proposal.ErrInvalidTransition, op, id)
	}
	defer s.busy.Delete(id)

	p, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.runValidation(ctx, p)
}

func (s *Service) runValidation(ctx context.Context, p *proposal.Proposal) (*proposal.Proposal, error) {
	v := s.validate(ctx, p)
	next := proposal.StatusSubmitted
	if v.Passed() {
		next = proposal.StatusValidated
	}
	updated, err := s.store.UpdateStatus(ctx, p.ID, next, proposal.Update{
		ExpectedStatus: p.Status,
		Validation:     &v,
		Actor:          pipelineActor,
	})
	if err != nil {
		return nil, fmt.Errorf("record validation: %w", err)
	}
	s.metrics.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(v.Status))))
	s.logger.InfoContext(ctx, "proposal.validated",
		"proposal_id", updated.ID,
		"status", updated.Status,
		"validation_status", updated.Validation.Status,
		"errors", len(updated.Validation.Errors),
		"warnings", len(updated.Validation.Warnings),
	)
	return updated, nil
}

// validate runs the structural schema first. A malformed record never reaches
// the engine, but local gate findings are reported alongside schema errors.
func (s *Service) validate(ctx context.Context, p *proposal.Proposal) proposal.Validation {
	if s.schema == nil {
		return s.gate.Validate(ctx, p)
	}
	var schemaErrs []string
	res, err := s.schema.ValidateValue(p)
	switch {
	case err != nil:
		schemaErrs = []string{err.Error()}
	case !res.Valid:
		schemaErrs = res.Errors
	default:
		return s.gate.Validate(ctx, p)
	}

	v := proposal.Validation{Status: proposal.ValidationFailed, Errors: append([]string{}, schemaErrs...), Warnings: []string{}}
	lv, ok := s.gate.(LocalValidator)
	if !ok {
		return v
	}
	local := lv.ValidateLocal(ctx, p)
	v.Errors = appendUnique(v.Errors, local.Errors...)
	v.Warnings = appendUnique(v.Warnings, local.Warnings...)
	return v
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		if !slices.Contains(dst, it) {
			dst = append(dst, it)
		}
	}
	return dst
}

// Apply pushes a validated proposal's events to the engine in order and stops
// at the first failure. Application is not atomic: the accepted prefix is
// returned and persisted on the proposal either way. Once the first event is
// posted the loop ignores caller cancellation.
func (s *Service) Apply(ctx context.Context, id, actor string) (*ApplyResult, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Validation.Passed() {
		s.metrics.applies.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(OutcomeBlocked))))
		s.logger.InfoContext(ctx, "proposal.blocked",
			"proposal_id", p.ID,
			"status", p.Status,
			"validation_status", p.Validation.Status,
		)
		return &ApplyResult{
			ProposalID:    p.ID,
			Outcome:       OutcomeBlocked,
			Status:        p.Status,
			AppliedEvents: []string{},
			Message:       MsgGateBlocked,
		}, nil
	}
	if s.engine == nil {
		return nil, ErrNoEngine
	}

	if op, held := s.busy.LoadOrStore(id, "apply"); held {
		return &ApplyResult{
			ProposalID:    p.ID,
			Outcome:       OutcomeInProgress,
			Status:        p.Status,
			AppliedEvents: []string{},
			Message:       fmt.Sprintf("Proposal is held by a running %s.", op),
		}, nil
	}
	defer s.busy.Delete(id)

	// Re-read under the claim so a finished concurrent apply is seen.
	p, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != proposal.StatusValidated {
		return nil, fmt.Errorf("%w: cannot apply a %s proposal", proposal.ErrInvalidTransition, p.Status)
	}

	ctx = context.WithoutCancel(ctx)
	started := s.now()
	applied := make([]string, 0, len(p.Payload.CanonEvents))
	var applyErr string
	for _, ev := range p.Payload.CanonEvents {
		if err := s.engine.ApplyEvent(ctx, p.ID, narrative.TranslateEvent(ev, s.now())); err != nil {
			applyErr = fmt.Sprintf("Failed to apply event %s: %v", ev.EventID, err)
			break
		}
		applied = append(applied, ev.EventID)
	}

	record := &proposal.ApplyRecord{AppliedEvents: applied, Error: applyErr, AttemptedAt: started}
	next, outcome := proposal.StatusApplied, OutcomeApplied
	if applyErr != "" {
		next, outcome = proposal.StatusValidated, OutcomeFailed
	}
	updated, err := s.store.UpdateStatus(ctx, p.ID, next, proposal.Update{
		ExpectedStatus: proposal.StatusValidated,
		Apply:          record,
		Actor:          actor,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "apply record not persisted",
			"proposal_id", p.ID,
			"applied_events", applied,
			"apply_error", applyErr,
			"error", err,
		)
		s.metrics.applies.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(OutcomeFailed))))
		return s.unrecorded(ctx, p, applied, applyErr, err), nil
	}
	s.metrics.applies.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))

	res := &ApplyResult{
		ProposalID:    updated.ID,
		Outcome:       outcome,
		Status:        updated.Status,
		AppliedEvents: applied,
		Error:         applyErr,
	}
	if outcome == OutcomeFailed {
		res.Message = fmt.Sprintf("Applied %d of %d events before failure.", len(applied), len(p.Payload.CanonEvents))
		s.logger.WarnContext(ctx, "proposal.apply_failed",
			"proposal_id", p.ID,
			"applied_events", applied,
			"error", applyErr,
		)
		return res, nil
	}
	res.Message = "Proposal applied to narrative engine."
	s.logger.InfoContext(ctx, "proposal.applied",
		"proposal_id", p.ID,
		"applied_events", applied,
	)
	return res, nil
}

// unrecorded reports an apply whose engine calls happened but whose record
// write failed. The engine's accepted prefix is still returned.
func (s *Service) unrecorded(ctx context.Context, p *proposal.Proposal, applied []string, applyErr string, recordErr error) *ApplyResult {
	status := p.Status
	if cur, err := s.store.Get(ctx, p.ID); err == nil {
		status = cur.Status
	}
	msg := fmt.Sprintf("Apply record not persisted: %v", recordErr)
	if applyErr != "" {
		msg = applyErr + "; " + msg
	}
	return &ApplyResult{
		ProposalID:    p.ID,
		Outcome:       OutcomeFailed,
		Status:        status,
		AppliedEvents: applied,
		Error:         msg,
		Message:       fmt.Sprintf("Applied %d of %d events; the apply record was not saved.", len(applied), len(p.Payload.CanonEvents)),
	}
}
