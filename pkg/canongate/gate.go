// Package canongate decides whether a proposal's events may enter canon.
//
// Stage A checks the proposal on its own and never does I/O. Stage B runs
// only when Stage A found no errors: it fetches the engine's snapshot and
// checks continuity over canon, already-proposed and the new events together.
package canongate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/naos-labs/spine/pkg/narrative"
	"github.com/naos-labs/spine/pkg/proposal"
)

const (
	MsgNoEvents        = "Proposal must include at least one canon event."
	MsgDuplicateIDs    = "Canonical event IDs must be unique."
	MsgSnapshotTimeout = "Canon snapshot fetch timed out"
	msgGateRejected    = "Canon gate reported failure."
)

// Snapshotter supplies the engine's current canon state.
type Snapshotter interface {
	FetchSnapshot(ctx context.Context) (*narrative.Snapshot, error)
}

// Result is the outcome of one stage.
type Result struct {
	Errors   []string
	Warnings []string
}

func (r Result) Passed() bool { return len(r.Errors) == 0 }

// Gate runs both stages. Without a Snapshotter only Stage A runs.
type Gate struct {
	rules     *RuleSet
	snapshots Snapshotter
	now       func() time.Time
	tracer    trace.Tracer
	logger    *slog.Logger
}

type Option func(*Gate)

func WithRules(rs *RuleSet) Option {
	return func(g *Gate) { g.rules = rs }
}

// WithSnapshotter enables Stage B.
func WithSnapshotter(s Snapshotter) Option {
	return func(g *Gate) { g.snapshots = s }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gate) { g.tracer = t }
}

func New(opts ...Option) *Gate {
	g := &Gate{
		now:    func() time.Time { return time.Now().UTC() },
		tracer: otel.Tracer("github.com/naos-labs/spine/pkg/canongate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "canongate")
	return g
}

// Remote reports whether Stage B is enabled.
func (g *Gate) Remote() bool { return g.snapshots != nil }

// Validate runs the pipeline and returns a binary verdict: passed with no
// errors, or failed with at least one.
func (g *Gate) Validate(ctx context.Context, p *proposal.Proposal) proposal.Validation {
	a := g.StageA(ctx, p)
	if !a.Passed() || g.snapshots == nil {
		return toValidation(a)
	}
	b := g.StageB(ctx, p)
	return toValidation(Result{
		Errors:   b.Errors,
		Warnings: append(a.Warnings, b.Warnings...),
	})
}

// ValidateLocal runs Stage A only. It never contacts the engine, so it is
// safe on records that failed structural checks.
func (g *Gate) ValidateLocal(ctx context.Context, p *proposal.Proposal) proposal.Validation {
	return toValidation(g.StageA(ctx, p))
}

func toValidation(r Result) proposal.Validation {
	v := proposal.Validation{
		Status:   proposal.ValidationPassed,
		Errors:   append([]string{}, r.Errors...),
		Warnings: append([]string{}, r.Warnings...),
	}
	if len(v.Errors) > 0 {
		v.Status = proposal.ValidationFailed
	}
	return v
}

// StageA checks the proposal's own events.
func (g *Gate) StageA(ctx context.Context, p *proposal.Proposal) Result {
	_, span := g.tracer.Start(ctx, "canongate.stage_a",
		trace.WithAttributes(attribute.String("proposal.id", p.ID)))
	defer span.End()

	res := Result{Errors: []string{}, Warnings: []string{}}
	events := p.Payload.CanonEvents
	if len(events) == 0 {
		res.Errors = append(res.Errors, MsgNoEvents)
		return res
	}

	counts := make(map[string]int, len(events))
	var order []string
	for _, ev := range events {
		if counts[ev.EventID] == 0 {
			order = append(order, ev.EventID)
		}
		counts[ev.EventID]++
	}
	if len(counts) != len(events) {
		res.Errors = append(res.Errors, MsgDuplicateIDs)
		for _, id := range order {
			if counts[id] > 1 {
				res.Errors = append(res.Errors, fmt.Sprintf("Event ID %s appears %d times.", id, counts[id]))
			}
		}
	}

	for _, ev := range events {
		for _, dep := range ev.Dependencies {
			if dep == ev.EventID {
				res.Errors = append(res.Errors, fmt.Sprintf("Event %s cannot depend on itself.", ev.EventID))
				break
			}
		}
		if len(ev.Dependencies) == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Event %s has no dependencies.", ev.EventID))
		}
	}

	ruleErrs, ruleWarns := g.rules.Evaluate(p)
	res.Errors = append(res.Errors, ruleErrs...)
	res.Warnings = append(res.Warnings, ruleWarns...)

	span.SetAttributes(attribute.Int("canongate.errors", len(res.Errors)))
	return res
}

// StageB checks the proposal against the engine's canon snapshot. Any fetch
// failure becomes a single validation error.
func (g *Gate) StageB(ctx context.Context, p *proposal.Proposal) Result {
	ctx, span := g.tracer.Start(ctx, "canongate.stage_b",
		trace.WithAttributes(attribute.String("proposal.id", p.ID)))
	defer span.End()

	res := Result{Errors: []string{}, Warnings: []string{}}
	if g.snapshots == nil {
		return res
	}

	snap, err := g.snapshots.FetchSnapshot(ctx)
	if err != nil {
		res.Errors = append(res.Errors, snapshotFailure(ctx, err))
		g.logger.WarnContext(ctx, "canon snapshot unavailable", "proposal_id", p.ID, "error", err)
		return res
	}

	candidates := snap.Candidates()
	candidates = append(candidates, narrative.TranslateEvents(p.Payload.CanonEvents, g.now())...)

	seen := make(map[string]struct{})
	addErr := func(msg string) {
		if _, dup := seen[msg]; dup {
			return
		}
		seen[msg] = struct{}{}
		res.Errors = append(res.Errors, msg)
	}
	for _, msg := range narrative.CheckContinuity(candidates).Messages() {
		addErr(msg)
	}
	for _, msg := range snap.CanonGate.Continuity.Messages() {
		addErr(msg)
	}

	for _, issue := range snap.CanonGate.PromiseIssues {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Narrative commitment %s: %s", issue.PromiseID, issue.Message))
	}
	res.Warnings = append(res.Warnings, snap.CanonGate.ListenerCognition.Issues...)

	if !snap.CanonGate.Passed && len(res.Errors) == 0 {
		res.Errors = append(res.Errors, msgGateRejected)
	}
	span.SetAttributes(
		attribute.Int("canongate.candidates", len(candidates)),
		attribute.Int("canongate.errors", len(res.Errors)),
	)
	return res
}

func snapshotFailure(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return MsgSnapshotTimeout
	}
	return "Canon snapshot unavailable: " + err.Error()
}
