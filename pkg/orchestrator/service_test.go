package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naos-labs/spine/pkg/canongate"
	"github.com/naos-labs/spine/pkg/narrative"
	"github.com/naos-labs/spine/pkg/proposal"
	"github.com/naos-labs/spine/pkg/schema"
)

type staticSnapshots struct{ snap *narrative.Snapshot }

func (s staticSnapshots) FetchSnapshot(context.Context) (*narrative.Snapshot, error) {
	return s.snap, nil
}

type recordingEngine struct {
	mu      sync.Mutex
	applied []string
	failOn  string
	block   chan struct{}
	calls   atomic.Int32
}

func (e *recordingEngine) ApplyEvent(ctx context.Context, proposalID string, ev narrative.Event) error {
	e.calls.Add(1)
	if e.block != nil {
		<-e.block
	}
	if ev.ID == e.failOn {
		return &narrative.HTTPError{StatusCode: 500, Body: "engine exploded"}
	}
	e.mu.Lock()
	e.applied = append(e.applied, ev.ID)
	e.mu.Unlock()
	return nil
}

func canonSnapshot() *narrative.Snapshot {
	return &narrative.Snapshot{
		CanonBuckets: narrative.CanonBuckets{Canon: []narrative.Event{
			{ID: "evt-0", Type: "scene", Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), CanonStatus: narrative.CanonCanon},
		}},
		CanonGate: narrative.CanonGateReport{Passed: true},
	}
}

func input(events ...proposal.CanonEvent) proposal.CreateInput {
	return proposal.CreateInput{
		Title:   "Arrival",
		Author:  proposal.Author{Model: "sonnet", Role: "creator", RequestID: "req-1"},
		Payload: proposal.Payload{CanonEvents: events},
	}
}

func event(id string, deps ...string) proposal.CanonEvent {
	return proposal.CanonEvent{EventID: id, Type: "scene", Dependencies: deps, Content: map[string]any{"description": "d"}}
}

func newService(engine Engine) *Service {
	gate := canongate.New(canongate.WithSnapshotter(staticSnapshots{snap: canonSnapshot()}))
	return New(proposal.NewMemoryStore(), gate, WithSchema(schema.MustNew()), WithEngine(engine))
}

func TestCreate_ValidatesImmediately(t *testing.T) {
	ctx := context.Background()
	svc := newService(&recordingEngine{})

	p, err := svc.Create(ctx, input(event("evt-1", "evt-0")))
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusValidated, p.Status)
	assert.Equal(t, proposal.ValidationPassed, p.Validation.Status)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, input(event("evt-1", "evt-0")).Payload, got.Payload)
	assert.Equal(t, p.Validation, got.Validation)
}

func TestCreate_FailedValidationStaysSubmitted(t *testing.T) {
	svc := newService(&recordingEngine{})
	p, err := svc.Create(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusSubmitted, p.Status)
	assert.Equal(t, proposal.ValidationFailed, p.Validation.Status)
	assert.Equal(t, []string{canongate.MsgNoEvents}, p.Validation.Errors)
}

func TestCreate_SchemaFailureReportsSchemaErrorsFirst(t *testing.T) {
	svc := newService(&recordingEngine{})
	in := input(event("evt-1", "evt-0"))
	in.Title = "   "
	p, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, proposal.ValidationFailed, p.Validation.Status)
	require.NotEmpty(t, p.Validation.Errors)
	assert.Contains(t, p.Validation.Errors[0], "/title")
}

func TestCreate_SchemaFailureStillRunsLocalChecks(t *testing.T) {
	snaps := &countingSnapshots{}
	svc := New(proposal.NewMemoryStore(), canongate.New(canongate.WithSnapshotter(snaps)), WithSchema(schema.MustNew()))

	in := input()
	in.Author = proposal.Author{Role: "creator"}
	p, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusSubmitted, p.Status)
	assert.Equal(t, proposal.ValidationFailed, p.Validation.Status)
	assert.Contains(t, p.Validation.Errors, canongate.MsgNoEvents)
	assert.True(t, slices.ContainsFunc(p.Validation.Errors, func(e string) bool {
		return strings.Contains(e, "/author/model")
	}), "%v", p.Validation.Errors)
	assert.Zero(t, snaps.calls.Load())
}

type countingSnapshots struct{ calls atomic.Int32 }

func (c *countingSnapshots) FetchSnapshot(context.Context) (*narrative.Snapshot, error) {
	c.calls.Add(1)
	return canonSnapshot(), nil
}

func TestApply_Blocked(t *testing.T) {
	ctx := context.Background()
	engine := &recordingEngine{}
	svc := newService(engine)

	p, err := svc.Create(ctx, input(event("evt-1", "evt-1")))
	require.NoError(t, err)
	require.Equal(t, proposal.ValidationFailed, p.Validation.Status)

	res, err := svc.Apply(ctx, p.ID, "creator/sonnet")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, MsgGateBlocked, res.Message)
	assert.Equal(t, proposal.StatusSubmitted, res.Status)
	assert.Zero(t, engine.calls.Load())

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.UpdatedAt, got.UpdatedAt)
}

func TestApply_AllEvents(t *testing.T) {
	ctx := context.Background()
	engine := &recordingEngine{}
	svc := newService(engine)

	p, err := svc.Create(ctx, input(event("evt-1", "evt-0"), event("evt-2", "evt-1")))
	require.NoError(t, err)

	res, err := svc.Apply(ctx, p.ID, "editor_reviewer/opus")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, proposal.StatusApplied, res.Status)
	assert.Equal(t, []string{"evt-1", "evt-2"}, res.AppliedEvents)
	assert.Equal(t, []string{"evt-1", "evt-2"}, engine.applied)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Apply)
	assert.Equal(t, []string{"evt-1", "evt-2"}, got.Apply.AppliedEvents)

	_, err = svc.Apply(ctx, p.ID, "editor_reviewer/opus")
	assert.ErrorIs(t, err, proposal.ErrInvalidTransition)

	audit, err := svc.Audit(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, "status:applied", audit[2].Action)
	assert.Equal(t, "editor_reviewer/opus", audit[2].Actor)
}

func TestApply_PartialFailureStopsAndPersists(t *testing.T) {
	ctx := context.Background()
	engine := &recordingEngine{failOn: "evt-2"}
	svc := newService(engine)

	p, err := svc.Create(ctx, input(event("evt-1", "evt-0"), event("evt-2", "evt-1"), event("evt-3", "evt-2")))
	require.NoError(t, err)

	res, err := svc.Apply(ctx, p.ID, "editor_reviewer/opus")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, []string{"evt-1"}, res.AppliedEvents)
	assert.Equal(t, "Failed to apply event evt-2: HTTP 500 - engine exploded", res.Error)
	assert.Equal(t, proposal.StatusValidated, res.Status)
	assert.EqualValues(t, 2, engine.calls.Load())

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Apply)
	assert.Equal(t, []string{"evt-1"}, got.Apply.AppliedEvents)
	assert.Equal(t, res.Error, got.Apply.Error)
}

func TestApply_ConcurrentCallsClaimOnce(t *testing.T) {
	ctx := context.Background()
	engine := &recordingEngine{block: make(chan struct{})}
	svc := newService(engine)

	p, err := svc.Create(ctx, input(event("evt-1", "evt-0")))
	require.NoError(t, err)

	first := make(chan *ApplyResult, 1)
	go func() {
		res, _ := svc.Apply(ctx, p.ID, "a")
		first <- res
	}()
	require.Eventually(t, func() bool { return engine.calls.Load() == 1 }, time.Second, time.Millisecond)

	res, err := svc.Apply(ctx, p.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, res.Outcome)

	close(engine.block)
	assert.Equal(t, OutcomeApplied, (<-first).Outcome)
	assert.EqualValues(t, 1, engine.calls.Load())
}

func TestRevalidate_RefusedWhileApplyRuns(t *testing.T) {
	ctx := context.Background()
	engine := &recordingEngine{block: make(chan struct{})}
	svc := newService(engine)

	p, err := svc.Create(ctx, input(event("evt-1", "evt-0")))
	require.NoError(t, err)

	done := make(chan *ApplyResult, 1)
	go func() {
		res, _ := svc.Apply(ctx, p.ID, "a")
		done <- res
	}()
	require.Eventually(t, func() bool { return engine.calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err = svc.Revalidate(ctx, p.ID)
	assert.ErrorIs(t, err, proposal.ErrInvalidTransition)

	close(engine.block)
	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, proposal.StatusApplied, res.Status)
}

type gatedSnapshots struct {
	armed   atomic.Bool
	waiting atomic.Bool
	release chan struct{}
}

func (g *gatedSnapshots) FetchSnapshot(context.Context) (*narrative.Snapshot, error) {
	if g.armed.Load() {
		g.waiting.Store(true)
		<-g.release
	}
	return canonSnapshot(), nil
}

func TestApply_InProgressWhileRevalidateRuns(t *testing.T) {
	ctx := context.Background()
	snaps := &gatedSnapshots{release: make(chan struct{})}
	engine := &recordingEngine{}
	svc := New(proposal.NewMemoryStore(), canongate.New(canongate.WithSnapshotter(snaps)), WithEngine(engine))

	p, err := svc.Create(ctx, input(event("evt-1", "evt-0")))
	require.NoError(t, err)
	require.Equal(t, proposal.StatusValidated, p.Status)

	snaps.armed.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := svc.Revalidate(ctx, p.ID)
		done <- err
	}()
	require.Eventually(t, snaps.waiting.Load, time.Second, time.Millisecond)

	res, err := svc.Apply(ctx, p.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, res.Outcome)
	assert.Zero(t, engine.calls.Load())

	close(snaps.release)
	require.NoError(t, <-done)
}

// staleOnApplied accepts every write except the final move to applied.
type staleOnApplied struct{ proposal.Store }

func (s staleOnApplied) UpdateStatus(ctx context.Context, id string, next proposal.Status, u proposal.Update) (*proposal.Proposal, error) {
	if next == proposal.StatusApplied {
		return nil, proposal.ErrStaleStatus
	}
	return s.Store.UpdateStatus(ctx, id, next, u)
}

func TestApply_UnrecordedApplyStillReportsAcceptedEvents(t *testing.T) {
	ctx := context.Background()
	engine := &recordingEngine{}
	gate := canongate.New(canongate.WithSnapshotter(staticSnapshots{snap: canonSnapshot()}))
	svc := New(staleOnApplied{proposal.NewMemoryStore()}, gate, WithEngine(engine))

	p, err := svc.Create(ctx, input(event("evt-1", "evt-0"), event("evt-2", "evt-1")))
	require.NoError(t, err)

	res, err := svc.Apply(ctx, p.ID, "editor_reviewer/opus")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, []string{"evt-1", "evt-2"}, res.AppliedEvents)
	assert.Equal(t, proposal.StatusValidated, res.Status)
	assert.Contains(t, res.Error, "Apply record not persisted")
	assert.Equal(t, []string{"evt-1", "evt-2"}, engine.applied)
}

func TestApply_IgnoresCallerCancellation(t *testing.T) {
	engine := &recordingEngine{block: make(chan struct{})}
	svc := newService(engine)
	p, err := svc.Create(context.Background(), input(event("evt-1", "evt-0"), event("evt-2", "evt-1")))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *ApplyResult, 1)
	go func() {
		res, _ := svc.Apply(ctx, p.ID, "a")
		done <- res
	}()
	require.Eventually(t, func() bool { return engine.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	close(engine.block)

	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, []string{"evt-1", "evt-2"}, res.AppliedEvents)
}

func TestApply_NoEngine(t *testing.T) {
	gate := canongate.New(canongate.WithSnapshotter(staticSnapshots{snap: canonSnapshot()}))
	svc := New(proposal.NewMemoryStore(), gate)
	p, err := svc.Create(context.Background(), input(event("evt-1", "evt-0")))
	require.NoError(t, err)
	_, err = svc.Apply(context.Background(), p.ID, "a")
	assert.ErrorIs(t, err, ErrNoEngine)
}

func TestRevalidate(t *testing.T) {
	ctx := context.Background()
	snaps := &switchingSnapshots{}
	gate := canongate.New(canongate.WithSnapshotter(snaps))
	svc := New(proposal.NewMemoryStore(), gate)

	snaps.err = errors.New("engine offline")
	p, err := svc.Create(ctx, input(event("evt-1", "evt-0")))
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusSubmitted, p.Status)
	assert.Equal(t, []string{"Canon snapshot unavailable: engine offline"}, p.Validation.Errors)

	snaps.err = nil
	p, err = svc.Revalidate(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusValidated, p.Status)
	assert.Empty(t, p.Validation.Errors)

	_, err = svc.Revalidate(ctx, "missing")
	assert.ErrorIs(t, err, proposal.ErrNotFound)
}

type switchingSnapshots struct{ err error }

func (s *switchingSnapshots) FetchSnapshot(context.Context) (*narrative.Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return canonSnapshot(), nil
}

// A proposal whose only event depends on an id the engine does not know
// fails validation naming that id, and apply is refused by the gate.
func TestEndToEnd_MissingDependency(t *testing.T) {
	var applyCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/narrative/state":
			snap := canonSnapshot()
			snap.CanonGate.Passed = false
			snap.CanonGate.Continuity.DependencyIssues = []narrative.DependencyIssue{
				{EventID: "evt-orphan", MissingDependencies: []string{"evt-nowhere"}},
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "snapshot": snap})
		case "/api/narrative/events/apply":
			applyCalls.Add(1)
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := narrative.NewClient(srv.URL, "uncharted-stars", narrative.WithRateLimit(0, 0))
	svc := New(proposal.NewMemoryStore(),
		canongate.New(canongate.WithSnapshotter(client)),
		WithSchema(schema.MustNew()),
		WithEngine(client),
	)

	ctx := context.Background()
	p, err := svc.Create(ctx, input(event("evt-orphan", "evt-nowhere")))
	require.NoError(t, err)
	assert.Equal(t, proposal.ValidationFailed, p.Validation.Status)
	require.NotEmpty(t, p.Validation.Errors)
	assert.Contains(t, p.Validation.Errors[0], "evt-nowhere")

	res, err := svc.Apply(ctx, p.ID, "editor_reviewer/opus")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, MsgGateBlocked, res.Message)
	assert.Zero(t, applyCalls.Load())
}
