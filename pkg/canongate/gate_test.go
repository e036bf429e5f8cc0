package canongate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naos-labs/spine/pkg/narrative"
	"github.com/naos-labs/spine/pkg/proposal"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSnapshots struct {
	snap  *narrative.Snapshot
	err   error
	calls int
}

func (f *fakeSnapshots) FetchSnapshot(ctx context.Context) (*narrative.Snapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func canonEvent(id string, deps ...string) narrative.Event {
	return narrative.Event{ID: id, Type: "scene", Dependencies: deps, Timestamp: now.Add(-24 * time.Hour), CanonStatus: narrative.CanonCanon}
}

func passingSnapshot(canon ...narrative.Event) *narrative.Snapshot {
	return &narrative.Snapshot{
		CanonBuckets: narrative.CanonBuckets{Canon: canon},
		CanonGate:    narrative.CanonGateReport{Passed: true},
	}
}

func newProposal(events ...proposal.CanonEvent) *proposal.Proposal {
	return &proposal.Proposal{
		ID:      "p-1",
		Title:   "Arrival",
		Author:  proposal.Author{Model: "sonnet", Role: "creator"},
		Payload: proposal.Payload{CanonEvents: events},
	}
}

func event(id string, deps ...string) proposal.CanonEvent {
	return proposal.CanonEvent{EventID: id, Type: "scene", Dependencies: deps, Content: map[string]any{"description": "d"}}
}

func TestStageA(t *testing.T) {
	g := New()
	ctx := context.Background()

	t.Run("no events", func(t *testing.T) {
		res := g.StageA(ctx, newProposal())
		assert.Equal(t, []string{MsgNoEvents}, res.Errors)
	})

	t.Run("duplicate ids", func(t *testing.T) {
		res := g.StageA(ctx, newProposal(event("a", "x"), event("a", "y"), event("b", "x")))
		require.NotEmpty(t, res.Errors)
		assert.Equal(t, MsgDuplicateIDs, res.Errors[0])
		assert.Contains(t, res.Errors, "Event ID a appears 2 times.")
	})

	t.Run("self dependency", func(t *testing.T) {
		res := g.StageA(ctx, newProposal(event("a", "x", "a")))
		assert.Equal(t, []string{"Event a cannot depend on itself."}, res.Errors)
	})

	t.Run("no dependencies warns", func(t *testing.T) {
		res := g.StageA(ctx, newProposal(event("a")))
		assert.Empty(t, res.Errors)
		assert.Equal(t, []string{"Event a has no dependencies."}, res.Warnings)
	})
}

func TestValidate_StageAFailureSkipsStageB(t *testing.T) {
	snaps := &fakeSnapshots{snap: passingSnapshot()}
	g := New(WithSnapshotter(snaps))

	for _, p := range []*proposal.Proposal{
		newProposal(),
		newProposal(event("a", "x"), event("a", "x")),
		newProposal(event("a", "a")),
	} {
		v := g.Validate(context.Background(), p)
		assert.Equal(t, proposal.ValidationFailed, v.Status)
		assert.NotEmpty(t, v.Errors)
	}
	assert.Zero(t, snaps.calls)
}

func TestValidate_Passes(t *testing.T) {
	snaps := &fakeSnapshots{snap: passingSnapshot(canonEvent("evt-0"))}
	g := New(WithSnapshotter(snaps), WithClock(func() time.Time { return now }))

	v := g.Validate(context.Background(), newProposal(event("evt-1", "evt-0"), event("evt-2", "evt-1")))
	assert.Equal(t, proposal.ValidationPassed, v.Status)
	assert.Equal(t, []string{}, v.Errors)
	assert.Equal(t, 1, snaps.calls)
}

func TestValidate_MissingDependency(t *testing.T) {
	snap := passingSnapshot(canonEvent("evt-0"))
	snap.CanonGate.Passed = false
	snap.CanonGate.Continuity.DependencyIssues = []narrative.DependencyIssue{
		{EventID: "evt-1", MissingDependencies: []string{"evt-ghost"}},
	}
	g := New(WithSnapshotter(&fakeSnapshots{snap: snap}))

	v := g.Validate(context.Background(), newProposal(event("evt-1", "evt-ghost")))
	assert.Equal(t, proposal.ValidationFailed, v.Status)
	// Local analysis and the engine agree on the issue; it is reported once.
	assert.Equal(t, []string{"Event evt-1 depends on missing event evt-ghost."}, v.Errors)
}

func TestValidate_CycleThroughCanon(t *testing.T) {
	snap := passingSnapshot(canonEvent("evt-0", "evt-2"))
	g := New(WithSnapshotter(&fakeSnapshots{snap: snap}))

	v := g.Validate(context.Background(), newProposal(event("evt-1", "evt-0"), event("evt-2", "evt-1")))
	assert.Equal(t, proposal.ValidationFailed, v.Status)
	assert.Contains(t, v.Errors, "Dependency cycle detected: evt-0 -> evt-2 -> evt-1 -> evt-0")
}

func TestValidate_ContentTimestampBeforeDependency(t *testing.T) {
	g := New(WithSnapshotter(&fakeSnapshots{snap: passingSnapshot(canonEvent("evt-0"))}), WithClock(func() time.Time { return now }))

	early := event("evt-1", "evt-0")
	early.Content["timestamp"] = now.Add(-48 * time.Hour).Format(time.RFC3339)
	v := g.Validate(context.Background(), newProposal(early))
	assert.Equal(t, proposal.ValidationFailed, v.Status)
	require.Len(t, v.Errors, 1)
	assert.Contains(t, v.Errors[0], "Event evt-1 occurs before dependency evt-0")

	v = g.Validate(context.Background(), newProposal(event("evt-1", "evt-0")))
	assert.Equal(t, proposal.ValidationPassed, v.Status)
}

func TestValidate_WarningsDoNotBlock(t *testing.T) {
	snap := passingSnapshot(canonEvent("evt-0"))
	snap.CanonGate.PromiseIssues = []narrative.PromiseIssue{{PromiseID: "pr-1", Message: "unresolved"}}
	snap.CanonGate.ListenerCognition.Issues = []string{"Speaker unclear in evt-0."}
	g := New(WithSnapshotter(&fakeSnapshots{snap: snap}))

	v := g.Validate(context.Background(), newProposal(event("evt-1")))
	assert.Equal(t, proposal.ValidationPassed, v.Status)
	assert.Equal(t, []string{
		"Event evt-1 has no dependencies.",
		"Narrative commitment pr-1: unresolved",
		"Speaker unclear in evt-0.",
	}, v.Warnings)
}

func TestValidate_EngineVerdictFailsWithoutIssues(t *testing.T) {
	snap := passingSnapshot(canonEvent("evt-0"))
	snap.CanonGate.Passed = false
	g := New(WithSnapshotter(&fakeSnapshots{snap: snap}))

	v := g.Validate(context.Background(), newProposal(event("evt-1", "evt-0")))
	assert.Equal(t, proposal.ValidationFailed, v.Status)
	assert.Equal(t, []string{msgGateRejected}, v.Errors)
}

func TestValidate_SnapshotFailures(t *testing.T) {
	g := New(WithSnapshotter(&fakeSnapshots{err: errors.New("connection refused")}))
	v := g.Validate(context.Background(), newProposal(event("evt-1", "evt-0")))
	assert.Equal(t, proposal.ValidationFailed, v.Status)
	assert.Equal(t, []string{"Canon snapshot unavailable: connection refused"}, v.Errors)

	g = New(WithSnapshotter(&fakeSnapshots{err: fmt.Errorf("get: %w", context.DeadlineExceeded)}))
	v = g.Validate(context.Background(), newProposal(event("evt-1", "evt-0")))
	assert.Equal(t, []string{MsgSnapshotTimeout}, v.Errors)
}

func TestValidate_LocalOnly(t *testing.T) {
	g := New()
	assert.False(t, g.Remote())
	v := g.Validate(context.Background(), newProposal(event("evt-1", "evt-0")))
	assert.Equal(t, proposal.ValidationPassed, v.Status)
}

func TestValidateLocal_NeverFetchesSnapshot(t *testing.T) {
	snaps := &fakeSnapshots{snap: passingSnapshot()}
	g := New(WithSnapshotter(snaps))

	v := g.ValidateLocal(context.Background(), newProposal())
	assert.Equal(t, proposal.ValidationFailed, v.Status)
	assert.Equal(t, []string{MsgNoEvents}, v.Errors)

	v = g.ValidateLocal(context.Background(), newProposal(event("evt-1", "evt-nowhere")))
	assert.Equal(t, proposal.ValidationPassed, v.Status)
	assert.Zero(t, snaps.calls)
}

func TestValidate_Rules(t *testing.T) {
	rules, err := LoadRules("testdata/rules.yaml")
	require.NoError(t, err)
	require.Equal(t, 2, rules.Len())

	g := New(WithRules(rules))
	bare := proposal.CanonEvent{EventID: "evt-1", Type: "scene", Dependencies: []string{"a", "b", "c", "d"}, Content: map[string]any{}}
	v := g.Validate(context.Background(), newProposal(bare))
	assert.Equal(t, proposal.ValidationFailed, v.Status)
	assert.Equal(t, []string{"Event evt-1 must carry a description."}, v.Errors)
	assert.Equal(t, []string{"Event evt-1 has more than three dependencies."}, v.Warnings)

	v = g.Validate(context.Background(), newProposal(event("evt-2", "evt-1")))
	assert.Equal(t, proposal.ValidationPassed, v.Status)
}

func TestRuleSet_Errors(t *testing.T) {
	_, err := NewRuleSet([]Rule{{Name: "broken", Expr: "event.("}})
	assert.ErrorContains(t, err, "CEL compile error")

	_, err = NewRuleSet([]Rule{{Name: "not-bool", Expr: `"x"`}})
	assert.ErrorContains(t, err, "must return bool")

	_, err = NewRuleSet([]Rule{{Name: "a", Expr: "true"}, {Name: "a", Expr: "true"}})
	assert.ErrorContains(t, err, "declared twice")

	_, err = NewRuleSet([]Rule{{Name: "a", Expr: "true", Severity: "fatal"}})
	assert.ErrorContains(t, err, "unknown severity")

	_, err = ParseRules([]byte("rules: ["))
	assert.Error(t, err)
}

func TestRuleSet_EvalErrorIsWarning(t *testing.T) {
	rs, err := NewRuleSet([]Rule{{Name: "needs-location", Expr: `event.content.location == "bridge"`}})
	require.NoError(t, err)

	errs, warns := rs.Evaluate(newProposal(event("evt-1", "evt-0")))
	assert.Empty(t, errs)
	require.Len(t, warns, 1)
	assert.Contains(t, warns[0], "Rule needs-location could not be evaluated for event evt-1")
}
