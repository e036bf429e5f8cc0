package resources

import (
	"context"
	"time"

	"github.com/naos-labs/spine/pkg/narrative"
)

// Snapshotter is the read half of the narrative engine client.
type Snapshotter interface {
	FetchSnapshot(ctx context.Context) (*narrative.Snapshot, error)
}

// NarrativeDataSource projects the engine snapshot into resource payloads.
// With no snapshotter it serves empty projections.
type NarrativeDataSource struct {
	snapshots Snapshotter
	projectID string
	now       func() time.Time
}

func NewNarrativeDataSource(s Snapshotter, projectID string) *NarrativeDataSource {
	return &NarrativeDataSource{
		snapshots: s,
		projectID: projectID,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (d *NarrativeDataSource) Fetch(ctx context.Context, id string) (map[string]any, error) {
	stamp := d.now().Format(time.RFC3339Nano)
	switch id {
	case NarrativeEvents, NarrativeCanon, NarrativeKnowledgeSnapshots:
	case AudioSceneIndex:
		return map[string]any{
			"scenes":       []any{},
			"masters":      []any{},
			"generated_at": stamp,
			"status":       "not_implemented",
			"note":         "Audio Engine API endpoint not yet available",
		}, nil
	case ListenerSummary:
		return map[string]any{
			"listeners":    []any{},
			"generated_at": stamp,
			"status":       "not_implemented",
			"note":         "Listener Platform API endpoint not yet available",
		}, nil
	default:
		return unknownResource(id, d.now()), nil
	}

	snap, err := d.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	generatedAt := snap.GeneratedAt
	if generatedAt == "" {
		generatedAt = stamp
	}

	switch id {
	case NarrativeEvents:
		if snap.Events == nil {
			return map[string]any{
				"events":   []any{},
				"snapshot": map[string]any{"generated_at": stamp, "status": "no_data"},
			}, nil
		}
		return map[string]any{
			"events": snap.Events,
			"snapshot": map[string]any{
				"generated_at": generatedAt,
				"project_id":   snap.ProjectID,
				"status":       "ok",
			},
		}, nil
	case NarrativeCanon:
		return map[string]any{
			"canon_version": "v1",
			"events":        nonNilEvents(snap.CanonBuckets.Canon),
			"generated_at":  generatedAt,
			"project_id":    snap.ProjectID,
		}, nil
	default:
		return map[string]any{
			"snapshots":    nonNil(snap.Knowledge.States),
			"issues":       nonNil(snap.Knowledge.Issues),
			"generated_at": generatedAt,
			"project_id":   snap.ProjectID,
		}, nil
	}
}

func (d *NarrativeDataSource) snapshot(ctx context.Context) (*narrative.Snapshot, error) {
	if d.snapshots == nil {
		return &narrative.Snapshot{
			ProjectID:   d.projectID,
			GeneratedAt: d.now().Format(time.RFC3339Nano),
			Events:      []narrative.Event{},
			CanonGate:   narrative.CanonGateReport{Passed: true},
		}, nil
	}
	return d.snapshots.FetchSnapshot(ctx)
}

func nonNilEvents(in []narrative.Event) []narrative.Event {
	if in == nil {
		return []narrative.Event{}
	}
	return in
}

func nonNil(in []any) []any {
	if in == nil {
		return []any{}
	}
	return in
}
