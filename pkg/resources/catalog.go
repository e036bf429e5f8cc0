// Package resources exposes read-only projections of narrative, audio and
// listener state, gated by scope.
package resources

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/naos-labs/spine/pkg/scopes"
)

// Resource ids in the default catalog.
const (
	NarrativeEvents             = "narrative.events"
	NarrativeCanon              = "narrative.canon"
	NarrativeKnowledgeSnapshots = "narrative.knowledge_snapshots"
	AudioSceneIndex             = "audio.scene_index"
	ListenerSummary             = "listener.summary"
)

// Definition is one catalog entry.
type Definition struct {
	ID          string         `json:"id"`
	URI         string         `json:"uri"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Scopes      []scopes.Scope `json:"scopes"`
	Version     string         `json:"version"`

	semver *semver.Version
}

// SemVer is the parsed form of Version.
func (d Definition) SemVer() *semver.Version { return d.semver }

// Catalog is immutable after construction.
type Catalog struct {
	defs  []Definition
	byID  map[string]int
	byURI map[string]int
}

// NewCatalog validates ids, URIs and versions.
func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{
		defs:  make([]Definition, 0, len(defs)),
		byID:  make(map[string]int, len(defs)),
		byURI: make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("resource definition without id")
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("resource %q declared twice", d.ID)
		}
		v, err := semver.NewVersion(d.Version)
		if err != nil {
			return nil, fmt.Errorf("resource %q: invalid version %q: %w", d.ID, d.Version, err)
		}
		d.semver = v
		d.Scopes = append([]scopes.Scope(nil), d.Scopes...)
		c.byID[d.ID] = len(c.defs)
		if d.URI != "" {
			if _, dup := c.byURI[d.URI]; dup {
				return nil, fmt.Errorf("resource uri %q declared twice", d.URI)
			}
			c.byURI[d.URI] = len(c.defs)
		}
		c.defs = append(c.defs, d)
	}
	return c, nil
}

// DefaultCatalog returns the built-in v1 catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]Definition{
		{
			ID:          NarrativeEvents,
			URI:         "narrative://events",
			Name:        "Narrative Event Index",
			Description: "Read-only catalog of canon and draft narrative events with dependency metadata.",
			Scopes:      []scopes.Scope{scopes.NarrativeRead},
			Version:     "v1",
		},
		{
			ID:          NarrativeCanon,
			URI:         "narrative://canon",
			Name:        "Canon State Snapshot",
			Description: "Snapshot of immutable canon state used for continuity and proposal validation.",
			Scopes:      []scopes.Scope{scopes.NarrativeRead},
			Version:     "v1",
		},
		{
			ID:          NarrativeKnowledgeSnapshots,
			URI:         "narrative://knowledge_snapshots",
			Name:        "Knowledge State Snapshots",
			Description: "Temporal knowledge state summaries for listener cognition checks and recap tooling.",
			Scopes:      []scopes.Scope{scopes.NarrativeRead},
			Version:     "v1",
		},
		{
			ID:          AudioSceneIndex,
			URI:         "audio://scene_index",
			Name:        "Audio Scene Index",
			Description: "Index of audio scene objects and rendered masters.",
			Scopes:      []scopes.Scope{scopes.AudioSceneRead},
			Version:     "v1",
		},
		{
			ID:          ListenerSummary,
			URI:         "listener://summary",
			Name:        "Listener Summary",
			Description: "Aggregate listener progress and engagement summary.",
			Scopes:      []scopes.Scope{scopes.ListenerSummaryRead},
			Version:     "v1",
		},
	})
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Lookup(id string) (Definition, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Definition{}, false
	}
	return c.defs[i], true
}

func (c *Catalog) LookupURI(uri string) (Definition, bool) {
	i, ok := c.byURI[uri]
	if !ok {
		return Definition{}, false
	}
	return c.defs[i], true
}

// List returns the catalog in declaration order.
func (c *Catalog) List() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Version is the highest entry version, reported at handshake.
func (c *Catalog) Version() string {
	if len(c.defs) == 0 {
		return "0.0.0"
	}
	vs := make([]*semver.Version, 0, len(c.defs))
	for _, d := range c.defs {
		vs = append(vs, d.semver)
	}
	sort.Sort(semver.Collection(vs))
	return vs[len(vs)-1].String()
}
