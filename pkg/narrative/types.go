// Package narrative talks to the external narrative engine: it reads canon
// snapshots, posts apply-event requests and runs continuity analysis over
// event sets in the engine's native shape.
package narrative

import "time"

// CanonStatus is the engine-side lifecycle of an event.
type CanonStatus string

const (
	CanonDraft    CanonStatus = "draft"
	CanonProposed CanonStatus = "proposed"
	CanonCanon    CanonStatus = "canon"
)

// Event is the engine's native event shape.
type Event struct {
	ID               string      `json:"id"`
	Type             string      `json:"type"`
	Description      string      `json:"description"`
	Dependencies     []string    `json:"dependencies"`
	Participants     []string    `json:"participants"`
	Location         any         `json:"location,omitempty"`
	Impacts          []any       `json:"impacts"`
	KnowledgeEffects []any       `json:"knowledgeEffects"`
	Timestamp        time.Time   `json:"timestamp"`
	CanonStatus      CanonStatus `json:"canonStatus"`
}

// Promise is an open narrative commitment.
type Promise struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	EstablishedIn string `json:"establishedIn"`
	Description   string `json:"description"`
	Status        string `json:"status"`
	FulfilledIn   string `json:"fulfilledIn,omitempty"`
}

type DependencyIssue struct {
	EventID             string   `json:"eventId"`
	MissingDependencies []string `json:"missingDependencies"`
}

type CycleIssue struct {
	Cycle []string `json:"cycle"`
}

// Continuity is the result of dependency-graph and ordering analysis.
type Continuity struct {
	DependencyIssues []DependencyIssue `json:"dependencyIssues"`
	CycleIssues      []CycleIssue      `json:"cycleIssues"`
	TimestampIssues  []string          `json:"timestampIssues"`
}

type PromiseIssue struct {
	PromiseID string `json:"promiseId"`
	Message   string `json:"message"`
}

type ListenerCognition struct {
	Issues []string `json:"issues"`
}

// CanonGateReport is the engine's own verdict over canon plus proposed events.
type CanonGateReport struct {
	Passed            bool              `json:"passed"`
	Continuity        Continuity        `json:"continuity"`
	PromiseIssues     []PromiseIssue    `json:"promiseIssues"`
	ListenerCognition ListenerCognition `json:"listenerCognition"`
}

type CanonBuckets struct {
	Draft    []Event `json:"draft"`
	Proposed []Event `json:"proposed"`
	Canon    []Event `json:"canon"`
}

// Knowledge carries derived character knowledge. The spine passes it through
// without interpreting it.
type Knowledge struct {
	States []any `json:"states"`
	Issues []any `json:"issues"`
}

// Snapshot is the engine's read model for one project.
type Snapshot struct {
	ProjectID    string          `json:"projectId"`
	GeneratedAt  string          `json:"generatedAt"`
	Events       []Event         `json:"events"`
	Promises     []Promise       `json:"promises"`
	Continuity   Continuity      `json:"continuity"`
	CanonGate    CanonGateReport `json:"canonGate"`
	CanonBuckets CanonBuckets    `json:"canonBuckets"`
	Knowledge    Knowledge       `json:"knowledge"`
}

// Candidates returns canon followed by proposed events from the buckets.
func (s *Snapshot) Candidates() []Event {
	out := make([]Event, 0, len(s.CanonBuckets.Canon)+len(s.CanonBuckets.Proposed))
	out = append(out, s.CanonBuckets.Canon...)
	out = append(out, s.CanonBuckets.Proposed...)
	return out
}
