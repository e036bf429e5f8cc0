package narrative

import (
	"fmt"
	"strings"
)

// isoMillis matches the engine's timestamp rendering.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// CheckContinuity analyses the dependency graph of events: missing
// dependencies, cycles and dependencies timestamped after their dependents.
// Output order follows input order, so equal inputs yield equal reports.
func CheckContinuity(events []Event) Continuity {
	index := make(map[string]*Event, len(events))
	for i := range events {
		if _, seen := index[events[i].ID]; !seen {
			index[events[i].ID] = &events[i]
		}
	}

	report := Continuity{
		DependencyIssues: []DependencyIssue{},
		CycleIssues:      []CycleIssue{},
		TimestampIssues:  []string{},
	}

	for _, ev := range events {
		var missing []string
		for _, dep := range ev.Dependencies {
			if _, ok := index[dep]; !ok {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			report.DependencyIssues = append(report.DependencyIssues, DependencyIssue{EventID: ev.ID, MissingDependencies: missing})
		}
	}

	report.CycleIssues = findCycles(events, index)

	for _, ev := range events {
		for _, depID := range ev.Dependencies {
			dep, ok := index[depID]
			if !ok || !dep.Timestamp.After(ev.Timestamp) {
				continue
			}
			report.TimestampIssues = append(report.TimestampIssues, fmt.Sprintf(
				"Event %s occurs before dependency %s (%s < %s).",
				ev.ID, depID,
				ev.Timestamp.UTC().Format(isoMillis), dep.Timestamp.UTC().Format(isoMillis),
			))
		}
	}
	return report
}

// findCycles runs a depth-first search from every event. Each back edge found
// yields one cycle, listed from its entry node back to that node.
func findCycles(events []Event, index map[string]*Event) []CycleIssue {
	cycles := []CycleIssue{}
	visited := make(map[string]bool, len(index))
	onStack := make(map[string]bool)
	var path []string

	var visit func(id string)
	visit = func(id string) {
		if onStack[id] {
			start := len(path) - 1
			for start >= 0 && path[start] != id {
				start--
			}
			cycle := append(append([]string{}, path[start:]...), id)
			cycles = append(cycles, CycleIssue{Cycle: cycle})
			return
		}
		if visited[id] {
			return
		}
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		if node, ok := index[id]; ok {
			for _, dep := range node.Dependencies {
				visit(dep)
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
	}

	for _, ev := range events {
		visit(ev.ID)
	}
	return cycles
}

// Messages renders the report as hard-error strings: one per missing
// dependency per event, one per cycle, one per ordering issue.
func (c Continuity) Messages() []string {
	var out []string
	for _, issue := range c.DependencyIssues {
		for _, dep := range issue.MissingDependencies {
			out = append(out, MissingDependencyMessage(issue.EventID, dep))
		}
	}
	for _, issue := range c.CycleIssues {
		out = append(out, CycleMessage(issue.Cycle))
	}
	out = append(out, c.TimestampIssues...)
	return out
}

func MissingDependencyMessage(eventID, dependency string) string {
	return fmt.Sprintf("Event %s depends on missing event %s.", eventID, dependency)
}

func CycleMessage(cycle []string) string {
	return "Dependency cycle detected: " + strings.Join(cycle, " -> ")
}
