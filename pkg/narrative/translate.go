package narrative

import (
	"fmt"
	"strings"
	"time"

	"github.com/naos-labs/spine/pkg/proposal"
)

// DefaultDescription is used when a proposed event carries no description.
const DefaultDescription = "Applied via MCP proposal"

// TranslateEvent maps a proposal event onto the engine's event shape with
// canon status proposed. Optional fields are read from content. The event is
// stamped with content.timestamp when it holds an RFC 3339 time, else at.
func TranslateEvent(ev proposal.CanonEvent, at time.Time) Event {
	out := Event{
		ID:               ev.EventID,
		Type:             ev.Type,
		Description:      DefaultDescription,
		Dependencies:     append([]string{}, ev.Dependencies...),
		Participants:     []string{},
		Impacts:          []any{},
		KnowledgeEffects: []any{},
		Timestamp:        at.UTC(),
		CanonStatus:      CanonProposed,
	}
	if ts, ok := ev.Content["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(ts)); err == nil {
			out.Timestamp = t.UTC()
		}
	}
	if d, ok := ev.Content["description"].(string); ok && strings.TrimSpace(d) != "" {
		out.Description = d
	}
	if loc, ok := ev.Content["location"]; ok && loc != nil {
		out.Location = loc
	}
	out.Participants = stringList(ev.Content["participants"])
	if impacts, ok := ev.Content["impacts"].([]any); ok {
		out.Impacts = impacts
	}
	if effects, ok := ev.Content["knowledgeEffects"].([]any); ok {
		out.KnowledgeEffects = effects
	}
	return out
}

// TranslateEvents translates every event, using at for any without its own
// timestamp.
func TranslateEvents(events []proposal.CanonEvent, at time.Time) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		out = append(out, TranslateEvent(ev, at))
	}
	return out
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string{}, t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{}
	}
}
