package inspect

import (
	"path/filepath"

	"github.com/dyluth/kiln/internal/timespec"
	"github.com/dyluth/kiln/pkg/candidates"
)

// EventFilter selects log entries. All criteria are ANDed together; zero
// values match everything.
type EventFilter struct {
	Window   timespec.Range
	TypeGlob string          // glob over the event type, e.g. "promot*"
	Kind     candidates.Kind // exact kind
	ID       string          // exact candidate id
}

// Matches reports whether e passes every criterion. Entries with an
// unreadable timestamp only pass an open window.
func (f EventFilter) Matches(e *candidates.Event) bool {
	if !f.Window.IsOpen() {
		ts, err := candidates.ParseTime(e.Timestamp)
		if err != nil || !f.Window.Contains(ts) {
			return false
		}
	}

	if f.TypeGlob != "" {
		matched, err := filepath.Match(f.TypeGlob, e.Type)
		if err != nil || !matched {
			return false
		}
	}

	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.ID != "" && e.CandidateID != f.ID {
		return false
	}
	return true
}

// Apply returns the entries of events that match, preserving order.
func (f EventFilter) Apply(events []*candidates.Event) []*candidates.Event {
	out := make([]*candidates.Event, 0, len(events))
	for _, e := range events {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}
