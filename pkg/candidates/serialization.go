package candidates

import (
	"encoding/json"
	"fmt"
	"time"
)

// Serialization helpers for converting between Candidate structs and the
// JSON payloads stored in the per-kind record hash.
//
// Timestamps are written as TimeFormat text so stored records sort and diff
// cleanly; the override flag is stored separately and never written into
// the record payload.

type wireTestResult struct {
	OK        bool   `json:"ok"`
	Details   string `json:"details"`
	Timestamp string `json:"ts"`
}

type wireRecord struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Path      string          `json:"path"`
	BaseID    string          `json:"base_id"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
	Status    Status          `json:"status"`
	LastTest  *wireTestResult `json:"last_test,omitempty"`
	Promotion Promotion       `json:"promotion"`
}

// CandidateToJSON encodes a candidate record for storage.
func CandidateToJSON(c *Candidate) (string, error) {
	rec := wireRecord{
		ID:        c.ID,
		Kind:      c.Kind,
		Path:      c.Path,
		BaseID:    c.BaseID,
		CreatedAt: FormatTime(c.CreatedAt),
		UpdatedAt: FormatTime(c.UpdatedAt),
		Status:    c.Status,
		Promotion: c.Promotion,
	}
	if c.LastTest != nil {
		rec.LastTest = &wireTestResult{
			OK:        c.LastTest.OK,
			Details:   c.LastTest.Details,
			Timestamp: FormatTime(c.LastTest.Timestamp),
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal candidate: %w", err)
	}
	return string(data), nil
}

// JSONToCandidate decodes a stored record. The override flag is left false;
// callers merge it from the overrides hash.
func JSONToCandidate(payload string) (*Candidate, error) {
	var rec wireRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal candidate: %w", err)
	}

	createdAt, err := parseOptionalTime(rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	updatedAt, err := parseOptionalTime(rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}

	c := &Candidate{
		ID:        rec.ID,
		Kind:      rec.Kind,
		Path:      rec.Path,
		BaseID:    rec.BaseID,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Status:    rec.Status,
		Promotion: rec.Promotion,
	}

	if rec.LastTest != nil {
		ts, err := parseOptionalTime(rec.LastTest.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("invalid last_test.ts: %w", err)
		}
		c.LastTest = &TestResult{OK: rec.LastTest.OK, Details: rec.LastTest.Details, Timestamp: ts}
	}

	if c.ID == "" {
		return nil, fmt.Errorf("record has no id")
	}
	if err := c.Status.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Placeholder builds the stand-in record returned when a stored payload
// cannot be decoded, so that one bad record never fails a listing.
func Placeholder(kind Kind, id, raw string) *Candidate {
	return &Candidate{
		ID:     id,
		Kind:   kind,
		Status: StatusUnknown,
		Raw:    raw,
	}
}

// EventToJSON encodes a bounded-log entry.
func EventToJSON(e *Event) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	return string(data), nil
}

// JSONToEvent decodes a bounded-log entry.
func JSONToEvent(payload string) (*Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &e, nil
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return ParseTime(s)
}

func encodeFlag(enabled bool) string {
	if enabled {
		return "1"
	}
	return "0"
}

func decodeFlag(s string) bool {
	return s == "1" || s == "true"
}
