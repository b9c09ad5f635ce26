package candidates

import (
	"fmt"
	"regexp"
	"time"
)

// Kind identifies which artifact family a candidate belongs to.
// Ids are unique within a kind, never across kinds.
type Kind string

const (
	// KindPlugin is a host plugin exposing the plugin capability contract
	KindPlugin Kind = "plugin"

	// KindPlatform is a platform adapter exposing a cancellable Run entrypoint
	KindPlatform Kind = "platform"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindPlugin, KindPlatform}

// Validate checks if the Kind is a valid enum value.
func (k Kind) Validate() error {
	switch k {
	case KindPlugin, KindPlatform:
		return nil
	default:
		return fmt.Errorf("unknown kind: %q", k)
	}
}

// ParseKind converts user input into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// Status is the lifecycle state of a candidate.
//
// draft → tested|failed (smoke test) → promoted (manual promotion).
// Any regeneration returns the candidate to draft.
type Status string

const (
	// StatusDraft marks a freshly generated candidate awaiting its smoke test
	StatusDraft Status = "draft"

	// StatusTested marks a candidate whose last smoke test passed
	StatusTested Status = "tested"

	// StatusFailed marks a candidate whose last smoke test failed
	StatusFailed Status = "failed"

	// StatusPromoted marks a candidate copied to the stable tree
	StatusPromoted Status = "promoted"

	// StatusUnknown is only ever produced for records that could not be decoded
	StatusUnknown Status = "unknown"
)

// Validate checks if the Status is a valid enum value.
// StatusUnknown is rejected: it is a read-side placeholder and must never be written.
func (s Status) Validate() error {
	switch s {
	case StatusDraft, StatusTested, StatusFailed, StatusPromoted:
		return nil
	default:
		return fmt.Errorf("unknown status: %q", s)
	}
}

// Promotion reasons written by the lifecycle.
const (
	ReasonPendingSmokeTest = "pending smoke test"
	ReasonSmokeTestPassed  = "smoke test passed"
	ReasonSmokeTestFailed  = "smoke test failed"
	ReasonManualPromote    = "manual promote"
)

// TestResult is the outcome of the most recent smoke test.
type TestResult struct {
	OK        bool      `json:"ok"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"ts"`
}

// Promotion records whether a candidate may be promoted and why.
type Promotion struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

// PendingPromotion is the promotion state every regeneration resets to.
func PendingPromotion() Promotion {
	return Promotion{Eligible: false, Reason: ReasonPendingSmokeTest}
}

// PromotionFor derives promotion eligibility from a smoke test result.
func PromotionFor(result TestResult) Promotion {
	if result.OK {
		return Promotion{Eligible: true, Reason: ReasonSmokeTestPassed}
	}
	return Promotion{Eligible: false, Reason: ReasonSmokeTestFailed}
}

// Candidate is the metadata record of one generated artifact.
// The artifact source itself lives on disk; Path is derived from (Kind, ID)
// by the artifact repository and is rewritten on every lifecycle write.
type Candidate struct {
	ID              string      `json:"id"`
	Kind            Kind        `json:"kind"`
	Path            string      `json:"path"`
	BaseID          string      `json:"base_id"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Status          Status      `json:"status"`
	OverrideEnabled bool        `json:"override_enabled"` // persisted in the overrides hash, not the record
	LastTest        *TestResult `json:"last_test,omitempty"`
	Promotion       Promotion   `json:"promotion"`

	// Raw holds the undecodable payload of a placeholder record.
	Raw string `json:"raw,omitempty"`
}

// IsPlaceholder reports whether the record stands in for undecodable data.
func (c *Candidate) IsPlaceholder() bool {
	return c.Status == StatusUnknown
}

// Validate checks if the Candidate has valid field values.
func (c *Candidate) Validate() error {
	if err := ValidateID(c.ID); err != nil {
		return err
	}
	if err := c.Kind.Validate(); err != nil {
		return fmt.Errorf("invalid kind: %w", err)
	}
	if err := c.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	if c.CreatedAt.IsZero() {
		return fmt.Errorf("created_at cannot be zero")
	}
	return nil
}

// Event is an entry in one of the bounded logs (events, changes, errors).
type Event struct {
	ID          string `json:"id"`
	Timestamp   string `json:"ts"` // FormatTime output, sortable as text
	Type        string `json:"type"`
	Kind        Kind   `json:"kind,omitempty"`
	CandidateID string `json:"candidate_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

// idPattern is the safe-id pattern shared by candidate ids and artifact filenames.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsSafeID reports whether s may be used as an id and as a file stem.
func IsSafeID(s string) bool {
	return idPattern.MatchString(s)
}

// ValidateID returns an error if id is empty or contains unsafe characters.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("candidate id cannot be empty")
	}
	if !IsSafeID(id) {
		return fmt.Errorf("invalid candidate id %q: must match [a-zA-Z0-9_-]+", id)
	}
	return nil
}

// TimeFormat renders timestamps as fixed-width UTC ISO-8601 so that text
// order equals time order.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeFormat after converting to UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a TimeFormat timestamp, falling back to RFC3339.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
