package lifecycle

import "errors"

var (
	// ErrNotFound is returned for an unknown (kind, id).
	ErrNotFound = errors.New("candidate not found")

	// ErrNotTested is returned when an operation needs a passing smoke test.
	ErrNotTested = errors.New("candidate has no passing smoke test")

	// ErrDisabled is returned by mutating operations while the subsystem's
	// enable flag is off.
	ErrDisabled = errors.New("kiln is disabled")
)
