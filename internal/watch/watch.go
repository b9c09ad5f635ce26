// Package watch follows candidate record writes as they happen.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/dyluth/kiln/pkg/candidates"
)

// OutputFormat specifies how streamed records are rendered.
type OutputFormat string

const (
	// OutputFormatDefault prints one human-readable line per write
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON prints one JSON record per line
	OutputFormatJSON OutputFormat = "json"
)

// Source delivers candidate writes. *candidates.Subscription implements it.
type Source interface {
	Events() <-chan *candidates.Candidate
	Errors() <-chan error
}

// Filter limits which writes are streamed. Zero values match everything.
type Filter struct {
	Kind candidates.Kind
	ID   string
}

func (f Filter) matches(c *candidates.Candidate) bool {
	return (f.Kind == "" || c.Kind == f.Kind) && (f.ID == "" || c.ID == f.ID)
}

// Stream writes every matching record from src to w until ctx is cancelled
// or src is closed. Decode errors are reported inline and skipped.
func Stream(ctx context.Context, src Source, w io.Writer, format OutputFormat, filter Filter) error {
	errs := src.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(w, "⚠️  %v\n", err)

		case c, ok := <-src.Events():
			if !ok {
				return nil
			}
			if !filter.matches(c) {
				continue
			}
			if err := writeRecord(w, c, format); err != nil {
				return err
			}
		}
	}
}

func writeRecord(w io.Writer, c *candidates.Candidate, format OutputFormat) error {
	if format == OutputFormatJSON {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal candidate: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	override := "off"
	if c.OverrideEnabled {
		override = "on"
	}
	test := "-"
	if c.LastTest != nil {
		test = "fail"
		if c.LastTest.OK {
			test = "pass"
		}
	}
	_, err := fmt.Fprintf(w, "[%s] %s/%s status=%s override=%s test=%s\n",
		c.UpdatedAt.UTC().Format("15:04:05"), c.Kind, c.ID, c.Status, override, test)
	return err
}

// Getter reads one candidate record.
type Getter interface {
	Get(ctx context.Context, kind candidates.Kind, id string) (*candidates.Candidate, error)
}

// WaitForStatus polls (kind, id) every 200ms until its status is one of
// want, and returns the record. A missing record is polled for like any
// other mismatch.
func WaitForStatus(ctx context.Context, store Getter, kind candidates.Kind, id string, timeout time.Duration, want ...candidates.Status) (*candidates.Candidate, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		cand, err := store.Get(ctx, kind, id)
		switch {
		case err == nil && slices.Contains(want, cand.Status):
			return cand, nil
		case err != nil && !candidates.IsNotFound(err):
			return nil, fmt.Errorf("failed to read %s/%s: %w", kind, id, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for %s/%s to reach %v after %v", kind, id, want, timeout)
		case <-ticker.C:
		}
	}
}
