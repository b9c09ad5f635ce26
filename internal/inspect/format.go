// Package inspect renders candidates, events and registries for the kiln CLI.
package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/kiln/internal/printer"
	"github.com/dyluth/kiln/internal/registry"
	"github.com/dyluth/kiln/pkg/candidates"
)

// OutputFormat specifies how list output is rendered.
type OutputFormat string

const (
	// OutputFormatTable is a fixed-width table with truncated fields
	OutputFormatTable OutputFormat = "table"

	// OutputFormatJSONL writes one complete JSON object per line
	OutputFormatJSONL OutputFormat = "jsonl"

	// OutputFormatJSON writes one pretty-printed JSON document
	OutputFormatJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case OutputFormatTable, OutputFormatJSONL, OutputFormatJSON:
		return f, nil
	case "":
		return OutputFormatTable, nil
	}
	return "", fmt.Errorf("invalid output format %q (must be table, jsonl or json)", s)
}

// FormatCandidates writes candidates as a table and returns the row count.
func FormatCandidates(w io.Writer, kind candidates.Kind, list []*candidates.Candidate, now time.Time) int {
	if len(list) == 0 {
		fmt.Fprintf(w, "No %s candidates found\n", kind)
		return 0
	}

	fmt.Fprintf(w, "%-24s %-9s %-8s %-8s %-8s %s\n", "ID", "STATUS", "OVERRIDE", "TESTED", "UPDATED", "BASE")
	fmt.Fprintf(w, "%-24s %-9s %-8s %-8s %-8s %s\n",
		strings.Repeat("-", 24), "---------", "--------", "--------", "--------", "----------")

	for _, c := range list {
		// Status is padded before coloring so escape codes do not break alignment.
		status := printer.Status(c.Status) + strings.Repeat(" ", padding(string(c.Status), 9))
		fmt.Fprintf(w, "%-24s %s %-8s %-8s %-8s %s\n",
			truncate(c.ID, 24),
			status,
			formatBool(c.OverrideEnabled),
			formatTest(c.LastTest),
			formatAge(c.UpdatedAt, now),
			dash(c.BaseID),
		)
	}

	fmt.Fprintf(w, "\n%d %s\n", len(list), plural(len(list), "candidate"))
	return len(list)
}

// FormatEvents writes log entries as a table and returns the row count.
func FormatEvents(w io.Writer, events []*candidates.Event) int {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found")
		return 0
	}

	fmt.Fprintf(w, "%-27s %-9s %-9s %-24s %s\n", "TIME", "TYPE", "KIND", "ID", "MESSAGE")
	fmt.Fprintf(w, "%-27s %-9s %-9s %-24s %s\n",
		strings.Repeat("-", 27), "---------", "---------", strings.Repeat("-", 24), strings.Repeat("-", 40))

	for _, e := range events {
		fmt.Fprintf(w, "%-27s %-9s %-9s %-24s %s\n",
			e.Timestamp,
			e.Type,
			dash(string(e.Kind)),
			truncate(dash(e.CandidateID), 24),
			formatMessage(e.Message),
		)
	}

	fmt.Fprintf(w, "\n%d %s\n", len(events), plural(len(events), "event"))
	return len(events)
}

// FormatRegistry writes a resolved registry as a table in id order.
func FormatRegistry(w io.Writer, reg *registry.Registry) int {
	state := "enabled"
	if !reg.Enabled {
		state = "disabled (stable only)"
	}
	fmt.Fprintf(w, "Registry for %s, kiln %s:\n\n", reg.Kind, state)

	if len(reg.Entries) == 0 {
		fmt.Fprintln(w, "No artifacts resolved")
		return 0
	}

	fmt.Fprintf(w, "%-24s %-9s %-16s %s\n", "ID", "SOURCE", "TOKEN", "PATH")
	fmt.Fprintf(w, "%-24s %-9s %-16s %s\n",
		strings.Repeat("-", 24), "---------", strings.Repeat("-", 16), strings.Repeat("-", 30))

	ids := reg.IDs()
	for _, id := range ids {
		e := reg.Entries[id]
		fmt.Fprintf(w, "%-24s %-9s %-16s %s\n", truncate(id, 24), e.Source, e.Token, e.Path)
	}

	fmt.Fprintf(w, "\n%d %s\n", len(ids), plural(len(ids), "entry"))
	return len(ids)
}

// FormatJSONL writes items as line-delimited JSON, one object per line.
func FormatJSONL[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatJSON writes v as indented JSON followed by a newline.
func FormatJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}

// formatTest summarizes the last smoke test: "pass", "fail" or "-".
func formatTest(r *candidates.TestResult) string {
	switch {
	case r == nil:
		return "-"
	case r.OK:
		return "pass"
	}
	return "fail"
}

func formatBool(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// formatMessage keeps the first non-blank line, truncated to 60 characters.
func formatMessage(msg string) string {
	for _, line := range strings.Split(msg, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return truncate(trimmed, 60)
		}
	}
	return "-"
}

// formatAge renders t relative to now, like "2m ago".
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := now.Sub(t)
	switch {
	case diff < 0:
		return "now"
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func padding(s string, width int) int {
	if len(s) >= width {
		return 0
	}
	return width - len(s)
}

func plural(n int, noun string) string {
	if n == 1 {
		return noun
	}
	if strings.HasSuffix(noun, "y") {
		return strings.TrimSuffix(noun, "y") + "ies"
	}
	return noun + "s"
}
