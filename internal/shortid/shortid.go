// Package shortid lets CLI users name a candidate by a unique id prefix.
package shortid

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/kiln/pkg/candidates"
)

// MinPrefixLength is the shortest prefix that is expanded. Shorter input
// is used verbatim.
const MinPrefixLength = 3

// Lister looks candidates up by exact id and lists those of a kind.
type Lister interface {
	Exists(ctx context.Context, kind candidates.Kind, id string) (bool, error)
	List(ctx context.Context, kind candidates.Kind) ([]*candidates.Candidate, error)
}

// Resolve expands input to a full candidate id.
//
// An id with a record is returned as is, even when longer ids share it as a
// prefix. Otherwise a prefix of at least MinPrefixLength
// that matches exactly one id expands to it, and more than one match is an
// *AmbiguousError. Input matching nothing is returned unchanged so the
// caller's lookup reports it as not found.
func Resolve(ctx context.Context, l Lister, kind candidates.Kind, input string) (string, error) {
	if err := candidates.ValidateID(input); err != nil {
		return "", err
	}

	exists, err := l.Exists(ctx, kind, input)
	if err != nil {
		return "", fmt.Errorf("failed to look up %s %s: %w", kind, input, err)
	}
	if exists {
		return input, nil
	}

	list, err := l.List(ctx, kind)
	if err != nil {
		return "", fmt.Errorf("failed to list %s candidates: %w", kind, err)
	}

	var matches []string
	for _, c := range list {
		if len(input) >= MinPrefixLength && strings.HasPrefix(c.ID, input) {
			matches = append(matches, c.ID)
		}
	}

	switch len(matches) {
	case 0:
		return input, nil
	case 1:
		return matches[0], nil
	}
	sort.Strings(matches)
	return "", &AmbiguousError{Prefix: input, Kind: kind, Matches: matches}
}

// AmbiguousError indicates several candidates share the prefix.
type AmbiguousError struct {
	Prefix  string
	Kind    candidates.Kind
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous %s id prefix '%s' matches %d candidates", e.Kind, e.Prefix, len(e.Matches))
}

// Describe lists up to 10 matches for display.
func (e *AmbiguousError) Describe() string {
	var b strings.Builder
	shown := min(len(e.Matches), 10)
	for _, id := range e.Matches[:shown] {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(e.Matches) > shown {
		fmt.Fprintf(&b, "  ...and %d more\n", len(e.Matches)-shown)
	}
	return b.String()
}

// IsAmbiguous reports whether err is an *AmbiguousError.
func IsAmbiguous(err error) bool {
	var amb *AmbiguousError
	return errors.As(err, &amb)
}
