package lifecycle

import (
	"regexp"
	"strings"
)

// MaxSlugLength bounds ids derived from free text.
const MaxSlugLength = 64

// DefaultSlug is used when the text contains nothing usable.
const DefaultSlug = "candidate"

var (
	unsafeRun     = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
	underscoreRun = regexp.MustCompile(`_{2,}`)
)

// Slugify derives a deterministic candidate id from a generation request.
func Slugify(text string) string {
	s := unsafeRun.ReplaceAllString(strings.ToLower(text), "_")
	s = underscoreRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > MaxSlugLength {
		s = s[:MaxSlugLength]
	}
	if s == "" {
		return DefaultSlug
	}
	return s
}
