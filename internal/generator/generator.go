// Package generator talks to the external code generation model and turns
// its replies into artifact source text.
package generator

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrGeneration wraps every failure of the external generator.
var ErrGeneration = errors.New("generation failed")

// Message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one role-tagged prompt part.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single generation call.
type Request struct {
	Messages []Message
	Caller   string        // identifies the requesting operation, e.g. "kiln.create.plugin"
	Timeout  time.Duration // zero means the generator's default
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_+.-]*[ \t]*\r?\n(.*?)```")

// ExtractCode returns the body of the first fenced code block in text, or
// the trimmed text when there is none.
func ExtractCode(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}
