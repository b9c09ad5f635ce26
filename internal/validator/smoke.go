// Package validator runs smoke tests: it loads a candidate artifact in
// isolation, checks it against its kind's capability contract and, for
// plugins that declare one, runs the self-check under a deadline.
package validator

import (
	"context"
	"strings"
	"time"

	"github.com/dyluth/kiln/internal/loader"
	"github.com/dyluth/kiln/pkg/candidates"
)

// Result is the outcome of one smoke test.
type Result struct {
	OK      bool   `json:"ok"`
	Details string `json:"details"`
}

const (
	detailsPluginOK   = "smoke test passed"
	detailsPlatformOK = "smoke test passed: Run entrypoint present"
	detailsLoadOK     = "load check passed"
)

// Smoke loads path as a kind unit and checks it. It never panics and never
// returns an error: every failure is folded into a failed Result whose
// details carry the full diagnostic text.
func Smoke(ctx context.Context, l *loader.Loader, kind candidates.Kind, path string) Result {
	unit, err := l.Load(ctx, kind, path)
	if err != nil {
		return Result{OK: false, Details: err.Error()}
	}

	if err := unit.Check(); err != nil {
		return Result{OK: false, Details: err.Error()}
	}

	if kind == candidates.KindPlatform {
		return Result{OK: true, Details: detailsPlatformOK}
	}

	if !unit.HasSelfCheck() {
		return Result{OK: true, Details: detailsPluginOK}
	}

	msg, err := unit.SelfCheck(ctx)
	if err != nil {
		details := "self-check failed: " + err.Error()
		if out := strings.TrimSpace(unit.Output()); out != "" {
			details += "\noutput:\n" + out
		}
		return Result{OK: false, Details: details}
	}
	if strings.TrimSpace(msg) == "" {
		return Result{OK: true, Details: detailsPluginOK}
	}
	return Result{OK: true, Details: detailsPluginOK + ": " + strings.TrimSpace(msg)}
}

// LoadCheck loads path as a kind unit and waits settle before reporting, so
// a goroutine the unit starts at load time can fail the process it runs in.
// Contract gaps are not checked.
func LoadCheck(ctx context.Context, l *loader.Loader, kind candidates.Kind, path string, settle time.Duration) Result {
	if _, err := l.Load(ctx, kind, path); err != nil {
		return Result{OK: false, Details: err.Error()}
	}
	if settle > 0 {
		select {
		case <-time.After(settle):
		case <-ctx.Done():
		}
	}
	return Result{OK: true, Details: detailsLoadOK}
}
