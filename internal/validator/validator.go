package validator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/kiln/internal/artifacts"
	"github.com/dyluth/kiln/pkg/candidates"
)

// StatusStore is the slice of the candidate store the validator writes to.
type StatusStore interface {
	UpdateStatus(ctx context.Context, kind candidates.Kind, id string, status candidates.Status, result *candidates.TestResult) (*candidates.Candidate, error)
	Now() time.Time
}

// Validator smoke-tests candidate files and records the outcome.
type Validator struct {
	repo    *artifacts.Repository
	store   StatusStore
	sandbox Sandbox
}

// New creates a Validator.
func New(repo *artifacts.Repository, store StatusStore, sandbox Sandbox) *Validator {
	return &Validator{repo: repo, store: store, sandbox: sandbox}
}

// Run smoke-tests the candidate file of (kind, id) and writes last_test and
// status through the store. A missing candidate file returns
// artifacts.ErrMissingArtifact without touching the store.
func (v *Validator) Run(ctx context.Context, kind candidates.Kind, id string) (Result, *candidates.Candidate, error) {
	if !v.repo.CandidateExists(kind, id) {
		return Result{}, nil, fmt.Errorf("%w: no candidate file for %s/%s", artifacts.ErrMissingArtifact, kind, id)
	}

	path := v.repo.CandidatePath(kind, id)
	start := time.Now()
	result := v.sandbox.Smoke(ctx, kind, path)
	log.Printf("[Validator] Smoke test finished: kind=%s id=%s ok=%t duration=%s", kind, id, result.OK, time.Since(start))

	status := candidates.StatusFailed
	if result.OK {
		status = candidates.StatusTested
	}

	cand, err := v.store.UpdateStatus(ctx, kind, id, status, &candidates.TestResult{
		OK:        result.OK,
		Details:   result.Details,
		Timestamp: v.store.Now(),
	})
	if err != nil {
		return result, nil, fmt.Errorf("failed to record smoke test for %s/%s: %w", kind, id, err)
	}
	return result, cand, nil
}
