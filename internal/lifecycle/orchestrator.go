// Package lifecycle drives candidates through generation, smoke testing,
// override toggling and promotion.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/kiln/internal/artifacts"
	"github.com/dyluth/kiln/internal/config"
	"github.com/dyluth/kiln/internal/generator"
	"github.com/dyluth/kiln/internal/validator"
	"github.com/dyluth/kiln/pkg/candidates"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Store is the slice of the candidate store the orchestrator depends on.
// *candidates.Client implements it.
type Store interface {
	Now() time.Time
	Get(ctx context.Context, kind candidates.Kind, id string) (*candidates.Candidate, error)
	List(ctx context.Context, kind candidates.Kind) ([]*candidates.Candidate, error)
	Mutate(ctx context.Context, kind candidates.Kind, id string, fn candidates.MutateFunc) (*candidates.Candidate, error)
	CommitPromotion(ctx context.Context, kind candidates.Kind, id string, change *candidates.Event, fn candidates.MutateFunc) (*candidates.Candidate, error)
	Enabled(ctx context.Context) (bool, error)
	SetEnabled(ctx context.Context, enabled bool) error
	NewEvent(eventType string, kind candidates.Kind, candidateID, message string) *candidates.Event
	AppendEvent(ctx context.Context, e *candidates.Event) error
	AppendError(ctx context.Context, e *candidates.Event) error
	Events(ctx context.Context, limit int) ([]*candidates.Event, error)
}

// Validator smoke-tests a candidate and records the result.
// *validator.Validator implements it.
type Validator interface {
	Run(ctx context.Context, kind candidates.Kind, id string) (validator.Result, *candidates.Candidate, error)
}

// EventPublisher forwards lifecycle events to an external stream.
type EventPublisher interface {
	Publish(ctx context.Context, e *candidates.Event) error
}

// Archiver keeps a copy of every promoted artifact.
type Archiver interface {
	Archive(ctx context.Context, kind candidates.Kind, id string, data []byte) error
}

// Orchestrator composes the generator, repository, validator and store.
// Mutations of one (kind, id) are serialized in-process by a lock table and
// across processes by the store's compare-and-swap.
type Orchestrator struct {
	store     Store
	repo      *artifacts.Repository
	gen       generator.Generator
	validator Validator
	policy    config.LifecycleConfig
	metrics   *Metrics
	publisher EventPublisher
	archiver  Archiver
	instance  string

	generationTimeout time.Duration
	locks             cmap.ConcurrentMap[string, *sync.Mutex]
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the lifecycle policy switches.
func WithPolicy(p config.LifecycleConfig) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEventPublisher forwards every recorded event to p.
func WithEventPublisher(p EventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithArchiver archives promoted artifacts through a.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithGenerationTimeout bounds each generator call.
func WithGenerationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.generationTimeout = d }
}

// WithInstance labels structured log lines with the instance name.
func WithInstance(name string) Option {
	return func(o *Orchestrator) { o.instance = name }
}

// New creates an Orchestrator.
func New(store Store, repo *artifacts.Repository, gen generator.Generator, v Validator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		repo:      repo,
		gen:       gen,
		validator: v,
		locks:     cmap.New[*sync.Mutex](),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}

// Create generates a new candidate from specText. The id is baseID when
// given, else Slugify(specText). When baseID names a stable artifact its
// source is sent to the generator as context.
func (o *Orchestrator) Create(ctx context.Context, kind candidates.Kind, specText, baseID string) (*candidates.Candidate, error) {
	const op = "create"

	id := baseID
	if id == "" {
		id = Slugify(specText)
	}
	if err := o.begin(ctx, kind, id); err != nil {
		return nil, o.fail(ctx, op, kind, id, err)
	}

	var baseSource string
	if baseID != "" {
		if data, err := o.repo.ReadStable(kind, baseID); err == nil {
			baseSource = string(data)
		} else if !errors.Is(err, artifacts.ErrMissingArtifact) {
			return nil, o.fail(ctx, op, kind, id, err)
		}
	}

	code, err := o.generate(ctx, generator.CreateRequest(kind, specText, baseID, baseSource))
	if err != nil {
		return nil, o.fail(ctx, op, kind, id, err)
	}

	unlock := o.lock(kind, id)
	defer unlock()

	cand, err := o.writeDraft(ctx, kind, id, code, func(_ *candidates.Candidate, draft *candidates.Candidate) {
		draft.BaseID = id
	})
	if err != nil {
		return nil, o.fail(ctx, op, kind, id, err)
	}

	o.succeed(ctx, op, o.store.NewEvent(candidates.EventCreated, kind, id, fmt.Sprintf("generated from %q", truncate(specText, 120))))
	return cand, nil
}

// Update regenerates candidate id toward goalText using its current source
// as context. created_at and base_id survive; everything else resets.
func (o *Orchestrator) Update(ctx context.Context, kind candidates.Kind, id, goalText string) (*candidates.Candidate, error) {
	const op = "update"

	if err := o.begin(ctx, kind, id); err != nil {
		return nil, o.fail(ctx, op, kind, id, err)
	}

	var current string
	if data, err := o.repo.ReadCandidate(kind, id); err == nil {
		current = string(data)
	} else if !errors.Is(err, artifacts.ErrMissingArtifact) {
		return nil, o.fail(ctx, op, kind, id, err)
	}

	code, err := o.generate(ctx, generator.UpdateRequest(kind, id, goalText, current))
	if err != nil {
		return nil, o.fail(ctx, op, kind, id, err)
	}

	unlock := o.lock(kind, id)
	defer unlock()

	cand, err := o.writeDraft(ctx, kind, id, code, func(existing *candidates.Candidate, draft *candidates.Candidate) {
		draft.BaseID = id
		if existing != nil {
			draft.CreatedAt = existing.CreatedAt
			if existing.BaseID != "" {
				draft.BaseID = existing.BaseID
			}
		}
	})
	if err != nil {
		return nil, o.fail(ctx, op, kind, id, err)
	}

	o.succeed(ctx, op, o.store.NewEvent(candidates.EventUpdated, kind, id, fmt.Sprintf("regenerated toward %q", truncate(goalText, 120))))
	return cand, nil
}

// Validate smoke-tests the candidate file and records the outcome.
func (o *Orchestrator) Validate(ctx context.Context, kind candidates.Kind, id string) (validator.Result, *candidates.Candidate, error) {
	const op = "validate"

	if err := o.begin(ctx, kind, id); err != nil {
		return validator.Result{}, nil, o.fail(ctx, op, kind, id, err)
	}

	unlock := o.lock(kind, id)
	defer unlock()

	start := time.Now()
	result, cand, err := o.validator.Run(ctx, kind, id)
	if err != nil {
		return result, nil, o.fail(ctx, op, kind, id, err)
	}
	o.metrics.ValidationDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	o.metrics.ValidationResults.WithLabelValues(string(kind), fmt.Sprint(result.OK)).Inc()

	msg := candidates.ReasonSmokeTestPassed
	if !result.OK {
		msg = candidates.ReasonSmokeTestFailed + ": " + firstLine(result.Details)
	}
	o.succeed(ctx, op, o.store.NewEvent(candidates.EventTested, kind, id, msg))
	return result, cand, nil
}

// Promote copies a tested candidate over its stable artifact and marks it
// promoted with the override flag cleared. On any failure the stable file
// and the record are left as they were.
func (o *Orchestrator) Promote(ctx context.Context, kind candidates.Kind, id string) (*candidates.Candidate, error) {
	const op = "promote"

	if err := o.begin(ctx, kind, id); err != nil {
		return nil, o.fail(ctx, op, kind, id, err)
	}

	unlock := o.lock(kind, id)
	defer unlock()

	cand, err := o.get(ctx, kind, id)
	if err != nil {
		return nil, o.fail(ctx, op, kind, id, err)
	}
	if err := checkPromotable(cand); err != nil {
		return nil, o.fail(ctx, op, kind, id, err)
	}
	data, err := o.repo.ReadCandidate(kind, id)
	if err != nil {
		return nil, o.fail(ctx, op, kind, id, err)
	}

	restore, err := o.repo.Promote(kind, id)
	if err != nil {
		return nil, o.fail(ctx, op, kind, id, err)
	}

	change := o.store.NewEvent(candidates.EventPromoted, kind, id, fmt.Sprintf("%s %s promoted to stable", kind, id))
	promoted, err := o.store.CommitPromotion(ctx, kind, id, change, func(current *candidates.Candidate) (*candidates.Candidate, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
		}
		if err := checkPromotable(current); err != nil {
			return nil, err
		}
		current.Status = candidates.StatusPromoted
		current.Promotion = candidates.Promotion{Eligible: true, Reason: candidates.ReasonManualPromote}
		current.UpdatedAt = o.store.Now()
		return current, nil
	})
	if err != nil {
		if rerr := restore(); rerr != nil {
			log.Printf("[Lifecycle] Failed to restore stable artifact %s/%s: %v", kind, id, rerr)
		}
		return nil, o.fail(ctx, op, kind, id, err)
	}

	if o.archiver != nil {
		if err := o.archiver.Archive(ctx, kind, id, data); err != nil {
			log.Printf("[Lifecycle] Failed to archive promoted artifact %s/%s: %v", kind, id, err)
		}
	}

	o.succeed(ctx, op, change)
	return promoted, nil
}

// ToggleOverride sets the override flag of an existing candidate. With
// RequireTestedForOverride, enabling needs a passing smoke test.
func (o *Orchestrator) ToggleOverride(ctx context.Context, kind candidates.Kind, id string, enabled bool) (*candidates.Candidate, error) {
	const op = "override"

	if err := o.begin(ctx, kind, id); err != nil {
		return nil, o.fail(ctx, op, kind, id, err)
	}

	unlock := o.lock(kind, id)
	defer unlock()

	cand, err := o.store.Mutate(ctx, kind, id, func(current *candidates.Candidate) (*candidates.Candidate, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
		}
		if enabled && o.policy.RequireTestedForOverride && (current.LastTest == nil || !current.LastTest.OK) {
			return nil, fmt.Errorf("%w: override requires a passing smoke test", ErrNotTested)
		}
		current.OverrideEnabled = enabled
		return current, nil
	})
	if err != nil {
		return nil, o.fail(ctx, op, kind, id, err)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	o.succeed(ctx, op, o.store.NewEvent(candidates.EventOverride, kind, id, "override "+state))
	return cand, nil
}

// Get returns one candidate record.
func (o *Orchestrator) Get(ctx context.Context, kind candidates.Kind, id string) (*candidates.Candidate, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	if err := candidates.ValidateID(id); err != nil {
		return nil, err
	}
	return o.get(ctx, kind, id)
}

// List returns every record of a kind sorted by id.
func (o *Orchestrator) List(ctx context.Context, kind candidates.Kind) ([]*candidates.Candidate, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	return o.store.List(ctx, kind)
}

// Events returns up to limit recent lifecycle events, newest first.
func (o *Orchestrator) Events(ctx context.Context, limit int) ([]*candidates.Event, error) {
	return o.store.Events(ctx, limit)
}

// Enabled reports the global enable flag.
func (o *Orchestrator) Enabled(ctx context.Context) (bool, error) {
	return o.store.Enabled(ctx)
}

// SetEnabled flips the global enable flag and records the change.
func (o *Orchestrator) SetEnabled(ctx context.Context, enabled bool) error {
	if err := o.store.SetEnabled(ctx, enabled); err != nil {
		return err
	}
	msg := "kiln disabled"
	if enabled {
		msg = "kiln enabled"
	}
	e := o.store.NewEvent(candidates.EventEnabled, "", "", msg)
	if err := o.store.AppendEvent(ctx, e); err != nil {
		log.Printf("[Lifecycle] Failed to append event: %v", err)
	}
	o.publish(ctx, e)
	return nil
}

// writeDraft writes code as the candidate file and stores a fresh draft
// record. shape fills identity fields from the existing record, if any.
func (o *Orchestrator) writeDraft(ctx context.Context, kind candidates.Kind, id, code string, shape func(existing, draft *candidates.Candidate)) (*candidates.Candidate, error) {
	path, err := o.repo.WriteCandidate(kind, id, code)
	if err != nil {
		return nil, err
	}
	return o.store.Mutate(ctx, kind, id, func(existing *candidates.Candidate) (*candidates.Candidate, error) {
		now := o.store.Now()
		draft := &candidates.Candidate{
			ID:        id,
			Kind:      kind,
			Path:      path,
			CreatedAt: now,
			UpdatedAt: now,
			Status:    candidates.StatusDraft,
			Promotion: candidates.PendingPromotion(),
		}
		shape(existing, draft)
		return draft, nil
	})
}

func (o *Orchestrator) generate(ctx context.Context, req generator.Request) (string, error) {
	req.Timeout = o.generationTimeout
	text, err := o.gen.Generate(ctx, req)
	if err != nil {
		if !errors.Is(err, generator.ErrGeneration) {
			err = fmt.Errorf("%w: %w", generator.ErrGeneration, err)
		}
		return "", err
	}
	code := generator.ExtractCode(text)
	if code == "" {
		return "", fmt.Errorf("%w: generator returned no code", generator.ErrGeneration)
	}
	return code, nil
}

// begin checks the arguments and the enable gate of a mutating operation.
func (o *Orchestrator) begin(ctx context.Context, kind candidates.Kind, id string) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	if err := candidates.ValidateID(id); err != nil {
		return err
	}
	enabled, err := o.store.Enabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to read enable flag: %w", err)
	}
	if !enabled {
		return ErrDisabled
	}
	return nil
}

func (o *Orchestrator) get(ctx context.Context, kind candidates.Kind, id string) (*candidates.Candidate, error) {
	cand, err := o.store.Get(ctx, kind, id)
	if err != nil {
		if candidates.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
		}
		return nil, err
	}
	return cand, nil
}

func (o *Orchestrator) lock(kind candidates.Kind, id string) func() {
	mu := o.locks.Upsert(string(kind)+"/"+id, nil, func(exist bool, inMap, _ *sync.Mutex) *sync.Mutex {
		if exist {
			return inMap
		}
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}

func checkPromotable(c *candidates.Candidate) error {
	if c.LastTest == nil || !c.LastTest.OK {
		return fmt.Errorf("%w: %s/%s", ErrNotTested, c.Kind, c.ID)
	}
	return nil
}

func (o *Orchestrator) succeed(ctx context.Context, op string, e *candidates.Event) {
	o.metrics.Operations.WithLabelValues(op, string(e.Kind), OutcomeOK).Inc()
	if err := o.store.AppendEvent(ctx, e); err != nil {
		log.Printf("[Lifecycle] Failed to append event: %v", err)
	}
	o.publish(ctx, e)
	o.logEvent(op, map[string]interface{}{
		"kind":         e.Kind,
		"candidate_id": e.CandidateID,
		"message":      e.Message,
	})
}

// fail records err in the error log and metrics and returns it unchanged.
func (o *Orchestrator) fail(ctx context.Context, op string, kind candidates.Kind, id string, err error) error {
	outcome := OutcomeError
	if isRejection(err) {
		outcome = OutcomeRejected
	}
	o.metrics.Operations.WithLabelValues(op, string(kind), outcome).Inc()

	if !errors.Is(err, ErrDisabled) {
		e := o.store.NewEvent(candidates.EventError, kind, id, fmt.Sprintf("%s failed: %v", op, err))
		if aerr := o.store.AppendError(ctx, e); aerr != nil {
			log.Printf("[Lifecycle] Failed to append error: %v", aerr)
		}
	}

	o.logEvent(op+"_failed", map[string]interface{}{
		"level":        "error",
		"kind":         kind,
		"candidate_id": id,
		"outcome":      outcome,
		"error":        err.Error(),
	})
	return err
}

func (o *Orchestrator) publish(ctx context.Context, e *candidates.Event) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, e); err != nil {
		log.Printf("[Lifecycle] Failed to publish event %s: %v", e.ID, err)
	}
}

func isRejection(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotTested) ||
		errors.Is(err, ErrDisabled) ||
		errors.Is(err, artifacts.ErrMissingArtifact)
}

// logEvent writes a structured JSON log line.
func (o *Orchestrator) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if _, ok := data["level"]; !ok {
		data["level"] = "info"
	}
	data["component"] = "lifecycle"
	data["event_type"] = eventType
	if o.instance != "" {
		data["instance"] = o.instance
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Lifecycle] Failed to marshal log event: %v", err)
		return
	}
	log.Println(string(jsonData))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
