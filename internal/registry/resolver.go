// Package registry builds the id to artifact mapping a host runs: stable
// artifacts, with enabled overrides substituted by their candidates.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/kiln/internal/artifacts"
	"github.com/dyluth/kiln/internal/loader"
	"github.com/dyluth/kiln/internal/validator"
	"github.com/dyluth/kiln/pkg/candidates"
	"github.com/dyluth/kiln/pkg/capability"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Source tells where a resolved entry was loaded from.
type Source string

const (
	SourceStable    Source = "stable"
	SourceOverride  Source = "override" // candidate substituted for a stable entry
	SourceCandidate Source = "candidate"
)

var sources = []Source{SourceStable, SourceOverride, SourceCandidate}

// Entry is one resolved artifact.
type Entry struct {
	ID         string
	Source     Source
	Path       string
	Token      string
	Capability capability.Capability
}

// Registry is the resolved mapping of one kind.
type Registry struct {
	Kind    candidates.Kind
	Enabled bool // false means overrides were not considered
	Entries map[string]*Entry
}

// IDs returns the resolved ids in lexicographic order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.Entries))
	for id := range r.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Capabilities returns the id to capability mapping handed to the host.
func (r *Registry) Capabilities() map[string]capability.Capability {
	out := make(map[string]capability.Capability, len(r.Entries))
	for id, e := range r.Entries {
		out[id] = e.Capability
	}
	return out
}

// Store is what the resolver reads from the candidate store.
type Store interface {
	List(ctx context.Context, kind candidates.Kind) ([]*candidates.Candidate, error)
	Enabled(ctx context.Context) (bool, error)
}

// Resolver builds registries. Resolve is read-only and safe to repeat.
type Resolver struct {
	repo        *artifacts.Repository
	store       Store
	loader      *loader.Loader
	checker     validator.LoadChecker
	workers     int
	loadTimeout time.Duration
	entries     *prometheus.GaugeVec
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithWorkers bounds how many artifacts are loaded concurrently.
func WithWorkers(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithLoadChecker makes every file pass an isolated load check before it
// is loaded into this process. Files that crash or hang the check are
// skipped.
func WithLoadChecker(c validator.LoadChecker) Option {
	return func(r *Resolver) { r.checker = c }
}

// WithLoadTimeout bounds each in-process load. A load that overruns is
// abandoned and its file skipped.
func WithLoadTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.loadTimeout = d
		}
	}
}

// WithRegisterer registers the resolver's gauge with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Resolver) { reg.MustRegister(r.entries) }
}

// New creates a Resolver.
func New(repo *artifacts.Repository, store Store, l *loader.Loader, opts ...Option) *Resolver {
	r := &Resolver{
		repo:    repo,
		store:   store,
		loader:      l,
		workers:     4,
		loadTimeout: validator.DefaultTimeout,
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kiln",
			Subsystem: "registry",
			Name:      "entries",
			Help:      "Entries in the last resolved registry by kind and source.",
		}, []string{"kind", "source"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EntriesGauge exposes the resolved-entries gauge.
func (r *Resolver) EntriesGauge() *prometheus.GaugeVec {
	return r.entries
}

type loadJob struct {
	id   string // registry id the result is filed under; empty for stable scans
	stem string
	path string
}

type loadResult struct {
	unit *loader.Unit
	err  error
}

// Resolve builds the registry of kind. Stable files are scanned in
// lexicographic order and the first file to claim an id wins. Enabled
// overrides then replace stable entries with their candidates, or add
// candidate-only entries; a candidate that fails to load never displaces a
// working stable entry. While the enable flag is off only stable artifacts
// are resolved. Files that fail the load check or overrun the load deadline
// are skipped like any other broken file.
func (r *Resolver) Resolve(ctx context.Context, kind candidates.Kind) (*Registry, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	names, err := r.repo.ListStable(kind)
	if err != nil {
		return nil, err
	}

	var stableJobs []loadJob
	for _, name := range names {
		stem := strings.TrimSuffix(name, artifacts.Extension)
		if strings.HasPrefix(name, "_") || !candidates.IsSafeID(stem) {
			continue
		}
		stableJobs = append(stableJobs, loadJob{stem: stem, path: filepath.Join(r.repo.StableDir(kind), name)})
	}

	results, err := r.loadAll(ctx, kind, stableJobs)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reg := &Registry{Kind: kind, Entries: make(map[string]*Entry)}
	for i, job := range stableJobs {
		res := results[i]
		if res.err != nil {
			log.Printf("[Registry] Skipping stable %s %s: %v", kind, job.stem, firstLine(res.err.Error()))
			continue
		}
		id := strings.TrimSpace(res.unit.Name())
		if id == "" {
			id = job.stem
		}
		if prev, ok := reg.Entries[id]; ok {
			log.Printf("[Registry] Duplicate %s id %q in %s (already loaded from %s), skipping", kind, id, job.path, prev.Path)
			continue
		}
		res.unit.Retag(id)
		reg.Entries[id] = newEntry(id, SourceStable, res.unit)
	}

	enabled, err := r.store.Enabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read enable flag: %w", err)
	}
	reg.Enabled = enabled
	if !enabled {
		r.record(reg)
		return reg, nil
	}

	records, err := r.store.List(ctx, kind)
	if err != nil {
		return nil, err
	}

	var overrideJobs []loadJob
	for _, rec := range records {
		if !rec.OverrideEnabled || !candidates.IsSafeID(rec.ID) || !r.repo.CandidateExists(kind, rec.ID) {
			continue
		}
		overrideJobs = append(overrideJobs, loadJob{id: rec.ID, stem: rec.ID, path: r.repo.CandidatePath(kind, rec.ID)})
	}

	results, err = r.loadAll(ctx, kind, overrideJobs)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i, job := range overrideJobs {
		res := results[i]
		_, isStable := reg.Entries[job.id]
		if res.err != nil {
			if isStable {
				log.Printf("[Registry] Override %s %s failed to load, keeping stable: %v", kind, job.id, firstLine(res.err.Error()))
			} else {
				log.Printf("[Registry] Skipping candidate %s %s: %v", kind, job.id, firstLine(res.err.Error()))
			}
			continue
		}
		res.unit.Retag(job.id)
		source := SourceCandidate
		if isStable {
			source = SourceOverride
		}
		reg.Entries[job.id] = newEntry(job.id, source, res.unit)
	}

	r.record(reg)
	return reg, nil
}

// loadAll loads jobs on a bounded pool. results[i] belongs to jobs[i]
// whatever order the loads finish in.
func (r *Resolver) loadAll(ctx context.Context, kind candidates.Kind, jobs []loadJob) ([]loadResult, error) {
	results := make([]loadResult, len(jobs))
	if len(jobs) == 0 {
		return results, nil
	}

	pool, err := ants.NewPool(r.workers)
	if err != nil {
		return nil, fmt.Errorf("failed to start resolver pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := range jobs {
		i := i
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = r.load(ctx, kind, jobs[i].path)
		}
		if err := pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	return results, nil
}

// load runs the isolated check, if any, then evaluates the file in this
// process under the load deadline.
func (r *Resolver) load(ctx context.Context, kind candidates.Kind, path string) loadResult {
	if r.checker != nil {
		if res := r.checker.CheckLoad(ctx, kind, path); !res.OK {
			return loadResult{err: fmt.Errorf("isolated load check failed: %s", res.Details)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.loadTimeout)
	defer cancel()

	done := make(chan loadResult, 1)
	go func() { done <- r.loadUnit(ctx, kind, path) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return loadResult{err: fmt.Errorf("load timed out after %s", r.loadTimeout)}
		}
		return loadResult{err: fmt.Errorf("load abandoned: %w", ctx.Err())}
	}
}

// loadUnit evaluates one file and checks it against the contract. The
// declared name is not required since every entry is retagged to its
// registry id.
func (r *Resolver) loadUnit(ctx context.Context, kind candidates.Kind, path string) loadResult {
	unit, err := r.loader.Load(ctx, kind, path)
	if err != nil {
		return loadResult{err: err}
	}
	var missing []string
	for _, attr := range unit.Missing() {
		if attr != capability.AttrName {
			missing = append(missing, attr)
		}
	}
	if len(missing) > 0 {
		return loadResult{err: fmt.Errorf("does not conform to %s contract, missing %s", kind, strings.Join(missing, ", "))}
	}
	return loadResult{unit: unit}
}

func (r *Resolver) record(reg *Registry) {
	counts := make(map[Source]int, len(sources))
	for _, e := range reg.Entries {
		counts[e.Source]++
	}
	for _, s := range sources {
		r.entries.WithLabelValues(string(reg.Kind), string(s)).Set(float64(counts[s]))
	}
	log.Printf("[Registry] Resolved %d %s entries (stable=%d override=%d candidate=%d enabled=%t)",
		len(reg.Entries), reg.Kind, counts[SourceStable], counts[SourceOverride], counts[SourceCandidate], reg.Enabled)
}

func newEntry(id string, source Source, u *loader.Unit) *Entry {
	return &Entry{ID: id, Source: source, Path: u.Path, Token: u.Token, Capability: u.Capability()}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
