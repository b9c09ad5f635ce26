// Package app assembles the kiln components from a loaded configuration.
// Both the kiln CLI and the kilnd daemon build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/kiln/internal/archive"
	"github.com/dyluth/kiln/internal/artifacts"
	"github.com/dyluth/kiln/internal/config"
	"github.com/dyluth/kiln/internal/docker"
	"github.com/dyluth/kiln/internal/events"
	"github.com/dyluth/kiln/internal/generator"
	"github.com/dyluth/kiln/internal/lifecycle"
	"github.com/dyluth/kiln/internal/loader"
	"github.com/dyluth/kiln/internal/registry"
	"github.com/dyluth/kiln/internal/validator"
	"github.com/dyluth/kiln/pkg/candidates"
	"github.com/prometheus/client_golang/prometheus"
)

// Options tune how the components are built.
type Options struct {
	// Registry receives every collector. Nil leaves metrics unregistered.
	Registry *prometheus.Registry

	// Generator replaces the configured HTTP generator.
	Generator generator.Generator

	// SmokeCommand replaces validator.command for process-mode smoke tests.
	SmokeCommand []string

	// StoreOptions are passed to the candidate store client.
	StoreOptions []candidates.Option
}

// App holds the wired components. Close releases them.
type App struct {
	Config    *config.KilnConfig
	Store     *candidates.Client
	Repo      *artifacts.Repository
	Loader    *loader.Loader
	Validator *validator.Validator
	Lifecycle *lifecycle.Orchestrator
	Resolver  *registry.Resolver

	closers []func() error
}

// New connects to Redis and builds every component of cfg.
func New(ctx context.Context, cfg *config.KilnConfig, opts Options) (*App, error) {
	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return nil, err
	}

	store, err := candidates.NewClient(redisOpts, cfg.Instance, opts.StoreOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create candidate store: %w", err)
	}
	a := &App{Config: cfg, Store: store}
	a.closers = append(a.closers, store.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		a.Close()
		return nil, fmt.Errorf("redis not accessible at %s: %w", redisOpts.Addr, err)
	}

	a.Repo = artifacts.NewRepository(cfg.Artifacts)
	a.Loader = loader.New()
	sb, err := a.sandbox(ctx, opts.SmokeCommand)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Validator = validator.New(a.Repo, store, sb)

	gen := opts.Generator
	if gen == nil {
		gen, err = generator.NewHTTP(generator.HTTPConfigFrom(cfg.Generator))
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	var reg prometheus.Registerer
	if opts.Registry != nil {
		reg = opts.Registry
	}

	lifecycleOpts := []lifecycle.Option{
		lifecycle.WithPolicy(cfg.Lifecycle),
		lifecycle.WithInstance(cfg.Instance),
		lifecycle.WithMetrics(lifecycle.NewMetrics(reg)),
		lifecycle.WithGenerationTimeout(generationBudget(cfg.Generator)),
	}

	if cfg.Events != nil {
		pub, err := events.NewPublisher(*cfg.Events)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithEventPublisher(pub))
		log.Printf("[App] Publishing lifecycle events to topic %s", cfg.Events.Topic)
	}

	if cfg.Archive != nil {
		arch, err := archive.NewS3Archiver(ctx, *cfg.Archive)
		if err != nil {
			a.Close()
			return nil, err
		}
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithArchiver(arch))
		log.Printf("[App] Archiving promoted artifacts to s3://%s", cfg.Archive.Bucket)
	}

	a.Lifecycle = lifecycle.New(store, a.Repo, gen, a.Validator, lifecycleOpts...)

	resolverOpts := []registry.Option{
		registry.WithWorkers(cfg.Resolver.Workers),
		registry.WithLoadTimeout(cfg.Validator.Timeout),
	}
	if checker, ok := sb.(validator.LoadChecker); ok {
		resolverOpts = append(resolverOpts, registry.WithLoadChecker(checker))
	}
	if reg != nil {
		resolverOpts = append(resolverOpts, registry.WithRegisterer(reg))
	}
	a.Resolver = registry.New(a.Repo, store, a.Loader, resolverOpts...)

	return a, nil
}

func (a *App) sandbox(ctx context.Context, command []string) (validator.Sandbox, error) {
	vc := a.Config.Validator
	if len(command) == 0 {
		command = vc.Command
	}

	switch vc.Mode {
	case config.ValidatorModeInProcess:
		return &validator.InProcess{Loader: a.Loader, Timeout: vc.Timeout}, nil
	case config.ValidatorModeDocker:
		cli, err := docker.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cli.Close)
		log.Printf("[App] Smoke tests run in containers from image %s", vc.Image)
		return &validator.Docker{
			Client:   cli,
			Image:    vc.Image,
			Command:  command,
			Instance: a.Config.Instance,
			Timeout:  vc.Timeout,
			Memory:   vc.Memory,
		}, nil
	}
	return &validator.Process{Command: command, Timeout: vc.Timeout}, nil
}

// Close releases every component in reverse creation order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// generationBudget covers every attempt of one generator call.
func generationBudget(g config.GeneratorConfig) time.Duration {
	attempts := 1
	if g.MaxRetries != nil {
		attempts += *g.MaxRetries
	}
	return time.Duration(attempts) * g.Timeout
}
