package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/kiln/internal/api"
	"github.com/dyluth/kiln/internal/app"
	"github.com/dyluth/kiln/internal/config"
	"github.com/dyluth/kiln/internal/health"
	"github.com/dyluth/kiln/internal/validator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Exit with appropriate code
	os.Exit(run(os.Args[1:]))
}

// run contains the main logic and returns an exit code, so deferred
// cleanup always runs.
func run(args []string) int {
	// Process-isolated smoke tests re-execute this binary in child mode.
	if len(args) > 0 && args[0] == validator.SmokeCommand {
		if err := validator.ServeChild(context.Background(), validator.ChildInput(os.Stdin), os.Stdout); err != nil {
			log.Printf("[ERROR] Smoke child failed: %v", err)
			return 1
		}
		return 0
	}

	fs := flag.NewFlagSet("kilnd", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to kiln.yml")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Printf("[ERROR] Configuration error: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(ctx, cfg, app.Options{Registry: reg})
	if err != nil {
		log.Printf("[ERROR] Failed to start: %v", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("[ERROR] Error closing components: %v", err)
		}
	}()
	log.Printf("[INFO] kilnd starting for instance '%s'", cfg.Instance)

	auth := api.NewAuthenticator(os.Getenv(cfg.API.JWTSecretEnv))
	if !auth.Enabled() {
		log.Printf("[WARN] %s is not set; API authentication is disabled", cfg.API.JWTSecretEnv)
	}

	apiServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.New(a.Lifecycle, a.Resolver, auth, requestTimeout(cfg)).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthServer := health.NewServer(cfg.Health.Addr, a.Store, cfg.Health.HeartbeatInterval, reg)
	healthServer.Start()

	heartbeatDone := make(chan error, 1)
	go func() {
		heartbeatDone <- (&health.Heartbeater{Store: a.Store, Interval: cfg.Health.HeartbeatInterval}).Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[INFO] API listening on %s", cfg.API.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Printf("[INFO] Received shutdown signal")
	case err := <-serveErr:
		log.Printf("[ERROR] API server failed: %v", err)
		exitCode = 1
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] API shutdown: %v", err)
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] Health shutdown: %v", err)
	}
	if err := <-heartbeatDone; err != nil {
		log.Printf("[ERROR] Heartbeat: %v", err)
	}

	log.Printf("[INFO] kilnd stopped")
	return exitCode
}

// requestTimeout must cover a full generation plus a smoke test.
func requestTimeout(cfg *config.KilnConfig) time.Duration {
	attempts := 1
	if cfg.Generator.MaxRetries != nil {
		attempts += *cfg.Generator.MaxRetries
	}
	return time.Duration(attempts)*cfg.Generator.Timeout + cfg.Validator.Timeout + 10*time.Second
}
