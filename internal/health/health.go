// Package health serves kilnd's liveness, readiness and metrics endpoints
// and keeps the instance heartbeat fresh.
package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StaleFactor is how many heartbeat intervals may pass before the instance
// is considered dead.
const StaleFactor = 3

// Store is the slice of the candidate store health checks use.
type Store interface {
	Ping(ctx context.Context) error
	Heartbeat(ctx context.Context, t time.Time) error
	LastHeartbeat(ctx context.Context) (time.Time, error)
	Now() time.Time
}

// Heartbeater refreshes the instance heartbeat every Interval.
type Heartbeater struct {
	Store    Store
	Interval time.Duration
}

// Run beats once immediately, then every Interval until ctx is cancelled.
// Failed beats are logged and retried on the next tick.
func (h *Heartbeater) Run(ctx context.Context) error {
	if h.Interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		if err := h.Store.Heartbeat(ctx, h.Store.Now()); err != nil && ctx.Err() == nil {
			log.Printf("[Health] Failed to write heartbeat: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// HeartbeatCheck fails when the last heartbeat is missing or older than
// StaleFactor intervals.
func HeartbeatCheck(store Store, interval time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		last, err := store.LastHeartbeat(ctx)
		if err != nil {
			return fmt.Errorf("read heartbeat: %w", err)
		}
		if last.IsZero() {
			return errors.New("no heartbeat recorded")
		}
		if age := store.Now().Sub(last); age > StaleFactor*interval {
			return fmt.Errorf("heartbeat is %s old (limit %s)", age.Truncate(time.Millisecond), StaleFactor*interval)
		}
		return nil
	}
}

// RedisCheck fails when Redis does not answer a PING.
func RedisCheck(store Store) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return store.Ping(ctx)
	}
}

// Server exposes /live, /ready, /healthz and /metrics.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer builds the health handler. Check results are also exported as
// kiln_healthcheck_status gauges on reg.
func NewServer(addr string, store Store, interval time.Duration, reg *prometheus.Registry) *Server {
	checks := healthcheck.NewMetricsHandler(reg, "kiln")
	checks.AddLivenessCheck("heartbeat", HeartbeatCheck(store, interval))
	checks.AddReadinessCheck("redis", healthcheck.Timeout(RedisCheck(store), 3*time.Second))

	mux := http.NewServeMux()
	mux.HandleFunc("/live", checks.LiveEndpoint)
	mux.HandleFunc("/ready", checks.ReadyEndpoint)
	mux.HandleFunc("/healthz", checks.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &Server{
		handler: mux,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Health] Server error: %v", err)
		}
	}()
	log.Printf("[Health] Listening on %s", s.server.Addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
