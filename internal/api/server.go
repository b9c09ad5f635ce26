// Package api serves the kilnd HTTP interface to the lifecycle orchestrator
// and the registry resolver.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/dyluth/kiln/internal/artifacts"
	"github.com/dyluth/kiln/internal/generator"
	"github.com/dyluth/kiln/internal/lifecycle"
	"github.com/dyluth/kiln/internal/registry"
	"github.com/dyluth/kiln/internal/validator"
	"github.com/dyluth/kiln/pkg/candidates"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Lifecycle is the orchestrator surface the API exposes.
// *lifecycle.Orchestrator implements it.
type Lifecycle interface {
	Create(ctx context.Context, kind candidates.Kind, specText, baseID string) (*candidates.Candidate, error)
	Update(ctx context.Context, kind candidates.Kind, id, goalText string) (*candidates.Candidate, error)
	Validate(ctx context.Context, kind candidates.Kind, id string) (validator.Result, *candidates.Candidate, error)
	Promote(ctx context.Context, kind candidates.Kind, id string) (*candidates.Candidate, error)
	ToggleOverride(ctx context.Context, kind candidates.Kind, id string, enabled bool) (*candidates.Candidate, error)
	Get(ctx context.Context, kind candidates.Kind, id string) (*candidates.Candidate, error)
	List(ctx context.Context, kind candidates.Kind) ([]*candidates.Candidate, error)
	Events(ctx context.Context, limit int) ([]*candidates.Event, error)
}

// Resolver builds registries. *registry.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, kind candidates.Kind) (*registry.Registry, error)
}

// DefaultEventLimit is used when /v1/events has no limit parameter.
const DefaultEventLimit = 100

// Server routes HTTP requests to the orchestrator.
type Server struct {
	lifecycle Lifecycle
	resolver  Resolver
	auth      *Authenticator
	timeout   time.Duration
}

// New creates a Server. timeout bounds each request, and must cover a
// generator call.
func New(l Lifecycle, r Resolver, auth *Authenticator, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Server{lifecycle: l, resolver: r, auth: auth, timeout: timeout}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/events", s.handleEvents)

		r.Route("/{kind}", func(r chi.Router) {
			r.Use(kindCtx)
			r.Get("/registry", s.handleRegistry)
			r.Get("/candidates", s.handleList)
			r.Post("/candidates", s.handleCreate)

			r.Route("/candidates/{id}", func(r chi.Router) {
				r.Use(idCtx)
				r.Get("/", s.handleGet)
				r.Post("/update", s.handleUpdate)
				r.Post("/validate", s.handleValidate)
				r.Group(func(r chi.Router) {
					r.Use(s.auth.RequireRole(RoleOperator))
					r.Post("/promote", s.handlePromote)
					r.Put("/override", s.handleOverride)
				})
			})
		})
	})

	return r
}

type pathKey string

const (
	kindKey pathKey = "kind"
	idKey   pathKey = "id"
)

func kindCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind, err := candidates.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), kindKey, kind)))
	})
}

func idCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := candidates.ValidateID(id); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), idKey, id)))
	})
}

func kindOf(r *http.Request) candidates.Kind {
	return r.Context().Value(kindKey).(candidates.Kind)
}

func idOf(r *http.Request) string {
	return r.Context().Value(idKey).(string)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.lifecycle.List(r.Context(), kindOf(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"candidates": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	cand, err := s.lifecycle.Get(r.Context(), kindOf(r), idOf(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cand)
}

type createRequest struct {
	Spec   string `json:"spec"`
	BaseID string `json:"base_id,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Spec == "" {
		respondError(w, http.StatusBadRequest, "spec is required")
		return
	}
	if req.BaseID != "" {
		if err := candidates.ValidateID(req.BaseID); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	cand, err := s.lifecycle.Create(r.Context(), kindOf(r), req.Spec, req.BaseID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cand)
}

type updateRequest struct {
	Goal string `json:"goal"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Goal == "" {
		respondError(w, http.StatusBadRequest, "goal is required")
		return
	}
	cand, err := s.lifecycle.Update(r.Context(), kindOf(r), idOf(r), req.Goal)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cand)
}

type validateResponse struct {
	Result    validator.Result      `json:"result"`
	Candidate *candidates.Candidate `json:"candidate"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	result, cand, err := s.lifecycle.Validate(r.Context(), kindOf(r), idOf(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, validateResponse{Result: result, Candidate: cand})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	cand, err := s.lifecycle.Promote(r.Context(), kindOf(r), idOf(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cand)
}

type overrideRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	cand, err := s.lifecycle.ToggleOverride(r.Context(), kindOf(r), idOf(r), *req.Enabled)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cand)
}

type registryEntry struct {
	ID     string          `json:"id"`
	Source registry.Source `json:"source"`
	Path   string          `json:"path"`
	Token  string          `json:"token"`
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	reg, err := s.resolver.Resolve(r.Context(), kindOf(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	entries := make([]registryEntry, 0, len(reg.Entries))
	for _, id := range reg.IDs() {
		e := reg.Entries[id]
		entries = append(entries, registryEntry{ID: id, Source: e.Source, Path: e.Path, Token: e.Token})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"kind":    reg.Kind,
		"enabled": reg.Enabled,
		"entries": entries,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := DefaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > candidates.MaxEvents {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(candidates.MaxEvents))
			return
		}
		limit = n
	}
	events, err := s.lifecycle.Events(r.Context(), limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// StatusFor maps lifecycle errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotTested), errors.Is(err, artifacts.ErrMissingArtifact):
		return http.StatusConflict
	case errors.Is(err, candidates.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, generator.ErrGeneration):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func respondErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[API] Internal error: %v", err)
	}
	respondError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
