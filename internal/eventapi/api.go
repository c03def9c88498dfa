// Package eventapi is the HTTP command surface of hush: event ingestion and
// queries, statistics, policy operations, on-demand digests and job listing.
package eventapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/hush/internal/scheduler"
	"github.com/linnemanlabs/hush/internal/triage"
)

// TriageService defines the business operations eventapi needs.
type TriageService interface {
	Ingest(ctx context.Context, raw *triage.RawEvent) (*triage.Outcome, error)
	Enqueue(raw *triage.RawEvent) error
	Get(ctx context.Context, id string) (*triage.Event, bool, error)
	List(ctx context.Context, d triage.Disposition, window time.Duration) ([]*triage.Event, error)
	Statistics(ctx context.Context, window time.Duration) *triage.Stats
	Policies() *triage.Policies
	ApplyPolicy(ctx context.Context, cmd triage.PolicyCommand) (*triage.PolicyResult, error)
	Digest(ctx context.Context, req triage.DigestRequest) (*triage.Digest, error)
}

// JobRunner lists and triggers scheduled jobs.
type JobRunner interface {
	Jobs() []scheduler.JobInfo
	RunNow(ctx context.Context, id string) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
	jobs   JobRunner
	now    func() time.Time
}

// New creates a new API handler. jobs may be nil, in which case the job
// endpoints report an empty schedule.
func New(logger log.Logger, svc TriageService, jobs JobRunner) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		jobs:   jobs,
		now:    time.Now,
	}
}

// RegisterRoutes attaches API endpoints to the router. Middleware in mw wraps
// every API route but not the router's other routes.
func (a *API) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw...)

		r.Post("/events", a.handleIngest)
		r.Get("/events", a.handleListEvents)
		r.Get("/events/{id}", a.handleGetEvent)

		r.Get("/stats", a.handleStats)

		r.Get("/policies", a.handleGetPolicies)
		r.Post("/policies", a.handleApplyPolicy)

		r.Post("/digests", a.handleDigest)

		r.Get("/jobs", a.handleListJobs)
		r.Post("/jobs/{id}/run", a.handleRunJob)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps service errors onto response codes. Unexpected failures are
// logged; their detail never reaches the client.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, triage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, triage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, triage.ErrQueueFull), errors.Is(err, triage.ErrSourceClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case triage.IsStorageError(err):
		a.logger.Error(r.Context(), err, msg)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		a.logger.Error(r.Context(), err, msg)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// hoursParam reads a positive number of hours from the query string.
func hoursParam(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	h, err := strconv.ParseFloat(v, 64)
	if err != nil || h <= 0 {
		return 0, errors.New(name + " must be a positive number")
	}
	return time.Duration(h * float64(time.Hour)), nil
}
