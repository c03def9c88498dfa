package eventapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/hush/internal/scheduler"
	"github.com/linnemanlabs/hush/internal/triage"
)

type digestRequest struct {
	Label         string  `json:"label"`
	LookbackHours float64 `json:"lookback_hours"`
	Clear         *bool   `json:"clear"`
}

// handleDigest generates a digest on demand. An empty body produces a
// "manual" digest over the default lookback that drains held events.
func (a *API) handleDigest(w http.ResponseWriter, r *http.Request) {
	var req digestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.LookbackHours < 0 {
		writeError(w, http.StatusBadRequest, "lookback_hours must not be negative")
		return
	}

	dr := triage.DigestRequest{
		Label:    req.Label,
		Lookback: time.Duration(req.LookbackHours * float64(time.Hour)),
		Clear:    true,
	}
	if dr.Label == "" {
		dr.Label = "manual"
	}
	if req.Clear != nil {
		dr.Clear = *req.Clear
	}

	dg, err := a.svc.Digest(r.Context(), dr)
	if err != nil {
		a.fail(w, r, err, "digest generation failed")
		return
	}
	writeJSON(w, http.StatusOK, dg)
}

func (a *API) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := []scheduler.JobInfo{}
	if a.jobs != nil {
		jobs = a.jobs.Jobs()
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *API) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if a.jobs == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	err := a.jobs.RunNow(r.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, scheduler.ErrJobRunning):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		a.fail(w, r, err, "job run failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"job": id, "ran": true})
	}
}
