package eventapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/hush/internal/triage"
)

// defaultListWindow applies to event listing without since_hours.
const defaultListWindow = 24 * time.Hour

// handleIngest accepts one raw event. By default the event is queued for the
// ingestion task and 202 is returned; ?wait=true triages synchronously and
// returns the outcome.
func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var raw triage.RawEvent
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if raw.OriginAt.IsZero() {
		raw.OriginAt = a.now().UTC()
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("hush.event.source", raw.Source))

	if wait, _ := parseBool(r.URL.Query().Get("wait")); wait {
		out, err := a.svc.Ingest(r.Context(), &raw)
		if err != nil {
			a.fail(w, r, err, "failed to ingest event")
			return
		}
		span.SetAttributes(
			attribute.String("hush.event.id", out.Event.ID),
			attribute.String("hush.event.disposition", string(out.Decision.Disposition)),
		)
		writeJSON(w, http.StatusOK, out)
		return
	}

	if err := a.svc.Enqueue(&raw); err != nil {
		a.fail(w, r, err, "failed to enqueue event")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
}

func (a *API) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("hush.event.id", id))

	ev, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get event")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("hush.event.disposition", string(ev.Disposition)))
	writeJSON(w, http.StatusOK, ev)
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	d := triage.Disposition(strings.ToLower(r.URL.Query().Get("disposition")))
	if d == "" {
		d = triage.DispositionDigest
	}
	window, err := hoursParam(r, "since_hours", defaultListWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := a.svc.List(r.Context(), d, window)
	if err != nil {
		a.fail(w, r, err, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"disposition": d,
		"count":       len(events),
		"events":      events,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	window, err := hoursParam(r, "hours", triage.DefaultDigestLookback)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Statistics(r.Context(), window))
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	}
	return false, false
}
