package eventapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/hush/internal/authmw"
	"github.com/linnemanlabs/hush/internal/scheduler"
	"github.com/linnemanlabs/hush/internal/triage"
	"github.com/linnemanlabs/hush/internal/triage/memstore"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []*triage.Alert
}

func (s *recordingSink) Deliver(_ context.Context, a *triage.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type testEnv struct {
	router chi.Router
	queue  *triage.QueueSource
	sink   *recordingSink
	sched  *scheduler.Scheduler
	runs   *int
}

func newTestEnv(t *testing.T, queueSize int, mw ...func(http.Handler) http.Handler) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	policy, err := triage.NewPolicyStore(ctx, store, log.Nop())
	if err != nil {
		t.Fatalf("NewPolicyStore: %v", err)
	}
	sink := &recordingSink{}
	pipe := triage.NewPipeline(store, triage.NewEngine(policy), sink, log.Nop())
	dig := triage.NewDigester(store, sink, log.Nop())
	queue := triage.NewQueueSource(queueSize)
	svc := triage.NewService(policy, store, pipe, dig, queue, log.Nop())

	runs := 0
	sched := scheduler.New(log.Nop())
	if err := sched.Register(scheduler.Job{
		ID:      "daily-cleanup",
		Trigger: scheduler.Every(24 * time.Hour),
		Run: func(context.Context) error {
			runs++
			return nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	New(log.Nop(), svc, sched).RegisterRoutes(r, mw...)
	return &testEnv{router: r, queue: queue, sink: sink, sched: sched, runs: &runs}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var resp map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s response: %v (body %q)", method, path, err, rec.Body.String())
		}
	}
	return rec, resp
}

const heldEvent = `{"source":"Chat","title":"lunch?","body":"anyone","sender":"Bob","origin_timestamp":"2026-03-01T12:00:00Z"}`

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, &triage.Service{}, nil)
	if api.logger == nil {
		t.Fatal("New(nil, svc, nil) left logger nil; expected Nop logger")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil, nil) did not panic; expected panic for nil service")
		}
	}()
	New(nil, nil, nil)
}

func TestFail_StatusMapping(t *testing.T) {
	t.Parallel()

	api := New(log.Nop(), &triage.Service{}, nil)
	tests := []struct {
		name string
		err  error
		want int
		body string
	}{
		{"not found", fmt.Errorf("get: %w", triage.ErrNotFound), http.StatusNotFound, "not found"},
		{"queue full", triage.ErrQueueFull, http.StatusServiceUnavailable, triage.ErrQueueFull.Error()},
		{"storage", fmt.Errorf("list: %w", triage.NewStorageError("list events", errors.New("db down"))), http.StatusServiceUnavailable, "storage unavailable"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			api.fail(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events", http.NoBody), tt.err, "request failed")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var resp map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp["error"] != tt.body {
				t.Errorf("error = %q, want %q", resp["error"], tt.body)
			}
		})
	}
}

// Routing

func TestRegisterRoutes_MethodsAndNotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{http.MethodPut, "/api/v1/events", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/api/v1/events/abc", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/v1/stats", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/api/v1/policies", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/digests", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/jobs/daily-cleanup/run", http.StatusMethodNotAllowed},
		{http.MethodGet, "/", http.StatusNotFound},
		{http.MethodGet, "/api/v1", http.StatusNotFound},
		{http.MethodGet, "/api/v2/events", http.StatusNotFound},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/v1/events/missing", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			rec, _ := env.do(t, tt.method, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

// Ingestion

func TestHandleIngest_Queued(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)
	rec, resp := env.do(t, http.MethodPost, "/api/v1/events", heldEvent)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	if resp["queued"] != true {
		t.Errorf("resp = %v", resp)
	}
	if env.queue.Len() != 1 {
		t.Errorf("queue len = %d, want 1", env.queue.Len())
	}
}

func TestHandleIngest_DefaultsOriginTimestamp(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)
	rec, resp := env.do(t, http.MethodPost, "/api/v1/events?wait=true", `{"source":"Mail","title":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	ev := resp["event"].(map[string]any)
	if ev["origin_timestamp"] == "0001-01-01T00:00:00Z" {
		t.Error("origin timestamp was not defaulted")
	}
}

func TestHandleIngest_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"invalid JSON", "/api/v1/events", `{bad`, http.StatusBadRequest},
		{"unknown field", "/api/v1/events", `{"source":"Mail","title":"x","priority":9}`, http.StatusBadRequest},
		{"missing source", "/api/v1/events", `{"title":"x"}`, http.StatusBadRequest},
		{"missing title and body", "/api/v1/events?wait=true", `{"source":"Mail"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, 4)
			rec, resp := env.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if _, ok := resp["error"]; !ok {
				t.Errorf("expected error field, got %v", resp)
			}
		})
	}
}

func TestHandleIngest_QueueFull(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 1)
	if rec, _ := env.do(t, http.MethodPost, "/api/v1/events", heldEvent); rec.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", rec.Code)
	}
	rec, _ := env.do(t, http.MethodPost, "/api/v1/events", heldEvent)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("second status = %d, want 503", rec.Code)
	}
}

func TestIngestThenQuery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)
	rec, out := env.do(t, http.MethodPost, "/api/v1/events?wait=true", heldEvent)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d (body %s)", rec.Code, rec.Body.String())
	}
	decision := out["decision"].(map[string]any)
	if decision["disposition"] != "digest" {
		t.Fatalf("disposition = %v, want digest", decision["disposition"])
	}
	id := out["event"].(map[string]any)["id"].(string)

	rec, ev := env.do(t, http.MethodGet, "/api/v1/events/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if ev["disposition"] != "digest" || ev["sender"] != "Bob" {
		t.Errorf("event = %v", ev)
	}

	rec, list := env.do(t, http.MethodGet, "/api/v1/events?disposition=digest&since_hours=100000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if list["count"] != float64(1) {
		t.Errorf("count = %v, want 1", list["count"])
	}

	for _, bad := range []string{"?disposition=bogus", "?since_hours=abc", "?since_hours=-1"} {
		if rec, _ := env.do(t, http.MethodGet, "/api/v1/events"+bad, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("GET /api/v1/events%s = %d, want 400", bad, rec.Code)
		}
	}
}

func TestHandleStats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)
	env.do(t, http.MethodPost, "/api/v1/events?wait=true", `{"source":"Mail","title":"now"}`)

	rec, st := env.do(t, http.MethodGet, "/api/v1/stats?hours=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if st["total"] != float64(1) || st["timeframe_hours"] != float64(1) {
		t.Errorf("stats = %v", st)
	}
	if rec, _ := env.do(t, http.MethodGet, "/api/v1/stats?hours=0", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("hours=0 status = %d, want 400", rec.Code)
	}
}

// Policies

func TestPolicies_AddVIPSurfacesSender(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)
	rec, res := env.do(t, http.MethodPost, "/api/v1/policies", `{"operation":"add_vip","target":"Bob","value":"teammate"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if res["operation"] != "add_vip" || res["target"] != "bob" {
		t.Errorf("result = %v", res)
	}

	_, pol := env.do(t, http.MethodGet, "/api/v1/policies", "")
	if vips := pol["vips"].(map[string]any); vips["bob"] != "teammate" {
		t.Errorf("vips = %v", vips)
	}

	_, out := env.do(t, http.MethodPost, "/api/v1/events?wait=true", heldEvent)
	if d := out["decision"].(map[string]any)["disposition"]; d != "surfaced" {
		t.Errorf("disposition = %v, want surfaced", d)
	}
	if env.sink.count() != 1 {
		t.Errorf("alerts = %d, want 1", env.sink.count())
	}
}

func TestPolicies_Errors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)

	rec, res := env.do(t, http.MethodPost, "/api/v1/policies", `{"operation":"drop_tables"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown op status = %d, want 400", rec.Code)
	}
	if ops, ok := res["valid_operations"].([]any); !ok || len(ops) != 13 {
		t.Errorf("valid_operations = %v", res["valid_operations"])
	}

	if rec, _ := env.do(t, http.MethodPost, "/api/v1/policies", `{bad`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON status = %d, want 400", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodPost, "/api/v1/policies", `{"operation":"add_keyword","target":"  "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty keyword status = %d, want 400", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodPost, "/api/v1/policies", `{"operation":"mute_source","target":"chat","value":"soon"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad duration status = %d, want 400", rec.Code)
	}
}

// Digests and jobs

func TestHandleDigest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)
	env.do(t, http.MethodPost, "/api/v1/events?wait=true", `{"source":"Chat","title":"ping","sender":"Amy"}`)

	rec, dg := env.do(t, http.MethodPost, "/api/v1/digests", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if dg["label"] != "manual" || dg["total_pending"] != float64(1) || dg["cleared_count"] != float64(1) {
		t.Errorf("digest = %v", dg)
	}
	if dg["delivered"] != true || env.sink.count() != 1 {
		t.Errorf("delivered = %v, alerts = %d", dg["delivered"], env.sink.count())
	}

	// held events were drained; a second digest is empty and not delivered
	_, dg = env.do(t, http.MethodPost, "/api/v1/digests", `{"label":"evening","lookback_hours":2,"clear":false}`)
	if dg["total_pending"] != float64(0) || dg["delivered"] != false {
		t.Errorf("second digest = %v", dg)
	}

	if rec, _ := env.do(t, http.MethodPost, "/api/v1/digests", `{"lookback_hours":-1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("negative lookback status = %d, want 400", rec.Code)
	}
}

func TestJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	jobs := resp["jobs"].([]any)
	if len(jobs) != 1 || jobs[0].(map[string]any)["id"] != "daily-cleanup" {
		t.Errorf("jobs = %v", jobs)
	}

	if rec, _ := env.do(t, http.MethodPost, "/api/v1/jobs/daily-cleanup/run", ""); rec.Code != http.StatusOK {
		t.Errorf("run status = %d, want 200", rec.Code)
	}
	if *env.runs != 1 {
		t.Errorf("runs = %d, want 1", *env.runs)
	}
	if rec, _ := env.do(t, http.MethodPost, "/api/v1/jobs/nope/run", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", rec.Code)
	}
}

func TestJobs_NoScheduler(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	New(nil, &triage.Service{}, nil).RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"jobs":[]`) {
		t.Errorf("GET /api/v1/jobs = %d %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterRoutes_Middleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 4, authmw.BearerToken("s3cret"))

	rec, _ := env.do(t, http.MethodGet, "/api/v1/policies", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("without token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/policies", http.NoBody)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with token = %d, want 200", rec.Code)
	}
}

// Fuzz

func FuzzEventIngestion(f *testing.F) {
	seeds := []string{
		"",
		"{}",
		heldEvent,
		`{"source":"Mail","title":"x","origin_timestamp":"not a time"}`,
		"{invalid json",
		"\x00\x01\x02\xff\xfe",
		strings.Repeat("a", 10000),
	}
	for _, s := range seeds {
		f.Add([]byte(s))
	}

	f.Fuzz(func(t *testing.T, body []byte) {
		env := newTestEnv(t, 1024)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(string(body)))
		rec := httptest.NewRecorder()

		// Must not panic
		env.router.ServeHTTP(rec, req)

		if rec.Code != http.StatusAccepted && rec.Code != http.StatusBadRequest {
			t.Errorf("POST /api/v1/events with body len=%d = %d, want 202 or 400", len(body), rec.Code)
		}
	})
}
