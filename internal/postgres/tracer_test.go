package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/hush/internal/triage/pgstore.(*Store).Record", "(*Store).Record"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Get", "(*Store).Get"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortenFuncName(tt.in); got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCompactSQL(t *testing.T) {
	t.Parallel()

	in := "SELECT id\n\t\tFROM events\n\t\tWHERE id = $1"
	if got := compactSQL(in); got != "SELECT id FROM events WHERE id = $1" {
		t.Errorf("compactSQL = %q", got)
	}
}

func TestWithHTTPMethod(t *testing.T) {
	t.Parallel()

	if got := httpMethodFromContext(WithHTTPMethod(context.Background(), "POST")); got != "POST" {
		t.Errorf("method = %q, want POST", got)
	}
	ctx := context.Background()
	if WithHTTPMethod(ctx, "") != ctx {
		t.Error("empty method should return the same context")
	}
}

func TestQueryTracer_ObservesOutcome(t *testing.T) {
	// Not parallel: mutates the global query observer.
	defer SetQueryObserver(nil)

	type obs struct {
		method, route, outcome string
	}
	var got []obs
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, route, outcome string, _ time.Duration) {
		got = append(got, obs{method, route, outcome})
	}))

	qt := newQueryTracer(nil, time.Hour)
	ctx := WithHTTPMethod(context.Background(), "GET")

	ctx1 := qt.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	qt.TraceQueryEnd(ctx1, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	ctx2 := qt.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT broken"})
	qt.TraceQueryEnd(ctx2, nil, pgx.TraceQueryEndData{Err: errors.New("syntax error")})

	if len(got) != 2 {
		t.Fatalf("observations = %d, want 2", len(got))
	}
	if got[0] != (obs{"GET", "background", "ok"}) {
		t.Errorf("first = %+v", got[0])
	}
	if got[1] != (obs{"NONE", "background", "error"}) {
		t.Errorf("second = %+v", got[1])
	}
}

func TestSetQueryObserver_Clear(t *testing.T) {
	// Not parallel: mutates the global query observer.
	SetQueryObserver(QueryObserverFunc(func(context.Context, string, string, string, time.Duration) {}))
	if getQueryObserver() == nil {
		t.Fatal("expected observer after Set")
	}
	SetQueryObserver(nil)
	if getQueryObserver() != nil {
		t.Error("expected nil observer after Set(nil)")
	}
}
