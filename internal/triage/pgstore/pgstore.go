// Package pgstore provides a PostgreSQL implementation of triage.EventStore
// and triage.PolicyBackend.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/hush/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/hush/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists events and policies in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const eventColumns = `id, source, title, body, sender, conversation_hint, origin_at, ingested_at, disposition, rationale`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return triage.NewStorageError(op, err)
}

// Record inserts ev as pending.
func (s *Store) Record(ctx context.Context, ev *triage.Event) error {
	ctx, span := startSpan(ctx, "pgstore.Record", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		ev.ID, ev.Source, ev.Title, ev.Body, ev.Sender, ev.ConversationHint,
		ev.OriginAt, ev.IngestedAt, string(triage.DispositionPending), "",
	)
	if err != nil {
		return fail(span, "record event", err)
	}
	return nil
}

// SetDisposition updates one event's disposition and rationale.
func (s *Store) SetDisposition(ctx context.Context, id string, d triage.Disposition, rationale string) error {
	ctx, span := startSpan(ctx, "pgstore.SetDisposition", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE events SET disposition = $1, rationale = $2 WHERE id = $3`,
		string(d), rationale, id,
	)
	if err != nil {
		return fail(span, "set disposition", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", id, triage.ErrNotFound)
	}
	return nil
}

// Get retrieves an event by ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.Event, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, "get event", err)
	}
	return ev, true, nil
}

// ListByDisposition returns events with disposition d and origin after since, newest first.
func (s *Store) ListByDisposition(ctx context.Context, d triage.Disposition, since time.Time) ([]*triage.Event, error) {
	ctx, span := startSpan(ctx, "pgstore.ListByDisposition", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE disposition = $1 AND origin_at > $2
		 ORDER BY origin_at DESC, id ASC`,
		string(d), since,
	)
	if err != nil {
		return nil, fail(span, "list events", err)
	}
	defer rows.Close()

	out := []*triage.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fail(span, "list events", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, "list events", err)
	}
	span.SetAttributes(attribute.Int("hush.events.count", len(out)))
	return out, nil
}

// DrainDigest moves the held events among ids to processed in a single statement.
func (s *Store) DrainDigest(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, span := startSpan(ctx, "pgstore.DrainDigest", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE events SET disposition = $1 WHERE disposition = $2 AND id = ANY($3)`,
		string(triage.DispositionProcessed), string(triage.DispositionDigest), ids,
	)
	if err != nil {
		return 0, fail(span, "drain digest", err)
	}
	return int(tag.RowsAffected()), nil
}

// Statistics aggregates events with origin after since.
func (s *Store) Statistics(ctx context.Context, since time.Time) (*triage.Stats, error) {
	ctx, span := startSpan(ctx, "pgstore.Statistics", "SELECT")
	defer span.End()

	st := triage.NewStats(time.Since(since))

	rows, err := s.pool.Query(ctx,
		`SELECT disposition, source, COUNT(*) FROM events WHERE origin_at > $1 GROUP BY disposition, source`,
		since,
	)
	if err != nil {
		return nil, fail(span, "statistics", err)
	}
	for rows.Next() {
		var (
			d      string
			source string
			n      int
		)
		if err := rows.Scan(&d, &source, &n); err != nil {
			rows.Close()
			return nil, fail(span, "statistics", err)
		}
		st.Total += n
		st.ByDisposition[triage.Disposition(d)] += n
		st.BySource[source] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fail(span, "statistics", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT sender, COUNT(*) AS n FROM events
		 WHERE origin_at > $1 AND sender <> ''
		 GROUP BY sender ORDER BY n DESC, sender ASC LIMIT $2`,
		since, triage.TopSendersLimit,
	)
	if err != nil {
		return nil, fail(span, "statistics", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc triage.SenderCount
		if err := rows.Scan(&sc.Sender, &sc.Count); err != nil {
			return nil, fail(span, "statistics", err)
		}
		st.TopSenders = append(st.TopSenders, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, "statistics", err)
	}
	return st, nil
}

// CountFromSender counts events from sender, case-insensitively, with origin after since.
func (s *Store) CountFromSender(ctx context.Context, sender string, since time.Time) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.CountFromSender", "SELECT")
	defer span.End()

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE lower(sender) = lower($1) AND origin_at > $2`,
		sender, since,
	).Scan(&n)
	if err != nil {
		return 0, fail(span, "count from sender", err)
	}
	return n, nil
}

// Prune deletes surfaced, suppressed and processed events ingested before the cutoff.
func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.Prune", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM events WHERE ingested_at < $1 AND disposition = ANY($2)`,
		before,
		[]string{
			string(triage.DispositionSurfaced),
			string(triage.DispositionSuppressed),
			string(triage.DispositionProcessed),
		},
	)
	if err != nil {
		return 0, fail(span, "prune", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanEvent(row pgx.Row) (*triage.Event, error) {
	var (
		ev          triage.Event
		disposition string
	)
	err := row.Scan(&ev.ID, &ev.Source, &ev.Title, &ev.Body, &ev.Sender, &ev.ConversationHint,
		&ev.OriginAt, &ev.IngestedAt, &disposition, &ev.Rationale)
	if err != nil {
		return nil, err
	}
	ev.OriginAt = ev.OriginAt.UTC()
	ev.IngestedAt = ev.IngestedAt.UTC()
	ev.Disposition = triage.Disposition(disposition)
	return &ev, nil
}
