// Package sqlitestore provides a SQLite implementation of triage.EventStore
// and triage.PolicyBackend for single-node deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/hush/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/hush/internal/triage/sqlitestore")

// drainChunk keeps IN lists well under SQLite's bind parameter limit.
const drainChunk = 500

// Store persists events and policies in SQLite.
type Store struct {
	db *sql.DB
}

// New applies pending migrations and returns a ready Store. The caller owns db.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := NewMigrationRunner(db).Run(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const eventColumns = `id, source, title, body, sender, conversation_hint, origin_at, ingested_at, disposition, rationale`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation.name", op),
	))
}

// fail records err on span and wraps it as a triage.StorageError.
func fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return triage.NewStorageError(op, err)
}

// Record inserts ev as pending.
func (s *Store) Record(ctx context.Context, ev *triage.Event) error {
	ctx, span := startSpan(ctx, "sqlitestore.Record", "INSERT")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Source, ev.Title, ev.Body, ev.Sender, ev.ConversationHint,
		ev.OriginAt.UnixNano(), ev.IngestedAt.UnixNano(),
		string(triage.DispositionPending), "",
	)
	if err != nil {
		return fail(span, "record event", err)
	}
	return nil
}

// SetDisposition updates one event's disposition and rationale.
func (s *Store) SetDisposition(ctx context.Context, id string, d triage.Disposition, rationale string) error {
	ctx, span := startSpan(ctx, "sqlitestore.SetDisposition", "UPDATE")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET disposition = ?, rationale = ? WHERE id = ?`,
		string(d), rationale, id,
	)
	if err != nil {
		return fail(span, "set disposition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fail(span, "set disposition", err)
	}
	if n == 0 {
		return fmt.Errorf("event %s: %w", id, triage.ErrNotFound)
	}
	return nil
}

// Get retrieves an event by ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.Event, bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Get", "SELECT")
	defer span.End()

	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, "get event", err)
	}
	return ev, true, nil
}

// ListByDisposition returns events with disposition d and origin after since, newest first.
func (s *Store) ListByDisposition(ctx context.Context, d triage.Disposition, since time.Time) ([]*triage.Event, error) {
	ctx, span := startSpan(ctx, "sqlitestore.ListByDisposition", "SELECT")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE disposition = ? AND origin_at > ?
		 ORDER BY origin_at DESC, id ASC`,
		string(d), since.UnixNano(),
	)
	if err != nil {
		return nil, fail(span, "list events", err)
	}
	defer func() { _ = rows.Close() }()

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

// DrainDigest moves the held events among ids to processed. Large id sets
// are updated in chunks inside one transaction.
func (s *Store) DrainDigest(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, span := startSpan(ctx, "sqlitestore.DrainDigest", "UPDATE")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fail(span, "drain digest", err)
	}
	defer func() { _ = tx.Rollback() }()

	total := 0
	for chunk := range slices.Chunk(ids, drainChunk) {
		args := make([]any, 0, len(chunk)+2)
		args = append(args, string(triage.DispositionProcessed), string(triage.DispositionDigest))
		for _, id := range chunk {
			args = append(args, id)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE events SET disposition = ? WHERE disposition = ? AND id IN (`+placeholders(len(chunk))+`)`,
			args...,
		)
		if err != nil {
			return 0, fail(span, "drain digest", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fail(span, "drain digest", err)
		}
		total += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fail(span, "drain digest", err)
	}
	return total, nil
}

// placeholders returns n comma separated bind markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Statistics aggregates events with origin after since.
func (s *Store) Statistics(ctx context.Context, since time.Time) (*triage.Stats, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Statistics", "SELECT")
	defer span.End()

	st := triage.NewStats(time.Since(since))
	cutoff := since.UnixNano()

	rows, err := s.db.QueryContext(ctx,
		`SELECT disposition, source, COUNT(*) FROM events WHERE origin_at > ? GROUP BY disposition, source`,
		cutoff,
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
			_ = rows.Close()
			return nil, fail(span, "statistics", err)
		}
		st.Total += n
		st.ByDisposition[triage.Disposition(d)] += n
		st.BySource[source] += n
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fail(span, "statistics", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT sender, COUNT(*) AS n FROM events
		 WHERE origin_at > ? AND sender != ''
		 GROUP BY sender ORDER BY n DESC, sender ASC LIMIT ?`,
		cutoff, triage.TopSendersLimit,
	)
	if err != nil {
		return nil, fail(span, "statistics", err)
	}
	defer func() { _ = rows.Close() }()
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
	ctx, span := startSpan(ctx, "sqlitestore.CountFromSender", "SELECT")
	defer span.End()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE sender = ? COLLATE NOCASE AND origin_at > ?`,
		sender, since.UnixNano(),
	).Scan(&n)
	if err != nil {
		return 0, fail(span, "count from sender", err)
	}
	return n, nil
}

// Prune deletes surfaced, suppressed and processed events ingested before the cutoff.
func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Prune", "DELETE")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE ingested_at < ? AND disposition IN (?, ?, ?)`,
		before.UnixNano(),
		string(triage.DispositionSurfaced),
		string(triage.DispositionSuppressed),
		string(triage.DispositionProcessed),
	)
	if err != nil {
		return 0, fail(span, "prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fail(span, "prune", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*triage.Event, error) {
	var (
		ev          triage.Event
		origin      int64
		ingested    int64
		disposition string
	)
	err := row.Scan(&ev.ID, &ev.Source, &ev.Title, &ev.Body, &ev.Sender, &ev.ConversationHint,
		&origin, &ingested, &disposition, &ev.Rationale)
	if err != nil {
		return nil, err
	}
	ev.OriginAt = time.Unix(0, origin).UTC()
	ev.IngestedAt = time.Unix(0, ingested).UTC()
	ev.Disposition = triage.Disposition(strings.TrimSpace(disposition))
	return &ev, nil
}
