package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/hush/internal/triage"
)

// LoadPolicies reads the full policy set from one repeatable-read snapshot.
func (s *Store) LoadPolicies(ctx context.Context) (*triage.PolicySet, error) {
	ctx, span := startSpan(ctx, "pgstore.LoadPolicies", "SELECT")
	defer span.End()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fail(span, "load policies", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only tx

	set := triage.NewPolicySet()

	if err := each(ctx, tx, `SELECT sender, note FROM vips`, func(rows pgx.Rows) error {
		var sender, note string
		if err := rows.Scan(&sender, &note); err != nil {
			return err
		}
		set.VIPs[sender] = note
		return nil
	}); err != nil {
		return nil, fail(span, "load vips", err)
	}

	if err := each(ctx, tx, `SELECT keyword FROM keywords`, func(rows pgx.Rows) error {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return err
		}
		set.Keywords[kw] = struct{}{}
		return nil
	}); err != nil {
		return nil, fail(span, "load keywords", err)
	}

	if err := each(ctx, tx, `SELECT source, muted_until FROM muted_sources`, func(rows pgx.Rows) error {
		var (
			source string
			until  *time.Time
		)
		if err := rows.Scan(&source, &until); err != nil {
			return err
		}
		if until != nil {
			t := until.UTC()
			until = &t
		}
		set.Mutes[source] = until
		return nil
	}); err != nil {
		return nil, fail(span, "load mutes", err)
	}

	if err := each(ctx, tx, `SELECT pattern FROM suppress_patterns`, func(rows pgx.Rows) error {
		var p string
		if err := rows.Scan(&p); err != nil {
			return err
		}
		set.SuppressPatterns[p] = struct{}{}
		return nil
	}); err != nil {
		return nil, fail(span, "load suppress patterns", err)
	}

	return set, nil
}

func each(ctx context.Context, tx pgx.Tx, query string, fn func(pgx.Rows) error) error {
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) exec(ctx context.Context, name, op, query string, args ...any) error {
	ctx, span := startSpan(ctx, "pgstore."+name, "UPSERT")
	defer span.End()
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fail(span, op, err)
	}
	return nil
}

func (s *Store) remove(ctx context.Context, name, op, query, key string) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore."+name, "DELETE")
	defer span.End()
	tag, err := s.pool.Exec(ctx, query, key)
	if err != nil {
		return false, fail(span, op, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) PutVIP(ctx context.Context, sender, note string) error {
	return s.exec(ctx, "PutVIP", "put vip",
		`INSERT INTO vips (sender, note) VALUES ($1, $2)
		 ON CONFLICT (sender) DO UPDATE SET note = EXCLUDED.note`,
		sender, note)
}

func (s *Store) DeleteVIP(ctx context.Context, sender string) (bool, error) {
	return s.remove(ctx, "DeleteVIP", "delete vip", `DELETE FROM vips WHERE sender = $1`, sender)
}

func (s *Store) PutKeyword(ctx context.Context, keyword string) error {
	return s.exec(ctx, "PutKeyword", "put keyword",
		`INSERT INTO keywords (keyword) VALUES ($1) ON CONFLICT (keyword) DO NOTHING`, keyword)
}

func (s *Store) DeleteKeyword(ctx context.Context, keyword string) (bool, error) {
	return s.remove(ctx, "DeleteKeyword", "delete keyword", `DELETE FROM keywords WHERE keyword = $1`, keyword)
}

func (s *Store) PutMute(ctx context.Context, source string, until *time.Time) error {
	return s.exec(ctx, "PutMute", "put mute",
		`INSERT INTO muted_sources (source, muted_until) VALUES ($1, $2)
		 ON CONFLICT (source) DO UPDATE SET muted_until = EXCLUDED.muted_until`,
		source, until)
}

func (s *Store) DeleteMute(ctx context.Context, source string) (bool, error) {
	return s.remove(ctx, "DeleteMute", "delete mute", `DELETE FROM muted_sources WHERE source = $1`, source)
}

func (s *Store) PutSuppressPattern(ctx context.Context, pattern string) error {
	return s.exec(ctx, "PutSuppressPattern", "put suppress pattern",
		`INSERT INTO suppress_patterns (pattern) VALUES ($1) ON CONFLICT (pattern) DO NOTHING`, pattern)
}

func (s *Store) DeleteSuppressPattern(ctx context.Context, pattern string) (bool, error) {
	return s.remove(ctx, "DeleteSuppressPattern", "delete suppress pattern",
		`DELETE FROM suppress_patterns WHERE pattern = $1`, pattern)
}
