package sqlitestore

import (
	"context"
	"database/sql"
	"time"

	"github.com/linnemanlabs/hush/internal/triage"
)

// LoadPolicies reads the full policy set.
func (s *Store) LoadPolicies(ctx context.Context) (*triage.PolicySet, error) {
	ctx, span := startSpan(ctx, "sqlitestore.LoadPolicies", "SELECT")
	defer span.End()

	set := triage.NewPolicySet()

	if err := s.each(ctx, `SELECT sender, note FROM vips`, func(rows *sql.Rows) error {
		var sender, note string
		if err := rows.Scan(&sender, &note); err != nil {
			return err
		}
		set.VIPs[sender] = note
		return nil
	}); err != nil {
		return nil, fail(span, "load vips", err)
	}

	if err := s.each(ctx, `SELECT keyword FROM keywords`, func(rows *sql.Rows) error {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return err
		}
		set.Keywords[kw] = struct{}{}
		return nil
	}); err != nil {
		return nil, fail(span, "load keywords", err)
	}

	if err := s.each(ctx, `SELECT source, muted_until FROM muted_sources`, func(rows *sql.Rows) error {
		var (
			source string
			until  sql.NullInt64
		)
		if err := rows.Scan(&source, &until); err != nil {
			return err
		}
		if !until.Valid {
			set.Mutes[source] = nil
			return nil
		}
		t := time.Unix(0, until.Int64).UTC()
		set.Mutes[source] = &t
		return nil
	}); err != nil {
		return nil, fail(span, "load mutes", err)
	}

	if err := s.each(ctx, `SELECT pattern FROM suppress_patterns`, func(rows *sql.Rows) error {
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

func (s *Store) each(ctx context.Context, query string, fn func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) exec(ctx context.Context, name, op, query string, args ...any) error {
	ctx, span := startSpan(ctx, "sqlitestore."+name, "UPSERT")
	defer span.End()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fail(span, op, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, name, op, query string, key string) (bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore."+name, "DELETE")
	defer span.End()
	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return false, fail(span, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail(span, op, err)
	}
	return n > 0, nil
}

func (s *Store) PutVIP(ctx context.Context, sender, note string) error {
	return s.exec(ctx, "PutVIP", "put vip",
		`INSERT INTO vips (sender, note) VALUES (?, ?)
		 ON CONFLICT(sender) DO UPDATE SET note = excluded.note`,
		sender, note)
}

func (s *Store) DeleteVIP(ctx context.Context, sender string) (bool, error) {
	return s.delete(ctx, "DeleteVIP", "delete vip", `DELETE FROM vips WHERE sender = ?`, sender)
}

func (s *Store) PutKeyword(ctx context.Context, keyword string) error {
	return s.exec(ctx, "PutKeyword", "put keyword",
		`INSERT INTO keywords (keyword) VALUES (?) ON CONFLICT(keyword) DO NOTHING`, keyword)
}

func (s *Store) DeleteKeyword(ctx context.Context, keyword string) (bool, error) {
	return s.delete(ctx, "DeleteKeyword", "delete keyword", `DELETE FROM keywords WHERE keyword = ?`, keyword)
}

func (s *Store) PutMute(ctx context.Context, source string, until *time.Time) error {
	var v sql.NullInt64
	if until != nil {
		v = sql.NullInt64{Int64: until.UnixNano(), Valid: true}
	}
	return s.exec(ctx, "PutMute", "put mute",
		`INSERT INTO muted_sources (source, muted_until) VALUES (?, ?)
		 ON CONFLICT(source) DO UPDATE SET muted_until = excluded.muted_until`,
		source, v)
}

func (s *Store) DeleteMute(ctx context.Context, source string) (bool, error) {
	return s.delete(ctx, "DeleteMute", "delete mute", `DELETE FROM muted_sources WHERE source = ?`, source)
}

func (s *Store) PutSuppressPattern(ctx context.Context, pattern string) error {
	return s.exec(ctx, "PutSuppressPattern", "put suppress pattern",
		`INSERT INTO suppress_patterns (pattern) VALUES (?) ON CONFLICT(pattern) DO NOTHING`, pattern)
}

func (s *Store) DeleteSuppressPattern(ctx context.Context, pattern string) (bool, error) {
	return s.delete(ctx, "DeleteSuppressPattern", "delete suppress pattern",
		`DELETE FROM suppress_patterns WHERE pattern = ?`, pattern)
}
