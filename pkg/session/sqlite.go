package session

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/cf7me/confirmflow/pkg/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS staged_submissions (
    session_id TEXT NOT NULL,
    staging_key TEXT NOT NULL,
    form_slug TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, staging_key)
);

CREATE INDEX IF NOT EXISTS idx_staged_created_at ON staged_submissions(created_at);
`

// SQLiteStore persists staged submissions so they survive a process restart.
type SQLiteStore struct {
	db     *sql.DB
	limits  Limits
	now     func() time.Time
	discard DiscardFunc
}

// NewSQLiteStore opens (or creates) the session database at dbPath.
func NewSQLiteStore(dbPath string, limits Limits) (*SQLiteStore, error) {
	slog.Info("session_store_init", "backend", "sqlite", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("session_store_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open session database")
	}
	// A single connection serializes writers the way a locked session file would.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		slog.Error("session_store_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create session schema")
	}

	return &SQLiteStore{db: db, limits: limits, now: time.Now}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, sessionID, key string, sub *StagedSubmission) error {
	if err := validateKeys(sessionID, key); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}
	payload, err := encode(sub)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO staged_submissions (session_id, staging_key, form_slug, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, staging_key) DO UPDATE SET
		    form_slug = excluded.form_slug, payload = excluded.payload, created_at = excluded.created_at
	`, sessionID, key, sub.FormSlug, string(payload), sub.CreatedAt.UnixNano())
	if err != nil {
		slog.Error("session_put_failed", "session", ShortID(sessionID), "error", err)
		return errors.Wrap(err, "failed to stage submission")
	}

	var evicted []*StagedSubmission
	if s.limits.MaxEntries > 0 {
		// Keep the newest MaxEntries rows of this session.
		const overflow = `
			FROM staged_submissions
			WHERE session_id = ? AND staging_key NOT IN (
			    SELECT staging_key FROM staged_submissions
			    WHERE session_id = ?
			    ORDER BY created_at DESC, rowid DESC
			    LIMIT ?
			)`
		if s.discard != nil {
			evicted, err = selectPayloads(ctx, tx, `SELECT payload `+overflow, sessionID, sessionID, s.limits.MaxEntries)
			if err != nil {
				return errors.Wrap(err, "failed to load old submissions")
			}
		}
		if _, err = tx.ExecContext(ctx, `DELETE `+overflow, sessionID, sessionID, s.limits.MaxEntries); err != nil {
			return errors.Wrap(err, "failed to evict old submissions")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit staged submission")
	}
	s.discard.notify(ctx, evicted)
	return nil
}

// OnDiscard implements Discarder. Set it before the store is shared.
func (s *SQLiteStore) OnDiscard(fn DiscardFunc) {
	s.discard = fn
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// selectPayloads decodes the payload column of every row query returns.
// Rows that no longer decode are skipped.
func selectPayloads(ctx context.Context, q queryer, query string, args ...any) ([]*StagedSubmission, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*StagedSubmission
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		if sub, err := decode([]byte(payload)); err == nil {
			subs = append(subs, sub)
		}
	}
	return subs, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID, key string) (*StagedSubmission, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM staged_submissions WHERE session_id = ? AND staging_key = ?`,
		sessionID, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("session_get_failed", "session", ShortID(sessionID), "error", err)
		return nil, errors.Wrap(err, "failed to query staged submission")
	}

	sub, err := decode([]byte(payload))
	if err != nil {
		return nil, err
	}
	if s.limits.expired(sub, s.now()) {
		return nil, nil
	}
	return sub, nil
}

func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]*StagedSubmission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM staged_submissions
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list staged submissions")
	}
	defer rows.Close()

	now := s.now()
	var subs []*StagedSubmission
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		sub, err := decode([]byte(payload))
		if err != nil {
			return nil, err
		}
		if s.limits.expired(sub, now) {
			continue
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return subs, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM staged_submissions WHERE session_id = ? AND staging_key = ?`, sessionID, key)
	if err != nil {
		slog.Error("session_delete_failed", "session", ShortID(sessionID), "error", err)
		return errors.Wrap(err, "failed to delete staged submission")
	}
	return nil
}

// Reap removes every entry older than MaxAge.
func (s *SQLiteStore) Reap(ctx context.Context) (int, error) {
	if s.limits.MaxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.limits.MaxAge).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var reaped []*StagedSubmission
	if s.discard != nil {
		reaped, err = selectPayloads(ctx, tx, `SELECT payload FROM staged_submissions WHERE created_at < ?`, cutoff)
		if err != nil {
			return 0, errors.Wrap(err, "failed to load expired submissions")
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM staged_submissions WHERE created_at < ?`, cutoff)
	if err != nil {
		slog.Error("session_reap_failed", "error", err)
		return 0, errors.Wrap(err, "failed to reap staged submissions")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit reap")
	}

	s.discard.notify(ctx, reaped)
	if n > 0 {
		slog.Info("session_reaped", "backend", "sqlite", "removed", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
