package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ip-patrol/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	target            TEXT NOT NULL,
	owner             TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'processing',
	checkpoint_page   INTEGER NOT NULL DEFAULT 0,
	checkpoint_offset INTEGER NOT NULL DEFAULT 0,
	summary           TEXT NOT NULL DEFAULT '{}',
	error             TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS session_details (
	session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	item_key      TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	item          TEXT NOT NULL,
	risk_tier     TEXT NOT NULL,
	critical      INTEGER NOT NULL DEFAULT 0,
	reason        TEXT NOT NULL DEFAULT '',
	classified_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, item_key)
);

CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions(target, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_session_details_seq ON session_details(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_session_details_tier ON session_details(risk_tier, classified_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, meta model.SessionMeta) (*model.Session, error) {
	sess := newSession(meta)

	summaryJSON, err := json.Marshal(sess.Summary)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal summary")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, kind, target, owner, status, summary, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Kind), sess.Target, sess.Owner, string(sess.Status), string(summaryJSON),
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}
	return sess, nil
}

func (s *SQLiteStore) AppendAndCheckpoint(ctx context.Context, id string, commit model.Commit) (*model.Session, error) {
	if err := validateCommit(commit); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin commit")
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrSessionNotFound, "sqlite: commit %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lookup session %s", id)
	}

	for _, d := range commit.Details {
		itemJSON, err := json.Marshal(d.Item)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal item")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_details (session_id, item_key, seq, item, risk_tier, critical, reason, classified_at)
			 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM session_details WHERE session_id = ?), ?, ?, ?, ?, ?)
			 ON CONFLICT (session_id, item_key) DO UPDATE SET
			 	item = excluded.item,
			 	risk_tier = excluded.risk_tier,
			 	critical = excluded.critical,
			 	reason = excluded.reason,
			 	classified_at = excluded.classified_at`,
			id, d.Key(), id, string(itemJSON), string(d.RiskTier), d.Critical, d.Reason, classifiedAt(d),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: upsert detail %s", d.Key())
		}
	}

	summary, err := sqliteSummary(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal summary")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, checkpoint_page = ?, checkpoint_offset = ?, summary = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		string(commit.Status), commit.Checkpoint.Page, commit.Checkpoint.Offset, string(summaryJSON), commit.Error,
		time.Now().UTC(), id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update session %s", id)
	}

	sess, err := scanSession(tx.QueryRowContext(ctx, sqliteSelectSession+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit")
	}
	return sess, nil
}

func sqliteSummary(ctx context.Context, tx *sql.Tx, id string) (model.Summary, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT risk_tier, critical, COUNT(*) FROM session_details WHERE session_id = ? GROUP BY risk_tier, critical`,
		id,
	)
	if err != nil {
		return model.Summary{}, eris.Wrap(err, "sqlite: summarize")
	}
	defer rows.Close() //nolint:errcheck

	var summary model.Summary
	for rows.Next() {
		var tier string
		var critical bool
		var n int
		if err := rows.Scan(&tier, &critical, &n); err != nil {
			return model.Summary{}, eris.Wrap(err, "sqlite: scan summary")
		}
		summary.Add(model.RiskTier(tier), critical, n)
	}
	return summary, eris.Wrap(rows.Err(), "sqlite: summarize iterate")
}

const sqliteSelectSession = `SELECT id, kind, target, owner, status, checkpoint_page, checkpoint_offset, summary, error, created_at, updated_at FROM sessions`

func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*model.Session, error) {
	// One read transaction so the header and details come from the same
	// snapshot.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin load")
	}
	defer tx.Rollback() //nolint:errcheck

	sess, err := scanSession(tx.QueryRowContext(ctx, sqliteSelectSession+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT item, risk_tier, critical, reason, classified_at FROM session_details
		 WHERE session_id = ? ORDER BY seq`,
		id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load details %s", id)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var d model.Detail
		var itemJSON, tier string
		if err := rows.Scan(&itemJSON, &tier, &d.Critical, &d.Reason, &d.ClassifiedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan detail")
		}
		if err := json.Unmarshal([]byte(itemJSON), &d.Item); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal item")
		}
		d.RiskTier = model.RiskTier(tier)
		sess.Details = append(sess.Details, d)
	}
	return sess, eris.Wrap(rows.Err(), "sqlite: load details iterate")
}

func (s *SQLiteStore) ListByTarget(ctx context.Context, target string) ([]model.Session, error) {
	return s.ListSessions(ctx, SessionFilter{Target: target})
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := sqliteSelectSession + ` WHERE 1=1`
	var args []any

	if filter.Target != "" {
		query += ` AND target = ?`
		args = append(args, filter.Target)
	}
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close() //nolint:errcheck

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) ListFlagged(ctx context.Context, limit int) ([]model.FlaggedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.session_id, s.target, d.item, d.risk_tier, d.critical, d.reason, d.classified_at
		 FROM session_details d JOIN sessions s ON s.id = d.session_id
		 WHERE d.risk_tier IN ('High', 'Medium')
		 ORDER BY d.classified_at DESC, d.seq DESC LIMIT ?`,
		flaggedLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list flagged")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FlaggedItem
	for rows.Next() {
		var f model.FlaggedItem
		var itemJSON, tier string
		if err := rows.Scan(&f.SessionID, &f.Target, &itemJSON, &tier, &f.Critical, &f.Reason, &f.ClassifiedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan flagged")
		}
		if err := json.Unmarshal([]byte(itemJSON), &f.Item); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal item")
		}
		f.RiskTier = model.RiskTier(tier)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list flagged iterate")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	var sess model.Session
	var summaryJSON string

	err := row.Scan(&sess.ID, &sess.Kind, &sess.Target, &sess.Owner, &sess.Status,
		&sess.Checkpoint.Page, &sess.Checkpoint.Offset, &summaryJSON, &sess.Error,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrSessionNotFound, "sqlite: get session")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}
	if err := json.Unmarshal([]byte(summaryJSON), &sess.Summary); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal summary")
	}
	return &sess, nil
}

func newSession(meta model.SessionMeta) *model.Session {
	now := time.Now().UTC()
	return &model.Session{
		ID:        uuid.New().String(),
		Kind:      meta.Kind,
		Target:    meta.Target,
		Owner:     meta.Owner,
		Status:    model.SessionProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func classifiedAt(d model.Detail) time.Time {
	if d.ClassifiedAt.IsZero() {
		return time.Now().UTC()
	}
	return d.ClassifiedAt.UTC()
}
