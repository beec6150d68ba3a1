package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ip-patrol/internal/db"
	"github.com/sells-group/ip-patrol/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	target            TEXT NOT NULL,
	owner             TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'processing',
	checkpoint_page   INTEGER NOT NULL DEFAULT 0,
	checkpoint_offset INTEGER NOT NULL DEFAULT 0,
	summary           JSONB NOT NULL DEFAULT '{}',
	error             TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_details (
	session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	item_key      TEXT NOT NULL,
	seq           BIGSERIAL,
	item          JSONB NOT NULL,
	risk_tier     TEXT NOT NULL,
	critical      BOOLEAN NOT NULL DEFAULT false,
	reason        TEXT NOT NULL DEFAULT '',
	classified_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, item_key)
);

CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions(target, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_session_details_seq ON session_details(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_session_details_flagged ON session_details(classified_at DESC)
	WHERE risk_tier IN ('High', 'Medium');
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, meta model.SessionMeta) (*model.Session, error) {
	sess := newSession(meta)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, kind, target, owner, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, string(sess.Kind), sess.Target, sess.Owner, string(sess.Status), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert session")
	}
	return sess, nil
}

func (s *PostgresStore) AppendAndCheckpoint(ctx context.Context, id string, commit model.Commit) (*model.Session, error) {
	if err := validateCommit(commit); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin commit")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Row lock serializes commits for one session.
	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrSessionNotFound, "postgres: commit %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lock session %s", id)
	}

	rows, err := detailRows(id, commit.Details)
	if err != nil {
		return nil, err
	}
	if _, err := db.Upsert(ctx, tx, detailUpsert, rows); err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert details for %s", id)
	}

	summary, err := postgresSummary(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal summary")
	}

	var sess model.Session
	var kind, status string
	err = tx.QueryRow(ctx,
		`UPDATE sessions SET status = $1, checkpoint_page = $2, checkpoint_offset = $3, summary = $4, error = $5, updated_at = $6
		 WHERE id = $7
		 RETURNING id, kind, target, owner, status, checkpoint_page, checkpoint_offset, created_at, updated_at`,
		string(commit.Status), commit.Checkpoint.Page, commit.Checkpoint.Offset, summaryJSON, commit.Error,
		time.Now().UTC(), id,
	).Scan(&sess.ID, &kind, &sess.Target, &sess.Owner, &status,
		&sess.Checkpoint.Page, &sess.Checkpoint.Offset, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update session %s", id)
	}
	sess.Kind = model.SourceKind(kind)
	sess.Status = model.SessionStatus(status)
	sess.Summary = summary
	sess.Error = commit.Error

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit")
	}
	return &sess, nil
}

// detailUpsert replaces an item's verdict; seq keeps its first position.
var detailUpsert = db.UpsertConfig{
	Table:        "session_details",
	Columns:      []string{"session_id", "item_key", "item", "risk_tier", "critical", "reason", "classified_at"},
	ConflictKeys: []string{"session_id", "item_key"},
}

// detailRows converts details to upsert rows. A key repeated within one
// group keeps its last verdict, since one statement may not touch a row twice.
func detailRows(id string, details []model.Detail) ([][]any, error) {
	rows := make([][]any, 0, len(details))
	at := make(map[string]int, len(details))
	for _, d := range details {
		itemJSON, err := json.Marshal(d.Item)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal item")
		}
		row := []any{id, d.Key(), itemJSON, string(d.RiskTier), d.Critical, d.Reason, classifiedAt(d)}
		if i, dup := at[d.Key()]; dup {
			rows[i] = row
			continue
		}
		at[d.Key()] = len(rows)
		rows = append(rows, row)
	}
	return rows, nil
}

func postgresSummary(ctx context.Context, tx pgx.Tx, id string) (model.Summary, error) {
	rows, err := tx.Query(ctx,
		`SELECT risk_tier, critical, COUNT(*) FROM session_details WHERE session_id = $1 GROUP BY risk_tier, critical`,
		id,
	)
	if err != nil {
		return model.Summary{}, eris.Wrap(err, "postgres: summarize")
	}
	defer rows.Close()

	var summary model.Summary
	for rows.Next() {
		var tier string
		var critical bool
		var n int64
		if err := rows.Scan(&tier, &critical, &n); err != nil {
			return model.Summary{}, eris.Wrap(err, "postgres: scan summary")
		}
		summary.Add(model.RiskTier(tier), critical, int(n))
	}
	return summary, eris.Wrap(rows.Err(), "postgres: summarize iterate")
}

const postgresSelectSession = `SELECT id, kind, target, owner, status, checkpoint_page, checkpoint_offset, summary, error, created_at, updated_at FROM sessions`

func scanPostgresSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	var kind, status string
	var summaryJSON []byte

	err := row.Scan(&sess.ID, &kind, &sess.Target, &sess.Owner, &status,
		&sess.Checkpoint.Page, &sess.Checkpoint.Offset, &summaryJSON, &sess.Error,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrSessionNotFound, "postgres: get session")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan session")
	}
	sess.Kind = model.SourceKind(kind)
	sess.Status = model.SessionStatus(status)
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &sess.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	return &sess, nil
}

// loadTxOptions gives the header and detail reads one snapshot.
var loadTxOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

func (s *PostgresStore) LoadSession(ctx context.Context, id string) (*model.Session, error) {
	tx, err := s.pool.BeginTx(ctx, loadTxOptions)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin load")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sess, err := scanPostgresSession(tx.QueryRow(ctx, postgresSelectSession+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT item, risk_tier, critical, reason, classified_at FROM session_details
		 WHERE session_id = $1 ORDER BY seq`,
		id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load details %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		var d model.Detail
		var itemJSON []byte
		var tier string
		if err := rows.Scan(&itemJSON, &tier, &d.Critical, &d.Reason, &d.ClassifiedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan detail")
		}
		if err := json.Unmarshal(itemJSON, &d.Item); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal item")
		}
		d.RiskTier = model.RiskTier(tier)
		sess.Details = append(sess.Details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: load details iterate")
	}
	return sess, eris.Wrap(tx.Commit(ctx), "postgres: end load")
}

func (s *PostgresStore) ListByTarget(ctx context.Context, target string) ([]model.Session, error) {
	return s.ListSessions(ctx, SessionFilter{Target: target})
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := postgresSelectSession + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Target != "" {
		query += fmt.Sprintf(` AND target = $%d`, argIdx)
		args = append(args, filter.Target)
		argIdx++
	}
	if filter.Owner != "" {
		query += fmt.Sprintf(` AND owner = $%d`, argIdx)
		args = append(args, filter.Owner)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanPostgresSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) ListFlagged(ctx context.Context, limit int) ([]model.FlaggedItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT d.session_id, s.target, d.item, d.risk_tier, d.critical, d.reason, d.classified_at
		 FROM session_details d JOIN sessions s ON s.id = d.session_id
		 WHERE d.risk_tier IN ('High', 'Medium')
		 ORDER BY d.classified_at DESC, d.seq DESC LIMIT $1`,
		flaggedLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list flagged")
	}
	defer rows.Close()

	var out []model.FlaggedItem
	for rows.Next() {
		var f model.FlaggedItem
		var itemJSON []byte
		var tier string
		if err := rows.Scan(&f.SessionID, &f.Target, &itemJSON, &tier, &f.Critical, &f.Reason, &f.ClassifiedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan flagged")
		}
		if err := json.Unmarshal(itemJSON, &f.Item); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal item")
		}
		f.RiskTier = model.RiskTier(tier)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list flagged iterate")
}
