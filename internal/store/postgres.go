package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/resilience"
)

// Pool is the subset of *pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
	now  func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"get_report":    `SELECT data, version, updated_at FROM reports WHERE id = $1`,
	"insert_report": `INSERT INTO reports (id, status, site_number, version, data, updated_at) VALUES ($1, $2, $3, 1, $4, $5) ON CONFLICT (id) DO NOTHING`,
	"update_report": `UPDATE reports SET status = $1, site_number = $2, version = version + 1, data = $3, updated_at = $4 WHERE id = $5 AND version = $6`,
	"get_log":       `SELECT document_id, at, kind, field, message, detail FROM processing_log WHERE document_id = $1 ORDER BY seq`,
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

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables may not exist before the first migrate.
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgres(pool), nil
}

func newPostgres(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS reports (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	site_number TEXT NOT NULL DEFAULT '',
	version     INTEGER NOT NULL,
	data        JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS processing_log (
	seq         BIGSERIAL PRIMARY KEY,
	document_id TEXT NOT NULL,
	at          TIMESTAMPTZ NOT NULL,
	kind        TEXT NOT NULL,
	field       TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL,
	detail      JSONB
);

CREATE TABLE IF NOT EXISTS failures (
	id                 TEXT PRIMARY KEY,
	source_document_id TEXT NOT NULL,
	filename           TEXT NOT NULL DEFAULT '',
	stage              TEXT NOT NULL,
	error              TEXT NOT NULL,
	error_type         TEXT NOT NULL,
	attempts           INTEGER NOT NULL DEFAULT 1,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
CREATE INDEX IF NOT EXISTS idx_reports_site ON reports(site_number);
CREATE INDEX IF NOT EXISTS idx_reports_updated_at ON reports(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_processing_log_document ON processing_log(document_id, seq);
CREATE INDEX IF NOT EXISTS idx_failures_error_type ON failures(error_type);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.StoredReport, error) {
	var (
		data    []byte
		version int
		updated time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT data, version, updated_at FROM reports WHERE id = $1`, id,
	).Scan(&data, &version, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "report %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get report %s", id)
	}
	return decodeReport(data, version, updated)
}

func (s *PostgresStore) Put(ctx context.Context, r *model.StoredReport, expectedVersion int) (int, error) {
	id := r.ID()
	if id == "" {
		return 0, eris.New("postgres: report has no source document id")
	}
	next := expectedVersion + 1
	now := s.now()

	cp := *r
	cp.Version, cp.UpdatedAt = next, now
	data, err := json.Marshal(&cp)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: marshal report")
	}

	var tag pgconn.CommandTag
	if expectedVersion == 0 {
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO reports (id, status, site_number, version, data, updated_at) VALUES ($1, $2, $3, 1, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			id, string(r.Status), r.Report.SiteInfo.SiteNumber, data, now,
		)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE reports SET status = $1, site_number = $2, version = version + 1, data = $3, updated_at = $4
			 WHERE id = $5 AND version = $6`,
			string(r.Status), r.Report.SiteInfo.SiteNumber, data, now, id, expectedVersion,
		)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: put report %s", id)
	}
	if tag.RowsAffected() == 0 {
		return 0, eris.Wrapf(ErrConcurrentModification, "report %s expected version %d", id, expectedVersion)
	}
	r.Version, r.UpdatedAt = next, now
	return next, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]model.StoredReport, error) {
	query := `SELECT data, version, updated_at FROM reports WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Site != "" {
		query += fmt.Sprintf(` AND site_number = $%d`, argIdx)
		args = append(args, filter.Site)
		argIdx++
	}
	if filter.ForAnalytics {
		query += fmt.Sprintf(` AND status <> $%d`, argIdx)
		args = append(args, string(model.StatusRejected))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, filter.limit())
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reports")
	}
	defer rows.Close()

	out := []model.StoredReport{}
	for rows.Next() {
		var (
			data    []byte
			version int
			updated time.Time
		)
		if err := rows.Scan(&data, &version, &updated); err != nil {
			return nil, eris.Wrap(err, "postgres: scan report")
		}
		r, err := decodeReport(data, version, updated)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list reports iterate")
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin delete")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete report %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "report %s", id)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM processing_log WHERE document_id = $1`, id); err != nil {
		return eris.Wrapf(err, "postgres: delete log %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit delete")
}

var logColumns = []string{"document_id", "at", "kind", "field", "message", "detail"}

// AppendLog bulk-inserts entries with the COPY protocol.
func (s *PostgresStore) AppendLog(ctx context.Context, entries ...model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		var detail []byte
		if len(e.Detail) > 0 {
			b, err := json.Marshal(e.Detail)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal log detail")
			}
			detail = b
		}
		rows = append(rows, []any{e.DocumentID, e.At.UTC(), string(e.Kind), e.Field, e.Message, detail})
	}
	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"processing_log"}, logColumns, pgx.CopyFromRows(rows))
	return eris.Wrap(err, "postgres: COPY INTO processing_log")
}

func (s *PostgresStore) GetLog(ctx context.Context, id string) ([]model.LogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT document_id, at, kind, field, message, detail FROM processing_log WHERE document_id = $1 ORDER BY seq`,
		id,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get log")
	}
	defer rows.Close()

	out := []model.LogEntry{}
	for rows.Next() {
		var (
			e      model.LogEntry
			kind   string
			detail []byte
		)
		if err := rows.Scan(&e.DocumentID, &e.At, &kind, &e.Field, &e.Message, &detail); err != nil {
			return nil, eris.Wrap(err, "postgres: scan log")
		}
		e.Kind = model.LogKind(kind)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal log detail")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get log iterate")
}

func (s *PostgresStore) RecordFailure(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO failures (id, source_document_id, filename, stage, error, error_type, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET error = $5, error_type = $6, attempts = failures.attempts + 1`,
		e.ID, e.SourceDocumentID, e.Filename, e.Stage, e.Error, e.ErrorType, e.Attempts, e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: record failure")
}

func (s *PostgresStore) ListFailures(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, source_document_id, filename, stage, error, error_type, attempts, created_at FROM failures WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	out := []resilience.DLQEntry{}
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.SourceDocumentID, &e.Filename, &e.Stage, &e.Error, &e.ErrorType, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}

func decodeReport(data []byte, version int, updated time.Time) (*model.StoredReport, error) {
	var r model.StoredReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal report")
	}
	r.Version = version
	r.UpdatedAt = updated.UTC()
	return &r, nil
}
