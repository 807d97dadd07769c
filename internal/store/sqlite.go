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

	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/resilience"
)

// timeLayout keeps TEXT timestamps sortable.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
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
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS reports (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	site_number TEXT NOT NULL DEFAULT '',
	version     INTEGER NOT NULL,
	data        TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS processing_log (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL,
	at          TEXT NOT NULL,
	kind        TEXT NOT NULL,
	field       TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL,
	detail      TEXT
);

CREATE TABLE IF NOT EXISTS failures (
	id                 TEXT PRIMARY KEY,
	source_document_id TEXT NOT NULL,
	filename           TEXT NOT NULL DEFAULT '',
	stage              TEXT NOT NULL,
	error              TEXT NOT NULL,
	error_type         TEXT NOT NULL,
	attempts           INTEGER NOT NULL DEFAULT 1,
	created_at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
CREATE INDEX IF NOT EXISTS idx_reports_site ON reports(site_number);
CREATE INDEX IF NOT EXISTS idx_reports_updated_at ON reports(updated_at);
CREATE INDEX IF NOT EXISTS idx_processing_log_document ON processing_log(document_id);
CREATE INDEX IF NOT EXISTS idx_failures_error_type ON failures(error_type);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.StoredReport, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data, version, updated_at FROM reports WHERE id = ?`, id,
	)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "report %s", id)
	}
	return r, err
}

func (s *SQLiteStore) Put(ctx context.Context, r *model.StoredReport, expectedVersion int) (int, error) {
	id := r.ID()
	if id == "" {
		return 0, eris.New("sqlite: report has no source document id")
	}
	next := expectedVersion + 1
	now := s.now()

	cp := *r
	cp.Version, cp.UpdatedAt = next, now
	data, err := json.Marshal(&cp)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: marshal report")
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO reports (id, status, site_number, version, data, updated_at) VALUES (?, ?, ?, 1, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			id, string(r.Status), r.Report.SiteInfo.SiteNumber, string(data), now.Format(timeLayout),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE reports SET status = ?, site_number = ?, version = version + 1, data = ?, updated_at = ?
			 WHERE id = ? AND version = ?`,
			string(r.Status), r.Report.SiteInfo.SiteNumber, string(data), now.Format(timeLayout), id, expectedVersion,
		)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: put report %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return 0, eris.Wrapf(ErrConcurrentModification, "report %s expected version %d", id, expectedVersion)
	}
	r.Version, r.UpdatedAt = next, now
	return next, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]model.StoredReport, error) {
	query := `SELECT data, version, updated_at FROM reports WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Site != "" {
		query += ` AND site_number = ?`
		args = append(args, filter.Site)
	}
	if filter.ForAnalytics {
		query += ` AND status <> ?`
		args = append(args, string(model.StatusRejected))
	}
	query += ` ORDER BY updated_at DESC, id LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reports")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.StoredReport{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list reports iterate")
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete report %s", id)
	}
	if err := checkRowsAffected(res, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM processing_log WHERE document_id = ?`, id); err != nil {
		return eris.Wrapf(err, "sqlite: delete log %s", id)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete")
}

func (s *SQLiteStore) AppendLog(ctx context.Context, entries ...model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append log")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range entries {
		detail, err := marshalDetail(e.Detail)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO processing_log (document_id, at, kind, field, message, detail) VALUES (?, ?, ?, ?, ?, ?)`,
			e.DocumentID, e.At.UTC().Format(timeLayout), string(e.Kind), e.Field, e.Message, detail,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert log for %s", e.DocumentID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append log")
}

func (s *SQLiteStore) GetLog(ctx context.Context, id string) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, at, kind, field, message, detail FROM processing_log WHERE document_id = ? ORDER BY seq`,
		id,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get log")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.LogEntry{}
	for rows.Next() {
		var (
			e      model.LogEntry
			at     string
			detail sql.NullString
		)
		if err := rows.Scan(&e.DocumentID, &at, &e.Kind, &e.Field, &e.Message, &detail); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan log")
		}
		if e.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse log time")
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal log detail")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get log iterate")
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failures (id, source_document_id, filename, stage, error, error_type, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET error = excluded.error, error_type = excluded.error_type,
		   attempts = failures.attempts + 1`,
		e.ID, e.SourceDocumentID, e.Filename, e.Stage, e.Error, e.ErrorType, e.Attempts,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	return eris.Wrap(err, "sqlite: record failure")
}

func (s *SQLiteStore) ListFailures(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, source_document_id, filename, stage, error, error_type, attempts, created_at FROM failures WHERE 1=1`
	var args []any
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close() //nolint:errcheck

	out := []resilience.DLQEntry{}
	for rows.Next() {
		var (
			e  resilience.DLQEntry
			at string
		)
		if err := rows.Scan(&e.ID, &e.SourceDocumentID, &e.Filename, &e.Stage, &e.Error, &e.ErrorType, &e.Attempts, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		if e.CreatedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse failure time")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "report %s", id)
	}
	return nil
}

func marshalDetail(d map[string]any) (any, error) {
	if len(d) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, eris.Wrap(err, "marshal log detail")
	}
	return string(b), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanReport(row scannable) (*model.StoredReport, error) {
	var (
		data    string
		version int
		updated string
	)
	if err := row.Scan(&data, &version, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan report")
	}
	var r model.StoredReport
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal report")
	}
	r.Version = version
	t, err := time.Parse(timeLayout, updated)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: parse updated_at")
	}
	r.UpdatedAt = t
	return &r, nil
}
