// Package store persists solve jobs and their result records in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/copyleftdev/ballistic/internal/ballistics"
	"github.com/copyleftdev/ballistic/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	configurations INTEGER NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	finished_at    TEXT
);

CREATE TABLE IF NOT EXISTS results (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id       TEXT NOT NULL,
	config_index INTEGER NOT NULL,
	label        TEXT NOT NULL,
	status       TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	v50          REAL,
	rmse         REAL,
	v_low        REAL NOT NULL,
	v_high       REAL,
	runs         INTEGER NOT NULL,
	points_used  INTEGER NOT NULL,
	converged    INTEGER NOT NULL,
	record_json  TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	UNIQUE(job_id, config_index)
);

CREATE INDEX IF NOT EXISTS idx_results_job ON results(job_id);
CREATE INDEX IF NOT EXISTS idx_results_status ON results(status);
`

// Job is the persisted summary of a batch.
type Job struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	Configurations int        `json:"configurations"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// StoredRecord is a result record with its job context.
type StoredRecord struct {
	JobID     string                  `json:"job_id"`
	CreatedAt time.Time               `json:"created_at"`
	Record    ballistics.ResultRecord `json:"record"`
}

// Filter narrows ListRecords. Zero values match everything.
type Filter struct {
	JobID  string
	Status string
	Limit  int
}

// Store wraps a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn and migrates it.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap(err, "Open", "open database")
	}
	// A single connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if !strings.Contains(dsn, ":memory:") {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, wrap(err, "Open", "enable WAL")
		}
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New migrates db and wraps it. The caller keeps ownership of db.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, wrap(err, "New", "migrate schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func wrap(err error, op, msg string) error {
	return errors.Wrap(err, msg).WithOperation(op).WithComponent(errors.ComponentStore)
}

func nullFloat(v float64, valid bool) sql.NullFloat64 {
	if !valid || math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// SaveJob inserts or updates a job summary.
func (s *Store) SaveJob(ctx context.Context, job Job) error {
	var finished sql.NullString
	if job.FinishedAt != nil {
		finished = sql.NullString{String: formatTime(*job.FinishedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, configurations, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		job.ID, job.Status, job.Configurations, job.Error, formatTime(job.CreatedAt), finished)
	if err != nil {
		return wrap(err, "SaveJob", "save job "+job.ID)
	}
	return nil
}

// GetJob returns a job summary, or nil when the id is unknown.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var (
		job      Job
		created  string
		finished sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, configurations, error, created_at, finished_at FROM jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.Status, &job.Configurations, &job.Error, &created, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, "GetJob", "load job "+id)
	}
	job.CreatedAt = parseTime(created)
	if finished.Valid {
		t := parseTime(finished.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

// SaveRecord stores rec under jobID, replacing an earlier record for the
// same configuration index.
func (s *Store) SaveRecord(ctx context.Context, jobID string, rec ballistics.ResultRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return wrap(err, "SaveRecord", "encode record")
	}

	ok := rec.Succeeded()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (job_id, config_index, label, status, reason, v50, rmse,
			v_low, v_high, runs, points_used, converged, record_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, config_index) DO UPDATE SET
			label = excluded.label,
			status = excluded.status,
			reason = excluded.reason,
			v50 = excluded.v50,
			rmse = excluded.rmse,
			v_low = excluded.v_low,
			v_high = excluded.v_high,
			runs = excluded.runs,
			points_used = excluded.points_used,
			converged = excluded.converged,
			record_json = excluded.record_json`,
		jobID, rec.Index, rec.Label, string(rec.Status), string(rec.Reason),
		nullFloat(rec.V50, ok), nullFloat(rec.RMSE, ok),
		rec.VLow, nullFloat(rec.VHigh, true),
		rec.Runs, len(rec.PointsUsed), rec.Converged,
		string(data), formatTime(time.Now()))
	if err != nil {
		return wrap(err, "SaveRecord", "save record")
	}
	return nil
}

// ListRecords returns stored records, most recent job first and in
// configuration order within a job.
func (s *Store) ListRecords(ctx context.Context, f Filter) ([]StoredRecord, error) {
	query := `SELECT job_id, created_at, record_json FROM results`
	var (
		where []string
		args  []interface{}
	)
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY (SELECT MIN(r2.id) FROM results r2 WHERE r2.job_id = results.job_id) DESC, config_index ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "ListRecords", "query records")
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var (
			sr      StoredRecord
			created string
			data    string
		)
		if err := rows.Scan(&sr.JobID, &created, &data); err != nil {
			return nil, wrap(err, "ListRecords", "scan record")
		}
		if err := json.Unmarshal([]byte(data), &sr.Record); err != nil {
			return nil, wrap(err, "ListRecords", "decode record")
		}
		sr.CreatedAt = parseTime(created)
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "ListRecords", "iterate records")
	}

	return out, nil
}
