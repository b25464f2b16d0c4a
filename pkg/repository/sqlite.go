package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	logs TEXT NOT NULL DEFAULT '[]',
	last_error TEXT NOT NULL DEFAULT '',
	run_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	subject_kind TEXT NOT NULL,
	job_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_subject ON executions(subject_id, created_at);
`

const sqliteJobColumns = `id, type, payload, status, attempts, logs, last_error, run_at, created_at, updated_at`

// SQLite implements Repository on a local database file
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and creates) the database at dbPath
func NewSQLite(dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("path", dbPath))
		}
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("path", dbPath))
	}

	// a single connection serializes writers within the process
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to ping database", goerr.V("path", dbPath))
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to create schema")
	}

	return &SQLite{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(s rowScanner) (*model.Job, error) {
	var r jobRow
	var payload, logs string
	var runAt, createdAt, updatedAt int64
	if err := s.Scan(&r.ID, &r.Type, &payload, &r.Status, &r.Attempts, &logs, &r.LastError, &runAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Payload = []byte(payload)
	r.Logs = []byte(logs)
	r.RunAt = time.Unix(0, runAt)
	r.CreatedAt = time.Unix(0, createdAt)
	r.UpdatedAt = time.Unix(0, updatedAt)
	return r.toJob()
}

func (s *SQLite) CreateJob(ctx context.Context, job *model.Job) error {
	r, err := toRow(job)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+sqliteJobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Type, string(r.Payload), r.Status, r.Attempts, string(r.Logs), r.LastError,
		r.RunAt.UnixNano(), r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return goerr.Wrap(ErrJobExists, "cannot create job", goerr.V("id", job.ID))
		}
		return goerr.Wrap(err, "failed to insert job", goerr.V("id", job.ID))
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id model.JobID) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, string(id))
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(ErrJobNotFound, "cannot get job", goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get job", goerr.V("id", id))
	}
	return job, nil
}

func (s *SQLite) ClaimNextJob(ctx context.Context, now time.Time) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND run_at <= ?
			ORDER BY created_at, rowid
			LIMIT 1
		) AND status = ?
		RETURNING `+sqliteJobColumns,
		string(model.JobStatusProcessing), now.UnixNano(),
		string(model.JobStatusPending), now.UnixNano(),
		string(model.JobStatusPending),
	)

	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to claim job")
	}
	return job, nil
}

func (s *SQLite) UpdateJob(ctx context.Context, job *model.Job) error {
	logs, err := model.EncodeLogs(job.Logs)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, logs = ?, last_error = ?, run_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND attempts = ?`,
		string(job.Status), string(logs), job.LastError,
		job.RunAt.UnixNano(), job.UpdatedAt.UnixNano(),
		string(job.ID), string(model.JobStatusProcessing), job.Attempts,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to update job", goerr.V("id", job.ID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return goerr.Wrap(err, "failed to read affected rows", goerr.V("id", job.ID))
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = ?)`, string(job.ID)).Scan(&exists); err != nil {
			return goerr.Wrap(err, "failed to check job", goerr.V("id", job.ID))
		}
		return claimLost(job, exists)
	}
	return nil
}

func (s *SQLite) ListJobs(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, rowid`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list jobs", goerr.V("status", status))
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

func (s *SQLite) ResetStaleJobs(ctx context.Context, olderThan, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE status = ? AND updated_at < ?`,
		string(model.JobStatusProcessing), olderThan.UnixNano())
	if err != nil {
		return 0, goerr.Wrap(err, "failed to query stale jobs")
	}

	var stale []*model.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			_ = rows.Close()
			return 0, goerr.Wrap(err, "failed to scan stale job")
		}
		stale = append(stale, job)
	}
	if err := rows.Close(); err != nil {
		return 0, goerr.Wrap(err, "failed to close stale job rows")
	}

	n := 0
	for _, job := range stale {
		job.AppendLog(staleJobLog)
		logs, err := model.EncodeLogs(job.Logs)
		if err != nil {
			return n, err
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, logs = ?, updated_at = ?
			WHERE id = ? AND status = ? AND updated_at < ?`,
			string(model.JobStatusPending), string(logs), now.UnixNano(),
			string(job.ID), string(model.JobStatusProcessing), olderThan.UnixNano(),
		)
		if err != nil {
			return n, goerr.Wrap(err, "failed to reset stale job", goerr.V("id", job.ID))
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, nil
}

func (s *SQLite) PutExecution(ctx context.Context, exec *model.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, subject_id, subject_kind, job_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(exec.ID), exec.SubjectID, string(exec.SubjectKind), string(exec.JobID), exec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to insert execution", goerr.V("id", exec.ID))
	}
	return nil
}

func (s *SQLite) CountExecutions(ctx context.Context, subjectID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE subject_id = ? AND created_at >= ?`,
		subjectID, since.UnixNano(),
	).Scan(&n)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to count executions", goerr.V("subject_id", subjectID))
	}
	return n, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
