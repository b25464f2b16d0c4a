package repository

import (
	"context"
	"errors"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	payload JSONB NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	logs JSONB NOT NULL DEFAULT '[]',
	last_error TEXT NOT NULL DEFAULT '',
	run_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at, seq);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	subject_kind TEXT NOT NULL,
	job_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_subject ON executions(subject_id, created_at);
`

const postgresJobColumns = `id, type, payload, status, attempts, logs, last_error, run_at, created_at, updated_at`

// Postgres implements Repository on a shared PostgreSQL database. Claims
// use FOR UPDATE SKIP LOCKED so workers never block on each other.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse postgres dsn")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, goerr.Wrap(err, "failed to ping postgres")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, goerr.Wrap(err, "failed to create schema")
	}

	return &Postgres{pool: pool}, nil
}

func scanPostgresJob(row pgx.Row) (*model.Job, error) {
	var r jobRow
	if err := row.Scan(&r.ID, &r.Type, &r.Payload, &r.Status, &r.Attempts, &r.Logs, &r.LastError, &r.RunAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return r.toJob()
}

func (p *Postgres) CreateJob(ctx context.Context, job *model.Job) error {
	r, err := toRow(job)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `INSERT INTO jobs (`+postgresJobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.Type, r.Payload, r.Status, r.Attempts, r.Logs, r.LastError, r.RunAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return goerr.Wrap(ErrJobExists, "cannot create job", goerr.V("id", job.ID))
		}
		return goerr.Wrap(err, "failed to insert job", goerr.V("id", job.ID))
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, id model.JobID) (*model.Job, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+postgresJobColumns+` FROM jobs WHERE id = $1`, string(id))
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goerr.Wrap(ErrJobNotFound, "cannot get job", goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get job", goerr.V("id", id))
	}
	return job, nil
}

func (p *Postgres) ClaimNextJob(ctx context.Context, now time.Time) (*model.Job, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $1, attempts = attempts + 1, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $3 AND run_at <= $2
			ORDER BY created_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+postgresJobColumns,
		string(model.JobStatusProcessing), now, string(model.JobStatusPending),
	)

	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to claim job")
	}
	return job, nil
}

func (p *Postgres) UpdateJob(ctx context.Context, job *model.Job) error {
	logs, err := model.EncodeLogs(job.Logs)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, logs = $2, last_error = $3, run_at = $4, updated_at = $5
		WHERE id = $6 AND status = $7 AND attempts = $8`,
		string(job.Status), logs, job.LastError, job.RunAt, job.UpdatedAt,
		string(job.ID), string(model.JobStatusProcessing), job.Attempts,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to update job", goerr.V("id", job.ID))
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, string(job.ID)).Scan(&exists); err != nil {
			return goerr.Wrap(err, "failed to check job", goerr.V("id", job.ID))
		}
		return claimLost(job, exists)
	}
	return nil
}

func (p *Postgres) ListJobs(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error) {
	query := `SELECT ` + postgresJobColumns + ` FROM jobs WHERE ($1 = '' OR status = $1) ORDER BY created_at, seq`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list jobs", goerr.V("status", status))
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanPostgresJob(rows)
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

func (p *Postgres) ResetStaleJobs(ctx context.Context, olderThan, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2, logs = logs || to_jsonb($3::text)
		WHERE status = $4 AND updated_at < $5`,
		string(model.JobStatusPending), now, staleJobLog, string(model.JobStatusProcessing), olderThan,
	)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to reset stale jobs")
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) PutExecution(ctx context.Context, exec *model.Execution) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO executions (id, subject_id, subject_kind, job_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(exec.ID), exec.SubjectID, string(exec.SubjectKind), string(exec.JobID), exec.CreatedAt,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to insert execution", goerr.V("id", exec.ID))
	}
	return nil
}

func (p *Postgres) CountExecutions(ctx context.Context, subjectID string, since time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM executions WHERE subject_id = $1 AND created_at >= $2`,
		subjectID, since,
	).Scan(&n)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to count executions", goerr.V("subject_id", subjectID))
	}
	return n, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
