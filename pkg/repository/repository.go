// Package repository persists jobs and the execution log. Every backend
// implements ClaimNextJob as a conditional update so that several worker
// processes can share one store.
package repository

import (
	"context"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrJobNotFound = goerr.New("job not found")
	ErrJobExists   = goerr.New("job already exists")
	ErrClaimLost   = goerr.New("job is no longer held by this attempt")
)

// Repository defines the interface for job and execution persistence
type Repository interface {
	// CreateJob saves a new job. An existing id is rejected with ErrJobExists.
	CreateJob(ctx context.Context, job *model.Job) error

	// GetJob retrieves a job by ID, or ErrJobNotFound
	GetJob(ctx context.Context, id model.JobID) (*model.Job, error)

	// ClaimNextJob atomically moves the oldest pending job whose RunAt is not
	// after now to processing and increments its attempts. It returns nil
	// without error when no job is eligible.
	ClaimNextJob(ctx context.Context, now time.Time) (*model.Job, error)

	// UpdateJob records the outcome of a claimed attempt: status, logs, last
	// error, run at and updated at. The write only applies while the job is
	// still processing with the same attempt count; otherwise it returns
	// ErrClaimLost, or ErrJobNotFound for an unknown id.
	UpdateJob(ctx context.Context, job *model.Job) error

	// ListJobs returns jobs ordered by creation time. An empty status lists
	// every job.
	ListJobs(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error)

	// ResetStaleJobs moves processing jobs last updated before olderThan back
	// to pending and returns how many were reset
	ResetStaleJobs(ctx context.Context, olderThan, now time.Time) (int, error)

	// PutExecution appends one row to the execution log
	PutExecution(ctx context.Context, exec *model.Execution) error

	// CountExecutions counts executions of subjectID created at or after since
	CountExecutions(ctx context.Context, subjectID string, since time.Time) (int, error)

	Close() error
}

// jobRow is the persisted form shared by the SQL backends
type jobRow struct {
	ID        string
	Type      string
	Payload   []byte
	Status    string
	Attempts  int
	Logs      []byte
	LastError string
	RunAt     time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func toRow(job *model.Job) (*jobRow, error) {
	if job == nil || job.ID == "" {
		return nil, goerr.New("job id is required")
	}
	payload, err := model.EncodePayload(job.Payload)
	if err != nil {
		return nil, err
	}
	logs, err := model.EncodeLogs(job.Logs)
	if err != nil {
		return nil, err
	}
	return &jobRow{
		ID:        string(job.ID),
		Type:      string(job.Type()),
		Payload:   payload,
		Status:    string(job.Status),
		Attempts:  job.Attempts,
		Logs:      logs,
		LastError: job.LastError,
		RunAt:     job.RunAt,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}, nil
}

func (r *jobRow) toJob() (*model.Job, error) {
	payload, err := model.DecodePayload(model.JobType(r.Type), r.Payload)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to restore job", goerr.V("id", r.ID))
	}
	logs, err := model.DecodeLogs(r.Logs)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to restore job", goerr.V("id", r.ID))
	}
	status := model.JobStatus(r.Status)
	if err := status.Validate(); err != nil {
		return nil, goerr.Wrap(err, "failed to restore job", goerr.V("id", r.ID))
	}
	return &model.Job{
		ID:        model.JobID(r.ID),
		Payload:   payload,
		Status:    status,
		Attempts:  r.Attempts,
		Logs:      logs,
		LastError: r.LastError,
		RunAt:     r.RunAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

const staleJobLog = "recovered from stale processing state"

func claimLost(job *model.Job, exists bool) error {
	if !exists {
		return goerr.Wrap(ErrJobNotFound, "cannot update job", goerr.V("id", job.ID))
	}
	return goerr.Wrap(ErrClaimLost, "cannot update job",
		goerr.V("id", job.ID),
		goerr.V("attempts", job.Attempts),
	)
}
