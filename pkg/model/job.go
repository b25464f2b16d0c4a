package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrUnknownJobType  = goerr.New("unknown job type")
	ErrInvalidJobState = goerr.New("invalid job status")
)

type JobID string

// NewJobID generates a new unique JobID
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Validate checks if the status is one of the known states
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return nil
	default:
		return goerr.Wrap(ErrInvalidJobState, "unexpected status", goerr.V("status", s))
	}
}

// Terminal reports whether no further transition is allowed from s
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is a durable unit of external work. Payload is immutable after
// creation; Status, Attempts, Logs and timestamps are owned by the queue.
type Job struct {
	ID        JobID
	Payload   JobPayload
	Status    JobStatus
	Attempts  int
	Logs      []string
	LastError string
	RunAt     time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJob builds a pending job for payload. The ID is generated when empty.
func NewJob(id JobID, payload JobPayload, now time.Time) *Job {
	if id == "" {
		id = NewJobID()
	}
	return &Job{
		ID:        id,
		Payload:   payload,
		Status:    JobStatusPending,
		Logs:      []string{},
		RunAt:     now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Type returns the job type tag of the payload
func (j *Job) Type() JobType {
	if j.Payload == nil {
		return ""
	}
	return j.Payload.JobType()
}

// Copy returns a deep copy so callers cannot mutate stored state
func (j *Job) Copy() *Job {
	cp := *j
	cp.Logs = append([]string{}, j.Logs...)
	return &cp
}

// AppendLog adds one line to the job log trail
func (j *Job) AppendLog(line string) {
	j.Logs = append(j.Logs, line)
}

// EncodePayload serializes the payload into the persisted JSON blob
func EncodePayload(p JobPayload) ([]byte, error) {
	if p == nil {
		return nil, goerr.New("payload is nil")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal job payload", goerr.V("type", p.JobType()))
	}
	return raw, nil
}

// EncodeLogs serializes the log trail as a JSON array
func EncodeLogs(logs []string) ([]byte, error) {
	if logs == nil {
		logs = []string{}
	}
	raw, err := json.Marshal(logs)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal job logs")
	}
	return raw, nil
}

// DecodeLogs parses a persisted JSON array of log lines
func DecodeLogs(raw []byte) ([]string, error) {
	logs := []string{}
	if len(raw) == 0 {
		return logs, nil
	}
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal job logs")
	}
	return logs, nil
}
