package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// Memory is an in-process Repository used by the CLI run mode and tests
type Memory struct {
	mu         sync.Mutex
	jobs       map[model.JobID]*model.Job
	seq        map[model.JobID]int
	next       int
	executions []*model.Execution
}

func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[model.JobID]*model.Job),
		seq:  make(map[model.JobID]int),
	}
}

func (m *Memory) CreateJob(ctx context.Context, job *model.Job) error {
	if job == nil || job.ID == "" {
		return goerr.New("job id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return goerr.Wrap(ErrJobExists, "cannot create job", goerr.V("id", job.ID))
	}
	m.jobs[job.ID] = job.Copy()
	m.seq[job.ID] = m.next
	m.next++
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id model.JobID) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, goerr.Wrap(ErrJobNotFound, "cannot get job", goerr.V("id", id))
	}
	return job.Copy(), nil
}

// ordered returns jobs by creation time, insertion order breaking ties
func (m *Memory) ordered() []*model.Job {
	jobs := make([]*model.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return m.seq[jobs[a].ID] < m.seq[jobs[b].ID]
	})
	return jobs
}

func (m *Memory) ClaimNextJob(ctx context.Context, now time.Time) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.ordered() {
		if j.Status != model.JobStatusPending || j.RunAt.After(now) {
			continue
		}
		j.Status = model.JobStatusProcessing
		j.Attempts++
		j.UpdatedAt = now
		return j.Copy(), nil
	}
	return nil, nil
}

func (m *Memory) UpdateJob(ctx context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.jobs[job.ID]
	if !ok || cur.Status != model.JobStatusProcessing || cur.Attempts != job.Attempts {
		return claimLost(job, ok)
	}
	updated := job.Copy()
	updated.Payload = cur.Payload
	updated.CreatedAt = cur.CreatedAt
	m.jobs[job.ID] = updated
	return nil
}

func (m *Memory) ListJobs(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Job
	for _, j := range m.ordered() {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j.Copy())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ResetStaleJobs(ctx context.Context, olderThan, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Status == model.JobStatusProcessing && j.UpdatedAt.Before(olderThan) {
			j.Status = model.JobStatusPending
			j.UpdatedAt = now
			j.AppendLog(staleJobLog)
			n++
		}
	}
	return n, nil
}

func (m *Memory) PutExecution(ctx context.Context, exec *model.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *exec
	m.executions = append(m.executions, &cp)
	return nil
}

func (m *Memory) CountExecutions(ctx context.Context, subjectID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.executions {
		if e.SubjectID == subjectID && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
