package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	jobCollection       = "jobs"
	executionCollection = "executions"

	// claim scans this many pending jobs per transaction to find one that is due
	claimScanLimit = 20
)

// Firestore implements Repository with Cloud Firestore. Claims run in a
// transaction, which Firestore retries on contention.
type Firestore struct {
	client *firestore.Client
}

type jobDoc struct {
	ID        string    `firestore:"id"`
	Type      string    `firestore:"type"`
	Payload   string    `firestore:"payload"`
	Status    string    `firestore:"status"`
	Attempts  int       `firestore:"attempts"`
	Logs      []string  `firestore:"logs"`
	LastError string    `firestore:"last_error"`
	RunAt     time.Time `firestore:"run_at"`
	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

type executionDoc struct {
	ID          string    `firestore:"id"`
	SubjectID   string    `firestore:"subject_id"`
	SubjectKind string    `firestore:"subject_kind"`
	JobID       string    `firestore:"job_id"`
	CreatedAt   time.Time `firestore:"created_at"`
}

// NewFirestore creates a new Firestore repository
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	if projectID == "" {
		return nil, goerr.New("firestore project id is required")
	}
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID),
		)
	}
	return &Firestore{client: client}, nil
}

func toJobDoc(job *model.Job) (*jobDoc, error) {
	r, err := toRow(job)
	if err != nil {
		return nil, err
	}
	logs := job.Logs
	if logs == nil {
		logs = []string{}
	}
	return &jobDoc{
		ID:        r.ID,
		Type:      r.Type,
		Payload:   string(r.Payload),
		Status:    r.Status,
		Attempts:  r.Attempts,
		Logs:      logs,
		LastError: r.LastError,
		RunAt:     r.RunAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func (d *jobDoc) toJob() (*model.Job, error) {
	logs, err := model.EncodeLogs(d.Logs)
	if err != nil {
		return nil, err
	}
	r := &jobRow{
		ID:        d.ID,
		Type:      d.Type,
		Payload:   []byte(d.Payload),
		Status:    d.Status,
		Attempts:  d.Attempts,
		Logs:      logs,
		LastError: d.LastError,
		RunAt:     d.RunAt,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	return r.toJob()
}

func decodeJobDoc(snap *firestore.DocumentSnapshot) (*model.Job, error) {
	var d jobDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, goerr.Wrap(err, "failed to decode job document", goerr.V("id", snap.Ref.ID))
	}
	return d.toJob()
}

func (f *Firestore) jobs() *firestore.CollectionRef {
	return f.client.Collection(jobCollection)
}

func (f *Firestore) CreateJob(ctx context.Context, job *model.Job) error {
	doc, err := toJobDoc(job)
	if err != nil {
		return err
	}

	if _, err := f.jobs().Doc(doc.ID).Create(ctx, doc); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return goerr.Wrap(ErrJobExists, "cannot create job", goerr.V("id", job.ID))
		}
		return goerr.Wrap(err, "failed to create job", goerr.V("id", job.ID))
	}
	return nil
}

func (f *Firestore) GetJob(ctx context.Context, id model.JobID) (*model.Job, error) {
	snap, err := f.jobs().Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(ErrJobNotFound, "cannot get job", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get job", goerr.V("id", id))
	}
	return decodeJobDoc(snap)
}

func (f *Firestore) ClaimNextJob(ctx context.Context, now time.Time) (*model.Job, error) {
	var claimed *model.Job

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claimed = nil
		q := f.jobs().
			Where("status", "==", string(model.JobStatusPending)).
			OrderBy("created_at", firestore.Asc).
			Limit(claimScanLimit)

		snaps, err := tx.Documents(q).GetAll()
		if err != nil {
			return goerr.Wrap(err, "failed to query pending jobs")
		}

		for _, snap := range snaps {
			job, err := decodeJobDoc(snap)
			if err != nil {
				return err
			}
			if job.RunAt.After(now) {
				continue
			}

			job.Status = model.JobStatusProcessing
			job.Attempts++
			job.UpdatedAt = now
			if err := tx.Update(snap.Ref, []firestore.Update{
				{Path: "status", Value: string(job.Status)},
				{Path: "attempts", Value: job.Attempts},
				{Path: "updated_at", Value: now},
			}); err != nil {
				return goerr.Wrap(err, "failed to mark job processing", goerr.V("id", job.ID))
			}
			claimed = job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to claim job")
	}
	return claimed, nil
}

func (f *Firestore) UpdateJob(ctx context.Context, job *model.Job) error {
	logs := job.Logs
	if logs == nil {
		logs = []string{}
	}
	ref := f.jobs().Doc(string(job.ID))

	var guard error
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		guard = nil
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				guard = claimLost(job, false)
				return nil
			}
			return err
		}
		cur, err := decodeJobDoc(snap)
		if err != nil {
			return err
		}
		if cur.Status != model.JobStatusProcessing || cur.Attempts != job.Attempts {
			guard = claimLost(job, true)
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(job.Status)},
			{Path: "logs", Value: logs},
			{Path: "last_error", Value: job.LastError},
			{Path: "run_at", Value: job.RunAt},
			{Path: "updated_at", Value: job.UpdatedAt},
		})
	})
	if err != nil {
		return goerr.Wrap(err, "failed to update job", goerr.V("id", job.ID))
	}
	return guard
}

func (f *Firestore) ListJobs(ctx context.Context, jobStatus model.JobStatus, limit int) ([]*model.Job, error) {
	q := f.jobs().OrderBy("created_at", firestore.Asc)
	if jobStatus != "" {
		q = f.jobs().Where("status", "==", string(jobStatus)).OrderBy("created_at", firestore.Asc)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var jobs []*model.Job
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate jobs", goerr.V("status", jobStatus))
		}
		job, err := decodeJobDoc(snap)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (f *Firestore) ResetStaleJobs(ctx context.Context, olderThan, now time.Time) (int, error) {
	iter := f.jobs().
		Where("status", "==", string(model.JobStatusProcessing)).
		Where("updated_at", "<", olderThan).
		Documents(ctx)
	defer iter.Stop()

	n := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return n, goerr.Wrap(err, "failed to iterate stale jobs")
		}

		reset := false
		err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			reset = false
			cur, err := tx.Get(snap.Ref)
			if err != nil {
				return err
			}
			job, err := decodeJobDoc(cur)
			if err != nil {
				return err
			}
			if job.Status != model.JobStatusProcessing || !job.UpdatedAt.Before(olderThan) {
				return nil
			}
			job.AppendLog(staleJobLog)
			reset = true
			return tx.Update(snap.Ref, []firestore.Update{
				{Path: "status", Value: string(model.JobStatusPending)},
				{Path: "logs", Value: job.Logs},
				{Path: "updated_at", Value: now},
			})
		})
		if err != nil {
			return n, goerr.Wrap(err, "failed to reset stale job", goerr.V("id", snap.Ref.ID))
		}
		if reset {
			n++
		}
	}
	return n, nil
}

func (f *Firestore) PutExecution(ctx context.Context, exec *model.Execution) error {
	doc := &executionDoc{
		ID:          string(exec.ID),
		SubjectID:   exec.SubjectID,
		SubjectKind: string(exec.SubjectKind),
		JobID:       string(exec.JobID),
		CreatedAt:   exec.CreatedAt,
	}
	if _, err := f.client.Collection(executionCollection).Doc(doc.ID).Set(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to put execution", goerr.V("id", exec.ID))
	}
	return nil
}

func (f *Firestore) CountExecutions(ctx context.Context, subjectID string, since time.Time) (int, error) {
	iter := f.client.Collection(executionCollection).
		Where("subject_id", "==", subjectID).
		Where("created_at", ">=", since).
		Documents(ctx)
	defer iter.Stop()

	n := 0
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, goerr.Wrap(err, "failed to count executions", goerr.V("subject_id", subjectID))
		}
		n++
	}
	return n, nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}
