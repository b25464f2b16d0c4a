package queue_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/queue"
	"github.com/epavanello/fixodev-sub000/pkg/repository"
	"github.com/m-mizutani/gt"
)

func issueJob(n int) *model.Job {
	return model.NewJob("", &model.IssueFixPayload{
		Repository:   model.Repository{Owner: "octo", Name: "demo", CloneURL: "https://github.com/octo/demo.git"},
		IssueNumber:  n,
		Instructions: "fix",
		TriggeredBy:  "alice",
	}, time.Now())
}

func noopPRUpdate(ctx context.Context, job *model.Job, p *model.PRUpdatePayload) error {
	return nil
}

func issueHandlers(fn func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error) queue.Handlers {
	return queue.Handlers{IssueFix: fn, PRUpdate: noopPRUpdate}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
	}
}

func TestNewRequiresEveryHandler(t *testing.T) {
	_, err := queue.New(repository.NewMemory(), queue.Handlers{
		IssueFix: func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error { return nil },
	})
	gt.Error(t, err)
}

func TestSuccessfulJob(t *testing.T) {
	repo := repository.NewMemory()
	dir := t.TempDir()

	q, err := queue.New(repo, issueHandlers(func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error {
		queue.AppendLog(ctx, "writing fix for issue #%d", p.IssueNumber)
		return os.WriteFile(filepath.Join(dir, "fix.txt"), []byte("fixed"), 0644)
	}))
	gt.NoError(t, err)

	job := issueJob(1)
	gt.NoError(t, q.Enqueue(context.Background(), job))
	q.Wait()

	got, err := repo.GetJob(context.Background(), job.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Status, model.JobStatusCompleted)
	gt.Equal(t, got.Attempts, 1)
	gt.Equal(t, got.LastError, "")
	gt.S(t, strings.Join(got.Logs, "\n")).Contains("writing fix for issue #1")
	for _, line := range got.Logs {
		gt.S(t, line).NotContains("failed")
	}

	data, err := os.ReadFile(filepath.Join(dir, "fix.txt"))
	gt.NoError(t, err)
	gt.Equal(t, string(data), "fixed")
}

func TestRetryBound(t *testing.T) {
	repo := repository.NewMemory()
	var calls atomic.Int32

	q, err := queue.New(repo, issueHandlers(func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error {
		calls.Add(1)
		return errors.New("build broke")
	}), queue.WithMaxRetries(3), queue.WithBackoff(0, 0))
	gt.NoError(t, err)

	job := issueJob(1)
	gt.NoError(t, q.Enqueue(context.Background(), job))
	q.Wait()

	got, err := repo.GetJob(context.Background(), job.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Status, model.JobStatusFailed)
	gt.Equal(t, got.Attempts, 3)
	gt.Equal(t, calls.Load(), int32(3))
	gt.S(t, got.LastError).Contains("build broke")
	gt.A(t, got.Logs).Length(3)
	gt.S(t, got.Logs[0]).Contains("attempt 1 failed")
	gt.S(t, got.Logs[2]).Contains("attempt 3 failed")
}

func TestFIFO(t *testing.T) {
	repo := repository.NewMemory()
	var mu sync.Mutex
	var order []int
	release := make(chan struct{})

	q, err := queue.New(repo, issueHandlers(func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error {
		if p.IssueNumber == 1 {
			<-release
		}
		mu.Lock()
		order = append(order, p.IssueNumber)
		mu.Unlock()
		return nil
	}))
	gt.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		gt.NoError(t, q.Enqueue(ctx, issueJob(i)))
	}
	close(release)
	q.Wait()

	gt.Equal(t, order, []int{1, 2, 3, 4})
}

func TestSingleFlight(t *testing.T) {
	repo := repository.NewMemory()
	var running, peak atomic.Int32

	q, err := queue.New(repo, issueHandlers(func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	}))
	gt.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gt.NoError(t, q.Enqueue(ctx, issueJob(i)))
			_ = q.ProcessNext(ctx)
		}()
	}
	wg.Wait()
	q.Wait()

	gt.Equal(t, peak.Load(), int32(1))
	completed, err := repo.ListJobs(ctx, model.JobStatusCompleted, 0)
	gt.NoError(t, err)
	gt.A(t, completed).Length(8)
}

func TestTimeoutWins(t *testing.T) {
	repo := repository.NewMemory()

	q, err := queue.New(repo, issueHandlers(func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	}), queue.WithJobTimeout(20*time.Millisecond), queue.WithMaxRetries(1))
	gt.NoError(t, err)

	job := issueJob(1)
	start := time.Now()
	gt.NoError(t, q.Enqueue(context.Background(), job))
	q.Wait()
	gt.True(t, time.Since(start) < 250*time.Millisecond)

	got, err := repo.GetJob(context.Background(), job.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Status, model.JobStatusFailed)
	gt.S(t, got.LastError).Contains("timed out")
}

func TestHandlerPanic(t *testing.T) {
	repo := repository.NewMemory()

	q, err := queue.New(repo, issueHandlers(func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error {
		panic("nil map")
	}), queue.WithMaxRetries(1))
	gt.NoError(t, err)

	job := issueJob(1)
	gt.NoError(t, q.Enqueue(context.Background(), job))
	q.Wait()

	got, err := repo.GetJob(context.Background(), job.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Status, model.JobStatusFailed)
	gt.S(t, got.LastError).Contains("panicked")
	gt.S(t, got.Logs[0]).Contains("attempt 1 failed")
}

func TestBackoffDelaysRetry(t *testing.T) {
	repo := repository.NewMemory()
	var mu sync.Mutex
	var calls []time.Time
	done := make(chan struct{})

	q, err := queue.New(repo, issueHandlers(func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, time.Now())
		if len(calls) == 1 {
			return errors.New("flaky")
		}
		close(done)
		return nil
	}), queue.WithBackoff(50*time.Millisecond, time.Second))
	gt.NoError(t, err)

	job := issueJob(1)
	gt.NoError(t, q.Enqueue(context.Background(), job))
	q.Wait()

	pending, err := repo.GetJob(context.Background(), job.ID)
	gt.NoError(t, err)
	gt.Equal(t, pending.Status, model.JobStatusPending)
	gt.True(t, pending.RunAt.After(pending.CreatedAt))

	waitFor(t, done)
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	gt.A(t, calls).Length(2)
	gt.True(t, calls[1].Sub(calls[0]) >= 50*time.Millisecond)

	got, err := repo.GetJob(context.Background(), job.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Status, model.JobStatusCompleted)
	gt.Equal(t, got.Attempts, 2)
}

type flakyClaimRepo struct {
	repository.Repository
	failures atomic.Int32
}

func (r *flakyClaimRepo) ClaimNextJob(ctx context.Context, now time.Time) (*model.Job, error) {
	if r.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return r.Repository.ClaimNextJob(ctx, now)
}

func TestClaimErrorIsRetried(t *testing.T) {
	repo := &flakyClaimRepo{Repository: repository.NewMemory()}
	repo.failures.Store(1)
	done := make(chan struct{})

	q, err := queue.New(repo, issueHandlers(func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error {
		close(done)
		return nil
	}), queue.WithClaimRetryDelay(10*time.Millisecond))
	gt.NoError(t, err)

	job := issueJob(1)
	gt.NoError(t, q.Enqueue(context.Background(), job))
	waitFor(t, done)
	q.Wait()

	got, err := repo.GetJob(context.Background(), job.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Status, model.JobStatusCompleted)
	gt.Equal(t, got.Attempts, 1)
}

func TestRunRecoversStaleJobs(t *testing.T) {
	repo := repository.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stale := issueJob(7)
	stale.CreatedAt = time.Now().Add(-2 * time.Hour)
	stale.RunAt = stale.CreatedAt
	gt.NoError(t, repo.CreateJob(ctx, stale))
	// a worker claimed it an hour ago and never reported back
	claimed, err := repo.ClaimNextJob(ctx, time.Now().Add(-time.Hour))
	gt.NoError(t, err)
	gt.Equal(t, claimed.ID, stale.ID)

	done := make(chan struct{})
	q, err := queue.New(repo, issueHandlers(func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error {
		close(done)
		return nil
	}), queue.WithPollInterval(10*time.Millisecond), queue.WithStaleAfter(time.Minute))
	gt.NoError(t, err)

	stopped := make(chan error)
	go func() { stopped <- q.Run(ctx) }()

	waitFor(t, done)
	cancel()
	gt.NoError(t, <-stopped)

	got, err := repo.GetJob(context.Background(), stale.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Status, model.JobStatusCompleted)
	gt.Equal(t, got.Attempts, 2)
	gt.S(t, strings.Join(got.Logs, "\n")).Contains("stale")
}

func TestLateResultAfterReclaimIsDropped(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	q, err := queue.New(repo, issueHandlers(func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error {
		close(started)
		<-release
		return errors.New("late failure")
	}), queue.WithBackoff(0, 0))
	gt.NoError(t, err)

	job := issueJob(8)
	gt.NoError(t, q.Enqueue(ctx, job))
	waitFor(t, started)

	// another worker recovers the job and finishes it
	later := time.Now().Add(time.Hour)
	_, err = repo.ResetStaleJobs(ctx, later, later)
	gt.NoError(t, err)
	other, err := repo.ClaimNextJob(ctx, later)
	gt.NoError(t, err)
	gt.Equal(t, other.ID, job.ID)
	other.Status = model.JobStatusCompleted
	gt.NoError(t, repo.UpdateJob(ctx, other))

	close(release)
	q.Wait()

	got, err := repo.GetJob(ctx, job.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Status, model.JobStatusCompleted)
	gt.Equal(t, got.Attempts, 2)
	gt.Equal(t, got.LastError, "")
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	q, err := queue.New(repository.NewMemory(), issueHandlers(func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error {
		return nil
	}))
	gt.NoError(t, err)

	job := model.NewJob("", &model.IssueFixPayload{IssueNumber: 1}, time.Now())
	gt.Error(t, q.Enqueue(context.Background(), job))
}

func TestEnqueueAfterClose(t *testing.T) {
	repo := repository.NewMemory()
	q, err := queue.New(repo, issueHandlers(func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error {
		return nil
	}))
	gt.NoError(t, err)
	q.Close()

	job := issueJob(1)
	err = q.Enqueue(context.Background(), job)
	gt.True(t, errors.Is(err, queue.ErrQueueClosed))

	_, err = repo.GetJob(context.Background(), job.ID)
	gt.True(t, errors.Is(err, repository.ErrJobNotFound))
}
