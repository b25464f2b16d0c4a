// Package queue runs jobs from the repository one at a time per process.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/repository"
	"github.com/epavanello/fixodev-sub000/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultMaxRetries      = 3
	DefaultJobTimeout      = 30 * time.Minute
	DefaultBackoffBase     = 30 * time.Second
	DefaultBackoffMax      = 10 * time.Minute
	DefaultClaimRetryDelay = 5 * time.Second
	DefaultPollInterval    = 15 * time.Second
)

var (
	ErrJobTimeout   = goerr.New("job timed out")
	ErrHandlerPanic = goerr.New("job handler panicked")
	ErrQueueClosed  = goerr.New("queue is closed")
)

// Queue is a single-slot worker. At most one attempt runs at a time; a
// trigger that arrives while busy is remembered and served when the slot
// is released.
type Queue struct {
	repo     repository.Repository
	handlers Handlers

	maxRetries      int
	timeout         time.Duration
	backoffBase     time.Duration
	backoffMax      time.Duration
	claimRetryDelay time.Duration
	pollInterval    time.Duration
	staleAfter      time.Duration
	now             func() time.Time

	mu        sync.Mutex
	busy      bool
	retrigger bool
	closed    bool
	timers    map[*time.Timer]struct{}
	wg        sync.WaitGroup
}

// Option is a functional option for Queue
type Option func(*Queue)

func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithJobTimeout bounds every handler call
func WithJobTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithBackoff sets the retry delay base*2^(attempts-1), capped at max. A
// zero base retries immediately.
func WithBackoff(base, max time.Duration) Option {
	return func(q *Queue) {
		q.backoffBase = base
		q.backoffMax = max
	}
}

// WithClaimRetryDelay sets the pause after a failed claim
func WithClaimRetryDelay(d time.Duration) Option {
	return func(q *Queue) {
		q.claimRetryDelay = d
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithStaleAfter sets how long a job may stay processing before Run
// returns it to pending
func WithStaleAfter(d time.Duration) Option {
	return func(q *Queue) {
		q.staleAfter = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a queue. Every field of handlers must be set.
func New(repo repository.Repository, handlers Handlers, opts ...Option) (*Queue, error) {
	if repo == nil {
		return nil, goerr.New("repository is required")
	}
	if err := handlers.validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		repo:            repo,
		handlers:        handlers,
		maxRetries:      DefaultMaxRetries,
		timeout:         DefaultJobTimeout,
		backoffBase:     DefaultBackoffBase,
		backoffMax:      DefaultBackoffMax,
		claimRetryDelay: DefaultClaimRetryDelay,
		pollInterval:    DefaultPollInterval,
		now:             time.Now,
		timers:          make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.staleAfter <= 0 {
		q.staleAfter = q.timeout + time.Minute
	}
	return q, nil
}

// Enqueue persists job as pending and schedules an attempt
func (q *Queue) Enqueue(ctx context.Context, job *model.Job) error {
	if job == nil {
		return goerr.New("job is nil")
	}
	if q.isClosed() {
		return goerr.Wrap(ErrQueueClosed, "cannot enqueue job", goerr.V("job_id", job.ID))
	}
	if err := model.ValidatePayload(job.Payload); err != nil {
		return goerr.Wrap(err, "invalid job payload", goerr.V("job_id", job.ID))
	}
	if job.Status != model.JobStatusPending {
		return goerr.Wrap(model.ErrInvalidJobState, "only pending jobs can be enqueued",
			goerr.V("job_id", job.ID), goerr.V("status", job.Status))
	}

	if err := q.repo.CreateJob(ctx, job); err != nil {
		return goerr.Wrap(err, "failed to enqueue job", goerr.V("job_id", job.ID))
	}
	logging.From(ctx).Info("job enqueued", "job_id", job.ID, "job_type", job.Type())

	q.trigger(ctx)
	return nil
}

// ProcessNext claims and runs the oldest eligible job. It returns at once
// when an attempt is already in flight. A claim error releases the slot
// and schedules another attempt after the claim retry delay.
func (q *Queue) ProcessNext(ctx context.Context) error {
	if !q.acquire() {
		return nil
	}

	processed, err := q.processOne(ctx)
	again := q.release()

	if err != nil {
		logging.From(ctx).Warn("failed to claim job, retrying later",
			"error", err,
			"delay", q.claimRetryDelay,
		)
		q.after(ctx, q.claimRetryDelay)
		return err
	}
	if processed || again {
		q.trigger(ctx)
	}
	return nil
}

// Run polls for due jobs until ctx is canceled, resetting stale jobs on
// start and on every tick. It waits for the in-flight attempt on return.
func (q *Queue) Run(ctx context.Context) error {
	logger := logging.From(ctx)
	logger.Info("worker started",
		"poll_interval", q.pollInterval,
		"job_timeout", q.timeout,
		"max_retries", q.maxRetries,
	)

	q.recoverStale(ctx)
	q.trigger(ctx)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping, waiting for in-flight job")
			q.Close()
			q.Wait()
			return nil
		case <-ticker.C:
			q.recoverStale(ctx)
			q.trigger(ctx)
		}
	}
}

// Close stops scheduling new attempts. The in-flight attempt keeps running.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Wait blocks until every triggered attempt has finished. Delayed retries
// that have not fired yet are not waited for.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) acquire() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.busy {
		q.retrigger = true
		return false
	}
	q.busy = true
	q.retrigger = false
	return true
}

// release frees the slot and reports whether a trigger arrived meanwhile
func (q *Queue) release() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.busy = false
	again := q.retrigger
	q.retrigger = false
	return again
}

// trigger schedules ProcessNext without waiting for it. The attempt does
// not inherit cancellation from ctx, only its values.
func (q *Queue) trigger(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer q.wg.Done()
		_ = q.ProcessNext(ctx)
	}()
}

// after triggers ProcessNext once delay has elapsed
func (q *Queue) after(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		q.trigger(ctx)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		q.trigger(ctx)
	})
	q.timers[t] = struct{}{}
}

func (q *Queue) processOne(ctx context.Context) (bool, error) {
	job, err := q.repo.ClaimNextJob(ctx, q.now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	q.execute(ctx, job)
	return true, nil
}

func (q *Queue) execute(ctx context.Context, job *model.Job) {
	ctx, logger := logging.WithAttrs(ctx,
		"job_id", job.ID,
		"job_type", job.Type(),
		"attempt", job.Attempts,
	)

	var err error
	if job.Attempts > q.maxRetries {
		// reclaimed after stale recovery with no attempts left
		err = goerr.New("retry budget exhausted before attempt", goerr.V("attempts", job.Attempts))
	} else {
		logger.Info("job started")
		t := &trail{}
		err = q.runHandler(withTrail(ctx, t), job)
		job.Logs = append(job.Logs, t.snapshot()...)
	}

	now := q.now()
	job.UpdatedAt = now

	switch {
	case err == nil:
		job.Status = model.JobStatusCompleted
		job.LastError = ""
		job.AppendLog(fmt.Sprintf("attempt %d succeeded", job.Attempts))
		logger.Info("job completed")

	case job.Attempts >= q.maxRetries:
		job.Status = model.JobStatusFailed
		job.LastError = err.Error()
		job.AppendLog(fmt.Sprintf("attempt %d failed: %s", job.Attempts, err.Error()))
		logger.Error("job failed permanently", "error", err)

	default:
		delay := q.backoff(job.Attempts)
		job.Status = model.JobStatusPending
		job.LastError = err.Error()
		job.RunAt = now.Add(delay)
		job.AppendLog(fmt.Sprintf("attempt %d failed: %s", job.Attempts, err.Error()))
		logger.Warn("job failed, will retry", "error", err, "delay", delay)
	}

	if err := q.repo.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			// another worker took the job over after stale recovery
			logger.Warn("dropping result of attempt that lost its claim",
				"status", job.Status,
				"error", err,
			)
			return
		}
		// the job stays processing until stale recovery picks it up
		logger.Error("failed to persist job result", "error", err)
		return
	}

	if job.Status == model.JobStatusPending && job.RunAt.After(now) {
		q.after(ctx, job.RunAt.Sub(now))
	}
}

// runHandler races the handler against the job timeout. Panics become
// errors.
func (q *Queue) runHandler(ctx context.Context, job *model.Job) error {
	hctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- goerr.Wrap(ErrHandlerPanic, "recovered", goerr.V("panic", fmt.Sprint(r)))
			}
		}()
		done <- q.handlers.dispatch(hctx, job.Copy())
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return goerr.Wrap(ctx.Err(), "job canceled")
		}
		return goerr.Wrap(ErrJobTimeout, fmt.Sprintf("timed out after %s", q.timeout))
	}
}

func (q *Queue) backoff(attempts int) time.Duration {
	if q.backoffBase <= 0 || attempts < 1 {
		return 0
	}
	shift := attempts - 1
	if shift > 30 {
		shift = 30
	}
	d := q.backoffBase << shift
	if q.backoffMax > 0 && (d > q.backoffMax || d <= 0) {
		d = q.backoffMax
	}
	return d
}

func (q *Queue) recoverStale(ctx context.Context) {
	now := q.now()
	n, err := q.repo.ResetStaleJobs(ctx, now.Add(-q.staleAfter), now)
	if err != nil {
		logging.From(ctx).Warn("failed to reset stale jobs", "error", err)
		return
	}
	if n > 0 {
		logging.From(ctx).Info("reset stale jobs", "count", n)
	}
}
