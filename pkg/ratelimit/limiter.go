// Package ratelimit decides whether a subject may start another job based
// on the execution log and its plan.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	PlanFree = "free"
	PlanPaid = "paid"
)

// Plan holds execution thresholds. Zero means unlimited.
type Plan struct {
	Daily   int `yaml:"daily"`
	Monthly int `yaml:"monthly"`
}

// DefaultPlans returns the built-in plan table
func DefaultPlans() map[string]Plan {
	return map[string]Plan{
		PlanFree: {Daily: 10, Monthly: 100},
		PlanPaid: {Monthly: 1000},
	}
}

// Decision is the outcome of CheckRateLimit. Limit and Count refer to the
// window that denied the request, or to the monthly window when allowed.
type Decision struct {
	Allowed bool
	Reason  string
	Plan    string
	Limit   int
	Count   int
}

// Store is the part of the repository the limiter reads and writes
type Store interface {
	PutExecution(ctx context.Context, exec *model.Execution) error
	CountExecutions(ctx context.Context, subjectID string, since time.Time) (int, error)
}

type Limiter struct {
	store    Store
	plans    map[string]Plan
	subjects map[string]string
	now      func() time.Time
}

type Option func(*Limiter)

// WithPlans replaces the plan table. A table without a free plan gets the
// default one.
func WithPlans(plans map[string]Plan) Option {
	return func(l *Limiter) {
		l.plans = plans
	}
}

// WithSubjectPlans assigns plans to subject ids. Unlisted subjects use the
// free plan.
func WithSubjectPlans(subjects map[string]string) Option {
	return func(l *Limiter) {
		l.subjects = subjects
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:    store,
		plans:    DefaultPlans(),
		subjects: map[string]string{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if _, ok := l.plans[PlanFree]; !ok {
		l.plans[PlanFree] = DefaultPlans()[PlanFree]
	}
	return l
}

func (l *Limiter) planOf(subject model.Subject) (string, Plan) {
	name, ok := l.subjects[subject.ID]
	if !ok {
		name = PlanFree
	}
	plan, ok := l.plans[name]
	if !ok {
		return PlanFree, l.plans[PlanFree]
	}
	return name, plan
}

// CheckRateLimit counts the subject's executions in the current UTC day
// and month and compares them with its plan
func (l *Limiter) CheckRateLimit(ctx context.Context, subject model.Subject) (*Decision, error) {
	if subject.ID == "" {
		return nil, goerr.New("subject id is required")
	}

	name, plan := l.planOf(subject)
	now := l.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	if plan.Daily > 0 {
		n, err := l.store.CountExecutions(ctx, subject.ID, dayStart)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to count daily executions", goerr.V("subject", subject.ID))
		}
		if n >= plan.Daily {
			return &Decision{
				Reason: fmt.Sprintf("daily limit of %d executions reached for %s plan", plan.Daily, name),
				Plan:   name,
				Limit:  plan.Daily,
				Count:  n,
			}, nil
		}
	}

	monthly, err := l.store.CountExecutions(ctx, subject.ID, monthStart)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to count monthly executions", goerr.V("subject", subject.ID))
	}
	if plan.Monthly > 0 && monthly >= plan.Monthly {
		return &Decision{
			Reason: fmt.Sprintf("monthly limit of %d executions reached for %s plan", plan.Monthly, name),
			Plan:   name,
			Limit:  plan.Monthly,
			Count:  monthly,
		}, nil
	}

	return &Decision{
		Allowed: true,
		Plan:    name,
		Limit:   plan.Monthly,
		Count:   monthly,
	}, nil
}

// RecordExecution appends one execution for subject. Failures are logged
// and swallowed so that accounting never blocks a job.
func (l *Limiter) RecordExecution(ctx context.Context, subject model.Subject, jobID model.JobID) {
	exec := &model.Execution{
		ID:          model.NewExecutionID(),
		SubjectID:   subject.ID,
		SubjectKind: subject.Kind.OrDefault(),
		JobID:       jobID,
		CreatedAt:   l.now(),
	}
	if err := l.store.PutExecution(ctx, exec); err != nil {
		logging.From(ctx).Warn("failed to record execution",
			"error", err,
			"subject", subject.ID,
			"job_id", jobID,
		)
	}
}
