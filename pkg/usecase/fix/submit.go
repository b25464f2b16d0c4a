package fix

import (
	"context"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/ratelimit"
	"github.com/epavanello/fixodev-sub000/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

var ErrRateLimited = goerr.New("rate limit exceeded")

// Enqueuer is the part of queue.Queue used by Submitter
type Enqueuer interface {
	Enqueue(ctx context.Context, job *model.Job) error
}

// Submitter admits jobs into the queue under the rate limit
type Submitter struct {
	queue   Enqueuer
	limiter *ratelimit.Limiter
}

// NewSubmitter creates a Submitter. A nil limiter admits every job.
func NewSubmitter(queue Enqueuer, limiter *ratelimit.Limiter) *Submitter {
	return &Submitter{queue: queue, limiter: limiter}
}

// Submit checks the rate limit of the job's subject, enqueues the job and
// records the execution. Test jobs and jobs without a subject bypass the
// limit and are not recorded. A denied job is returned as ErrRateLimited
// together with the decision.
func (s *Submitter) Submit(ctx context.Context, job *model.Job) (*ratelimit.Decision, error) {
	if job == nil || job.Payload == nil {
		return nil, goerr.New("job has no payload")
	}

	subject := job.Payload.Subject()
	limited := s.limiter != nil && !job.Payload.IsTestJob() && subject.ID != ""

	var decision *ratelimit.Decision
	if limited {
		d, err := s.limiter.CheckRateLimit(ctx, subject)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to check rate limit", goerr.V("job_id", job.ID))
		}
		if !d.Allowed {
			logging.From(ctx).Info("job rejected by rate limit",
				"job_id", job.ID,
				"subject", subject.ID,
				"reason", d.Reason,
			)
			return d, goerr.Wrap(ErrRateLimited, d.Reason,
				goerr.V("subject", subject.ID),
				goerr.V("plan", d.Plan))
		}
		decision = d
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		return decision, err
	}

	if limited {
		s.limiter.RecordExecution(ctx, subject, job.ID)
	}
	return decision, nil
}
