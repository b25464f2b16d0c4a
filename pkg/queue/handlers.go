package queue

import (
	"context"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// Handlers has one handler per payload variant. Every field must be set;
// New rejects a partial set so that a new variant cannot be enqueued
// without a handler.
type Handlers struct {
	IssueFix func(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error
	PRUpdate func(ctx context.Context, job *model.Job, p *model.PRUpdatePayload) error
}

func (h Handlers) validate() error {
	if h.IssueFix == nil {
		return goerr.New("handler is missing", goerr.V("type", model.JobTypeIssueFix))
	}
	if h.PRUpdate == nil {
		return goerr.New("handler is missing", goerr.V("type", model.JobTypePRUpdate))
	}
	return nil
}

func (h Handlers) dispatch(ctx context.Context, job *model.Job) error {
	switch p := job.Payload.(type) {
	case *model.IssueFixPayload:
		return h.IssueFix(ctx, job, p)
	case *model.PRUpdatePayload:
		return h.PRUpdate(ctx, job, p)
	default:
		return goerr.Wrap(model.ErrUnknownJobType, "no handler for job", goerr.V("type", job.Type()))
	}
}
