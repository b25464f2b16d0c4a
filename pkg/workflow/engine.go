package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// DefaultBotName is the mention that triggers the default ingest policy
const DefaultBotName = "fixodev"

// regoPrintHook forwards Rego print() statements to the context logger
type regoPrintHook struct {
	ctx context.Context
}

func (h *regoPrintHook) Print(pctx print.Context, message string) error {
	attrs := []any{"message", message}
	if pctx.Location != nil {
		attrs = append(attrs, "location", pctx.Location.String())
	}
	logging.From(h.ctx).Debug("rego print", attrs...)
	return nil
}

// Engine translates raw SCM events into jobs with a Rego ingest policy
type Engine struct {
	ingest  *rego.PreparedEvalQuery
	botName string
	now     func() time.Time
}

type Option func(*Engine)

// WithBotName sets the mention name passed to the policy as input.bot
func WithBotName(name string) Option {
	return func(e *Engine) {
		e.botName = name
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New loads the ingest policy from policyDir. When policyDir is empty or
// holds no .rego file the embedded default policy is used.
func New(ctx context.Context, policyDir string, opts ...Option) (*Engine, error) {
	ingest, err := loadPolicy(ctx, policyDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		ingest:  ingest,
		botName: DefaultBotName,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate runs the ingest policy over one event. kind is the event name
// (e.g. the X-GitHub-Event header) and raw is the JSON body. An event the
// policy does not match yields no jobs.
func (e *Engine) Evaluate(ctx context.Context, kind string, raw []byte) ([]*model.Job, error) {
	var event any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&event); err != nil {
		return nil, goerr.Wrap(err, "failed to decode event", goerr.V("kind", kind))
	}

	input := map[string]any{
		"kind":  kind,
		"event": event,
		"bot":   e.botName,
	}

	rs, err := e.ingest.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&regoPrintHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate ingest policy", goerr.V("kind", kind))
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, goerr.New("invalid ingest result: not an object")
	}
	jobData, ok := data["job"]
	if !ok {
		return nil, nil
	}
	items, ok := jobData.([]any)
	if !ok {
		return nil, goerr.New("invalid ingest result: job is not a set")
	}

	now := e.now()
	jobs := make([]*model.Job, 0, len(items))
	for _, item := range items {
		payload, err := decodeJob(item)
		if err != nil {
			return nil, goerr.Wrap(err, "policy produced an invalid job", goerr.V("kind", kind))
		}
		jobs = append(jobs, model.NewJob("", payload, now))
	}

	logging.From(ctx).Debug("event evaluated", "kind", kind, "jobs", len(jobs))
	return jobs, nil
}

func decodeJob(item any) (model.JobPayload, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return nil, goerr.New("job entry is not an object")
	}
	jobType, _ := m["type"].(string)

	raw, err := json.Marshal(m["payload"])
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal job payload")
	}

	payload, err := model.DecodePayload(model.JobType(jobType), raw)
	if err != nil {
		return nil, err
	}
	if err := model.ValidatePayload(payload); err != nil {
		return nil, err
	}
	return payload, nil
}
