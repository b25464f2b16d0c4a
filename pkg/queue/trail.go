package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/epavanello/fixodev-sub000/pkg/utils/logging"
)

type trailKey struct{}

// trail collects the log lines a handler writes during one attempt
type trail struct {
	mu    sync.Mutex
	lines []string
}

func (t *trail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
}

func (t *trail) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.lines...)
}

func withTrail(ctx context.Context, t *trail) context.Context {
	return context.WithValue(ctx, trailKey{}, t)
}

// AppendLog records a line in the log of the job being processed and
// writes it to the context logger. Outside a job it only logs.
func AppendLog(ctx context.Context, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if t, ok := ctx.Value(trailKey{}).(*trail); ok {
		t.add(line)
	}
	logging.From(ctx).Info(line)
}
