package agent

import (
	"fmt"
	"strings"

	"github.com/epavanello/fixodev-sub000/pkg/memory"
	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/epavanello/fixodev-sub000/pkg/utils/tokens"
)

const (
	DefaultMaxResultTokens = 4000
	DefaultMemoryLimit     = 10
)

// viewBuilder renders the transcript sent to the model. It never modifies
// the stored messages, so building a view twice yields the same result.
type viewBuilder struct {
	registry        *tool.Registry
	memory          *memory.Store
	counter         *tokens.Counter
	maxResultTokens int
	memoryLimit     int
}

func (v *viewBuilder) build(c *Context) []model.Message {
	src := c.messages
	out := make([]model.Message, 0, len(src))

	total := make(map[string]int)
	for _, m := range src {
		if m.Role == model.RoleToolResult && m.ToolResult != nil {
			total[m.ToolResult.Name]++
		}
	}

	prior := make(map[string]int)
	for _, m := range src {
		switch {
		case m.Role == model.RoleSystem:
			m.Content = v.systemWithMemory(m.Content)

		case m.Role == model.RoleToolResult && m.ToolResult != nil:
			name := m.ToolResult.Name
			m.ToolResult = v.compact(prior[name], total[name], m.ToolResult)
			prior[name]++
		}
		out = append(out, m)
	}
	return out
}

func (v *viewBuilder) compact(priorCalls, totalCalls int, result *model.ToolResult) *model.ToolResult {
	if v.registry != nil {
		if compacted, ok := v.registry.Compact(priorCalls, totalCalls, result); ok {
			return compacted
		}
	}
	return v.truncate(result)
}

// truncate bounds results of tools without their own compaction rule
func (v *viewBuilder) truncate(result *model.ToolResult) *model.ToolResult {
	if v.maxResultTokens <= 0 {
		return result
	}

	text := result.JSON()
	cut, truncated := v.counter.Truncate(text, v.maxResultTokens)
	if !truncated {
		return result
	}

	data := map[string]any{
		"truncated": true,
		"partial":   cut,
	}
	if code, ok := result.Data["code"]; ok {
		data["code"] = code
	}
	if msg, ok := result.Data["error"]; ok {
		data["error"] = msg
	}

	cp := *result
	cp.Data = data
	return &cp
}

func (v *viewBuilder) systemWithMemory(system string) string {
	if v.memory == nil || v.memoryLimit <= 0 || v.memory.Count() == 0 {
		return system
	}

	entries := v.memory.AllByImportance()
	if len(entries) > v.memoryLimit {
		entries = entries[:v.memoryLimit]
	}

	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\n## Insights recorded so far\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s] %v (importance %.2f)\n", e.Type, e.Content, e.Importance)
	}
	return strings.TrimRight(b.String(), "\n")
}
