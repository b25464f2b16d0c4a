package agent

import (
	"github.com/epavanello/fixodev-sub000/pkg/model"
)

// Context is the transcript of one agent run. It holds at most one system
// message, always at index 0; every other message is append-only.
type Context struct {
	messages []model.Message
}

// NewContext creates a transcript, optionally seeded with a system prompt
func NewContext(system string) *Context {
	c := &Context{}
	if system != "" {
		c.SetSystem(system)
	}
	return c
}

// SetSystem replaces the system message or inserts it at the head
func (c *Context) SetSystem(content string) {
	msg := model.Message{Role: model.RoleSystem, Content: content}
	if len(c.messages) > 0 && c.messages[0].Role == model.RoleSystem {
		c.messages[0] = msg
		return
	}
	c.messages = append([]model.Message{msg}, c.messages...)
}

// System returns the current system prompt, or "" when none is set
func (c *Context) System() string {
	if len(c.messages) > 0 && c.messages[0].Role == model.RoleSystem {
		return c.messages[0].Content
	}
	return ""
}

// Append adds messages to the end of the transcript. System messages are
// routed to SetSystem so that the transcript never holds two of them.
func (c *Context) Append(msgs ...model.Message) {
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			c.SetSystem(m.Content)
			continue
		}
		c.messages = append(c.messages, m)
	}
}

// Messages returns a copy of the full transcript including the system message
func (c *Context) Messages() []model.Message {
	return append([]model.Message{}, c.messages...)
}

// History returns every message after the system prompt
func (c *Context) History() []model.Message {
	if len(c.messages) > 0 && c.messages[0].Role == model.RoleSystem {
		return append([]model.Message{}, c.messages[1:]...)
	}
	return c.Messages()
}

func (c *Context) Len() int { return len(c.messages) }
