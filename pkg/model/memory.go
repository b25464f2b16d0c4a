package model

import (
	"time"

	"github.com/google/uuid"
)

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

const DefaultImportance = 0.5

// MemoryEntry is an insight recorded by the agent during a run. Type may be
// a dotted hierarchy such as "code_insight.bug".
type MemoryEntry struct {
	ID         MemoryID
	Type       string
	Content    any
	Metadata   map[string]any
	Importance float64
	CreatedAt  time.Time
}

// MemoryPatch is a partial update; nil fields are left unchanged
type MemoryPatch struct {
	Type       *string
	Content    any
	Metadata   map[string]any
	Importance *float64
}
