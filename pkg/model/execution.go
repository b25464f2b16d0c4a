package model

import (
	"time"

	"github.com/google/uuid"
)

type SubjectKind string

const (
	SubjectKindUser         SubjectKind = "user"
	SubjectKindOrganization SubjectKind = "organization"
)

// OrDefault treats an empty kind as a user
func (k SubjectKind) OrDefault() SubjectKind {
	if k == "" {
		return SubjectKindUser
	}
	return k
}

// Subject is the account an execution is billed to
type Subject struct {
	ID   string
	Kind SubjectKind
}

type ExecutionID string

// NewExecutionID generates a new unique ExecutionID
func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.New().String())
}

// Execution is one row of the durable execution log used for rate limiting
type Execution struct {
	ID          ExecutionID
	SubjectID   string
	SubjectKind SubjectKind
	JobID       JobID
	CreatedAt   time.Time
}
