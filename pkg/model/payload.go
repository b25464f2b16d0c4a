package model

import (
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
)

type JobType string

const (
	JobTypeIssueFix JobType = "issue_fix"
	JobTypePRUpdate JobType = "pr_update"
)

// JobPayload is the closed set of job variants. Only types in this package
// can implement it; adding a variant requires a new case in DecodePayload
// and a new field in queue.Handlers.
type JobPayload interface {
	JobType() JobType
	IsTestJob() bool
	Subject() Subject

	jobPayload()
}

// Repository identifies a remote repository
type Repository struct {
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	CloneURL string `json:"clone_url"`
	// DefaultBranch is the base branch for pull requests
	DefaultBranch string `json:"default_branch,omitempty"`
}

// FullName returns "owner/name"
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Validate checks required coordinates
func (r Repository) Validate() error {
	if r.Owner == "" || r.Name == "" {
		return goerr.New("repository owner and name are required", goerr.V("repository", r))
	}
	if r.CloneURL == "" {
		return goerr.New("repository clone url is required", goerr.V("repository", r.FullName()))
	}
	return nil
}

// IssueFixPayload asks the agent to resolve an issue and open a pull request
type IssueFixPayload struct {
	Repository   Repository `json:"repository"`
	IssueNumber  int        `json:"issue_number"`
	IssueTitle   string     `json:"issue_title,omitempty"`
	Instructions string     `json:"instructions"`
	TriggeredBy  string     `json:"triggered_by"`
	// SubjectKind tells the rate limiter whether TriggeredBy is a user or an organization
	SubjectKind SubjectKind `json:"subject_kind,omitempty"`
	EventRef    string      `json:"event_ref,omitempty"`
	TestJob     bool        `json:"test_job,omitempty"`
}

func (p *IssueFixPayload) JobType() JobType { return JobTypeIssueFix }
func (p *IssueFixPayload) IsTestJob() bool  { return p.TestJob }
func (p *IssueFixPayload) Subject() Subject {
	return Subject{ID: p.TriggeredBy, Kind: p.SubjectKind.OrDefault()}
}
func (p *IssueFixPayload) jobPayload() {}

// PRUpdatePayload asks the agent to apply review feedback to an existing pull request
type PRUpdatePayload struct {
	Repository   Repository  `json:"repository"`
	PullNumber   int         `json:"pull_number"`
	Branch       string      `json:"branch"`
	Instructions string      `json:"instructions"`
	TriggeredBy  string      `json:"triggered_by"`
	SubjectKind  SubjectKind `json:"subject_kind,omitempty"`
	EventRef     string      `json:"event_ref,omitempty"`
	TestJob      bool        `json:"test_job,omitempty"`
}

func (p *PRUpdatePayload) JobType() JobType { return JobTypePRUpdate }
func (p *PRUpdatePayload) IsTestJob() bool  { return p.TestJob }
func (p *PRUpdatePayload) Subject() Subject {
	return Subject{ID: p.TriggeredBy, Kind: p.SubjectKind.OrDefault()}
}
func (p *PRUpdatePayload) jobPayload() {}

// DecodePayload restores the payload variant identified by jobType
func DecodePayload(jobType JobType, raw []byte) (JobPayload, error) {
	var p JobPayload
	switch jobType {
	case JobTypeIssueFix:
		p = &IssueFixPayload{}
	case JobTypePRUpdate:
		p = &PRUpdatePayload{}
	default:
		return nil, goerr.Wrap(ErrUnknownJobType, "cannot decode payload", goerr.V("type", jobType))
	}

	if err := json.Unmarshal(raw, p); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal job payload", goerr.V("type", jobType))
	}
	return p, nil
}

// ValidatePayload checks the fields each variant's handler depends on
func ValidatePayload(p JobPayload) error {
	switch v := p.(type) {
	case *IssueFixPayload:
		if err := v.Repository.Validate(); err != nil {
			return err
		}
		if v.IssueNumber <= 0 {
			return goerr.New("issue number is required", goerr.V("issue_number", v.IssueNumber))
		}
	case *PRUpdatePayload:
		if err := v.Repository.Validate(); err != nil {
			return err
		}
		if v.PullNumber <= 0 {
			return goerr.New("pull number is required", goerr.V("pull_number", v.PullNumber))
		}
		if v.Branch == "" {
			return goerr.New("branch is required")
		}
	case nil:
		return goerr.New("payload is nil")
	default:
		return goerr.Wrap(ErrUnknownJobType, "cannot validate payload", goerr.V("type", p.JobType()))
	}
	return nil
}
