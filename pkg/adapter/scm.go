package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// PullRequest is the input of CreatePullRequest
type PullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// PullRequestRef identifies a created pull request
type PullRequestRef struct {
	Number int    `json:"number"`
	URL    string `json:"html_url"`
}

// SCM posts results back to the source code host
type SCM interface {
	CreateComment(ctx context.Context, repo model.Repository, number int, body string) error
	CreatePullRequest(ctx context.Context, repo model.Repository, pr *PullRequest) (*PullRequestRef, error)
}

// GitHub implements SCM with the GitHub REST API
type GitHub struct {
	baseURL string
	token   string
	client  *http.Client
}

type GitHubOption func(*GitHub)

// WithGitHubBaseURL targets GitHub Enterprise or a test server
func WithGitHubBaseURL(url string) GitHubOption {
	return func(g *GitHub) {
		g.baseURL = strings.TrimRight(url, "/")
	}
}

func WithHTTPClient(client *http.Client) GitHubOption {
	return func(g *GitHub) {
		g.client = client
	}
}

func NewGitHub(token string, opts ...GitHubOption) *GitHub {
	g := &GitHub{
		baseURL: "https://api.github.com",
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GitHub) CreateComment(ctx context.Context, repo model.Repository, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", repo.Owner, repo.Name, number)
	return g.post(ctx, path, map[string]any{"body": body}, nil)
}

func (g *GitHub) CreatePullRequest(ctx context.Context, repo model.Repository, pr *PullRequest) (*PullRequestRef, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls", repo.Owner, repo.Name)
	var ref PullRequestRef
	err := g.post(ctx, path, map[string]any{
		"title": pr.Title,
		"body":  pr.Body,
		"head":  pr.Head,
		"base":  pr.Base,
	}, &ref)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (g *GitHub) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal request body", goerr.V("path", path))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return goerr.Wrap(err, "failed to create request", goerr.V("path", path))
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return goerr.Wrap(err, "github request failed", goerr.V("path", path))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return goerr.Wrap(err, "failed to read github response", goerr.V("path", path))
	}
	if resp.StatusCode >= 300 {
		return goerr.New("github api returned an error",
			goerr.V("path", path),
			goerr.V("status", resp.StatusCode),
			goerr.V("body", string(data)),
		)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return goerr.Wrap(err, "failed to decode github response", goerr.V("path", path))
		}
	}
	return nil
}
