package adapter_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/epavanello/fixodev-sub000/pkg/adapter"
	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/gt"
)

func TestGitHubCreatePullRequest(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 7, "html_url": "https://github.com/octo/demo/pull/7"}`))
	}))
	defer srv.Close()

	gh := adapter.NewGitHub("tok", adapter.WithGitHubBaseURL(srv.URL))
	ref, err := gh.CreatePullRequest(context.Background(), model.Repository{Owner: "octo", Name: "demo"}, &adapter.PullRequest{
		Title: "Fix #3",
		Head:  "fixodev/issue-3",
		Base:  "main",
	})
	gt.NoError(t, err)
	gt.Equal(t, ref.Number, 7)
	gt.Equal(t, gotPath, "/repos/octo/demo/pulls")
	gt.Equal(t, gotAuth, "Bearer tok")
	gt.Equal(t, gotBody["head"], any("fixodev/issue-3"))
}

func TestGitHubCreateCommentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message": "Resource not accessible"}`))
	}))
	defer srv.Close()

	gh := adapter.NewGitHub("tok", adapter.WithGitHubBaseURL(srv.URL))
	err := gh.CreateComment(context.Background(), model.Repository{Owner: "octo", Name: "demo"}, 3, "hello")
	gt.Error(t, err)
	gt.S(t, err.Error()).Contains("github api returned an error")
}
