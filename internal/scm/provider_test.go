package scm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
)

func serve(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestForKindUnknown(t *testing.T) {
	_, err := ForKind("svn", Options{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestGitHubLatestCommit(t *testing.T) {
	var gotPath, gotAuth string
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"sha": "abc123",
			"commit": {
				"message": "fix login",
				"committer": {"date": "2025-03-10T11:00:00Z"}
			}
		}`))
	})

	p, err := ForKind(KindGitHub, Options{HTTPClient: srv.Client()})
	require.NoError(t, err)
	assert.Equal(t, KindGitHub, p.Kind())

	commit, err := p.LatestCommit(context.Background(),
		RepoRef{Owner: "acme", Name: "web", Branch: "main", BaseURL: srv.URL},
		Credentials{Token: "tok-1"})
	require.NoError(t, err)

	assert.Equal(t, "/repos/acme/web/commits/main", gotPath)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "abc123", commit.SHA)
	assert.Equal(t, "fix login", commit.Message)
	assert.Equal(t, time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC), commit.CommittedAt.UTC())
}

func TestGitLabLatestCommitEscapesProject(t *testing.T) {
	var gotURI string
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		_, _ = w.Write([]byte(`{"id": "def456", "message": "bump deps", "committed_date": "2025-03-09T08:30:00Z"}`))
	})

	p, err := ForKind(KindGitLab, Options{HTTPClient: srv.Client()})
	require.NoError(t, err)

	commit, err := p.LatestCommit(context.Background(),
		RepoRef{Owner: "group", Name: "app", Branch: "develop", BaseURL: srv.URL},
		Credentials{Token: "tok-2"})
	require.NoError(t, err)

	assert.Equal(t, "/api/v4/projects/group%2Fapp/repository/commits/develop", gotURI)
	assert.Equal(t, "def456", commit.SHA)
}

func TestBitbucketLatestCommit(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2.0/repositories/acme/web/commit/main", r.URL.Path)
		_, _ = w.Write([]byte(`{"hash": "fedcba", "message": "wip", "date": "2025-03-08T10:00:00Z"}`))
	})

	p, err := ForKind(KindBitbucket, Options{HTTPClient: srv.Client()})
	require.NoError(t, err)

	commit, err := p.LatestCommit(context.Background(),
		RepoRef{Owner: "acme", Name: "web", Branch: "main", BaseURL: srv.URL},
		Credentials{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "fedcba", commit.SHA)
}

func TestAzureDevOpsLatestCommit(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/org/_apis/git/repositories/web/commits", r.URL.Path)
		assert.Equal(t, "release", r.URL.Query().Get("searchCriteria.itemVersion.version"))
		_, _ = w.Write([]byte(`{
			"value": [{
				"commitId": "0a1b2c",
				"comment": "release prep",
				"committer": {"date": "2025-03-07T09:00:00Z"}
			}]
		}`))
	})

	p, err := ForKind(KindAzureDevOps, Options{HTTPClient: srv.Client()})
	require.NoError(t, err)

	commit, err := p.LatestCommit(context.Background(),
		RepoRef{Owner: "org", Name: "web", Branch: "release", BaseURL: srv.URL},
		Credentials{Token: "pat"})
	require.NoError(t, err)
	assert.Equal(t, "0a1b2c", commit.SHA)
	assert.Equal(t, "release prep", commit.Message)
}

func TestLatestCommitHTTPErrors(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "API rate limit exceeded"}`, http.StatusForbidden)
	})

	p, err := ForKind(KindGitHub, Options{HTTPClient: srv.Client()})
	require.NoError(t, err)

	_, err = p.LatestCommit(context.Background(),
		RepoRef{Owner: "acme", Name: "web", Branch: "main", BaseURL: srv.URL},
		Credentials{Token: "tok"})
	require.Error(t, err)
	assert.True(t, apperrors.IsProvider(err))
	assert.Contains(t, err.Error(), "403")
}

func TestLatestCommitMissingSHA(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"unexpected": true}`))
	})

	p, err := ForKind(KindGitHub, Options{HTTPClient: srv.Client()})
	require.NoError(t, err)

	_, err = p.LatestCommit(context.Background(),
		RepoRef{Owner: "acme", Name: "web", Branch: "main", BaseURL: srv.URL},
		Credentials{Token: "tok"})
	require.Error(t, err)
	assert.True(t, apperrors.IsProvider(err))
}

func TestLatestCommitValidatesRef(t *testing.T) {
	p, err := ForKind(KindGitHub, Options{})
	require.NoError(t, err)

	_, err = p.LatestCommit(context.Background(), RepoRef{Owner: "acme"}, Credentials{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}
