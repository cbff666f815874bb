package scanrunner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
)

func TestEngineClientRequiresBaseURL(t *testing.T) {
	_, err := NewEngineClient(EngineConfig{})
	require.Error(t, err)

	_, err = NewEngineClient(EngineConfig{BaseURL: "scan-engine:9000/relative"})
	require.Error(t, err)
}

func TestEngineClientExecutePostsDescriptor(t *testing.T) {
	var gotPath string
	var gotJob model.ScanJobDescriptor

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotJob))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewEngineClient(EngineConfig{BaseURL: server.URL})
	require.NoError(t, err)

	job := model.ScanJobDescriptor{
		ScanID:       "scan-1",
		TenantID:     "tenant-1",
		RepositoryID: "repo-1",
		CommitSHA:    "abc123",
		Branch:       "main",
		FullName:     "acme/web",
		Config:       model.ScanConfig{SAST: true},
	}
	require.NoError(t, client.Execute(context.Background(), job))

	assert.Equal(t, "/v1/scans/execute", gotPath)
	assert.Equal(t, "scan-1", gotJob.ScanID)
	assert.Equal(t, "abc123", gotJob.CommitSHA)
	assert.True(t, gotJob.Config.SAST)
}

func TestEngineClientSurfacesErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("sast scanner crashed"))
	}))
	defer server.Close()

	client, err := NewEngineClient(EngineConfig{BaseURL: server.URL})
	require.NoError(t, err)

	execErr := client.Execute(context.Background(), model.ScanJobDescriptor{ScanID: "scan-1"})
	require.Error(t, execErr)
	assert.Contains(t, execErr.Error(), "502")
	assert.Contains(t, execErr.Error(), "sast scanner crashed")
}

func TestEngineClientAbortsOnContextCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	client, err := NewEngineClient(EngineConfig{BaseURL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Execute(ctx, model.ScanJobDescriptor{ScanID: "scan-1"})
	}()

	<-started
	cancel()

	execErr := <-errCh
	require.Error(t, execErr)
	require.ErrorIs(t, execErr, context.Canceled)
}
