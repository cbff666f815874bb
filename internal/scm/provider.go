// Package scm resolves the latest commit of a branch across the supported
// source-control providers.
package scm

import (
	"context"
	"net/http"
	"time"

	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
)

// Supported provider kinds.
const (
	KindGitHub      = "github"
	KindGitLab      = "gitlab"
	KindBitbucket   = "bitbucket"
	KindAzureDevOps = "azuredevops"
)

// Commit is the subset of commit metadata the scheduler needs.
type Commit struct {
	SHA         string
	Message     string
	CommittedAt time.Time
}

// RepoRef locates one branch of one repository on a provider.
type RepoRef struct {
	Owner  string
	Name   string
	Branch string
	// BaseURL overrides the provider's public API endpoint, for self-hosted
	// installs. Empty means the hosted default.
	BaseURL string
}

// Credentials carries the access token of the owning connection.
type Credentials struct {
	Token string
}

// Provider answers commit questions for one provider kind. Failures of any
// sort (auth, rate limit, network, decode) surface as provider errors so the
// scheduler treats them uniformly.
type Provider interface {
	Kind() string
	LatestCommit(ctx context.Context, ref RepoRef, creds Credentials) (Commit, error)
}

// Options tunes provider construction.
type Options struct {
	// HTTPClient overrides the transport, for tests. Token auth is layered
	// on top of it.
	HTTPClient *http.Client
	// Timeout bounds each provider call; defaults to 15s.
	Timeout time.Duration
}

// ForKind returns the provider implementation for the given kind.
func ForKind(kind string, opts Options) (Provider, error) {
	spec, ok := providerSpecs[kind]
	if !ok {
		return nil, apperrors.ValidationField("provider_kind", "unsupported provider kind: "+kind)
	}
	return newRESTProvider(kind, spec, opts), nil
}

// Kinds lists the supported provider kinds.
func Kinds() []string {
	return []string{KindGitHub, KindGitLab, KindBitbucket, KindAzureDevOps}
}
