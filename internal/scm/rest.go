package scm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"golang.org/x/oauth2"

	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
)

// endpointSpec describes one provider's latest-commit endpoint: the URL
// template and the JMESPath expressions that pull the commit fields out of
// its response shape.
type endpointSpec struct {
	defaultBaseURL string
	// pathTemplate supports {owner}, {repo}, {branch} and {project}
	// (the URL-escaped owner/repo pair GitLab wants).
	pathTemplate string
	shaExpr      string
	messageExpr  string
	dateExpr     string
	// extraHeaders are sent verbatim with each request.
	extraHeaders map[string]string
}

var providerSpecs = map[string]endpointSpec{
	KindGitHub: {
		defaultBaseURL: "https://api.github.com",
		pathTemplate:   "/repos/{owner}/{repo}/commits/{branch}",
		shaExpr:        "sha",
		messageExpr:    "commit.message",
		dateExpr:       "commit.committer.date",
		extraHeaders:   map[string]string{"Accept": "application/vnd.github+json"},
	},
	KindGitLab: {
		defaultBaseURL: "https://gitlab.com",
		pathTemplate:   "/api/v4/projects/{project}/repository/commits/{branch}",
		shaExpr:        "id",
		messageExpr:    "message",
		dateExpr:       "committed_date",
	},
	KindBitbucket: {
		defaultBaseURL: "https://api.bitbucket.org",
		pathTemplate:   "/2.0/repositories/{owner}/{repo}/commit/{branch}",
		shaExpr:        "hash",
		messageExpr:    "message",
		dateExpr:       "date",
	},
	KindAzureDevOps: {
		defaultBaseURL: "https://dev.azure.com",
		pathTemplate: "/{owner}/_apis/git/repositories/{repo}/commits" +
			"?searchCriteria.itemVersion.version={branch}&searchCriteria.$top=1&api-version=7.0",
		shaExpr:     "value[0].commitId",
		messageExpr: "value[0].comment",
		dateExpr:    "value[0].committer.date",
	},
}

// restProvider implements Provider over a provider's REST API with bearer
// token auth.
type restProvider struct {
	kind    string
	spec    endpointSpec
	base    *http.Client
	timeout time.Duration
}

func newRESTProvider(kind string, spec endpointSpec, opts Options) *restProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &restProvider{kind: kind, spec: spec, base: opts.HTTPClient, timeout: timeout}
}

func (p *restProvider) Kind() string { return p.kind }

// LatestCommit fetches the head commit of the branch.
func (p *restProvider) LatestCommit(ctx context.Context, ref RepoRef, creds Credentials) (Commit, error) {
	if ref.Owner == "" || ref.Name == "" || ref.Branch == "" {
		return Commit{}, apperrors.Validation("owner, name and branch are required")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	endpoint := p.endpoint(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Commit{}, apperrors.Provider("build commit request", err)
	}
	for k, v := range p.spec.extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := p.client(ctx, creds).Do(req)
	if err != nil {
		return Commit{}, apperrors.Provider(p.kind+" commit lookup failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little body for the error message; providers put the
		// useful detail there on 4xx.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Commit{}, apperrors.Provider(
			fmt.Sprintf("%s returned %d for %s/%s@%s: %s",
				p.kind, resp.StatusCode, ref.Owner, ref.Name, ref.Branch,
				strings.TrimSpace(string(snippet))),
			nil)
	}

	var payload interface{}
	if decodeErr := json.NewDecoder(resp.Body).Decode(&payload); decodeErr != nil {
		return Commit{}, apperrors.Provider(p.kind+" response decode failed", decodeErr)
	}
	return p.extract(payload, ref)
}

func (p *restProvider) client(ctx context.Context, creds Credentials) *http.Client {
	if p.base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.base)
	}
	if creds.Token == "" {
		if p.base != nil {
			return p.base
		}
		return http.DefaultClient
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Token}))
}

func (p *restProvider) endpoint(ref RepoRef) string {
	base := strings.TrimSuffix(ref.BaseURL, "/")
	if base == "" {
		base = p.spec.defaultBaseURL
	}
	replacer := strings.NewReplacer(
		"{owner}", url.PathEscape(ref.Owner),
		"{repo}", url.PathEscape(ref.Name),
		"{branch}", url.PathEscape(ref.Branch),
		"{project}", url.PathEscape(ref.Owner+"/"+ref.Name),
	)
	return base + replacer.Replace(p.spec.pathTemplate)
}

func (p *restProvider) extract(payload interface{}, ref RepoRef) (Commit, error) {
	sha, err := p.searchString(p.spec.shaExpr, payload)
	if err != nil || sha == "" {
		return Commit{}, apperrors.Provider(
			fmt.Sprintf("%s response for %s/%s@%s had no commit sha",
				p.kind, ref.Owner, ref.Name, ref.Branch),
			err)
	}

	commit := Commit{SHA: sha}
	// Message and date are nice to have; their absence is not an error.
	commit.Message, _ = p.searchString(p.spec.messageExpr, payload)
	if raw, searchErr := p.searchString(p.spec.dateExpr, payload); searchErr == nil && raw != "" {
		if ts, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			commit.CommittedAt = ts
		}
	}
	return commit, nil
}

func (p *restProvider) searchString(expr string, payload interface{}) (string, error) {
	result, err := jmespath.Search(expr, payload)
	if err != nil {
		return "", err
	}
	s, _ := result.(string)
	return s, nil
}
