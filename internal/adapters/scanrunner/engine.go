package scanrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
)

const defaultEngineTimeout = 30 * time.Minute

// EngineClient executes scans by delegating to an external scan engine over
// HTTP. The engine receives the full job descriptor, runs the configured
// scanner families, and persists findings itself; a 2xx response means the
// scan finished.
type EngineClient struct {
	baseURL string
	client  *http.Client
}

var _ core.ScanExecutor = (*EngineClient)(nil)

// EngineConfig contains configuration for the scan engine client.
type EngineConfig struct {
	// BaseURL is the engine's base URL, e.g. "http://scan-engine:9000".
	BaseURL string

	// Timeout bounds one scan execution end to end. The engine enforces its
	// own per-scanner budgets; this is the outer safety net.
	Timeout time.Duration

	// Client overrides the HTTP client, for tests.
	Client *http.Client
}

// NewEngineClient creates a scan engine client.
func NewEngineClient(cfg EngineConfig) (*EngineClient, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("scan engine base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse scan engine url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("scan engine url %q must be absolute", base)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultEngineTimeout
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &EngineClient{
		baseURL: strings.TrimRight(u.String(), "/"),
		client:  client,
	}, nil
}

// Execute posts the job descriptor to the engine and blocks until the engine
// reports the scan finished. Context cancellation aborts the request, which
// tells the engine to stop the scan.
func (c *EngineClient) Execute(ctx context.Context, job model.ScanJobDescriptor) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode scan job: %w", err)
	}

	endpoint := c.baseURL + "/v1/scans/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create scan engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("scan engine request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return engineErrorResponse(resp)
	}

	return drainEngineSuccess(resp)
}

func drainEngineSuccess(resp *http.Response) error {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("drain scan engine response body: %w", err),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("drain scan engine response body: %w", err)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}
	return nil
}

func engineErrorResponse(resp *http.Response) error {
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("read scan engine error response: %w", readErr),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("read scan engine error response: %w", readErr)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}

	return fmt.Errorf("scan engine %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
}
