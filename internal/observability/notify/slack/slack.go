// Package slack delivers scan notifications to a Slack incoming webhook.
package slack

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

	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// DashboardURLPrefix, when set, turns scan ids into dashboard links.
	DashboardURLPrefix string
}

// Client posts scan results and weekly digests to a Slack webhook. It
// implements core.NotificationSender.
type Client struct {
	webhookURL         string
	channel            string
	username           string
	retryLimit         int
	dashboardURLPrefix string
	client             *http.Client
}

// NewClient builds a Slack webhook client. Callers should pass a validated config.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	retries := cfg.RetryLimit
	if retries < 0 {
		retries = 0
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		webhookURL:         webhookURL,
		channel:            strings.TrimSpace(cfg.Channel),
		username:           fallbackString(strings.TrimSpace(cfg.Username), "threatdiviner"),
		retryLimit:         retries,
		dashboardURLPrefix: strings.TrimSpace(cfg.DashboardURLPrefix),
		client:             hc,
	}, nil
}

// SendScanResult posts a formatted scan outcome message.
func (c *Client) SendScanResult(ctx context.Context, payload model.NotificationPayload) error {
	text := strings.Builder{}
	text.WriteString("*Scan ")
	text.WriteString(string(payload.Status))
	text.WriteByte('*')
	if payload.FullName != "" {
		text.WriteString(" `")
		text.WriteString(escapeSlackText(payload.FullName))
		text.WriteByte('`')
	}
	text.WriteByte('\n')
	appendSlackField(&text, "Scan", c.formatScanValue(payload.ScanID))
	appendSlackField(&text, "Summary", escapeSlackText(payload.Summary))
	writeSlackTimestamp(&text, time.Now())

	return c.send(ctx, text.String())
}

// SendWeeklySummary posts a tenant's weekly digest.
func (c *Client) SendWeeklySummary(ctx context.Context, digest model.DigestTenant) error {
	s := digest.Summary
	text := strings.Builder{}
	text.WriteString("*Weekly security summary*\n")
	appendSlackField(&text, "Period", fmt.Sprintf("%s to %s",
		s.PeriodStart.UTC().Format("2006-01-02"), s.PeriodEnd.UTC().Format("2006-01-02")))
	appendSlackField(&text, "Scans run", fmt.Sprintf("%d", s.ScansRun))
	appendSlackField(&text, "New findings", fmt.Sprintf("%d", s.NewFindings))
	appendSlackField(&text, "Auto-resolved", fmt.Sprintf("%d", s.AutoResolved))
	appendSlackField(&text, "Critical open", fmt.Sprintf("%d", s.CriticalOpen))
	writeSlackTimestamp(&text, s.PeriodEnd)

	return c.send(ctx, text.String())
}

func (c *Client) send(ctx context.Context, text string) error {
	msg := map[string]any{
		"text":     text,
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	attempts := c.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		err = c.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < attempts-1 {
			// Simple linear backoff to avoid thundering retries.
			delay := time.Duration(attempt+1) * 200 * time.Millisecond
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return lastErr
}

func fallbackString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}

	return drainSlackSuccess(resp)
}

// formatScanValue renders a scan id, linked to the dashboard when a prefix is
// configured.
func (c *Client) formatScanValue(scanID string) string {
	raw := strings.TrimSpace(scanID)
	if raw == "" {
		return ""
	}
	id := escapeSlackText(raw)
	link := c.buildScanLink(raw)
	if link == "" {
		return id
	}
	return fmt.Sprintf("<%s|%s>", link, id)
}

func escapeSlackText(value string) string {
	if value == "" {
		return ""
	}
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	).Replace(value)
}

func (c *Client) buildScanLink(scanID string) string {
	prefix := strings.TrimSpace(c.dashboardURLPrefix)
	if prefix == "" {
		return ""
	}

	u, err := url.Parse(prefix)
	if err != nil {
		return ""
	}
	if u.Scheme == "" || u.Host == "" {
		return ""
	}

	link, err := url.JoinPath(u.String(), scanID)
	if err != nil {
		return ""
	}

	return link
}

func drainSlackSuccess(resp *http.Response) error {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("drain slack response body: %w", err),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("drain slack response body: %w", err)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("read slack error response: %w", readErr),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("read slack error response: %w", readErr)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}

	return fmt.Errorf("slack webhook %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
}

func appendSlackField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	text.WriteString("• ")
	text.WriteString(label)
	text.WriteString(": ")
	text.WriteString(value)
	text.WriteByte('\n')
}

func writeSlackTimestamp(text *strings.Builder, timestamp time.Time) {
	text.WriteString("• Timestamp: ")
	text.WriteString(timestamp.UTC().Format(time.RFC3339))
}
