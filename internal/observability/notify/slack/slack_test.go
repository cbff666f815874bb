package slack

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
)

func newTestServer(t *testing.T, status int, capture *[]map[string]any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(body, &msg))
		if capture != nil {
			*capture = append(*capture, msg)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewClientRequiresWebhookURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestSendScanResultFormatsMessage(t *testing.T) {
	var got []map[string]any
	server := newTestServer(t, http.StatusOK, &got)

	client, err := NewClient(Config{
		WebhookURL:         server.URL,
		Channel:            "#sec-alerts",
		DashboardURLPrefix: "https://app.threatdiviner.test/scans",
	})
	require.NoError(t, err)

	err = client.SendScanResult(context.Background(), model.NotificationPayload{
		ScanID:   "scan-123",
		FullName: "acme/web",
		Status:   model.ScanStatusCompleted,
		Summary:  "3 new findings",
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	text, _ := got[0]["text"].(string)
	assert.Contains(t, text, "*Scan completed*")
	assert.Contains(t, text, "`acme/web`")
	assert.Contains(t, text, "<https://app.threatdiviner.test/scans/scan-123|scan-123>")
	assert.Contains(t, text, "3 new findings")
	assert.Equal(t, "#sec-alerts", got[0]["channel"])
	assert.Equal(t, "threatdiviner", got[0]["username"])
}

func TestSendWeeklySummaryFormatsDigest(t *testing.T) {
	var got []map[string]any
	server := newTestServer(t, http.StatusOK, &got)

	client, err := NewClient(Config{WebhookURL: server.URL})
	require.NoError(t, err)

	end := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	err = client.SendWeeklySummary(context.Background(), model.DigestTenant{
		TenantID: "tenant-1",
		Summary: model.WeeklySummary{
			PeriodStart:  end.AddDate(0, 0, -7),
			PeriodEnd:    end,
			ScansRun:     14,
			NewFindings:  3,
			AutoResolved: 9,
			CriticalOpen: 1,
		},
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	text, _ := got[0]["text"].(string)
	assert.Contains(t, text, "*Weekly security summary*")
	assert.Contains(t, text, "2025-03-03 to 2025-03-10")
	assert.Contains(t, text, "Scans run: 14")
	assert.Contains(t, text, "Critical open: 1")
}

func TestSendRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{WebhookURL: server.URL, RetryLimit: 2})
	require.NoError(t, err)

	err = client.SendScanResult(context.Background(), model.NotificationPayload{
		ScanID: "scan-1",
		Status: model.ScanStatusFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendSurfacesTerminalFailure(t *testing.T) {
	server := newTestServer(t, http.StatusForbidden, nil)

	client, err := NewClient(Config{WebhookURL: server.URL})
	require.NoError(t, err)

	err = client.SendScanResult(context.Background(), model.NotificationPayload{ScanID: "scan-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestEscapesSlackControlCharacters(t *testing.T) {
	var got []map[string]any
	server := newTestServer(t, http.StatusOK, &got)

	client, err := NewClient(Config{WebhookURL: server.URL})
	require.NoError(t, err)

	err = client.SendScanResult(context.Background(), model.NotificationPayload{
		ScanID:   "scan-1",
		FullName: "acme/<web> & friends",
		Status:   model.ScanStatusCompleted,
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	text, _ := got[0]["text"].(string)
	assert.Contains(t, text, "acme/&lt;web&gt; &amp; friends")
}
