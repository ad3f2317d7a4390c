package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coverage-watch/internal/config"
)

func thresholds() config.MonitoringConfig {
	return config.MonitoringConfig{
		UnhealthyThreshold: 1,
		ConflictThreshold:  1,
		DiscoveryThreshold: 25,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(thresholds())
	alerts := a.Evaluate(&MetricsSnapshot{PendingDiscoveries: 24, LookbackHours: 24})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_UnhealthyURLs(t *testing.T) {
	a := NewAlerter(thresholds())
	alerts := a.Evaluate(&MetricsSnapshot{
		UnhealthyURLs: 2,
		WorstURL:      "https://payer.example/a.pdf",
		WorstFailures: 9,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertUnhealthyURLs, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "2 URL(s)")
	assert.Contains(t, alerts[0].Message, "a.pdf")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(thresholds())
	alerts := a.Evaluate(&MetricsSnapshot{
		PendingConflicts:   3,
		PendingDiscoveries: 40,
		HighPriority:       1,
		ChangedPolicies:    []string{"aetna:genetic"},
		LookbackHours:      24,
	})
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertPendingConflicts, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, AlertDiscoveryBacklog, alerts[1].Type)
	assert.Equal(t, AlertHighPriorityChanges, alerts[2].Type)
	assert.Equal(t, []string{"aetna:genetic"}, alerts[2].Details["policies"])
}

func TestAlerter_Evaluate_ZeroThresholdDisables(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	alerts := a.Evaluate(&MetricsSnapshot{UnhealthyURLs: 10, PendingConflicts: 10, PendingDiscoveries: 100})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_PolicyListCapped(t *testing.T) {
	ids := make([]string, 30)
	for i := range ids {
		ids[i] = "p"
	}
	alerts := NewAlerter(thresholds()).Evaluate(&MetricsSnapshot{HighPriority: 30, ChangedPolicies: ids})
	require.Len(t, alerts, 1)
	assert.Len(t, alerts[0].Details["policies"], maxListedPolicies)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Alert
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		mu.Lock()
		received = append(received, a)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := thresholds()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertPendingConflicts, Severity: "high", Message: "conflicts"},
		{Type: AlertDiscoveryBacklog, Severity: "low", Message: "backlog"},
	})
	assert.Equal(t, 2, sent)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, AlertPendingConflicts, received[0].Type)
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(thresholds())
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertUnhealthyURLs}}))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := thresholds()
	cfg.WebhookURL = srv.URL
	sent := NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertUnhealthyURLs}})
	assert.Zero(t, sent)
}
