package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertUnhealthyURLs       AlertType = "unhealthy_urls"
	AlertPendingConflicts    AlertType = "pending_conflicts"
	AlertDiscoveryBacklog    AlertType = "discovery_backlog"
	AlertHighPriorityChanges AlertType = "high_priority_changes"
)

// maxListedPolicies bounds the policy IDs carried in an alert.
const maxListedPolicies = 20

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// A threshold of zero disables its alert.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if a.cfg.UnhealthyThreshold > 0 && snap.UnhealthyURLs >= a.cfg.UnhealthyThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertUnhealthyURLs,
			Severity: "medium",
			Message: fmt.Sprintf("%d URL(s) are failing repeatedly and skipped by the crawler (worst: %s, %d failures)",
				snap.UnhealthyURLs, snap.WorstURL, snap.WorstFailures),
			Details: map[string]any{
				"unhealthy": snap.UnhealthyURLs,
				"threshold": a.cfg.UnhealthyThreshold,
				"worst_url": snap.WorstURL,
			},
			Timestamp: now,
		})
	}

	if a.cfg.ConflictThreshold > 0 && snap.PendingConflicts >= a.cfg.ConflictThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPendingConflicts,
			Severity: "high",
			Message:  fmt.Sprintf("%d payer/test pair(s) have conflicting coverage assertions awaiting review", snap.PendingConflicts),
			Details: map[string]any{
				"conflicts": snap.PendingConflicts,
				"threshold": a.cfg.ConflictThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DiscoveryThreshold > 0 && snap.PendingDiscoveries >= a.cfg.DiscoveryThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDiscoveryBacklog,
			Severity: "low",
			Message:  fmt.Sprintf("%d discoveries awaiting review", snap.PendingDiscoveries),
			Details: map[string]any{
				"pending":   snap.PendingDiscoveries,
				"threshold": a.cfg.DiscoveryThreshold,
			},
			Timestamp: now,
		})
	}

	if snap.HighPriority > 0 {
		listed := snap.ChangedPolicies
		if len(listed) > maxListedPolicies {
			listed = listed[:maxListedPolicies]
		}
		alerts = append(alerts, Alert{
			Type:     AlertHighPriorityChanges,
			Severity: "high",
			Message: fmt.Sprintf("%d polic(ies) changed criteria or codes in last %dh",
				snap.HighPriority, snap.LookbackHours),
			Details: map[string]any{
				"changed":  snap.HighPriority,
				"policies": listed,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
