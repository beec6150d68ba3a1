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

	"github.com/sells-group/ip-patrol/internal/config"
	"github.com/sells-group/ip-patrol/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCriticalFindings    AlertType = "critical_findings"
	AlertScanFailed          AlertType = "scan_failed"
	AlertClassifierErrorRate AlertType = "classifier_error_rate"
)

// minItemsForRate keeps a handful of unclassifiable items from tripping the
// error-rate alert.
const minItemsForRate = 20

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// Key identifies the condition so repeated checks alert once.
	Key string `json:"-"`
}

// Alerter evaluates scan results against configured thresholds and sends
// alerts via webhook when they are breached.
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

// SessionAlerts returns the alerts one finished session warrants: critical
// findings (when enabled) and enumeration failure.
func (a *Alerter) SessionAlerts(s *model.Session) []Alert {
	return a.sessionAlerts(refOf(s), s.Status == model.SessionFailed, time.Now().UTC())
}

func (a *Alerter) sessionAlerts(ref SessionRef, failed bool, now time.Time) []Alert {
	var alerts []Alert
	if a.cfg.AlertOnCritical && ref.Critical > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertCriticalFindings,
			Severity: "critical",
			Message: fmt.Sprintf("%d critical listing(s) need takedown on %s (%d high risk)",
				ref.Critical, ref.Target, ref.High),
			Details: map[string]any{
				"session_id": ref.ID,
				"target":     ref.Target,
				"critical":   ref.Critical,
				"high":       ref.High,
			},
			Timestamp: now,
			Key:       "critical:" + ref.ID,
		})
	}
	if failed {
		alerts = append(alerts, Alert{
			Type:     AlertScanFailed,
			Severity: "high",
			Message:  fmt.Sprintf("Scan of %s stopped with error: %s", ref.Target, ref.Error),
			Details: map[string]any{
				"session_id": ref.ID,
				"target":     ref.Target,
				"error":      ref.Error,
			},
			Timestamp: now,
			Key:       "failed:" + ref.ID,
		})
	}
	return alerts
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, ref := range snap.CriticalSessions {
		alerts = append(alerts, a.sessionAlerts(ref, false, now)...)
	}
	for _, ref := range snap.FailedSessions {
		// Critical findings were already covered above.
		ref.Critical = 0
		alerts = append(alerts, a.sessionAlerts(ref, true, now)...)
	}

	if a.cfg.ErrorRateThreshold > 0 && snap.Items >= minItemsForRate && snap.ItemErrorRate > a.cfg.ErrorRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertClassifierErrorRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Classifier error rate %.1f%% exceeds threshold %.1f%% (%d unclassifiable / %d items in last %dh)",
				snap.ItemErrorRate*100, a.cfg.ErrorRateThreshold*100,
				snap.ErrorItems, snap.Items, snap.LookbackHours,
			),
			Details: map[string]any{
				"error_rate": snap.ItemErrorRate,
				"threshold":  a.cfg.ErrorRateThreshold,
				"errors":     snap.ErrorItems,
				"items":      snap.Items,
			},
			Timestamp: now,
			Key:       "error_rate:" + snap.CollectedAt.Truncate(time.Hour).Format(time.RFC3339),
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

// sendWebhook posts a single alert to the webhook URL.
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
