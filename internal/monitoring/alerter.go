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

	"github.com/sells-group/accident-etl/internal/config"
	"github.com/sells-group/accident-etl/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailed   AlertType = "run_failed"
	AlertSkipRate    AlertType = "skip_rate"
	AlertFailureRate AlertType = "run_failure_rate"
)

// minRowsForSkipRate keeps tiny runs from tripping the skip-rate alert.
const minRowsForSkipRate = 100

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a finished run and a MetricsSnapshot against configured
// thresholds and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitorConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitor config.
func NewAlerter(cfg config.MonitorConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks run and snap against thresholds and returns any alerts.
// Either argument may be nil.
func (a *Alerter) Evaluate(run *model.Run, snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if run != nil && run.Status == model.RunStatusFailed {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailed,
			Severity: "high",
			Message:  fmt.Sprintf("%s run %s failed: %s", run.Kind, run.ID, run.Error),
			Details: map[string]any{
				"run_id":    run.ID,
				"kind":      string(run.Kind),
				"rows_read": run.Stats.RowsRead,
			},
			Timestamp: now,
		})
	}

	if run != nil && run.Stats.RowsRead >= minRowsForSkipRate {
		rate := float64(run.Stats.Failures) / float64(run.Stats.RowsRead)
		if rate > a.cfg.SkipRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertSkipRate,
				Severity: "medium",
				Message: fmt.Sprintf(
					"Run %s skipped %.1f%% of rows, threshold %.1f%% (%d of %d)",
					run.ID, rate*100, a.cfg.SkipRateThreshold*100, run.Stats.Failures, run.Stats.RowsRead,
				),
				Details: map[string]any{
					"skip_rate": rate,
					"threshold": a.cfg.SkipRateThreshold,
					"skipped":   run.Stats.Failures,
					"rows_read": run.Stats.RowsRead,
				},
				Timestamp: now,
			})
		}
	}

	if snap != nil {
		finished := snap.RunsComplete + snap.RunsFailed
		if finished >= 5 && snap.RunFailRate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertFailureRate,
				Severity: "high",
				Message: fmt.Sprintf(
					"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
					snap.RunFailRate*100, a.cfg.FailureRateThreshold*100,
					snap.RunsFailed, finished, snap.LookbackHours,
				),
				Details: map[string]any{
					"failure_rate": snap.RunFailRate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       snap.RunsFailed,
					"finished":     finished,
				},
				Timestamp: now,
			})
		}
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
