package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kinhotel/pms-sync/internal/config"
	"github.com/kinhotel/pms-sync/internal/report"
	"github.com/kinhotel/pms-sync/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailed      AlertType = "run_failed"
	AlertRunPartial     AlertType = "run_partial"
	AlertFindings       AlertType = "data_quality_findings"
	AlertStaleWatermark AlertType = "stale_watermark"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates run reports and health snapshots against configured
// thresholds and sends alerts via webhook.
type Alerter struct {
	cfg    config.NotifyConfig
	client *http.Client
	retry  resilience.RetryConfig
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given notify config.
func NewAlerter(cfg config.NotifyConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			OnRetry:        resilience.RetryLogger("webhook", "send_alert"),
		},
		now: time.Now,
	}
}

// Evaluate checks a finished run and returns any alerts.
func (a *Alerter) Evaluate(rep *report.Report) []Alert {
	var alerts []Alert
	now := a.now().UTC()
	counts := rep.Counts()

	switch rep.Status() {
	case report.StatusFailed:
		alerts = append(alerts, Alert{
			Type:     AlertRunFailed,
			Severity: "high",
			Message: fmt.Sprintf("Run %s failed: %s",
				rep.RunID, strings.Join(rep.Failures(), ", ")),
			Details: map[string]any{
				"run_id":   rep.RunID,
				"failed":   rep.Failures(),
				"datasets": len(rep.Datasets),
			},
			Timestamp: now,
		})
	case report.StatusPartial:
		alerts = append(alerts, Alert{
			Type:     AlertRunPartial,
			Severity: "medium",
			Message: fmt.Sprintf("Run %s partially failed: %d of %d partitions failed (%s)",
				rep.RunID, counts[report.StatusFailed],
				counts[report.StatusFailed]+counts[report.StatusSuccess],
				strings.Join(rep.Failures(), ", ")),
			Details: map[string]any{
				"run_id":    rep.RunID,
				"failed":    rep.Failures(),
				"succeeded": counts[report.StatusSuccess],
			},
			Timestamp: now,
		})
	}

	if n := rep.FindingCount(); a.cfg.FindingThreshold > 0 && n > a.cfg.FindingThreshold {
		byKind := make(map[string]int)
		for _, d := range rep.Datasets {
			for _, f := range d.Findings {
				byKind[f.Kind]++
			}
		}
		alerts = append(alerts, Alert{
			Type:     AlertFindings,
			Severity: "medium",
			Message: fmt.Sprintf("Run %s recorded %d data-quality findings, threshold %d",
				rep.RunID, n, a.cfg.FindingThreshold),
			Details: map[string]any{
				"run_id":    rep.RunID,
				"findings":  n,
				"threshold": a.cfg.FindingThreshold,
				"by_kind":   byKind,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// EvaluateSnapshot checks watermark staleness.
func (a *Alerter) EvaluateSnapshot(snap *Snapshot) []Alert {
	if len(snap.Stale) == 0 {
		return nil
	}
	labels := make([]string, 0, len(snap.Stale))
	for _, e := range snap.Stale {
		labels = append(labels, fmt.Sprintf("%s/%d", e.Source, e.Partition))
	}
	return []Alert{{
		Type:     AlertStaleWatermark,
		Severity: "high",
		Message: fmt.Sprintf("%d watermark(s) have not advanced in %s: %s",
			len(snap.Stale), snap.StaleAfter, strings.Join(labels, ", ")),
		Details: map[string]any{
			"stale":       labels,
			"stale_after": snap.StaleAfter.String(),
		},
		Timestamp: a.now().UTC(),
	}}
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

// sendWebhook posts a single alert to the webhook URL. 5xx, 429 and network
// failures are retried.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		return a.postWebhook(ctx, payload)
	})
}

func (a *Alerter) postWebhook(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode), resp.StatusCode)
	case resp.StatusCode >= 400:
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
