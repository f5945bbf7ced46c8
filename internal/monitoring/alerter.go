package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kyb-monitor/internal/config"
	"github.com/sells-group/kyb-monitor/internal/model"
)

// AlertType identifies the kind of operational alert.
type AlertType string

const (
	AlertSourceUnavailable AlertType = "source_unavailable"
	AlertPairFailureRate   AlertType = "pair_failure_rate"
	AlertPassErrors        AlertType = "pass_errors"
)

// Alert represents a single operational alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached. It remembers
// for how many consecutive passes each source has been fully unavailable.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client

	mu       sync.Mutex
	lastPass string
	streaks  map[model.SourceID]int
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	if cfg.UnavailablePasses <= 0 {
		cfg.UnavailablePasses = 3
	}
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		streaks: make(map[model.SourceID]int),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Unavailability streaks only advance when the snapshot carries a pass
// not seen before.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	a.mu.Lock()
	if snap.LastPassID != "" && snap.LastPassID != a.lastPass {
		a.lastPass = snap.LastPassID
		sources := make([]model.SourceID, 0, len(snap.Health))
		for src := range snap.Health {
			sources = append(sources, src)
		}
		for src := range a.streaks {
			if _, ok := snap.Health[src]; !ok {
				delete(a.streaks, src)
			}
		}
		sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

		for _, src := range sources {
			if !snap.Unavailable(src) {
				delete(a.streaks, src)
				continue
			}
			a.streaks[src]++
			if a.streaks[src] != a.cfg.UnavailablePasses {
				continue
			}
			alerts = append(alerts, Alert{
				Type:     AlertSourceUnavailable,
				Severity: "high",
				Message: fmt.Sprintf(
					"Source %s unavailable for all %d monitored pairs over %d consecutive passes",
					src, snap.Health[src][model.HealthUnavailable], a.streaks[src],
				),
				Details: map[string]any{
					"source": string(src),
					"pairs":  snap.Health[src][model.HealthUnavailable],
					"passes": a.streaks[src],
				},
				Timestamp: now,
			})
		}
	}
	a.mu.Unlock()

	// Check pair failure rate.
	finished := snap.PairsOK + snap.PairsFailed
	if a.cfg.FailureRate > 0 && finished >= 5 && snap.PairFailRate > a.cfg.FailureRate {
		alerts = append(alerts, Alert{
			Type:     AlertPairFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Pair failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %d passes)",
				snap.PairFailRate*100, a.cfg.FailureRate*100,
				snap.PairsFailed, finished, snap.Passes,
			),
			Details: map[string]any{
				"failure_rate": snap.PairFailRate,
				"threshold":    a.cfg.FailureRate,
				"failed":       snap.PairsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// Check aborted passes.
	if snap.PassErrors > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertPassErrors,
			Severity: "medium",
			Message:  fmt.Sprintf("%d of the last %d passes ended with an error", snap.PassErrors, snap.Passes),
			Details: map[string]any{
				"errors": snap.PassErrors,
				"passes": snap.Passes,
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
