// Package alerting implements the threshold evaluator half of C9: a
// ticking background worker, in the shape of the teacher's
// escalation.Engine.Run, that periodically reads metric aggregates and
// publishes AlertRaised/AlertCleared events over the store's pub/sub rather
// than calling a delivery sink directly — delivery is an external
// collaborator's job, the same cyclic-reference break the design notes
// apply elsewhere in the core.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridianapi/gatekeeper/internal/telemetry"
	"github.com/meridianapi/gatekeeper/pkg/metrics"
	"github.com/meridianapi/gatekeeper/pkg/store"
)

// Threshold is a single alert rule evaluated against one metric's
// day-to-date aggregate across all providers and dimensions.
type Threshold struct {
	Metric string
	Max    float64
}

// Event is published on the alert channel whenever a threshold crosses or
// clears.
type Event struct {
	Kind      string  `json:"kind"` // "raised" or "cleared"
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Max       float64 `json:"max"`
	Timestamp int64   `json:"timestamp"`
}

// Evaluator periodically compares metric aggregates against configured
// thresholds and publishes state transitions.
type Evaluator struct {
	store      store.Store
	recorder   *metrics.Recorder
	logger     *slog.Logger
	interval   time.Duration
	channel    string
	thresholds []Threshold

	mu     sync.Mutex
	firing map[string]bool
}

func NewEvaluator(s store.Store, recorder *metrics.Recorder, logger *slog.Logger, interval time.Duration, channel string, thresholds []Threshold) *Evaluator {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if channel == "" {
		channel = "gatekeeper:alert:raised"
	}
	return &Evaluator{
		store: s, recorder: recorder, logger: logger,
		interval: interval, channel: channel, thresholds: thresholds,
		firing: make(map[string]bool),
	}
}

// Run evaluates thresholds on each tick until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) error {
	e.logger.Info("alert evaluator started", "interval", e.interval, "thresholds", len(e.thresholds))
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("alert evaluator stopped")
			return nil
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				e.logger.Error("alert evaluator tick", "error", err)
			}
		}
	}
}

func (e *Evaluator) tick(ctx context.Context) error {
	for _, th := range e.thresholds {
		value, err := e.aggregate(ctx, th.Metric)
		if err != nil {
			return fmt.Errorf("alerting: aggregating %s: %w", th.Metric, err)
		}
		e.evaluate(ctx, th, value)
	}
	return nil
}

// aggregate sums today's value of metric across every dimension tuple the
// recorder wrote for it (provider plus outcome or kind), by scanning the
// day's `metrics:{yyyymmdd}:{metric}:` keys.
func (e *Evaluator) aggregate(ctx context.Context, metric string) (float64, error) {
	keys, err := e.store.ScanKeys(ctx, fmt.Sprintf("metrics:%s:%s:", time.Now().UTC().Format("20060102"), metric))
	if err != nil {
		return 0, err
	}
	var total int64
	for _, k := range keys {
		v, err := e.store.Get(ctx, k)
		if err != nil && err != store.ErrNotFound {
			return 0, err
		}
		var n int64
		_, _ = fmt.Sscanf(v, "%d", &n)
		total += n
	}
	return float64(total), nil
}

func (e *Evaluator) evaluate(ctx context.Context, th Threshold, value float64) {
	e.mu.Lock()
	wasFiring := e.firing[th.Metric]
	nowFiring := value > th.Max
	e.firing[th.Metric] = nowFiring
	e.mu.Unlock()

	if nowFiring == wasFiring {
		return
	}

	kind := "raised"
	if !nowFiring {
		kind = "cleared"
	}

	event := Event{Kind: kind, Metric: th.Metric, Value: value, Max: th.Max, Timestamp: time.Now().Unix()}
	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("alerting: marshaling event", "error", err)
		return
	}

	if err := e.store.Publish(ctx, e.channel, string(payload)); err != nil {
		e.logger.Error("alerting: publishing event", "error", err, "metric", th.Metric)
		return
	}

	e.logger.Info("alert transition", "metric", th.Metric, "kind", kind, "value", value, "max", th.Max)
	if nowFiring {
		telemetry.AlertsRaisedTotal.WithLabelValues(th.Metric).Inc()
	}
}

// Collector exposes the evaluator's own raised-alert counter for
// registration, mirroring how the teacher registers escalation.Engine's
// metric alongside its other collectors.
func (e *Evaluator) Collector() prometheus.Collector {
	return telemetry.AlertsRaisedTotal
}
