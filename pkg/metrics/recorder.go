// Package metrics is the data-collection half of C9: it records the
// counters and gauges named in §4.9 both to Prometheus (for scraping and
// dashboards, via internal/telemetry's registered collectors) and to the KV
// store under the `metrics:{yyyymmdd}:{metric}:{dim-hash}` layout from §6,
// so the threshold evaluator in pkg/alerting can read cheap aggregates
// without talking to Prometheus's own storage.
package metrics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/meridianapi/gatekeeper/internal/telemetry"
	"github.com/meridianapi/gatekeeper/pkg/store"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// Recorder writes MetricSample observations for both the scrape surface and
// the alert-evaluator aggregates.
type Recorder struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Recorder {
	return &Recorder{store: s, now: time.Now}
}

func dimHash(dims ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(dims, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

func (r *Recorder) key(metric string, dims ...string) string {
	day := r.now().UTC().Format("20060102")
	return fmt.Sprintf("metrics:%s:%s:%s", day, metric, dimHash(dims...))
}

// RequestCompleted records a terminal admission outcome in the requests_total
// counter, dimensioned by provider and outcome. Upstream latency is recorded
// separately by UpstreamLatency.
func (r *Recorder) RequestCompleted(ctx context.Context, p tier.Provider, outcome string) {
	telemetry.RequestsTotal.WithLabelValues(string(p), outcome).Inc()
	key := r.key("requests_total", string(p), outcome)
	if _, err := r.store.IncrementBy(ctx, key, 1); err == nil {
		_ = r.store.Expire(ctx, key, 48*time.Hour)
	}
}

// CacheEvent records a cache hit/miss/negative/bypass.
func (r *Recorder) CacheEvent(ctx context.Context, p tier.Provider, kind string) {
	telemetry.CacheEventsTotal.WithLabelValues(string(p), kind).Inc()
	key := r.key("cache_events_total", string(p), kind)
	if _, err := r.store.IncrementBy(ctx, key, 1); err == nil {
		_ = r.store.Expire(ctx, key, 48*time.Hour)
	}
}

// QueueDepth records a last-write-wins gauge per user.
func (r *Recorder) QueueDepth(ctx context.Context, user string, depth int) {
	telemetry.QueueDepth.WithLabelValues(user).Set(float64(depth))
	key := r.key("queue_depth", user)
	_ = r.store.SetWithTTL(ctx, key, fmt.Sprintf("%d", depth), 48*time.Hour)
}

// QuotaUsed records a last-write-wins gauge per (provider, user).
func (r *Recorder) QuotaUsed(ctx context.Context, p tier.Provider, user string, used int64) {
	telemetry.QuotaUsed.WithLabelValues(string(p), user).Set(float64(used))
	key := r.key("quota_used", string(p), user)
	_ = r.store.SetWithTTL(ctx, key, fmt.Sprintf("%d", used), 48*time.Hour)
}

// UpstreamLatency observes the histogram for a successful dispatch.
func (r *Recorder) UpstreamLatency(p tier.Provider, ms int64) {
	telemetry.UpstreamLatency.WithLabelValues(string(p)).Observe(float64(ms))
}

// UpstreamError records a classified upstream failure.
func (r *Recorder) UpstreamError(ctx context.Context, p tier.Provider, kind string) {
	telemetry.UpstreamErrorsTotal.WithLabelValues(string(p), kind).Inc()
	key := r.key("upstream_errors_total", string(p), kind)
	if _, err := r.store.IncrementBy(ctx, key, 1); err == nil {
		_ = r.store.Expire(ctx, key, 48*time.Hour)
	}
}

// Counter reads back today's cumulative value for metric+dims, used by the
// alert evaluator.
func (r *Recorder) Counter(ctx context.Context, metric string, dims ...string) (int64, error) {
	v, err := r.store.Get(ctx, r.key(metric, dims...))
	if err != nil {
		if err == store.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	var n int64
	_, scanErr := fmt.Sscanf(v, "%d", &n)
	return n, scanErr
}
