package metrics_test

import (
	"testing"

	"github.com/meridianapi/gatekeeper/pkg/metrics"
	"github.com/meridianapi/gatekeeper/pkg/store/storetest"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

func TestCounterIsZeroBeforeAnyEvent(t *testing.T) {
	r := metrics.New(storetest.New(t))
	n, err := r.Counter(t.Context(), "requests_total", string(tier.Video), "success")
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
}

func TestRequestCompletedAccumulates(t *testing.T) {
	r := metrics.New(storetest.New(t))
	ctx := t.Context()

	r.RequestCompleted(ctx, tier.Video, "success")
	r.RequestCompleted(ctx, tier.Video, "success")
	r.RequestCompleted(ctx, tier.Video, "upstream_error")

	n, err := r.Counter(ctx, "requests_total", string(tier.Video), "success")
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 successes, got %d", n)
	}

	n, err = r.Counter(ctx, "requests_total", string(tier.Video), "upstream_error")
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 upstream_error, got %d", n)
	}
}

func TestCacheEventAccumulatesPerKind(t *testing.T) {
	r := metrics.New(storetest.New(t))
	ctx := t.Context()

	r.CacheEvent(ctx, tier.Music, "hit")
	r.CacheEvent(ctx, tier.Music, "hit")
	r.CacheEvent(ctx, tier.Music, "miss")

	hits, err := r.Counter(ctx, "cache_events_total", string(tier.Music), "hit")
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	if hits != 2 {
		t.Errorf("expected 2 hits, got %d", hits)
	}
}

func TestCounterIsIsolatedPerDimension(t *testing.T) {
	r := metrics.New(storetest.New(t))
	ctx := t.Context()

	r.RequestCompleted(ctx, tier.Video, "success")
	n, err := r.Counter(ctx, "requests_total", string(tier.Chat), "success")
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	if n != 0 {
		t.Errorf("expected chat's counter to be unaffected by video's, got %d", n)
	}
}
