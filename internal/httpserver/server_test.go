package httpserver_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/meridianapi/gatekeeper/internal/httpserver"
	"github.com/meridianapi/gatekeeper/internal/telemetry"
	"github.com/meridianapi/gatekeeper/pkg/cache"
	"github.com/meridianapi/gatekeeper/pkg/store"
	"github.com/meridianapi/gatekeeper/pkg/store/storetest"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, s store.Store) *httpserver.Server {
	t.Helper()
	c := cache.New(s)
	reg := telemetry.NewMetricsRegistry()
	return httpserver.NewServer(httpserver.ServerConfig{}, discardLogger(), s, c, reg)
}

func TestHealthzOK(t *testing.T) {
	srv := newTestServer(t, storetest.New(t))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestHealthzReportsStoreFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedis(client)
	srv := newTestServer(t, s)

	mr.Close()
	_ = client.Close()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when the store is unreachable, got %d", rec.Code)
	}
}

func TestInvalidateRemovesMatchingEntries(t *testing.T) {
	s := storetest.New(t)
	srv := newTestServer(t, s)
	c := cache.New(s)

	ctx := t.Context()
	_ = c.Store(ctx, tier.Video, "user1-a", "x", time.Minute, false)
	_ = c.Store(ctx, tier.Video, "user1-b", "y", time.Minute, false)

	body := strings.NewReader(`{"provider":"video","fingerprint_prefix":"user1"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/invalidate", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if resp["invalidated"].(float64) != 2 {
		t.Errorf("expected 2 invalidated entries, got %v", resp["invalidated"])
	}
}

func TestInvalidateRejectsUnknownProvider(t *testing.T) {
	srv := newTestServer(t, storetest.New(t))
	body := strings.NewReader(`{"provider":"not-a-provider","fingerprint_prefix":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/invalidate", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown provider, got %d", rec.Code)
	}
}

func TestMetricsEndpointServesPrometheusExposition(t *testing.T) {
	srv := newTestServer(t, storetest.New(t))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected the Go collector's metrics in the exposition output")
	}
}
