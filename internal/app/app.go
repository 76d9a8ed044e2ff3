// Package app wires the mediation core's components into a runnable
// process: one admission-path HTTP server plus three background workers
// (queue drainer, prefetch sweeper, alert evaluator), all sharing one Redis
// connection and one KV store adapter, in the shape of the teacher's
// Run/runAPI/runWorker split collapsed into a single mode since this core
// has no multi-tenant migration or seed concerns to separate out.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridianapi/gatekeeper/internal/config"
	"github.com/meridianapi/gatekeeper/internal/httpserver"
	"github.com/meridianapi/gatekeeper/internal/platform"
	"github.com/meridianapi/gatekeeper/internal/telemetry"
	"github.com/meridianapi/gatekeeper/pkg/admission"
	"github.com/meridianapi/gatekeeper/pkg/alerting"
	"github.com/meridianapi/gatekeeper/pkg/cache"
	"github.com/meridianapi/gatekeeper/pkg/mediation"
	"github.com/meridianapi/gatekeeper/pkg/metrics"
	"github.com/meridianapi/gatekeeper/pkg/prefetch"
	"github.com/meridianapi/gatekeeper/pkg/quota"
	"github.com/meridianapi/gatekeeper/pkg/ratelimit"
	"github.com/meridianapi/gatekeeper/pkg/store"
	"github.com/meridianapi/gatekeeper/pkg/upstream"
)

// Run is the process entry point once cmd/gatekeeper has loaded config:
// connect to Redis, build every component, mount the admission path, and run
// the HTTP server alongside the background workers until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting gatekeeper", "listen", cfg.ListenAddr())

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	s := store.NewRedis(rdb)
	metricsReg := telemetry.NewMetricsRegistry()

	c := cache.New(s)
	window := ratelimit.New(s, 60*time.Second)
	ledger := quota.New(s)
	recorder := metrics.New(s)

	registry := upstream.NewRegistry()
	// Provider adapters (video/music/chat/gaming) are registered by an
	// external collaborator at startup; this core ships no provider
	// integrations of its own (see §1 Non-goals).

	cooldownFactor, cooldownWindow := resolveCooldown(cfg)

	q := queueForConfig(s, cfg)
	coordinator := admission.New(s, c, window, ledger, q, logger, admission.Options{
		LeaseTTL:              cfg.SingleFlight.LeaseTTL(),
		PollSlack:             cfg.SingleFlight.PollSlack(),
		PollInterval:          cfg.SingleFlight.PollInterval(),
		OnExpiry:              expiryPolicy(cfg.SingleFlight.OnExpiryContention),
		CacheHitsCountAgainst: cfg.CacheHitsCountAgainstRate,
		CooldownFactor:        cooldownFactor,
		CooldownWindow:        cooldownWindow,
	})

	limits := newConfigLimits(cfg)
	mw := mediation.New(coordinator, registry, headerIdentity{}, routeClassifier{}, limits, recorder, logger)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSOrigins,
	}, logger, s, c, metricsReg)
	srv.APIRouter.Handle("/{provider}/{operation}", mw)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	drainer := queueDrainer(s, q, coordinator, registry, cfg, logger)
	orchestrator := prefetch.NewOrchestrator(s, coordinator, registry, noActiveUsers{}, logger, prefetch.Options{
		Interval:    cfg.Prefetch.Interval(),
		LeaseTTL:    cfg.Prefetch.LeaseTTL(),
		Concurrency: cfg.Prefetch.Concurrency,
	})
	evaluator := alerting.NewEvaluator(s, recorder, logger, cfg.Alerts.EvaluateInterval(), cfg.Alerts.Channel, thresholdsFromConfig(cfg))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runHTTP(gctx, httpSrv, logger) })
	g.Go(func() error { return drainer.Run(gctx) })
	g.Go(func() error { return orchestrator.Run(gctx) })
	g.Go(func() error { return evaluator.Run(gctx) })

	return g.Wait()
}

func runHTTP(ctx context.Context, httpSrv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down http server")
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func expiryPolicy(s string) cache.ExpiryPolicy {
	if s == "reject" {
		return cache.RejectOnExpiry
	}
	return cache.ProceedOnExpiry
}

func thresholdsFromConfig(cfg *config.Config) []alerting.Threshold {
	thresholds := make([]alerting.Threshold, 0, len(cfg.Alerts.Thresholds))
	for metric, th := range cfg.Alerts.Thresholds {
		thresholds = append(thresholds, alerting.Threshold{Metric: metric, Max: th.Max})
	}
	return thresholds
}

// resolveCooldown picks the single (factor, window) pair the coordinator
// applies to every provider's cooldown key. The document allows per-provider
// overrides for other knobs, but a single process-wide cooldown policy keeps
// §4.5's cool-down math simple; per-provider cooldown *state* still lives
// under its own key (cooldown:{provider}) so providers don't interfere.
func resolveCooldown(cfg *config.Config) (float64, time.Duration) {
	for _, opts := range cfg.Providers {
		if opts.CooldownFactor > 0 {
			window := time.Duration(opts.CooldownWindowSeconds) * time.Second
			if window <= 0 {
				window = 5 * time.Minute
			}
			return opts.CooldownFactor, window
		}
	}
	return 0.5, 5 * time.Minute
}
