package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianapi/gatekeeper/pkg/cache"
	"github.com/meridianapi/gatekeeper/pkg/store"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// ServerConfig holds the parameters NewServer needs, decoupled from the
// layered configuration document.
type ServerConfig struct {
	CORSAllowedOrigins []string
}

// Server holds the HTTP server dependencies: the chi router plus everything
// the unauthenticated health/admin surface needs.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // the admission path mounts under here
	Logger    *slog.Logger
	Store     store.Store
	Cache     *cache.Cache
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with the middleware chain, health/metrics
// endpoints, and the admin invalidate route. Admission routes are mounted on
// APIRouter by internal/app after NewServer returns.
func NewServer(cfg ServerConfig, logger *slog.Logger, s store.Store, c *cache.Cache, metricsReg *prometheus.Registry) *Server {
	srv := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Store:     s,
		Cache:     c,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	srv.Router.Use(RequestID)
	srv.Router.Use(Logger(logger))
	srv.Router.Use(Metrics)
	srv.Router.Use(chimw.Recoverer)
	srv.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-User-ID", "X-User-Tier"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Rate-Limit-Limit", "X-Rate-Limit-Remaining", "X-Rate-Limit-Used", "X-Rate-Limit-Reset", "X-Cache-Status"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	srv.Router.Get("/healthz", srv.handleHealthz)
	srv.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	srv.Router.Route("/admin", func(r chi.Router) {
		r.Post("/invalidate", srv.handleInvalidate)
	})

	srv.Router.Route("/v1", func(r chi.Router) {
		srv.APIRouter = r
	})

	return srv
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// handleHealthz reports store connectivity per §6's control surface.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "ok"
	httpStatus := http.StatusOK
	storeStatus := "ok"
	if err := s.Store.Ping(ctx); err != nil {
		s.Logger.Error("healthz: store ping failed", "error", err)
		storeStatus = "fail"
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	}

	Respond(w, httpStatus, map[string]any{
		"status":         status,
		"store":          storeStatus,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

type invalidateRequest struct {
	Provider          string `json:"provider"`
	FingerprintPrefix string `json:"fingerprint_prefix"`
}

// handleInvalidate clears cache entries for a provider under a fingerprint
// prefix, per §6's admin control surface.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, ErrorBody{Error: "invalid_request", Message: err.Error(), Timestamp: time.Now().Unix()})
		return
	}

	p := tier.Provider(req.Provider)
	if !p.Valid() {
		RespondError(w, http.StatusBadRequest, ErrorBody{Error: "unknown_provider", Timestamp: time.Now().Unix()})
		return
	}

	n, err := s.Cache.Invalidate(r.Context(), p, req.FingerprintPrefix)
	if err != nil {
		s.Logger.Error("admin invalidate", "error", err, "provider", p)
		RespondError(w, http.StatusInternalServerError, ErrorBody{Error: "invalidate_failed", Timestamp: time.Now().Unix()})
		return
	}

	Respond(w, http.StatusOK, map[string]any{"invalidated": n})
}
