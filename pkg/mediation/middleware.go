// Package mediation implements the admission middleware (C8): the HTTP-facing
// edge of the mediation core. It classifies an inbound request into
// (provider, operation, params), resolves the caller's identity and the
// operation's cost/TTL/cap limits, calls the admission coordinator (C5), and
// renders one of the four outcomes from §4.8 as an HTTP response.
package mediation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/meridianapi/gatekeeper/pkg/admission"
	"github.com/meridianapi/gatekeeper/pkg/kinderr"
	"github.com/meridianapi/gatekeeper/pkg/metrics"
	"github.com/meridianapi/gatekeeper/pkg/tier"
	"github.com/meridianapi/gatekeeper/pkg/upstream"
)

// Identity is the authenticated caller, populated by an upstream auth layer
// outside this core's scope (see §1 Non-goals: OAuth flows are an external
// collaborator's job).
type Identity struct {
	User string
	Tier tier.Tier
}

// IdentityResolver extracts Identity from a request. The production
// implementation reads headers/context set by the auth layer; tests can
// supply a fixed resolver.
type IdentityResolver interface {
	Identity(r *http.Request) (Identity, error)
}

// Limits bundles everything C5 needs for one (provider, operation, tier)
// triple, resolved from the layered config document.
type Limits struct {
	RPMLimit      int64
	DailyCap      int64
	Cost          int64
	CacheTTL      time.Duration
	NegativeTTL   time.Duration
	VaryByTier    bool
	AllowQueue    bool
	QueuePriority int
	QueueDeadline time.Duration
	FailOpen      bool
}

// LimitResolver resolves Limits for a classified request.
type LimitResolver interface {
	Limits(p tier.Provider, op tier.Operation, t tier.Tier) Limits
}

// RouteClassifier turns an inbound HTTP request into the (provider,
// operation, params) triple the admission coordinator reasons about.
type RouteClassifier interface {
	Classify(r *http.Request) (provider tier.Provider, operation tier.Operation, params map[string]string, err error)
}

// Admitter is the subset of admission.Coordinator the middleware needs.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (admission.Decision, error)
	Complete(ctx context.Context, lease, fingerprint string, outcome admission.Outcome) error
}

// Middleware is the terminal HTTP handler for the admission path: it is not
// a chi next-handler wrapper because it owns dispatching to the upstream
// adapter itself on CallUpstream.
type Middleware struct {
	admitter   Admitter
	registry   *upstream.Registry
	identity   IdentityResolver
	classifier RouteClassifier
	limits     LimitResolver
	recorder   *metrics.Recorder
	logger     *slog.Logger
}

func New(admitter Admitter, registry *upstream.Registry, identity IdentityResolver, classifier RouteClassifier, limits LimitResolver, recorder *metrics.Recorder, logger *slog.Logger) *Middleware {
	return &Middleware{
		admitter: admitter, registry: registry, identity: identity,
		classifier: classifier, limits: limits, recorder: recorder, logger: logger,
	}
}

func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().Unix()

	id, err := m.identity.Identity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error(), now, "")
		return
	}

	provider, operation, params, err := m.classifier.Classify(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_operation", err.Error(), now, id.User)
		return
	}

	lim := m.limits.Limits(provider, operation, id.Tier)

	req := admission.Request{
		Provider:    provider,
		Operation:   operation,
		User:        id.User,
		Tier:        id.Tier,
		Params:      params,
		Priority:    id.Tier.Priority() + lim.QueuePriority,
		AllowQueue:  lim.AllowQueue,
		Deadline:    time.Now().Add(lim.QueueDeadline),
		VaryByTier:  lim.VaryByTier,
		Cost:        lim.Cost,
		RPMLimit:    lim.RPMLimit,
		DailyCap:    lim.DailyCap,
		CacheTTL:    lim.CacheTTL,
		NegativeTTL: lim.NegativeTTL,
	}

	decision, err := m.admitter.Admit(ctx, req)
	if err != nil {
		m.handleAdmitError(w, r, req, lim, err, now)
		return
	}

	switch decision.Kind {
	case admission.ServeCached:
		m.serveCached(ctx, w, provider, decision, now)
	case admission.CallUpstream:
		m.callUpstream(w, r, req, decision)
	case admission.Queue:
		m.serveQueued(w, decision, now, id.User)
	case admission.Reject:
		m.serveRejected(w, decision, now, id.User)
	}
}

func (m *Middleware) serveCached(ctx context.Context, w http.ResponseWriter, p tier.Provider, decision admission.Decision, now int64) {
	status := "HIT"
	if decision.IsNegative {
		status = "NEGATIVE"
	}
	w.Header().Set("X-Cache-Status", status)
	setRateLimitHeaders(w, decision)
	w.Header().Set("Content-Type", "application/json")

	if m.recorder != nil {
		kind := "hit"
		if decision.IsNegative {
			kind = "negative"
		}
		m.recorder.CacheEvent(ctx, p, kind)
	}

	if decision.IsNegative {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":"not_found","cached":true}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, decision.CachedValue)
}

func (m *Middleware) callUpstream(w http.ResponseWriter, r *http.Request, req admission.Request, decision admission.Decision) {
	w.Header().Set("X-Cache-Status", "MISS")
	setRateLimitHeaders(w, decision)

	adapter, ok := m.registry.For(req.Provider)
	if !ok {
		_ = m.admitter.Complete(r.Context(), decision.Lease, decision.Fingerprint, admission.Outcome{
			Kind: admission.AbortedBeforeDispatch, Provider: req.Provider, User: req.User, Cost: req.Cost,
		})
		writeError(w, http.StatusBadGateway, "no_adapter_registered", "no upstream adapter registered for provider", time.Now().Unix(), req.User)
		return
	}

	start := time.Now()
	result, dispatchErr := adapter.Dispatch(r.Context(), req.Operation, req.Params)
	latencyMS := time.Since(start).Milliseconds()

	outcome := admission.Outcome{Provider: req.Provider, User: req.User, Cost: req.Cost, CacheTTL: req.CacheTTL, NegativeTTL: req.NegativeTTL}
	switch {
	case dispatchErr != nil && result.Throttled:
		outcome.Kind = admission.ProviderThrottled
		if m.recorder != nil {
			m.recorder.UpstreamError(r.Context(), req.Provider, kinderr.UpstreamThrottled.String())
		}
	case dispatchErr != nil:
		outcome.Kind = admission.ProviderError
		if m.recorder != nil {
			m.recorder.UpstreamError(r.Context(), req.Provider, kinderr.UpstreamError.String())
		}
	default:
		outcome.Kind = admission.Success
		outcome.Value = result.Payload
		if m.recorder != nil {
			m.recorder.UpstreamLatency(req.Provider, latencyMS)
		}
	}

	if err := m.admitter.Complete(r.Context(), decision.Lease, decision.Fingerprint, outcome); err != nil {
		m.logger.Error("mediation: completing admission", "error", err)
	}

	switch outcome.Kind {
	case admission.Success:
		if m.recorder != nil {
			m.recorder.RequestCompleted(r.Context(), req.Provider, "success")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, outcome.Value)
	case admission.ProviderThrottled:
		if m.recorder != nil {
			m.recorder.RequestCompleted(r.Context(), req.Provider, "upstream_throttled")
		}
		writeError(w, http.StatusBadGateway, kinderr.UpstreamThrottled.String(), "upstream provider is throttling requests", time.Now().Unix(), req.User)
	default:
		if m.recorder != nil {
			m.recorder.RequestCompleted(r.Context(), req.Provider, "upstream_error")
		}
		writeError(w, http.StatusBadGateway, kinderr.UpstreamError.String(), "upstream dispatch failed", time.Now().Unix(), req.User)
	}
}

func (m *Middleware) serveQueued(w http.ResponseWriter, decision admission.Decision, now int64, user string) {
	setRateLimitHeaders(w, decision)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":             true,
		"queued":              true,
		"queue_position":      decision.QueuePosition,
		"estimated_wait_time": decision.EstimatedWaitSec,
		"user_id":             user,
		"timestamp":           now,
	})
}

// setRateLimitHeaders renders the caller's current rate-limit standing as
// X-Rate-Limit-Limit/Remaining/Used/Reset per §4.8 — on every response this
// middleware produces, not only on Reject, whenever the decision carries a
// known limit (admission.Coordinator populates one unconditionally except
// on a handful of reject kinds that aren't limit-specific, e.g. QueueFull).
func setRateLimitHeaders(w http.ResponseWriter, decision admission.Decision) {
	if decision.Limit <= 0 {
		return
	}
	remaining := decision.Limit - decision.CurrentUsage
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-Rate-Limit-Limit", strconv.FormatInt(decision.Limit, 10))
	w.Header().Set("X-Rate-Limit-Remaining", strconv.FormatInt(remaining, 10))
	w.Header().Set("X-Rate-Limit-Used", strconv.FormatInt(decision.CurrentUsage, 10))
	if decision.ResetEpoch > 0 {
		w.Header().Set("X-Rate-Limit-Reset", strconv.FormatInt(decision.ResetEpoch, 10))
	}
}

func (m *Middleware) serveRejected(w http.ResponseWriter, decision admission.Decision, now int64, user string) {
	status := http.StatusTooManyRequests
	if decision.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterSec, 10))
	}
	setRateLimitHeaders(w, decision)

	body := ErrorBody{Error: decision.RejectKind.String(), UserID: user, Timestamp: now}
	if decision.Limit > 0 {
		body.CurrentUsage = &decision.CurrentUsage
		body.Limit = &decision.Limit
	}
	if decision.RetryAfterSec > 0 {
		body.RetryAfterSec = &decision.RetryAfterSec
	}
	if decision.ResetEpoch > 0 {
		body.ResetEpoch = &decision.ResetEpoch
	}

	writeBody(w, status, body)
}

func (m *Middleware) handleAdmitError(w http.ResponseWriter, r *http.Request, req admission.Request, lim Limits, err error, now int64) {
	kind := kinderr.KindOf(err)
	if kind == kinderr.StoreUnavailable && lim.FailOpen {
		m.logger.Warn("mediation: store unavailable, failing open", "provider", req.Provider, "user", req.User)
		adapter, ok := m.registry.For(req.Provider)
		if ok {
			result, dispatchErr := adapter.Dispatch(r.Context(), req.Operation, req.Params)
			if dispatchErr == nil {
				w.Header().Set("X-Cache-Status", "BYPASS")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_, _ = io.WriteString(w, result.Payload)
				return
			}
		}
	}

	m.logger.Error("mediation: admission failed", "error", err, "provider", req.Provider, "user", req.User)
	writeError(w, http.StatusServiceUnavailable, kinderr.StoreUnavailable.String(), "admission core temporarily unavailable", now, req.User)
}

// ErrorBody mirrors internal/httpserver.ErrorBody; mediation cannot import
// internal/httpserver (pkg may not depend on internal), so it declares its
// own copy with the same JSON field names, minus queue_position and
// estimated_wait_time.
type ErrorBody struct {
	Success          bool   `json:"success"`
	Error            string `json:"error"`
	Message          string `json:"message,omitempty"`
	CurrentUsage     *int64 `json:"current_usage,omitempty"`
	Limit            *int64 `json:"limit,omitempty"`
	RetryAfterSec    *int64 `json:"retry_after,omitempty"`
	ResetEpoch       *int64 `json:"reset_at,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

func writeError(w http.ResponseWriter, status int, errCode, message string, now int64, user string) {
	writeBody(w, status, ErrorBody{Error: errCode, Message: message, UserID: user, Timestamp: now})
}

func writeBody(w http.ResponseWriter, status int, body ErrorBody) {
	body.Success = false
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
