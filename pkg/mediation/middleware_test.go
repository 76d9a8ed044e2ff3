package mediation_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/meridianapi/gatekeeper/pkg/admission"
	"github.com/meridianapi/gatekeeper/pkg/kinderr"
	"github.com/meridianapi/gatekeeper/pkg/mediation"
	"github.com/meridianapi/gatekeeper/pkg/tier"
	"github.com/meridianapi/gatekeeper/pkg/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedIdentity struct {
	id  mediation.Identity
	err error
}

func (f fixedIdentity) Identity(r *http.Request) (mediation.Identity, error) { return f.id, f.err }

type fixedClassifier struct {
	p      tier.Provider
	op     tier.Operation
	params map[string]string
	err    error
}

func (f fixedClassifier) Classify(r *http.Request) (tier.Provider, tier.Operation, map[string]string, error) {
	return f.p, f.op, f.params, f.err
}

type fixedLimits struct{ lim mediation.Limits }

func (f fixedLimits) Limits(p tier.Provider, op tier.Operation, t tier.Tier) mediation.Limits {
	return f.lim
}

type fakeAdmitter struct {
	decision admission.Decision
	admitErr error

	completeCalled bool
	completedOut   admission.Outcome
}

func (f *fakeAdmitter) Admit(ctx context.Context, req admission.Request) (admission.Decision, error) {
	return f.decision, f.admitErr
}

func (f *fakeAdmitter) Complete(ctx context.Context, lease, fingerprint string, outcome admission.Outcome) error {
	f.completeCalled = true
	f.completedOut = outcome
	return nil
}

func newMiddleware(admitter mediation.Admitter, registry *upstream.Registry, id mediation.Identity, lim mediation.Limits) *mediation.Middleware {
	return mediation.New(admitter, registry, fixedIdentity{id: id}, fixedClassifier{p: tier.Video, op: "search", params: map[string]string{"q": "cats"}}, fixedLimits{lim: lim}, nil, discardLogger())
}

func doRequest(mw *mediation.Middleware) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/video/search?q=cats", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTPUnauthenticatedWhenIdentityFails(t *testing.T) {
	mw := mediation.New(&fakeAdmitter{}, upstream.NewRegistry(), fixedIdentity{err: fmt.Errorf("no token")}, fixedClassifier{}, fixedLimits{}, nil, discardLogger())
	rec := doRequest(mw)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestServeHTTPUnknownOperationReturns404(t *testing.T) {
	mw := mediation.New(&fakeAdmitter{}, upstream.NewRegistry(), fixedIdentity{id: mediation.Identity{User: "alice"}}, fixedClassifier{err: fmt.Errorf("bad route")}, fixedLimits{}, nil, discardLogger())
	rec := doRequest(mw)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestServeHTTPCacheHitServesPayload(t *testing.T) {
	admitter := &fakeAdmitter{decision: admission.Decision{Kind: admission.ServeCached, CachedValue: `{"ok":true}`}}
	mw := newMiddleware(admitter, upstream.NewRegistry(), mediation.Identity{User: "alice", Tier: tier.Free}, mediation.Limits{})
	rec := doRequest(mw)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Cache-Status") != "HIT" {
		t.Errorf("expected X-Cache-Status: HIT, got %q", rec.Header().Get("X-Cache-Status"))
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestServeHTTPNegativeCacheHitReturns404(t *testing.T) {
	admitter := &fakeAdmitter{decision: admission.Decision{Kind: admission.ServeCached, IsNegative: true}}
	mw := newMiddleware(admitter, upstream.NewRegistry(), mediation.Identity{User: "alice"}, mediation.Limits{})
	rec := doRequest(mw)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a negative cache hit, got %d", rec.Code)
	}
	if rec.Header().Get("X-Cache-Status") != "NEGATIVE" {
		t.Errorf("expected X-Cache-Status: NEGATIVE, got %q", rec.Header().Get("X-Cache-Status"))
	}
}

func TestServeHTTPCallUpstreamSuccess(t *testing.T) {
	admitter := &fakeAdmitter{decision: admission.Decision{Kind: admission.CallUpstream, Lease: "l1", Fingerprint: "fp1"}}
	registry := upstream.NewRegistry()
	registry.Register(tier.Video, &upstream.MockAdapter{Result: upstream.Result{Payload: `{"fresh":true}`}})
	mw := newMiddleware(admitter, registry, mediation.Identity{User: "alice"}, mediation.Limits{})

	rec := doRequest(mw)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"fresh":true}` {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if !admitter.completeCalled || admitter.completedOut.Kind != admission.Success {
		t.Errorf("expected Complete(Success), got called=%v outcome=%+v", admitter.completeCalled, admitter.completedOut)
	}
}

func TestServeHTTPCacheHitAlwaysEmitsRateLimitHeaders(t *testing.T) {
	admitter := &fakeAdmitter{decision: admission.Decision{
		Kind: admission.ServeCached, CachedValue: `{"ok":true}`,
		CurrentUsage: 3, Limit: 10, ResetEpoch: 1700000000,
	}}
	mw := newMiddleware(admitter, upstream.NewRegistry(), mediation.Identity{User: "alice"}, mediation.Limits{})
	rec := doRequest(mw)

	if rec.Header().Get("X-Rate-Limit-Limit") != "10" {
		t.Errorf("expected X-Rate-Limit-Limit: 10, got %q", rec.Header().Get("X-Rate-Limit-Limit"))
	}
	if rec.Header().Get("X-Rate-Limit-Remaining") != "7" {
		t.Errorf("expected X-Rate-Limit-Remaining: 7, got %q", rec.Header().Get("X-Rate-Limit-Remaining"))
	}
	if rec.Header().Get("X-Rate-Limit-Used") != "3" {
		t.Errorf("expected X-Rate-Limit-Used: 3, got %q", rec.Header().Get("X-Rate-Limit-Used"))
	}
	if rec.Header().Get("X-Rate-Limit-Reset") != "1700000000" {
		t.Errorf("expected X-Rate-Limit-Reset: 1700000000, got %q", rec.Header().Get("X-Rate-Limit-Reset"))
	}
}

func TestServeHTTPCallUpstreamAlwaysEmitsRateLimitHeaders(t *testing.T) {
	admitter := &fakeAdmitter{decision: admission.Decision{
		Kind: admission.CallUpstream, Lease: "l1", Fingerprint: "fp1",
		CurrentUsage: 4, Limit: 5,
	}}
	registry := upstream.NewRegistry()
	registry.Register(tier.Video, &upstream.MockAdapter{Result: upstream.Result{Payload: `{"fresh":true}`}})
	mw := newMiddleware(admitter, registry, mediation.Identity{User: "alice"}, mediation.Limits{})

	rec := doRequest(mw)
	if rec.Header().Get("X-Rate-Limit-Remaining") != "1" {
		t.Errorf("expected X-Rate-Limit-Remaining: 1, got %q", rec.Header().Get("X-Rate-Limit-Remaining"))
	}
	if rec.Header().Get("X-Rate-Limit-Used") != "4" {
		t.Errorf("expected X-Rate-Limit-Used: 4, got %q", rec.Header().Get("X-Rate-Limit-Used"))
	}
}

func TestServeHTTPQueuedAlwaysEmitsRateLimitHeaders(t *testing.T) {
	admitter := &fakeAdmitter{decision: admission.Decision{
		Kind: admission.Queue, QueuePosition: 3, EstimatedWaitSec: 9,
		CurrentUsage: 5, Limit: 5,
	}}
	mw := newMiddleware(admitter, upstream.NewRegistry(), mediation.Identity{User: "alice"}, mediation.Limits{})

	rec := doRequest(mw)
	if rec.Header().Get("X-Rate-Limit-Remaining") != "0" {
		t.Errorf("expected X-Rate-Limit-Remaining: 0, got %q", rec.Header().Get("X-Rate-Limit-Remaining"))
	}
}

func TestServeHTTPCallUpstreamThrottledReturns502(t *testing.T) {
	admitter := &fakeAdmitter{decision: admission.Decision{Kind: admission.CallUpstream}}
	registry := upstream.NewRegistry()
	registry.Register(tier.Video, &upstream.MockAdapter{Err: fmt.Errorf("429"), Result: upstream.Result{Throttled: true}})
	mw := newMiddleware(admitter, registry, mediation.Identity{User: "alice"}, mediation.Limits{})

	rec := doRequest(mw)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if admitter.completedOut.Kind != admission.ProviderThrottled {
		t.Errorf("expected Complete with ProviderThrottled, got %+v", admitter.completedOut)
	}
}

func TestServeHTTPCallUpstreamNoAdapterRegistered(t *testing.T) {
	admitter := &fakeAdmitter{decision: admission.Decision{Kind: admission.CallUpstream, Lease: "l1", Fingerprint: "fp1"}}
	mw := newMiddleware(admitter, upstream.NewRegistry(), mediation.Identity{User: "alice"}, mediation.Limits{})

	rec := doRequest(mw)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 when no adapter is registered, got %d", rec.Code)
	}
	if admitter.completedOut.Kind != admission.AbortedBeforeDispatch {
		t.Errorf("expected Complete(AbortedBeforeDispatch), got %+v", admitter.completedOut)
	}
}

func TestServeHTTPQueuedRendersAcceptedBody(t *testing.T) {
	admitter := &fakeAdmitter{decision: admission.Decision{Kind: admission.Queue, QueuePosition: 3, EstimatedWaitSec: 9}}
	mw := newMiddleware(admitter, upstream.NewRegistry(), mediation.Identity{User: "alice"}, mediation.Limits{})

	rec := doRequest(mw)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["queue_position"].(float64) != 3 {
		t.Errorf("expected queue_position 3, got %v", body["queue_position"])
	}
}

func TestServeHTTPRejectedRateDeniedSetsHeaders(t *testing.T) {
	admitter := &fakeAdmitter{decision: admission.Decision{
		Kind: admission.Reject, RejectKind: kinderr.RateDenied, RetryAfterSec: 7, CurrentUsage: 5, Limit: 5,
	}}
	mw := newMiddleware(admitter, upstream.NewRegistry(), mediation.Identity{User: "alice"}, mediation.Limits{})

	rec := doRequest(mw)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "7" {
		t.Errorf("expected Retry-After: 7, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-Rate-Limit-Remaining") != "0" {
		t.Errorf("expected X-Rate-Limit-Remaining: 0, got %q", rec.Header().Get("X-Rate-Limit-Remaining"))
	}
}

func TestServeHTTPFailsOpenOnStoreUnavailable(t *testing.T) {
	admitter := &fakeAdmitter{admitErr: kinderr.New(kinderr.StoreUnavailable, "redis down")}
	registry := upstream.NewRegistry()
	registry.Register(tier.Video, &upstream.MockAdapter{Result: upstream.Result{Payload: `{"bypass":true}`}})
	mw := newMiddleware(admitter, registry, mediation.Identity{User: "alice"}, mediation.Limits{FailOpen: true})

	rec := doRequest(mw)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected fail-open to serve 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Cache-Status") != "BYPASS" {
		t.Errorf("expected X-Cache-Status: BYPASS, got %q", rec.Header().Get("X-Cache-Status"))
	}
}

func TestServeHTTPFailsClosedOnStoreUnavailableWithoutFailOpen(t *testing.T) {
	admitter := &fakeAdmitter{admitErr: kinderr.New(kinderr.StoreUnavailable, "redis down")}
	mw := newMiddleware(admitter, upstream.NewRegistry(), mediation.Identity{User: "alice"}, mediation.Limits{FailOpen: false})

	rec := doRequest(mw)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when failing closed, got %d", rec.Code)
	}
}
