package prefetch_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/meridianapi/gatekeeper/pkg/admission"
	"github.com/meridianapi/gatekeeper/pkg/cache"
	"github.com/meridianapi/gatekeeper/pkg/prefetch"
	"github.com/meridianapi/gatekeeper/pkg/store/storetest"
	"github.com/meridianapi/gatekeeper/pkg/tier"
	"github.com/meridianapi/gatekeeper/pkg/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAdmitter struct {
	decision       admission.Decision
	admitErr       error
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

type staticSource struct{ targets []prefetch.Target }

func (s staticSource) ActiveTargets(ctx context.Context) ([]prefetch.Target, error) {
	return s.targets, nil
}

func TestWarmDispatchesOnCallUpstream(t *testing.T) {
	s := storetest.New(t)
	admitter := &fakeAdmitter{decision: admission.Decision{Kind: admission.CallUpstream, Lease: "lease-1", Fingerprint: "fp-1"}}
	adapter := &upstream.MockAdapter{Result: upstream.Result{Payload: "warmed"}}
	registry := upstream.NewRegistry()
	registry.Register(tier.Video, adapter)

	o := prefetch.NewOrchestrator(s, admitter, registry, staticSource{}, discardLogger(), prefetch.Options{})

	req := admission.Request{Provider: tier.Video, Operation: "recommendations", User: "alice"}
	o.Warm(t.Context(), prefetch.Target{Request: req})

	if adapter.Calls != 1 {
		t.Errorf("expected the adapter to be dispatched once, got %d", adapter.Calls)
	}
	if !admitter.completeCalled || admitter.completedOut.Kind != admission.Success {
		t.Errorf("expected Complete(Success), got called=%v outcome=%+v", admitter.completeCalled, admitter.completedOut)
	}
}

func TestWarmSkipsDispatchWhenNotCallUpstream(t *testing.T) {
	s := storetest.New(t)
	admitter := &fakeAdmitter{decision: admission.Decision{Kind: admission.ServeCached}}
	registry := upstream.NewRegistry()

	o := prefetch.NewOrchestrator(s, admitter, registry, staticSource{}, discardLogger(), prefetch.Options{})
	req := admission.Request{Provider: tier.Video, Operation: "recommendations", User: "alice"}
	o.Warm(t.Context(), prefetch.Target{Request: req})

	if admitter.completeCalled {
		t.Error("Complete should not be called when Admit does not return CallUpstream")
	}
}

func TestWarmSkipsWhenLeaseHeldByAnotherSweep(t *testing.T) {
	s := storetest.New(t)
	admitter := &fakeAdmitter{decision: admission.Decision{Kind: admission.CallUpstream}}
	adapter := &upstream.MockAdapter{Result: upstream.Result{Payload: "warmed"}}
	registry := upstream.NewRegistry()
	registry.Register(tier.Video, adapter)

	o := prefetch.NewOrchestrator(s, admitter, registry, staticSource{}, discardLogger(), prefetch.Options{LeaseTTL: time.Minute})

	req := admission.Request{Provider: tier.Video, Operation: "recommendations", User: "alice", Params: map[string]string{"k": "v"}}
	fp := cache.Fingerprint(req.Provider, req.Operation, req.Params, req.VaryByTier, req.Tier)

	// Pre-acquire the same prefetch lease the orchestrator would derive for
	// this exact request, simulating a concurrent sweep already warming it.
	ok, err := s.AcquireLease(t.Context(), "lock:pf:"+fp, "other-sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("setup AcquireLease: ok=%v err=%v", ok, err)
	}

	o.Warm(t.Context(), prefetch.Target{Request: req})

	if adapter.Calls != 0 {
		t.Errorf("expected no dispatch while another sweep holds the lease, got %d calls", adapter.Calls)
	}
	if admitter.completeCalled {
		t.Error("Complete should not be called when the lease could not be acquired")
	}
}

func TestSweepWarmsEveryActiveTarget(t *testing.T) {
	s := storetest.New(t)
	admitter := &fakeAdmitter{decision: admission.Decision{Kind: admission.CallUpstream}}
	adapter := &upstream.MockAdapter{Result: upstream.Result{Payload: "warmed"}}
	registry := upstream.NewRegistry()
	registry.Register(tier.Video, adapter)

	targets := []prefetch.Target{
		{Request: admission.Request{Provider: tier.Video, Operation: "recommendations", User: "alice", Params: map[string]string{"u": "alice"}}},
		{Request: admission.Request{Provider: tier.Video, Operation: "recommendations", User: "bob", Params: map[string]string{"u": "bob"}}},
	}
	o := prefetch.NewOrchestrator(s, admitter, registry, staticSource{targets: targets}, discardLogger(), prefetch.Options{Concurrency: 2})

	if err := o.Sweep(t.Context()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if adapter.Calls != 2 {
		t.Errorf("expected both targets to be warmed, got %d calls", adapter.Calls)
	}
}
