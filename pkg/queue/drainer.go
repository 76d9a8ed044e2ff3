package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/meridianapi/gatekeeper/pkg/admission"
	"github.com/meridianapi/gatekeeper/pkg/upstream"
)

// Admitter is the minimal surface the drainer needs from the admission
// coordinator (C5); defined here rather than imported as a concrete type so
// this package only depends on admission's public types, matching the
// dependency-inversion already used for Enqueuer.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (admission.Decision, error)
	Complete(ctx context.Context, lease, fingerprint string, outcome admission.Outcome) error
}

// ResolveFunc looks up the full admission.Request for a queued item — the
// queue itself only stores (user, priority, enqueued_at, deadline), so the
// drainer asks back for the provider/operation/params/cost it needs to
// re-run Admit.
type ResolveFunc func(ctx context.Context, item Item) (admission.Request, bool)

// Drainer is the scheduler goroutine described in §4.6: it round-robins
// users with queued items and, for each head entry, calls C5 Admit; on
// CallUpstream it dispatches via the upstream registry, on continued denial
// it leaves the item in place and moves to the next user.
type Drainer struct {
	queue    *Queue
	admitter Admitter
	registry *upstream.Registry
	resolve  ResolveFunc
	logger   *slog.Logger
	interval time.Duration
}

func NewDrainer(q *Queue, admitter Admitter, registry *upstream.Registry, resolve ResolveFunc, logger *slog.Logger, interval time.Duration) *Drainer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Drainer{queue: q, admitter: admitter, registry: registry, resolve: resolve, logger: logger, interval: interval}
}

// Run polls and drains until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) error {
	d.logger.Info("queue drainer started", "interval", d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("queue drainer stopped")
			return nil
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				d.logger.Error("queue drainer tick", "error", err)
			}
		}
	}
}

func (d *Drainer) tick(ctx context.Context) error {
	users, err := d.queue.Users(ctx)
	if err != nil {
		return err
	}

	for _, user := range users {
		if err := d.drainOne(ctx, user); err != nil {
			d.logger.Error("draining user queue", "user", user, "error", err)
		}
	}
	return nil
}

// drainOne inspects the head of one user's queue: expires it if past
// deadline, attempts admission otherwise, and dispatches on success.
func (d *Drainer) drainOne(ctx context.Context, user string) error {
	heads, err := d.queue.Head(ctx, user, 1)
	if err != nil || len(heads) == 0 {
		return err
	}
	item := heads[0]

	if time.Now().After(item.Deadline) {
		return d.queue.Remove(ctx, user, item)
	}

	req, ok := d.resolve(ctx, item)
	if !ok {
		// The original request context is gone (process restart, expired
		// side-channel); drop it rather than retrying forever.
		return d.queue.Remove(ctx, user, item)
	}
	req.AllowQueue = false // already queued; don't re-enqueue on denial

	decision, err := d.admitter.Admit(ctx, req)
	if err != nil {
		return err
	}

	switch decision.Kind {
	case admission.CallUpstream:
		if err := d.queue.Remove(ctx, user, item); err != nil {
			return err
		}
		d.dispatch(ctx, req, decision)
	case admission.ServeCached:
		// The fingerprint warmed while queued (prefetch or another caller);
		// nothing left to dispatch. Drop the item — its result was the
		// cache entry, not a direct response, but it is no longer pending.
		return d.queue.Remove(ctx, user, item)
	default:
		// Still denied; leave it in place and move to the next user.
	}
	return nil
}

func (d *Drainer) dispatch(ctx context.Context, req admission.Request, decision admission.Decision) {
	adapter, ok := d.registry.For(req.Provider)
	if !ok {
		d.logger.Error("queue drainer: no adapter registered", "provider", req.Provider)
		_ = d.admitter.Complete(ctx, decision.Lease, decision.Fingerprint, admission.Outcome{
			Kind: admission.AbortedBeforeDispatch, Provider: req.Provider, User: req.User, Cost: req.Cost,
		})
		return
	}

	result, err := adapter.Dispatch(ctx, req.Operation, req.Params)
	outcome := classify(req, result, err)
	if cErr := d.admitter.Complete(ctx, decision.Lease, decision.Fingerprint, outcome); cErr != nil {
		d.logger.Error("queue drainer: completing admission", "error", cErr)
	}
}

func classify(req admission.Request, result upstream.Result, err error) admission.Outcome {
	out := admission.Outcome{
		Provider:    req.Provider,
		User:        req.User,
		Cost:        req.Cost,
		CacheTTL:    req.CacheTTL,
		NegativeTTL: req.NegativeTTL,
	}
	switch {
	case err != nil && result.Throttled:
		out.Kind = admission.ProviderThrottled
	case err != nil:
		out.Kind = admission.ProviderError
	default:
		out.Kind = admission.Success
		out.Value = result.Payload
	}
	return out
}
