// Package prefetch implements the background recommendation-cache warmer
// (C7): on a sign-in trigger, a cache-near-expiry signal, or a periodic
// sweep, it warms recommendation fingerprints for active users through the
// same admission path every foreground request uses, guarded by a
// short-lived prefetch lease distinct from the single-flight lease so two
// prefetch sweeps never double-warm the same fingerprint.
package prefetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meridianapi/gatekeeper/pkg/admission"
	"github.com/meridianapi/gatekeeper/pkg/cache"
	"github.com/meridianapi/gatekeeper/pkg/store"
	"github.com/meridianapi/gatekeeper/pkg/upstream"
)

// Target is one recommendation fingerprint to warm for one user.
type Target struct {
	admission.Request
}

// ActiveUserSource supplies the set of users prefetch should warm on a
// sweep; an external collaborator (profile/session store) implements it.
type ActiveUserSource interface {
	ActiveTargets(ctx context.Context) ([]Target, error)
}

// Admitter is the subset of the coordinator prefetch needs.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (admission.Decision, error)
	Complete(ctx context.Context, lease, fingerprint string, outcome admission.Outcome) error
}

// Orchestrator runs the periodic sweep and handles ad hoc triggers (sign-in,
// cache-near-expiry) via Warm.
type Orchestrator struct {
	store      store.Store
	admitter   Admitter
	registry   *upstream.Registry
	source     ActiveUserSource
	logger     *slog.Logger
	interval   time.Duration
	leaseTTL   time.Duration
	concurrency int
}

type Options struct {
	Interval    time.Duration
	LeaseTTL    time.Duration
	Concurrency int
}

func NewOrchestrator(s store.Store, admitter Admitter, registry *upstream.Registry, source ActiveUserSource, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Orchestrator{
		store: s, admitter: admitter, registry: registry, source: source, logger: logger,
		interval: opts.Interval, leaseTTL: opts.LeaseTTL, concurrency: opts.Concurrency,
	}
}

func prefetchLeaseKey(fingerprint string) string { return "lock:pf:" + fingerprint }

// Run performs periodic sweeps until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("prefetch orchestrator started", "interval", o.interval)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("prefetch orchestrator stopped")
			return nil
		case <-ticker.C:
			if err := o.Sweep(ctx); err != nil {
				o.logger.Error("prefetch sweep", "error", err)
			}
		}
	}
}

// Sweep warms every target the active-user source reports, bounded to
// o.concurrency concurrent warms so a large active-user set cannot starve
// foreground admission traffic for store connections.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	targets, err := o.source.ActiveTargets(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for _, t := range targets {
		t := t
		g.Go(func() error {
			o.Warm(gctx, t)
			return nil
		})
	}
	return g.Wait()
}

// Warm attempts to warm a single target. Triggered directly by sign-in or
// cache-near-expiry events, or indirectly via Sweep.
func (o *Orchestrator) Warm(ctx context.Context, t Target) {
	req := t.Request
	req.Priority = 0
	req.AllowQueue = false // prefetch must never displace user-facing capacity

	fp := cache.Fingerprint(req.Provider, req.Operation, req.Params, req.VaryByTier, req.Tier)
	holder := uuid.NewString()
	key := prefetchLeaseKey(fp)

	acquired, err := o.store.AcquireLease(ctx, key, holder, o.leaseTTL)
	if err != nil {
		o.logger.Warn("prefetch: acquiring lease", "error", err)
		return
	}
	if !acquired {
		// Another prefetch sweep already owns this fingerprint; coexistence
		// with an in-flight single-flight build is safe because we would
		// simply observe the fresh cache entry on the next sweep.
		return
	}
	defer func() {
		if err := o.store.ReleaseLease(context.WithoutCancel(ctx), key, holder); err != nil {
			o.logger.Warn("prefetch: releasing lease", "error", err)
		}
	}()

	decision, err := o.admitter.Admit(ctx, req)
	if err != nil {
		o.logger.Warn("prefetch: admit", "error", err, "user", req.User, "provider", req.Provider)
		return
	}

	if decision.Kind != admission.CallUpstream {
		// Queue/Reject/already-cached: drop silently, per §4.7.
		return
	}

	adapter, ok := o.registry.For(req.Provider)
	if !ok {
		_ = o.admitter.Complete(ctx, decision.Lease, decision.Fingerprint, admission.Outcome{
			Kind: admission.AbortedBeforeDispatch, Provider: req.Provider, User: req.User, Cost: req.Cost,
		})
		return
	}

	result, dispatchErr := adapter.Dispatch(ctx, req.Operation, req.Params)
	outcome := admission.Outcome{Provider: req.Provider, User: req.User, Cost: req.Cost, CacheTTL: req.CacheTTL, NegativeTTL: req.NegativeTTL}
	switch {
	case dispatchErr != nil && result.Throttled:
		outcome.Kind = admission.ProviderThrottled
	case dispatchErr != nil:
		outcome.Kind = admission.ProviderError
	default:
		outcome.Kind = admission.Success
		outcome.Value = result.Payload
	}

	if err := o.admitter.Complete(ctx, decision.Lease, decision.Fingerprint, outcome); err != nil {
		o.logger.Warn("prefetch: completing admission", "error", err)
	}
}
