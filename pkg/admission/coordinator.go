package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridianapi/gatekeeper/pkg/cache"
	"github.com/meridianapi/gatekeeper/pkg/kinderr"
	"github.com/meridianapi/gatekeeper/pkg/quota"
	"github.com/meridianapi/gatekeeper/pkg/ratelimit"
	"github.com/meridianapi/gatekeeper/pkg/store"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// Enqueuer is the minimal surface Admit needs from the request queue (C6).
// admission never imports the queue package directly — the queue package
// imports admission for the Request/Decision types and implements this
// interface, the same cyclic-reference break the design notes apply to C9.
type Enqueuer interface {
	Enqueue(ctx context.Context, user string, priority int, deadline time.Time) (id string, position int, etaSec int64, full bool, err error)
}

// Options configures a Coordinator.
type Options struct {
	LeaseTTL              time.Duration
	PollSlack             time.Duration
	PollInterval          time.Duration
	OnExpiry              cache.ExpiryPolicy
	CacheHitsCountAgainst bool // default false: cache hits bypass the rate counter
	CooldownFactor        float64
	CooldownWindow        time.Duration
}

// Coordinator composes C2, C3, and C4 into the single admission decision
// described in §4.5.
type Coordinator struct {
	store    store.Store
	cache    *cache.Cache
	window   *ratelimit.Window
	ledger   *quota.Ledger
	enqueuer Enqueuer
	logger   *slog.Logger
	opts     Options
}

func New(s store.Store, c *cache.Cache, w *ratelimit.Window, l *quota.Ledger, enq Enqueuer, logger *slog.Logger, opts Options) *Coordinator {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Second
	}
	if opts.PollSlack <= 0 {
		opts.PollSlack = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	if opts.CooldownFactor <= 0 {
		opts.CooldownFactor = 0.5
	}
	if opts.CooldownWindow <= 0 {
		opts.CooldownWindow = 5 * time.Minute
	}
	return &Coordinator{store: s, cache: c, window: w, ledger: l, enqueuer: enq, logger: logger, opts: opts}
}

func leaseKey(fingerprint string) string { return "lock:sf:" + fingerprint }
func cooldownKey(p tier.Provider) string { return "cooldown:" + string(p) }

// Admit runs the Received → Checked-Cache → (single-flight) → Rate-Checked →
// Quota-Checked state machine and returns a terminal (for this call)
// Decision. Rate and quota are only ever checked by the caller that wins the
// single-flight lease for fp — every other concurrent caller for the same
// fingerprint waits on the lease and observes the winner's cache write
// instead of re-running its own checks, so N concurrent callers for one
// fingerprint charge quota at most once (§8 scenario 2).
func (c *Coordinator) Admit(ctx context.Context, req Request) (Decision, error) {
	fp := cache.Fingerprint(req.Provider, req.Operation, req.Params, req.VaryByTier, req.Tier)

	// Checked-Cache.
	lookup, err := c.cache.Lookup(ctx, req.Provider, fp)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: cache lookup: %w", err)
	}
	if lookup.Hit && !lookup.IsNegative {
		if c.opts.CacheHitsCountAgainst {
			rpmLimit, err := c.effectiveRPMLimit(ctx, req.Provider, req.RPMLimit)
			if err != nil {
				return Decision{}, err
			}
			rateRes, err := c.window.Admit(ctx, req.Provider, req.User, rpmLimit)
			if err != nil {
				return Decision{}, fmt.Errorf("admission: rate admit: %w", err)
			}
			if !rateRes.Allowed {
				return c.rejectOrQueue(ctx, req, rateRes)
			}
		}
		return c.withRateStatus(ctx, req, Decision{Kind: ServeCached, CachedValue: lookup.Value, Fingerprint: fp}), nil
	}
	negativeRetryCandidate := lookup.Hit && lookup.IsNegative

	dec, err := c.acquireOrWait(ctx, req, fp, negativeRetryCandidate)
	if err != nil {
		return Decision{}, err
	}
	if dec.Kind == Reject {
		return dec, nil
	}
	return c.withRateStatus(ctx, req, dec), nil
}

// withRateStatus attaches the caller's current rate-window standing to any
// non-Reject decision — ServeCached, CallUpstream, and Queue all carry it so
// C8 can render X-Rate-Limit-* headers on every response, not only denials
// (a Reject decision already carries the values specific to whichever check
// denied it). A failure to peek is not fatal to the decision itself; the
// headers are simply left unset.
func (c *Coordinator) withRateStatus(ctx context.Context, req Request, dec Decision) Decision {
	rpmLimit, err := c.effectiveRPMLimit(ctx, req.Provider, req.RPMLimit)
	if err != nil {
		return dec
	}
	peek, err := c.window.Peek(ctx, req.Provider, req.User, rpmLimit)
	if err != nil {
		return dec
	}
	dec.CurrentUsage = peek.Count
	dec.Limit = peek.Limit
	dec.ResetEpoch = peek.ResetEpoch
	return dec
}

// gate runs the Rate-Checked and Quota-Checked steps. Called only by the
// caller that just won the single-flight lease for fp. A non-nil Decision
// means the lease winner must not dispatch — the caller is responsible for
// releasing the lease before returning it, since no Complete call follows.
func (c *Coordinator) gate(ctx context.Context, req Request, fp string) (*Decision, error) {
	rpmLimit, err := c.effectiveRPMLimit(ctx, req.Provider, req.RPMLimit)
	if err != nil {
		return nil, err
	}
	rateRes, err := c.window.Admit(ctx, req.Provider, req.User, rpmLimit)
	if err != nil {
		return nil, fmt.Errorf("admission: rate admit: %w", err)
	}
	if !rateRes.Allowed {
		decision, err := c.rejectOrQueue(ctx, req, rateRes)
		if err != nil {
			return nil, err
		}
		return &decision, nil
	}

	chargeRes, err := c.ledger.Charge(ctx, req.Provider, req.User, req.Cost, req.DailyCap)
	if err != nil {
		return nil, fmt.Errorf("admission: quota charge: %w", err)
	}
	if !chargeRes.Charged {
		return &Decision{
			Kind:         Reject,
			RejectKind:   kinderr.QuotaDenied,
			ResetEpoch:   chargeRes.ResetEpoch,
			CurrentUsage: chargeRes.Current,
			Limit:        chargeRes.Cap,
			Fingerprint:  fp,
		}, nil
	}

	return nil, nil
}

// rejectOrQueue implements: rate denied → queue if allowed and has room,
// else reject, with the quota-wins tie-break when quota would also deny.
func (c *Coordinator) rejectOrQueue(ctx context.Context, req Request, rateRes ratelimit.Result) (Decision, error) {
	if req.AllowQueue && c.enqueuer != nil {
		id, pos, eta, full, err := c.enqueuer.Enqueue(ctx, req.User, req.Priority, req.Deadline)
		if err != nil {
			return Decision{}, fmt.Errorf("admission: enqueue: %w", err)
		}
		if !full {
			ttl := time.Until(req.Deadline) + c.opts.PollSlack
			if ttl <= 0 {
				ttl = c.opts.LeaseTTL
			}
			if err := storePending(ctx, c.store, id, req, ttl); err != nil {
				c.logger.Warn("admission: storing pending request", "error", err, "item", id)
			}
			return Decision{Kind: Queue, QueuePosition: pos, EstimatedWaitSec: eta}, nil
		}
		return Decision{Kind: Reject, RejectKind: kinderr.QueueFull}, nil
	}

	// Tie-break: if quota would also deny, surface quota instead — it is
	// the longer-scale limit and its reset time is more actionable.
	peek, err := c.ledger.Peek(ctx, req.Provider, req.User, req.DailyCap)
	if err == nil && peek.Current+req.Cost > peek.Cap {
		return Decision{
			Kind:         Reject,
			RejectKind:   kinderr.QuotaDenied,
			ResetEpoch:   peek.ResetEpoch,
			CurrentUsage: peek.Current,
			Limit:        peek.Cap,
		}, nil
	}

	return Decision{
		Kind:          Reject,
		RejectKind:    kinderr.RateDenied,
		RetryAfterSec: rateRes.RetryAfterSec,
		CurrentUsage:  rateRes.Count,
		Limit:         rateRes.Limit,
		ResetEpoch:    rateRes.ResetEpoch,
	}, nil
}

// acquireOrWait implements step 4: acquire the single-flight lease, or poll
// for a winner's result, with the configured expiry race policy. skipGate
// carries forward the negative-cache-retry exemption from Admit: a retry of
// an already negative-cached fingerprint re-dispatches without re-spending
// rate/quota budget.
func (c *Coordinator) acquireOrWait(ctx context.Context, req Request, fp string, skipGate bool) (Decision, error) {
	holder := uuid.NewString()
	key := leaseKey(fp)

	acquired, err := c.store.AcquireLease(ctx, key, holder, c.opts.LeaseTTL)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: acquiring lease: %w", err)
	}
	if acquired {
		if !skipGate {
			denied, err := c.gate(ctx, req, fp)
			if err != nil {
				c.releaseLease(ctx, fp, holder)
				return Decision{}, err
			}
			if denied != nil {
				c.releaseLease(ctx, fp, holder)
				return *denied, nil
			}
		}
		return Decision{Kind: CallUpstream, Lease: holder, Fingerprint: fp}, nil
	}

	deadline := time.Now().Add(c.opts.LeaseTTL + c.opts.PollSlack)
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-ticker.C:
			lookup, err := c.cache.Lookup(ctx, req.Provider, fp)
			if err != nil {
				return Decision{}, fmt.Errorf("admission: polling cache: %w", err)
			}
			if lookup.Hit {
				return Decision{Kind: ServeCached, CachedValue: lookup.Value, IsNegative: lookup.IsNegative, Fingerprint: fp}, nil
			}
			if time.Now().After(deadline) {
				if c.opts.OnExpiry == cache.RejectOnExpiry {
					return Decision{}, cache.ErrContention
				}
				return c.acquireOrWait(ctx, req, fp, skipGate)
			}
		}
	}
}

// releaseLease releases a lease this call acquired but will not be
// dispatching for (gate denied it), so a waiter currently polling for this
// fingerprint's result can acquire it instead of waiting out the full TTL.
func (c *Coordinator) releaseLease(ctx context.Context, fp, holder string) {
	if err := c.store.ReleaseLease(context.WithoutCancel(ctx), leaseKey(fp), holder); err != nil {
		c.logger.Warn("admission: releasing lease after gate denial", "error", err, "fingerprint", fp)
	}
}

// Complete reports the outcome of a dispatched upstream call back to the
// coordinator, releasing the lease and updating cache/quota as §4.5
// specifies per outcome kind.
func (c *Coordinator) Complete(ctx context.Context, lease string, fp string, outcome Outcome) error {
	defer func() {
		if err := c.store.ReleaseLease(context.WithoutCancel(ctx), leaseKey(fp), lease); err != nil {
			c.logger.Warn("admission: releasing lease", "error", err, "fingerprint", fp)
		}
	}()

	switch outcome.Kind {
	case Success:
		if err := c.cache.Store(ctx, outcome.Provider, fp, outcome.Value, outcome.CacheTTL, false); err != nil {
			return fmt.Errorf("admission: storing result: %w", err)
		}
		return nil

	case ProviderError:
		if outcome.NegativeTTL > 0 {
			if err := c.cache.Store(ctx, outcome.Provider, fp, "", outcome.NegativeTTL, true); err != nil {
				c.logger.Warn("admission: negative-caching provider error", "error", err)
			}
		}
		return nil

	case ProviderThrottled:
		if err := c.applyCooldown(ctx, outcome.Provider); err != nil {
			c.logger.Warn("admission: applying cooldown", "error", err)
		}
		if err := c.cache.Store(ctx, outcome.Provider, fp, "", outcome.NegativeTTL, true); err != nil {
			c.logger.Warn("admission: negative-caching throttle", "error", err)
		}
		return nil

	case AbortedBeforeDispatch:
		if err := c.ledger.Compensate(ctx, outcome.Provider, outcome.User, outcome.Cost); err != nil {
			c.logger.Warn("admission: compensating aborted charge", "error", err)
		}
		return nil

	default:
		return fmt.Errorf("admission: unknown outcome kind %d", outcome.Kind)
	}
}

// applyCooldown records a provider-wide effective-cap shrink for the
// configured window, consulted by effectiveRPMLimit on the next admit.
func (c *Coordinator) applyCooldown(ctx context.Context, p tier.Provider) error {
	until := time.Now().Add(c.opts.CooldownWindow).Unix()
	payload := fmt.Sprintf("%f|%d", c.opts.CooldownFactor, until)
	return c.store.SetWithTTL(ctx, cooldownKey(p), payload, c.opts.CooldownWindow)
}

// effectiveRPMLimit shrinks baseLimit by the active cooldown factor, if any.
func (c *Coordinator) effectiveRPMLimit(ctx context.Context, p tier.Provider, baseLimit int64) (int64, error) {
	raw, err := c.store.Get(ctx, cooldownKey(p))
	if err != nil {
		if err == store.ErrNotFound {
			return baseLimit, nil
		}
		return 0, fmt.Errorf("admission: reading cooldown: %w", err)
	}

	var factor float64
	var until int64
	if _, scanErr := fmt.Sscanf(raw, "%f|%d", &factor, &until); scanErr != nil || factor <= 0 || factor >= 1 {
		return baseLimit, nil
	}
	shrunk := int64(float64(baseLimit) * factor)
	if shrunk < 1 {
		shrunk = 1
	}
	return shrunk, nil
}
