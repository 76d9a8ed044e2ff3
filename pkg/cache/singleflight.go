package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/meridianapi/gatekeeper/pkg/store"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// BuildFunc computes a fresh response on a cache miss. It returns the
// serialized value to cache, or an error if the upstream call failed.
type BuildFunc func(ctx context.Context) (value string, err error)

// ExpiryPolicy controls what a waiter does when the lease it was polling
// for expires without a result landing in the cache.
type ExpiryPolicy int

const (
	// ProceedOnExpiry lets the waiter attempt its own build (default, per
	// the spec's race policy (a): the race is admissible).
	ProceedOnExpiry ExpiryPolicy = iota
	// RejectOnExpiry returns a Contention error instead.
	RejectOnExpiry
)

// SingleFlight layers an in-process golang.org/x/sync/singleflight.Group in
// front of the distributed, store-backed lease: goroutines racing for the
// same fingerprint within one process collapse to a single caller before
// any of them touches Redis, and that caller then runs the distributed
// protocol on everyone's behalf. Across processes the distributed lease
// remains the only source of truth.
type SingleFlight struct {
	cache     *Cache
	store     store.Store
	group     singleflight.Group
	leaseTTL  time.Duration
	pollSlack time.Duration
	pollEvery time.Duration
	policy    ExpiryPolicy
	negTTL    time.Duration
}

// Options configures a SingleFlight coordinator.
type Options struct {
	LeaseTTL       time.Duration
	PollSlack      time.Duration
	PollInterval   time.Duration
	OnExpiry       ExpiryPolicy
	NegativeTTL    time.Duration
}

func NewSingleFlight(c *Cache, s store.Store, opts Options) *SingleFlight {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Second
	}
	if opts.PollSlack <= 0 {
		opts.PollSlack = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = 5 * time.Second
	}
	return &SingleFlight{
		cache:     c,
		store:     s,
		leaseTTL:  opts.LeaseTTL,
		pollSlack: opts.PollSlack,
		pollEvery: opts.PollInterval,
		policy:    opts.OnExpiry,
		negTTL:    opts.NegativeTTL,
	}
}

// ErrContention is returned when RejectOnExpiry is configured and a waiter's
// poll window elapses without the builder finishing.
var ErrContention = fmt.Errorf("cache: contention: single-flight lease expired with no result")

func leaseKey(fingerprint string) string { return "lock:sf:" + fingerprint }

// Do implements the singleFlight contract from §4.4: lookup, then either
// build (lease acquired) or poll-and-wait (lease held elsewhere), with the
// configured race policy on poll timeout.
func (sf *SingleFlight) Do(ctx context.Context, p tier.Provider, fingerprint string, ttl time.Duration, build BuildFunc) (LookupResult, error) {
	groupKey := string(p) + ":" + fingerprint
	v, err, _ := sf.group.Do(groupKey, func() (any, error) {
		return sf.doDistributed(ctx, p, fingerprint, ttl, build)
	})
	if err != nil {
		return LookupResult{}, err
	}
	return v.(LookupResult), nil
}

func (sf *SingleFlight) doDistributed(ctx context.Context, p tier.Provider, fingerprint string, ttl time.Duration, build BuildFunc) (LookupResult, error) {
	if res, err := sf.cache.Lookup(ctx, p, fingerprint); err != nil {
		return LookupResult{}, err
	} else if res.Hit {
		return res, nil
	}

	holder := uuid.NewString()
	key := leaseKey(fingerprint)

	acquired, err := sf.store.AcquireLease(ctx, key, holder, sf.leaseTTL)
	if err != nil {
		return LookupResult{}, fmt.Errorf("cache: singleflight: acquiring lease: %w", err)
	}

	if acquired {
		return sf.build(ctx, p, fingerprint, ttl, key, holder, build)
	}

	return sf.waitForResult(ctx, p, fingerprint, ttl, build)
}

func (sf *SingleFlight) build(ctx context.Context, p tier.Provider, fingerprint string, ttl time.Duration, leaseKey, holder string, build BuildFunc) (LookupResult, error) {
	defer func() {
		_ = sf.store.ReleaseLease(context.WithoutCancel(ctx), leaseKey, holder)
	}()

	value, err := build(ctx)
	if err != nil {
		if sf.negTTL > 0 {
			_ = sf.cache.Store(context.WithoutCancel(ctx), p, fingerprint, "", sf.negTTL, true)
		}
		return LookupResult{}, err
	}

	if err := sf.cache.Store(ctx, p, fingerprint, value, ttl, false); err != nil {
		return LookupResult{}, err
	}

	return LookupResult{Hit: true, Value: value}, nil
}

// waitForResult polls the cache for the winning builder's result, bounded
// by lease_ttl + slack. On timeout it follows the configured expiry policy.
func (sf *SingleFlight) waitForResult(ctx context.Context, p tier.Provider, fingerprint string, ttl time.Duration, build BuildFunc) (LookupResult, error) {
	deadline := time.Now().Add(sf.leaseTTL + sf.pollSlack)
	ticker := time.NewTicker(sf.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return LookupResult{}, ctx.Err()
		case <-ticker.C:
			res, err := sf.cache.Lookup(ctx, p, fingerprint)
			if err != nil {
				return LookupResult{}, err
			}
			if res.Hit {
				return res, nil
			}
			if time.Now().After(deadline) {
				if sf.policy == RejectOnExpiry {
					return LookupResult{}, ErrContention
				}
				// Proceed: the stale holder's lease has expired by now, so
				// a fresh acquire attempt should succeed (or land us back
				// here if another waiter won the race instead).
				return sf.doDistributed(ctx, p, fingerprint, ttl, build)
			}
		}
	}
}
