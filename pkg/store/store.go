// Package store abstracts the shared key-value store (Redis in production)
// that owns all mutable state in the mediation core. No component keeps an
// authoritative in-memory copy of anything beyond a single request's
// lifetime; every composed atomic operation is expressed as a Lua script
// run against the store rather than assumed safe across round trips.
package store

import (
	"context"
	"time"
)

// ScoredMember is one entry of a sorted set, used by the sliding-window
// counter and the request queue.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the thin wrapper every component depends on instead of talking
// to Redis directly. Individual operations are atomic; composing more than
// one of them into a single invariant (admit, charge) is the caller's job,
// done via Eval rather than by chaining calls.
type Store interface {
	// Get returns the value at key, or ErrNotFound if absent; callers treat
	// ErrNotFound as a miss or a zero value.
	Get(ctx context.Context, key string) (string, error)

	// SetWithTTL writes value at key with an expiry. ttl <= 0 means no expiry.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// CompareAndDelete deletes key only if its current value equals expect.
	// Returns true if the delete happened.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	// IncrementBy atomically adds delta to the integer at key, creating it
	// at 0 first if absent, and returns the new value.
	IncrementBy(ctx context.Context, key string, delta int64) (int64, error)

	// Expire sets or refreshes a key's TTL without touching its value.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ExpireAt sets a key's absolute expiry, used for day-boundary quota
	// resets pinned to UTC midnight.
	ExpireAt(ctx context.Context, key string, at time.Time) error

	// AddToSortedSet adds member with score to the sorted set at key.
	AddToSortedSet(ctx context.Context, key string, member ScoredMember) error

	// CountInSortedSetRange counts members with score in [min, max).
	CountInSortedSetRange(ctx context.Context, key string, min, max float64) (int64, error)

	// TrimSortedSetBelow removes members with score < below.
	TrimSortedSetBelow(ctx context.Context, key string, below float64) error

	// RangeSortedSet returns up to limit members in [min, max] ordered by
	// score ascending, used by the queue scheduler to find the head entry.
	RangeSortedSet(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error)

	// RemoveFromSortedSet removes a specific member.
	RemoveFromSortedSet(ctx context.Context, key, member string) error

	// AcquireLease sets key=holder with NX+TTL semantics. Returns false if
	// another holder already has it.
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// ReleaseLease deletes key only if it is still held by holder (CAS).
	ReleaseLease(ctx context.Context, key, holder string) error

	// ScanKeys returns all keys matching prefix+"*". Used for invalidation
	// and queue/scheduler sweeps; not expected to be called on hot paths.
	ScanKeys(ctx context.Context, prefix string) ([]string, error)

	// Publish sends payload on channel.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe returns a channel of payloads published to channel. The
	// returned close func releases the subscription.
	Subscribe(ctx context.Context, channel string) (msgs <-chan string, closeFn func(), err error)

	// Eval runs a Lua script atomically against the store, the "script-like
	// unit of work" composed-atomicity primitive used by the rate counter
	// and quota ledger.
	Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error)

	// Ping checks store connectivity, used by the health endpoint.
	Ping(ctx context.Context) error
}

// Script is a named Lua script, pre-declared by callers so the Redis
// implementation can load it once and EVALSHA thereafter.
type Script struct {
	Name string
	Src  string
}
