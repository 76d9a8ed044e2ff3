// Package ratelimit implements the sliding-window request-rate counter (C2):
// per-(provider,user) admission bookkeeping backed by a Redis sorted set of
// request timestamps, trimmed and counted atomically via a Lua script so
// concurrent admits for the same key are serialized by the store rather than
// by any process-local lock.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianapi/gatekeeper/pkg/store"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// Result is the outcome of a single admit check, or a point-in-time read
// from Peek.
type Result struct {
	Allowed       bool
	RetryAfterSec int64
	Count         int64
	Limit         int64
	// ResetEpoch is when the window now in effect is guaranteed to have
	// drained, for rendering X-Rate-Limit-Reset.
	ResetEpoch int64
}

// Window is the sliding-window requests-per-minute counter; each
// (provider, user) pair has its own sorted set under rate:{provider}:{user}.
type Window struct {
	store  store.Store
	window time.Duration
}

// New creates a Window with the given rolling-window length (default 60s
// per the data model if w <= 0).
func New(s store.Store, w time.Duration) *Window {
	if w <= 0 {
		w = 60 * time.Second
	}
	return &Window{store: s, window: w}
}

func key(p tier.Provider, user string) string {
	return fmt.Sprintf("rate:%s:%s", p, user)
}

// admitScript trims entries at or before now-W, counts the survivors in
// (now-W, now], and — if under limit — admits the new entry, all atomically.
// KEYS[1] = rate key
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = rpm_limit, ARGV[4] = member id
var admitScript = &store.Script{
	Name: "ratelimit_admit",
	Src: `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

local cutoff = now - window
redis.call("ZREMRANGEBYSCORE", key, "-inf", cutoff)

local count = redis.call("ZCOUNT", key, "(" .. cutoff, now)

if count < limit then
	redis.call("ZADD", key, now, member)
	redis.call("PEXPIRE", key, window * 2)
	return {1, count + 1, 0}
end

local oldest = redis.call("ZRANGEBYSCORE", key, "(" .. cutoff, now, "LIMIT", 0, 1)
local retry_after = 0
if oldest[1] ~= nil then
	local oldest_score = redis.call("ZSCORE", key, oldest[1])
	retry_after = math.ceil((tonumber(oldest_score) + window - now) / 1000)
end

return {0, count, retry_after}`,
}

// Admit checks whether provider/user may make one more request within the
// rolling window, and if so, records it. An admit landing exactly on
// now-W is excluded from the count by the script's exclusive lower bound.
func (w *Window) Admit(ctx context.Context, p tier.Provider, user string, rpmLimit int64) (Result, error) {
	now := time.Now().UnixMilli()
	windowMs := w.window.Milliseconds()
	member := fmt.Sprintf("%d-%s", now, randSuffix())

	res, err := w.store.Eval(ctx, admitScript, []string{key(p, user)}, now, windowMs, rpmLimit, member)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: admit: %w", err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script result %#v", res)
	}

	allowed := asInt64(vals[0]) == 1
	count := asInt64(vals[1])
	retryAfter := asInt64(vals[2])

	return Result{
		Allowed:       allowed,
		Count:         count,
		Limit:         rpmLimit,
		RetryAfterSec: retryAfter,
		ResetEpoch:    time.Now().Add(w.window).Unix(),
	}, nil
}

// Peek reports the current count within the rolling window without
// admitting a new entry, used by C8 to render X-Rate-Limit-* headers on
// every response path, not just on denial.
func (w *Window) Peek(ctx context.Context, p tier.Provider, user string, rpmLimit int64) (Result, error) {
	now := time.Now().UnixMilli()
	windowMs := w.window.Milliseconds()
	cutoff := now - windowMs

	// Mirrors admitScript's ZCOUNT(key, "("..cutoff, now) — (cutoff, now] —
	// as a [cutoff+1, now+1) range over integer millisecond scores.
	count, err := w.store.CountInSortedSetRange(ctx, key(p, user), float64(cutoff+1), float64(now+1))
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: peek: %w", err)
	}

	return Result{
		Allowed:    count < rpmLimit,
		Count:      count,
		Limit:      rpmLimit,
		ResetEpoch: time.Now().Add(w.window).Unix(),
	}, nil
}

// randSuffix disambiguates timestamps that collide within the same
// millisecond so ZADD does not silently merge two distinct admits.
func randSuffix() string {
	return fmt.Sprintf("%d", seq.next())
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
