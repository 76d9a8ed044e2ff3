// Package quota implements the per-(provider,user,day) cost ledger (C3).
// Charges are atomic read-check-increment units run as a Lua script so two
// concurrent charges for the same key are serialized by the store; the
// ledger never issues partial charges and never rewrites used at the day
// boundary — it only ever lets the key expire and starts fresh at 0.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianapi/gatekeeper/pkg/kinderr"
	"github.com/meridianapi/gatekeeper/pkg/store"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// Result is the outcome of a single charge attempt.
type Result struct {
	Charged    bool
	Current    int64
	Cap        int64
	ResetEpoch int64
}

// Ledger tracks daily quota usage per (provider, user).
type Ledger struct {
	store store.Store
	// now is overridable in tests so day-boundary behavior can be exercised
	// deterministically.
	now func() time.Time
}

func New(s store.Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

func dayKey(p tier.Provider, user string, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%s", p, user, day.UTC().Format("20060102"))
}

func nextMidnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// chargeScript reads the current usage, refuses if it would exceed cap, and
// otherwise increments it — all atomically so no two concurrent charges can
// jointly overshoot cap. The TTL is set only on the first write of the day
// (oldval absent) so later charges never push the reset clock forward,
// preserving "resets at day boundary... never by rewrite".
// KEYS[1] = quota key
// ARGV[1] = cost, ARGV[2] = cap, ARGV[3] = expire-at unix seconds
var chargeScript = &store.Script{
	Name: "quota_charge",
	Src: `
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local expire_at = tonumber(ARGV[3])

local raw = redis.call("GET", key)
local used = 0
local existed = raw ~= false
if existed then
	used = tonumber(raw)
end

if used + cost > cap then
	return {0, used}
end

local newval = redis.call("INCRBY", key, cost)
if not existed then
	redis.call("EXPIREAT", key, expire_at)
end

return {1, newval}`,
}

// Charge attempts to debit cost units from provider/user's bucket for today,
// checked against cap. cost must be positive.
func (l *Ledger) Charge(ctx context.Context, p tier.Provider, user string, cost int64, cap int64) (Result, error) {
	if cost <= 0 {
		return Result{}, kinderr.New(kinderr.UnknownOperation, "quota: cost must be positive")
	}

	now := l.now()
	reset := nextMidnightUTC(now)
	key := dayKey(p, user, now)

	res, err := l.store.Eval(ctx, chargeScript, []string{key}, cost, cap, reset.Unix())
	if err != nil {
		return Result{}, fmt.Errorf("quota: charge: %w", err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("quota: unexpected script result %#v", res)
	}

	charged := asInt64(vals[0]) == 1
	current := asInt64(vals[1])

	return Result{
		Charged:    charged,
		Current:    current,
		Cap:        cap,
		ResetEpoch: reset.Unix(),
	}, nil
}

// Compensate issues a best-effort compensating decrement when an admitted
// charge is aborted before dispatch. Failure is logged by the caller and
// never retried — a failed compensation leaves an overcount, which is never
// a safety violation, only a slightly stricter budget for the rest of the
// day.
func (l *Ledger) Compensate(ctx context.Context, p tier.Provider, user string, cost int64) error {
	if cost <= 0 {
		return nil
	}
	key := dayKey(p, user, l.now())
	if _, err := l.store.IncrementBy(ctx, key, -cost); err != nil {
		return fmt.Errorf("quota: compensate: %w", err)
	}
	return nil
}

// Peek reads current usage without charging, used by C5's quota-wins
// tie-break to check the quota without side effects.
func (l *Ledger) Peek(ctx context.Context, p tier.Provider, user string, cap int64) (Result, error) {
	now := l.now()
	key := dayKey(p, user, now)
	v, err := l.store.Get(ctx, key)
	if err != nil {
		if err == store.ErrNotFound {
			return Result{Current: 0, Cap: cap, ResetEpoch: nextMidnightUTC(now).Unix()}, nil
		}
		return Result{}, fmt.Errorf("quota: peek: %w", err)
	}
	var current int64
	_, scanErr := fmt.Sscanf(v, "%d", &current)
	if scanErr != nil {
		return Result{}, fmt.Errorf("quota: peek: parsing stored value: %w", scanErr)
	}
	return Result{Current: current, Cap: cap, ResetEpoch: nextMidnightUTC(now).Unix()}, nil
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
