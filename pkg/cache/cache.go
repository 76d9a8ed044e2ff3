package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meridianapi/gatekeeper/pkg/store"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// LookupResult is the outcome of a cache lookup.
type LookupResult struct {
	Hit        bool
	Value      string
	IsNegative bool
	Age        time.Duration
}

// Cache is the content-keyed response cache (C4), minus the single-flight
// build coordination which lives in singleflight.go.
type Cache struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Cache {
	return &Cache{store: s, now: time.Now}
}

// Lookup returns a hit if a non-expired entry exists for fingerprint. An
// entry past its TTL is treated as a miss even if the store has not yet
// expired the physical key (clock skew between app and store TTL eviction).
func (c *Cache) Lookup(ctx context.Context, p tier.Provider, fingerprint string) (LookupResult, error) {
	raw, err := c.store.Get(ctx, CacheKey(p, fingerprint))
	if err != nil {
		if err == store.ErrNotFound {
			return LookupResult{}, nil
		}
		return LookupResult{}, fmt.Errorf("cache: lookup: %w", err)
	}

	encoded, err := decodeStoredValue(raw)
	if err != nil {
		return LookupResult{}, fmt.Errorf("cache: lookup: %w", err)
	}
	entry, err := decodeEntry(encoded)
	if err != nil {
		return LookupResult{}, fmt.Errorf("cache: lookup: decoding entry: %w", err)
	}

	now := c.now()
	if entry.Expired(now) {
		return LookupResult{}, nil
	}

	return LookupResult{
		Hit:        true,
		Value:      entry.Value,
		IsNegative: entry.IsNegative,
		Age:        entry.Age(now),
	}, nil
}

// storeScript writes payload at KEYS[1] unless the entry already there was
// stored more recently than ARGV[1] (stored_at, unix nanos) — a late
// completion whose lease expired after a fresher build already landed must
// not clobber it. The stored_at of the current value is carried as the
// digits before the first "|" in the payload format Store/decodeStoredValue
// share.
// KEYS[1] = cache key
// ARGV[1] = new stored_at (unix nanos), ARGV[2] = payload, ARGV[3] = ttl seconds (0 = none)
var storeScript = &store.Script{
	Name: "cache_store",
	Src: `
local key = KEYS[1]
local new_stored_at = tonumber(ARGV[1])
local payload = ARGV[2]
local ttl = tonumber(ARGV[3])

local current = redis.call("GET", key)
if current then
	local sep = string.find(current, "|", 1, true)
	if sep then
		local cur_stored_at = tonumber(string.sub(current, 1, sep - 1))
		if cur_stored_at and cur_stored_at > new_stored_at then
			return 0
		end
	end
end

if ttl > 0 then
	redis.call("SET", key, payload, "EX", ttl)
else
	redis.call("SET", key, payload)
end
return 1`,
}

// Store writes a cache entry with the given TTL, write-through, declining
// the write if a more recently stored entry is already there (§4.4 race
// policy: a late completion must never overwrite a newer result).
func (c *Cache) Store(ctx context.Context, p tier.Provider, fingerprint, value string, ttl time.Duration, isNegative bool) error {
	storedAt := c.now()
	entry := Entry{
		Value:         value,
		StoredAt:      storedAt,
		TTL:           ttl,
		Source:        "upstream",
		IsNegative:    isNegative,
		SchemaVersion: SchemaVersion,
	}
	encoded, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("cache: store: encoding entry: %w", err)
	}
	payload := encodeStoredValue(storedAt, encoded)

	var ttlSeconds int64
	if ttl > 0 {
		ttlSeconds = int64(ttl.Seconds())
		if ttlSeconds < 1 {
			ttlSeconds = 1
		}
	}

	if _, err := c.store.Eval(ctx, storeScript, []string{CacheKey(p, fingerprint)}, storedAt.UnixNano(), payload, ttlSeconds); err != nil {
		return fmt.Errorf("cache: store: %w", err)
	}
	return nil
}

// encodeStoredValue prefixes the encoded entry with its stored_at unix
// nanos so storeScript can compare recency without decoding JSON in Lua.
func encodeStoredValue(storedAt time.Time, encoded string) string {
	return strconv.FormatInt(storedAt.UnixNano(), 10) + "|" + encoded
}

// decodeStoredValue strips the stored_at prefix encodeStoredValue adds.
func decodeStoredValue(raw string) (string, error) {
	idx := strings.IndexByte(raw, '|')
	if idx < 0 {
		return "", fmt.Errorf("cache: malformed stored value: missing stored_at prefix")
	}
	return raw[idx+1:], nil
}

// Invalidate deletes every cache entry for provider whose fingerprint has
// the given prefix, e.g. clearing a user's chat-history cache on a new
// message. Uses the store's prefix scan; not meant for hot paths.
func (c *Cache) Invalidate(ctx context.Context, p tier.Provider, fingerprintPrefix string) (int, error) {
	prefix := CacheKey(p, fingerprintPrefix)
	keys, err := c.store.ScanKeys(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("cache: invalidate: scanning: %w", err)
	}
	n := 0
	for _, k := range keys {
		// CAS delete against the value just read; if the entry changed in
		// between, the delete does not happen and the entry is left alone.
		if _, err := c.store.CompareAndDelete(ctx, k, mustCurrentValue(ctx, c.store, k)); err == nil {
			n++
		}
	}
	return n, nil
}

// mustCurrentValue reads a key's value so Invalidate can issue a CAS delete
// through the same primitive every other deletion in this package uses,
// rather than adding a second, unguarded delete operation to the Store
// interface.
func mustCurrentValue(ctx context.Context, s store.Store, key string) string {
	v, err := s.Get(ctx, key)
	if err != nil {
		return ""
	}
	return v
}
