package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// SchemaVersion is bumped whenever the serialized response shape changes, so
// format migrations invalidate every existing fingerprint automatically
// rather than serving stale-shaped payloads from before the bump.
const SchemaVersion = "v1"

// Fingerprint deterministically hashes (provider, operation, normalized
// params, tier-if-response-varies-by-tier, schema version) into the cache
// key. Param keys are lower-cased and sorted so callers never need to agree
// on map iteration order or casing.
func Fingerprint(p tier.Provider, op tier.Operation, params map[string]string, varyByTier bool, t tier.Tier) string {
	var b strings.Builder
	b.WriteString(string(p))
	b.WriteByte('|')
	b.WriteString(string(op))
	b.WriteByte('|')

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, strings.ToLower(k))
	}
	sort.Strings(keys)
	normalized := make(map[string]string, len(params))
	for k, v := range params {
		normalized[strings.ToLower(k)] = v
	}
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(normalized[k])
	}
	b.WriteByte('|')
	if varyByTier {
		b.WriteString(string(t))
	}
	b.WriteByte('|')
	b.WriteString(SchemaVersion)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// CacheKey builds the storage key for a fingerprint under a provider
// namespace, matching the `cache:{provider}:{fingerprint}` layout from §6.
func CacheKey(p tier.Provider, fingerprint string) string {
	return "cache:" + string(p) + ":" + fingerprint
}
