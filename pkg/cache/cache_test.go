package cache

import (
	"testing"
	"time"

	"github.com/meridianapi/gatekeeper/pkg/store/storetest"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

func TestLookupMiss(t *testing.T) {
	c := New(storetest.New(t))
	res, err := c.Lookup(t.Context(), tier.Video, "fp1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Hit {
		t.Error("expected a miss on an empty cache")
	}
}

func TestStoreThenLookupHit(t *testing.T) {
	c := New(storetest.New(t))
	ctx := t.Context()
	if err := c.Store(ctx, tier.Video, "fp1", "payload", time.Minute, false); err != nil {
		t.Fatalf("Store: %v", err)
	}
	res, err := c.Lookup(ctx, tier.Video, "fp1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !res.Hit || res.Value != "payload" || res.IsNegative {
		t.Errorf("expected a positive hit with payload, got %+v", res)
	}
}

func TestNegativeCacheEntry(t *testing.T) {
	c := New(storetest.New(t))
	ctx := t.Context()
	_ = c.Store(ctx, tier.Video, "fp1", "", time.Minute, true)
	res, err := c.Lookup(ctx, tier.Video, "fp1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !res.Hit || !res.IsNegative {
		t.Errorf("expected a negative hit, got %+v", res)
	}
}

func TestExpiredEntryIsTreatedAsMiss(t *testing.T) {
	c := New(storetest.New(t))
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	ctx := t.Context()
	if err := c.Store(ctx, tier.Video, "fp1", "payload", time.Minute, false); err != nil {
		t.Fatalf("Store: %v", err)
	}

	c.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	res, err := c.Lookup(ctx, tier.Video, "fp1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Hit {
		t.Error("entry past its app-level TTL should be treated as a miss")
	}
}

func TestStoreDeclinesStaleWrite(t *testing.T) {
	c := New(storetest.New(t))
	ctx := t.Context()

	fresh := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	c.now = func() time.Time { return fresh }
	if err := c.Store(ctx, tier.Video, "fp1", "fresh", time.Minute, false); err != nil {
		t.Fatalf("Store fresh: %v", err)
	}

	stale := fresh.Add(-30 * time.Second)
	c.now = func() time.Time { return stale }
	if err := c.Store(ctx, tier.Video, "fp1", "late", time.Minute, false); err != nil {
		t.Fatalf("Store stale: %v", err)
	}

	c.now = func() time.Time { return fresh }
	res, err := c.Lookup(ctx, tier.Video, "fp1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Value != "fresh" {
		t.Errorf("expected the fresher entry to survive a late stale write, got %q", res.Value)
	}
}

func TestInvalidateByPrefix(t *testing.T) {
	c := New(storetest.New(t))
	ctx := t.Context()
	_ = c.Store(ctx, tier.Video, "user1-a", "x", time.Minute, false)
	_ = c.Store(ctx, tier.Video, "user1-b", "y", time.Minute, false)
	_ = c.Store(ctx, tier.Video, "user2-a", "z", time.Minute, false)

	n, err := c.Invalidate(ctx, tier.Video, "user1")
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 entries invalidated, got %d", n)
	}

	res, _ := c.Lookup(ctx, tier.Video, "user2-a")
	if !res.Hit {
		t.Error("entries outside the prefix should survive invalidation")
	}
}
