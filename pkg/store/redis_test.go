package store_test

import (
	"testing"
	"time"

	"github.com/meridianapi/gatekeeper/pkg/store"
	"github.com/meridianapi/gatekeeper/pkg/store/storetest"
)

func TestGetMissReturnsErrNotFound(t *testing.T) {
	s := storetest.New(t)
	_, err := s.Get(t.Context(), "missing")
	if err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetWithTTLThenGet(t *testing.T) {
	s := storetest.New(t)
	if err := s.SetWithTTL(t.Context(), "k", "v", time.Minute); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	got, err := s.Get(t.Context(), "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "v" {
		t.Errorf("expected v, got %q", got)
	}
}

func TestCompareAndDeleteRequiresMatch(t *testing.T) {
	s := storetest.New(t)
	_ = s.SetWithTTL(t.Context(), "k", "v1", time.Minute)

	ok, err := s.CompareAndDelete(t.Context(), "k", "v2")
	if err != nil {
		t.Fatalf("CompareAndDelete: %v", err)
	}
	if ok {
		t.Error("expected CompareAndDelete to reject a mismatched expectation")
	}

	ok, err = s.CompareAndDelete(t.Context(), "k", "v1")
	if err != nil {
		t.Fatalf("CompareAndDelete: %v", err)
	}
	if !ok {
		t.Error("expected CompareAndDelete to succeed on a matching expectation")
	}
	if _, err := s.Get(t.Context(), "k"); err != store.ErrNotFound {
		t.Error("expected key to be gone after CompareAndDelete")
	}
}

func TestAcquireLeaseIsExclusive(t *testing.T) {
	s := storetest.New(t)

	ok, err := s.AcquireLease(t.Context(), "lock:x", "holder-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first AcquireLease should succeed: ok=%v err=%v", ok, err)
	}

	ok, err = s.AcquireLease(t.Context(), "lock:x", "holder-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if ok {
		t.Error("second AcquireLease should fail while the first lease is held")
	}
}

func TestReleaseLeaseRequiresHolderMatch(t *testing.T) {
	s := storetest.New(t)
	_, _ = s.AcquireLease(t.Context(), "lock:x", "holder-a", time.Minute)

	if err := s.ReleaseLease(t.Context(), "lock:x", "holder-b"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	ok, _ := s.AcquireLease(t.Context(), "lock:x", "holder-c", time.Minute)
	if ok {
		t.Error("lease should still be held after a non-matching ReleaseLease")
	}
}

func TestSortedSetRangeAndTrim(t *testing.T) {
	s := storetest.New(t)
	ctx := t.Context()
	_ = s.AddToSortedSet(ctx, "zs", store.ScoredMember{Member: "a", Score: 1})
	_ = s.AddToSortedSet(ctx, "zs", store.ScoredMember{Member: "b", Score: 2})
	_ = s.AddToSortedSet(ctx, "zs", store.ScoredMember{Member: "c", Score: 3})

	n, err := s.CountInSortedSetRange(ctx, "zs", 0, 10)
	if err != nil || n != 3 {
		t.Fatalf("expected count 3, got %d err=%v", n, err)
	}

	if err := s.TrimSortedSetBelow(ctx, "zs", 2); err != nil {
		t.Fatalf("TrimSortedSetBelow: %v", err)
	}
	n, _ = s.CountInSortedSetRange(ctx, "zs", 0, 10)
	if n != 2 {
		t.Errorf("expected 2 members after trim, got %d", n)
	}
}

func TestPublishSubscribe(t *testing.T) {
	s := storetest.New(t)
	ctx := t.Context()

	msgs, closeFn, err := s.Subscribe(ctx, "ch")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer closeFn()

	if err := s.Publish(ctx, "ch", "hello"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-msgs:
		if got != "hello" {
			t.Errorf("expected hello, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestPing(t *testing.T) {
	s := storetest.New(t)
	if err := s.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
