package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridianapi/gatekeeper/pkg/store/storetest"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

func TestSingleFlightCollapsesConcurrentCallers(t *testing.T) {
	s := storetest.New(t)
	c := New(s)
	sf := NewSingleFlight(c, s, Options{
		LeaseTTL:     time.Second,
		PollInterval: 5 * time.Millisecond,
	})

	var builds int32
	build := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&builds, 1)
		time.Sleep(50 * time.Millisecond)
		return "built-value", nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]LookupResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := sf.Do(context.Background(), tier.Video, "fp-collapse", time.Minute, build)
			results[i] = res
			errs[i] = err
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&builds); got != 1 {
		t.Errorf("expected exactly 1 build across %d concurrent callers, got %d", callers, got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error %v", i, errs[i])
		}
		if !results[i].Hit || results[i].Value != "built-value" {
			t.Errorf("caller %d: expected a hit with built-value, got %+v", i, results[i])
		}
	}
}

func TestSingleFlightReturnsCacheHitWithoutBuilding(t *testing.T) {
	s := storetest.New(t)
	c := New(s)
	sf := NewSingleFlight(c, s, Options{})

	if err := c.Store(context.Background(), tier.Video, "fp-hit", "precomputed", time.Minute, false); err != nil {
		t.Fatalf("Store: %v", err)
	}

	called := false
	build := func(ctx context.Context) (string, error) {
		called = true
		return "should-not-happen", nil
	}

	res, err := sf.Do(context.Background(), tier.Video, "fp-hit", time.Minute, build)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if called {
		t.Error("build should not run when the entry is already cached")
	}
	if res.Value != "precomputed" {
		t.Errorf("expected precomputed, got %q", res.Value)
	}
}

func TestSingleFlightBuildErrorStoresNegativeEntry(t *testing.T) {
	s := storetest.New(t)
	c := New(s)
	sf := NewSingleFlight(c, s, Options{NegativeTTL: time.Minute})

	buildErr := fmt.Errorf("upstream exploded")
	build := func(ctx context.Context) (string, error) {
		return "", buildErr
	}

	_, err := sf.Do(context.Background(), tier.Video, "fp-err", time.Minute, build)
	if err != buildErr {
		t.Fatalf("expected the build error to propagate, got %v", err)
	}

	res, lookupErr := c.Lookup(context.Background(), tier.Video, "fp-err")
	if lookupErr != nil {
		t.Fatalf("Lookup: %v", lookupErr)
	}
	if !res.Hit || !res.IsNegative {
		t.Errorf("expected a negative cache entry after a failed build, got %+v", res)
	}
}

func TestSingleFlightWaiterObservesWinnersResult(t *testing.T) {
	s := storetest.New(t)
	c := New(s)

	// Simulate a second process racing for the same fingerprint: acquire the
	// distributed lease directly, bypassing the in-process group, so the
	// waiter under test actually exercises waitForResult instead of
	// collapsing via the local singleflight.Group.
	holder := "other-process"
	ok, err := s.AcquireLease(context.Background(), leaseKey("fp-wait"), holder, 200*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("setup: AcquireLease: ok=%v err=%v", ok, err)
	}

	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = c.Store(context.Background(), tier.Video, "fp-wait", "winner-value", time.Minute, false)
		_ = s.ReleaseLease(context.Background(), leaseKey("fp-wait"), holder)
	}()

	sf := NewSingleFlight(c, s, Options{
		LeaseTTL:     200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	build := func(ctx context.Context) (string, error) {
		t.Error("waiter should not run its own build when the winner finishes in time")
		return "", nil
	}

	res, err := sf.Do(context.Background(), tier.Video, "fp-wait", time.Minute, build)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.Value != "winner-value" {
		t.Errorf("expected to observe the winner's value, got %q", res.Value)
	}
}
