// Package storetest provides an in-process Redis double for tests across
// every package that depends on pkg/store, so each package's test file
// doesn't have to duplicate miniredis wiring.
package storetest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/meridianapi/gatekeeper/pkg/store"
)

// New starts a miniredis instance for the duration of the test and returns
// a Store backed by it.
func New(t *testing.T) store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewRedis(client)
}
