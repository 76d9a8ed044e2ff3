package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianapi/gatekeeper/pkg/store"
)

// pendingKey namespaces the side-channel record a queued item's id maps to.
// The queue (C6) only persists (user, priority, enqueued_at, deadline) in
// its sorted-set member; the full Request the drainer needs to re-run Admit
// rides alongside in the store instead, keyed by the same id.
func pendingKey(id string) string { return "pending:" + id }

func storePending(ctx context.Context, s store.Store, id string, req Request, ttl time.Duration) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("admission: marshaling pending request: %w", err)
	}
	return s.SetWithTTL(ctx, pendingKey(id), string(payload), ttl)
}

// LoadPending recovers the Request stored for a queued item's id. It returns
// ok=false if the record is missing or expired (process restart, deadline
// long past) rather than erroring — callers should drop the item in that
// case, per the drainer's ResolveFunc contract.
func LoadPending(ctx context.Context, s store.Store, id string) (Request, bool, error) {
	raw, err := s.Get(ctx, pendingKey(id))
	if err != nil {
		if err == store.ErrNotFound {
			return Request{}, false, nil
		}
		return Request{}, false, fmt.Errorf("admission: loading pending request: %w", err)
	}
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return Request{}, false, fmt.Errorf("admission: unmarshaling pending request: %w", err)
	}
	return req, true, nil
}
