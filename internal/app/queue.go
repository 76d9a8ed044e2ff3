package app

import (
	"context"
	"log/slog"

	"github.com/meridianapi/gatekeeper/internal/config"
	"github.com/meridianapi/gatekeeper/pkg/admission"
	"github.com/meridianapi/gatekeeper/pkg/queue"
	"github.com/meridianapi/gatekeeper/pkg/store"
	"github.com/meridianapi/gatekeeper/pkg/upstream"
)

// queueForConfig builds C6 with a fixed per-user depth cap from config.
// The cap is the same for every tier: the configuration document carries a
// single queue.max_depth_per_user value.
func queueForConfig(s store.Store, cfg *config.Config) *queue.Queue {
	maxDepth := func(user string) int { return cfg.Queue.MaxDepthPerUser }
	return queue.NewQueue(s, maxDepth, nil)
}

// queueDrainer wires C6's scheduler to C5, resolving each queued item's full
// admission.Request from the pending-request side-channel C5 wrote at
// enqueue time.
func queueDrainer(s store.Store, q *queue.Queue, coordinator *admission.Coordinator, registry *upstream.Registry, cfg *config.Config, logger *slog.Logger) *queue.Drainer {
	resolve := func(ctx context.Context, item queue.Item) (admission.Request, bool) {
		req, ok, err := admission.LoadPending(ctx, s, item.ID)
		if err != nil {
			logger.Error("queue drainer: resolving pending request", "error", err, "item", item.ID)
			return admission.Request{}, false
		}
		return req, ok
	}
	return queue.NewDrainer(q, coordinator, registry, resolve, logger, cfg.Queue.DrainInterval())
}
