// Package queue implements the bounded per-user priority request queue
// (C6): a sorted set per user ordered by (priority desc, enqueued_at asc),
// drained by a round-robin scheduler that re-asks the admission coordinator
// for each head entry.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianapi/gatekeeper/pkg/store"
)

// Item is a deferred call waiting for capacity.
type Item struct {
	ID         string
	User       string
	Priority   int
	EnqueuedAt time.Time
	Deadline   time.Time
}

// Queue is a bounded per-user priority queue backed by one Redis sorted set
// per user (`queue:{user}`).
type Queue struct {
	store       store.Store
	maxDepth    func(user string) int
	rpmHeadroom func(ctx context.Context, user string) (int64, error)
}

// NewQueue creates a Queue. maxDepth resolves a user's tier-specific queue
// depth cap; rpmHeadroom estimates remaining rate-limit capacity for the
// user, used to derive estimated wait time independent of queue length.
func NewQueue(s store.Store, maxDepth func(user string) int, rpmHeadroom func(ctx context.Context, user string) (int64, error)) *Queue {
	return &Queue{store: s, maxDepth: maxDepth, rpmHeadroom: rpmHeadroom}
}

func queueKey(user string) string { return "queue:" + user }

// score encodes (priority desc, enqueued_at asc) into a single float64:
// higher priority must sort first, so it is negated and given a coarse
// weight far larger than any plausible enqueued_at spread, then the
// timestamp breaks ties in ascending (FIFO) order.
func score(priority int, enqueuedAt time.Time) float64 {
	const priorityWeight = 1e15
	return -(float64(priority) * priorityWeight) + float64(enqueuedAt.UnixMilli())
}

// Enqueue implements admission.Enqueuer. It fails with full=true if the
// user's queue is already at its tier-specific depth cap. The returned id
// identifies this item for later lookup (the caller uses it as the key for
// the pending-request side-channel the drainer reads back from).
func (q *Queue) Enqueue(ctx context.Context, user string, priority int, deadline time.Time) (id string, position int, etaSec int64, full bool, err error) {
	key := queueKey(user)

	depth, err := q.store.CountInSortedSetRange(ctx, key, -1e18, 1e18)
	if err != nil {
		return "", 0, 0, false, fmt.Errorf("queue: counting depth: %w", err)
	}
	if int(depth) >= q.maxDepth(user) {
		return "", 0, 0, true, nil
	}

	now := time.Now()
	id = uuid.NewString()
	member := encodeMember(id, user, priority, now, deadline)

	if err := q.store.AddToSortedSet(ctx, key, store.ScoredMember{Member: member, Score: score(priority, now)}); err != nil {
		return "", 0, 0, false, fmt.Errorf("queue: enqueue: %w", err)
	}

	position = int(depth) + 1
	etaSec = q.estimateWait(ctx, user, position)
	return id, position, etaSec, false, nil
}

func (q *Queue) estimateWait(ctx context.Context, user string, position int) int64 {
	if q.rpmHeadroom == nil {
		return int64(position)
	}
	headroom, err := q.rpmHeadroom(ctx, user)
	if err != nil || headroom <= 0 {
		// No estimator signal: fall back to a coarse per-position second.
		return int64(position)
	}
	// Requests drain roughly one per (60/headroom) seconds once capacity
	// frees up; this is intentionally a rough estimate, not a promise.
	secondsPerSlot := 60.0 / float64(headroom)
	return int64(float64(position) * secondsPerSlot)
}

// Depth returns the current queue length for user.
func (q *Queue) Depth(ctx context.Context, user string) (int, error) {
	n, err := q.store.CountInSortedSetRange(ctx, queueKey(user), -1e18, 1e18)
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return int(n), nil
}

// Head returns up to n items from the front of user's queue (highest
// priority, earliest enqueued first), without removing them.
func (q *Queue) Head(ctx context.Context, user string, n int) ([]Item, error) {
	members, err := q.store.RangeSortedSet(ctx, queueKey(user), -1e18, 1e18, int64(n))
	if err != nil {
		return nil, fmt.Errorf("queue: head: %w", err)
	}
	items := make([]Item, 0, len(members))
	for _, m := range members {
		item, ok := decodeMember(m.Member)
		if ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// Remove drains or expires a specific item from user's queue.
func (q *Queue) Remove(ctx context.Context, user string, item Item) error {
	return q.store.RemoveFromSortedSet(ctx, queueKey(user), encodeMember(item.ID, item.User, item.Priority, item.EnqueuedAt, item.Deadline))
}

// Users lists every user with a non-empty queue, for the round-robin
// scheduler to iterate. Backed by the store's prefix scan per §4.1.
func (q *Queue) Users(ctx context.Context) ([]string, error) {
	keys, err := q.store.ScanKeys(ctx, "queue:")
	if err != nil {
		return nil, fmt.Errorf("queue: listing users: %w", err)
	}
	users := make([]string, 0, len(keys))
	for _, k := range keys {
		users = append(users, strings.TrimPrefix(k, "queue:"))
	}
	return users, nil
}

// encodeMember packs the fields a sorted-set member needs into one string;
// Redis sorted sets only carry member+score, so the item payload rides
// alongside the score.
func encodeMember(id, user string, priority int, enqueuedAt, deadline time.Time) string {
	return strings.Join([]string{
		id, user, strconv.Itoa(priority),
		strconv.FormatInt(enqueuedAt.UnixMilli(), 10),
		strconv.FormatInt(deadline.UnixMilli(), 10),
	}, "\x1f")
}

func decodeMember(raw string) (Item, bool) {
	parts := strings.Split(raw, "\x1f")
	if len(parts) != 5 {
		return Item{}, false
	}
	priority, err1 := strconv.Atoi(parts[2])
	enqueuedMs, err2 := strconv.ParseInt(parts[3], 10, 64)
	deadlineMs, err3 := strconv.ParseInt(parts[4], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Item{}, false
	}
	return Item{
		ID:         parts[0],
		User:       parts[1],
		Priority:   priority,
		EnqueuedAt: time.UnixMilli(enqueuedMs),
		Deadline:   time.UnixMilli(deadlineMs),
	}, true
}
