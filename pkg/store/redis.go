package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridianapi/gatekeeper/pkg/kinderr"
)

// ErrNotFound is returned by Get when the key does not exist. Callers in
// C2-C7 translate this into a cache-miss or zero-value control signal; it is
// never surfaced to a user.
var ErrNotFound = errors.New("store: key not found")

// Redis is the production Store implementation backed by go-redis.
type Redis struct {
	client *redis.Client

	mu      sync.Mutex
	scripts map[string]*redis.Script
}

// NewRedis wraps an already-connected *redis.Client. Use platform.NewRedisClient
// to build that client from a URL; Redis itself does no connection management.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, scripts: make(map[string]*redis.Script)}
}

func (r *Redis) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return kinderr.Wrap(kinderr.Timeout, "store", err)
	}
	if errors.Is(err, redis.ErrClosed) {
		return kinderr.Wrap(kinderr.StoreUnavailable, "store", err)
	}
	return kinderr.Wrap(kinderr.StoreUnavailable, "store", err)
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return "", r.classify(err)
	}
	return v, nil
}

func (r *Redis) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0
	}
	return r.classify(r.client.Set(ctx, key, value, ttl).Err())
}

var compareAndDeleteScript = &Script{
	Name: "compare_and_delete",
	Src: `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`,
}

func (r *Redis) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	res, err := r.Eval(ctx, compareAndDeleteScript, []string{key}, expect)
	if err != nil {
		return false, err
	}
	n, _ := toInt64(res)
	return n == 1, nil
}

func (r *Redis) IncrementBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, key, delta).Result()
	return n, r.classify(err)
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.classify(r.client.Expire(ctx, key, ttl).Err())
}

func (r *Redis) ExpireAt(ctx context.Context, key string, at time.Time) error {
	return r.classify(r.client.ExpireAt(ctx, key, at).Err())
}

func (r *Redis) AddToSortedSet(ctx context.Context, key string, member ScoredMember) error {
	return r.classify(r.client.ZAdd(ctx, key, redis.Z{Score: member.Score, Member: member.Member}).Err())
}

func (r *Redis) CountInSortedSetRange(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := r.client.ZCount(ctx, key, fmt.Sprintf("%v", min), fmt.Sprintf("(%v", max)).Result()
	if err != nil {
		return 0, r.classify(err)
	}
	return n, nil
}

func (r *Redis) TrimSortedSetBelow(ctx context.Context, key string, below float64) error {
	return r.classify(r.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%v", below)).Err())
}

func (r *Redis) RangeSortedSet(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error) {
	res, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   fmt.Sprintf("%v", min),
		Max:   fmt.Sprintf("%v", max),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, r.classify(err)
	}
	out := make([]ScoredMember, 0, len(res))
	for _, z := range res {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (r *Redis) RemoveFromSortedSet(ctx context.Context, key, member string) error {
	return r.classify(r.client.ZRem(ctx, key, member).Err())
}

var acquireLeaseScript = &Script{
	Name: "acquire_lease",
	Src: `
return redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2])`,
}

func (r *Redis) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	res, err := r.Eval(ctx, acquireLeaseScript, []string{key}, holder, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	return res != nil, nil
}

func (r *Redis) ReleaseLease(ctx context.Context, key, holder string) error {
	_, err := r.CompareAndDelete(ctx, key, holder)
	return err
}

func (r *Redis) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, r.classify(err)
	}
	return keys, nil
}

func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	return r.classify(r.client.Publish(ctx, channel, payload).Err())
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, r.classify(err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}

func (r *Redis) Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error) {
	rs := r.scriptFor(script)
	res, err := rs.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, r.classify(err)
	}
	return res, nil
}

func (r *Redis) scriptFor(script *Script) *redis.Script {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok := r.scripts[script.Name]; ok {
		return rs
	}
	rs := redis.NewScript(script.Src)
	r.scripts[script.Name] = rs
	return rs
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.classify(r.client.Ping(ctx).Err())
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
