package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"omnihub/internal/core/domain"
	"omnihub/internal/core/ports"
)

var (
	_ ports.DedupRepository = (*RedisDedup)(nil)
	_ ports.RateLimiter     = (*RedisRateLimiter)(nil)
	_ ports.Notifier        = (*RedisNotifier)(nil)
)

const (
	dedupKeyPrefix     = "webhook:dedup:"
	rateLimitKeyPrefix = "ratelimit:"
	notifyChannelPref  = "notify:"
)

// ============================================================================
// RedisDedup
// ============================================================================

// RedisDedup is the fast-path duplicate check in front of the durable
// event-id unique constraint. Entries expire on their own; losing one only
// costs a round trip to the database constraint.
type RedisDedup struct {
	client *redis.Client
}

// NewRedisDedup creates a dedup cache backed by Redis.
func NewRedisDedup(client *redis.Client) *RedisDedup {
	return &RedisDedup{client: client}
}

// IsDuplicate reports whether the event id was already seen.
func (r *RedisDedup) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, dedupKeyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records the event id with a TTL.
func (r *RedisDedup) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, dedupKeyPrefix+eventID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

// ============================================================================
// RedisRateLimiter
// ============================================================================

// RedisRateLimiter implements the fixed-window call budget on Redis. The key
// per (account, endpoint) holds the call count and its TTL is the window:
// expiry is the reset. Counting and arming happen in one Lua script, so a
// crash between commands can never strand a key without a TTL, and concurrent
// callers each observe a distinct count. The pass/wait decisions themselves
// are delegated to the domain window math over a snapshot of the key.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// recordCallScript increments the counter and arms the window TTL
// atomically. A key that somehow lost its TTL gets re-armed instead of
// blocking the budget forever.
var recordCallScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 or redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// NewRedisRateLimiter creates a limiter with the default call budget.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		limit:  domain.DefaultCallLimit,
		window: time.Duration(domain.DefaultWindowMinutes) * time.Minute,
	}
}

func rateLimitKey(accountID int64, endpoint string) string {
	return fmt.Sprintf("%s%d:%s", rateLimitKeyPrefix, accountID, endpoint)
}

// snapshot reconstructs the domain window from the stored count and TTL. A
// missing key means a fresh, empty window. A key without a TTL is re-armed
// here as well, so even reads heal a stranded counter.
func (r *RedisRateLimiter) snapshot(ctx context.Context, accountID int64, endpoint string, now time.Time) (*domain.RateLimitWindow, error) {
	key := rateLimitKey(accountID, endpoint)

	count, err := r.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return domain.NewRateLimitWindow(accountID, endpoint, now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("rate limit read: %w", err)
	}

	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit ttl: %w", err)
	}
	if ttl < 0 {
		if err := r.client.PExpire(ctx, key, r.window).Err(); err != nil {
			return nil, fmt.Errorf("rate limit re-arm: %w", err)
		}
		ttl = r.window
	}

	w := domain.NewRateLimitWindow(accountID, endpoint, now.Add(ttl-r.window))
	w.CallsMade = count
	w.CallLimit = r.limit
	w.ResetTime = now.Add(ttl)
	return w, nil
}

// CanCall reports whether another call fits in the current window.
func (r *RedisRateLimiter) CanCall(ctx context.Context, accountID int64, endpoint string) (bool, error) {
	now := time.Now().UTC()
	w, err := r.snapshot(ctx, accountID, endpoint, now)
	if err != nil {
		return false, err
	}
	return w.CanCall(now), nil
}

// RecordCall counts one call against the window.
func (r *RedisRateLimiter) RecordCall(ctx context.Context, accountID int64, endpoint string) error {
	key := rateLimitKey(accountID, endpoint)
	if err := recordCallScript.Run(ctx, r.client, []string{key}, r.window.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("rate limit incr: %w", err)
	}
	return nil
}

// WaitSeconds returns how long until the current window resets. Zero when
// the budget has room.
func (r *RedisRateLimiter) WaitSeconds(ctx context.Context, accountID int64, endpoint string) (int, error) {
	now := time.Now().UTC()
	w, err := r.snapshot(ctx, accountID, endpoint, now)
	if err != nil {
		return 0, err
	}
	return w.WaitSeconds(now), nil
}

// ============================================================================
// RedisNotifier
// ============================================================================

// RedisNotifier fans out inbound-message events over Redis pub/sub so agent
// frontends can subscribe per inbox group. Fire and forget.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier creates a pub/sub notifier.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Publish serializes the event and publishes it on the group's channel.
func (r *RedisNotifier) Publish(ctx context.Context, group string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := r.client.Publish(ctx, notifyChannelPref+group, payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
