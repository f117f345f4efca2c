// Package ratelimit implements Fisher's rejected-request rate limiter
// (spec.md §4.8): a token bucket keyed by source IP, capacity and
// refill rate derived from an operator-supplied "N/duration" string by
// internal/config. The bucket's state lives in an embedded miniredis
// instance addressed through an ordinary go-redis client — both are
// declared in the teacher's go.mod but never imported by any of its own
// source (see DESIGN.md); running miniredis in-process keeps the
// limiter's storage fully local, honoring spec.md's "no external
// databases" non-goal while still exercising the real client/server wire
// protocol, including Lua scripting.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills a bucket by elapsed-time * rate since its
// last hit, capped at capacity, then takes one token if available — all
// inside Redis so concurrent Allow calls on the same key stay
// linearizable instead of racing on a read-modify-write round trip.
// Grounded on spec.md §4.8's "token bucket" wording and
// _examples/original_source/src/web/rate_limits.rs's continuously-decaying
// limiter: neither hard-resets a bucket to zero at a window boundary, so
// this never lets a burst straddling a boundary admit 2x capacity.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_sec = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "refilled_at")
local tokens = tonumber(data[1])
local refilled_at = tonumber(data[2])

if tokens == nil then
	tokens = capacity
	refilled_at = now
end

local elapsed = now - refilled_at
if elapsed > 0 then
	tokens = math.min(capacity, tokens + elapsed * refill_per_sec)
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "refilled_at", tostring(now))
redis.call("PEXPIRE", key, ttl_ms)

return allowed
`)

// Limiter is a token-bucket-by-IP rate limiter. The zero value is not
// usable; construct with New.
type Limiter struct {
	mini     *miniredis.Miniredis
	client   *redis.Client
	capacity int
	window   time.Duration
}

// New starts an embedded Redis-protocol server and a client bound to it.
func New(capacity int, window time.Duration) (*Limiter, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("starting embedded rate limit store: %w", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return &Limiter{mini: mr, client: client, capacity: capacity, window: window}, nil
}

// Close releases the client connection and shuts down the embedded store.
func (l *Limiter) Close() error {
	err := l.client.Close()
	l.mini.Close()
	return err
}

// Allow consumes one token for key (the request's source IP, as a
// string) from a bucket that refills continuously at capacity/window
// tokens per second, capped at capacity. An idle key's entry expires one
// window after its last hit — by then even an emptied bucket has refilled
// completely, so a fresh hit after that simply starts a full bucket,
// which is indistinguishable from one that refilled the whole way there —
// bounding memory to IPs active recently, per spec.md §4.8.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := "fisher:ratelimit:" + key
	refillPerSec := float64(l.capacity) / l.window.Seconds()
	now := float64(time.Now().UnixNano()) / 1e9
	ttl := l.window

	allowed, err := tokenBucketScript.Run(ctx, l.client, []string{redisKey},
		l.capacity, refillPerSec, now, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("running token bucket script for %s: %w", key, err)
	}

	return allowed == 1, nil
}
