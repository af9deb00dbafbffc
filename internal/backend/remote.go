// Copyright 2025 James Ross
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/guardian/internal/bucket"
	"github.com/flyingrobots/guardian/internal/cbreaker"
	"github.com/flyingrobots/guardian/internal/guardianerr"
	"github.com/flyingrobots/guardian/internal/keying"
	"github.com/flyingrobots/guardian/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// consumeScript implements the refill-and-consume contract from
// spec.md section 4.3 as a single atomic Lua script, generalized from
// the teacher's advanced-rate-limiting consume script: it reads now
// from Redis's own TIME command rather than a caller-supplied
// timestamp, since trusting client wall clocks would let skewed callers
// bypass quota.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_rate = tonumber(ARGV[3])
local refill_interval_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

if cost == 0 then
	return {1, 0}
end
if cost > capacity then
	return {0, -1}
end

local t = redis.call('TIME')
local now_ms = math.floor(tonumber(t[1]) * 1000 + tonumber(t[2]) / 1000)

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])
if tokens == nil then
	tokens = capacity
	last_refill = now_ms
end
if last_refill == nil then
	last_refill = now_ms
end

local elapsed = now_ms - last_refill
if elapsed < 0 then
	elapsed = 0
end

local added = 0
if refill_rate > 0 then
	added = math.floor(elapsed * refill_rate / refill_interval_ms)
end

local refilled = tokens
if added > 0 then
	refilled = math.min(capacity, tokens + added)
end

if refilled < cost then
	local retry_after_ms = -1
	if refill_rate > 0 then
		local needed = cost - refilled
		retry_after_ms = math.ceil(needed * refill_interval_ms / refill_rate)
	end
	return {0, retry_after_ms}
end

local remaining = refilled - cost
local new_last_refill = last_refill
if added > 0 then
	new_last_refill = now_ms
end

redis.call('HSET', key, 'tokens', remaining, 'last_refill', new_last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return {1, remaining}
`)

// usageScript reads the current token count without mutating it.
var usageScript = redis.NewScript(`
local bucket = redis.call('HMGET', KEYS[1], 'tokens')
if not bucket[1] then
	return -1
end
return tonumber(bucket[1])
`)

// Remote delegates every decision to a shared coordinator's atomic
// script. It is the only backend that suspends on every call and the
// only one that can fail.
type Remote struct {
	client        *redis.Client
	policy        bucket.Policy
	keyTTL        time.Duration
	routingPrefix string
	logger        *zap.Logger

	breaker *cbreaker.Breaker
	sem     chan struct{}
}

// RemoteOption configures optional Remote behavior.
type RemoteOption func(*Remote)

// WithBreaker installs a circuit breaker around the coordinator call so
// a sustained outage fails fast instead of queueing behind per-call
// timeouts. Supplemental to spec.md; see internal/cbreaker.
func WithBreaker(b *cbreaker.Breaker) RemoteOption {
	return func(r *Remote) { r.breaker = b }
}

// WithMaxInFlight bounds the number of concurrent coordinator calls
// this backend will issue, per spec.md section 5's head-of-line
// blocking requirement. Zero (the default) leaves it unbounded.
func WithMaxInFlight(n int) RemoteOption {
	return func(r *Remote) {
		if n > 0 {
			r.sem = make(chan struct{}, n)
		}
	}
}

// NewRemote constructs a Remote backend bound to client, enforcing
// policy, with bucket records refreshing a keyTTL-long expiry
// (spec.md's one-hour-from-last-write lifecycle) under routingPrefix.
func NewRemote(client *redis.Client, policy bucket.Policy, routingPrefix string, keyTTL time.Duration, logger *zap.Logger, opts ...RemoteOption) *Remote {
	r := &Remote{
		client:        client,
		policy:        policy,
		keyTTL:        keyTTL,
		routingPrefix: routingPrefix,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TakeTokens implements Backend.
func (r *Remote) TakeTokens(ctx context.Context, key string, cost uint64) (bucket.Decision, error) {
	if err := validateKey(key); err != nil {
		return bucket.Decision{}, err
	}
	// Mirror the bucket core's fast paths so a zero-cost query or an
	// unsatisfiable request never pays for a round trip to the
	// coordinator.
	if cost == 0 {
		return bucket.Decision{Allowed: true}, nil
	}
	if cost > r.policy.Capacity {
		return bucket.Decision{Allowed: false, RetryAfter: bucket.Never}, nil
	}

	release, err := r.acquire(ctx)
	if err != nil {
		return bucket.Decision{}, err
	}
	defer release()

	if r.breaker != nil && !r.breaker.Allow() {
		return bucket.Decision{}, guardianerr.Unavailable("remote", "take_tokens",
			fmt.Errorf("circuit breaker open"))
	}

	spanCtx, span := obs.StartCoordinatorSpan(ctx, "take_tokens")
	defer span.End()

	routingKey := keying.RoutingKey(r.routingPrefix, key)
	res, err := consumeScript.Run(spanCtx, r.client, []string{routingKey},
		cost,
		r.policy.Capacity,
		r.policy.RefillRate,
		r.policy.RefillInterval.Milliseconds(),
		int64(r.keyTTL.Seconds()),
	).Result()
	r.recordOutcome(err)
	if err != nil {
		obs.RecordError(spanCtx, err)
		return bucket.Decision{}, guardianerr.Unavailable("remote", "take_tokens", err)
	}
	obs.SetSpanSuccess(spanCtx)

	return parseConsumeResult(res)
}

// GetUsage implements Backend.
func (r *Remote) GetUsage(ctx context.Context, key string) (uint64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	spanCtx, span := obs.StartCoordinatorSpan(ctx, "get_usage")
	defer span.End()

	routingKey := keying.RoutingKey(r.routingPrefix, key)
	res, err := usageScript.Run(spanCtx, r.client, []string{routingKey}).Result()
	if err != nil {
		// Best-effort per the facade contract: a query-path fault
		// degrades to "unknown" rather than being surfaced.
		obs.RecordError(spanCtx, err)
		if r.logger != nil {
			r.logger.Warn("remote get_usage failed", zap.Error(err))
		}
		return 0, nil
	}
	obs.SetSpanSuccess(spanCtx)
	tokens, ok := res.(int64)
	if !ok || tokens < 0 {
		return 0, nil
	}
	if uint64(tokens) >= r.policy.Capacity {
		return 0, nil
	}
	return r.policy.Capacity - uint64(tokens), nil
}

// Reset implements Backend.
func (r *Remote) Reset(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	routingKey := keying.RoutingKey(r.routingPrefix, key)
	if err := r.client.Del(ctx, routingKey).Err(); err != nil {
		return guardianerr.Unavailable("remote", "reset", err)
	}
	return nil
}

// Close is a no-op: the coordinator connection is owned by whoever
// constructed it (see internal/redisclient), not by this backend.
func (r *Remote) Close() error { return nil }

func (r *Remote) acquire(ctx context.Context) (func(), error) {
	if r.sem == nil {
		return func() {}, nil
	}
	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Remote) recordOutcome(err error) {
	if r.breaker == nil {
		return
	}
	r.breaker.Record(err == nil)
}

func parseConsumeResult(res interface{}) (bucket.Decision, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return bucket.Decision{}, guardianerr.Protocol("remote", "take_tokens",
			fmt.Errorf("unexpected script response: %#v", res))
	}
	allowed, ok1 := vals[0].(int64)
	second, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return bucket.Decision{}, guardianerr.Protocol("remote", "take_tokens",
			fmt.Errorf("unexpected script response types: %#v", vals))
	}
	if allowed == 1 {
		return bucket.Decision{Allowed: true}, nil
	}
	if second < 0 {
		return bucket.Decision{Allowed: false, RetryAfter: bucket.Never}, nil
	}
	return bucket.Decision{Allowed: false, RetryAfter: time.Duration(second) * time.Millisecond}, nil
}
