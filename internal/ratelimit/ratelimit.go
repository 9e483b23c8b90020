// Package ratelimit throttles per-user requests before they reach paid
// generation backends.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Config describes a token bucket: Capacity tokens, refilled by one every
// Interval.
type Config struct {
	Capacity int
	Interval time.Duration
	Prefix   string
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 5
	}
	if c.Interval <= 0 {
		c.Interval = 12 * time.Second
	}
	if c.Prefix == "" {
		c.Prefix = "aiimagebot:rl"
	}
	return c
}

// Local keeps one bucket per key in process memory. Idle buckets are swept
// on access once they would have refilled completely.
type Local struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*localBucket
	sweepAt time.Time
}

type localBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewLocal(cfg Config) *Local {
	cfg = cfg.withDefaults()
	return &Local{cfg: cfg, now: time.Now, buckets: make(map[string]*localBucket)}
}

func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(rate.Every(l.cfg.Interval), l.cfg.Capacity)}
		l.buckets[key] = b
	}
	b.seen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{}, fmt.Errorf("bucket for %q cannot serve a single token", key)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(b.lim.TokensAt(now))}, nil
}

func (l *Local) sweep(now time.Time) {
	if now.Before(l.sweepAt) {
		return
	}
	idle := l.cfg.Interval * time.Duration(l.cfg.Capacity)
	for k, b := range l.buckets {
		if now.Sub(b.seen) > idle {
			delete(l.buckets, k)
		}
	}
	l.sweepAt = now.Add(idle)
}

var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now_ms
end

if interval_ms > 0 then
	local elapsed = math.max(0, now_ms - last_refill)
	local intervals = math.floor(elapsed / interval_ms)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + intervals)
		last_refill = last_refill + (intervals * interval_ms)
	end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
else
	retry_after_ms = interval_ms - (now_ms - last_refill)
	if retry_after_ms < 0 then retry_after_ms = 0 end
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_after_ms }
`)

// Redis shares buckets across bot replicas. The whole refill-and-take step
// runs as one Lua script so concurrent callers cannot overdraw a bucket.
type Redis struct {
	cfg Config
	rdb redis.Scripter
	now func() time.Time
}

func NewRedis(cfg Config, rdb redis.Scripter) *Redis {
	return &Redis{cfg: cfg.withDefaults(), rdb: rdb, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	ttl := int64(math.Ceil((r.cfg.Interval * time.Duration(r.cfg.Capacity+1)).Seconds()))
	args := []any{
		r.now().UnixMilli(),
		r.cfg.Capacity,
		r.cfg.Interval.Milliseconds(),
		ttl,
	}
	vals, err := tokenBucket.Run(ctx, r.rdb, []string{r.cfg.Prefix + ":" + key}, args...).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket: %w", err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("unexpected token bucket result: %v", vals)
	}
	return Decision{
		Allowed:    asInt64(vals[0]) == 1,
		Remaining:  int(asInt64(vals[1])),
		RetryAfter: time.Duration(asInt64(vals[2])) * time.Millisecond,
	}, nil
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true, Remaining: math.MaxInt32}, nil
}
