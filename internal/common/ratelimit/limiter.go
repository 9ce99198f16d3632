// Package ratelimit implements a fixed-window request limiter shared by all
// service instances through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"entitlement-delivery/internal/common/logger"

	"github.com/redis/go-redis/v9"
)

// INCR and PEXPIRE run atomically so a crash between them cannot leave a
// counter without a TTL.
var fixedWindow = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter allows at most limit hits per key per window.
type Limiter struct {
	client redis.Scripter
	scope  string
	limit  int
	window time.Duration
	logger logger.Logger
}

// New creates a limiter. A non-positive limit or nil client disables limiting.
func New(client redis.Scripter, scope string, limit int, window time.Duration, log logger.Logger) *Limiter {
	return &Limiter{
		client: client,
		scope:  scope,
		limit:  limit,
		window: window,
		logger: log.WithFields(map[string]interface{}{"limiter": scope}),
	}
}

// Scope names the limited resource, e.g. "token-issue".
func (l *Limiter) Scope() string {
	return l.scope
}

// Allow records a hit for key. Redis failures fail open.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	if l == nil || l.client == nil || l.limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}

	redisKey := fmt.Sprintf("ratelimit:%s:%s", l.scope, key)
	vals, err := fixedWindow.Run(ctx, l.client, []string{redisKey}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		l.logger.Warn("Rate limiter unavailable, allowing request", map[string]interface{}{
			"key":   key,
			"error": err,
		})
		return Decision{Allowed: true, Remaining: -1}
	}

	count, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	if ttl < 0 {
		ttl = l.window
	}
	if count > l.limit {
		return Decision{Allowed: false, Remaining: 0, RetryAfter: ttl}
	}
	return Decision{Allowed: true, Remaining: l.limit - count}
}
