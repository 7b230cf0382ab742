// Package ratelimit implements a distributed token bucket on Redis.
// Buckets are keyed from the most specific identity available down to
// the tenant-channel aggregate; every applicable bucket must admit a
// send. State lives in Redis so all dispatcher instances share it.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/metrics"
	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/telemetry"
)

const keyPrefix = "notifications:rl:"

// tokenBucket refills lazily on access and answers atomically. Tokens
// and the refill stamp live in one hash per bucket.
//
// KEYS[1] bucket hash
// ARGV[1] capacity, ARGV[2] refill period ms, ARGV[3] now ms, ARGV[4] cost
// Returns {allowed, wait_ms}.
var tokenBucket = redis.NewScript(`
	local capacity = tonumber(ARGV[1])
	local period = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local cost = tonumber(ARGV[4])

	local data = redis.call('HMGET', KEYS[1], 'tokens', 'stamp')
	local tokens = tonumber(data[1])
	local stamp = tonumber(data[2])
	if tokens == nil or stamp == nil then
		tokens = capacity
		stamp = now
	end

	local elapsed = now - stamp
	if elapsed > 0 then
		tokens = math.min(capacity, tokens + elapsed * capacity / period)
		stamp = now
	end

	local allowed = 0
	local wait = 0
	if tokens >= cost then
		tokens = tokens - cost
		allowed = 1
	else
		wait = math.ceil((cost - tokens) * period / capacity)
	end

	redis.call('HMSET', KEYS[1], 'tokens', tokens, 'stamp', stamp)
	redis.call('PEXPIRE', KEYS[1], period * 2)
	return {allowed, wait}
`)

// Request identifies the send being checked. Empty identity fields skip
// their bucket; Critical skips the recipient and principal buckets but
// still debits the tenant-channel aggregate.
type Request struct {
	TenantID      string
	Channel       notification.Channel
	RecipientHash string
	Principal     string
	IP            string
	Critical      bool
}

// Result reports the limiter's verdict. A refusal names the narrowest
// refusing scope and carries the longest wait among refusals.
type Result struct {
	Allowed    bool
	Scope      string
	RetryAfter time.Duration
}

type bucket struct {
	scope    string
	key      string
	capacity int
	period   time.Duration
}

// Limiter checks token buckets in Redis. When Redis is unreachable the
// limiter fails open per call: limiting silently stopping is a visible
// degradation, not an outage.
type Limiter struct {
	client  *redis.Client
	cfg     config.RateLimitConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Limiter over an existing Redis client.
func New(client *redis.Client, cfg config.RateLimitConfig, m *metrics.Metrics) *Limiter {
	return &Limiter{client: client, cfg: cfg, metrics: m, now: time.Now}
}

func (l *Limiter) buckets(req Request) []bucket {
	var bs []bucket

	if !req.Critical {
		if req.RecipientHash != "" {
			bs = append(bs, bucket{
				scope:    "recipient",
				key:      fmt.Sprintf("%s%s:%s:r:%s", keyPrefix, req.TenantID, req.Channel, req.RecipientHash),
				capacity: l.cfg.RecipientPerHour,
				period:   time.Hour,
			})
		}
		if req.Principal != "" {
			bs = append(bs, bucket{
				scope:    "user",
				key:      fmt.Sprintf("%s%s:%s:u:%s", keyPrefix, req.TenantID, req.Channel, req.Principal),
				capacity: l.cfg.UserPerHour,
				period:   time.Hour,
			})
		}
	}

	if req.TenantID != "" {
		bs = append(bs, bucket{
			scope:    "tenant_channel",
			key:      fmt.Sprintf("%s%s:%s", keyPrefix, req.TenantID, req.Channel),
			capacity: l.cfg.TenantChannelRPS,
			period:   time.Second,
		})
	}

	if req.IP != "" {
		bs = append(bs, bucket{
			scope:    "ip",
			key:      keyPrefix + "ip:" + req.IP,
			capacity: l.cfg.IPPerMinute,
			period:   time.Minute,
		})
	}

	return bs
}

// Allow checks every applicable bucket. All buckets are evaluated even
// after a refusal so the returned wait is the longest any bucket needs,
// and so admission at a broad scope never masks a narrow refusal.
func (l *Limiter) Allow(ctx context.Context, req Request) Result {
	result := Result{Allowed: true}
	nowMs := l.now().UnixMilli()

	for _, b := range l.buckets(req) {
		if b.capacity <= 0 {
			continue
		}

		vals, err := tokenBucket.Run(ctx, l.client,
			[]string{b.key}, b.capacity, b.period.Milliseconds(), nowMs, 1).Int64Slice()
		if err != nil {
			telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
				"scope": b.scope,
				"error": err.Error(),
			}).Warn("Rate limiter store unavailable, degraded to single-instance mode")
			continue
		}
		if len(vals) != 2 {
			continue
		}

		if vals[0] != 1 {
			wait := time.Duration(vals[1]) * time.Millisecond
			if result.Allowed || wait > result.RetryAfter {
				// Keep the narrowest scope name from the first refusal,
				// the longest wait across all of them.
				if result.Allowed {
					result.Scope = b.scope
				}
				if wait > result.RetryAfter {
					result.RetryAfter = wait
				}
			}
			result.Allowed = false

			if l.metrics != nil {
				l.metrics.RateLimitRefused.WithLabelValues(b.scope).Inc()
			}
		}
	}

	if result.RetryAfter > 0 && result.RetryAfter < time.Second {
		result.RetryAfter = time.Second
	}
	return result
}
