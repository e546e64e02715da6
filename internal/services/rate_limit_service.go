package services

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// tokenBucketScript refills and takes one token atomically.
// Returns {allowed, remaining, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_tokens = tonumber(ARGV[3])
	local interval_ms = tonumber(ARGV[4])
	local ttl_seconds = tonumber(ARGV[5])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 and refill_tokens > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + (intervals * refill_tokens))
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens, retry_after_ms }
`)

// RateLimitConfig holds token-bucket settings
type RateLimitConfig struct {
	Capacity       int           // burst size
	RefillTokens   int           // tokens added per interval
	RefillInterval time.Duration
	TTL            time.Duration // idle buckets are dropped after this
	Prefix         string
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Capacity:       10,               // 10 inits
		RefillTokens:   1,                // then one more
		RefillInterval: 6 * time.Second,  // every 6 seconds
		TTL:            10 * time.Minute, // forget idle users
		Prefix:         "rl:booking_init",
	}
}

// RateLimitDecision is the outcome of one token take
type RateLimitDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int64
	RetryAfter time.Duration
}

// RateLimitService limits booking inits per user with a redis token bucket shared by all instances
type RateLimitService struct {
	rdb    redis.Scripter
	config RateLimitConfig
	logger *logrus.Logger
	now    func() time.Time
}

// NewRateLimitService creates a new rate limit service
func NewRateLimitService(rdb redis.Scripter, config RateLimitConfig, logger *logrus.Logger) *RateLimitService {
	if config.Capacity < 1 {
		config.Capacity = 1
	}
	if config.RefillTokens < 1 {
		config.RefillTokens = 1
	}
	if config.RefillInterval <= 0 {
		config.RefillInterval = time.Second
	}
	if minTTL := 5 * config.RefillInterval; config.TTL < minTTL {
		config.TTL = minTTL
	}
	return &RateLimitService{
		rdb:    rdb,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Take consumes one token from the bucket identified by key
func (s *RateLimitService) Take(ctx context.Context, key string) (*RateLimitDecision, error) {
	vals, err := tokenBucketScript.Run(ctx, s.rdb, []string{s.config.Prefix + ":" + key},
		s.now().UnixMilli(),
		int64(s.config.Capacity),
		int64(s.config.RefillTokens),
		s.config.RefillInterval.Milliseconds(),
		int64(s.config.TTL/time.Second),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to run rate limit script: %w", err)
	}

	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 3 {
		return nil, fmt.Errorf("unexpected rate limit script result: %#v", vals)
	}

	return &RateLimitDecision{
		Allowed:    asInt64(arr[0]) == 1,
		Limit:      s.config.Capacity,
		Remaining:  asInt64(arr[1]),
		RetryAfter: time.Duration(asInt64(arr[2])) * time.Millisecond,
	}, nil
}

// CheckBookingInit returns a *models.RateLimitError when the user has exhausted their bucket.
// Redis failures let the request through.
func (s *RateLimitService) CheckBookingInit(ctx context.Context, userID uuid.UUID) (*RateLimitDecision, error) {
	decision, err := s.Take(ctx, "user:"+userID.String())
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("Rate limiter unavailable, allowing request")
		return nil, nil
	}
	if decision.Allowed {
		return decision, nil
	}

	secs := int(math.Ceil(decision.RetryAfter.Seconds()))
	return decision, &models.RateLimitError{
		Message:    fmt.Sprintf("Too many booking attempts. Please try again in %d seconds", secs),
		RetryAfter: decision.RetryAfter,
		Remaining:  decision.Remaining,
	}
}

func asInt64(v interface{}) int64 {
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
