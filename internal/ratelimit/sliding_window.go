package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"storybook/internal/clock"
)

const keyPrefix = "ratelimit:create_job:"

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// SlidingWindow counts job submissions per user inside a rolling window,
// backed by a Redis sorted set (score = submission time). The limiter fails
// open: if Redis is unreachable the request is admitted with a warning, so a
// cache outage never blocks paying users.
type SlidingWindow struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	clk    clock.Clock
	log    zerolog.Logger
}

// NewSlidingWindow builds the limiter. limit requests per window per user.
func NewSlidingWindow(rdb *redis.Client, limit int, window time.Duration, clk clock.Clock, log zerolog.Logger) *SlidingWindow {
	return &SlidingWindow{rdb: rdb, limit: limit, window: window, clk: clk, log: log}
}

// Allow records one attempt for userKey and reports whether it fits the
// window. Denied attempts do not consume quota: the members added for them
// are removed again, so a client hammering a full window is not punished
// beyond the window itself.
func (l *SlidingWindow) Allow(ctx context.Context, userKey string) Decision {
	key := keyPrefix + userKey
	now := l.clk.Now()
	cutoff := now.Add(-l.window)
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixMilli(), 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn().Err(err).Str("user_key", userKey).Msg("rate limiter unavailable, admitting")
		return Decision{Allowed: true, Remaining: l.limit}
	}

	count := int(card.Val())
	if count <= l.limit {
		return Decision{Allowed: true, Remaining: l.limit - count}
	}

	retryAfter := l.window
	if zs, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result(); err == nil && len(zs) > 0 {
		retryAfter = RetryAfter(int64(zs[0].Score), l.window, now)
	}
	if err := l.rdb.ZRem(ctx, key, member).Err(); err != nil {
		l.log.Warn().Err(err).Str("user_key", userKey).Msg("rate limiter cleanup failed")
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// RetryAfter computes when the oldest submission in the window expires.
// Clamped to at least one second so clients never get a zero wait.
func RetryAfter(oldestMilli int64, window time.Duration, now time.Time) time.Duration {
	retry := time.UnixMilli(oldestMilli).Add(window).Sub(now)
	if retry < time.Second {
		return time.Second
	}
	return retry
}
