package transition

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/internal/util/valutil"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

// Limiter caps the number of jobs claimed from a queue within a fixed window.
type Limiter struct {
	// Max is the number of jobs that may be claimed per window.
	Max int

	// Duration is the length of the window.
	Duration time.Duration
}

func (l *Limiter) enabled() bool { return l != nil && l.Max > 0 && l.Duration > 0 }

// limiterSaturated is stored by a manual rate limit so that the counter is
// over any configured maximum.
const limiterSaturated = math.MaxInt32

// RateLimitTTL returns how long until the next job may be claimed, or zero if
// one may be claimed now. It doesn't consume any quota.
func RateLimitTTL(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, limiter *Limiter) (time.Duration, error) {
	rawCount, ok, err := tx.Get(ctx, keys.Limiter())
	if err != nil || !ok {
		return 0, err
	}

	maxJobs := int64(limiterSaturated)
	if limiter.enabled() {
		maxJobs = int64(limiter.Max)
	}

	if valutil.ParseInt64(rawCount) < maxJobs {
		return 0, nil
	}

	ttl, _, err := tx.PTTL(ctx, keys.Limiter())
	if err != nil {
		return 0, err
	}
	return max(ttl, 0), nil
}

// consumeRateLimit counts a claim against the current window, starting a new
// window if there isn't one.
func consumeRateLimit(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, limiter *Limiter) error {
	if !limiter.enabled() {
		return nil
	}

	count, err := tx.Incr(ctx, keys.Limiter())
	if err != nil {
		return err
	}
	if count == 1 {
		if _, err := tx.PExpire(ctx, keys.Limiter(), limiter.Duration); err != nil {
			return err
		}
	}
	return nil
}

// RateLimit blocks claims from the queue for the given duration, regardless
// of how much of the current window has been used.
func RateLimit(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, duration time.Duration) error {
	return tx.SetPX(ctx, keys.Limiter(), strconv.Itoa(limiterSaturated), duration)
}
