package bullmq

import (
	"math"
	"time"

	"github.com/VladimirMikulic/bullmq/bulltype"
)

// RetryPolicy is an interface that can be implemented to decide how long a
// failed job waits before it's retried. It's only consulted for jobs that
// have attempts left.
type RetryPolicy interface {
	// NextRetry returns the delay before the retry of a job that just failed.
	// The job's AttemptsMade counts the attempt that just failed. Zero puts the
	// job straight back into waiting.
	NextRetry(job *bulltype.JobRow) time.Duration
}

// DefaultRetryPolicy applies the backoff a job was inserted with. Jobs without
// a backoff are retried immediately. A fixed backoff always waits its delay,
// and an exponential one doubles it with every failure, waiting its delay
// after the first.
type DefaultRetryPolicy struct{}

func (p *DefaultRetryPolicy) NextRetry(job *bulltype.JobRow) time.Duration {
	backoff := job.Opts.Backoff
	if backoff == nil || backoff.Delay <= 0 {
		return 0
	}

	delay := time.Duration(backoff.Delay) * time.Millisecond

	switch backoff.Type {
	case bulltype.BackoffTypeExponential:
		return exponentialDelay(delay, max(job.AttemptsMade-1, 0))
	case bulltype.BackoffTypeFixed:
	}

	return delay
}

// The maximum value of a duration before it overflows. About 292 years.
const maxDuration time.Duration = 1<<63 - 1

// exponentialDelay returns delay*2^exponent, capped to the maximum duration
// instead of overflowing.
func exponentialDelay(delay time.Duration, exponent int) time.Duration {
	multiplier := math.Pow(2, float64(exponent))
	if float64(delay)*multiplier >= float64(maxDuration) {
		return maxDuration
	}
	return time.Duration(float64(delay) * multiplier)
}
