package bullmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VladimirMikulic/bullmq/bulltype"
)

// Just proves that DefaultRetryPolicy implements the RetryPolicy interface.
var _ RetryPolicy = &DefaultRetryPolicy{}

func TestDefaultRetryPolicy_NextRetry(t *testing.T) {
	t.Parallel()

	retryPolicy := &DefaultRetryPolicy{}

	jobWithBackoff := func(backoff *bulltype.BackoffOpts, attemptsMade int) *bulltype.JobRow {
		return &bulltype.JobRow{AttemptsMade: attemptsMade, Opts: bulltype.JobOpts{Backoff: backoff}}
	}

	t.Run("NoBackoff", func(t *testing.T) {
		t.Parallel()

		require.Zero(t, retryPolicy.NextRetry(jobWithBackoff(nil, 3)))
		require.Zero(t, retryPolicy.NextRetry(jobWithBackoff(&bulltype.BackoffOpts{Type: bulltype.BackoffTypeFixed}, 3)))
	})

	t.Run("Fixed", func(t *testing.T) {
		t.Parallel()

		backoff := &bulltype.BackoffOpts{Delay: 1500, Type: bulltype.BackoffTypeFixed}

		for attemptsMade := range 5 {
			require.Equal(t, 1500*time.Millisecond, retryPolicy.NextRetry(jobWithBackoff(backoff, attemptsMade)))
		}
	})

	t.Run("Exponential", func(t *testing.T) {
		t.Parallel()

		backoff := &bulltype.BackoffOpts{Delay: 1000, Type: bulltype.BackoffTypeExponential}

		// A job's first failure has it at one attempt made.
		require.Equal(t, 1*time.Second, retryPolicy.NextRetry(jobWithBackoff(backoff, 1)))
		require.Equal(t, 2*time.Second, retryPolicy.NextRetry(jobWithBackoff(backoff, 2)))
		require.Equal(t, 4*time.Second, retryPolicy.NextRetry(jobWithBackoff(backoff, 3)))
		require.Equal(t, 8*time.Second, retryPolicy.NextRetry(jobWithBackoff(backoff, 4)))

		require.Equal(t, 1*time.Second, retryPolicy.NextRetry(jobWithBackoff(backoff, 0)))
	})

	t.Run("ExponentialCapped", func(t *testing.T) {
		t.Parallel()

		backoff := &bulltype.BackoffOpts{Delay: 1000, Type: bulltype.BackoffTypeExponential}

		require.Equal(t, maxDuration, retryPolicy.NextRetry(jobWithBackoff(backoff, 100)))
	})

	t.Run("UnknownTypeTreatedAsFixed", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, time.Second, retryPolicy.NextRetry(jobWithBackoff(&bulltype.BackoffOpts{Delay: 1000, Type: "custom"}, 3)))
	})
}
