package transition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

func TestPromoteDelayed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	promote := func(t *testing.T, bundle *testBundle) int {
		t.Helper()

		return atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) (int, error) {
			return PromoteDelayed(ctx, tx, bundle.keys, bundle.now())
		})
	}

	t.Run("NoopWhenNothingDue", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		require.Zero(t, promote(t, bundle))

		bundle.addJob(ctx, t, bulltype.JobOpts{Delay: time.Minute})
		numEvents := len(bundle.events(ctx, t))

		require.Zero(t, promote(t, bundle))
		require.Len(t, bundle.events(ctx, t), numEvents)
	})

	t.Run("PromotesInDueOrder", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		laterID := bundle.addJob(ctx, t, bulltype.JobOpts{Delay: 3 * time.Second})
		soonerID := bundle.addJob(ctx, t, bulltype.JobOpts{Delay: 2 * time.Second})
		notDueID := bundle.addJob(ctx, t, bulltype.JobOpts{Delay: time.Hour})

		bundle.timeStub.Advance(3 * time.Second)
		require.Equal(t, 2, promote(t, bundle))

		require.Equal(t, soonerID, bundle.claimJob(ctx, t, "token").ID)
		require.Equal(t, laterID, bundle.claimJob(ctx, t, "token").ID)
		require.Equal(t, bulltype.JobStateDelayed, bundle.state(ctx, t, notDueID))

		job := atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) (*bulltype.JobRow, error) {
			return GetJob(ctx, tx, bundle.keys, laterID)
		})
		require.Zero(t, job.Delay)
	})

	t.Run("SameMillisecondInInsertionOrder", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		jobID1 := bundle.addJob(ctx, t, bulltype.JobOpts{Delay: time.Second})
		jobID2 := bundle.addJob(ctx, t, bulltype.JobOpts{Delay: time.Second})

		bundle.timeStub.Advance(time.Second)
		require.Equal(t, 2, promote(t, bundle))

		require.Equal(t, jobID1, bundle.claimJob(ctx, t, "token").ID)
		require.Equal(t, jobID2, bundle.claimJob(ctx, t, "token").ID)
	})

	t.Run("PromotedPriorityJobGoesToPrioritized", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		jobID := bundle.addJob(ctx, t, bulltype.JobOpts{Delay: time.Second, Priority: 1})

		bundle.timeStub.Advance(time.Second)
		promote(t, bundle)
		require.Equal(t, bulltype.JobStatePrioritized, bundle.state(ctx, t, jobID))
	})

	t.Run("PromotesIntoPaused", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		jobID := bundle.addJob(ctx, t, bulltype.JobOpts{Delay: time.Second})
		bundle.atomic(ctx, t, func(ctx context.Context, tx kvdriver.Tx) error {
			return Pause(ctx, tx, bundle.keys)
		})

		bundle.timeStub.Advance(time.Second)
		promote(t, bundle)
		require.Equal(t, bulltype.JobStatePaused, bundle.state(ctx, t, jobID))
	})
}

func TestPromoteJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	promoteJob := func(bundle *testBundle, jobID string) error {
		return bundle.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
			return PromoteJob(ctx, tx, bundle.keys, jobID)
		})
	}

	t.Run("Promotes", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		jobID := bundle.addJob(ctx, t, bulltype.JobOpts{Delay: time.Hour})
		require.NoError(t, promoteJob(bundle, jobID))
		require.Equal(t, bulltype.JobStateWaiting, bundle.state(ctx, t, jobID))
	})

	t.Run("NotDelayed", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		jobID := bundle.addJob(ctx, t, bulltype.JobOpts{})
		require.ErrorIs(t, promoteJob(bundle, jobID), bulltype.ErrJobNotDelayed)
	})

	t.Run("MissingJob", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		require.ErrorIs(t, promoteJob(bundle, "123"), bulltype.ErrMissingJob)
	})
}

func TestRateLimitTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ttl := func(t *testing.T, bundle *testBundle, limiter *Limiter) time.Duration {
		t.Helper()

		return atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) (time.Duration, error) {
			return RateLimitTTL(ctx, tx, bundle.keys, limiter)
		})
	}

	t.Run("ConsumesNothing", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		limiter := &Limiter{Duration: time.Second, Max: 1}
		for range 3 {
			require.Zero(t, ttl(t, bundle, limiter))
		}
	})

	t.Run("ManualRateLimit", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		bundle.atomic(ctx, t, func(ctx context.Context, tx kvdriver.Tx) error {
			return RateLimit(ctx, tx, bundle.keys, 10*time.Second)
		})

		require.Equal(t, 10*time.Second, ttl(t, bundle, nil))
		require.Equal(t, 10*time.Second, ttl(t, bundle, &Limiter{Duration: time.Second, Max: 100}))

		bundle.timeStub.Advance(4 * time.Second)
		require.Equal(t, 6*time.Second, ttl(t, bundle, nil))

		bundle.timeStub.Advance(6 * time.Second)
		require.Zero(t, ttl(t, bundle, nil))
	})
}
