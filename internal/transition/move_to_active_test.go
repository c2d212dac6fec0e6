package transition

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

func TestMoveToActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("ClaimsInFIFOOrder", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		jobID1 := bundle.addJob(ctx, t, bulltype.JobOpts{})
		jobID2 := bundle.addJob(ctx, t, bulltype.JobOpts{})

		require.Equal(t, jobID1, bundle.claimJob(ctx, t, "token").ID)
		require.Equal(t, jobID2, bundle.claimJob(ctx, t, "token").ID)
		require.Equal(t, ContinuationDone, bundle.claim(ctx, t, "token").Kind())
	})

	t.Run("LIFOJumpsTheLine", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		bundle.addJob(ctx, t, bulltype.JobOpts{})
		jobID2 := bundle.addJob(ctx, t, bulltype.JobOpts{LIFO: true})

		require.Equal(t, jobID2, bundle.claimJob(ctx, t, "token").ID)
	})

	t.Run("PriorityOrdering", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		plainID := bundle.addJob(ctx, t, bulltype.JobOpts{})
		priorityIDs := make(map[int]string)
		for _, priority := range []int{5, 1, 3} {
			priorityIDs[priority] = bundle.addJob(ctx, t, bulltype.JobOpts{Priority: priority})
		}

		require.Equal(t, priorityIDs[1], bundle.claimJob(ctx, t, "token").ID)
		require.Equal(t, priorityIDs[3], bundle.claimJob(ctx, t, "token").ID)
		require.Equal(t, priorityIDs[5], bundle.claimJob(ctx, t, "token").ID)
		require.Equal(t, plainID, bundle.claimJob(ctx, t, "token").ID)
	})

	t.Run("EqualPrioritiesInFIFOOrder", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		jobID1 := bundle.addJob(ctx, t, bulltype.JobOpts{Priority: 2})
		jobID2 := bundle.addJob(ctx, t, bulltype.JobOpts{Priority: 2})

		require.Equal(t, jobID1, bundle.claimJob(ctx, t, "token").ID)
		require.Equal(t, jobID2, bundle.claimJob(ctx, t, "token").ID)
	})

	t.Run("WritesLockAndEmitsActive", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		jobID := bundle.addJob(ctx, t, bulltype.JobOpts{})
		job := bundle.claimJob(ctx, t, "my-token")

		require.Equal(t, 1, job.AttemptsStarted)
		require.Equal(t, 1, job.AttemptsMade)
		require.NotNil(t, job.ProcessedOn)
		require.WithinDuration(t, bundle.now(), *job.ProcessedOn, time.Millisecond)

		lockToken := atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) (string, error) {
			lockToken, _, err := tx.Get(ctx, keyspace.Lock(bundle.keys.Job(jobID)))
			return lockToken, err
		})
		require.Equal(t, "my-token", lockToken)

		require.Equal(t, bulltype.JobStateActive, bundle.state(ctx, t, jobID))

		events := bundle.events(ctx, t)
		lastEvent := events[len(events)-1]
		require.Equal(t, bulltype.EventKindActive, lastEvent.Kind)
		require.Equal(t, jobID, lastEvent.JobID)
		require.Equal(t, "waiting", lastEvent.Fields["prev"])
	})

	t.Run("LockExpires", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		jobID := bundle.addJob(ctx, t, bulltype.JobOpts{})
		atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) (*Continuation, error) {
			return MoveToActive(ctx, tx, bundle.keys, &MoveToActiveParams{LockDuration: 5 * time.Second, Now: bundle.now(), Token: "token"})
		})

		bundle.timeStub.Advance(6 * time.Second)

		locked := atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) (bool, error) {
			return tx.Exists(ctx, keyspace.Lock(bundle.keys.Job(jobID)))
		})
		require.False(t, locked)
	})

	t.Run("PausedQueueReturnsDone", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		bundle.addJob(ctx, t, bulltype.JobOpts{})
		bundle.addJob(ctx, t, bulltype.JobOpts{Priority: 1})
		bundle.atomic(ctx, t, func(ctx context.Context, tx kvdriver.Tx) error {
			return Pause(ctx, tx, bundle.keys)
		})

		require.Equal(t, ContinuationDone, bundle.claim(ctx, t, "token").Kind())
	})

	t.Run("PromotesDueDelayedJobs", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		jobID := bundle.addJob(ctx, t, bulltype.JobOpts{Delay: 10 * time.Second})

		next := bundle.claim(ctx, t, "token")
		require.Equal(t, ContinuationRetryAfter, next.Kind())
		require.Equal(t, 10*time.Second, next.RetryAfter)
		require.False(t, next.RateLimited)

		bundle.timeStub.Advance(10 * time.Second)

		require.Equal(t, jobID, bundle.claimJob(ctx, t, "token").ID)
	})

	t.Run("DiscardsDelayMarker", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		// The delayed job leaves a marker in the empty waiting list, which
		// sits in front of the plain job inserted after it.
		bundle.addJob(ctx, t, bulltype.JobOpts{Delay: time.Minute})
		jobID := bundle.addJob(ctx, t, bulltype.JobOpts{})

		waitIDs := atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) ([]string, error) {
			return tx.LRange(ctx, bundle.keys.Wait(), 0, -1)
		})
		require.Len(t, waitIDs, 2)
		require.True(t, isMarker(waitIDs[1]))

		require.Equal(t, jobID, bundle.claimJob(ctx, t, "token").ID)

		activeIDs := atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) ([]string, error) {
			return tx.LRange(ctx, bundle.keys.Active(), 0, -1)
		})
		require.Equal(t, []string{jobID}, activeIDs)
	})

	t.Run("RateLimited", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		for range 3 {
			bundle.addJob(ctx, t, bulltype.JobOpts{})
		}

		limiter := &Limiter{Duration: time.Second, Max: 2}
		claim := func() *Continuation {
			return atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) (*Continuation, error) {
				return MoveToActive(ctx, tx, bundle.keys, &MoveToActiveParams{Limiter: limiter, Now: bundle.now(), Token: "token"})
			})
		}

		require.Equal(t, ContinuationNextJob, claim().Kind())
		require.Equal(t, ContinuationNextJob, claim().Kind())

		next := claim()
		require.Equal(t, ContinuationRetryAfter, next.Kind())
		require.True(t, next.RateLimited)
		require.Equal(t, time.Second, next.RetryAfter)

		bundle.timeStub.Advance(400 * time.Millisecond)
		require.Equal(t, 600*time.Millisecond, claim().RetryAfter)

		bundle.timeStub.Advance(600 * time.Millisecond)
		require.Equal(t, ContinuationNextJob, claim().Kind())
	})

	t.Run("NoDoubleClaim", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		const numJobs = 50
		for range numJobs {
			bundle.addJob(ctx, t, bulltype.JobOpts{})
		}

		var (
			claimed   = make(map[string]int)
			claimedMu sync.Mutex
		)

		errGroup, ctx := errgroup.WithContext(ctx)
		for i := range 10 {
			errGroup.Go(func() error {
				for {
					var next *Continuation
					if err := bundle.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
						var err error
						next, err = MoveToActive(ctx, tx, bundle.keys, &MoveToActiveParams{Now: bundle.now(), Token: "worker" + strconv.Itoa(i)})
						return err
					}); err != nil {
						return err
					}
					if next.Kind() != ContinuationNextJob {
						return nil
					}

					claimedMu.Lock()
					claimed[next.Job.ID]++
					claimedMu.Unlock()
				}
			})
		}
		require.NoError(t, errGroup.Wait())

		require.Len(t, claimed, numJobs)
		for jobID, numClaims := range claimed {
			require.Equal(t, 1, numClaims, "job %s claimed more than once", jobID)
		}
	})
}

func TestContinuationKind(t *testing.T) {
	t.Parallel()

	require.Equal(t, ContinuationDone, (*Continuation)(nil).Kind())
	require.Equal(t, ContinuationDone, (&Continuation{}).Kind())
	require.Equal(t, ContinuationNextJob, (&Continuation{Job: &bulltype.JobRow{}}).Kind())
	require.Equal(t, ContinuationRetryAfter, (&Continuation{RetryAfter: time.Second}).Kind())
	require.Equal(t, "RetryAfter", ContinuationRetryAfter.String())
}
