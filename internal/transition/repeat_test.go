package transition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

func TestRepeatables(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	upsert := func(t *testing.T, bundle *testBundle, params *UpsertRepeatableParams) *Repeatable {
		t.Helper()

		params.Now = bundle.now()
		return atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) (*Repeatable, error) {
			return UpsertRepeatable(ctx, tx, bundle.keys, params)
		})
	}

	enqueueDue := func(t *testing.T, bundle *testBundle) []string {
		t.Helper()

		return atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) ([]string, error) {
			return EnqueueDueRepeatables(ctx, tx, bundle.keys, bundle.now(), 100)
		})
	}

	delayedIDs := func(t *testing.T, bundle *testBundle) []string {
		t.Helper()

		return atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) ([]string, error) {
			return ListJobIDs(ctx, tx, bundle.keys, bulltype.JobStateDelayed, 0, -1)
		})
	}

	t.Run("SchedulesFirstIteration", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		repeatable := upsert(t, bundle, &UpsertRepeatableParams{Data: []byte(`{"n":1}`), Every: time.Minute, Key: "report", Name: "report"})
		require.Equal(t, bundle.now().Add(time.Minute), repeatable.Next)

		job := bundle.getJob(ctx, t, "repeat-report-1717243260000")
		require.NotNil(t, job)
		require.Equal(t, bulltype.JobStateDelayed, job.State)
		require.Equal(t, "report", job.RepeatJobKey)
		require.Equal(t, "report", job.Name)
		require.JSONEq(t, `{"n":1}`, string(job.Data))

		repeatables := atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) ([]*Repeatable, error) {
			return ListRepeatables(ctx, tx, bundle.keys)
		})
		require.Len(t, repeatables, 1)
		require.Equal(t, "report", repeatables[0].Key)
		require.Equal(t, time.Minute, repeatables[0].Every)
		require.Equal(t, repeatable.Next, repeatables[0].Next)
	})

	t.Run("EnqueuesNextIterationWhenDue", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		upsert(t, bundle, &UpsertRepeatableParams{Every: time.Minute, Key: "report", Name: "report"})

		require.Empty(t, enqueueDue(t, bundle))

		bundle.timeStub.Advance(time.Minute)
		require.Equal(t, []string{"repeat-report-1717243320000"}, enqueueDue(t, bundle))
		require.Equal(t, []string{"repeat-report-1717243260000", "repeat-report-1717243320000"}, delayedIDs(t, bundle))

		// The due iteration is worked as normal.
		require.Equal(t, "repeat-report-1717243260000", bundle.claimJob(ctx, t, "token").ID)
	})

	t.Run("SkipsMissedIterations", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		upsert(t, bundle, &UpsertRepeatableParams{Every: time.Minute, Key: "report", Name: "report"})

		bundle.timeStub.Advance(10 * time.Minute)
		require.Equal(t, []string{"repeat-report-1717243860000"}, enqueueDue(t, bundle))
	})

	t.Run("Pattern", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		repeatable := upsert(t, bundle, &UpsertRepeatableParams{Key: "report", Name: "report", Pattern: "*/5 * * * *"})
		require.Equal(t, bundle.now().Add(5*time.Minute), repeatable.Next)
	})

	t.Run("UpsertReplacesPendingIteration", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		upsert(t, bundle, &UpsertRepeatableParams{Every: time.Minute, Key: "report", Name: "report"})
		upsert(t, bundle, &UpsertRepeatableParams{Key: "report", Name: "report", Pattern: "*/5 * * * *"})

		require.Equal(t, []string{"repeat-report-1717243500000"}, delayedIDs(t, bundle))
		require.Nil(t, bundle.getJob(ctx, t, "repeat-report-1717243260000"))
	})

	t.Run("Remove", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		upsert(t, bundle, &UpsertRepeatableParams{Every: time.Minute, Key: "report", Name: "report"})

		remove := func() bool {
			return atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) (bool, error) {
				return RemoveRepeatable(ctx, tx, bundle.keys, "report")
			})
		}
		require.True(t, remove())
		require.False(t, remove())

		require.Empty(t, delayedIDs(t, bundle))

		bundle.timeStub.Advance(time.Minute)
		require.Empty(t, enqueueDue(t, bundle))
	})

	t.Run("InvalidDefinitions", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		upsertErr := func(params *UpsertRepeatableParams) error {
			params.Now = bundle.now()
			return bundle.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
				_, err := UpsertRepeatable(ctx, tx, bundle.keys, params)
				return err
			})
		}

		require.ErrorIs(t, upsertErr(&UpsertRepeatableParams{Every: time.Minute, Key: "a:b"}), bulltype.ErrInvalidJobID)
		require.ErrorContains(t, upsertErr(&UpsertRepeatableParams{Key: "report", Pattern: "not a pattern"}), "error parsing repeat pattern")
		require.ErrorContains(t, upsertErr(&UpsertRepeatableParams{Every: time.Millisecond, Key: "report"}), "at least one second")
	})
}
