package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/bullinternaltest"
	"github.com/VladimirMikulic/bullmq/internal/startstop/startstoptest"
)

func TestRetentionCleaner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	setup := func(t *testing.T, config *RetentionCleanerConfig) (*RetentionCleaner, *maintenanceBundle) {
		t.Helper()

		bundle := setupMaintenance(t)
		config.Queue = bundle.keys

		cleaner := NewRetentionCleaner(bundle.archetype, config, bundle.driver)
		cleaner.TestSignals.Init()

		return cleaner, bundle
	}

	// finishJobs works and finishes jobs one at a time, oldest first.
	finishJobs := func(t *testing.T, bundle *maintenanceBundle, numJobs int, target bulltype.JobState) []string {
		t.Helper()

		jobIDs := make([]string, numJobs)
		for i := range numJobs {
			bundle.addJob(ctx, t, bulltype.JobOpts{})
			jobIDs[i] = bundle.claimJob(ctx, t, "token")
			bundle.finishJob(ctx, t, jobIDs[i], "token", target)
			bundle.timeStub.Advance(time.Second)
		}
		return jobIDs
	}

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()

		cleaner, _ := setup(t, &RetentionCleanerConfig{})

		require.Equal(t, RetentionCleanerIntervalDefault, cleaner.Config.Interval)
	})

	t.Run("StartStopStress", func(t *testing.T) {
		t.Parallel()

		cleaner, _ := setup(t, &RetentionCleanerConfig{})
		cleaner.Logger = bullinternaltest.LoggerWarn(t) // loop started/stop log is very noisy; suppress
		cleaner.StaggerStartupDisable(true)
		cleaner.TestSignals = RetentionCleanerTestSignals{} // deinit so channels don't fill

		startstoptest.Stress(ctx, t, cleaner)
	})

	t.Run("EvictsByCount", func(t *testing.T) {
		t.Parallel()

		cleaner, bundle := setup(t, &RetentionCleanerConfig{CompletedKeepJobs: &bulltype.KeepJobs{Count: 1}})

		jobIDs := finishJobs(t, bundle, 3, bulltype.JobStateCompleted)

		evicted, err := cleaner.runOnce(ctx)
		require.NoError(t, err)
		require.ElementsMatch(t, jobIDs[0:2], evicted)

		require.Nil(t, bundle.getJob(ctx, t, jobIDs[0]))
		require.Nil(t, bundle.getJob(ctx, t, jobIDs[1]))
		require.Equal(t, bulltype.JobStateCompleted, bundle.getJob(ctx, t, jobIDs[2]).State)

		// Running again is a no-op.
		evicted, err = cleaner.runOnce(ctx)
		require.NoError(t, err)
		require.Empty(t, evicted)
	})

	t.Run("EvictsByAge", func(t *testing.T) {
		t.Parallel()

		cleaner, bundle := setup(t, &RetentionCleanerConfig{FailedKeepJobs: &bulltype.KeepJobs{Age: 60, Count: -1}})

		jobIDs := finishJobs(t, bundle, 2, bulltype.JobStateFailed)

		evicted, err := cleaner.runOnce(ctx)
		require.NoError(t, err)
		require.Empty(t, evicted)

		// Ages the first job to the limit, but not the second, which
		// finished a second later.
		bundle.timeStub.Advance(58 * time.Second)

		evicted, err = cleaner.runOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{jobIDs[0]}, evicted)
	})

	t.Run("NilPoliciesKeepEverything", func(t *testing.T) {
		t.Parallel()

		cleaner, bundle := setup(t, &RetentionCleanerConfig{})

		finishJobs(t, bundle, 2, bulltype.JobStateCompleted)
		bundle.timeStub.Advance(24 * time.Hour)

		evicted, err := cleaner.runOnce(ctx)
		require.NoError(t, err)
		require.Empty(t, evicted)
	})

	t.Run("EvictsOnStart", func(t *testing.T) {
		t.Parallel()

		cleaner, bundle := setup(t, &RetentionCleanerConfig{CompletedKeepJobs: &bulltype.KeepJobs{Count: 1}})

		jobIDs := finishJobs(t, bundle, 2, bulltype.JobStateCompleted)

		startService(ctx, t, cleaner)

		require.Equal(t, []string{jobIDs[0]}, cleaner.TestSignals.EvictedJobs.WaitOrTimeout())
	})
}
