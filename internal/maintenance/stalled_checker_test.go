package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/bullcommon"
	"github.com/VladimirMikulic/bullmq/internal/bullinternaltest"
	"github.com/VladimirMikulic/bullmq/internal/startstop/startstoptest"
	"github.com/VladimirMikulic/bullmq/internal/transition"
)

func TestStalledChecker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	setup := func(t *testing.T, config *StalledCheckerConfig) (*StalledChecker, *maintenanceBundle) {
		t.Helper()

		bundle := setupMaintenance(t)
		config.Queue = bundle.keys

		checker := NewStalledChecker(bundle.archetype, config, bundle.driver)
		checker.TestSignals.Init()

		return checker, bundle
	}

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()

		checker, _ := setup(t, &StalledCheckerConfig{})

		require.Equal(t, StalledCheckerIntervalDefault, checker.Config.Interval)
		require.Equal(t, bullcommon.MaxStalledCountDefault, checker.Config.MaxStalledCount)
	})

	t.Run("StartStopStress", func(t *testing.T) {
		t.Parallel()

		checker, _ := setup(t, &StalledCheckerConfig{})
		checker.Logger = bullinternaltest.LoggerWarn(t) // loop started/stop log is very noisy; suppress
		checker.StaggerStartupDisable(true)
		checker.TestSignals = StalledCheckerTestSignals{} // deinit so channels don't fill

		startstoptest.Stress(ctx, t, checker)
	})

	t.Run("RecoversStalledJob", func(t *testing.T) {
		t.Parallel()

		checker, bundle := setup(t, &StalledCheckerConfig{})

		jobID := bundle.addJob(ctx, t, bulltype.JobOpts{Attempts: 2})
		bundle.claimJob(ctx, t, "token")

		// The first check only marks the active job as a candidate.
		res, err := checker.runOnce(ctx)
		require.NoError(t, err)
		require.Empty(t, res.Recovered)

		// Checks are throttled across processes.
		res, err = checker.runOnce(ctx)
		require.NoError(t, err)
		require.True(t, res.Skipped)

		// The lock expires without having been extended.
		bundle.timeStub.Advance(bullcommon.LockDurationDefault + time.Second)

		res, err = checker.runOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{jobID}, res.Recovered)

		job := bundle.getJob(ctx, t, jobID)
		require.Equal(t, bulltype.JobStateWaiting, job.State)
		require.Equal(t, 1, job.StalledCount)
	})

	t.Run("LockedJobNotRecovered", func(t *testing.T) {
		t.Parallel()

		checker, bundle := setup(t, &StalledCheckerConfig{Interval: time.Second})

		jobID := bundle.addJob(ctx, t, bulltype.JobOpts{})
		bundle.claimJob(ctx, t, "token")

		_, err := checker.runOnce(ctx)
		require.NoError(t, err)

		bundle.timeStub.Advance(2 * time.Second)

		res, err := checker.runOnce(ctx)
		require.NoError(t, err)
		require.Empty(t, res.Recovered)
		require.Equal(t, bulltype.JobStateActive, bundle.getJob(ctx, t, jobID).State)
	})

	t.Run("FailsJobStalledTooManyTimes", func(t *testing.T) {
		t.Parallel()

		checker, bundle := setup(t, &StalledCheckerConfig{MaxStalledCount: -1})

		jobID := bundle.addJob(ctx, t, bulltype.JobOpts{})
		bundle.claimJob(ctx, t, "token")

		_, err := checker.runOnce(ctx)
		require.NoError(t, err)

		bundle.timeStub.Advance(bullcommon.LockDurationDefault + time.Second)

		res, err := checker.runOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{jobID}, res.Failed)

		job := bundle.getJob(ctx, t, jobID)
		require.Equal(t, bulltype.JobStateFailed, job.State)
		require.Equal(t, transition.StalledFailedReason, job.FailedReason)
	})

	t.Run("ChecksOnStart", func(t *testing.T) {
		t.Parallel()

		checker, bundle := setup(t, &StalledCheckerConfig{})

		bundle.addJob(ctx, t, bulltype.JobOpts{})
		bundle.claimJob(ctx, t, "token")

		startService(ctx, t, checker)

		res := checker.TestSignals.Checked.WaitOrTimeout()
		require.False(t, res.Skipped)
	})
}
