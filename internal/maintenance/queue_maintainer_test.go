package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VladimirMikulic/bullmq/internal/baseservice"
	"github.com/VladimirMikulic/bullmq/internal/bullcommon"
	"github.com/VladimirMikulic/bullmq/internal/bullinternaltest"
	"github.com/VladimirMikulic/bullmq/internal/startstop"
	"github.com/VladimirMikulic/bullmq/internal/startstop/startstoptest"
)

type testService struct {
	QueueMaintainerServiceBase
	startstop.BaseStartStop

	testSignals testServiceTestSignals
}

func newTestService(tb testing.TB) *testService {
	tb.Helper()

	testSvc := baseservice.Init(bullinternaltest.BaseServiceArchetype(tb), &testService{})
	testSvc.testSignals.Init()

	return testSvc
}

func (s *testService) Start(ctx context.Context) error {
	ctx, shouldStart, started, stopped := s.StartInit(ctx)
	if !shouldStart {
		return nil
	}

	go func() {
		started()
		defer stopped()

		s.testSignals.started.Signal(struct{}{})
		<-ctx.Done()
		s.testSignals.returning.Signal(struct{}{})
	}()

	return nil
}

type testServiceTestSignals struct {
	returning bullcommon.TestSignal[struct{}]
	started   bullcommon.TestSignal[struct{}]
}

func (ts *testServiceTestSignals) Init() {
	ts.returning.Init()
	ts.started.Init()
}

func TestQueueMaintainer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	setup := func(t *testing.T, services []startstop.Service) *QueueMaintainer {
		t.Helper()

		maintainer := NewQueueMaintainer(bullinternaltest.BaseServiceArchetype(t), services)
		maintainer.StaggerStartupDisable(true)

		return maintainer
	}

	t.Run("StartStop", func(t *testing.T) {
		t.Parallel()

		testSvc := newTestService(t)
		maintainer := setup(t, []startstop.Service{testSvc})

		require.NoError(t, maintainer.Start(ctx))
		testSvc.testSignals.started.WaitOrTimeout()
		maintainer.Stop()
		testSvc.testSignals.returning.WaitOrTimeout()
	})

	t.Run("StartStopStress", func(t *testing.T) {
		t.Parallel()

		bundle := setupMaintenance(t)
		bundle.archetype.Logger = bullinternaltest.LoggerWarn(t) // loop started/stop log is very noisy; suppress

		// Use realistic services in this one so we can verify stress not only
		// on the queue maintainer, but it and all its subservices together.
		maintainer := setup(t, []startstop.Service{
			NewDelayedPromoter(bundle.archetype, &DelayedPromoterConfig{Queue: bundle.keys}, bundle.driver),
			NewRepeatScheduler(bundle.archetype, &RepeatSchedulerConfig{Queue: bundle.keys}, bundle.driver),
			NewRetentionCleaner(bundle.archetype, &RetentionCleanerConfig{Queue: bundle.keys}, bundle.driver),
			NewStalledChecker(bundle.archetype, &StalledCheckerConfig{Queue: bundle.keys}, bundle.driver),
		})
		maintainer.Logger = bullinternaltest.LoggerWarn(t)
		startstoptest.Stress(ctx, t, maintainer)
	})

	t.Run("StaggerStartupDisable", func(t *testing.T) {
		t.Parallel()

		bundle := setupMaintenance(t)

		promoter := NewDelayedPromoter(bundle.archetype, &DelayedPromoterConfig{Queue: bundle.keys}, bundle.driver)
		require.False(t, promoter.StaggerStartupIsDisabled())

		setup(t, []startstop.Service{promoter})
		require.True(t, promoter.StaggerStartupIsDisabled())
	})

	t.Run("StopWithoutHavingBeenStarted", func(t *testing.T) {
		t.Parallel()

		testSvc := newTestService(t)
		maintainer := setup(t, []startstop.Service{testSvc})

		// Tolerate being stopped without having been started, without blocking:
		maintainer.Stop()

		require.NoError(t, maintainer.Start(ctx))
		testSvc.testSignals.started.WaitOrTimeout()
		maintainer.Stop()
	})

	t.Run("MultipleStartStop", func(t *testing.T) {
		t.Parallel()

		testSvc := newTestService(t)
		maintainer := setup(t, []startstop.Service{testSvc})

		runOnce := func() {
			require.NoError(t, maintainer.Start(ctx))
			testSvc.testSignals.started.WaitOrTimeout()
			maintainer.Stop()
			testSvc.testSignals.returning.WaitOrTimeout()
		}

		for range 3 {
			runOnce()
		}
	})

	t.Run("RespectsContextCancellation", func(t *testing.T) {
		t.Parallel()

		testSvc := newTestService(t)
		maintainer := setup(t, []startstop.Service{testSvc})

		ctx, cancelFunc := context.WithCancel(ctx)

		require.NoError(t, maintainer.Start(ctx))
		<-maintainer.Started()

		// Take a reference to the stopped channel before cancelling, or the
		// cancellation may win and clear it first.
		stopped := maintainer.Stopped()
		cancelFunc()
		bullinternaltest.WaitOrTimeout(t, stopped)
	})

	t.Run("GetService", func(t *testing.T) {
		t.Parallel()

		testSvc := newTestService(t)

		maintainer := setup(t, []startstop.Service{testSvc})

		require.NoError(t, maintainer.Start(ctx))
		testSvc.testSignals.started.WaitOrTimeout()

		svc := GetService[*testService](maintainer)
		require.Same(t, testSvc, svc)

		maintainer.Stop()
		testSvc.testSignals.returning.WaitOrTimeout()
	})
}

// Make sure the stagger doesn't hang a stopping service.
func TestQueueMaintainerServiceBase(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := newTestService(t)

	start := time.Now()
	svc.StaggerStart(ctx)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}
