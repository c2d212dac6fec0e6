package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/baseservice"
	"github.com/VladimirMikulic/bullmq/internal/bullcommon"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/internal/startstop"
	"github.com/VladimirMikulic/bullmq/internal/transition"
	"github.com/VladimirMikulic/bullmq/internal/util/timeutil"
	"github.com/VladimirMikulic/bullmq/internal/util/valutil"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

const StalledCheckerIntervalDefault = bullcommon.StalledIntervalDefault

// Test-only properties.
type StalledCheckerTestSignals struct {
	Checked bullcommon.TestSignal[*transition.MoveStalledJobsResult] // notifies when runOnce has finished a check
}

func (ts *StalledCheckerTestSignals) Init() {
	ts.Checked.Init()
}

type StalledCheckerConfig struct {
	// FailedKeepJobs is the retention policy applied to jobs failed for
	// stalling too many times. Nil keeps every failed job.
	FailedKeepJobs *bulltype.KeepJobs

	// Interval is the amount of time between checks. It's also the minimum
	// time between two checks of the same queue made by any process.
	Interval time.Duration

	// MaxLenEvents overrides the length the event stream is trimmed to.
	MaxLenEvents int

	// MaxStalledCount is the number of times a job may be recovered from a
	// stall before it's failed instead.
	MaxStalledCount int

	// Queue is the queue being checked.
	Queue *keyspace.Queue
}

func (c *StalledCheckerConfig) mustValidate() *StalledCheckerConfig {
	if c.Interval <= 0 {
		panic("StalledCheckerConfig.Interval must be above zero")
	}
	if c.Queue == nil {
		panic("StalledCheckerConfig.Queue must be set")
	}

	return c
}

// StalledChecker periodically recovers active jobs whose workers have stopped
// renewing their locks, most likely because they crashed.
type StalledChecker struct {
	QueueMaintainerServiceBase
	startstop.BaseStartStop

	// exported for test purposes
	Config      *StalledCheckerConfig
	TestSignals StalledCheckerTestSignals

	driver kvdriver.Driver
}

func NewStalledChecker(archetype *baseservice.Archetype, config *StalledCheckerConfig, driver kvdriver.Driver) *StalledChecker {
	return baseservice.Init(archetype, &StalledChecker{
		Config: (&StalledCheckerConfig{
			FailedKeepJobs:  config.FailedKeepJobs,
			Interval:        valutil.ValOrDefault(config.Interval, StalledCheckerIntervalDefault),
			MaxLenEvents:    config.MaxLenEvents,
			MaxStalledCount: valutil.ValOrDefault(config.MaxStalledCount, bullcommon.MaxStalledCountDefault),
			Queue:           config.Queue,
		}).mustValidate(),
		driver: driver,
	})
}

func (s *StalledChecker) Start(ctx context.Context) error {
	ctx, shouldStart, started, stopped := s.StartInit(ctx)
	if !shouldStart {
		return nil
	}

	s.StaggerStart(ctx)

	go func() {
		started()
		defer stopped() // this defer should come first so it's last out

		s.Logger.DebugContext(ctx, s.Name+LogPrefixRunLoopStarted)
		defer s.Logger.DebugContext(ctx, s.Name+LogPrefixRunLoopStopped)

		ticker := timeutil.NewTickerWithInitialTick(ctx, s.Config.Interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			res, err := s.runOnce(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.Logger.ErrorContext(ctx, s.Name+": Error checking stalled jobs", slog.String("error", err.Error()))
				}
				continue
			}

			if len(res.Failed) > 0 || len(res.Recovered) > 0 {
				s.Logger.InfoContext(ctx, s.Name+LogPrefixRanSuccessfully,
					slog.Int("num_jobs_failed", len(res.Failed)),
					slog.Int("num_jobs_recovered", len(res.Recovered)),
					slog.String("queue", s.Config.Queue.Name()),
				)
			}
		}
	}()

	return nil
}

func (s *StalledChecker) runOnce(ctx context.Context) (*transition.MoveStalledJobsResult, error) {
	ctx, cancelFunc := context.WithTimeout(ctx, TimeoutDefault)
	defer cancelFunc()

	var res *transition.MoveStalledJobsResult
	if err := s.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		var err error
		res, err = transition.MoveStalledJobs(ctx, tx, s.Config.Queue, &transition.MoveStalledJobsParams{
			KeepJobs:        s.Config.FailedKeepJobs,
			MaxLenEvents:    s.Config.MaxLenEvents,
			MaxStalledCount: s.Config.MaxStalledCount,
			Now:             s.Time.NowUTC(),
			StalledInterval: s.Config.Interval,
		})
		return err
	}); err != nil {
		return nil, fmt.Errorf("error moving stalled jobs: %w", err)
	}

	for _, jobID := range res.Failed {
		s.Logger.WarnContext(ctx, s.Name+": Job stalled too many times and was failed",
			slog.String("job_id", jobID), slog.Int("max_stalled_count", s.Config.MaxStalledCount))
	}

	s.TestSignals.Checked.Signal(res)

	return res, nil
}
