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

const RetentionCleanerIntervalDefault = 30 * time.Second

// Test-only properties.
type RetentionCleanerTestSignals struct {
	EvictedJobs bullcommon.TestSignal[[]string] // notifies with the IDs of jobs evicted by a run
}

func (ts *RetentionCleanerTestSignals) Init() {
	ts.EvictedJobs.Init()
}

type RetentionCleanerConfig struct {
	// CompletedKeepJobs is the retention policy of completed jobs. Nil keeps
	// every completed job.
	CompletedKeepJobs *bulltype.KeepJobs

	// FailedKeepJobs is the retention policy of failed jobs. Nil keeps every
	// failed job.
	FailedKeepJobs *bulltype.KeepJobs

	// Interval is the amount of time between runs of the cleaner.
	Interval time.Duration

	// Queue is the queue being cleaned.
	Queue *keyspace.Queue
}

func (c *RetentionCleanerConfig) mustValidate() *RetentionCleanerConfig {
	if c.Interval <= 0 {
		panic("RetentionCleanerConfig.Interval must be above zero")
	}
	if c.Queue == nil {
		panic("RetentionCleanerConfig.Queue must be set")
	}

	return c
}

// RetentionCleaner periodically applies a queue's retention policies to its
// finished jobs. Policies are applied whenever a job finishes, but only a
// periodic pass evicts jobs that age out while the queue is idle.
type RetentionCleaner struct {
	QueueMaintainerServiceBase
	startstop.BaseStartStop

	// exported for test purposes
	Config      *RetentionCleanerConfig
	TestSignals RetentionCleanerTestSignals

	driver kvdriver.Driver
}

func NewRetentionCleaner(archetype *baseservice.Archetype, config *RetentionCleanerConfig, driver kvdriver.Driver) *RetentionCleaner {
	return baseservice.Init(archetype, &RetentionCleaner{
		Config: (&RetentionCleanerConfig{
			CompletedKeepJobs: config.CompletedKeepJobs,
			FailedKeepJobs:    config.FailedKeepJobs,
			Interval:          valutil.ValOrDefault(config.Interval, RetentionCleanerIntervalDefault),
			Queue:             config.Queue,
		}).mustValidate(),
		driver: driver,
	})
}

func (s *RetentionCleaner) Start(ctx context.Context) error {
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

			evicted, err := s.runOnce(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.Logger.ErrorContext(ctx, s.Name+": Error evicting finished jobs", slog.String("error", err.Error()))
				}
				continue
			}

			if len(evicted) > 0 {
				s.Logger.InfoContext(ctx, s.Name+LogPrefixRanSuccessfully,
					slog.Int("num_jobs_evicted", len(evicted)),
					slog.String("queue", s.Config.Queue.Name()),
				)
			}
		}
	}()

	return nil
}

func (s *RetentionCleaner) runOnce(ctx context.Context) ([]string, error) {
	ctx, cancelFunc := context.WithTimeout(ctx, TimeoutDefault)
	defer cancelFunc()

	var evicted []string
	for _, policy := range []struct {
		keep  *bulltype.KeepJobs
		state bulltype.JobState
	}{
		{s.Config.CompletedKeepJobs, bulltype.JobStateCompleted},
		{s.Config.FailedKeepJobs, bulltype.JobStateFailed},
	} {
		if policy.keep == nil {
			continue
		}

		var evictedInState []string
		if err := s.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
			var err error
			evictedInState, err = transition.EvictFinished(ctx, tx, s.Config.Queue, policy.state, *policy.keep, s.Time.NowUTC())
			return err
		}); err != nil {
			return nil, fmt.Errorf("error evicting %s jobs: %w", policy.state, err)
		}
		evicted = append(evicted, evictedInState...)
	}

	s.TestSignals.EvictedJobs.Signal(evicted)

	return evicted, nil
}
