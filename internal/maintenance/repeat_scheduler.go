package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/VladimirMikulic/bullmq/internal/baseservice"
	"github.com/VladimirMikulic/bullmq/internal/bullcommon"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/internal/startstop"
	"github.com/VladimirMikulic/bullmq/internal/transition"
	"github.com/VladimirMikulic/bullmq/internal/util/timeutil"
	"github.com/VladimirMikulic/bullmq/internal/util/valutil"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

const (
	RepeatSchedulerIntervalDefault = time.Second
	RepeatSchedulerLimitDefault    = 100
)

// Test-only properties.
type RepeatSchedulerTestSignals struct {
	ScheduledBatch bullcommon.TestSignal[[]string] // notifies with the IDs of iterations scheduled by a batch
}

func (ts *RepeatSchedulerTestSignals) Init() {
	ts.ScheduledBatch.Init()
}

type RepeatSchedulerConfig struct {
	// Interval is the amount of time between runs of the scheduler.
	Interval time.Duration

	// Limit is the maximum number of repeatables handled in a single batch.
	Limit int

	// Queue is the queue whose repeatables are scheduled.
	Queue *keyspace.Queue
}

func (c *RepeatSchedulerConfig) mustValidate() *RepeatSchedulerConfig {
	if c.Interval <= 0 {
		panic("RepeatSchedulerConfig.Interval must be above zero")
	}
	if c.Limit <= 0 {
		panic("RepeatSchedulerConfig.Limit must be above zero")
	}
	if c.Queue == nil {
		panic("RepeatSchedulerConfig.Queue must be set")
	}

	return c
}

// RepeatScheduler keeps every repeatable definition of a queue one iteration
// ahead: once an iteration comes due, the one following it is inserted as a
// delayed job.
type RepeatScheduler struct {
	QueueMaintainerServiceBase
	startstop.BaseStartStop

	// exported for test purposes
	Config      *RepeatSchedulerConfig
	TestSignals RepeatSchedulerTestSignals

	driver kvdriver.Driver
}

func NewRepeatScheduler(archetype *baseservice.Archetype, config *RepeatSchedulerConfig, driver kvdriver.Driver) *RepeatScheduler {
	return baseservice.Init(archetype, &RepeatScheduler{
		Config: (&RepeatSchedulerConfig{
			Interval: valutil.ValOrDefault(config.Interval, RepeatSchedulerIntervalDefault),
			Limit:    valutil.ValOrDefault(config.Limit, RepeatSchedulerLimitDefault),
			Queue:    config.Queue,
		}).mustValidate(),
		driver: driver,
	})
}

func (s *RepeatScheduler) Start(ctx context.Context) error {
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

			numScheduled, err := s.runOnce(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.Logger.ErrorContext(ctx, s.Name+": Error scheduling repeatables", slog.String("error", err.Error()))
				}
				continue
			}

			if numScheduled > 0 {
				s.Logger.InfoContext(ctx, s.Name+LogPrefixRanSuccessfully,
					slog.Int("num_iterations_scheduled", numScheduled),
					slog.String("queue", s.Config.Queue.Name()),
				)
			}
		}
	}()

	return nil
}

func (s *RepeatScheduler) runOnce(ctx context.Context) (int, error) {
	var numScheduledTotal int

	for {
		jobIDs, err := func() ([]string, error) {
			ctx, cancelFunc := context.WithTimeout(ctx, TimeoutDefault)
			defer cancelFunc()

			var jobIDs []string
			err := s.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
				var err error
				jobIDs, err = transition.EnqueueDueRepeatables(ctx, tx, s.Config.Queue, s.Time.NowUTC(), s.Config.Limit)
				return err
			})
			return jobIDs, err
		}()
		if err != nil {
			return 0, fmt.Errorf("error scheduling repeatables: %w", err)
		}

		s.TestSignals.ScheduledBatch.Signal(jobIDs)

		numScheduledTotal += len(jobIDs)

		if len(jobIDs) < s.Config.Limit {
			break
		}

		s.CancellableSleepRandomBetween(ctx, BatchBackoffMin, BatchBackoffMax)
	}

	return numScheduledTotal, nil
}
