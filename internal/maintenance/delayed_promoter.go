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

const DelayedPromoterIntervalDefault = 5 * time.Second

// Test-only properties.
type DelayedPromoterTestSignals struct {
	PromotedBatch bullcommon.TestSignal[int] // notifies with the number of jobs promoted by a batch
}

func (ts *DelayedPromoterTestSignals) Init() {
	ts.PromotedBatch.Init()
}

type DelayedPromoterConfig struct {
	// Interval is the amount of time between runs of the promoter.
	Interval time.Duration

	// Queue is the queue whose delayed jobs are promoted.
	Queue *keyspace.Queue
}

func (c *DelayedPromoterConfig) mustValidate() *DelayedPromoterConfig {
	if c.Interval <= 0 {
		panic("DelayedPromoterConfig.Interval must be above zero")
	}
	if c.Queue == nil {
		panic("DelayedPromoterConfig.Queue must be set")
	}

	return c
}

// DelayedPromoter periodically moves delayed jobs that have come due into
// waiting. Claiming a job promotes due jobs as well, so this mostly matters
// for queues that no worker is currently claiming from.
type DelayedPromoter struct {
	QueueMaintainerServiceBase
	startstop.BaseStartStop

	// exported for test purposes
	Config      *DelayedPromoterConfig
	TestSignals DelayedPromoterTestSignals

	driver kvdriver.Driver
}

func NewDelayedPromoter(archetype *baseservice.Archetype, config *DelayedPromoterConfig, driver kvdriver.Driver) *DelayedPromoter {
	return baseservice.Init(archetype, &DelayedPromoter{
		Config: (&DelayedPromoterConfig{
			Interval: valutil.ValOrDefault(config.Interval, DelayedPromoterIntervalDefault),
			Queue:    config.Queue,
		}).mustValidate(),
		driver: driver,
	})
}

func (s *DelayedPromoter) Start(ctx context.Context) error {
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

			numPromoted, err := s.runOnce(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.Logger.ErrorContext(ctx, s.Name+": Error promoting delayed jobs", slog.String("error", err.Error()))
				}
				continue
			}

			if numPromoted > 0 {
				s.Logger.InfoContext(ctx, s.Name+LogPrefixRanSuccessfully,
					slog.Int("num_jobs_promoted", numPromoted),
					slog.String("queue", s.Config.Queue.Name()),
				)
			}
		}
	}()

	return nil
}

func (s *DelayedPromoter) runOnce(ctx context.Context) (int, error) {
	var numPromotedTotal int

	for {
		numPromoted, err := func() (int, error) {
			ctx, cancelFunc := context.WithTimeout(ctx, TimeoutDefault)
			defer cancelFunc()

			var numPromoted int
			err := s.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
				var err error
				numPromoted, err = transition.PromoteDelayed(ctx, tx, s.Config.Queue, s.Time.NowUTC())
				return err
			})
			return numPromoted, err
		}()
		if err != nil {
			return 0, fmt.Errorf("error promoting delayed jobs: %w", err)
		}

		s.TestSignals.PromotedBatch.Signal(numPromoted)

		numPromotedTotal += numPromoted

		// Fewer jobs than the batch size means there are none left that are due.
		if numPromoted < transition.PromoteBatchSize {
			break
		}

		s.CancellableSleepRandomBetween(ctx, BatchBackoffMin, BatchBackoffMax)
	}

	return numPromotedTotal, nil
}
