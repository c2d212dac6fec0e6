package bullmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/baseservice"
	"github.com/VladimirMikulic/bullmq/internal/bullcommon"
	"github.com/VladimirMikulic/bullmq/internal/maintenance"
	"github.com/VladimirMikulic/bullmq/internal/startstop"
	"github.com/VladimirMikulic/bullmq/internal/transition"
	"github.com/VladimirMikulic/bullmq/internal/util/valutil"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

const (
	ConcurrencyDefault   = 1
	FetchCooldownDefault = 100 * time.Millisecond
	FetchCooldownMin     = 1 * time.Millisecond
	PollIntervalDefault  = 1 * time.Second
	PollIntervalMin      = 1 * time.Millisecond

	// finishTimeout bounds how long recording a job's outcome may take. It
	// applies even when the worker's context has been cancelled.
	finishTimeout = 10 * time.Second
)

// Limiter caps how many jobs may be claimed from a queue within a fixed
// window, shared by every worker of the queue.
type Limiter = transition.Limiter

// WorkerConfig is the configuration for a Worker.
type WorkerConfig struct {
	// Concurrency is the maximum number of jobs the worker works at once.
	// Defaults to 1.
	Concurrency int

	// DisableMaintenance stops the worker from running maintenance services
	// for the queue, which are the stalled job checker, delayed job promoter,
	// retention cleaner, and repeatable job scheduler. Some process must run
	// them, so this should only be set if another one does.
	DisableMaintenance bool

	// FetchCooldown is the minimum amount of time between two claim attempts
	// made by the worker's fetch loop. Claims chained onto finishing a job
	// aren't subject to it. Defaults to 100 ms.
	FetchCooldown time.Duration

	// Handler works jobs. It's required.
	Handler HandlerFunc

	// Limiter rate limits claims from the queue.
	Limiter *Limiter

	// LockDuration is how long a worker's lock on a job lasts. Locks are
	// extended at half this interval for as long as a job is being worked.
	// Defaults to 30 seconds.
	LockDuration time.Duration

	// Logger is the structured logger to use for logging purposes. If none is
	// specified, logs will be emitted to STDOUT with messages at warn level
	// or higher.
	Logger *slog.Logger

	// MaxLenEvents is the length the queue's event stream is trimmed to.
	MaxLenEvents int

	// MaxStalledCount is the number of times a job may be recovered from a
	// stall before it's failed instead. Defaults to 1. A negative value fails
	// a job the first time it stalls.
	MaxStalledCount int

	// MetricsMaxDataPoints is the number of per-minute data points of
	// completed and failed job counts kept for the queue. Zero disables
	// metrics.
	MetricsMaxDataPoints int

	// PollInterval is how long the worker waits before trying to claim again
	// when there was nothing to claim. Defaults to 1 second.
	PollInterval time.Duration

	// Prefix is prepended to every key the queue uses. Defaults to "bull".
	Prefix string

	// Queue is the name of the queue to work. It's required.
	Queue string

	// RemoveOnComplete is the retention policy for completed jobs. A job's
	// own RemoveOnComplete option takes precedence. Nil keeps every job.
	RemoveOnComplete *bulltype.KeepJobs

	// RemoveOnFail is the retention policy for failed jobs. A job's own
	// RemoveOnFail option takes precedence. Nil keeps every job.
	RemoveOnFail *bulltype.KeepJobs

	// RetryPolicy determines how long a failed job waits before it's
	// retried. Defaults to DefaultRetryPolicy, which follows each job's
	// backoff option.
	RetryPolicy RetryPolicy

	// StalledInterval is how often stalled jobs are checked for. Defaults to
	// 30 seconds.
	StalledInterval time.Duration
}

func (c *WorkerConfig) validate() error {
	if c.Concurrency < 0 {
		return errors.New("Concurrency cannot be less than zero")
	}
	if c.FetchCooldown != 0 && c.FetchCooldown < FetchCooldownMin {
		return fmt.Errorf("FetchCooldown must be at least %s", FetchCooldownMin)
	}
	if c.Handler == nil {
		return errors.New("Handler is required")
	}
	if c.LockDuration < 0 {
		return errors.New("LockDuration cannot be less than zero")
	}
	if c.MetricsMaxDataPoints < 0 {
		return errors.New("MetricsMaxDataPoints cannot be less than zero")
	}
	if c.PollInterval != 0 && c.PollInterval < PollIntervalMin {
		return fmt.Errorf("PollInterval must be at least %s", PollIntervalMin)
	}
	if c.StalledInterval < 0 {
		return errors.New("StalledInterval cannot be less than zero")
	}
	return (&QueueConfig{MaxLenEvents: c.MaxLenEvents, Name: c.Queue, Prefix: c.Prefix}).validate()
}

// Test-only properties.
type workerTestSignals struct {
	finishedJob  bullcommon.TestSignal[*transition.FinishResult] // notifies when a job's outcome has been recorded
	lockExtended bullcommon.TestSignal[string]                   // notifies with a job ID when its lock was extended
}

func (ts *workerTestSignals) Init() {
	ts.finishedJob.Init()
	ts.lockExtended.Init()
}

// Worker claims jobs from a queue and works them with its handler. Any number
// of workers in any number of processes may work the same queue.
type Worker struct {
	baseservice.BaseService
	startstop.BaseStartStop

	config          *WorkerConfig
	fetchLimiter    *rate.Limiter
	id              string
	queue           *Queue
	queueMaintainer *maintenance.QueueMaintainer
	testSignals     workerTestSignals
	tokenSeq        atomic.Int64

	// workCancel cancels the contexts of jobs being worked. Only set while
	// the worker is running.
	workCancelMu sync.Mutex
	workCancel   context.CancelCauseFunc
}

// NewWorker returns a Worker for the queue named in config. It doesn't claim
// any jobs until it's started.
func NewWorker(driver kvdriver.Driver, config *WorkerConfig) (*Worker, error) {
	if driver == nil {
		return nil, errors.New("driver is required")
	}
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	config = &WorkerConfig{
		Concurrency:          valutil.ValOrDefault(config.Concurrency, ConcurrencyDefault),
		DisableMaintenance:   config.DisableMaintenance,
		FetchCooldown:        valutil.ValOrDefault(config.FetchCooldown, FetchCooldownDefault),
		Handler:              config.Handler,
		Limiter:              config.Limiter,
		LockDuration:         valutil.ValOrDefault(config.LockDuration, bullcommon.LockDurationDefault),
		Logger:               loggerOrDefault(config.Logger),
		MaxLenEvents:         config.MaxLenEvents,
		MaxStalledCount:      valutil.ValOrDefault(config.MaxStalledCount, bullcommon.MaxStalledCountDefault),
		MetricsMaxDataPoints: config.MetricsMaxDataPoints,
		PollInterval:         valutil.ValOrDefault(config.PollInterval, PollIntervalDefault),
		Prefix:               prefixOrDefault(config.Prefix),
		Queue:                config.Queue,
		RemoveOnComplete:     config.RemoveOnComplete,
		RemoveOnFail:         config.RemoveOnFail,
		RetryPolicy:          config.RetryPolicy,
		StalledInterval:      valutil.ValOrDefault(config.StalledInterval, bullcommon.StalledIntervalDefault),
	}
	if config.RetryPolicy == nil {
		config.RetryPolicy = &DefaultRetryPolicy{}
	}

	queue, err := NewQueue(driver, &QueueConfig{
		Logger:       config.Logger,
		MaxLenEvents: config.MaxLenEvents,
		Name:         config.Queue,
		Prefix:       config.Prefix,
	})
	if err != nil {
		return nil, err
	}

	archetype := &queue.baseService.Archetype

	worker := baseservice.Init(archetype, &Worker{
		config:       config,
		fetchLimiter: rate.NewLimiter(rate.Every(config.FetchCooldown), 1),
		id:           uuid.NewString(),
		queue:        queue,
	})

	if !config.DisableMaintenance {
		worker.queueMaintainer = maintenance.NewQueueMaintainer(archetype, []startstop.Service{
			maintenance.NewDelayedPromoter(archetype, &maintenance.DelayedPromoterConfig{
				Queue: queue.keys,
			}, driver),
			maintenance.NewRepeatScheduler(archetype, &maintenance.RepeatSchedulerConfig{
				Queue: queue.keys,
			}, driver),
			maintenance.NewRetentionCleaner(archetype, &maintenance.RetentionCleanerConfig{
				CompletedKeepJobs: config.RemoveOnComplete,
				FailedKeepJobs:    config.RemoveOnFail,
				Queue:             queue.keys,
			}, driver),
			maintenance.NewStalledChecker(archetype, &maintenance.StalledCheckerConfig{
				FailedKeepJobs:  config.RemoveOnFail,
				Interval:        config.StalledInterval,
				MaxLenEvents:    config.MaxLenEvents,
				MaxStalledCount: config.MaxStalledCount,
				Queue:           queue.keys,
			}, driver),
		})
	}

	return worker, nil
}

// ID returns the worker's randomly generated ID, which prefixes the tokens of
// the locks it takes.
func (w *Worker) ID() string { return w.id }

// Queue returns a Queue for the queue that the worker works.
func (w *Worker) Queue() *Queue { return w.queue }

// Start starts claiming and working jobs in the background. Stop the worker
// with Stop or StopAndCancel, or by cancelling ctx, which has the same effect
// as StopAndCancel.
func (w *Worker) Start(ctx context.Context) error {
	fetchCtx, shouldStart, started, stopped := w.StartInit(ctx)
	if !shouldStart {
		return nil
	}

	// Jobs are worked with a context that outlives the fetch loop so that
	// Stop lets them finish, but one that's still cancelled along with ctx.
	workCtx, workCancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stopAfterFunc := context.AfterFunc(ctx, func() { workCancel(context.Cause(ctx)) })

	w.workCancelMu.Lock()
	w.workCancel = workCancel
	w.workCancelMu.Unlock()

	if w.queueMaintainer != nil {
		if err := w.queueMaintainer.Start(fetchCtx); err != nil {
			stopAfterFunc()
			workCancel(err)
			stopped()
			return fmt.Errorf("error starting queue maintainer: %w", err)
		}
	}

	w.Logger.InfoContext(ctx, w.Name+": Started",
		slog.Int("concurrency", w.config.Concurrency),
		slog.String("queue", w.config.Queue),
		slog.String("worker_id", w.id),
	)

	go func() {
		started()
		defer stopped() // this defer should come first so it's last out
		defer workCancel(startstop.ErrStop)
		defer stopAfterFunc()

		var group errgroup.Group
		w.fetchLoop(fetchCtx, workCtx, &group)

		w.Logger.DebugContext(fetchCtx, w.Name+": Fetch loop stopped; waiting for jobs to finish",
			slog.String("queue", w.config.Queue))

		_ = group.Wait()

		if w.queueMaintainer != nil {
			w.queueMaintainer.Stop()
		}

		w.Logger.InfoContext(fetchCtx, w.Name+": Stopped", slog.String("queue", w.config.Queue))
	}()

	return nil
}

// Stop stops the worker from claiming any more jobs and waits for the jobs
// it's working to finish.
func (w *Worker) Stop() {
	w.BaseStartStop.Stop()
}

// StopAndCancel stops the worker from claiming jobs, cancels the contexts of
// the jobs it's working, and waits for them to return. Jobs whose handlers
// return early because of the cancellation are failed like any other.
func (w *Worker) StopAndCancel() {
	w.workCancelMu.Lock()
	if w.workCancel != nil {
		w.workCancel(startstop.ErrStop)
	}
	w.workCancelMu.Unlock()

	w.BaseStartStop.Stop()
}

func (w *Worker) nextToken() string {
	return w.id + ":" + strconv.FormatInt(w.tokenSeq.Add(1), 10)
}

// fetchLoop claims jobs whenever a slot is free and hands them off to be
// worked, until fetchCtx is done.
func (w *Worker) fetchLoop(fetchCtx, workCtx context.Context, group *errgroup.Group) {
	slots := semaphore.NewWeighted(int64(w.config.Concurrency))

	for {
		if err := slots.Acquire(fetchCtx, 1); err != nil {
			return
		}
		if err := w.fetchLimiter.Wait(fetchCtx); err != nil {
			slots.Release(1)
			return
		}

		token := w.nextToken()
		next, err := w.moveToActive(fetchCtx, token)
		if err != nil {
			slots.Release(1)
			if fetchCtx.Err() != nil {
				return
			}
			w.Logger.ErrorContext(fetchCtx, w.Name+": Error claiming job",
				slog.String("error", err.Error()), slog.String("queue", w.config.Queue))
			w.CancellableSleepRandomBetween(fetchCtx, maintenance.BatchBackoffMin, maintenance.BatchBackoffMax)
			continue
		}

		if next.Kind() == transition.ContinuationNextJob {
			group.Go(func() error {
				defer slots.Release(1)
				w.workJobs(fetchCtx, workCtx, next.Job, token)
				return nil
			})
			continue
		}

		slots.Release(1)
		w.CancellableSleep(fetchCtx, w.idleWait(next))
	}
}

// idleWait is how long to wait before the next claim attempt when the last
// one came up empty.
func (w *Worker) idleWait(next *transition.Continuation) time.Duration {
	switch {
	case next.RateLimited:
		return next.RetryAfter
	case next.Kind() == transition.ContinuationRetryAfter:
		return min(next.RetryAfter, w.config.PollInterval)
	}
	return w.config.PollInterval
}

func (w *Worker) moveToActive(ctx context.Context, token string) (*transition.Continuation, error) {
	return atomicVal(ctx, w.queue.driver, func(ctx context.Context, tx kvdriver.Tx) (*transition.Continuation, error) {
		return transition.MoveToActive(ctx, tx, w.queue.keys, &transition.MoveToActiveParams{
			Limiter:      w.config.Limiter,
			LockDuration: w.config.LockDuration,
			MaxLenEvents: w.config.MaxLenEvents,
			Now:          w.Time.NowUTC(),
			Token:        token,
		})
	})
}

// workJobs works a claimed job, then each job claimed while finishing the one
// before it, for as long as finishing yields another job.
func (w *Worker) workJobs(fetchCtx, workCtx context.Context, job *bulltype.JobRow, token string) {
	for job != nil {
		job = w.workJob(fetchCtx, workCtx, job, token)
	}
}

// workJob works a single job and records its outcome. It returns the next
// job if one was claimed along with the outcome, which is held with the same
// token.
func (w *Worker) workJob(fetchCtx, workCtx context.Context, jobRow *bulltype.JobRow, token string) *bulltype.JobRow {
	logAttrs := []any{
		slog.String("job_id", jobRow.ID),
		slog.String("job_name", jobRow.Name),
		slog.String("queue", w.config.Queue),
	}

	w.Logger.DebugContext(workCtx, w.Name+": Working job", logAttrs...)

	jobCtx, jobCancel := context.WithCancel(workCtx)
	lockDone := make(chan struct{})
	go func() {
		defer close(lockDone)
		w.extendLockLoop(jobCtx, jobRow.ID, token)
	}()

	returnValue, stacktrace, handlerErr := w.runHandler(jobCtx, &Job{JobRow: jobRow, queue: w.queue, token: token})

	jobCancel()
	<-lockDone

	if errors.Is(handlerErr, ErrWaitingChildren) {
		w.Logger.DebugContext(workCtx, w.Name+": Job is waiting for its children", logAttrs...)
		return nil
	}

	params := &transition.MoveToFinishedParams{
		FetchNext:      fetchCtx.Err() == nil,
		JobID:          jobRow.ID,
		Limiter:        w.config.Limiter,
		LockDuration:   w.config.LockDuration,
		MaxLenEvents:   w.config.MaxLenEvents,
		MaxMetricsSize: w.config.MetricsMaxDataPoints,
		Now:            w.Time.NowUTC(),
		Token:          token,
	}
	if handlerErr == nil {
		params.KeepJobs = w.config.RemoveOnComplete
		params.ReturnValue = string(returnValue)
		params.Target = bulltype.JobStateCompleted
	} else {
		params.FailedReason = handlerErr.Error()
		params.KeepJobs = w.config.RemoveOnFail
		params.RetryDelay = w.config.RetryPolicy.NextRetry(jobRow)
		params.Stacktrace = stacktrace
		params.Target = bulltype.JobStateFailed
		params.Unrecoverable = isUnrecoverable(handlerErr)

		w.Logger.ErrorContext(workCtx, w.Name+": Job errored",
			append(logAttrs, slog.String("error", handlerErr.Error()))...)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(workCtx), finishTimeout)
	defer cancel()

	res, err := atomicVal(ctx, w.queue.driver, func(ctx context.Context, tx kvdriver.Tx) (*transition.FinishResult, error) {
		return transition.MoveToFinished(ctx, tx, w.queue.keys, params)
	})
	if err != nil {
		// Most likely the lock was lost because the job was considered
		// stalled, in which case it's been recovered already.
		w.Logger.ErrorContext(ctx, w.Name+": Error finishing job",
			append(logAttrs, slog.String("error", err.Error()))...)
		return nil
	}

	w.Logger.DebugContext(ctx, w.Name+": Finished job",
		append(logAttrs, slog.String("outcome", string(res.Outcome)), slog.Int("attempts_made", res.AttemptsMade))...)

	w.testSignals.finishedJob.Signal(res)

	if res.Next.Kind() != transition.ContinuationNextJob {
		return nil
	}
	return res.Next.Job
}

// runHandler invokes the handler, converting a panic into an error along
// with the panic's stack trace.
func (w *Worker) runHandler(ctx context.Context, job *Job) (returnValue []byte, stacktrace string, err error) {
	defer func() {
		if recovery := recover(); recovery != nil {
			w.Logger.ErrorContext(ctx, w.Name+": Panic recovery; possible bug with handler",
				slog.String("job_id", job.ID),
				slog.String("panic_val", fmt.Sprintf("%v", recovery)),
			)

			err = fmt.Errorf("handler panicked: %v", recovery)
			stacktrace = err.Error() + "\n" + string(debug.Stack())
		}
	}()

	returnValue, err = w.config.Handler(ctx, job)
	return returnValue, "", err
}

// extendLockLoop renews a job's lock at half the lock duration until ctx is
// done. It gives up when the lock has been lost.
func (w *Worker) extendLockLoop(ctx context.Context, jobID, token string) {
	ticker := time.NewTicker(w.config.LockDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := w.queue.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
			return transition.ExtendLock(ctx, tx, w.queue.keys, jobID, token, w.config.LockDuration)
		})
		switch {
		case err == nil:
			w.testSignals.lockExtended.Signal(jobID)
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrMissingLock) || errors.Is(err, ErrLockMismatch):
			w.Logger.WarnContext(ctx, w.Name+": Lost lock on job", slog.String("job_id", jobID), slog.String("error", err.Error()))
			return
		default:
			w.Logger.ErrorContext(ctx, w.Name+": Error extending lock", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
	}
}
