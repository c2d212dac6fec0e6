package bullmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/baseservice"
	"github.com/VladimirMikulic/bullmq/internal/bullcommon"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/internal/transition"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

// QueueConfig is the configuration for a Queue.
type QueueConfig struct {
	// Logger is the structured logger to use for logging purposes. If none is
	// specified, logs will be emitted to STDOUT with messages at warn level
	// or higher.
	Logger *slog.Logger

	// MaxLenEvents is the length the queue's event stream is trimmed to on
	// each transition made through this Queue. Zero defers to the length
	// stored with SetMaxLenEvents, or 10,000 if none was.
	MaxLenEvents int

	// Name is the name of the queue. It's required and may not contain a
	// colon.
	Name string

	// Prefix is prepended to every key the queue uses. Defaults to "bull".
	// Queues are only visible to one another, such as for flows and parents,
	// if they share a prefix.
	Prefix string
}

func (c *QueueConfig) validate() error {
	if c.Name == "" {
		return errors.New("queue name is required")
	}
	if strings.Contains(c.Name, ":") {
		return fmt.Errorf("queue name %q may not contain ':'", c.Name)
	}
	if strings.Contains(c.Prefix, ":") {
		return fmt.Errorf("prefix %q may not contain ':'", c.Prefix)
	}
	if c.MaxLenEvents < 0 {
		return errors.New("MaxLenEvents cannot be less than zero")
	}
	return nil
}

// Queue is used to add jobs to a queue and administer it. It's safe for
// concurrent use, and any number of Queues in any number of processes may
// operate on the same queue.
type Queue struct {
	baseService baseservice.BaseService
	config      *QueueConfig
	driver      kvdriver.Driver
	keys        *keyspace.Queue
}

// NewQueue returns a Queue that operates on the store behind driver.
func NewQueue(driver kvdriver.Driver, config *QueueConfig) (*Queue, error) {
	if driver == nil {
		return nil, errors.New("driver is required")
	}
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	config = &QueueConfig{
		Logger:       loggerOrDefault(config.Logger),
		MaxLenEvents: config.MaxLenEvents,
		Name:         config.Name,
		Prefix:       prefixOrDefault(config.Prefix),
	}

	queue := &Queue{
		config: config,
		driver: driver,
		keys:   keyspace.New(config.Prefix, config.Name),
	}
	queue.baseService.Archetype = *baseservice.NewArchetype(config.Logger)
	queue.baseService.Name = "Queue"

	return queue, nil
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func prefixOrDefault(prefix string) string {
	if prefix != "" {
		return prefix
	}
	return bullcommon.PrefixDefault
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.config.Name }

// QueueKey returns the key that the queue's keys hang off of, which is how
// jobs in other queues reference a parent in this one.
func (q *Queue) QueueKey() string { return q.keys.QueueKey() }

func (q *Queue) now() time.Time { return q.baseService.Time.NowUTC() }

// atomicVal runs fn in one atomic unit and returns its value.
func atomicVal[T any](ctx context.Context, driver kvdriver.Driver, fn func(ctx context.Context, tx kvdriver.Tx) (T, error)) (T, error) {
	var val T
	err := driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		var err error
		val, err = fn(ctx, tx)
		return err
	})
	return val, err
}

// AddResult is the result of adding a job.
type AddResult struct {
	// Duplicated is true if a job with the requested custom ID already
	// existed, in which case Job is the existing job and nothing was added.
	Duplicated bool

	// Job is the added job, including its resolved state.
	Job *bulltype.JobRow
}

// Add adds a job to the queue. It's waiting to be worked unless opts delay
// it, in which case it's delayed, or give it a priority, in which case it's
// prioritized.
func (q *Queue) Add(ctx context.Context, name string, data []byte, opts *bulltype.JobOpts) (*AddResult, error) {
	if opts == nil {
		opts = &bulltype.JobOpts{}
	}

	res, err := atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (*AddResult, error) {
		addRes, err := transition.AddJob(ctx, tx, q.keys, &transition.AddJobParams{
			Data:         data,
			MaxLenEvents: q.config.MaxLenEvents,
			Name:         name,
			Now:          q.now(),
			Opts:         *opts,
		})
		if err != nil {
			return nil, err
		}

		job, err := transition.GetJob(ctx, tx, q.keys, addRes.JobID)
		if err != nil {
			return nil, err
		}
		return &AddResult{Duplicated: addRes.Duplicated, Job: job}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("error adding job: %w", err)
	}

	if res.Duplicated {
		q.baseService.Logger.DebugContext(ctx, q.baseService.Name+": Job with custom ID already exists",
			slog.String("job_id", res.Job.ID), slog.String("queue", q.config.Name))
	}

	return res, nil
}

// FlowNode is a job in a tree of jobs where each parent waits for all of its
// children to complete before it's worked.
type FlowNode = transition.FlowNode

// FlowResult is the inserted counterpart of a FlowNode.
type FlowResult = transition.FlowResult

// AddFlow adds a tree of jobs all at once. Nodes that don't name a queue go
// into this one. Every queue in a flow shares this queue's prefix.
func (q *Queue) AddFlow(ctx context.Context, node *FlowNode) (*FlowResult, error) {
	var fillQueue func(node *FlowNode) *FlowNode
	fillQueue = func(node *FlowNode) *FlowNode {
		filled := *node
		if filled.Queue == "" {
			filled.Queue = q.config.Name
		}
		filled.Children = make([]*FlowNode, len(node.Children))
		for i, child := range node.Children {
			filled.Children[i] = fillQueue(child)
		}
		return &filled
	}
	node = fillQueue(node)

	res, err := atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (*FlowResult, error) {
		return transition.AddFlow(ctx, tx, q.config.Prefix, node, q.now())
	})
	if err != nil {
		return nil, fmt.Errorf("error adding flow: %w", err)
	}
	return res, nil
}

// GetJob returns a job along with its state. Returns an error matching
// ErrMissingJob if it doesn't exist.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*bulltype.JobRow, error) {
	job, err := atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (*bulltype.JobRow, error) {
		return transition.GetJob(ctx, tx, q.keys, jobID)
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, bulltype.NewTransitionError("GetJob", bulltype.ErrorCodeMissingJob, jobID)
	}
	return job, nil
}

// GetState returns the state of a job, or JobStateUnknown if there's no such
// job.
func (q *Queue) GetState(ctx context.Context, jobID string) (bulltype.JobState, error) {
	return atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (bulltype.JobState, error) {
		return transition.GetState(ctx, tx, q.keys, jobID)
	})
}

// GetCounts returns the number of jobs in each of the given states, or in
// every state if none are given.
func (q *Queue) GetCounts(ctx context.Context, states ...bulltype.JobState) (map[bulltype.JobState]int, error) {
	return atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (map[bulltype.JobState]int, error) {
		return transition.GetCounts(ctx, tx, q.keys, states...)
	})
}

// ListJobs returns jobs in a state by rank. Lists hold their newest jobs
// first, and sorted sets are ordered by score. A stop of -1 lists every job
// from start on.
func (q *Queue) ListJobs(ctx context.Context, state bulltype.JobState, start, stop int) ([]*bulltype.JobRow, error) {
	return atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) ([]*bulltype.JobRow, error) {
		jobIDs, err := transition.ListJobIDs(ctx, tx, q.keys, state, start, stop)
		if err != nil {
			return nil, err
		}

		jobs := make([]*bulltype.JobRow, 0, len(jobIDs))
		for _, jobID := range jobIDs {
			job, err := transition.GetJob(ctx, tx, q.keys, jobID)
			if err != nil {
				return nil, err
			}
			if job != nil {
				jobs = append(jobs, job)
			}
		}
		return jobs, nil
	})
}

// GetDependencies returns the keys of a job's pending children, and the
// results of its completed children keyed by their job key.
func (q *Queue) GetDependencies(ctx context.Context, jobID string) ([]string, map[string]string, error) {
	var (
		pending   []string
		processed map[string]string
	)
	err := q.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		var err error
		pending, processed, err = transition.Dependencies(ctx, tx, q.keys, jobID)
		return err
	})
	return pending, processed, err
}

// Pause stops jobs from being claimed from the queue until it's resumed. Jobs
// already being worked are unaffected.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		return transition.Pause(ctx, tx, q.keys)
	}); err != nil {
		return fmt.Errorf("error pausing queue: %w", err)
	}

	q.baseService.Logger.InfoContext(ctx, q.baseService.Name+": Paused", slog.String("queue", q.config.Name))
	return nil
}

// Resume reverses Pause.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		return transition.Resume(ctx, tx, q.keys)
	}); err != nil {
		return fmt.Errorf("error resuming queue: %w", err)
	}

	q.baseService.Logger.InfoContext(ctx, q.baseService.Name+": Resumed", slog.String("queue", q.config.Name))
	return nil
}

// IsPaused returns true if the queue is paused.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	return atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (bool, error) {
		return transition.IsPaused(ctx, tx, q.keys)
	})
}

// Remove removes a job in any state. A job that's being worked can't be
// removed, and an error matching ErrJobLocked is returned for it.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	return q.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		return transition.RemoveJob(ctx, tx, q.keys, jobID)
	})
}

// Clean removes up to limit jobs in a state that are older than grace,
// returning their IDs. A limit of zero removes every eligible job.
func (q *Queue) Clean(ctx context.Context, state bulltype.JobState, grace time.Duration, limit int) ([]string, error) {
	jobIDs, err := atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) ([]string, error) {
		return transition.Clean(ctx, tx, q.keys, &transition.CleanParams{
			Grace: grace,
			Limit: limit,
			Now:   q.now(),
			State: state,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("error cleaning %s jobs: %w", state, err)
	}
	return jobIDs, nil
}

// Drain removes every job waiting to be worked, and delayed jobs as well if
// includeDelayed is set. Returns the number of jobs removed.
func (q *Queue) Drain(ctx context.Context, includeDelayed bool) (int, error) {
	return atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (int, error) {
		return transition.Drain(ctx, tx, q.keys, includeDelayed)
	})
}

// PromoteJob makes a delayed job waiting immediately. Returns an error
// matching ErrJobNotDelayed if the job isn't delayed.
func (q *Queue) PromoteJob(ctx context.Context, jobID string) error {
	return q.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		return transition.PromoteJob(ctx, tx, q.keys, jobID)
	})
}

// ForceFinish completes or fails a job regardless of which worker holds its
// lock, if any. result is the job's return value when completing, and its
// failed reason when failing. A job failed this way may still be retried if it
// has attempts left.
func (q *Queue) ForceFinish(ctx context.Context, jobID string, target bulltype.JobState, result string) error {
	params := &transition.MoveToFinishedParams{
		JobID:         jobID,
		MaxLenEvents:  q.config.MaxLenEvents,
		Now:           q.now(),
		SkipLockCheck: true,
		Target:        target,
	}
	if target == bulltype.JobStateCompleted {
		params.ReturnValue = result
	} else {
		params.FailedReason = result
	}

	if err := q.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		_, err := transition.MoveToFinished(ctx, tx, q.keys, params)
		return err
	}); err != nil {
		return fmt.Errorf("error force finishing job: %w", err)
	}

	q.baseService.Logger.WarnContext(ctx, q.baseService.Name+": Force finished job",
		slog.String("job_id", jobID), slog.String("target", string(target)))
	return nil
}

// RateLimit stops jobs from being claimed from the queue for duration.
func (q *Queue) RateLimit(ctx context.Context, duration time.Duration) error {
	return q.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		return transition.RateLimit(ctx, tx, q.keys, duration)
	})
}

// RateLimitTTL returns how long until a job may be claimed under limiter, or
// zero if one may be claimed now.
func (q *Queue) RateLimitTTL(ctx context.Context, limiter *Limiter) (time.Duration, error) {
	return atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (time.Duration, error) {
		return transition.RateLimitTTL(ctx, tx, q.keys, limiter)
	})
}

// Events returns up to count of the queue's events that come after afterID,
// oldest first. An empty afterID reads from the oldest event retained, and a
// count of zero reads every event.
func (q *Queue) Events(ctx context.Context, afterID string, count int) ([]*bulltype.Event, error) {
	return atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) ([]*bulltype.Event, error) {
		return transition.ReadEvents(ctx, tx, q.keys, afterID, count)
	})
}

// SetMaxLenEvents stores the length that the queue's event stream is trimmed
// to by every process that doesn't configure its own.
func (q *Queue) SetMaxLenEvents(ctx context.Context, maxLen int) error {
	if maxLen < 1 {
		return errors.New("max events length must be above zero")
	}
	return q.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		return transition.SetMaxLenEvents(ctx, tx, q.keys, maxLen)
	})
}

// Metrics are the collected counts of completed or failed jobs.
type Metrics = transition.Metrics

// GetMetrics returns metrics collected by workers for completed or failed
// jobs, with data points in the range [start, stop], most recent first.
func (q *Queue) GetMetrics(ctx context.Context, kind bulltype.JobState, start, stop int) (*Metrics, error) {
	return atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (*Metrics, error) {
		return transition.GetMetrics(ctx, tx, q.keys, kind, start, stop)
	})
}

// Repeatable is a definition that inserts a job on a schedule.
type Repeatable = transition.Repeatable

// RepeatableParams are parameters for UpsertRepeatable.
type RepeatableParams struct {
	Data []byte

	// Every is a fixed interval of at least a second between iterations. It's
	// ignored if Pattern is set.
	Every time.Duration

	// Key identifies the repeatable. Upserting an existing key replaces its
	// definition.
	Key string

	Name string

	// Opts are the options of each inserted iteration.
	Opts bulltype.JobOpts

	// Pattern is a standard five field cron expression like `*/5 * * * *`.
	Pattern string
}

// UpsertRepeatable creates or replaces a repeatable, scheduling its next
// iteration right away. Workers take care of scheduling iterations after
// that.
func (q *Queue) UpsertRepeatable(ctx context.Context, params *RepeatableParams) (*Repeatable, error) {
	return atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (*Repeatable, error) {
		return transition.UpsertRepeatable(ctx, tx, q.keys, &transition.UpsertRepeatableParams{
			Data:    params.Data,
			Every:   params.Every,
			Key:     params.Key,
			Name:    params.Name,
			Now:     q.now(),
			Opts:    params.Opts,
			Pattern: params.Pattern,
		})
	})
}

// RemoveRepeatable removes a repeatable along with its pending iteration.
// Returns false if there was no such repeatable.
func (q *Queue) RemoveRepeatable(ctx context.Context, key string) (bool, error) {
	return atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (bool, error) {
		return transition.RemoveRepeatable(ctx, tx, q.keys, key)
	})
}

// ListRepeatables returns every repeatable, soonest first.
func (q *Queue) ListRepeatables(ctx context.Context) ([]*Repeatable, error) {
	return atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) ([]*Repeatable, error) {
		return transition.ListRepeatables(ctx, tx, q.keys)
	})
}

// UpdateProgress records a job's progress, which is usually a number or a
// JSON object, and publishes it as a progress event.
func (q *Queue) UpdateProgress(ctx context.Context, jobID, progress string) error {
	return q.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		return transition.UpdateProgress(ctx, tx, q.keys, jobID, progress)
	})
}

// AddLog appends a line to a job's logs. If keep is positive, only that many
// of the most recent lines are kept. Returns the number of lines kept.
func (q *Queue) AddLog(ctx context.Context, jobID, line string, keep int) (int, error) {
	return atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (int, error) {
		return transition.AddLog(ctx, tx, q.keys, jobID, line, keep)
	})
}

// GetLogs returns the lines of a job's logs in the range [start, stop],
// oldest first, along with the total number of lines.
func (q *Queue) GetLogs(ctx context.Context, jobID string, start, stop int) ([]string, int, error) {
	var (
		lines    []string
		numLines int
	)
	err := q.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		var err error
		lines, numLines, err = transition.GetLogs(ctx, tx, q.keys, jobID, start, stop)
		return err
	})
	return lines, numLines, err
}

// CheckStalled runs a single stalled job check, returning the IDs of jobs
// that were recovered and failed. Workers run checks periodically on their
// own, so this is mostly useful from tooling. The check is skipped if another
// ran within interval.
func (q *Queue) CheckStalled(ctx context.Context, interval time.Duration, maxStalledCount int) (recovered, failed []string, err error) {
	res, err := atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (*transition.MoveStalledJobsResult, error) {
		return transition.MoveStalledJobs(ctx, tx, q.keys, &transition.MoveStalledJobsParams{
			MaxLenEvents:    q.config.MaxLenEvents,
			MaxStalledCount: maxStalledCount,
			Now:             q.now(),
			StalledInterval: interval,
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("error checking stalled jobs: %w", err)
	}
	return res.Recovered, res.Failed, nil
}

// PromoteDelayed makes every delayed job that's due waiting, returning the
// number of jobs promoted.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	return atomicVal(ctx, q.driver, func(ctx context.Context, tx kvdriver.Tx) (int, error) {
		return transition.PromoteDelayed(ctx, tx, q.keys, q.now())
	})
}
