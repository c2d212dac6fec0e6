package transition

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/internal/util/valutil"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

const opMoveToFinished = "MoveToFinished"

// MoveToFinishedParams are parameters for MoveToFinished.
type MoveToFinishedParams struct {
	JobID string

	// Token must match the job's lock unless SkipLockCheck is set.
	Token string

	// SkipLockCheck finishes the job whether or not anyone holds its lock.
	// It's meant for administrative force finishes only.
	SkipLockCheck bool

	// Target is either JobStateCompleted or JobStateFailed.
	Target bulltype.JobState

	// ReturnValue is the handler's result for a completed job.
	ReturnValue string

	// FailedReason is the error message for a failed job.
	FailedReason string

	// Stacktrace is recorded in the job's stacktrace for a failed job,
	// falling back to FailedReason if empty.
	Stacktrace string

	// KeepJobs is the queue's retention policy for the target state. A job's
	// own removeOnComplete or removeOnFail takes precedence. Nil keeps every
	// finished job.
	KeepJobs *bulltype.KeepJobs

	// MaxMetricsSize is the number of metrics data points kept. Zero disables
	// metrics.
	MaxMetricsSize int

	// MetricsBucket is the width of a metrics data point. Defaults to one
	// minute.
	MetricsBucket time.Duration

	// FetchNext claims the next job after finishing this one, using Token,
	// LockDuration, and Limiter the same way MoveToActive does.
	FetchNext bool

	LockDuration time.Duration
	Limiter      *Limiter
	MaxLenEvents int

	// RetryDelay puts a failed job that's retried into delayed instead of
	// directly back into waiting.
	RetryDelay time.Duration

	// Unrecoverable fails the job for good even if it has attempts left.
	Unrecoverable bool

	Now time.Time
}

// FinishOutcome is what happened to a job passed to MoveToFinished.
type FinishOutcome string

const (
	FinishOutcomeCompleted FinishOutcome = "completed"
	FinishOutcomeFailed    FinishOutcome = "failed"
	FinishOutcomeRetried   FinishOutcome = "retried"
)

// FinishResult is the result of MoveToFinished.
type FinishResult struct {
	// AttemptsMade is the number of attempts the job has made, including the
	// one just finished.
	AttemptsMade int

	// Next is the result of claiming the next job. Only set when FetchNext
	// was requested.
	Next *Continuation

	Outcome FinishOutcome
}

// MoveToFinished ends an active job's attempt. A completed job and a failed
// job that's out of attempts are finished for good, which resolves the job
// against its parent, applies retention, and records metrics. A failed job
// with attempts left goes back to waiting (or delayed) instead.
//
// Preconditions are checked in order, and the first that doesn't hold fails
// the transition with the corresponding TransitionError.
func MoveToFinished(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, params *MoveToFinishedParams) (*FinishResult, error) {
	if params.Target != bulltype.JobStateCompleted && params.Target != bulltype.JobStateFailed {
		return nil, errors.New("finish target must be completed or failed, not " + string(params.Target))
	}

	var (
		jobID  = params.JobID
		jobKey = keys.Job(jobID)
		nowMS  = params.Now.UnixMilli()
	)

	fields, err := tx.HGetAll(ctx, jobKey)
	if err != nil {
		return nil, err
	}
	if len(fields) < 1 {
		return nil, bulltype.NewTransitionError(opMoveToFinished, bulltype.ErrorCodeMissingJob, jobID)
	}

	if err := releaseLock(ctx, tx, keys, opMoveToFinished, jobID, params.Token, params.SkipLockCheck); err != nil {
		return nil, err
	}

	numPending, err := tx.SCard(ctx, keyspace.Dependencies(jobKey))
	if err != nil {
		return nil, err
	}
	if numPending > 0 {
		return nil, bulltype.NewTransitionError(opMoveToFinished, bulltype.ErrorCodePendingDependencies, jobID)
	}

	numRemoved, err := tx.LRem(ctx, keys.Active(), -1, jobID)
	if err != nil {
		return nil, err
	}
	if numRemoved != 1 {
		return nil, bulltype.NewTransitionError(opMoveToFinished, bulltype.ErrorCodeNotActive, jobID)
	}

	events := newEventWriter(keys, params.MaxLenEvents)

	// The claim already counted this attempt.
	attemptsMade := int(valutil.ParseInt64(fields[fieldAttemptsMade]))
	attempts := optsAttempts(fields[fieldOpts])

	result := &FinishResult{AttemptsMade: attemptsMade}

	switch {
	case params.Target == bulltype.JobStateFailed && !params.Unrecoverable && attemptsMade < attempts:
		result.Outcome = FinishOutcomeRetried
		if err := retryJob(ctx, tx, keys, events, params, fields, attemptsMade, nowMS); err != nil {
			return nil, err
		}

	case params.Target == bulltype.JobStateFailed:
		result.Outcome = FinishOutcomeFailed
		if err := finishJob(ctx, tx, keys, events, &finishJobParams{
			attemptsExhausted: attemptsMade >= attempts,
			attemptsMade:      attemptsMade,
			failedReason:      params.FailedReason,
			fields:            fields,
			jobID:             jobID,
			keepJobs:          params.KeepJobs,
			maxMetricsSize:    params.MaxMetricsSize,
			metricsBucket:     params.MetricsBucket,
			nowMS:             nowMS,
			prev:              bulltype.JobStateActive,
			stacktrace:        valutil.FirstNonZero(params.Stacktrace, params.FailedReason),
			target:            bulltype.JobStateFailed,
		}); err != nil {
			return nil, err
		}

	default:
		result.Outcome = FinishOutcomeCompleted
		if err := finishJob(ctx, tx, keys, events, &finishJobParams{
			attemptsMade:   attemptsMade,
			fields:         fields,
			jobID:          jobID,
			keepJobs:       params.KeepJobs,
			maxMetricsSize: params.MaxMetricsSize,
			metricsBucket:  params.MetricsBucket,
			nowMS:          nowMS,
			prev:           bulltype.JobStateActive,
			returnValue:    params.ReturnValue,
			target:         bulltype.JobStateCompleted,
		}); err != nil {
			return nil, err
		}
	}

	if params.FetchNext {
		result.Next, err = fetchNextJob(ctx, tx, keys, events, &claimParams{
			token:        params.Token,
			lockDuration: params.LockDuration,
			limiter:      params.Limiter,
		}, nowMS)
		if err != nil {
			return nil, err
		}
	}

	drained, err := queueDrained(ctx, tx, keys)
	if err != nil {
		return nil, err
	}
	if drained {
		if err := events.emit(ctx, tx, bulltype.EventKindDrained, ""); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// releaseLock verifies that token holds a job's lock and releases it, also
// clearing the job as a stall candidate.
func releaseLock(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, op, jobID, token string, skipLockCheck bool) error {
	lockKey := keyspace.Lock(keys.Job(jobID))

	if !skipLockCheck {
		if token == "" {
			return bulltype.NewTransitionError(op, bulltype.ErrorCodeMissingLock, jobID)
		}

		lockToken, ok, err := tx.Get(ctx, lockKey)
		if err != nil {
			return err
		}
		if !ok {
			return bulltype.NewTransitionError(op, bulltype.ErrorCodeMissingLock, jobID)
		}
		if lockToken != token {
			return bulltype.NewTransitionError(op, bulltype.ErrorCodeLockMismatch, jobID)
		}
	}

	if _, err := tx.Del(ctx, lockKey); err != nil {
		return err
	}
	_, err := tx.SRem(ctx, keys.Stalled(), jobID)
	return err
}

// retryJob sends a failed job with attempts left back to be worked again.
func retryJob(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, events *eventWriter, params *MoveToFinishedParams, fields map[string]string, attemptsMade int, nowMS int64) error {
	jobID := params.JobID

	stacktrace, err := appendStacktrace(fields[fieldStacktrace], valutil.FirstNonZero(params.Stacktrace, params.FailedReason))
	if err != nil {
		return err
	}

	if err := tx.HSet(ctx, keys.Job(jobID), map[string]string{
		fieldFailedReason: params.FailedReason,
		fieldStacktrace:   stacktrace,
	}); err != nil {
		return err
	}

	if err := events.emit(ctx, tx, bulltype.EventKindRetrying, jobID,
		"attemptsMade", strconv.Itoa(attemptsMade),
		"failedReason", params.FailedReason,
	); err != nil {
		return err
	}

	if params.RetryDelay > 0 {
		return addJobToDelayed(ctx, tx, keys, events, jobID, nowMS+params.RetryDelay.Milliseconds())
	}

	priority := int(valutil.ParseInt64(fields[fieldPriority]))
	if err := addJobToWaiting(ctx, tx, keys, jobID, priority, optsLIFO(fields[fieldOpts])); err != nil {
		return err
	}
	return events.emit(ctx, tx, bulltype.EventKindWaiting, jobID, "prev", string(bulltype.JobStateFailed))
}

type finishJobParams struct {
	attemptsExhausted bool
	attemptsMade      int
	failedReason      string
	fields            map[string]string
	jobID             string
	keepJobs          *bulltype.KeepJobs
	maxMetricsSize    int
	metricsBucket     time.Duration
	nowMS             int64
	prev              bulltype.JobState
	returnValue       string
	stacktrace        string
	target            bulltype.JobState
}

// finishJob moves a job that's already been taken out of its previous
// collection to completed or failed for good. It's shared by MoveToFinished
// and stalled job recovery.
func finishJob(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, events *eventWriter, params *finishJobParams) error {
	var (
		jobID   = params.jobID
		jobKey  = keys.Job(jobID)
		rawOpts = params.fields[fieldOpts]
	)

	if parentKey, _ := jobParentKey(params.fields); parentKey != "" {
		switch {
		case params.target == bulltype.JobStateCompleted:
			if err := completeChild(ctx, tx, parentKey, jobKey, params.returnValue, params.nowMS); err != nil {
				return err
			}
		case optsFailParentOnFailure(rawOpts):
			if err := failParent(ctx, tx, parentKey, jobKey, params.nowMS); err != nil {
				return err
			}
		}
	}

	var (
		keep        *bulltype.KeepJobs
		setKey      string
		eventKind   bulltype.EventKind
		eventFields []string
	)
	if params.target == bulltype.JobStateCompleted {
		keep = optsKeepJobs(rawOpts, "removeOnComplete")
		setKey = keys.Completed()
		eventKind = bulltype.EventKindCompleted
		eventFields = []string{"returnvalue", params.returnValue}
	} else {
		keep = optsKeepJobs(rawOpts, "removeOnFail")
		setKey = keys.Failed()
		eventKind = bulltype.EventKindFailed
		eventFields = []string{"failedReason", params.failedReason}
	}
	if keep == nil {
		keep = params.keepJobs
	}
	if keep == nil {
		keep = &bulltype.KeepJobs{Count: -1}
	}

	if keep.Count != 0 || keep.Age > 0 {
		if _, err := tx.ZAdd(ctx, setKey, kvdriver.ZMember{Member: jobID, Score: float64(params.nowMS)}); err != nil {
			return err
		}

		jobFields := map[string]string{
			fieldAttemptsMade: strconv.Itoa(params.attemptsMade),
			fieldFinishedOn:   strconv.FormatInt(params.nowMS, 10),
		}
		if params.target == bulltype.JobStateCompleted {
			jobFields[fieldReturnValue] = params.returnValue
		} else {
			stacktrace, err := appendStacktrace(params.fields[fieldStacktrace], params.stacktrace)
			if err != nil {
				return err
			}
			jobFields[fieldFailedReason] = params.failedReason
			jobFields[fieldStacktrace] = stacktrace
		}
		if err := tx.HSet(ctx, jobKey, jobFields); err != nil {
			return err
		}

		if _, err := evictFinished(ctx, tx, keys, setKey, *keep, params.nowMS); err != nil {
			return err
		}
	} else if err := removeJobRecord(ctx, tx, keys, jobID); err != nil {
		return err
	}

	eventFields = append(eventFields, "attemptsMade", strconv.Itoa(params.attemptsMade), "prev", string(params.prev))
	if err := events.emit(ctx, tx, eventKind, jobID, eventFields...); err != nil {
		return err
	}
	if params.target == bulltype.JobStateFailed && params.attemptsExhausted {
		if err := events.emit(ctx, tx, bulltype.EventKindRetriesExhausted, jobID, "attemptsMade", strconv.Itoa(params.attemptsMade)); err != nil {
			return err
		}
	}

	return collectMetrics(ctx, tx, keys, params.target, params.maxMetricsSize, params.metricsBucket, params.nowMS)
}

// queueDrained returns true if a queue has no jobs waiting to be worked or
// being worked. A delay marker doesn't count as a waiting job.
func queueDrained(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue) (bool, error) {
	for _, listKey := range []string{keys.Wait(), keys.Paused()} {
		ids, err := tx.LRange(ctx, listKey, 0, 1)
		if err != nil {
			return false, err
		}
		if len(ids) > 1 || len(ids) == 1 && !isMarker(ids[0]) {
			return false, nil
		}
	}

	numPrioritized, err := tx.ZCard(ctx, keys.Prioritized())
	if err != nil || numPrioritized > 0 {
		return false, err
	}

	numActive, err := tx.LLen(ctx, keys.Active())
	if err != nil {
		return false, err
	}
	return numActive == 0, nil
}
