package transition

import (
	"context"
	"strconv"
	"time"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/bullcommon"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/internal/util/valutil"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

// StalledFailedReason is the failed reason of a job that stalled too many
// times.
const StalledFailedReason = "job stalled more than allowable limit"

// MoveStalledJobsParams are parameters for MoveStalledJobs.
type MoveStalledJobsParams struct {
	// KeepJobs is the queue's retention policy for failed jobs. Nil keeps
	// every failed job.
	KeepJobs *bulltype.KeepJobs

	// MaxLenEvents overrides the length the event stream is trimmed to.
	MaxLenEvents int

	// MaxStalledCount is the number of times a job may stall and be recovered
	// before it's failed instead. Defaults to 1. A negative value fails a job
	// the first time it stalls.
	MaxStalledCount int

	// StalledInterval is the minimum time between two checks, which is
	// enforced across every process checking the queue. Defaults to 30
	// seconds.
	StalledInterval time.Duration

	Now time.Time
}

// MoveStalledJobsResult is the result of MoveStalledJobs.
type MoveStalledJobsResult struct {
	// Failed are the IDs of jobs that stalled too many times or were out of
	// attempts.
	Failed []string

	// Recovered are the IDs of jobs moved back to waiting.
	Recovered []string

	// Skipped is true if another check ran within the stalled interval.
	Skipped bool
}

// MoveStalledJobs recovers active jobs whose worker stopped renewing their
// lock. Recovery happens in two phases: each check takes the active jobs it
// finds as candidates, and the next check recovers any candidate that still
// has no lock. Renewing a lock clears a job as a candidate.
//
// A recovered job goes back to the front of waiting if it has attempts left
// and hasn't stalled more than MaxStalledCount times. Otherwise it's failed.
func MoveStalledJobs(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, params *MoveStalledJobsParams) (*MoveStalledJobsResult, error) {
	var (
		maxStalledCount = valutil.ValOrDefault(params.MaxStalledCount, bullcommon.MaxStalledCountDefault)
		nowMS           = params.Now.UnixMilli()
		stalledInterval = valutil.ValOrDefault(params.StalledInterval, bullcommon.StalledIntervalDefault)
	)

	checkedRecently, err := tx.Exists(ctx, keys.StalledCheck())
	if err != nil {
		return nil, err
	}
	if checkedRecently {
		return &MoveStalledJobsResult{Skipped: true}, nil
	}
	if err := tx.SetPX(ctx, keys.StalledCheck(), strconv.FormatInt(nowMS, 10), stalledInterval); err != nil {
		return nil, err
	}

	events := newEventWriter(keys, params.MaxLenEvents)

	if _, err := promoteDelayedJobs(ctx, tx, keys, events, nowMS); err != nil {
		return nil, err
	}

	candidates, err := tx.SMembers(ctx, keys.Stalled())
	if err != nil {
		return nil, err
	}

	result := &MoveStalledJobsResult{}

	for _, jobID := range candidates {
		jobKey := keys.Job(jobID)

		locked, err := tx.Exists(ctx, keyspace.Lock(jobKey))
		if err != nil {
			return nil, err
		}
		if locked {
			continue
		}

		// The job might have been finished or recovered since becoming a
		// candidate, in which case it's no longer in active.
		numRemoved, err := tx.LRem(ctx, keys.Active(), 1, jobID)
		if err != nil {
			return nil, err
		}
		if numRemoved != 1 {
			continue
		}

		fields, err := tx.HGetAll(ctx, jobKey)
		if err != nil {
			return nil, err
		}
		if len(fields) < 1 {
			continue
		}

		stalledCount, err := tx.HIncrBy(ctx, jobKey, fieldStalledCount, 1)
		if err != nil {
			return nil, err
		}

		// The stalled attempt was counted when the job was claimed.
		var (
			attemptsMade      = int(valutil.ParseInt64(fields[fieldAttemptsMade]))
			attemptsExhausted = attemptsMade >= optsAttempts(fields[fieldOpts])
		)

		if attemptsExhausted || stalledCount > int64(maxStalledCount) {
			if err := finishJob(ctx, tx, keys, events, &finishJobParams{
				attemptsExhausted: attemptsExhausted,
				attemptsMade:      attemptsMade,
				failedReason:      StalledFailedReason,
				fields:            fields,
				jobID:             jobID,
				keepJobs:          params.KeepJobs,
				nowMS:             nowMS,
				prev:              bulltype.JobStateActive,
				stacktrace:        StalledFailedReason,
				target:            bulltype.JobStateFailed,
			}); err != nil {
				return nil, err
			}
			result.Failed = append(result.Failed, jobID)
			continue
		}

		if err := addJobToWaiting(ctx, tx, keys, jobID, int(valutil.ParseInt64(fields[fieldPriority])), true); err != nil {
			return nil, err
		}
		if err := events.emit(ctx, tx, bulltype.EventKindStalled, jobID); err != nil {
			return nil, err
		}
		if err := events.emit(ctx, tx, bulltype.EventKindWaiting, jobID, "prev", string(bulltype.JobStateActive)); err != nil {
			return nil, err
		}
		result.Recovered = append(result.Recovered, jobID)
	}

	// Every job still active becomes a candidate for the next check.
	if _, err := tx.Del(ctx, keys.Stalled()); err != nil {
		return nil, err
	}
	activeIDs, err := tx.LRange(ctx, keys.Active(), 0, -1)
	if err != nil {
		return nil, err
	}
	if len(activeIDs) > 0 {
		if _, err := tx.SAdd(ctx, keys.Stalled(), activeIDs...); err != nil {
			return nil, err
		}
	}

	return result, nil
}
