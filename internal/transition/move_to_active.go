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

// MoveToActiveParams are parameters for MoveToActive.
type MoveToActiveParams struct {
	// Token is written as the claimed job's lock. An empty token claims the
	// job without a lock, which leaves it to be recovered as stalled.
	Token string

	// LockDuration is how long the lock lasts. Defaults to 30 seconds.
	LockDuration time.Duration

	// Limiter is the queue's rate limit, if it has one.
	Limiter *Limiter

	// MaxLenEvents overrides the length the event stream is trimmed to.
	MaxLenEvents int

	Now time.Time
}

// claimParams are the parts of a claim shared by MoveToActive and chained
// claims in MoveToFinished.
type claimParams struct {
	token        string
	lockDuration time.Duration
	limiter      *Limiter
}

// MoveToActive claims the next job that's ready to be worked, preferring
// prioritized jobs over plain waiting ones. When no job may be claimed, the
// returned continuation says how long to wait before trying again, if at all.
func MoveToActive(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, params *MoveToActiveParams) (*Continuation, error) {
	return fetchNextJob(ctx, tx, keys, newEventWriter(keys, params.MaxLenEvents), &claimParams{
		token:        params.Token,
		lockDuration: params.LockDuration,
		limiter:      params.Limiter,
	}, params.Now.UnixMilli())
}

func fetchNextJob(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, events *eventWriter, claim *claimParams, nowMS int64) (*Continuation, error) {
	if _, err := promoteDelayedJobs(ctx, tx, keys, events, nowMS); err != nil {
		return nil, err
	}

	_, paused, err := tx.HGet(ctx, keys.Meta(), metaFieldPaused)
	if err != nil {
		return nil, err
	}
	if paused {
		return &Continuation{}, nil
	}

	ttl, err := RateLimitTTL(ctx, tx, keys, claim.limiter)
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		return &Continuation{RetryAfter: ttl, RateLimited: true}, nil
	}

	// A delay marker popped off the waiting list is discarded, and the pop is
	// tried once more. Only one marker is ever in the list.
	for range 2 {
		jobID, ok, err := popNextJobID(ctx, tx, keys)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		if isMarker(jobID) {
			if _, err := tx.LRem(ctx, keys.Active(), 1, jobID); err != nil {
				return nil, err
			}
			continue
		}

		job, err := prepareJobForProcessing(ctx, tx, keys, events, claim, jobID, nowMS)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return &Continuation{Job: job}, nil
		}
	}

	dueMS, err := nextDelayedDueMS(ctx, tx, keys)
	if err != nil {
		return nil, err
	}
	if dueMS > nowMS {
		return &Continuation{RetryAfter: time.Duration(dueMS-nowMS) * time.Millisecond}, nil
	}
	return &Continuation{}, nil
}

// popNextJobID moves the next job ID into the active list, taking it from the
// prioritized set if there's anything in it, and otherwise from the right of
// the waiting list.
func popNextJobID(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue) (string, bool, error) {
	member, err := tx.ZPopMin(ctx, keys.Prioritized())
	if err != nil {
		return "", false, err
	}
	if member != nil {
		if _, err := tx.LPush(ctx, keys.Active(), member.Member); err != nil {
			return "", false, err
		}
		return member.Member, true, nil
	}

	return tx.RPopLPush(ctx, keys.Wait(), keys.Active())
}

// prepareJobForProcessing locks a job that's just been moved into the active
// list. A job ID without a record is dropped from the active list, in which
// case nil is returned.
func prepareJobForProcessing(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, events *eventWriter, claim *claimParams, jobID string, nowMS int64) (*bulltype.JobRow, error) {
	jobKey := keys.Job(jobID)

	exists, err := tx.Exists(ctx, jobKey)
	if err != nil {
		return nil, err
	}
	if !exists {
		_, err := tx.LRem(ctx, keys.Active(), 1, jobID)
		return nil, err
	}

	if claim.token != "" {
		lockDuration := valutil.ValOrDefault(claim.lockDuration, bullcommon.LockDurationDefault)
		if err := tx.SetPX(ctx, keyspace.Lock(jobKey), claim.token, lockDuration); err != nil {
			return nil, err
		}
	}

	if err := consumeRateLimit(ctx, tx, keys, claim.limiter); err != nil {
		return nil, err
	}

	if err := tx.HSet(ctx, jobKey, map[string]string{fieldProcessedOn: strconv.FormatInt(nowMS, 10)}); err != nil {
		return nil, err
	}
	if _, err := tx.HIncrBy(ctx, jobKey, fieldAttemptsStarted, 1); err != nil {
		return nil, err
	}
	if _, err := tx.HIncrBy(ctx, jobKey, fieldAttemptsMade, 1); err != nil {
		return nil, err
	}

	if err := events.emit(ctx, tx, bulltype.EventKindActive, jobID, "prev", string(bulltype.JobStateWaiting)); err != nil {
		return nil, err
	}

	return readJob(ctx, tx, keys, jobID)
}
