package transition

import (
	"context"
	"strconv"
	"time"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/internal/util/valutil"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

const (
	// Delayed scores are the due time in milliseconds shifted left by 12 bits
	// with the low bits of the job ID added so that jobs due in the same
	// millisecond keep their insertion order.
	delayedScoreMultiplier = 0x1000

	// Prioritized scores are the priority shifted left by 32 bits with a
	// counter added, which keeps jobs of equal priority in FIFO order.
	priorityScoreMultiplier = 0x100000000

	// PromoteBatchSize bounds the number of delayed jobs promoted at once.
	PromoteBatchSize = 1000

	metaFieldPaused = "paused"
)

func delayedScore(dueMS int64, jobID string) float64 {
	var offset int64
	if idNum, err := strconv.ParseInt(jobID, 10, 64); err == nil {
		offset = idNum & 0xfff
	}
	return float64(dueMS*delayedScoreMultiplier + offset)
}

func delayedDueMS(score float64) int64 {
	return int64(score) / delayedScoreMultiplier
}

// targetWaitList returns the list that waiting jobs go into, which is the
// paused list while the queue is paused.
func targetWaitList(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue) (string, bool, error) {
	_, paused, err := tx.HGet(ctx, keys.Meta(), metaFieldPaused)
	if err != nil {
		return "", false, err
	}
	if paused {
		return keys.Paused(), true, nil
	}
	return keys.Wait(), false, nil
}

// addJobWithPriority adds a job to the prioritized set behind any jobs that
// have the same priority.
func addJobWithPriority(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, priority int, jobID string) error {
	counter, err := tx.Incr(ctx, keys.PriorityCounter())
	if err != nil {
		return err
	}

	score := float64(int64(priority)*priorityScoreMultiplier + counter%priorityScoreMultiplier)
	_, err = tx.ZAdd(ctx, keys.Prioritized(), kvdriver.ZMember{Member: jobID, Score: score})
	return err
}

// addJobToWaiting puts a job that's ready to be worked into the prioritized
// set if it has a priority, and otherwise into the waiting (or paused) list.
func addJobToWaiting(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID string, priority int, front bool) error {
	if priority > 0 {
		return addJobWithPriority(ctx, tx, keys, priority, jobID)
	}

	target, _, err := targetWaitList(ctx, tx, keys)
	if err != nil {
		return err
	}

	// Jobs are claimed from the right, so pushing on the right puts a job at
	// the front of the line.
	if front {
		_, err = tx.RPush(ctx, target, jobID)
	} else {
		_, err = tx.LPush(ctx, target, jobID)
	}
	return err
}

// nextDelayedDueMS returns when the next delayed job is due, or zero if there
// are no delayed jobs.
func nextDelayedDueMS(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue) (int64, error) {
	members, err := tx.ZRange(ctx, keys.Delayed(), 0, 0)
	if err != nil || len(members) < 1 {
		return 0, err
	}
	return delayedDueMS(members[0].Score), nil
}

// addDelayMarkerIfNeeded puts a marker carrying the next delayed job's due
// time into an empty waiting list.
func addDelayMarkerIfNeeded(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue) error {
	target, _, err := targetWaitList(ctx, tx, keys)
	if err != nil {
		return err
	}

	length, err := tx.LLen(ctx, target)
	if err != nil || length > 0 {
		return err
	}

	dueMS, err := nextDelayedDueMS(ctx, tx, keys)
	if err != nil || dueMS == 0 {
		return err
	}

	_, err = tx.LPush(ctx, target, "0:"+strconv.FormatInt(dueMS, 10))
	return err
}

// addJobToDelayed schedules a job to become waiting at dueMS.
func addJobToDelayed(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, events *eventWriter, jobID string, dueMS int64) error {
	if _, err := tx.ZAdd(ctx, keys.Delayed(), kvdriver.ZMember{Member: jobID, Score: delayedScore(dueMS, jobID)}); err != nil {
		return err
	}
	if err := events.emit(ctx, tx, bulltype.EventKindDelayed, jobID, "delay", strconv.FormatInt(dueMS, 10)); err != nil {
		return err
	}
	return addDelayMarkerIfNeeded(ctx, tx, keys)
}

// PromoteDelayed moves delayed jobs that are due into waiting in due order.
// It's a no-op if nothing is due.
func PromoteDelayed(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, now time.Time) (int, error) {
	return promoteDelayedJobs(ctx, tx, keys, newEventWriter(keys, 0), now.UnixMilli())
}

func promoteDelayedJobs(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, events *eventWriter, nowMS int64) (int, error) {
	// The largest score a job due at nowMS can have.
	maxScore := float64((nowMS+1)*delayedScoreMultiplier - 1)

	due, err := tx.ZRangeByScore(ctx, keys.Delayed(), 0, maxScore, PromoteBatchSize)
	if err != nil || len(due) < 1 {
		return 0, err
	}

	for _, member := range due {
		jobID := member.Member

		if _, err := tx.ZRem(ctx, keys.Delayed(), jobID); err != nil {
			return 0, err
		}

		jobKey := keys.Job(jobID)
		rawPriority, _, err := tx.HGet(ctx, jobKey, fieldPriority)
		if err != nil {
			return 0, err
		}

		if err := addJobToWaiting(ctx, tx, keys, jobID, int(valutil.ParseInt64(rawPriority)), false); err != nil {
			return 0, err
		}
		if err := tx.HSet(ctx, jobKey, map[string]string{fieldDelay: "0"}); err != nil {
			return 0, err
		}

		if err := events.emit(ctx, tx, bulltype.EventKindWaiting, jobID, "prev", string(bulltype.JobStateDelayed)); err != nil {
			return 0, err
		}
	}

	return len(due), nil
}

// PromoteJob moves a single delayed job into waiting immediately.
func PromoteJob(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID string) error {
	numRemoved, err := tx.ZRem(ctx, keys.Delayed(), jobID)
	if err != nil {
		return err
	}
	if numRemoved < 1 {
		exists, err := tx.Exists(ctx, keys.Job(jobID))
		if err != nil {
			return err
		}
		if !exists {
			return bulltype.NewTransitionError("PromoteJob", bulltype.ErrorCodeMissingJob, jobID)
		}
		return bulltype.ErrJobNotDelayed
	}

	jobKey := keys.Job(jobID)
	rawPriority, _, err := tx.HGet(ctx, jobKey, fieldPriority)
	if err != nil {
		return err
	}
	if err := addJobToWaiting(ctx, tx, keys, jobID, int(valutil.ParseInt64(rawPriority)), false); err != nil {
		return err
	}
	if err := tx.HSet(ctx, jobKey, map[string]string{fieldDelay: "0"}); err != nil {
		return err
	}

	return newEventWriter(keys, 0).emit(ctx, tx, bulltype.EventKindWaiting, jobID, "prev", string(bulltype.JobStateDelayed))
}
