package transition

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

// removeJobRecord deletes a job's record along with its auxiliary keys, and
// drops it from its parent's dependencies. It doesn't remove the job from
// any of the queue's collections.
func removeJobRecord(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID string) error {
	jobKey := keys.Job(jobID)

	fields, err := tx.HGetAll(ctx, jobKey)
	if err != nil {
		return err
	}
	if parentKey, _ := jobParentKey(fields); parentKey != "" {
		if err := removeChildDependency(ctx, tx, parentKey, jobKey); err != nil {
			return err
		}
	}

	_, err = tx.Del(ctx,
		jobKey,
		keyspace.Dependencies(jobKey),
		keyspace.Lock(jobKey),
		keyspace.Logs(jobKey),
		keyspace.Processed(jobKey),
	)
	return err
}

// evictFinished enforces a retention policy on a set of finished jobs, first
// by age and then by count, oldest first. Evicted jobs are deleted entirely.
// Running it twice with the same inputs evicts nothing the second time.
func evictFinished(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, setKey string, keep bulltype.KeepJobs, nowMS int64) ([]string, error) {
	var evicted []string

	evict := func(members []kvdriver.ZMember) error {
		for _, member := range members {
			if err := removeJobRecord(ctx, tx, keys, member.Member); err != nil {
				return err
			}
			if _, err := tx.ZRem(ctx, setKey, member.Member); err != nil {
				return err
			}
			evicted = append(evicted, member.Member)
		}
		return nil
	}

	if keep.Age > 0 {
		cutoffMS := nowMS - keep.Age*1000
		expired, err := tx.ZRangeByScore(ctx, setKey, math.Inf(-1), float64(cutoffMS), 0)
		if err != nil {
			return nil, err
		}
		if err := evict(expired); err != nil {
			return nil, err
		}
	}

	if keep.Count > 0 {
		members, err := tx.ZRange(ctx, setKey, 0, -1)
		if err != nil {
			return nil, err
		}
		if len(members) > keep.Count {
			if err := evict(members[:len(members)-keep.Count]); err != nil {
				return nil, err
			}
		}
	}

	return evicted, nil
}

// EvictFinished enforces a retention policy on a queue's completed or failed
// jobs, returning the IDs of evicted jobs.
func EvictFinished(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, state bulltype.JobState, keep bulltype.KeepJobs, now time.Time) ([]string, error) {
	var setKey string
	switch state {
	case bulltype.JobStateCompleted:
		setKey = keys.Completed()
	case bulltype.JobStateFailed:
		setKey = keys.Failed()
	default:
		return nil, errors.New("retention only applies to completed and failed jobs, not " + string(state))
	}

	return evictFinished(ctx, tx, keys, setKey, keep, now.UnixMilli())
}
