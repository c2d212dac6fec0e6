package transition

import (
	"context"
	"fmt"
	"strconv"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/internal/util/valutil"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

func parentKeyspace(parentKey string) (*keyspace.Queue, string, error) {
	parentQueueKey, parentID, err := keyspace.ParseJobKey(parentKey)
	if err != nil {
		return nil, "", err
	}
	parentKeys, err := keyspace.FromQueueKey(parentQueueKey)
	if err != nil {
		return nil, "", err
	}
	return parentKeys, parentID, nil
}

// registerChild adds a child to its parent's dependencies. The parent must
// exist.
func registerChild(ctx context.Context, tx kvdriver.Tx, op, parentKey, childKey string) error {
	exists, err := tx.Exists(ctx, parentKey)
	if err != nil {
		return err
	}
	if !exists {
		_, parentID, _ := keyspace.ParseJobKey(parentKey)
		return bulltype.NewTransitionError(op, bulltype.ErrorCodeMissingParent, parentID)
	}

	_, err = tx.SAdd(ctx, keyspace.Dependencies(parentKey), childKey)
	return err
}

// completeChild resolves a completed child against its parent. The child is
// removed from the parent's dependencies and its result recorded at most
// once, so finishing the same child again has no effect. The parent is moved
// out of waiting-children once it has no dependencies left.
func completeChild(ctx context.Context, tx kvdriver.Tx, parentKey, childKey, returnValue string, nowMS int64) error {
	numRemoved, err := tx.SRem(ctx, keyspace.Dependencies(parentKey), childKey)
	if err != nil || numRemoved != 1 {
		return err
	}

	if err := tx.HSet(ctx, keyspace.Processed(parentKey), map[string]string{childKey: returnValue}); err != nil {
		return err
	}

	parentKeys, parentID, err := parentKeyspace(parentKey)
	if err != nil {
		return fmt.Errorf("error resolving parent of %q: %w", childKey, err)
	}
	return moveParentIfUnblocked(ctx, tx, parentKeys, parentID, nowMS)
}

// moveParentIfUnblocked moves a parent out of waiting-children if it has no
// dependencies left. It goes to delayed if it was inserted with a delay,
// otherwise to the front of waiting.
func moveParentIfUnblocked(ctx context.Context, tx kvdriver.Tx, parentKeys *keyspace.Queue, parentID string, nowMS int64) error {
	parentKey := parentKeys.Job(parentID)

	numPending, err := tx.SCard(ctx, keyspace.Dependencies(parentKey))
	if err != nil || numPending > 0 {
		return err
	}

	numRemoved, err := tx.ZRem(ctx, parentKeys.WaitingChildren(), parentID)
	if err != nil || numRemoved < 1 {
		return err
	}

	rawPriority, _, err := tx.HGet(ctx, parentKey, fieldPriority)
	if err != nil {
		return err
	}
	rawDelay, _, err := tx.HGet(ctx, parentKey, fieldDelay)
	if err != nil {
		return err
	}

	events := newEventWriter(parentKeys, 0)

	if delayMS := valutil.ParseInt64(rawDelay); delayMS > 0 {
		return addJobToDelayed(ctx, tx, parentKeys, events, parentID, nowMS+delayMS)
	}

	if err := addJobToWaiting(ctx, tx, parentKeys, parentID, int(valutil.ParseInt64(rawPriority)), true); err != nil {
		return err
	}
	return events.emit(ctx, tx, bulltype.EventKindWaiting, parentID, "prev", string(bulltype.JobStateWaitingChildren))
}

// failParent moves a parent waiting on children directly to failed because
// one of its children failed. If the parent itself fails its own parent on
// failure, the failure cascades up the chain.
func failParent(ctx context.Context, tx kvdriver.Tx, parentKey, childKey string, nowMS int64) error {
	for parentKey != "" {
		parentKeys, parentID, err := parentKeyspace(parentKey)
		if err != nil {
			return fmt.Errorf("error resolving parent of %q: %w", childKey, err)
		}

		numRemoved, err := tx.ZRem(ctx, parentKeys.WaitingChildren(), parentID)
		if err != nil || numRemoved < 1 {
			return err
		}

		if _, err := tx.ZAdd(ctx, parentKeys.Failed(), kvdriver.ZMember{Member: parentID, Score: float64(nowMS)}); err != nil {
			return err
		}

		failedReason := "child " + childKey + " failed"
		if err := tx.HSet(ctx, parentKey, map[string]string{
			fieldFailedReason: failedReason,
			fieldFinishedOn:   strconv.FormatInt(nowMS, 10),
		}); err != nil {
			return err
		}

		if err := newEventWriter(parentKeys, 0).emit(ctx, tx, bulltype.EventKindFailed, parentID,
			"failedReason", failedReason,
			"prev", string(bulltype.JobStateWaitingChildren),
		); err != nil {
			return err
		}

		fields, err := tx.HGetAll(ctx, parentKey)
		if err != nil {
			return err
		}
		if !optsFailParentOnFailure(fields[fieldOpts]) {
			return nil
		}

		childKey = parentKey
		parentKey, _ = jobParentKey(fields)
	}
	return nil
}

// removeChildDependency drops a child from its parent's dependencies without
// otherwise touching the parent.
func removeChildDependency(ctx context.Context, tx kvdriver.Tx, parentKey, childKey string) error {
	_, err := tx.SRem(ctx, keyspace.Dependencies(parentKey), childKey)
	return err
}

// Dependencies returns the keys of a job's pending children and the results
// of its processed ones.
func Dependencies(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID string) ([]string, map[string]string, error) {
	jobKey := keys.Job(jobID)

	pending, err := tx.SMembers(ctx, keyspace.Dependencies(jobKey))
	if err != nil {
		return nil, nil, err
	}
	processed, err := tx.HGetAll(ctx, keyspace.Processed(jobKey))
	if err != nil {
		return nil, nil, err
	}
	return pending, processed, nil
}
