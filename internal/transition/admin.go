package transition

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/bullcommon"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/internal/util/valutil"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

const (
	opExtendLock            = "ExtendLock"
	opMoveToWaitingChildren = "MoveToWaitingChildren"
	opRemoveJob             = "RemoveJob"
	opUpdateProgress        = "UpdateProgress"
	opAddLog                = "AddLog"
)

// Pause stops jobs from being claimed from a queue. Waiting jobs are moved to
// the paused list, and jobs inserted while paused go there too.
func Pause(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue) error {
	if err := moveList(ctx, tx, keys.Wait(), keys.Paused()); err != nil {
		return err
	}
	if err := tx.HSet(ctx, keys.Meta(), map[string]string{metaFieldPaused: "1"}); err != nil {
		return err
	}
	return newEventWriter(keys, 0).emit(ctx, tx, bulltype.EventKindPaused, "")
}

// Resume reverses Pause.
func Resume(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue) error {
	if err := moveList(ctx, tx, keys.Paused(), keys.Wait()); err != nil {
		return err
	}
	if _, err := tx.HDel(ctx, keys.Meta(), metaFieldPaused); err != nil {
		return err
	}
	return newEventWriter(keys, 0).emit(ctx, tx, bulltype.EventKindResumed, "")
}

func moveList(ctx context.Context, tx kvdriver.Tx, src, dst string) error {
	err := tx.Rename(ctx, src, dst)
	if errors.Is(err, kvdriver.ErrNoSuchKey) {
		return nil
	}
	return err
}

// IsPaused returns true if the queue is paused.
func IsPaused(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue) (bool, error) {
	_, paused, err := tx.HGet(ctx, keys.Meta(), metaFieldPaused)
	return paused, err
}

// GetState resolves a job's state from the collection that holds it.
func GetState(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID string) (bulltype.JobState, error) {
	for _, zset := range []struct {
		key   string
		state bulltype.JobState
	}{
		{keys.Completed(), bulltype.JobStateCompleted},
		{keys.Failed(), bulltype.JobStateFailed},
		{keys.Delayed(), bulltype.JobStateDelayed},
	} {
		_, ok, err := tx.ZScore(ctx, zset.key, jobID)
		if err != nil {
			return "", err
		}
		if ok {
			return zset.state, nil
		}
	}

	for _, list := range []struct {
		key   string
		state bulltype.JobState
	}{
		{keys.Active(), bulltype.JobStateActive},
		{keys.Wait(), bulltype.JobStateWaiting},
	} {
		ids, err := tx.LRange(ctx, list.key, 0, -1)
		if err != nil {
			return "", err
		}
		if slices.Contains(ids, jobID) {
			return list.state, nil
		}
	}

	if _, ok, err := tx.ZScore(ctx, keys.Prioritized(), jobID); err != nil || ok {
		return bulltype.JobStatePrioritized, err
	}

	ids, err := tx.LRange(ctx, keys.Paused(), 0, -1)
	if err != nil {
		return "", err
	}
	if slices.Contains(ids, jobID) {
		return bulltype.JobStatePaused, nil
	}

	if _, ok, err := tx.ZScore(ctx, keys.WaitingChildren(), jobID); err != nil || ok {
		return bulltype.JobStateWaitingChildren, err
	}

	return bulltype.JobStateUnknown, nil
}

// GetJob reads a job along with its state. Returns nil if the job doesn't
// exist.
func GetJob(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID string) (*bulltype.JobRow, error) {
	job, err := readJob(ctx, tx, keys, jobID)
	if err != nil || job == nil {
		return nil, err
	}

	if job.State, err = GetState(ctx, tx, keys, jobID); err != nil {
		return nil, err
	}
	return job, nil
}

// GetCounts counts the jobs in each of the given states. Every state is
// counted if none are given.
func GetCounts(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, states ...bulltype.JobState) (map[bulltype.JobState]int, error) {
	if len(states) < 1 {
		states = bulltype.JobStateAll()
	}

	counts := make(map[bulltype.JobState]int, len(states))
	for _, state := range states {
		ids, err := ListJobIDs(ctx, tx, keys, state, 0, -1)
		if err != nil {
			return nil, err
		}
		counts[state] = len(ids)
	}
	return counts, nil
}

// ListJobIDs returns the IDs of jobs in a state by rank, in the order they're
// stored. Lists are stored newest first, and sorted sets by score.
func ListJobIDs(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, state bulltype.JobState, start, stop int) ([]string, error) {
	var listKey, zsetKey string
	switch state {
	case bulltype.JobStateActive:
		listKey = keys.Active()
	case bulltype.JobStatePaused:
		listKey = keys.Paused()
	case bulltype.JobStateWaiting:
		listKey = keys.Wait()
	case bulltype.JobStateCompleted:
		zsetKey = keys.Completed()
	case bulltype.JobStateDelayed:
		zsetKey = keys.Delayed()
	case bulltype.JobStateFailed:
		zsetKey = keys.Failed()
	case bulltype.JobStatePrioritized:
		zsetKey = keys.Prioritized()
	case bulltype.JobStateWaitingChildren:
		zsetKey = keys.WaitingChildren()
	default:
		return nil, errors.New("can't list jobs in state " + string(state))
	}

	if listKey != "" {
		ids, err := tx.LRange(ctx, listKey, start, stop)
		if err != nil {
			return nil, err
		}
		return slices.DeleteFunc(ids, isMarker), nil
	}

	members, err := tx.ZRange(ctx, zsetKey, start, stop)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(members))
	for i, member := range members {
		ids[i] = member.Member
	}
	return ids, nil
}

// removeFromCollections takes a job out of whichever collection holds it.
func removeFromCollections(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID string) error {
	for _, listKey := range []string{keys.Active(), keys.Paused(), keys.Wait()} {
		if _, err := tx.LRem(ctx, listKey, 0, jobID); err != nil {
			return err
		}
	}
	for _, zsetKey := range []string{keys.Completed(), keys.Delayed(), keys.Failed(), keys.Prioritized(), keys.WaitingChildren()} {
		if _, err := tx.ZRem(ctx, zsetKey, jobID); err != nil {
			return err
		}
	}
	_, err := tx.SRem(ctx, keys.Stalled(), jobID)
	return err
}

// RemoveJob removes a job entirely, whatever its state. A job that's locked
// by a worker can't be removed. Removing a child drops it from its parent's
// dependencies but doesn't move the parent.
func RemoveJob(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID string) error {
	jobKey := keys.Job(jobID)

	exists, err := tx.Exists(ctx, jobKey)
	if err != nil {
		return err
	}
	if !exists {
		return bulltype.NewTransitionError(opRemoveJob, bulltype.ErrorCodeMissingJob, jobID)
	}

	locked, err := tx.Exists(ctx, keyspace.Lock(jobKey))
	if err != nil {
		return err
	}
	if locked {
		return bulltype.ErrJobLocked
	}

	prevState, err := GetState(ctx, tx, keys, jobID)
	if err != nil {
		return err
	}

	if err := removeFromCollections(ctx, tx, keys, jobID); err != nil {
		return err
	}
	if err := removeJobRecord(ctx, tx, keys, jobID); err != nil {
		return err
	}

	return newEventWriter(keys, 0).emit(ctx, tx, bulltype.EventKindRemoved, jobID, "prev", string(prevState))
}

// CleanParams are parameters for Clean.
type CleanParams struct {
	// Grace is the minimum age of cleaned jobs.
	Grace time.Duration

	// Limit is the maximum number of jobs cleaned. Zero means no limit.
	Limit int

	State bulltype.JobState
	Now   time.Time
}

// Clean removes jobs in a state that are older than a grace period. Finished
// jobs are aged from when they finished, active ones from when they were
// claimed, and all others from when they were created. Locked jobs are never
// cleaned.
func Clean(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, params *CleanParams) ([]string, error) {
	ids, err := ListJobIDs(ctx, tx, keys, params.State, 0, -1)
	if err != nil {
		return nil, err
	}

	cutoffMS := params.Now.Add(-params.Grace).UnixMilli()

	ageField := fieldTimestamp
	switch params.State {
	case bulltype.JobStateActive:
		ageField = fieldProcessedOn
	case bulltype.JobStateCompleted, bulltype.JobStateFailed:
		ageField = fieldFinishedOn
	case bulltype.JobStateDelayed, bulltype.JobStatePaused, bulltype.JobStatePrioritized,
		bulltype.JobStateUnknown, bulltype.JobStateWaiting, bulltype.JobStateWaitingChildren:
	}

	var cleaned []string
	for _, jobID := range ids {
		if params.Limit > 0 && len(cleaned) >= params.Limit {
			break
		}

		jobKey := keys.Job(jobID)

		locked, err := tx.Exists(ctx, keyspace.Lock(jobKey))
		if err != nil {
			return nil, err
		}
		if locked {
			continue
		}

		rawAge, _, err := tx.HGet(ctx, jobKey, ageField)
		if err != nil {
			return nil, err
		}
		if valutil.ParseInt64(rawAge) > cutoffMS {
			continue
		}

		if err := removeFromCollections(ctx, tx, keys, jobID); err != nil {
			return nil, err
		}
		if err := removeJobRecord(ctx, tx, keys, jobID); err != nil {
			return nil, err
		}
		cleaned = append(cleaned, jobID)
	}

	if len(cleaned) > 0 {
		if err := newEventWriter(keys, 0).emit(ctx, tx, bulltype.EventKindCleaned, "", "count", strconv.Itoa(len(cleaned))); err != nil {
			return nil, err
		}
	}

	return cleaned, nil
}

// Drain removes every job that's waiting to be worked, and delayed jobs too if
// includeDelayed is set. Active jobs are left alone.
func Drain(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, includeDelayed bool) (int, error) {
	states := []bulltype.JobState{bulltype.JobStatePaused, bulltype.JobStatePrioritized, bulltype.JobStateWaiting}
	collectionKeys := []string{keys.Paused(), keys.PriorityCounter(), keys.Prioritized(), keys.Wait()}
	if includeDelayed {
		states = append(states, bulltype.JobStateDelayed)
		collectionKeys = append(collectionKeys, keys.Delayed())
	}

	var numRemoved int
	for _, state := range states {
		ids, err := ListJobIDs(ctx, tx, keys, state, 0, -1)
		if err != nil {
			return 0, err
		}
		for _, jobID := range ids {
			if err := removeJobRecord(ctx, tx, keys, jobID); err != nil {
				return 0, err
			}
		}
		numRemoved += len(ids)
	}

	if _, err := tx.Del(ctx, collectionKeys...); err != nil {
		return 0, err
	}

	// The waiting list was deleted along with its delay marker.
	if err := addDelayMarkerIfNeeded(ctx, tx, keys); err != nil {
		return 0, err
	}

	return numRemoved, nil
}

// ExtendLock renews a job's lock, which a worker does periodically for as
// long as it's working the job. It also clears the job as a stall candidate.
func ExtendLock(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID, token string, lockDuration time.Duration) error {
	lockKey := keyspace.Lock(keys.Job(jobID))

	lockToken, ok, err := tx.Get(ctx, lockKey)
	if err != nil {
		return err
	}
	if !ok {
		return bulltype.NewTransitionError(opExtendLock, bulltype.ErrorCodeMissingLock, jobID)
	}
	if lockToken != token {
		return bulltype.NewTransitionError(opExtendLock, bulltype.ErrorCodeLockMismatch, jobID)
	}

	if err := tx.SetPX(ctx, lockKey, token, valutil.ValOrDefault(lockDuration, bullcommon.LockDurationDefault)); err != nil {
		return err
	}
	_, err = tx.SRem(ctx, keys.Stalled(), jobID)
	return err
}

// MoveToWaitingChildren parks an active job in waiting-children until its
// pending children complete. It returns false without changing anything if
// the job has no pending children.
func MoveToWaitingChildren(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID, token string, now time.Time) (bool, error) {
	jobKey := keys.Job(jobID)

	exists, err := tx.Exists(ctx, jobKey)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, bulltype.NewTransitionError(opMoveToWaitingChildren, bulltype.ErrorCodeMissingJob, jobID)
	}

	lockToken, ok, err := tx.Get(ctx, keyspace.Lock(jobKey))
	if err != nil {
		return false, err
	}
	switch {
	case !ok:
		return false, bulltype.NewTransitionError(opMoveToWaitingChildren, bulltype.ErrorCodeMissingLock, jobID)
	case lockToken != token:
		return false, bulltype.NewTransitionError(opMoveToWaitingChildren, bulltype.ErrorCodeLockMismatch, jobID)
	}

	numPending, err := tx.SCard(ctx, keyspace.Dependencies(jobKey))
	if err != nil || numPending < 1 {
		return false, err
	}

	numRemoved, err := tx.LRem(ctx, keys.Active(), -1, jobID)
	if err != nil {
		return false, err
	}
	if numRemoved != 1 {
		return false, bulltype.NewTransitionError(opMoveToWaitingChildren, bulltype.ErrorCodeNotActive, jobID)
	}

	if err := releaseLock(ctx, tx, keys, opMoveToWaitingChildren, jobID, token, true); err != nil {
		return false, err
	}

	if _, err := tx.ZAdd(ctx, keys.WaitingChildren(), kvdriver.ZMember{Member: jobID, Score: float64(now.UnixMilli())}); err != nil {
		return false, err
	}
	if err := newEventWriter(keys, 0).emit(ctx, tx, bulltype.EventKindWaitingChildren, jobID, "prev", string(bulltype.JobStateActive)); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateProgress records a job's progress and publishes it as an event.
func UpdateProgress(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID, progress string) error {
	jobKey := keys.Job(jobID)

	exists, err := tx.Exists(ctx, jobKey)
	if err != nil {
		return err
	}
	if !exists {
		return bulltype.NewTransitionError(opUpdateProgress, bulltype.ErrorCodeMissingJob, jobID)
	}

	if err := tx.HSet(ctx, jobKey, map[string]string{fieldProgress: progress}); err != nil {
		return err
	}
	return newEventWriter(keys, 0).emit(ctx, tx, bulltype.EventKindProgress, jobID, "data", progress)
}

// AddLog appends a line to a job's logs, keeping only the most recent keep
// lines if keep is positive. Returns the number of lines kept.
func AddLog(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID, line string, keep int) (int, error) {
	jobKey := keys.Job(jobID)

	exists, err := tx.Exists(ctx, jobKey)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, bulltype.NewTransitionError(opAddLog, bulltype.ErrorCodeMissingJob, jobID)
	}

	logsKey := keyspace.Logs(jobKey)

	numLines, err := tx.RPush(ctx, logsKey, line)
	if err != nil {
		return 0, err
	}
	if keep > 0 && numLines > keep {
		if err := tx.LTrim(ctx, logsKey, -keep, -1); err != nil {
			return 0, err
		}
		numLines = keep
	}
	return numLines, nil
}

// GetLogs returns a range of a job's logs, oldest first, along with the total
// number of lines.
func GetLogs(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID string, start, stop int) ([]string, int, error) {
	logsKey := keyspace.Logs(keys.Job(jobID))

	lines, err := tx.LRange(ctx, logsKey, start, stop)
	if err != nil {
		return nil, 0, err
	}
	numLines, err := tx.LLen(ctx, logsKey)
	if err != nil {
		return nil, 0, err
	}
	return lines, numLines, nil
}
