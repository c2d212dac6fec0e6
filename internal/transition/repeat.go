package transition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/internal/util/valutil"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

const (
	repeatFieldData    = "data"
	repeatFieldEvery   = "every"
	repeatFieldName    = "name"
	repeatFieldOpts    = "opts"
	repeatFieldPattern = "pattern"
)

// Repeatable is a definition that inserts a job on a schedule.
type Repeatable struct {
	// Every is a fixed interval between iterations, used if Pattern is empty.
	Every time.Duration

	// Key identifies the definition. Upserting with an existing key replaces
	// the definition.
	Key string

	Name string

	// Next is when the next iteration is due.
	Next time.Time

	// Pattern is a standard five field cron expression.
	Pattern string
}

// UpsertRepeatableParams are parameters for UpsertRepeatable.
type UpsertRepeatableParams struct {
	Data    []byte
	Every   time.Duration
	Key     string
	Name    string
	Opts    bulltype.JobOpts
	Pattern string

	Now time.Time
}

// repeatSchedule returns the schedule of a definition, preferring a cron
// pattern over a fixed interval.
func repeatSchedule(pattern string, every time.Duration) (cron.Schedule, error) {
	if pattern != "" {
		schedule, err := cron.ParseStandard(pattern)
		if err != nil {
			return nil, fmt.Errorf("error parsing repeat pattern %q: %w", pattern, err)
		}
		return schedule, nil
	}
	if every < time.Second {
		return nil, errors.New("repeatable needs a pattern or an interval of at least one second")
	}
	return cron.Every(every), nil
}

func repeatJobID(repeatKey string, dueMS int64) string {
	return "repeat-" + repeatKey + "-" + strconv.FormatInt(dueMS, 10)
}

// UpsertRepeatable stores a repeatable definition and schedules its next
// iteration as a delayed job. An iteration scheduled by a previous version
// of the definition is removed if it hasn't been worked yet.
func UpsertRepeatable(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, params *UpsertRepeatableParams) (*Repeatable, error) {
	if !keyspace.ValidJobID(params.Key) {
		return nil, fmt.Errorf("%w: repeat key %q", bulltype.ErrInvalidJobID, params.Key)
	}

	schedule, err := repeatSchedule(params.Pattern, params.Every)
	if err != nil {
		return nil, err
	}

	if _, err := removePendingIteration(ctx, tx, keys, params.Key); err != nil {
		return nil, err
	}

	opts := params.Opts
	opts.JobID = ""
	rawOpts, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("error marshaling opts: %w", err)
	}

	if err := tx.HSet(ctx, keys.RepeatDefinition(params.Key), map[string]string{
		repeatFieldData:    string(params.Data),
		repeatFieldEvery:   strconv.FormatInt(params.Every.Milliseconds(), 10),
		repeatFieldName:    params.Name,
		repeatFieldOpts:    string(rawOpts),
		repeatFieldPattern: params.Pattern,
	}); err != nil {
		return nil, err
	}

	next := schedule.Next(params.Now)
	if err := scheduleIteration(ctx, tx, keys, params.Key, next, params.Now); err != nil {
		return nil, err
	}

	return &Repeatable{
		Every:   params.Every,
		Key:     params.Key,
		Name:    params.Name,
		Next:    next.UTC(),
		Pattern: params.Pattern,
	}, nil
}

// scheduleIteration inserts the iteration of a definition that's due at next
// and records next as the definition's next run.
func scheduleIteration(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, repeatKey string, next, now time.Time) error {
	definition, err := tx.HGetAll(ctx, keys.RepeatDefinition(repeatKey))
	if err != nil {
		return err
	}

	var opts bulltype.JobOpts
	if err := json.Unmarshal([]byte(definition[repeatFieldOpts]), &opts); err != nil {
		return fmt.Errorf("error unmarshaling opts of repeatable %q: %w", repeatKey, err)
	}
	opts.JobID = repeatJobID(repeatKey, next.UnixMilli())
	opts.Delay = max(next.Sub(now), 0)

	if _, err := AddJob(ctx, tx, keys, &AddJobParams{
		Data:         []byte(definition[repeatFieldData]),
		Name:         definition[repeatFieldName],
		Now:          now,
		Opts:         opts,
		RepeatJobKey: repeatKey,
	}); err != nil {
		return err
	}

	_, err = tx.ZAdd(ctx, keys.Repeat(), kvdriver.ZMember{Member: repeatKey, Score: float64(next.UnixMilli())})
	return err
}

// removePendingIteration removes the next scheduled iteration of a definition
// if it's still delayed.
func removePendingIteration(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, repeatKey string) (bool, error) {
	nextMS, ok, err := tx.ZScore(ctx, keys.Repeat(), repeatKey)
	if err != nil || !ok {
		return false, err
	}

	jobID := repeatJobID(repeatKey, int64(nextMS))
	numRemoved, err := tx.ZRem(ctx, keys.Delayed(), jobID)
	if err != nil || numRemoved < 1 {
		return false, err
	}
	return true, removeJobRecord(ctx, tx, keys, jobID)
}

// RemoveRepeatable removes a repeatable definition along with its pending
// iteration. Returns false if there was no such definition.
func RemoveRepeatable(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, repeatKey string) (bool, error) {
	if _, err := removePendingIteration(ctx, tx, keys, repeatKey); err != nil {
		return false, err
	}

	numRemoved, err := tx.ZRem(ctx, keys.Repeat(), repeatKey)
	if err != nil {
		return false, err
	}
	if _, err := tx.Del(ctx, keys.RepeatDefinition(repeatKey)); err != nil {
		return false, err
	}
	return numRemoved > 0, nil
}

// ListRepeatables returns every repeatable definition, soonest first.
func ListRepeatables(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue) ([]*Repeatable, error) {
	members, err := tx.ZRange(ctx, keys.Repeat(), 0, -1)
	if err != nil {
		return nil, err
	}

	repeatables := make([]*Repeatable, 0, len(members))
	for _, member := range members {
		definition, err := tx.HGetAll(ctx, keys.RepeatDefinition(member.Member))
		if err != nil {
			return nil, err
		}
		repeatables = append(repeatables, &Repeatable{
			Every:   time.Duration(valutil.ParseInt64(definition[repeatFieldEvery])) * time.Millisecond,
			Key:     member.Member,
			Name:    definition[repeatFieldName],
			Next:    time.UnixMilli(int64(member.Score)).UTC(),
			Pattern: definition[repeatFieldPattern],
		})
	}
	return repeatables, nil
}

// EnqueueDueRepeatables schedules the following iteration of every definition
// whose next iteration has come due, so that each definition always has one
// iteration pending. Iterations missed entirely are skipped. Returns the IDs
// of scheduled jobs.
func EnqueueDueRepeatables(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, now time.Time, limit int) ([]string, error) {
	due, err := tx.ZRangeByScore(ctx, keys.Repeat(), math.Inf(-1), float64(now.UnixMilli()), limit)
	if err != nil {
		return nil, err
	}

	var jobIDs []string
	for _, member := range due {
		repeatKey := member.Member

		definition, err := tx.HGetAll(ctx, keys.RepeatDefinition(repeatKey))
		if err != nil {
			return nil, err
		}
		if len(definition) < 1 {
			if _, err := tx.ZRem(ctx, keys.Repeat(), repeatKey); err != nil {
				return nil, err
			}
			continue
		}

		schedule, err := repeatSchedule(definition[repeatFieldPattern], time.Duration(valutil.ParseInt64(definition[repeatFieldEvery]))*time.Millisecond)
		if err != nil {
			return nil, err
		}

		next := schedule.Next(time.UnixMilli(int64(member.Score)))
		if !next.After(now) {
			next = schedule.Next(now)
		}

		if err := scheduleIteration(ctx, tx, keys, repeatKey, next, now); err != nil {
			return nil, err
		}
		jobIDs = append(jobIDs, repeatJobID(repeatKey, next.UnixMilli()))
	}
	return jobIDs, nil
}
