package transition

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/internal/util/timeutil"
	"github.com/VladimirMikulic/bullmq/internal/util/valutil"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

// Fields of a job's record.
const (
	fieldAttemptsMade    = "attemptsMade"
	fieldAttemptsStarted = "ats"
	fieldData            = "data"
	fieldDelay           = "delay"
	fieldFailedReason    = "failedReason"
	fieldFinishedOn      = "finishedOn"
	fieldName            = "name"
	fieldOpts            = "opts"
	fieldParent          = "parent"
	fieldParentKey       = "parentKey"
	fieldPriority        = "priority"
	fieldProcessedOn     = "processedOn"
	fieldProgress        = "progress"
	fieldRepeatJobKey    = "rjk"
	fieldReturnValue     = "returnvalue"
	fieldStacktrace      = "stacktrace"
	fieldStalledCount    = "stc"
	fieldTimestamp       = "timestamp"
)

// stacktraceLimit is the number of failure reasons kept on a job.
const stacktraceLimit = 10

// readJob reads a job's record, returning nil if it doesn't exist.
func readJob(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, jobID string) (*bulltype.JobRow, error) {
	fields, err := tx.HGetAll(ctx, keys.Job(jobID))
	if err != nil {
		return nil, err
	}
	if len(fields) < 1 {
		return nil, nil
	}
	return jobRowFromFields(keys.Name(), jobID, fields)
}

func jobRowFromFields(queue, jobID string, fields map[string]string) (*bulltype.JobRow, error) {
	job := &bulltype.JobRow{
		ID:              jobID,
		AttemptsMade:    int(valutil.ParseInt64(fields[fieldAttemptsMade])),
		AttemptsStarted: int(valutil.ParseInt64(fields[fieldAttemptsStarted])),
		Data:            []byte(fields[fieldData]),
		Delay:           time.Duration(valutil.ParseInt64(fields[fieldDelay])) * time.Millisecond,
		FailedReason:    fields[fieldFailedReason],
		FinishedOn:      timePtrFromMilli(fields[fieldFinishedOn]),
		Name:            fields[fieldName],
		Priority:        int(valutil.ParseInt64(fields[fieldPriority])),
		ProcessedOn:     timePtrFromMilli(fields[fieldProcessedOn]),
		Queue:           queue,
		RepeatJobKey:    fields[fieldRepeatJobKey],
		StalledCount:    int(valutil.ParseInt64(fields[fieldStalledCount])),
		Timestamp:       timeutil.FromUnixMilli(valutil.ParseInt64(fields[fieldTimestamp])),
	}

	if rawOpts := fields[fieldOpts]; rawOpts != "" {
		if err := json.Unmarshal([]byte(rawOpts), &job.Opts); err != nil {
			return nil, fmt.Errorf("error unmarshaling opts of job %q: %w", jobID, err)
		}
		job.Opts.Delay = job.Delay
	}

	if parent := parseParentRef(fields[fieldParent]); parent != nil {
		job.Parent = parent
	}

	if progress, ok := fields[fieldProgress]; ok {
		job.Progress = []byte(progress)
	}
	if returnValue, ok := fields[fieldReturnValue]; ok {
		job.ReturnValue = []byte(returnValue)
	}

	if rawStacktrace := fields[fieldStacktrace]; rawStacktrace != "" {
		for _, entry := range gjson.Parse(rawStacktrace).Array() {
			job.Stacktrace = append(job.Stacktrace, entry.String())
		}
	}

	return job, nil
}

func timePtrFromMilli(str string) *time.Time {
	ms := valutil.ParseInt64(str)
	if ms == 0 {
		return nil
	}
	t := timeutil.FromUnixMilli(ms)
	return &t
}

func formatMilli(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func parseParentRef(rawParent string) *bulltype.ParentRef {
	if rawParent == "" {
		return nil
	}
	parsed := gjson.Parse(rawParent)
	parent := &bulltype.ParentRef{
		ID:       parsed.Get("id").String(),
		QueueKey: parsed.Get("queueKey").String(),
	}
	if parent.ID == "" || parent.QueueKey == "" {
		return nil
	}
	return parent
}

// jobParentKey resolves the key of a job's parent. The direct back-reference
// is preferred, falling back to the inline descriptor which is what parents
// in other queues are recorded with.
func jobParentKey(fields map[string]string) (string, *bulltype.ParentRef) {
	parent := parseParentRef(fields[fieldParent])
	if parentKey := fields[fieldParentKey]; parentKey != "" {
		return parentKey, parent
	}
	if parent != nil {
		return parent.Key(), parent
	}
	return "", nil
}

// Job options are read individually out of a job's raw opts.

// optsAttempts returns a job's maximum attempts. Jobs without attempts get
// exactly one.
func optsAttempts(rawOpts string) int {
	return max(int(gjson.Get(rawOpts, "attempts").Int()), 1)
}

func optsFailParentOnFailure(rawOpts string) bool {
	return gjson.Get(rawOpts, "fpof").Bool()
}

func optsLIFO(rawOpts string) bool {
	return gjson.Get(rawOpts, "lifo").Bool()
}

// optsKeepJobs reads a job's own retention override at path, which is either
// removeOnComplete or removeOnFail. A bare number is taken as a count.
func optsKeepJobs(rawOpts, path string) *bulltype.KeepJobs {
	keep := gjson.Get(rawOpts, path)
	switch keep.Type {
	case gjson.Number:
		return &bulltype.KeepJobs{Count: int(keep.Int())}
	case gjson.JSON:
		count := keep.Get("count")
		if !count.Exists() {
			return &bulltype.KeepJobs{Age: keep.Get("age").Int(), Count: -1}
		}
		return &bulltype.KeepJobs{Age: keep.Get("age").Int(), Count: int(count.Int())}
	case gjson.False, gjson.Null, gjson.String, gjson.True:
	}
	return nil
}

// appendStacktrace appends a failure reason to a job's raw stacktrace, keeping
// only the most recent entries.
func appendStacktrace(rawStacktrace, entry string) (string, error) {
	if rawStacktrace == "" {
		rawStacktrace = "[]"
	}

	rawStacktrace, err := sjson.Set(rawStacktrace, "-1", entry)
	if err != nil {
		return "", fmt.Errorf("error appending stacktrace: %w", err)
	}

	for gjson.Get(rawStacktrace, "#").Int() > stacktraceLimit {
		if rawStacktrace, err = sjson.Delete(rawStacktrace, "0"); err != nil {
			return "", fmt.Errorf("error trimming stacktrace: %w", err)
		}
	}

	return rawStacktrace, nil
}

// isMarker returns true for a delay marker, which sits in a waiting list to
// signal that a delayed job exists.
func isMarker(jobID string) bool {
	return len(jobID) >= 2 && jobID[0] == '0' && jobID[1] == ':'
}
