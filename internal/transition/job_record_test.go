package transition

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/VladimirMikulic/bullmq/bulltype"
)

func TestAppendStacktrace(t *testing.T) {
	t.Parallel()

	rawStacktrace, err := appendStacktrace("", "first")
	require.NoError(t, err)
	require.JSONEq(t, `["first"]`, rawStacktrace)

	for i := range stacktraceLimit + 2 {
		rawStacktrace, err = appendStacktrace(rawStacktrace, "error "+strconv.Itoa(i))
		require.NoError(t, err)
	}

	entries := gjson.Parse(rawStacktrace).Array()
	require.Len(t, entries, stacktraceLimit)
	require.Equal(t, "error 2", entries[0].String())
	require.Equal(t, "error 11", entries[stacktraceLimit-1].String())
}

func TestOptsAttempts(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, optsAttempts(""))
	require.Equal(t, 1, optsAttempts(`{}`))
	require.Equal(t, 1, optsAttempts(`{"attempts":0}`))
	require.Equal(t, 3, optsAttempts(`{"attempts":3}`))
}

func TestOptsKeepJobs(t *testing.T) {
	t.Parallel()

	require.Nil(t, optsKeepJobs(`{}`, "removeOnComplete"))
	require.Nil(t, optsKeepJobs(`{"removeOnComplete":true}`, "removeOnComplete"))
	require.Equal(t, &bulltype.KeepJobs{Count: 5}, optsKeepJobs(`{"removeOnComplete":5}`, "removeOnComplete"))
	require.Equal(t, &bulltype.KeepJobs{Age: 60, Count: 2}, optsKeepJobs(`{"removeOnFail":{"age":60,"count":2}}`, "removeOnFail"))
	require.Equal(t, &bulltype.KeepJobs{Age: 60, Count: -1}, optsKeepJobs(`{"removeOnFail":{"age":60}}`, "removeOnFail"))
}

func TestIsMarker(t *testing.T) {
	t.Parallel()

	require.True(t, isMarker("0:1717243200000"))
	require.True(t, isMarker("0:0"))
	require.False(t, isMarker("0"))
	require.False(t, isMarker("10"))
	require.False(t, isMarker("custom"))
}

func TestJobParentKey(t *testing.T) {
	t.Parallel()

	parentKey, parent := jobParentKey(map[string]string{})
	require.Empty(t, parentKey)
	require.Nil(t, parent)

	parentKey, parent = jobParentKey(map[string]string{
		fieldParent: `{"id":"7","queueKey":"bull:parents"}`,
	})
	require.Equal(t, "bull:parents:7", parentKey)
	require.Equal(t, &bulltype.ParentRef{ID: "7", QueueKey: "bull:parents"}, parent)

	parentKey, _ = jobParentKey(map[string]string{
		fieldParent:    `{"id":"7","queueKey":"bull:parents"}`,
		fieldParentKey: "bull:other:8",
	})
	require.Equal(t, "bull:other:8", parentKey)
}

func TestJobRowFromFields(t *testing.T) {
	t.Parallel()

	job, err := jobRowFromFields("default", "1", map[string]string{
		fieldAttemptsMade:    "2",
		fieldAttemptsStarted: "3",
		fieldData:            `{"foo":"bar"}`,
		fieldName:            "email",
		fieldOpts:            `{"attempts":5,"priority":4}`,
		fieldPriority:        "4",
		fieldStacktrace:      `["boom"]`,
		fieldTimestamp:       "1717243200000",
	})
	require.NoError(t, err)
	require.Equal(t, "1", job.ID)
	require.Equal(t, "default", job.Queue)
	require.Equal(t, 2, job.AttemptsMade)
	require.Equal(t, 3, job.AttemptsStarted)
	require.Equal(t, `{"foo":"bar"}`, string(job.Data))
	require.Equal(t, "email", job.Name)
	require.Equal(t, 5, job.Opts.Attempts)
	require.Equal(t, 4, job.Priority)
	require.Equal(t, []string{"boom"}, job.Stacktrace)
	require.Equal(t, int64(1717243200000), job.Timestamp.UnixMilli())
	require.Nil(t, job.FinishedOn)
	require.Nil(t, job.ProcessedOn)
}
