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

const (
	metricsFieldCount     = "count"
	metricsFieldPrevCount = "prevCount"
	metricsFieldPrevTS    = "prevTS"
)

// collectMetrics counts a finished job. Data points hold the number of jobs
// finished per bucket, most recent first, and are only written once a bucket
// has elapsed. Buckets that elapsed with no jobs are written as zeros, and the
// list is trimmed to maxDataPoints.
func collectMetrics(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, kind bulltype.JobState, maxDataPoints int, bucket time.Duration, nowMS int64) error {
	if maxDataPoints < 1 {
		return nil
	}
	bucketMS := valutil.ValOrDefault(bucket, bullcommon.MetricsGranularityDefault).Milliseconds()

	metaKey := keys.Metrics(string(kind))

	count, err := tx.HIncrBy(ctx, metaKey, metricsFieldCount, 1)
	if err != nil {
		return err
	}
	count--

	rawPrevTS, ok, err := tx.HGet(ctx, metaKey, metricsFieldPrevTS)
	if err != nil {
		return err
	}
	if !ok {
		return tx.HSet(ctx, metaKey, map[string]string{
			metricsFieldPrevTS:    strconv.FormatInt(nowMS, 10),
			metricsFieldPrevCount: "0",
		})
	}

	numPoints := min(nowMS/bucketMS-valutil.ParseInt64(rawPrevTS)/bucketMS, int64(maxDataPoints))
	if numPoints < 1 {
		return nil
	}

	rawPrevCount, _, err := tx.HGet(ctx, metaKey, metricsFieldPrevCount)
	if err != nil {
		return err
	}

	// The delta belongs to the oldest of the elapsed buckets, so it's pushed
	// first and the zeros land in front of it.
	points := make([]string, numPoints)
	points[0] = strconv.FormatInt(count-valutil.ParseInt64(rawPrevCount), 10)
	for i := 1; i < len(points); i++ {
		points[i] = "0"
	}

	dataKey := keys.MetricsData(string(kind))
	if _, err := tx.LPush(ctx, dataKey, points...); err != nil {
		return err
	}
	if err := tx.LTrim(ctx, dataKey, 0, maxDataPoints-1); err != nil {
		return err
	}

	return tx.HSet(ctx, metaKey, map[string]string{
		metricsFieldPrevCount: strconv.FormatInt(count, 10),
		metricsFieldPrevTS:    strconv.FormatInt(nowMS, 10),
	})
}

// Metrics are the collected metrics for one kind of finished job.
type Metrics struct {
	// Count is the total number of jobs counted.
	Count int64

	// Data holds per-bucket counts, most recent first.
	Data []int64

	// PrevTS is when the last data point was written.
	PrevTS time.Time
}

// GetMetrics reads the metrics of a queue for completed or failed jobs,
// returning data points in the range [start, stop].
func GetMetrics(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, kind bulltype.JobState, start, stop int) (*Metrics, error) {
	fields, err := tx.HGetAll(ctx, keys.Metrics(string(kind)))
	if err != nil {
		return nil, err
	}

	rawData, err := tx.LRange(ctx, keys.MetricsData(string(kind)), start, stop)
	if err != nil {
		return nil, err
	}

	metrics := &Metrics{
		Count: valutil.ParseInt64(fields[metricsFieldCount]),
		Data:  make([]int64, len(rawData)),
	}
	if prevTS := valutil.ParseInt64(fields[metricsFieldPrevTS]); prevTS > 0 {
		metrics.PrevTS = time.UnixMilli(prevTS).UTC()
	}
	for i, rawPoint := range rawData {
		metrics.Data[i] = valutil.ParseInt64(rawPoint)
	}
	return metrics, nil
}
