// Package keyspace names the keys that make up a queue. Every key belonging to
// a queue starts with `<prefix>:<queue>:`, and a job's record lives at the
// queue key followed by the job's ID, with auxiliary keys hanging off of that.
package keyspace

import (
	"errors"
	"strings"
)

// Queue produces keys for a single queue.
type Queue struct {
	name   string
	prefix string
}

// New returns a keyspace for the given queue. The prefix defaults to "bull".
func New(prefix, name string) *Queue {
	if prefix == "" {
		prefix = "bull"
	}
	return &Queue{name: name, prefix: prefix}
}

// FromQueueKey returns a keyspace for a queue key like `bull:default`, which
// is how parents in other queues are referenced.
func FromQueueKey(queueKey string) (*Queue, error) {
	prefix, name, ok := strings.Cut(queueKey, ":")
	if !ok || prefix == "" || name == "" {
		return nil, errors.New("queue key must be formatted as <prefix>:<queue>: " + queueKey)
	}
	return &Queue{name: name, prefix: prefix}, nil
}

// Name is the queue's name.
func (q *Queue) Name() string { return q.name }

// Prefix is the key prefix shared by all queues.
func (q *Queue) Prefix() string { return q.prefix }

// QueueKey is the base key of the queue, like `bull:default`.
func (q *Queue) QueueKey() string { return q.prefix + ":" + q.name }

func (q *Queue) key(suffix string) string { return q.QueueKey() + ":" + suffix }

// List of waiting job IDs. Jobs are pushed on the left and claimed from the
// right.
func (q *Queue) Wait() string { return q.key("wait") }

// Paused holds waiting job IDs while the queue is paused.
func (q *Queue) Paused() string { return q.key("paused") }

// Active is the list of IDs of jobs held by workers.
func (q *Queue) Active() string { return q.key("active") }

// Prioritized is a sorted set of waiting jobs that have a priority.
func (q *Queue) Prioritized() string { return q.key("prioritized") }

// PriorityCounter breaks ties between jobs of equal priority.
func (q *Queue) PriorityCounter() string { return q.key("pc") }

// Delayed is a sorted set of jobs scored by when they're due.
func (q *Queue) Delayed() string { return q.key("delayed") }

// WaitingChildren is a sorted set of parent jobs waiting on children.
func (q *Queue) WaitingChildren() string { return q.key("waiting-children") }

func (q *Queue) Completed() string { return q.key("completed") }
func (q *Queue) Failed() string    { return q.key("failed") }

// Stalled is the set of active job IDs that will be considered stalled on the
// next check unless their lock is still held.
func (q *Queue) Stalled() string { return q.key("stalled") }

// StalledCheck throttles stalled checks across workers.
func (q *Queue) StalledCheck() string { return q.key("stalled-check") }

// Limiter counts claims within the current rate limit window.
func (q *Queue) Limiter() string { return q.key("limiter") }

func (q *Queue) Events() string { return q.key("events") }

// Meta holds queue-wide settings like the paused flag.
func (q *Queue) Meta() string { return q.key("meta") }

// ID is the counter that job IDs are generated from.
func (q *Queue) ID() string { return q.key("id") }

// Metrics holds the bookkeeping for a metrics kind ("completed" or "failed").
func (q *Queue) Metrics(kind string) string { return q.key("metrics:" + kind) }

// MetricsData is the list of per-bucket counts for a metrics kind, most
// recent first.
func (q *Queue) MetricsData(kind string) string { return q.key("metrics:" + kind + ":data") }

// Repeat is a sorted set of repeatable job definitions scored by their next
// run.
func (q *Queue) Repeat() string { return q.key("repeat") }

// RepeatDefinition is the hash holding a single repeatable definition.
func (q *Queue) RepeatDefinition(repeatKey string) string { return q.key("repeat:" + repeatKey) }

// Job is the key of a job's record.
func (q *Queue) Job(jobID string) string { return q.key(jobID) }

// Job auxiliary keys, derived from a job key.

func Lock(jobKey string) string         { return jobKey + ":lock" }
func Dependencies(jobKey string) string { return jobKey + ":dependencies" }
func Processed(jobKey string) string    { return jobKey + ":processed" }
func Logs(jobKey string) string         { return jobKey + ":logs" }

// ParseJobKey splits a job key into its queue key and job ID. Job IDs never
// contain a colon, so the split is on the last one.
func ParseJobKey(jobKey string) (string, string, error) {
	i := strings.LastIndex(jobKey, ":")
	if i < 1 || i == len(jobKey)-1 {
		return "", "", errors.New("malformed job key: " + jobKey)
	}
	return jobKey[:i], jobKey[i+1:], nil
}

// reservedNames are queue key suffixes that a job ID would collide with.
var reservedNames = map[string]struct{}{ //nolint:gochecknoglobals
	"active":           {},
	"completed":        {},
	"delayed":          {},
	"events":           {},
	"failed":           {},
	"id":               {},
	"limiter":          {},
	"meta":             {},
	"paused":           {},
	"pc":               {},
	"prioritized":      {},
	"repeat":           {},
	"stalled":          {},
	"stalled-check":    {},
	"wait":             {},
	"waiting-children": {},
}

// ValidJobID returns true if the ID can be used as a job ID.
func ValidJobID(jobID string) bool {
	if jobID == "" || strings.Contains(jobID, ":") {
		return false
	}
	_, reserved := reservedNames[jobID]
	return !reserved
}
