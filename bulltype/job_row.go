// Package bulltype stores some of the lowest level primitives so they can be
// shared amongst a number of packages including the top-level bullmq package,
// store drivers, and the internal transition engine.
package bulltype

import (
	"time"
)

// JobRow contains the properties of a job as they're persisted in the job's
// record. A job's state isn't one of them: a job is in whatever state the
// collection that currently holds its ID says it's in, so State is only
// populated by operations that resolve it explicitly.
type JobRow struct {
	// ID of the job. Generated from the queue's ID counter and ascending in
	// nature unless the caller supplied a custom ID in JobOpts.
	ID string

	// AttemptsMade is the number of attempts the job has made, counting the
	// one in progress. It's incremented when the job is claimed, and a job
	// that fails with AttemptsMade below its Attempts is retried.
	AttemptsMade int

	// AttemptsStarted is the number of times the job has been claimed by a
	// worker. It's informational.
	AttemptsStarted int

	// Data is the job's opaque payload, usually JSON.
	Data []byte

	// Delay is the delay the job was inserted with.
	Delay time.Duration

	// FailedReason is the reason given for the job's last failure.
	FailedReason string

	// FinishedOn is when the job was completed or failed for the last time.
	FinishedOn *time.Time

	// Name is a free form name for the job, usually used by workers to route
	// it to a handler.
	Name string

	// Opts are the options the job was inserted with.
	Opts JobOpts

	// Parent is set if the job is a child in a flow.
	Parent *ParentRef

	// Priority is the job's priority. Lower is more urgent, with 0 meaning
	// unset, in which case the job is worked in FIFO order behind any
	// prioritized ones.
	Priority int

	// ProcessedOn is when the job was last claimed by a worker.
	ProcessedOn *time.Time

	// Progress is the last progress value reported for the job.
	Progress []byte

	// Queue is the name of the queue the job belongs to.
	Queue string

	// RepeatJobKey is set on iterations of repeatable jobs.
	RepeatJobKey string

	// ReturnValue is the value the job's handler returned on success.
	ReturnValue []byte

	// Stacktrace contains the failure reasons for previous attempts, oldest
	// first.
	Stacktrace []string

	// StalledCount is the number of times the job was found stalled.
	StalledCount int

	// State is only set when the job was fetched through an operation that
	// resolves it. See the JobRow doc.
	State JobState

	// Timestamp is when the job was created.
	Timestamp time.Time
}

// JobState is the state of a job. It's derived from collection membership.
type JobState string

const (
	JobStateActive          JobState = "active"
	JobStateCompleted       JobState = "completed"
	JobStateDelayed         JobState = "delayed"
	JobStateFailed          JobState = "failed"
	JobStatePaused          JobState = "paused"
	JobStatePrioritized     JobState = "prioritized"
	JobStateUnknown         JobState = "unknown"
	JobStateWaiting         JobState = "waiting"
	JobStateWaitingChildren JobState = "waiting-children"
)

// JobStateAll returns every state that a job can be counted in.
func JobStateAll() []JobState {
	return []JobState{
		JobStateActive,
		JobStateCompleted,
		JobStateDelayed,
		JobStateFailed,
		JobStatePaused,
		JobStatePrioritized,
		JobStateWaiting,
		JobStateWaitingChildren,
	}
}

// ParentRef identifies a parent job, possibly in a different queue. Parents
// are only ever referenced by ID, never held directly.
type ParentRef struct {
	// ID is the parent's job ID.
	ID string `json:"id"`

	// QueueKey is the parent queue's key, including the key prefix (e.g.
	// `bull:parents`).
	QueueKey string `json:"queueKey"`
}

// Key returns the parent's job key.
func (r *ParentRef) Key() string { return r.QueueKey + ":" + r.ID }

// JobOpts are options that a job is inserted with. They're persisted
// alongside the job as JSON and read back by transitions.
type JobOpts struct {
	// Attempts is the maximum number of times the job is run. A job that
	// fails with fewer attempts made than this is sent back to waiting.
	// Defaults to 1.
	Attempts int `json:"attempts,omitempty"`

	// Backoff configures the delay before a failed job is retried.
	Backoff *BackoffOpts `json:"backoff,omitempty"`

	// Delay makes the job wait this long before it becomes eligible to be
	// worked. It's persisted in the job's `delay` field rather than with the
	// rest of the options.
	Delay time.Duration `json:"-"`

	// FailParentOnFailure moves the job's parent to failed as soon as this
	// job fails for the last time.
	FailParentOnFailure bool `json:"fpof,omitempty"`

	// JobID is a custom ID. Inserting a job whose ID already exists is a
	// no-op that returns the existing ID.
	JobID string `json:"jobId,omitempty"`

	// LIFO puts the job at the front of the waiting list instead of the back.
	LIFO bool `json:"lifo,omitempty"`

	// Parent makes the job a child of the referenced job.
	Parent *ParentRef `json:"parent,omitempty"`

	// Priority of the job. Lower is more urgent; 0 means none.
	Priority int `json:"priority,omitempty"`

	// RemoveOnComplete overrides the queue's retention for completed jobs.
	RemoveOnComplete *KeepJobs `json:"removeOnComplete,omitempty"`

	// RemoveOnFail overrides the queue's retention for failed jobs.
	RemoveOnFail *KeepJobs `json:"removeOnFail,omitempty"`
}

// BackoffType is a kind of retry backoff.
type BackoffType string

const (
	BackoffTypeExponential BackoffType = "exponential"
	BackoffTypeFixed       BackoffType = "fixed"
)

// BackoffOpts configure how long a failed job waits before its retry.
type BackoffOpts struct {
	// Delay is the base delay in milliseconds.
	Delay int64 `json:"delay"`

	Type BackoffType `json:"type"`
}

// KeepJobs is a retention policy for finished jobs.
type KeepJobs struct {
	// Age is the maximum age in seconds of kept jobs. Zero means no limit.
	Age int64 `json:"age,omitempty"`

	// Count is the maximum number of jobs kept. -1 or 0 with an Age set
	// keeps every job not yet aged out. 0 without an Age keeps none,
	// removing each job as soon as it finishes.
	Count int `json:"count"`
}

// KeepAll is a retention policy that never evicts finished jobs.
func KeepAll() KeepJobs { return KeepJobs{Count: -1} }
