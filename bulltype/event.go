package bulltype

// EventKind is the kind of a lifecycle event appended to a queue's event
// stream.
type EventKind string

const (
	EventKindActive           EventKind = "active"
	EventKindAdded            EventKind = "added"
	EventKindCleaned          EventKind = "cleaned"
	EventKindCompleted        EventKind = "completed"
	EventKindDelayed          EventKind = "delayed"
	EventKindDrained          EventKind = "drained"
	EventKindDuplicated       EventKind = "duplicated"
	EventKindFailed           EventKind = "failed"
	EventKindPaused           EventKind = "paused"
	EventKindProgress         EventKind = "progress"
	EventKindRemoved          EventKind = "removed"
	EventKindResumed          EventKind = "resumed"
	EventKindRetriesExhausted EventKind = "retries-exhausted"
	EventKindRetrying         EventKind = "retrying"
	EventKindStalled          EventKind = "stalled"
	EventKindWaiting          EventKind = "waiting"
	EventKindWaitingChildren  EventKind = "waiting-children"
)

// Event is a single entry read back from a queue's event stream.
type Event struct {
	// ID is the stream entry's ID, usable as a cursor for further reads.
	ID string

	// Kind is the event's kind.
	Kind EventKind

	// JobID is the job the event concerns. Empty for queue-level events like
	// drained.
	JobID string

	// Fields contains the rest of the entry's fields, like `returnvalue`,
	// `failedReason`, `attemptsMade`, or `prev`.
	Fields map[string]string
}
