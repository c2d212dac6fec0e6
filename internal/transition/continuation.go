package transition

import (
	"time"

	"github.com/VladimirMikulic/bullmq/bulltype"
)

// ContinuationKind is what a worker should do after a claim attempt.
type ContinuationKind int

const (
	// ContinuationDone means there's nothing to work and nothing scheduled.
	ContinuationDone ContinuationKind = iota

	// ContinuationNextJob means a job was claimed and should be worked.
	ContinuationNextJob

	// ContinuationRetryAfter means nothing may be claimed right now, but a
	// claim should be attempted again after a wait.
	ContinuationRetryAfter
)

func (k ContinuationKind) String() string {
	switch k {
	case ContinuationDone:
		return "Done"
	case ContinuationNextJob:
		return "NextJob"
	case ContinuationRetryAfter:
		return "RetryAfter"
	}
	return "ContinuationKind(unknown)"
}

// Continuation is the result of claiming a job, either directly or chained
// onto finishing another one.
type Continuation struct {
	// Job is the claimed job. Set for ContinuationNextJob.
	Job *bulltype.JobRow

	// RetryAfter is how long to wait before attempting another claim. Set
	// for ContinuationRetryAfter.
	RetryAfter time.Duration

	// RateLimited is true when RetryAfter comes from the queue's rate limit
	// rather than from the next delayed job's due time.
	RateLimited bool
}

// Kind returns the continuation's kind.
func (c *Continuation) Kind() ContinuationKind {
	switch {
	case c == nil:
		return ContinuationDone
	case c.Job != nil:
		return ContinuationNextJob
	case c.RetryAfter > 0:
		return ContinuationRetryAfter
	}
	return ContinuationDone
}
