package bulltype

import (
	"errors"
	"fmt"
)

// ErrorCode is the negative result code an atomic transition produces when it
// refuses to run. Codes are stable so that they can be surfaced across process
// boundaries (e.g. by the CLI).
type ErrorCode int

const (
	ErrorCodeMissingJob          ErrorCode = -1
	ErrorCodeMissingLock         ErrorCode = -2
	ErrorCodeNotActive           ErrorCode = -3
	ErrorCodePendingDependencies ErrorCode = -4
	ErrorCodeMissingParent       ErrorCode = -5
	ErrorCodeLockMismatch        ErrorCode = -6
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeMissingJob:
		return "MissingJob"
	case ErrorCodeMissingLock:
		return "MissingLock"
	case ErrorCodeNotActive:
		return "NotActive"
	case ErrorCodePendingDependencies:
		return "PendingDependencies"
	case ErrorCodeMissingParent:
		return "MissingParent"
	case ErrorCodeLockMismatch:
		return "LockMismatch"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

var (
	// ErrMissingJob is returned when a job's record doesn't exist. Retrying the
	// same call won't help.
	ErrMissingJob = &TransitionError{Code: ErrorCodeMissingJob}

	// ErrMissingLock is returned when a lock was expected on a job, but none
	// was found. The caller's ownership of the job has lapsed.
	ErrMissingLock = &TransitionError{Code: ErrorCodeMissingLock}

	// ErrNotActive is returned when a job was expected to be in the active
	// list, but wasn't. Usually indicates a duplicate finish.
	ErrNotActive = &TransitionError{Code: ErrorCodeNotActive}

	// ErrPendingDependencies is returned when finishing a job that's still
	// waiting on children.
	ErrPendingDependencies = &TransitionError{Code: ErrorCodePendingDependencies}

	// ErrMissingParent is returned when inserting a child whose parent doesn't
	// exist.
	ErrMissingParent = &TransitionError{Code: ErrorCodeMissingParent}

	// ErrLockMismatch is returned when a job's lock is held by a different
	// token than the one given.
	ErrLockMismatch = &TransitionError{Code: ErrorCodeLockMismatch}
)

// ErrJobLocked is returned when trying to remove a job that's locked by a
// worker.
var ErrJobLocked = errors.New("job is locked by a worker")

// ErrInvalidJobID is returned for a custom job ID that can't be used as one.
var ErrInvalidJobID = errors.New("job ID must be non-empty and must not contain ':' or be a reserved key name")

// TransitionError is returned by an atomic transition that refused to run
// because its preconditions didn't hold. No side effects of the transition
// are ever visible when one is returned.
type TransitionError struct {
	// Code is the error's code.
	Code ErrorCode

	// JobID is the ID of the job the transition was invoked for.
	JobID string

	// Op is the name of the transition, like "MoveToFinished".
	Op string
}

func (e *TransitionError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("transition failed: %s (%d)", e.Code, int(e.Code))
	}
	return fmt.Sprintf("%s of job %q failed: %s (%d)", e.Op, e.JobID, e.Code, int(e.Code))
}

// Is compares codes so that a TransitionError carrying job details still
// matches its sentinel with errors.Is.
func (e *TransitionError) Is(target error) bool {
	var targetErr *TransitionError
	if !errors.As(target, &targetErr) {
		return false
	}
	return e.Code == targetErr.Code
}

// NewTransitionError returns a transition error for the given code.
func NewTransitionError(op string, code ErrorCode, jobID string) *TransitionError {
	return &TransitionError{Code: code, JobID: jobID, Op: op}
}

// ErrJobNotDelayed is returned when promoting a job that isn't delayed.
var ErrJobNotDelayed = errors.New("job is not delayed")
