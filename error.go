package bullmq

import (
	"errors"

	"github.com/VladimirMikulic/bullmq/bulltype"
)

// Errors returned by transitions, re-exported so that callers don't need to
// import bulltype. Compare against them with errors.Is.
var (
	ErrInvalidJobID        = bulltype.ErrInvalidJobID
	ErrJobLocked           = bulltype.ErrJobLocked
	ErrJobNotDelayed       = bulltype.ErrJobNotDelayed
	ErrLockMismatch        = bulltype.ErrLockMismatch
	ErrMissingJob          = bulltype.ErrMissingJob
	ErrMissingLock         = bulltype.ErrMissingLock
	ErrMissingParent       = bulltype.ErrMissingParent
	ErrNotActive           = bulltype.ErrNotActive
	ErrPendingDependencies = bulltype.ErrPendingDependencies
)

// TransitionError is the error type of a rejected transition. Its Code is one
// of the negative error codes shared by every store.
type TransitionError = bulltype.TransitionError

// UnrecoverableError is the error type returned by Unrecoverable. It should
// not be initialized directly, but can be used for test assertions.
type UnrecoverableError struct {
	err error
}

func (e *UnrecoverableError) Error() string {
	if e.err == nil {
		return "unrecoverable error"
	}
	return "unrecoverable error: " + e.err.Error()
}

func (e *UnrecoverableError) Is(target error) bool {
	_, ok := target.(*UnrecoverableError)
	return ok
}

func (e *UnrecoverableError) Unwrap() error { return e.err }

// Unrecoverable wraps err and can be returned from a handler to fail the job
// for good. Regardless of whether or not the job has any attempts left, it
// won't be retried.
func Unrecoverable(err error) error {
	return &UnrecoverableError{err: err}
}

func isUnrecoverable(err error) bool {
	var unrecoverableErr *UnrecoverableError
	return errors.As(err, &unrecoverableErr)
}
