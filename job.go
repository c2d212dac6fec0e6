package bullmq

import (
	"context"
	"errors"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/transition"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

// ErrWaitingChildren can be returned from a handler after a successful
// MoveToWaitingChildren to leave the job waiting on its children. The job
// isn't finished, and is worked again once its children have completed.
var ErrWaitingChildren = errors.New("job is waiting for its children")

// HandlerFunc works a job. The returned value is stored as the job's return
// value if it succeeds. Returning an error fails the attempt, which is retried
// if the job has attempts left unless the error is wrapped with
// Unrecoverable.
type HandlerFunc func(ctx context.Context, job *Job) ([]byte, error)

// Job is a job being worked, along with the lock token that its worker holds
// it with.
type Job struct {
	*bulltype.JobRow

	queue *Queue
	token string
}

// Token returns the token that the job's lock is held with.
func (j *Job) Token() string { return j.token }

// UpdateProgress records the job's progress.
func (j *Job) UpdateProgress(ctx context.Context, progress string) error {
	return j.queue.UpdateProgress(ctx, j.ID, progress)
}

// Log appends a line to the job's logs.
func (j *Job) Log(ctx context.Context, line string) error {
	_, err := j.queue.AddLog(ctx, j.ID, line, 0)
	return err
}

// MoveToWaitingChildren moves the job to waiting-children if any of its
// children are still pending, returning true if it did. The handler should
// then return ErrWaitingChildren. If every child has already completed, the
// job stays active and false is returned.
func (j *Job) MoveToWaitingChildren(ctx context.Context) (bool, error) {
	return atomicVal(ctx, j.queue.driver, func(ctx context.Context, tx kvdriver.Tx) (bool, error) {
		return transition.MoveToWaitingChildren(ctx, tx, j.queue.keys, j.ID, j.token, j.queue.now())
	})
}
