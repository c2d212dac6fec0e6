/*
Package bullmq is a job queue built on atomic state transitions over a
key-value store.

Every change to a job's state, like claiming it, finishing it, retrying it,
or recovering it after its worker went away, is a single atomic unit run
against the store through a [kvdriver.Driver]. Drivers are provided for Redis
(kvredis), Postgres through Pgx (kvpgx), database/sql for Postgres and SQLite
(kvsql), and an in-memory store (kvmem) useful for tests and embedded use.
Queues using the same store and key prefix can be shared between any number of
processes.

# Queues and jobs

A [Queue] adds jobs and administers them:

	queue, err := bullmq.NewQueue(kvredis.New(redisClient, nil), &bullmq.QueueConfig{
		Name: "email",
	})
	if err != nil {
		// handle error
	}

	res, err := queue.Add(ctx, "welcome", []byte(`{"to":"user@example.com"}`), &bulltype.JobOpts{
		Attempts: 3,
		Backoff:  &bulltype.BackoffOpts{Delay: 1000, Type: bulltype.BackoffTypeExponential},
	})

A job is waiting once added, unless it's delayed by [bulltype.JobOpts].Delay
or given a priority, in which case it's prioritized. Adding a job with a custom
[bulltype.JobOpts].JobID that already exists is a no-op that returns the
existing job.

Parent and child jobs are added together with [Queue.AddFlow]. A parent waits
in the waiting-children state until every one of its children has completed.

# Workers

A [Worker] claims jobs from a queue and works them with a [HandlerFunc]:

	worker, err := bullmq.NewWorker(driver, &bullmq.WorkerConfig{
		Concurrency: 10,
		Handler: func(ctx context.Context, job *bullmq.Job) ([]byte, error) {
			return nil, sendEmail(ctx, job.Data)
		},
		Queue: "email",
	})
	if err != nil {
		// handle error
	}

	if err := worker.Start(ctx); err != nil {
		// handle error
	}

	// later, after letting jobs in progress finish
	worker.Stop()

Each claimed job is locked with a token unique to the worker, and the lock is
extended periodically while the job is being worked. Finishing a job
atomically claims the next one when possible.

A job whose handler returns an error is retried while it has attempts left,
after a delay determined by its backoff options or the worker's
[RetryPolicy]. Errors wrapped with [Unrecoverable] fail the job immediately.

# Maintenance

Unless disabled, a worker runs maintenance services alongside its claim loop:
delayed jobs are promoted when they're due, repeatable jobs are scheduled,
finished jobs are trimmed per their retention policies, and jobs whose locks
expired are recovered as stalled. Stalled jobs go back to waiting unless
they've used all their attempts or stalled more than
[WorkerConfig].MaxStalledCount times, in which case they're failed.

# Events

Lifecycle transitions are appended to a per-queue event stream, readable with
[Queue.Events]. The stream is trimmed to [QueueConfig].MaxLenEvents entries.
*/
package bullmq
