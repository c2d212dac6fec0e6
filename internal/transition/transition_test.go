package transition

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/bullinternaltest"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/kvdriver"
	"github.com/VladimirMikulic/bullmq/kvdriver/kvmem"
)

// testBundle is shared by every test in the package. Each test gets its own
// store and queue.
type testBundle struct {
	driver   *kvmem.Driver
	keys     *keyspace.Queue
	timeStub *bullinternaltest.TimeStub
}

func setupTransition(t *testing.T) *testBundle {
	t.Helper()

	timeStub := &bullinternaltest.TimeStub{}
	timeStub.StubNowUTC(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	return &testBundle{
		driver:   kvmem.New(&kvmem.Config{TimeGenerator: timeStub}),
		keys:     keyspace.New("", "queue_"+uuid.NewString()[0:8]),
		timeStub: timeStub,
	}
}

func (b *testBundle) now() time.Time { return b.timeStub.NowUTC() }

// atomic runs fn in an atomic unit, failing the test on error.
func (b *testBundle) atomic(ctx context.Context, t *testing.T, fn func(ctx context.Context, tx kvdriver.Tx) error) {
	t.Helper()
	require.NoError(t, b.driver.Atomic(ctx, fn))
}

func atomicVal[T any](ctx context.Context, t *testing.T, bundle *testBundle, fn func(ctx context.Context, tx kvdriver.Tx) (T, error)) T {
	t.Helper()

	var val T
	require.NoError(t, bundle.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		var err error
		val, err = fn(ctx, tx)
		return err
	}))
	return val
}

func (b *testBundle) addJob(ctx context.Context, t *testing.T, opts bulltype.JobOpts) string {
	t.Helper()

	return atomicVal(ctx, t, b, func(ctx context.Context, tx kvdriver.Tx) (*AddJobResult, error) {
		return AddJob(ctx, tx, b.keys, &AddJobParams{Data: []byte(`{}`), Name: "job", Now: b.now(), Opts: opts})
	}).JobID
}

func (b *testBundle) claim(ctx context.Context, t *testing.T, token string) *Continuation {
	t.Helper()

	return atomicVal(ctx, t, b, func(ctx context.Context, tx kvdriver.Tx) (*Continuation, error) {
		return MoveToActive(ctx, tx, b.keys, &MoveToActiveParams{Now: b.now(), Token: token})
	})
}

// claimJob claims a job, requiring that one was ready.
func (b *testBundle) claimJob(ctx context.Context, t *testing.T, token string) *bulltype.JobRow {
	t.Helper()

	next := b.claim(ctx, t, token)
	require.Equal(t, ContinuationNextJob, next.Kind())
	return next.Job
}

func (b *testBundle) finish(ctx context.Context, params *MoveToFinishedParams) (*FinishResult, error) {
	if params.Now.IsZero() {
		params.Now = b.now()
	}

	var res *FinishResult
	err := b.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		var err error
		res, err = MoveToFinished(ctx, tx, b.keys, params)
		return err
	})
	return res, err
}

func (b *testBundle) events(ctx context.Context, t *testing.T) []*bulltype.Event {
	t.Helper()

	return atomicVal(ctx, t, b, func(ctx context.Context, tx kvdriver.Tx) ([]*bulltype.Event, error) {
		return ReadEvents(ctx, tx, b.keys, "", 0)
	})
}

func (b *testBundle) eventKinds(ctx context.Context, t *testing.T) []bulltype.EventKind {
	t.Helper()

	events := b.events(ctx, t)
	kinds := make([]bulltype.EventKind, len(events))
	for i, event := range events {
		kinds[i] = event.Kind
	}
	return kinds
}

func (b *testBundle) getJob(ctx context.Context, t *testing.T, jobID string) *bulltype.JobRow {
	t.Helper()

	return atomicVal(ctx, t, b, func(ctx context.Context, tx kvdriver.Tx) (*bulltype.JobRow, error) {
		return GetJob(ctx, tx, b.keys, jobID)
	})
}

func (b *testBundle) state(ctx context.Context, t *testing.T, jobID string) bulltype.JobState {
	t.Helper()

	return atomicVal(ctx, t, b, func(ctx context.Context, tx kvdriver.Tx) (bulltype.JobState, error) {
		return GetState(ctx, tx, b.keys, jobID)
	})
}

func countEvents(events []*bulltype.Event, kind bulltype.EventKind) int {
	var count int
	for _, event := range events {
		if event.Kind == kind {
			count++
		}
	}
	return count
}
