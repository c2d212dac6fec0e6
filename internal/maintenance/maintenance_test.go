package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/baseservice"
	"github.com/VladimirMikulic/bullmq/internal/bullinternaltest"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/internal/transition"
	"github.com/VladimirMikulic/bullmq/kvdriver"
	"github.com/VladimirMikulic/bullmq/kvdriver/kvmem"
)

// maintenanceBundle is shared by the tests of every maintenance service. Its
// driver and archetype share a stubbed clock.
type maintenanceBundle struct {
	archetype *baseservice.Archetype
	driver    *kvmem.Driver
	keys      *keyspace.Queue
	timeStub  *bullinternaltest.TimeStub
}

func setupMaintenance(t *testing.T) *maintenanceBundle {
	t.Helper()

	archetype := bullinternaltest.BaseServiceArchetype(t)
	timeStub := archetype.Time.(*bullinternaltest.TimeStub) //nolint:forcetypeassert
	timeStub.StubNowUTC(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	return &maintenanceBundle{
		archetype: archetype,
		driver:    kvmem.New(&kvmem.Config{TimeGenerator: timeStub}),
		keys:      keyspace.New("", "queue_"+uuid.NewString()[0:8]),
		timeStub:  timeStub,
	}
}

func (b *maintenanceBundle) addJob(ctx context.Context, t *testing.T, opts bulltype.JobOpts) string {
	t.Helper()

	var res *transition.AddJobResult
	require.NoError(t, b.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		var err error
		res, err = transition.AddJob(ctx, tx, b.keys, &transition.AddJobParams{Data: []byte(`{}`), Name: "job", Now: b.timeStub.NowUTC(), Opts: opts})
		return err
	}))
	return res.JobID
}

func (b *maintenanceBundle) claimJob(ctx context.Context, t *testing.T, token string) string {
	t.Helper()

	var next *transition.Continuation
	require.NoError(t, b.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		var err error
		next, err = transition.MoveToActive(ctx, tx, b.keys, &transition.MoveToActiveParams{Now: b.timeStub.NowUTC(), Token: token})
		return err
	}))
	require.Equal(t, transition.ContinuationNextJob, next.Kind())
	return next.Job.ID
}

func (b *maintenanceBundle) finishJob(ctx context.Context, t *testing.T, jobID, token string, target bulltype.JobState) {
	t.Helper()

	require.NoError(t, b.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		_, err := transition.MoveToFinished(ctx, tx, b.keys, &transition.MoveToFinishedParams{
			FailedReason: "boom",
			JobID:        jobID,
			Now:          b.timeStub.NowUTC(),
			Target:       target,
			Token:        token,
		})
		return err
	}))
}

func (b *maintenanceBundle) getJob(ctx context.Context, t *testing.T, jobID string) *bulltype.JobRow {
	t.Helper()

	var job *bulltype.JobRow
	require.NoError(t, b.driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
		var err error
		job, err = transition.GetJob(ctx, tx, b.keys, jobID)
		return err
	}))
	return job
}

// startService starts a service and stops it when the test finishes.
func startService(ctx context.Context, t *testing.T, svc interface {
	Start(ctx context.Context) error
	Stop()
	StaggerStartupDisable(disabled bool)
},
) {
	t.Helper()

	svc.StaggerStartupDisable(true)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)
}
