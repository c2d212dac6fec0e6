package transition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

func TestEventWriter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("TrimsBeforeAppending", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		bundle.atomic(ctx, t, func(ctx context.Context, tx kvdriver.Tx) error {
			return SetMaxLenEvents(ctx, tx, bundle.keys, 2)
		})

		var jobIDs []string
		for range 3 {
			jobIDs = append(jobIDs, bundle.addJob(ctx, t, bulltype.JobOpts{}))
		}

		// Each insert trims the stream to two events and then appends its
		// own two, none of which are ever trimmed by the insert itself.
		events := bundle.events(ctx, t)
		require.Len(t, events, 4)
		require.Equal(t, jobIDs[1], events[0].JobID)
		require.Equal(t, bulltype.EventKindAdded, events[0].Kind)
		require.Equal(t, jobIDs[2], events[3].JobID)
		require.Equal(t, bulltype.EventKindWaiting, events[3].Kind)
	})

	t.Run("ExplicitMaxLenOverridesMeta", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		bundle.atomic(ctx, t, func(ctx context.Context, tx kvdriver.Tx) error {
			return SetMaxLenEvents(ctx, tx, bundle.keys, 100)
		})

		for range 3 {
			bundle.addJob(ctx, t, bulltype.JobOpts{})
		}

		bundle.atomic(ctx, t, func(ctx context.Context, tx kvdriver.Tx) error {
			_, err := AddJob(ctx, tx, bundle.keys, &AddJobParams{Data: []byte(`{}`), MaxLenEvents: 1, Name: "job", Now: bundle.now()})
			return err
		})

		require.Len(t, bundle.events(ctx, t), 3)
	})

	t.Run("FieldsAndJobID", func(t *testing.T) {
		t.Parallel()

		bundle := setupTransition(t)

		bundle.atomic(ctx, t, func(ctx context.Context, tx kvdriver.Tx) error {
			events := newEventWriter(bundle.keys, 0)
			if err := events.emit(ctx, tx, bulltype.EventKindProgress, "1", "data", "50"); err != nil {
				return err
			}
			return events.emit(ctx, tx, bulltype.EventKindResumed, "")
		})

		events := bundle.events(ctx, t)
		require.Len(t, events, 2)
		require.Equal(t, "1", events[0].JobID)
		require.Equal(t, map[string]string{"data": "50"}, events[0].Fields)
		require.Empty(t, events[1].JobID)
		require.Empty(t, events[1].Fields)
	})
}

func TestReadEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	bundle := setupTransition(t)

	for range 3 {
		bundle.addJob(ctx, t, bulltype.JobOpts{})
	}

	allEvents := bundle.events(ctx, t)
	require.Len(t, allEvents, 6)

	events := atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) ([]*bulltype.Event, error) {
		return ReadEvents(ctx, tx, bundle.keys, allEvents[1].ID, 0)
	})
	require.Len(t, events, 4)
	require.Equal(t, allEvents[2].ID, events[0].ID)

	events = atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) ([]*bulltype.Event, error) {
		return ReadEvents(ctx, tx, bundle.keys, allEvents[1].ID, 2)
	})
	require.Len(t, events, 2)
	require.Equal(t, allEvents[3].ID, events[1].ID)

	events = atomicVal(ctx, t, bundle, func(ctx context.Context, tx kvdriver.Tx) ([]*bulltype.Event, error) {
		return ReadEvents(ctx, tx, bundle.keys, allEvents[5].ID, 0)
	})
	require.Empty(t, events)
}
