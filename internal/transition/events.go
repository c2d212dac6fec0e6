package transition

import (
	"context"
	"strconv"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/bullcommon"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

const metaFieldMaxLenEvents = "opts.maxLenEvents"

// eventWriter appends lifecycle events to a queue's event stream. The stream
// is trimmed once, before the first event appended by a transition, so that
// trimming never drops an event the same transition emitted.
type eventWriter struct {
	keys    *keyspace.Queue
	maxLen  int
	trimmed bool
}

// newEventWriter returns an event writer. A maxLen of zero reads the maximum
// length from the queue's meta, falling back to a default.
func newEventWriter(keys *keyspace.Queue, maxLen int) *eventWriter {
	return &eventWriter{keys: keys, maxLen: maxLen}
}

func (w *eventWriter) emit(ctx context.Context, tx kvdriver.Tx, kind bulltype.EventKind, jobID string, fieldValues ...string) error {
	if !w.trimmed {
		if w.maxLen < 1 {
			rawMaxLen, ok, err := tx.HGet(ctx, w.keys.Meta(), metaFieldMaxLenEvents)
			if err != nil {
				return err
			}
			w.maxLen = bullcommon.MaxEventsLenDefault
			if maxLen, err := strconv.Atoi(rawMaxLen); ok && err == nil && maxLen > 0 {
				w.maxLen = maxLen
			}
		}

		if _, err := tx.XTrim(ctx, w.keys.Events(), w.maxLen); err != nil {
			return err
		}
		w.trimmed = true
	}

	entry := make([]string, 0, 4+len(fieldValues))
	entry = append(entry, "event", string(kind))
	if jobID != "" {
		entry = append(entry, "jobId", jobID)
	}
	entry = append(entry, fieldValues...)

	_, err := tx.XAdd(ctx, w.keys.Events(), entry...)
	return err
}

// ReadEvents returns up to count events appended after the given ID.
func ReadEvents(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, afterID string, count int) ([]*bulltype.Event, error) {
	entries, err := tx.XRange(ctx, keys.Events(), afterID, count)
	if err != nil {
		return nil, err
	}

	events := make([]*bulltype.Event, len(entries))
	for i, entry := range entries {
		fields := entry.FieldMap()
		event := &bulltype.Event{
			ID:    entry.ID,
			Kind:  bulltype.EventKind(fields["event"]),
			JobID: fields["jobId"],
		}
		delete(fields, "event")
		delete(fields, "jobId")
		event.Fields = fields
		events[i] = event
	}
	return events, nil
}

// SetMaxLenEvents stores the length the queue's event stream is trimmed to.
func SetMaxLenEvents(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, maxLen int) error {
	return tx.HSet(ctx, keys.Meta(), map[string]string{metaFieldMaxLenEvents: strconv.Itoa(maxLen)})
}
