package timeutil

import (
	"context"
	"time"
)

// FromUnixMilli converts a millisecond timestamp as stored in the keyspace to
// a UTC time. Zero converts to the zero time.
func FromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// SecondsAsDuration converts seconds represented as a float to a duration.
func SecondsAsDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// TickerWithInitialTick is like time.Ticker, except that it fires once
// immediately upon creation, and stops when its context is cancelled instead
// of needing an explicit Stop.
type TickerWithInitialTick struct {
	// C fires once on startup, then after each interval has passed.
	C <-chan time.Time

	interval time.Duration
	tickChan chan time.Time
}

// NewTickerWithInitialTick returns a ticker that ticks immediately, then once
// every interval until ctx is done.
func NewTickerWithInitialTick(ctx context.Context, interval time.Duration) *TickerWithInitialTick {
	// Buffered by one with non-blocking sends like time.Ticker. Ticks are
	// dropped if the receiver falls behind.
	tickChan := make(chan time.Time, 1)

	ticker := &TickerWithInitialTick{
		C:        tickChan,
		interval: interval,
		tickChan: tickChan,
	}
	go ticker.runLoop(ctx)
	return ticker
}

func (t *TickerWithInitialTick) tick(tm time.Time) {
	select {
	case t.tickChan <- tm:
	default:
	}
}

func (t *TickerWithInitialTick) runLoop(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	t.tick(time.Now())

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tm := <-ticker.C:
			t.tick(tm)
		}
	}
}
