package timeutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromUnixMilli(t *testing.T) {
	t.Parallel()

	require.True(t, FromUnixMilli(0).IsZero())
	require.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 6_000_000, time.UTC), FromUnixMilli(time.Date(2025, 1, 2, 3, 4, 5, 6_000_000, time.UTC).UnixMilli()))
}

func TestSecondsAsDuration(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1500*time.Millisecond, SecondsAsDuration(1.5))
}

func TestTickerWithInitialTick(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := NewTickerWithInitialTick(ctx, 10*time.Millisecond)

	for range 3 {
		select {
		case <-ticker.C:
		case <-time.After(3 * time.Second):
			require.FailNow(t, "Timed out waiting for tick")
		}
	}
}
