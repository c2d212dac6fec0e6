package randutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDurationBetween(t *testing.T) {
	t.Parallel()

	rand := NewCryptoSeededConcurrentSafeRand()

	for range 100 {
		dur := DurationBetween(rand, time.Second, 2*time.Second)
		require.GreaterOrEqual(t, dur, time.Second)
		require.Less(t, dur, 2*time.Second)
	}

	require.Equal(t, time.Second, DurationBetween(rand, time.Second, time.Second))
}
