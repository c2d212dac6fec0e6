package valutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValOrDefault(t *testing.T) {
	t.Parallel()

	require.Equal(t, "default", ValOrDefault("", "default"))
	require.Equal(t, "val", ValOrDefault("val", "default"))
	require.Equal(t, 5, ValOrDefault(0, 5))
}

func TestFirstNonZero(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, FirstNonZero[int]())
	require.Equal(t, 0, FirstNonZero(0, 0))
	require.Equal(t, 2, FirstNonZero(0, 2, 3))
}

func TestParseInt64(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(0), ParseInt64(""))
	require.Equal(t, int64(0), ParseInt64("abc"))
	require.Equal(t, int64(-12), ParseInt64("-12"))
}
