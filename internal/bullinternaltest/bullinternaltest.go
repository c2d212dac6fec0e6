// Package bullinternaltest contains shared testing utilities for tests
// throughout the rest of the project.
package bullinternaltest

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/VladimirMikulic/bullmq/internal/baseservice"
	"github.com/VladimirMikulic/bullmq/internal/bullcommon"
	"github.com/VladimirMikulic/bullmq/internal/slogtest"
	"github.com/VladimirMikulic/bullmq/internal/util/randutil"
)

// Shared rand instance for archetypes.
var rand = randutil.NewCryptoSeededConcurrentSafeRand() //nolint:gochecknoglobals

// BaseServiceArchetype returns a new archetype suitable for use in tests. Its
// Time is a *TimeStub.
func BaseServiceArchetype(tb testing.TB) *baseservice.Archetype {
	tb.Helper()

	return &baseservice.Archetype{
		Logger: Logger(tb),
		Rand:   rand,
		Time:   &TimeStub{},
	}
}

// Logger returns a logger suitable for use in tests. It logs at info level,
// or debug level if BULL_DEBUG is set to true.
func Logger(tb testing.TB) *slog.Logger {
	tb.Helper()

	if os.Getenv("BULL_DEBUG") == "1" || os.Getenv("BULL_DEBUG") == "true" {
		return slogtest.NewLogger(tb, &slog.HandlerOptions{Level: slog.LevelDebug})
	}

	return slogtest.NewLogger(tb, nil)
}

// LoggerWarn returns a logger suitable for use in tests which outputs only at
// warn or above.
func LoggerWarn(tb testing.TB) *slog.Logger {
	tb.Helper()
	return slogtest.NewLogger(tb, &slog.HandlerOptions{Level: slog.LevelWarn})
}

// TimeStub implements bulltype.TimeGenerator so that time can be stubbed in
// tests. It returns the wall clock until StubNowUTC is invoked.
type TimeStub struct {
	mu     sync.RWMutex
	nowUTC *time.Time
}

func (t *TimeStub) NowUTC() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.nowUTC == nil {
		return time.Now().UTC()
	}

	return *t.nowUTC
}

// StubNowUTC stubs the current time, returning it for convenience.
func (t *TimeStub) StubNowUTC(nowUTC time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nowUTC = &nowUTC
	return nowUTC
}

// Advance moves a stubbed time forward by the given duration, stubbing it at
// the current wall clock first if it wasn't already.
func (t *TimeStub) Advance(dur time.Duration) time.Time {
	return t.StubNowUTC(t.NowUTC().Add(dur))
}

// WaitOrTimeout waits on the given channel for a value and returns it, failing
// the test if one doesn't arrive in a reasonable amount of time.
func WaitOrTimeout[T any](tb testing.TB, waitChan <-chan T) T {
	tb.Helper()

	timeout := bullcommon.WaitTimeout()

	select {
	case value := <-waitChan:
		return value
	case <-time.After(timeout):
		require.FailNowf(tb, "WaitOrTimeout timed out",
			"WaitOrTimeout timed out after waiting %s", timeout)
	}
	return *new(T) // unreachable
}

// WaitOrTimeoutN waits on the given channel for numValues values, failing the
// test if they don't arrive in a reasonable amount of time.
func WaitOrTimeoutN[T any](tb testing.TB, waitChan <-chan T, numValues int) []T {
	tb.Helper()

	var (
		timeout  = bullcommon.WaitTimeout()
		deadline = time.Now().Add(timeout)
		values   = make([]T, 0, numValues)
	)

	for {
		select {
		case value := <-waitChan:
			values = append(values, value)

			if len(values) >= numValues {
				return values
			}

		case <-time.After(time.Until(deadline)):
			require.FailNowf(tb, "WaitOrTimeout timed out",
				"WaitOrTimeout timed out after waiting %s (received %d value(s), wanted %d)", timeout, len(values), numValues)
			return nil
		}
	}
}

var ignoredKnownGoroutineLeaks = []goleak.Option{ //nolint:gochecknoglobals
	// Pool health checks may be mid-sleep when a test binary finishes.
	goleak.IgnoreTopFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).backgroundHealthCheck"),
	goleak.IgnoreAnyFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).triggerHealthCheck.func1"),

	// go-redis reaps idle connections in the background.
	goleak.IgnoreAnyFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
}

// WrapTestMain checks for goroutine leaks once a package's tests have run.
func WrapTestMain(m *testing.M) {
	goleak.VerifyTestMain(m, ignoredKnownGoroutineLeaks...)
}
