package bullcommon

import (
	"fmt"
	"os"
	"time"
)

// TestSignal is a channel wrapper that lets tests wait on events inside
// services with minimal impact on production code.
//
// Its zero value is safe to Signal into, which then does nothing. Services that
// embed test signals by convention provide a TestSignalsInit function that
// tests invoke to Init every signal, after which WaitOrTimeout can be used.
type TestSignal[T any] struct {
	internalChan chan T
}

const testSignalInternalChanSize = 50

// Init initializes the test signal for use. Only call it from tests.
func (s *TestSignal[T]) Init() {
	s.internalChan = make(chan T, testSignalInternalChanSize)
}

// Signal sends a value into the test signal. It's a no-op if the signal hasn't
// been initialized.
func (s *TestSignal[T]) Signal(val T) {
	if s.internalChan == nil {
		return
	}

	select {
	case s.internalChan <- val:
	default:
		panic("test only signal channel is full")
	}
}

// WaitOrTimeout waits on the next value sent with Signal.
func (s *TestSignal[T]) WaitOrTimeout() T {
	if s.internalChan == nil {
		panic("test only signal is not initialized; called outside of tests?")
	}

	timeout := WaitTimeout()

	select {
	case value := <-s.internalChan:
		return value
	case <-time.After(timeout):
		panic(fmt.Sprintf("timed out waiting on test signal after %s", timeout))
	}
}

// WaitTimeout returns a duration appropriate for waiting on an expected event
// in a test, with more leeway in CI.
func WaitTimeout() time.Duration {
	if os.Getenv("CI") == "true" {
		return 10 * time.Second
	}

	return 3 * time.Second
}
