// Package startstoptest provides helpers for testing services built on
// startstop.BaseStartStop.
package startstoptest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VladimirMikulic/bullmq/internal/startstop"
)

// Stress starts and stops a service from many goroutines at once so that
// races in its use of BaseStartStop are detected.
func Stress(ctx context.Context, tb testing.TB, svc startstop.Service) {
	tb.Helper()

	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for range 50 {
				require.NoError(tb, svc.Start(ctx))

				stopped := make(chan struct{})
				go func() {
					defer close(stopped)
					svc.Stop()
				}()

				select {
				case <-stopped:
				case <-time.After(5 * time.Second):
					require.FailNow(tb, "Timed out waiting for service to stop")
				}
			}
		}()
	}

	wg.Wait()
}
