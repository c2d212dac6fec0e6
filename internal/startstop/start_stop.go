// Package startstop provides the start/stop lifecycle shared by workers and
// maintenance services.
package startstop

import (
	"context"
	"errors"
	"sync"
)

// ErrStop is the cause attached to a service's context when it's cancelled
// because the service is stopping, which distinguishes a controlled stop from
// a cancellation by the caller.
var ErrStop = errors.New("service stopped")

// Service is a service that starts and stops, usually by embedding
// BaseStartStop.
type Service interface {
	// Start starts the service. Services background themselves, so Start
	// should be invoked synchronously and its error checked.
	Start(ctx context.Context) error

	// Started returns a channel that's closed once the service has finished
	// starting, or has failed to start and been stopped.
	Started() <-chan struct{}

	// Stop stops the service and returns once it's fully stopped. Stopping a
	// service that was never started or is already stopped is a no-op.
	Stop()
}

// BaseStartStop is embedded on services to implement Service in a way that
// tolerates being started and stopped concurrently and repeatedly.
//
// A service implements its own Start which invokes StartInit first, returns
// if told not to start, then runs its main loop in a goroutine which invokes
// the returned stopped function when it exits:
//
//	func (s *Service) Start(ctx context.Context) error {
//	    ctx, shouldStart, started, stopped := s.StartInit(ctx)
//	    if !shouldStart {
//	        return nil
//	    }
//
//	    started()
//	    go func() {
//	        defer stopped()
//
//	        <-ctx.Done()
//	    }()
//
//	    return nil
//	}
//
// Stop is provided.
type BaseStartStop struct {
	cancelFunc context.CancelCauseFunc
	mu         sync.Mutex
	started    chan struct{}
	stopped    chan struct{}
}

// StartInit should be invoked first thing in a service's Start. It returns a
// context for the service's run loop, whether the service should start (it
// shouldn't if it's already running), and functions to signal that the
// service has started and stopped. The stopped function must be invoked even
// on startup errors, or the service will never be able to start again.
func (s *BaseStartStop) StartInit(ctx context.Context) (context.Context, bool, func(), func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started != nil {
		return ctx, false, nil, nil
	}

	s.started = make(chan struct{})
	s.stopped = make(chan struct{})
	ctx, s.cancelFunc = context.WithCancelCause(ctx)

	var (
		started = s.started
		stopped = s.stopped
	)
	closeStarted := sync.OnceFunc(func() { close(started) })

	return ctx, true, closeStarted, func() {
		closeStarted()
		close(stopped)
	}
}

// Started returns a channel that's closed when the service finishes starting.
func (s *BaseStartStop) Started() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.started
}

// Stop cancels the service's context and waits for its run loop to exit.
func (s *BaseStartStop) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped == nil {
		return
	}

	s.cancelFunc(ErrStop)
	<-s.stopped

	s.started = nil
	s.stopped = nil
}

// Stopped returns a channel that's closed once the service has stopped. A
// reference must be taken before invoking Stop.
func (s *BaseStartStop) Stopped() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopped
}

// StopAllParallel stops all the given services in parallel and waits for them
// all to be stopped.
func StopAllParallel(services ...Service) {
	var wg sync.WaitGroup
	wg.Add(len(services))

	for _, service := range services {
		go func() {
			defer wg.Done()
			service.Stop()
		}()
	}

	wg.Wait()
}

// WaitAllStarted waits until all the given services have started.
func WaitAllStarted(services ...Service) {
	for _, service := range services {
		<-service.Started()
	}
}
