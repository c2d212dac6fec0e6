// Package baseservice contains structs and initialization functions for
// long-lived, "service-like" objects like workers and maintenance services so
// that common facilities like logging and a stubbable clock don't have to be
// redefined on each of them.
package baseservice

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"reflect"
	"time"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/util/randutil"
	"github.com/VladimirMikulic/bullmq/internal/util/timeutil"
)

// Archetype contains the base service properties that are safe for services
// to copy from one another. It's embedded in BaseService, so its properties are
// available on services directly.
type Archetype struct {
	// Logger is a structured logger.
	Logger *slog.Logger

	// Rand is a random source that's safe for concurrent use. It's not
	// cryptographically secure.
	Rand *rand.Rand

	// Time generates the current time. It's stubbed in tests, so services
	// should use it instead of the time package.
	Time bulltype.TimeGenerator
}

// NewArchetype returns an archetype with the given logger, a fresh random
// source, and the wall clock.
func NewArchetype(logger *slog.Logger) *Archetype {
	return &Archetype{
		Logger: logger,
		Rand:   randutil.NewCryptoSeededConcurrentSafeRand(),
		Time:   &bulltype.UnStubbableTimeGenerator{},
	}
}

// BaseService is embedded on service-like objects (workers, maintenance
// services, the queue maintainer) to provide common properties.
//
// An initial Archetype should be created near the program's entrypoint, and
// each service should then invoke Init with it, usually in its constructor.
type BaseService struct {
	Archetype

	// Name is the name of the service. It should prefix all log lines the
	// service emits.
	Name string
}

// CancellableSleep sleeps for the given duration, but returns early if ctx is
// cancelled.
func (s *BaseService) CancellableSleep(ctx context.Context, sleepDuration time.Duration) {
	timer := time.NewTimer(sleepDuration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// CancellableSleepRandomBetween sleeps for a random duration in the range
// [sleepDurationMin, sleepDurationMax), returning early if ctx is cancelled.
func (s *BaseService) CancellableSleepRandomBetween(ctx context.Context, sleepDurationMin, sleepDurationMax time.Duration) {
	s.CancellableSleep(ctx, randutil.DurationBetween(s.Rand, sleepDurationMin, sleepDurationMax))
}

// MaxAttemptsBeforeResetDefault is the number of attempts after which
// ExponentialBackoff starts over so that sleeps don't grow without bound.
const MaxAttemptsBeforeResetDefault = 10

// ExponentialBackoff returns a 2**N second backoff with +/- 10% jitter for a
// service that's failing, like a worker unable to reach its store. Attempt
// starts at one.
func (s *BaseService) ExponentialBackoff(attempt, maxAttemptsBeforeReset int) time.Duration {
	retrySeconds := math.Pow(2, float64((attempt-1)%maxAttemptsBeforeReset))
	retrySeconds += retrySeconds * (s.Rand.Float64()*0.2 - 0.1)
	return timeutil.SecondsAsDuration(retrySeconds)
}

func (s *BaseService) GetBaseService() *BaseService {
	return s
}

type withBaseService interface {
	GetBaseService() *BaseService
}

// Init initializes a service's embedded BaseService from an archetype and
// names it after the service's type. It returns the service for convenience.
func Init[TService withBaseService](archetype *Archetype, service TService) TService {
	baseService := service.GetBaseService()

	baseService.Logger = archetype.Logger
	baseService.Name = reflect.TypeOf(service).Elem().Name()
	baseService.Rand = archetype.Rand
	baseService.Time = archetype.Time

	return service
}
