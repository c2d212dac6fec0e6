// Package maintenance contains the background services that keep a queue
// healthy independently of any worker: recovering stalled jobs, promoting
// delayed jobs, evicting finished jobs by age, and scheduling repeatables.
package maintenance

import (
	"context"
	"reflect"
	"time"

	"github.com/VladimirMikulic/bullmq/internal/baseservice"
	"github.com/VladimirMikulic/bullmq/internal/startstop"
)

const (
	// Maintainers will sleep a brief period of time between batches to give
	// the store some breathing room.
	BatchBackoffMax = 1 * time.Second
	BatchBackoffMin = 50 * time.Millisecond

	// TimeoutDefault bounds how long a single maintenance operation may run.
	TimeoutDefault = 10 * time.Second

	LogPrefixRanSuccessfully = ": Ran successfully"
	LogPrefixRunLoopStarted  = ": Run loop started"
	LogPrefixRunLoopStopped  = ": Run loop stopped"
)

// QueueMaintainerServiceBase is embedded on all queue maintainer services. Its
// main use is to provide StaggerStart, which services call on start to avoid
// thundering herd problems.
type QueueMaintainerServiceBase struct {
	baseservice.BaseService

	staggerStartupDisabled bool
}

// StaggerStart sleeps for a short random period so services don't all
// perform their first run at exactly the same time.
func (s *QueueMaintainerServiceBase) StaggerStart(ctx context.Context) {
	if s.staggerStartupDisabled {
		return
	}

	s.CancellableSleepRandomBetween(ctx, 0*time.Second, 1*time.Second)
}

// StaggerStartupDisable disables the staggered sleep on start up, which is
// useful in tests.
func (s *QueueMaintainerServiceBase) StaggerStartupDisable(disabled bool) {
	s.staggerStartupDisabled = disabled
}

func (s *QueueMaintainerServiceBase) StaggerStartupIsDisabled() bool {
	return s.staggerStartupDisabled
}

type withStaggerStartupDisable interface {
	StaggerStartupDisable(disabled bool)
}

// QueueMaintainer runs maintenance services against a queue, starting and
// stopping them together.
//
// Its methods are not safe for concurrent usage.
type QueueMaintainer struct {
	baseservice.BaseService
	startstop.BaseStartStop

	servicesByName map[string]startstop.Service
}

func NewQueueMaintainer(archetype *baseservice.Archetype, services []startstop.Service) *QueueMaintainer {
	servicesByName := make(map[string]startstop.Service, len(services))
	for _, service := range services {
		servicesByName[reflect.TypeOf(service).Elem().Name()] = service
	}
	return baseservice.Init(archetype, &QueueMaintainer{
		servicesByName: servicesByName,
	})
}

func (m *QueueMaintainer) Start(ctx context.Context) error {
	ctx, shouldStart, started, stopped := m.StartInit(ctx)
	if !shouldStart {
		return nil
	}

	startedServices := make([]startstop.Service, 0, len(m.servicesByName))
	for _, service := range m.servicesByName {
		if err := service.Start(ctx); err != nil {
			startstop.StopAllParallel(startedServices...)
			stopped()
			return err
		}
		startedServices = append(startedServices, service)
	}

	go func() {
		started()
		defer stopped() // this defer should come first so it's last out

		<-ctx.Done()

		startstop.StopAllParallel(startedServices...)
	}()

	return nil
}

// StaggerStartupDisable disables staggered start up on every service.
func (m *QueueMaintainer) StaggerStartupDisable(disabled bool) {
	for _, service := range m.servicesByName {
		if withStagger, ok := service.(withStaggerStartupDisable); ok {
			withStagger.StaggerStartupDisable(disabled)
		}
	}
}

// GetService is a convenience method for getting a service by name and casting
// it to the desired type. It should only be used in tests due to its use of
// reflection and potential for panics.
func GetService[T startstop.Service](maintainer *QueueMaintainer) T {
	var kindPtr T
	return maintainer.servicesByName[reflect.TypeOf(kindPtr).Elem().Name()].(T) //nolint:forcetypeassert
}
