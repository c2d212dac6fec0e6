// Package kvmem provides an in-process driver that keeps every value in memory.
// It's useful for tests and for embedding a queue inside a single program, but
// since nothing is persisted or shared between processes, it's not suitable
// for running workers across multiple hosts.
package kvmem

import (
	"context"
	"sync"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/kvdriver"
	"github.com/VladimirMikulic/bullmq/kvdriver/kvtx"
)

// Config is configuration for the in-memory driver.
type Config struct {
	// TimeGenerator is used to evaluate key expiry. Defaults to the wall
	// clock. Tests may provide a stub so that expiry is driven by the same
	// time as the rest of the system.
	TimeGenerator bulltype.TimeGenerator
}

// Driver is an implementation of kvdriver.Driver that stores values in a map
// guarded by a single mutex. Atomic units are fully serialized.
type Driver struct {
	mu            sync.Mutex
	timeGenerator bulltype.TimeGenerator
	values        map[string]*kvdriver.Value
}

var _ kvdriver.Driver = &Driver{}

// New returns a new in-memory driver. config may be nil.
func New(config *Config) *Driver {
	var timeGenerator bulltype.TimeGenerator = &bulltype.UnStubbableTimeGenerator{}
	if config != nil && config.TimeGenerator != nil {
		timeGenerator = config.TimeGenerator
	}

	return &Driver{
		timeGenerator: timeGenerator,
		values:        make(map[string]*kvdriver.Value),
	}
}

func (d *Driver) Atomic(ctx context.Context, fn func(ctx context.Context, tx kvdriver.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tx := kvtx.New(kvtx.LoaderFunc(func(ctx context.Context, key string) (*kvdriver.Value, error) {
		return d.values[key].Clone(), nil
	}), d.timeGenerator.NowUTC)

	if err := fn(ctx, tx); err != nil {
		return err
	}

	for _, write := range tx.Writes() {
		if write.Value == nil {
			delete(d.values, write.Key)
			continue
		}
		d.values[write.Key] = write.Value
	}

	return nil
}

// Keys returns the number of keys currently held, including any that have
// expired but not yet been overwritten.
func (d *Driver) Keys() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.values)
}
