// Package kvredis provides a driver for Redis built on go-redis.
//
// Every key is stored as a single opaque blob so that the driver can share
// its operation set with the SQL drivers. Atomicity comes from optimistic
// locking: each key is WATCHed as it's first read, and all writes are applied
// in one MULTI/EXEC. If any watched key changed in the meantime, the atomic
// unit is run again from scratch.
package kvredis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/kvdriver"
	"github.com/VladimirMikulic/bullmq/kvdriver/kvtx"
)

const maxAttemptsDefault = 100

// Config is configuration for the Redis driver.
type Config struct {
	// MaxAttempts is the number of times an atomic unit is run before giving
	// up because of contention on its keys. Defaults to 100.
	MaxAttempts int

	// TimeGenerator is used to evaluate key expiry. Defaults to the wall
	// clock.
	TimeGenerator bulltype.TimeGenerator
}

// Driver is an implementation of kvdriver.Driver for Redis.
type Driver struct {
	client        redis.UniversalClient
	maxAttempts   int
	timeGenerator bulltype.TimeGenerator
}

var _ kvdriver.Driver = &Driver{}

// New returns a new Redis driver. config may be nil.
//
// The client must not be closed while associated queue objects are running.
func New(client redis.UniversalClient, config *Config) *Driver {
	driver := &Driver{
		client:        client,
		maxAttempts:   maxAttemptsDefault,
		timeGenerator: &bulltype.UnStubbableTimeGenerator{},
	}
	if config != nil {
		if config.MaxAttempts > 0 {
			driver.maxAttempts = config.MaxAttempts
		}
		if config.TimeGenerator != nil {
			driver.timeGenerator = config.TimeGenerator
		}
	}
	return driver
}

func (d *Driver) Atomic(ctx context.Context, fn func(ctx context.Context, tx kvdriver.Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := d.client.Watch(ctx, func(redisTx *redis.Tx) error {
			return d.runAttempt(ctx, redisTx, fn)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			if attempt >= d.maxAttempts {
				return fmt.Errorf("gave up after %d attempts because of contention: %w", attempt, err)
			}
			continue
		case errors.Is(err, redis.ErrClosed):
			return kvdriver.ErrClosed
		}
		return err
	}
}

func (d *Driver) runAttempt(ctx context.Context, redisTx *redis.Tx, fn func(ctx context.Context, tx kvdriver.Tx) error) error {
	tx := kvtx.New(kvtx.LoaderFunc(func(ctx context.Context, key string) (*kvdriver.Value, error) {
		if err := redisTx.Watch(ctx, key).Err(); err != nil {
			return nil, err
		}

		data, err := redisTx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, err
		}
		return kvdriver.DecodeValue(data)
	}), d.timeGenerator.NowUTC)

	if err := fn(ctx, tx); err != nil {
		return err
	}

	writes := tx.Writes()
	if len(writes) < 1 {
		return nil
	}

	_, err := redisTx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, write := range writes {
			if write.Value == nil {
				pipe.Del(ctx, write.Key)
				continue
			}

			data, err := kvdriver.EncodeValue(write.Value)
			if err != nil {
				return err
			}
			pipe.Set(ctx, write.Key, data, 0)

			// Expiry is carried in the value. This lets Redis reclaim it.
			if write.Value.ExpiresAt > 0 {
				pipe.PExpireAt(ctx, write.Key, time.UnixMilli(write.Value.ExpiresAt))
			}
		}
		return nil
	})
	return err
}
