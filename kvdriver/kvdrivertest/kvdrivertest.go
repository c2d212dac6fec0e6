// Package kvdrivertest contains a conformance suite that every kvdriver.Driver
// implementation is run against.
package kvdrivertest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/bullinternaltest"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

// Exercise runs the conformance suite. driverFunc returns a driver that uses
// the given time generator to evaluate expiry. Drivers may share an underlying
// store between tests because every test uses its own key prefix.
func Exercise(ctx context.Context, t *testing.T, driverFunc func(t *testing.T, timeGenerator bulltype.TimeGenerator) kvdriver.Driver) {
	t.Helper()

	type testBundle struct {
		prefix   string
		timeStub *bullinternaltest.TimeStub
	}

	setup := func(t *testing.T) (kvdriver.Driver, *testBundle) {
		t.Helper()

		bundle := &testBundle{
			prefix:   "kvdrivertest:" + uuid.NewString() + ":",
			timeStub: &bullinternaltest.TimeStub{},
		}

		return driverFunc(t, bundle.timeStub), bundle
	}

	atomic := func(t *testing.T, driver kvdriver.Driver, fn func(tx kvdriver.Tx)) {
		t.Helper()

		require.NoError(t, driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
			fn(tx)
			return nil
		}))
	}

	t.Run("Commit", func(t *testing.T) {
		t.Parallel()

		driver, bundle := setup(t)

		atomic(t, driver, func(tx kvdriver.Tx) {
			require.NoError(t, tx.Set(ctx, bundle.prefix+"k", "v"))
		})

		atomic(t, driver, func(tx kvdriver.Tx) {
			val, ok, err := tx.Get(ctx, bundle.prefix+"k")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "v", val)
		})
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		t.Parallel()

		driver, bundle := setup(t)

		rollbackErr := errors.New("rollback")

		err := driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
			if err := tx.Set(ctx, bundle.prefix+"k", "v"); err != nil {
				return err
			}
			return rollbackErr
		})
		require.ErrorIs(t, err, rollbackErr)

		atomic(t, driver, func(tx kvdriver.Tx) {
			exists, err := tx.Exists(ctx, bundle.prefix+"k")
			require.NoError(t, err)
			require.False(t, exists)
		})
	})

	t.Run("AllKindsPersist", func(t *testing.T) {
		t.Parallel()

		driver, bundle := setup(t)

		var streamID string
		atomic(t, driver, func(tx kvdriver.Tx) {
			require.NoError(t, tx.HSet(ctx, bundle.prefix+"hash", map[string]string{"a": "1", "b": "2"}))
			_, err := tx.RPush(ctx, bundle.prefix+"list", "x", "y")
			require.NoError(t, err)
			_, err = tx.SAdd(ctx, bundle.prefix+"set", "m1", "m2")
			require.NoError(t, err)
			_, err = tx.ZAdd(ctx, bundle.prefix+"zset", kvdriver.ZMember{Member: "z1", Score: 2}, kvdriver.ZMember{Member: "z2", Score: 1})
			require.NoError(t, err)
			streamID, err = tx.XAdd(ctx, bundle.prefix+"stream", "event", "added", "jobId", "1")
			require.NoError(t, err)
		})

		atomic(t, driver, func(tx kvdriver.Tx) {
			fields, err := tx.HGetAll(ctx, bundle.prefix+"hash")
			require.NoError(t, err)
			require.Equal(t, map[string]string{"a": "1", "b": "2"}, fields)

			elems, err := tx.LRange(ctx, bundle.prefix+"list", 0, -1)
			require.NoError(t, err)
			require.Equal(t, []string{"x", "y"}, elems)

			members, err := tx.SMembers(ctx, bundle.prefix+"set")
			require.NoError(t, err)
			require.Equal(t, []string{"m1", "m2"}, members)

			zmembers, err := tx.ZRange(ctx, bundle.prefix+"zset", 0, -1)
			require.NoError(t, err)
			require.Equal(t, []kvdriver.ZMember{{Member: "z2", Score: 1}, {Member: "z1", Score: 2}}, zmembers)

			entries, err := tx.XRange(ctx, bundle.prefix+"stream", "", 0)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			require.Equal(t, streamID, entries[0].ID)
			require.Equal(t, map[string]string{"event": "added", "jobId": "1"}, entries[0].FieldMap())
		})
	})

	t.Run("EmptyCollectionsDeleted", func(t *testing.T) {
		t.Parallel()

		driver, bundle := setup(t)

		atomic(t, driver, func(tx kvdriver.Tx) {
			_, err := tx.SAdd(ctx, bundle.prefix+"set", "m")
			require.NoError(t, err)
		})

		atomic(t, driver, func(tx kvdriver.Tx) {
			_, err := tx.SRem(ctx, bundle.prefix+"set", "m")
			require.NoError(t, err)
		})

		atomic(t, driver, func(tx kvdriver.Tx) {
			exists, err := tx.Exists(ctx, bundle.prefix+"set")
			require.NoError(t, err)
			require.False(t, exists)
		})
	})

	t.Run("Expiry", func(t *testing.T) {
		t.Parallel()

		driver, bundle := setup(t)

		now := bundle.timeStub.StubNowUTC(time.Now().UTC())

		atomic(t, driver, func(tx kvdriver.Tx) {
			require.NoError(t, tx.SetPX(ctx, bundle.prefix+"k", "v", time.Minute))
		})

		bundle.timeStub.StubNowUTC(now.Add(30 * time.Second))

		atomic(t, driver, func(tx kvdriver.Tx) {
			ttl, exists, err := tx.PTTL(ctx, bundle.prefix+"k")
			require.NoError(t, err)
			require.True(t, exists)
			require.Equal(t, 30*time.Second, ttl)
		})

		bundle.timeStub.StubNowUTC(now.Add(time.Minute))

		atomic(t, driver, func(tx kvdriver.Tx) {
			_, ok, err := tx.Get(ctx, bundle.prefix+"k")
			require.NoError(t, err)
			require.False(t, ok)
		})
	})

	t.Run("ConcurrentIncrements", func(t *testing.T) {
		t.Parallel()

		driver, bundle := setup(t)

		const (
			numGoroutines = 5
			numIncrements = 10
		)

		var group errgroup.Group
		for range numGoroutines {
			group.Go(func() error {
				for range numIncrements {
					err := driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
						_, err := tx.Incr(ctx, bundle.prefix+"counter")
						return err
					})
					if err != nil {
						return err
					}
				}
				return nil
			})
		}
		require.NoError(t, group.Wait())

		atomic(t, driver, func(tx kvdriver.Tx) {
			val, _, err := tx.Get(ctx, bundle.prefix+"counter")
			require.NoError(t, err)
			require.Equal(t, strconv.Itoa(numGoroutines*numIncrements), val)
		})
	})

	t.Run("ConcurrentClaimsNeverDuplicate", func(t *testing.T) {
		t.Parallel()

		driver, bundle := setup(t)

		const numItems = 30

		atomic(t, driver, func(tx kvdriver.Tx) {
			for i := range numItems {
				_, err := tx.LPush(ctx, bundle.prefix+"wait", fmt.Sprintf("item%d", i))
				require.NoError(t, err)
			}
		})

		var (
			claimed   = make(map[string]int)
			claimedMu sync.Mutex
			group     errgroup.Group
		)
		for range 5 {
			group.Go(func() error {
				for {
					var (
						elem string
						ok   bool
					)
					err := driver.Atomic(ctx, func(ctx context.Context, tx kvdriver.Tx) error {
						var err error
						elem, ok, err = tx.RPopLPush(ctx, bundle.prefix+"wait", bundle.prefix+"active")
						return err
					})
					if err != nil {
						return err
					}
					if !ok {
						return nil
					}

					claimedMu.Lock()
					claimed[elem]++
					claimedMu.Unlock()
				}
			})
		}
		require.NoError(t, group.Wait())

		require.Len(t, claimed, numItems)
		for elem, numClaims := range claimed {
			require.Equal(t, 1, numClaims, "item %s claimed more than once", elem)
		}

		atomic(t, driver, func(tx kvdriver.Tx) {
			length, err := tx.LLen(ctx, bundle.prefix+"active")
			require.NoError(t, err)
			require.Equal(t, numItems, length)
		})
	})
}
