package kvtx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VladimirMikulic/bullmq/kvdriver"
)

func TestTx(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	type testBundle struct {
		now    time.Time
		stored map[string]*kvdriver.Value
	}

	setup := func(t *testing.T) (*Tx, *testBundle) {
		t.Helper()

		bundle := &testBundle{
			now:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
			stored: make(map[string]*kvdriver.Value),
		}

		loader := LoaderFunc(func(ctx context.Context, key string) (*kvdriver.Value, error) {
			return bundle.stored[key].Clone(), nil
		})

		return New(loader, func() time.Time { return bundle.now }), bundle
	}

	t.Run("ReadYourWrites", func(t *testing.T) {
		t.Parallel()

		tx, _ := setup(t)

		require.NoError(t, tx.Set(ctx, "k", "v"))
		val, ok, err := tx.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "v", val)

		writes := tx.Writes()
		require.Len(t, writes, 1)
		require.Equal(t, "k", writes[0].Key)
		require.Equal(t, "v", writes[0].Value.Str)
	})

	t.Run("ReadsDontProduceWrites", func(t *testing.T) {
		t.Parallel()

		tx, bundle := setup(t)

		bundle.stored["l"] = &kvdriver.Value{Kind: kvdriver.KindList, List: []string{"a", "b"}}

		elems, err := tx.LRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, elems)

		_, err = tx.LRem(ctx, "missing", 0, "a")
		require.NoError(t, err)

		require.Empty(t, tx.Writes())
		require.Equal(t, []string{"l", "missing"}, tx.Loaded())
	})

	t.Run("WrongType", func(t *testing.T) {
		t.Parallel()

		tx, _ := setup(t)

		require.NoError(t, tx.Set(ctx, "k", "v"))
		_, err := tx.LPush(ctx, "k", "a")
		require.ErrorIs(t, err, kvdriver.ErrWrongType)
	})

	t.Run("EmptyCollectionDeleted", func(t *testing.T) {
		t.Parallel()

		tx, bundle := setup(t)

		bundle.stored["s"] = &kvdriver.Value{Kind: kvdriver.KindSet, Set: map[string]bool{"a": true}}

		numRemoved, err := tx.SRem(ctx, "s", "a")
		require.NoError(t, err)
		require.Equal(t, 1, numRemoved)

		exists, err := tx.Exists(ctx, "s")
		require.NoError(t, err)
		require.False(t, exists)

		writes := tx.Writes()
		require.Len(t, writes, 1)
		require.Nil(t, writes[0].Value)
	})

	t.Run("Expiry", func(t *testing.T) {
		t.Parallel()

		tx, bundle := setup(t)

		require.NoError(t, tx.SetPX(ctx, "k", "v", 5*time.Second))

		ttl, exists, err := tx.PTTL(ctx, "k")
		require.NoError(t, err)
		require.True(t, exists)
		require.Equal(t, 5*time.Second, ttl)

		bundle.now = bundle.now.Add(5 * time.Second)

		_, ok, err := tx.Get(ctx, "k")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("ExpiredOnLoad", func(t *testing.T) {
		t.Parallel()

		tx, bundle := setup(t)

		bundle.stored["k"] = &kvdriver.Value{Kind: kvdriver.KindString, Str: "v", ExpiresAt: bundle.now.UnixMilli()}

		exists, err := tx.Exists(ctx, "k")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("IncrPreservesExpiry", func(t *testing.T) {
		t.Parallel()

		tx, _ := setup(t)

		val, err := tx.Incr(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, int64(1), val)

		_, err = tx.PExpire(ctx, "k", time.Second)
		require.NoError(t, err)

		val, err = tx.Incr(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, int64(2), val)

		ttl, _, err := tx.PTTL(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, time.Second, ttl)

		require.NoError(t, tx.Set(ctx, "k", "5"))
		ttl, _, err = tx.PTTL(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, time.Duration(-1), ttl)
	})

	t.Run("ListOperations", func(t *testing.T) {
		t.Parallel()

		tx, _ := setup(t)

		length, err := tx.LPush(ctx, "l", "a", "b", "c")
		require.NoError(t, err)
		require.Equal(t, 3, length)

		elems, err := tx.LRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		require.Equal(t, []string{"c", "b", "a"}, elems)

		_, err = tx.RPush(ctx, "l", "b")
		require.NoError(t, err)

		numRemoved, err := tx.LRem(ctx, "l", -1, "b")
		require.NoError(t, err)
		require.Equal(t, 1, numRemoved)

		elems, err = tx.LRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		require.Equal(t, []string{"c", "b", "a"}, elems)

		elem, ok, err := tx.RPopLPush(ctx, "l", "other")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "a", elem)

		require.NoError(t, tx.LTrim(ctx, "l", 0, 0))
		elems, err = tx.LRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		require.Equal(t, []string{"c"}, elems)

		elems, err = tx.LRange(ctx, "l", 5, 10)
		require.NoError(t, err)
		require.Empty(t, elems)
	})

	t.Run("SortedSetOrdering", func(t *testing.T) {
		t.Parallel()

		tx, _ := setup(t)

		_, err := tx.ZAdd(ctx, "z",
			kvdriver.ZMember{Member: "c", Score: 1},
			kvdriver.ZMember{Member: "a", Score: 2},
			kvdriver.ZMember{Member: "b", Score: 1},
		)
		require.NoError(t, err)

		members, err := tx.ZRange(ctx, "z", 0, -1)
		require.NoError(t, err)
		require.Equal(t, []kvdriver.ZMember{{Member: "b", Score: 1}, {Member: "c", Score: 1}, {Member: "a", Score: 2}}, members)

		members, err = tx.ZRangeByScore(ctx, "z", 0, 1, 1)
		require.NoError(t, err)
		require.Equal(t, []kvdriver.ZMember{{Member: "b", Score: 1}}, members)

		popped, err := tx.ZPopMin(ctx, "z")
		require.NoError(t, err)
		require.Equal(t, "b", popped.Member)

		card, err := tx.ZCard(ctx, "z")
		require.NoError(t, err)
		require.Equal(t, 2, card)
	})

	t.Run("StreamIDsMonotonic", func(t *testing.T) {
		t.Parallel()

		tx, bundle := setup(t)

		id1, err := tx.XAdd(ctx, "s", "event", "a")
		require.NoError(t, err)
		id2, err := tx.XAdd(ctx, "s", "event", "b")
		require.NoError(t, err)

		ms := bundle.now.UnixMilli()
		require.Equal(t, streamID{ms: ms}.String(), id1)
		require.Equal(t, streamID{ms: ms, seq: 1}.String(), id2)

		entries, err := tx.XRange(ctx, "s", id1, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, map[string]string{"event": "b"}, entries[0].FieldMap())

		numTrimmed, err := tx.XTrim(ctx, "s", 0)
		require.NoError(t, err)
		require.Equal(t, 2, numTrimmed)

		// Trimmed streams keep their last ID.
		id3, err := tx.XAdd(ctx, "s", "event", "c")
		require.NoError(t, err)
		require.Equal(t, streamID{ms: ms, seq: 2}.String(), id3)
	})

	t.Run("Rename", func(t *testing.T) {
		t.Parallel()

		tx, _ := setup(t)

		require.ErrorIs(t, tx.Rename(ctx, "a", "b"), kvdriver.ErrNoSuchKey)

		require.NoError(t, tx.HSet(ctx, "a", map[string]string{"f": "v"}))
		require.NoError(t, tx.Rename(ctx, "a", "b"))

		fields, err := tx.HGetAll(ctx, "b")
		require.NoError(t, err)
		require.Equal(t, map[string]string{"f": "v"}, fields)

		exists, err := tx.Exists(ctx, "a")
		require.NoError(t, err)
		require.False(t, exists)
	})
}
