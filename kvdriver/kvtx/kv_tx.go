// Package kvtx provides a staging implementation of kvdriver.Tx that's shared
// by every driver. Values are loaded lazily from the driver the first time a
// key is touched, mutated in memory, and handed back to the driver as a set of
// dirty writes to be committed atomically.
package kvtx

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/VladimirMikulic/bullmq/kvdriver"
)

// Loader loads the current value stored at a key. It returns nil for a key
// that doesn't exist. Returned values are owned by the Tx and mutated in
// place, so a loader must never return a value shared with anything else.
type Loader interface {
	Load(ctx context.Context, key string) (*kvdriver.Value, error)
}

// LoaderFunc is a function that implements Loader.
type LoaderFunc func(ctx context.Context, key string) (*kvdriver.Value, error)

func (f LoaderFunc) Load(ctx context.Context, key string) (*kvdriver.Value, error) {
	return f(ctx, key)
}

// Write is a pending change to a single key. A nil Value means the key should
// be deleted.
type Write struct {
	Key   string
	Value *kvdriver.Value
}

type entry struct {
	dirty bool
	val   *kvdriver.Value
}

// Tx implements kvdriver.Tx over a Loader. It's not safe for concurrent use,
// which is fine because an atomic unit runs on a single goroutine.
type Tx struct {
	entries map[string]*entry
	loader  Loader
	nowFunc func() time.Time
}

var _ kvdriver.Tx = &Tx{}

// New returns a new staging transaction. nowFunc is used to evaluate key
// expiry and to generate stream IDs.
func New(loader Loader, nowFunc func() time.Time) *Tx {
	return &Tx{
		entries: make(map[string]*entry),
		loader:  loader,
		nowFunc: nowFunc,
	}
}

// Loaded returns the keys that were read or written through the transaction.
func (t *Tx) Loaded() []string {
	keys := make([]string, 0, len(t.entries))
	for key := range t.entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Writes returns the changes made through the transaction, sorted by key.
func (t *Tx) Writes() []Write {
	writes := make([]Write, 0, len(t.entries))
	for key, e := range t.entries {
		if !e.dirty {
			continue
		}
		writes = append(writes, Write{Key: key, Value: e.val})
	}
	slices.SortFunc(writes, func(a, b Write) int { return cmp.Compare(a.Key, b.Key) })
	return writes
}

func (t *Tx) nowMS() int64 { return t.nowFunc().UnixMilli() }

func (t *Tx) load(ctx context.Context, key string) (*entry, error) {
	if e, ok := t.entries[key]; ok {
		if e.val != nil && e.val.Expired(t.nowMS()) {
			e.val = nil
			e.dirty = true
		}
		return e, nil
	}

	val, err := t.loader.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("error loading key %q: %w", key, err)
	}
	if val != nil && val.Expired(t.nowMS()) {
		val = nil
	}

	e := &entry{val: val}
	t.entries[key] = e
	return e, nil
}

// get returns the value at key if it exists and is of the given kind.
func (t *Tx) get(ctx context.Context, key string, kind kvdriver.Kind) (*kvdriver.Value, error) {
	e, err := t.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if e.val == nil {
		return nil, nil
	}
	if e.val.Kind != kind {
		return nil, fmt.Errorf("%w: key %q holds a %s, wanted %s", kvdriver.ErrWrongType, key, e.val.Kind, kind)
	}
	return e.val, nil
}

// mutate invokes fn with the value at key, creating an empty one of the given
// kind if necessary, and records the result as a pending write. Values left
// empty by fn are deleted.
func (t *Tx) mutate(ctx context.Context, key string, kind kvdriver.Kind, fn func(val *kvdriver.Value) error) error {
	e, err := t.load(ctx, key)
	if err != nil {
		return err
	}
	if e.val == nil {
		e.val = kvdriver.NewValue(kind)
	} else if e.val.Kind != kind {
		return fmt.Errorf("%w: key %q holds a %s, wanted %s", kvdriver.ErrWrongType, key, e.val.Kind, kind)
	}

	if err := fn(e.val); err != nil {
		return err
	}

	if e.val.Empty() {
		e.val = nil
	}
	e.dirty = true
	return nil
}

//
// Keys and strings
//

func (t *Tx) Del(ctx context.Context, keys ...string) (int, error) {
	var numDeleted int
	for _, key := range keys {
		e, err := t.load(ctx, key)
		if err != nil {
			return 0, err
		}
		if e.val != nil {
			numDeleted++
			e.val = nil
			e.dirty = true
		}
	}
	return numDeleted, nil
}

func (t *Tx) Exists(ctx context.Context, key string) (bool, error) {
	e, err := t.load(ctx, key)
	if err != nil {
		return false, err
	}
	return e.val != nil, nil
}

func (t *Tx) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := t.get(ctx, key, kvdriver.KindString)
	if err != nil || val == nil {
		return "", false, err
	}
	return val.Str, true, nil
}

func (t *Tx) Incr(ctx context.Context, key string) (int64, error) {
	var res int64
	err := t.mutate(ctx, key, kvdriver.KindString, func(val *kvdriver.Value) error {
		var current int64
		if val.Str != "" {
			var err error
			if current, err = strconv.ParseInt(val.Str, 10, 64); err != nil {
				return fmt.Errorf("value at %q is not an integer: %w", key, err)
			}
		}
		res = current + 1
		val.Str = strconv.FormatInt(res, 10)
		return nil
	})
	return res, err
}

func (t *Tx) PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	e, err := t.load(ctx, key)
	if err != nil {
		return false, err
	}
	if e.val == nil {
		return false, nil
	}
	if ttl <= 0 {
		e.val = nil
	} else {
		e.val.ExpiresAt = t.nowMS() + ttl.Milliseconds()
	}
	e.dirty = true
	return true, nil
}

func (t *Tx) PTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	e, err := t.load(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if e.val == nil {
		return 0, false, nil
	}
	if e.val.ExpiresAt == 0 {
		return -1, true, nil
	}
	return time.Duration(e.val.ExpiresAt-t.nowMS()) * time.Millisecond, true, nil
}

func (t *Tx) Rename(ctx context.Context, src, dst string) error {
	if src == dst {
		return nil
	}

	srcEntry, err := t.load(ctx, src)
	if err != nil {
		return err
	}
	if srcEntry.val == nil {
		return fmt.Errorf("%w: %q", kvdriver.ErrNoSuchKey, src)
	}

	dstEntry, err := t.load(ctx, dst)
	if err != nil {
		return err
	}

	dstEntry.val = srcEntry.val
	dstEntry.dirty = true
	srcEntry.val = nil
	srcEntry.dirty = true
	return nil
}

func (t *Tx) Set(ctx context.Context, key, value string) error {
	e, err := t.load(ctx, key)
	if err != nil {
		return err
	}
	e.val = &kvdriver.Value{Kind: kvdriver.KindString, Str: value}
	e.dirty = true
	return nil
}

func (t *Tx) SetPX(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("SetPX requires a positive ttl")
	}
	if err := t.Set(ctx, key, value); err != nil {
		return err
	}
	t.entries[key].val.ExpiresAt = t.nowMS() + ttl.Milliseconds()
	return nil
}

//
// Lists
//

// listBounds normalizes Redis-style start/stop indexes into a half-open range
// over a list of length n.
func listBounds(start, stop, n int) (int, int) {
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	stop = min(stop, n-1)
	if start > stop || start >= n {
		return 0, 0
	}
	return start, stop + 1
}

func (t *Tx) LLen(ctx context.Context, key string) (int, error) {
	val, err := t.get(ctx, key, kvdriver.KindList)
	if err != nil || val == nil {
		return 0, err
	}
	return len(val.List), nil
}

func (t *Tx) LPop(ctx context.Context, key string) (string, bool, error) {
	val, err := t.get(ctx, key, kvdriver.KindList)
	if err != nil || val == nil {
		return "", false, err
	}

	var head string
	err = t.mutate(ctx, key, kvdriver.KindList, func(val *kvdriver.Value) error {
		head = val.List[0]
		val.List = val.List[1:]
		return nil
	})
	return head, err == nil, err
}

func (t *Tx) LPush(ctx context.Context, key string, values ...string) (int, error) {
	var length int
	err := t.mutate(ctx, key, kvdriver.KindList, func(val *kvdriver.Value) error {
		// Each value is pushed onto the head in turn, so the last given ends
		// up first.
		pushed := slices.Clone(values)
		slices.Reverse(pushed)
		val.List = append(pushed, val.List...)
		length = len(val.List)
		return nil
	})
	return length, err
}

func (t *Tx) LRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	val, err := t.get(ctx, key, kvdriver.KindList)
	if err != nil || val == nil {
		return nil, err
	}
	lo, hi := listBounds(start, stop, len(val.List))
	return slices.Clone(val.List[lo:hi]), nil
}

func (t *Tx) LRem(ctx context.Context, key string, count int, value string) (int, error) {
	val, err := t.get(ctx, key, kvdriver.KindList)
	if err != nil || val == nil {
		return 0, err
	}

	var numRemoved int
	err = t.mutate(ctx, key, kvdriver.KindList, func(val *kvdriver.Value) error {
		kept := make([]string, 0, len(val.List))

		if count >= 0 {
			for _, elem := range val.List {
				if elem == value && (count == 0 || numRemoved < count) {
					numRemoved++
					continue
				}
				kept = append(kept, elem)
			}
		} else {
			for i := len(val.List) - 1; i >= 0; i-- {
				elem := val.List[i]
				if elem == value && numRemoved < -count {
					numRemoved++
					continue
				}
				kept = append(kept, elem)
			}
			slices.Reverse(kept)
		}

		val.List = kept
		return nil
	})
	return numRemoved, err
}

func (t *Tx) LTrim(ctx context.Context, key string, start, stop int) error {
	val, err := t.get(ctx, key, kvdriver.KindList)
	if err != nil || val == nil {
		return err
	}
	return t.mutate(ctx, key, kvdriver.KindList, func(val *kvdriver.Value) error {
		lo, hi := listBounds(start, stop, len(val.List))
		val.List = slices.Clone(val.List[lo:hi])
		return nil
	})
}

func (t *Tx) RPop(ctx context.Context, key string) (string, bool, error) {
	val, err := t.get(ctx, key, kvdriver.KindList)
	if err != nil || val == nil {
		return "", false, err
	}

	var tail string
	err = t.mutate(ctx, key, kvdriver.KindList, func(val *kvdriver.Value) error {
		tail = val.List[len(val.List)-1]
		val.List = val.List[:len(val.List)-1]
		return nil
	})
	return tail, err == nil, err
}

func (t *Tx) RPopLPush(ctx context.Context, src, dst string) (string, bool, error) {
	elem, ok, err := t.RPop(ctx, src)
	if err != nil || !ok {
		return "", false, err
	}
	if _, err := t.LPush(ctx, dst, elem); err != nil {
		return "", false, err
	}
	return elem, true, nil
}

func (t *Tx) RPush(ctx context.Context, key string, values ...string) (int, error) {
	var length int
	err := t.mutate(ctx, key, kvdriver.KindList, func(val *kvdriver.Value) error {
		val.List = append(val.List, values...)
		length = len(val.List)
		return nil
	})
	return length, err
}

//
// Sorted sets
//

func sortedMembers(zset map[string]float64) []kvdriver.ZMember {
	members := make([]kvdriver.ZMember, 0, len(zset))
	for member, score := range zset {
		members = append(members, kvdriver.ZMember{Member: member, Score: score})
	}
	slices.SortFunc(members, func(a, b kvdriver.ZMember) int {
		if c := cmp.Compare(a.Score, b.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Member, b.Member)
	})
	return members
}

func (t *Tx) ZAdd(ctx context.Context, key string, members ...kvdriver.ZMember) (int, error) {
	var numAdded int
	err := t.mutate(ctx, key, kvdriver.KindZSet, func(val *kvdriver.Value) error {
		for _, member := range members {
			if math.IsNaN(member.Score) {
				return errors.New("ZAdd score is not a number")
			}
			if _, ok := val.ZSet[member.Member]; !ok {
				numAdded++
			}
			val.ZSet[member.Member] = member.Score
		}
		return nil
	})
	return numAdded, err
}

func (t *Tx) ZCard(ctx context.Context, key string) (int, error) {
	val, err := t.get(ctx, key, kvdriver.KindZSet)
	if err != nil || val == nil {
		return 0, err
	}
	return len(val.ZSet), nil
}

func (t *Tx) ZPopMin(ctx context.Context, key string) (*kvdriver.ZMember, error) {
	members, err := t.ZRange(ctx, key, 0, 0)
	if err != nil || len(members) < 1 {
		return nil, err
	}
	if _, err := t.ZRem(ctx, key, members[0].Member); err != nil {
		return nil, err
	}
	return &members[0], nil
}

func (t *Tx) ZRange(ctx context.Context, key string, start, stop int) ([]kvdriver.ZMember, error) {
	val, err := t.get(ctx, key, kvdriver.KindZSet)
	if err != nil || val == nil {
		return nil, err
	}
	members := sortedMembers(val.ZSet)
	lo, hi := listBounds(start, stop, len(members))
	return members[lo:hi], nil
}

func (t *Tx) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]kvdriver.ZMember, error) {
	val, err := t.get(ctx, key, kvdriver.KindZSet)
	if err != nil || val == nil {
		return nil, err
	}

	var members []kvdriver.ZMember
	for _, member := range sortedMembers(val.ZSet) {
		if member.Score < min {
			continue
		}
		if member.Score > max {
			break
		}
		members = append(members, member)
		if limit > 0 && len(members) >= limit {
			break
		}
	}
	return members, nil
}

func (t *Tx) ZRem(ctx context.Context, key string, members ...string) (int, error) {
	val, err := t.get(ctx, key, kvdriver.KindZSet)
	if err != nil || val == nil {
		return 0, err
	}

	var numRemoved int
	err = t.mutate(ctx, key, kvdriver.KindZSet, func(val *kvdriver.Value) error {
		for _, member := range members {
			if _, ok := val.ZSet[member]; ok {
				delete(val.ZSet, member)
				numRemoved++
			}
		}
		return nil
	})
	return numRemoved, err
}

func (t *Tx) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	val, err := t.get(ctx, key, kvdriver.KindZSet)
	if err != nil || val == nil {
		return 0, false, err
	}
	score, ok := val.ZSet[member]
	return score, ok, nil
}

//
// Sets
//

func (t *Tx) SAdd(ctx context.Context, key string, members ...string) (int, error) {
	var numAdded int
	err := t.mutate(ctx, key, kvdriver.KindSet, func(val *kvdriver.Value) error {
		for _, member := range members {
			if !val.Set[member] {
				val.Set[member] = true
				numAdded++
			}
		}
		return nil
	})
	return numAdded, err
}

func (t *Tx) SCard(ctx context.Context, key string) (int, error) {
	val, err := t.get(ctx, key, kvdriver.KindSet)
	if err != nil || val == nil {
		return 0, err
	}
	return len(val.Set), nil
}

func (t *Tx) SIsMember(ctx context.Context, key, member string) (bool, error) {
	val, err := t.get(ctx, key, kvdriver.KindSet)
	if err != nil || val == nil {
		return false, err
	}
	return val.Set[member], nil
}

func (t *Tx) SMembers(ctx context.Context, key string) ([]string, error) {
	val, err := t.get(ctx, key, kvdriver.KindSet)
	if err != nil || val == nil {
		return nil, err
	}
	members := make([]string, 0, len(val.Set))
	for member := range val.Set {
		members = append(members, member)
	}
	slices.Sort(members)
	return members, nil
}

func (t *Tx) SRem(ctx context.Context, key string, members ...string) (int, error) {
	val, err := t.get(ctx, key, kvdriver.KindSet)
	if err != nil || val == nil {
		return 0, err
	}

	var numRemoved int
	err = t.mutate(ctx, key, kvdriver.KindSet, func(val *kvdriver.Value) error {
		for _, member := range members {
			if val.Set[member] {
				delete(val.Set, member)
				numRemoved++
			}
		}
		return nil
	})
	return numRemoved, err
}

//
// Hashes
//

func (t *Tx) HDel(ctx context.Context, key string, fields ...string) (int, error) {
	val, err := t.get(ctx, key, kvdriver.KindHash)
	if err != nil || val == nil {
		return 0, err
	}

	var numDeleted int
	err = t.mutate(ctx, key, kvdriver.KindHash, func(val *kvdriver.Value) error {
		for _, field := range fields {
			if _, ok := val.Hash[field]; ok {
				delete(val.Hash, field)
				numDeleted++
			}
		}
		return nil
	})
	return numDeleted, err
}

func (t *Tx) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := t.get(ctx, key, kvdriver.KindHash)
	if err != nil || val == nil {
		return "", false, err
	}
	fieldVal, ok := val.Hash[field]
	return fieldVal, ok, nil
}

func (t *Tx) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := t.get(ctx, key, kvdriver.KindHash)
	if err != nil || val == nil {
		return map[string]string{}, err
	}
	fields := make(map[string]string, len(val.Hash))
	for field, fieldVal := range val.Hash {
		fields[field] = fieldVal
	}
	return fields, nil
}

func (t *Tx) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	var res int64
	err := t.mutate(ctx, key, kvdriver.KindHash, func(val *kvdriver.Value) error {
		var current int64
		if str, ok := val.Hash[field]; ok && str != "" {
			var err error
			if current, err = strconv.ParseInt(str, 10, 64); err != nil {
				return fmt.Errorf("hash field %q at %q is not an integer: %w", field, key, err)
			}
		}
		res = current + incr
		val.Hash[field] = strconv.FormatInt(res, 10)
		return nil
	})
	return res, err
}

func (t *Tx) HLen(ctx context.Context, key string) (int, error) {
	val, err := t.get(ctx, key, kvdriver.KindHash)
	if err != nil || val == nil {
		return 0, err
	}
	return len(val.Hash), nil
}

func (t *Tx) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) < 1 {
		return nil
	}
	return t.mutate(ctx, key, kvdriver.KindHash, func(val *kvdriver.Value) error {
		for field, fieldVal := range fields {
			val.Hash[field] = fieldVal
		}
		return nil
	})
}

//
// Streams
//

type streamID struct {
	ms, seq int64
}

func parseStreamID(id string) (streamID, error) {
	msStr, seqStr, ok := strings.Cut(id, "-")
	if !ok {
		seqStr = "0"
	}
	ms, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("invalid stream ID %q: %w", id, err)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("invalid stream ID %q: %w", id, err)
	}
	return streamID{ms: ms, seq: seq}, nil
}

func (id streamID) compare(other streamID) int {
	if c := cmp.Compare(id.ms, other.ms); c != 0 {
		return c
	}
	return cmp.Compare(id.seq, other.seq)
}

func (id streamID) String() string { return fmt.Sprintf("%d-%d", id.ms, id.seq) }

func (t *Tx) XAdd(ctx context.Context, key string, fieldValues ...string) (string, error) {
	if len(fieldValues) < 2 || len(fieldValues)%2 != 0 {
		return "", errors.New("XAdd requires an even, non-zero number of field names and values")
	}

	var id string
	err := t.mutate(ctx, key, kvdriver.KindStream, func(val *kvdriver.Value) error {
		next := streamID{ms: t.nowMS()}
		if val.StreamLastID != "" {
			last, err := parseStreamID(val.StreamLastID)
			if err != nil {
				return err
			}
			if next.compare(last) <= 0 {
				next = streamID{ms: last.ms, seq: last.seq + 1}
			}
		}

		id = next.String()
		val.Stream = append(val.Stream, kvdriver.StreamEntry{ID: id, Fields: slices.Clone(fieldValues)})
		val.StreamLastID = id
		return nil
	})
	return id, err
}

func (t *Tx) XLen(ctx context.Context, key string) (int, error) {
	val, err := t.get(ctx, key, kvdriver.KindStream)
	if err != nil || val == nil {
		return 0, err
	}
	return len(val.Stream), nil
}

func (t *Tx) XRange(ctx context.Context, key, afterID string, count int) ([]kvdriver.StreamEntry, error) {
	val, err := t.get(ctx, key, kvdriver.KindStream)
	if err != nil || val == nil {
		return nil, err
	}

	var after streamID
	if afterID != "" {
		if after, err = parseStreamID(afterID); err != nil {
			return nil, err
		}
	}

	var entries []kvdriver.StreamEntry
	for _, entry := range val.Stream {
		id, err := parseStreamID(entry.ID)
		if err != nil {
			return nil, err
		}
		if afterID != "" && id.compare(after) <= 0 {
			continue
		}
		entries = append(entries, kvdriver.StreamEntry{ID: entry.ID, Fields: slices.Clone(entry.Fields)})
		if count > 0 && len(entries) >= count {
			break
		}
	}
	return entries, nil
}

func (t *Tx) XTrim(ctx context.Context, key string, maxLen int) (int, error) {
	val, err := t.get(ctx, key, kvdriver.KindStream)
	if err != nil || val == nil {
		return 0, err
	}
	if len(val.Stream) <= maxLen {
		return 0, nil
	}

	numTrimmed := len(val.Stream) - max(maxLen, 0)
	err = t.mutate(ctx, key, kvdriver.KindStream, func(val *kvdriver.Value) error {
		val.Stream = slices.Clone(val.Stream[numTrimmed:])
		return nil
	})
	return numTrimmed, err
}
