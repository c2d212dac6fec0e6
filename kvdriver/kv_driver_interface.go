// Package kvdriver exposes the store capability contract that the transition
// engine is written against. Drivers wrap a specific store (Redis, Postgres,
// SQLite, or process memory) so that the engine stays decoupled from any one
// of them.
//
// The contract is deliberately shaped like a Redis command set because that's
// the vocabulary the transitions are easiest to express in, but nothing
// requires a driver to be backed by Redis. What a driver must provide is
// atomicity: every operation made through a Tx inside one call to Atomic is
// applied all together or not at all, and concurrent calls to Atomic behave as
// if run one after another.
//
// This package is largely for internal use and changes to its interfaces WILL
// NOT be considered breaking changes for purposes of semantic versioning.
package kvdriver

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by a driver whose underlying pool or client has been
// closed.
var ErrClosed = errors.New("kvdriver: driver closed")

// ErrNoSuchKey is returned by operations like Rename that require an existing
// key.
var ErrNoSuchKey = errors.New("kvdriver: no such key")

// ErrWrongType is returned when an operation is invoked against a key holding
// a value of a different kind.
var ErrWrongType = errors.New("kvdriver: operation against a key holding the wrong kind of value")

// Driver provides access to a store for use with the transition engine.
type Driver interface {
	// Atomic runs fn inside a single atomic unit. All reads made through the
	// given Tx observe the unit's own earlier writes, and all writes become
	// visible to other callers at once when fn returns nil. When fn returns
	// an error, none of its writes are applied and the error is returned.
	//
	// Drivers based on optimistic concurrency may invoke fn more than once,
	// so fn must not have side effects outside of the Tx and must reset any
	// state it captures on every invocation.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// ZMember is a member of a sorted set along with its score.
type ZMember struct {
	Member string
	Score  float64
}

// StreamEntry is an entry in a stream. Fields are stored in the order they
// were given as alternating names and values.
type StreamEntry struct {
	ID     string
	Fields []string
}

// FieldMap returns the entry's fields as a map.
func (e *StreamEntry) FieldMap() map[string]string {
	fields := make(map[string]string, len(e.Fields)/2)
	for i := 0; i+1 < len(e.Fields); i += 2 {
		fields[e.Fields[i]] = e.Fields[i+1]
	}
	return fields
}

// Tx is the set of store operations available inside an atomic unit. Lists are
// zero-indexed from the left with negative indexes counting from the right,
// exactly like Redis. Operations on a missing key behave as if it held an
// empty value of the expected kind.
type Tx interface {
	// Keys and strings.

	Del(ctx context.Context, keys ...string) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// PTTL returns the time left before key expires. The second return value
	// is false if the key doesn't exist, and a ttl of -1 is returned for a key
	// that exists but has no expiry.
	PTTL(ctx context.Context, key string) (time.Duration, bool, error)

	Rename(ctx context.Context, src, dst string) error
	Set(ctx context.Context, key, value string) error
	SetPX(ctx context.Context, key, value string, ttl time.Duration) error

	// Lists.

	LLen(ctx context.Context, key string) (int, error)
	LPop(ctx context.Context, key string) (string, bool, error)
	LPush(ctx context.Context, key string, values ...string) (int, error)
	LRange(ctx context.Context, key string, start, stop int) ([]string, error)

	// LRem removes up to count occurrences of value, starting from the left.
	// A count of zero removes all occurrences.
	LRem(ctx context.Context, key string, count int, value string) (int, error)

	LTrim(ctx context.Context, key string, start, stop int) error
	RPop(ctx context.Context, key string) (string, bool, error)
	RPopLPush(ctx context.Context, src, dst string) (string, bool, error)
	RPush(ctx context.Context, key string, values ...string) (int, error)

	// Sorted sets. Members with equal scores are ordered lexically.

	ZAdd(ctx context.Context, key string, members ...ZMember) (int, error)
	ZCard(ctx context.Context, key string) (int, error)
	ZPopMin(ctx context.Context, key string) (*ZMember, error)

	// ZRange returns members by rank, lowest score first.
	ZRange(ctx context.Context, key string, start, stop int) ([]ZMember, error)

	// ZRangeByScore returns members with min <= score <= max, lowest score
	// first, up to limit members. A limit <= 0 means no limit.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]ZMember, error)

	ZRem(ctx context.Context, key string, members ...string) (int, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	// Sets.

	SAdd(ctx context.Context, key string, members ...string) (int, error)
	SCard(ctx context.Context, key string) (int, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) (int, error)

	// Hashes.

	HDel(ctx context.Context, key string, fields ...string) (int, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)
	HLen(ctx context.Context, key string) (int, error)
	HSet(ctx context.Context, key string, fields map[string]string) error

	// Streams.

	// XAdd appends an entry built from alternating field names and values and
	// returns its generated ID.
	XAdd(ctx context.Context, key string, fieldValues ...string) (string, error)

	XLen(ctx context.Context, key string) (int, error)

	// XRange returns up to count entries with an ID strictly greater than
	// afterID. An empty afterID reads from the beginning.
	XRange(ctx context.Context, key, afterID string, count int) ([]StreamEntry, error)

	// XTrim trims the stream to at most maxLen entries, dropping the oldest.
	XTrim(ctx context.Context, key string, maxLen int) (int, error)
}
