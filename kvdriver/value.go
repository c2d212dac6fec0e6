package kvdriver

import (
	"fmt"
	"maps"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind is the kind of value stored at a key.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindList
	KindZSet
	KindSet
	KindHash
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindZSet:
		return "zset"
	case KindSet:
		return "set"
	case KindHash:
		return "hash"
	case KindStream:
		return "stream"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Value is the full value stored at a single key. Drivers that don't have
// native collection types persist it as an opaque blob produced by
// EncodeValue, which is what lets every driver share one implementation of
// the operations in Tx (see package kvtx).
type Value struct {
	Kind Kind `msgpack:"k"`

	// ExpiresAt is a Unix timestamp in milliseconds after which the value is
	// considered absent. Zero means no expiry.
	ExpiresAt int64 `msgpack:"x,omitempty"`

	Hash         map[string]string  `msgpack:"h,omitempty"`
	List         []string           `msgpack:"l,omitempty"`
	Set          map[string]bool    `msgpack:"t,omitempty"`
	Str          string             `msgpack:"s,omitempty"`
	Stream       []StreamEntry      `msgpack:"e,omitempty"`
	StreamLastID string             `msgpack:"i,omitempty"`
	ZSet         map[string]float64 `msgpack:"z,omitempty"`
}

// NewValue returns an empty value of the given kind.
func NewValue(kind Kind) *Value {
	val := &Value{Kind: kind}
	switch kind {
	case KindHash:
		val.Hash = make(map[string]string)
	case KindSet:
		val.Set = make(map[string]bool)
	case KindZSet:
		val.ZSet = make(map[string]float64)
	case KindList, KindStream, KindString:
	}
	return val
}

// Clone returns a deep copy of the value.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}

	clone := *v
	clone.Hash = maps.Clone(v.Hash)
	clone.List = slices.Clone(v.List)
	clone.Set = maps.Clone(v.Set)
	clone.ZSet = maps.Clone(v.ZSet)
	if v.Stream != nil {
		clone.Stream = make([]StreamEntry, len(v.Stream))
		for i, entry := range v.Stream {
			clone.Stream[i] = StreamEntry{ID: entry.ID, Fields: slices.Clone(entry.Fields)}
		}
	}
	return &clone
}

// Empty returns true for a collection holding no elements. Empty collections
// are deleted rather than stored, like in Redis. Streams are the exception
// because they carry their last ID even once trimmed to nothing.
func (v *Value) Empty() bool {
	switch v.Kind {
	case KindHash:
		return len(v.Hash) == 0
	case KindList:
		return len(v.List) == 0
	case KindSet:
		return len(v.Set) == 0
	case KindZSet:
		return len(v.ZSet) == 0
	case KindStream, KindString:
	}
	return false
}

// Expired returns true if the value has an expiry that's at or before nowMS.
func (v *Value) Expired(nowMS int64) bool {
	return v.ExpiresAt != 0 && v.ExpiresAt <= nowMS
}

// EncodeValue encodes a value for storage.
func EncodeValue(v *Value) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error encoding value: %w", err)
	}
	return data, nil
}

// DecodeValue decodes a value encoded by EncodeValue.
func DecodeValue(data []byte) (*Value, error) {
	var val Value
	if err := msgpack.Unmarshal(data, &val); err != nil {
		return nil, fmt.Errorf("error decoding value: %w", err)
	}

	// Maps omitted as empty on encode come back nil.
	if val.Kind == KindHash && val.Hash == nil {
		val.Hash = make(map[string]string)
	}
	if val.Kind == KindSet && val.Set == nil {
		val.Set = make(map[string]bool)
	}
	if val.Kind == KindZSet && val.ZSet == nil {
		val.ZSet = make(map[string]float64)
	}

	return &val, nil
}
