package valutil

import "strconv"

// ValOrDefault returns the given value if it's non-zero, and otherwise returns
// the default.
func ValOrDefault[T comparable](val, defaultVal T) T {
	var zero T
	if val != zero {
		return val
	}
	return defaultVal
}

// FirstNonZero returns the first argument that is non-zero, or the zero value
// if all are zero.
func FirstNonZero[T comparable](values ...T) T {
	var zero T
	for _, val := range values {
		if val != zero {
			return val
		}
	}
	return zero
}

// ParseInt64 parses a base 10 integer as stored in a hash field, returning
// zero for an empty or malformed string.
func ParseInt64(str string) int64 {
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return val
}
