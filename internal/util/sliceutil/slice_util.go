// Package sliceutil contains generic slice helpers that aren't in the standard
// library's slices package.
package sliceutil

// Map transforms a slice into a slice of another type.
func Map[T any, R any](collection []T, mapFunc func(T) R) []R {
	result := make([]R, len(collection))

	for i, item := range collection {
		result[i] = mapFunc(item)
	}

	return result
}

// Filter returns the elements of collection for which keepFunc returns true.
func Filter[T any](collection []T, keepFunc func(T) bool) []T {
	var result []T

	for _, item := range collection {
		if keepFunc(item) {
			result = append(result, item)
		}
	}

	return result
}
