// Package generics holds small generic helpers over slices, maps and sets.
package generics

import (
	"cmp"
	"iter"
	"maps"
	"slices"

	"golang.org/x/exp/constraints"
)

// SliceMap returns fn applied to every element of in.
func SliceMap[In, Out any](in []In, fn func(e In) Out) []Out {
	out := make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return out
}

// Sum of the elements of s.
func Sum[T constraints.Integer | constraints.Float](s []T) (sum T) {
	for _, v := range s {
		sum += v
	}
	return
}

// SortedKeys iterates over the keys of m in increasing order.
func SortedKeys[M ~map[K]V, K cmp.Ordered, V any](m M) iter.Seq[K] {
	return slices.Values(slices.Sorted(maps.Keys(m)))
}

// SortedKeysAndValues iterates over the entries of m in increasing order of keys.
func SortedKeysAndValues[M ~map[K]V, K cmp.Ordered, V any](m M) iter.Seq2[K, V] {
	keys := slices.Sorted(maps.Keys(m))
	return func(yield func(K, V) bool) {
		for _, key := range keys {
			if !yield(key, m[key]) {
				return
			}
		}
	}
}

// Set of comparable elements.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set, optionally with space reserved for size elements.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// SetWith returns a Set with the given elements.
func SetWith[T comparable](elements ...T) Set[T] {
	s := MakeSet[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has returns whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys in the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}
