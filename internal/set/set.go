// Package set provides a basic generic set datastructure.
package set

type Set[T comparable] map[T]struct{}

func From[T comparable](sl []T) Set[T] {
	result := make(Set[T], len(sl))

	for _, elem := range sl {
		result[elem] = struct{}{}
	}

	return result
}

func (s Set[T]) Contains(val T) bool {
	_, exist := s[val]
	return exist
}
