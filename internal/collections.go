package internal

// Set is a collection of unique items that remembers insertion order.
// Removing an item keeps the relative order of the others, which is what the
// unit of work relies on for schedule-order tie breaking.
type Set[T comparable] struct {
	index map[T]int
	items []T
	live  int
}

// NewSet creates and returns a new empty Set.
func NewSet[T comparable]() *Set[T] {
	return &Set[T]{
		index: make(map[T]int),
	}
}

// Add appends item. If the item already exists, it has no effect.
func (s *Set[T]) Add(item T) bool {
	if _, exists := s.index[item]; exists {
		return false
	}
	s.index[item] = len(s.items)
	s.items = append(s.items, item)
	s.live++
	return true
}

// Remove deletes an item from the set. If the item doesn't exist, it has no effect.
func (s *Set[T]) Remove(item T) {
	pos, exists := s.index[item]
	if !exists {
		return
	}
	delete(s.index, item)
	var zero T
	s.items[pos] = zero
	s.live--
	if s.live == 0 {
		s.items = s.items[:0]
	} else if len(s.items) > 32 && s.live < len(s.items)/2 {
		s.compact()
	}
}

// Contains checks if an item exists in the set.
func (s *Set[T]) Contains(item T) bool {
	_, exists := s.index[item]
	return exists
}

// Size returns the number of items in the set.
func (s *Set[T]) Size() int {
	return s.live
}

// ToSlice returns the items in insertion order.
func (s *Set[T]) ToSlice() []T {
	slice := make([]T, 0, s.live)
	for pos, item := range s.items {
		if p, exists := s.index[item]; exists && p == pos {
			slice = append(slice, item)
		}
	}
	return slice
}

// Clear removes all items from the set.
func (s *Set[T]) Clear() {
	s.index = make(map[T]int)
	s.items = nil
	s.live = 0
}

func (s *Set[T]) compact() {
	items := s.ToSlice()
	s.items = items
	for pos, item := range items {
		s.index[item] = pos
	}
}
