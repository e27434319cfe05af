package cache

import "sync"

// DefaultSetCapacity is the default bound for the processed-envelope set.
const DefaultSetCapacity = 4000

// Set is a bounded membership set of envelope ids with oldest-first
// eviction: an approximation of a sliding window over recently seen ids,
// not a strict LRU.
type Set struct {
	mu       sync.Mutex
	capacity int
	members  map[string]struct{}
	order    []string
}

// NewSet creates a set bounded to capacity ids. A non-positive capacity
// falls back to DefaultSetCapacity.
func NewSet(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultSetCapacity
	}
	return &Set{
		capacity: capacity,
		members:  make(map[string]struct{}),
	}
}

// Contains reports whether the id has been seen.
func (s *Set) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.members[id]
	return ok
}

// Add records an id, evicting the oldest when full. Returns false if the id
// was already present.
func (s *Set) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.members[id]; exists {
		return false
	}

	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}

	s.members[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// Len returns the number of tracked ids.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.members)
}

// Clear drops every id. Called on logout.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.members = make(map[string]struct{})
	s.order = nil
}
