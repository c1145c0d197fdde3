package cache

import "sync"

// SeenSet remembers the most recent ids it was shown, forgetting the oldest
// once capacity is reached. Safe for concurrent use.
type SeenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
	cap   int
}

// NewSeenSet creates a set holding at most capacity ids
func NewSeenSet(capacity int) *SeenSet {
	if capacity < 1 {
		capacity = 1
	}
	return &SeenSet{
		ids:   make(map[string]struct{}, capacity),
		order: make([]string, 0, capacity),
		cap:   capacity,
	}
}

// Add records id and reports whether it was new
func (s *SeenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) < s.cap {
		s.order = append(s.order, id)
	} else {
		delete(s.ids, s.order[s.next])
		s.order[s.next] = id
		s.next = (s.next + 1) % s.cap
	}
	s.ids[id] = struct{}{}
	return true
}

// Contains reports whether id is remembered
func (s *SeenSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of remembered ids
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
