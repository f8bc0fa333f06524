package ingress

import (
	"container/list"
	"sync"
)

// DefaultDedupeWindow is how many recent event hashes the seen-set retains.
const DefaultDedupeWindow = 1000

// SeenSet is a fixed-capacity LRU set of event hashes. When full, the
// oldest hash is evicted, so duplicates arriving after more than capacity
// distinct events are treated as new.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewSeenSet creates a seen-set holding up to capacity hashes.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultDedupeWindow
	}
	return &SeenSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Seen reports whether the hash was already recorded, recording it either
// way. A repeated hash is refreshed to most-recently-used.
func (s *SeenSet) Seen(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.index[hash]; ok {
		s.order.MoveToFront(elem)
		return true
	}

	s.index[hash] = s.order.PushFront(hash)
	if s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
	return false
}

// Len returns the number of retained hashes.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
