package cache

import (
	"container/list"
	"context"
	"sync"
)

// DefaultMaxEntries bounds the in-process store when no size is configured.
const DefaultMaxEntries = 256

type memoryItem struct {
	key   string
	value []byte
}

// MemoryStore implements Store as a size-bounded LRU living for the process
// lifetime. Entries have no TTL; the least recently used entry is evicted
// once MaxEntries is exceeded.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	items      map[string]*list.Element
	lru        *list.List
	closed     bool
}

// NewMemoryStore creates an LRU store holding at most maxEntries values.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		lru:        list.New(),
	}
}

// Get returns a copy of the stored value and marks it most recently used.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, ErrClosed
	}
	el, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	s.lru.MoveToFront(el)
	return cloneBytes(el.Value.(*memoryItem).value), true, nil
}

// Set stores a copy of value.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if el, ok := s.items[key]; ok {
		el.Value.(*memoryItem).value = cloneBytes(value)
		s.lru.MoveToFront(el)
		return nil
	}

	s.items[key] = s.lru.PushFront(&memoryItem{key: key, value: cloneBytes(value)})
	for s.lru.Len() > s.maxEntries {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.items, oldest.Value.(*memoryItem).key)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		s.lru.Remove(el)
		delete(s.items, key)
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.lru.Init()
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Close drops all entries. Further calls to Get and Set fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.items = nil
	s.lru.Init()
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
