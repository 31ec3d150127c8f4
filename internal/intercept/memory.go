package intercept

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a Store that lives only as long as the process.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]map[string]*Entry)}
}

func (s *MemoryStore) Get(_ context.Context, namespace, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.namespaces[namespace][key]
	if !ok {
		return nil, nil
	}
	return cloneEntry(e), nil
}

func (s *MemoryStore) Put(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[entry.Namespace]
	if !ok {
		ns = make(map[string]*Entry)
		s.namespaces[entry.Namespace] = ns
	}
	ns[entry.Key] = cloneEntry(entry)
	return nil
}

func (s *MemoryStore) Namespaces(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.namespaces))
	for ns := range s.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) DeleteNamespace(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces, namespace)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneEntry(e *Entry) *Entry {
	out := *e
	out.Header = e.Header.Clone()
	out.Body = append([]byte(nil), e.Body...)
	return &out
}
