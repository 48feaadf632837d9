package session

import "sync"

// MemoryStore — хранилище в памяти для тестов и -dev режима.
type MemoryStore struct {
	mu sync.Mutex
	st *State
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == nil {
		return nil, nil
	}
	cp := *s.st
	return &cp, nil
}

func (s *MemoryStore) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.st = &cp
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = nil
	return nil
}
