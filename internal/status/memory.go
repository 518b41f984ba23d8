package status

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) Read(ctx context.Context, scope string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[scope].clone(), nil
}

func (s *MemoryStore) Write(ctx context.Context, scope string, rec Record) error {
	if err := validate(scope, rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkAdvance(scope, s.records[scope], rec); err != nil {
		return err
	}
	s.records[scope] = rec.clone()
	return nil
}

func (s *MemoryStore) CompareAndSet(ctx context.Context, scope string, expected, next Record) error {
	if err := validate(scope, next); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.records[scope]
	if !current.Equal(expected) {
		return &ConflictError{Scope: scope, Expected: expected.clone(), Actual: current.clone()}
	}
	if err := checkAdvance(scope, current, next); err != nil {
		return err
	}
	s.records[scope] = next.clone()
	return nil
}

func (s *MemoryStore) Scopes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scopes := make([]string, 0, len(s.records))
	for scope := range s.records {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}
