package store

import (
	"context"
	"sync"

	"github.com/quarry-trading/quarry/internal/solana"
)

// MemoryStore is an in-memory Store for tests and stub mode. Same semantics
// as the Redis store, including atomic create-if-absent.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[solana.Pubkey]Position
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[solana.Pubkey]Position)}
}

func (s *MemoryStore) Get(_ context.Context, baseMint solana.Pubkey) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[baseMint]
	if !ok {
		return nil, ErrNotFound
	}
	return &pos, nil
}

func (s *MemoryStore) Create(_ context.Context, pos Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.positions[pos.BaseMint]; exists {
		return ErrAlreadyExists
	}
	s.positions[pos.BaseMint] = pos
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, baseMint solana.Pubkey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.positions[baseMint]; !exists {
		return ErrNotFound
	}
	delete(s.positions, baseMint)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
