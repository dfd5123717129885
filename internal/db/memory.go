package db

import (
	"context"
	"sync"
	"time"

	"payment-service/internal/model"
)

// MemoryStore keeps payments in a map. It follows the same write rules as
// PaymentRepository.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]model.Payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]model.Payment)}
}

func (s *MemoryStore) Load(_ context.Context, id string) (*model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) Save(_ context.Context, p model.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.payments[p.ID]
	if !ok {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = p.CreatedAt
		}
		s.payments[p.ID] = p
		return nil
	}

	if existing.Status != model.StatusPending && existing.Status != p.Status {
		return ErrStaleWrite
	}
	existing.Status = p.Status
	existing.UpdatedAt = p.UpdatedAt
	s.payments[p.ID] = existing
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.payments)
}
