package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/stablepay/batch-orchestrator/internal/store"
)

// MemoryRepository is an in-process IdempotencyRepository.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]store.IdempotencyRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]store.IdempotencyRecord)}
}

func (r *MemoryRepository) Get(_ context.Context, key string) (*store.IdempotencyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (r *MemoryRepository) Put(_ context.Context, rec *store.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// First writer wins, matching the postgres ON CONFLICT DO NOTHING.
	if _, exists := r.records[rec.Key]; exists {
		return nil
	}
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.records[rec.Key] = stored
	return nil
}
