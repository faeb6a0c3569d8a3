package memory

import (
	"context"
	"sync"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
)

// CursorRepository is an in-memory store.CursorStore
type CursorRepository struct {
	mu      sync.Mutex
	cursors map[domain.Identity]int64
}

// NewCursorRepository creates an empty repository
func NewCursorRepository() *CursorRepository {
	return &CursorRepository{cursors: make(map[domain.Identity]int64)}
}

// Get returns the last acknowledged offset, zero if none
func (r *CursorRepository) Get(ctx context.Context, identity domain.Identity) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors[identity], nil
}

// Advance moves the cursor forward only
func (r *CursorRepository) Advance(ctx context.Context, identity domain.Identity, offset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset > r.cursors[identity] {
		r.cursors[identity] = offset
	}
	return nil
}
