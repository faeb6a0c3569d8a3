package memory

import (
	"context"
	"sync"
	"time"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
)

// KeysRepository keeps one public key record per identity in memory.
// Records are replaced whole, so readers see either the old or the new one.
type KeysRepository struct {
	mu   sync.RWMutex
	keys map[domain.Identity]*domain.PublicKeyRecord
	now  func() time.Time
}

// NewKeysRepository creates an empty repository
func NewKeysRepository() *KeysRepository {
	return &KeysRepository{
		keys: make(map[domain.Identity]*domain.PublicKeyRecord),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Upsert stores or replaces the record of owner
func (r *KeysRepository) Upsert(ctx context.Context, owner domain.Identity, publicKey string) (*domain.PublicKeyRecord, error) {
	rec := &domain.PublicKeyRecord{Owner: owner, PublicKey: publicKey, RegisteredAt: r.now()}

	r.mu.Lock()
	r.keys[owner] = rec
	r.mu.Unlock()

	cp := *rec
	return &cp, nil
}

// Get returns the record of owner or NotFound
func (r *KeysRepository) Get(ctx context.Context, owner domain.Identity) (*domain.PublicKeyRecord, error) {
	r.mu.RLock()
	rec, ok := r.keys[owner]
	r.mu.RUnlock()

	if !ok {
		return nil, apperrors.NotFoundError("public key")
	}
	cp := *rec
	return &cp, nil
}
