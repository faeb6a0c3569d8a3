package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
)

// KeysRepository stores one public key per identity in CockroachDB
type KeysRepository struct {
	db  DBTX
	now func() time.Time
}

// NewKeysRepository creates a new KeysRepository
func NewKeysRepository(db DBTX) *KeysRepository {
	return &KeysRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Upsert stores or replaces the public key of owner in a single statement
func (r *KeysRepository) Upsert(ctx context.Context, owner domain.Identity, publicKey string) (*domain.PublicKeyRecord, error) {
	query := `
		INSERT INTO public_keys (user_id, public_key, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET public_key = EXCLUDED.public_key, registered_at = EXCLUDED.registered_at
	`

	rec := &domain.PublicKeyRecord{Owner: owner, PublicKey: publicKey, RegisteredAt: r.now()}
	if _, err := r.db.Exec(ctx, query, string(owner), publicKey, rec.RegisteredAt); err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to save public key: %w", err))
	}

	return rec, nil
}

// Get retrieves the public key of owner
func (r *KeysRepository) Get(ctx context.Context, owner domain.Identity) (*domain.PublicKeyRecord, error) {
	query := `SELECT user_id, public_key, registered_at FROM public_keys WHERE user_id = $1`

	var id string
	rec := &domain.PublicKeyRecord{}
	err := r.db.QueryRow(ctx, query, string(owner)).Scan(&id, &rec.PublicKey, &rec.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundError("public key")
		}
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get public key: %w", err))
	}
	rec.Owner = domain.Identity(id)

	return rec, nil
}
