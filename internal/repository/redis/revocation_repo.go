package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/burhanwani/WhatsAppSimulator/internal/database"
	"github.com/burhanwani/WhatsAppSimulator/pkg/jwt"
)

// RevocationRepository keeps revoked token ids under blacklist:{jti}
type RevocationRepository struct {
	client *database.RedisClient
}

// NewRevocationRepository creates a new RevocationRepository
func NewRevocationRepository(client *database.RedisClient) *RevocationRepository {
	return &RevocationRepository{client: client}
}

// IsRevoked reports whether the token with claims has been revoked
func (r *RevocationRepository) IsRevoked(ctx context.Context, claims *jwt.Claims) (bool, error) {
	if claims.ID == "" {
		return false, nil
	}

	exists, err := r.client.SafeExists(ctx, fmt.Sprintf("blacklist:%s", claims.ID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}
	return exists > 0, nil
}

// Revoke blacklists the token id until its natural expiry
func (r *RevocationRepository) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.SafeSet(ctx, fmt.Sprintf("blacklist:%s", jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}
