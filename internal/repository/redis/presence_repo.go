package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/burhanwani/WhatsAppSimulator/internal/database"
	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
)

// DefaultPresenceTTL is how long a presence entry survives without a refresh
const DefaultPresenceTTL = 90 * time.Second

var removePresenceScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// PresenceRepository maps identities to gateway instances under
// presence:{identity}
type PresenceRepository struct {
	client *database.RedisClient
	ttl    time.Duration
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient, ttl time.Duration) *PresenceRepository {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &PresenceRepository{client: client, ttl: ttl}
}

func presenceKey(identity domain.Identity) string {
	return fmt.Sprintf("presence:%s", identity)
}

// Set marks identity as connected to instance. Callers refresh it well
// inside the TTL.
func (r *PresenceRepository) Set(ctx context.Context, identity domain.Identity, instance string) error {
	if err := r.client.SafeSet(ctx, presenceKey(identity), instance, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

// Get returns the instance holding identity, "" when it is offline
func (r *PresenceRepository) Get(ctx context.Context, identity domain.Identity) (string, error) {
	instance, err := r.client.SafeGet(ctx, presenceKey(identity)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read presence: %w", err)
	}
	return instance, nil
}

// Remove clears the presence of identity unless another instance took it over
func (r *PresenceRepository) Remove(ctx context.Context, identity domain.Identity, instance string) error {
	if r.client.IsDegraded() {
		return fmt.Errorf("presence not removed: %w", database.ErrRedisDegraded)
	}
	if err := removePresenceScript.Run(ctx, r.client.Client, []string{presenceKey(identity)}, instance).Err(); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}
