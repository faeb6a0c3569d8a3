package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/burhanwani/WhatsAppSimulator/internal/database"
	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
)

const cursorHash = "relay:cursors"

// advanceScript only moves a cursor forward. Offsets are nanosecond sized,
// beyond Lua number precision, so they are compared as decimal strings.
var advanceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1]) or '0'
local nxt = ARGV[2]
if string.len(nxt) > string.len(cur) or (string.len(nxt) == string.len(cur) and nxt > cur) then
  redis.call('HSET', KEYS[1], ARGV[1], nxt)
  return 1
end
return 0
`)

// CursorRepository stores delivery cursors in the relay:cursors hash
type CursorRepository struct {
	client *database.RedisClient
}

// NewCursorRepository creates a new CursorRepository
func NewCursorRepository(client *database.RedisClient) *CursorRepository {
	return &CursorRepository{client: client}
}

// Get returns the last acknowledged offset of identity, zero if none
func (r *CursorRepository) Get(ctx context.Context, identity domain.Identity) (int64, error) {
	val, err := r.client.SafeHGet(ctx, cursorHash, string(identity)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}

	off, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q: %w", val, err)
	}
	return off, nil
}

// Advance moves the cursor of identity to offset if it is ahead
func (r *CursorRepository) Advance(ctx context.Context, identity domain.Identity, offset int64) error {
	if offset <= 0 {
		return nil
	}
	if r.client.IsDegraded() {
		return fmt.Errorf("cursor not advanced: %w", database.ErrRedisDegraded)
	}
	if err := advanceScript.Run(ctx, r.client.Client, []string{cursorHash}, string(identity), offset).Err(); err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}
