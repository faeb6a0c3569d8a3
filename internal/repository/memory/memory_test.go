package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
)

func TestMessageRepository_AppendIsIdempotentByID(t *testing.T) {
	repo := NewMessageRepository()
	ctx := context.Background()

	msg := &domain.StoredMessage{ID: uuid.New(), Sender: "alice", Recipient: "bob", StoredAt: time.Now()}
	require.NoError(t, repo.Append(ctx, msg))

	again := *msg
	again.Offset = 0
	err := repo.Append(ctx, &again)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateID)
	assert.Equal(t, 1, repo.Count())

	rows, _, err := repo.ListByRecipient(ctx, "bob", 0, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMessageRepository_OffsetsStrictlyIncreasePerRecipient(t *testing.T) {
	repo := NewMessageRepository()
	ctx := context.Background()
	frozen := time.Unix(100, 0)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Append(ctx, &domain.StoredMessage{ID: uuid.New(), Recipient: "bob", StoredAt: frozen}))
	}

	rows, next, err := repo.ListByRecipient(ctx, "bob", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i := 1; i < len(rows); i++ {
		assert.Greater(t, rows[i].Offset, rows[i-1].Offset)
	}
	assert.Equal(t, rows[4].Offset, next)
}

func TestMessageRepository_ListRespectsLimitAndSince(t *testing.T) {
	repo := NewMessageRepository()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Append(ctx, &domain.StoredMessage{ID: uuid.New(), Recipient: "bob", StoredAt: time.Now()}))
	}
	require.NoError(t, repo.Append(ctx, &domain.StoredMessage{ID: uuid.New(), Recipient: "carol", StoredAt: time.Now()}))

	first, next, err := repo.ListByRecipient(ctx, "bob", 0, 2)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	rest, _, err := repo.ListByRecipient(ctx, "bob", next, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 3)

	none, unchanged, err := repo.ListByRecipient(ctx, "dave", 42, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, int64(42), unchanged)
}

func TestKeysRepository_ReplaceAndGet(t *testing.T) {
	repo := NewKeysRepository()
	ctx := context.Background()

	_, err := repo.Get(ctx, "alice")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = repo.Upsert(ctx, "alice", "k1")
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, "alice", "k2")
	require.NoError(t, err)

	rec, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "k2", rec.PublicKey)
}

func TestKeysRepository_ConcurrentReadersSeeWholeRecords(t *testing.T) {
	repo := NewKeysRepository()
	ctx := context.Background()
	_, err := repo.Upsert(ctx, "alice", "key-0")
	require.NoError(t, err)

	valid := make(map[string]bool)
	for i := 0; i < 50; i++ {
		valid[fmt.Sprintf("key-%d", i)] = true
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i < 50; i++ {
			_, _ = repo.Upsert(ctx, "alice", fmt.Sprintf("key-%d", i))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				rec, err := repo.Get(ctx, "alice")
				assert.NoError(t, err)
				assert.True(t, valid[rec.PublicKey])
				assert.Equal(t, domain.Identity("alice"), rec.Owner)
			}
		}()
	}
	wg.Wait()
}

func TestCursorRepository_Monotonic(t *testing.T) {
	repo := NewCursorRepository()
	ctx := context.Background()

	require.NoError(t, repo.Advance(ctx, "bob", 10))
	require.NoError(t, repo.Advance(ctx, "bob", 5))

	got, err := repo.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)

	got, err = repo.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestKeyCache_SetGetInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewKeyCache(time.Minute, 2)
	defer c.Close()

	_, err := c.Get(ctx, "alice")
	assert.ErrorIs(t, err, ErrKeyCacheMiss)

	rec := &domain.PublicKeyRecord{Owner: "alice", PublicKey: "pem", RegisteredAt: time.Now().UTC()}
	require.NoError(t, c.Set(ctx, rec))

	got, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, rec.PublicKey, got.PublicKey)

	// callers get a copy
	got.PublicKey = "changed"
	again, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "pem", again.PublicKey)

	require.NoError(t, c.Invalidate(ctx, "alice"))
	_, err = c.Get(ctx, "alice")
	assert.ErrorIs(t, err, ErrKeyCacheMiss)
}

func TestKeyCache_SetKeepsNewerRecord(t *testing.T) {
	ctx := context.Background()
	c := NewKeyCache(time.Minute, 0)
	defer c.Close()

	at := time.Now().UTC()
	require.NoError(t, c.Set(ctx, &domain.PublicKeyRecord{Owner: "alice", PublicKey: "new", RegisteredAt: at}))
	require.NoError(t, c.Set(ctx, &domain.PublicKeyRecord{Owner: "alice", PublicKey: "old", RegisteredAt: at.Add(-time.Second)}))

	got, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "new", got.PublicKey)
}
