package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/internal/repository/memory"
	"github.com/burhanwani/WhatsAppSimulator/internal/store"
)

func TestNextOffset(t *testing.T) {
	now := time.Unix(0, 1_000)

	assert.Equal(t, int64(1_000), store.NextOffset(0, now))
	assert.Equal(t, int64(1_001), store.NextOffset(1_000, now))
	assert.Equal(t, int64(5_001), store.NextOffset(5_000, now))
}

func TestIterator_PagesThroughAll(t *testing.T) {
	repo := memory.NewMessageRepository()
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 7; i++ {
		m := &domain.StoredMessage{ID: uuid.New(), Recipient: "bob", StoredAt: time.Now()}
		require.NoError(t, repo.Append(ctx, m))
		ids = append(ids, m.ID)
	}

	it := store.NewIterator(repo, "bob", 0, 3)
	var got []uuid.UUID
	var last int64
	for it.Next(ctx) {
		m := it.Message()
		assert.Greater(t, m.Offset, last)
		last = m.Offset
		got = append(got, m.ID)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, ids, got)
}

func TestIterator_ResumesAfterOffset(t *testing.T) {
	repo := memory.NewMessageRepository()
	ctx := context.Background()

	var offsets []int64
	for i := 0; i < 4; i++ {
		m := &domain.StoredMessage{ID: uuid.New(), Recipient: "bob", StoredAt: time.Now()}
		require.NoError(t, repo.Append(ctx, m))
		offsets = append(offsets, m.Offset)
	}

	it := store.NewIterator(repo, "bob", offsets[1], 10)
	count := 0
	for it.Next(ctx) {
		count++
	}
	assert.Equal(t, 2, count)
}

type failingStore struct{}

func (failingStore) Append(context.Context, *domain.StoredMessage) error { return nil }
func (failingStore) ListByRecipient(context.Context, domain.Identity, int64, int) ([]*domain.StoredMessage, int64, error) {
	return nil, 0, errors.New("boom")
}

func TestIterator_SurfacesErrors(t *testing.T) {
	it := store.NewIterator(failingStore{}, "bob", 0, 10)
	assert.False(t, it.Next(context.Background()))
	assert.EqualError(t, it.Err(), "boom")
}
