// Package memory holds in-process repositories used by tests and by the
// single-binary development setup.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/internal/store"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
)

// MessageRepository is an in-memory store.MessageStore
type MessageRepository struct {
	mu          sync.RWMutex
	byID        map[uuid.UUID]*domain.StoredMessage
	byRecipient map[domain.Identity][]*domain.StoredMessage
}

// NewMessageRepository creates an empty repository
func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		byID:        make(map[uuid.UUID]*domain.StoredMessage),
		byRecipient: make(map[domain.Identity][]*domain.StoredMessage),
	}
}

// Append implements store.MessageStore
func (r *MessageRepository) Append(ctx context.Context, msg *domain.StoredMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[msg.ID]; ok {
		return apperrors.DuplicateIDError(msg.ID.String())
	}

	rows := r.byRecipient[msg.Recipient]
	var last int64
	if len(rows) > 0 {
		last = rows[len(rows)-1].Offset
	}
	if msg.Offset == 0 {
		msg.Offset = store.NextOffset(last, msg.StoredAt)
	}

	cp := *msg
	r.byID[msg.ID] = &cp
	rows = append(rows, &cp)
	if msg.Offset <= last {
		sort.Slice(rows, func(i, j int) bool { return rows[i].Offset < rows[j].Offset })
	}
	r.byRecipient[msg.Recipient] = rows
	return nil
}

// ListByRecipient implements store.MessageStore
func (r *MessageRepository) ListByRecipient(ctx context.Context, recipient domain.Identity, sinceOffset int64, limit int) ([]*domain.StoredMessage, int64, error) {
	if limit <= 0 {
		limit = store.DefaultPageSize
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := r.byRecipient[recipient]
	start := sort.Search(len(rows), func(i int) bool { return rows[i].Offset > sinceOffset })

	out := make([]*domain.StoredMessage, 0, limit)
	next := sinceOffset
	for _, m := range rows[start:] {
		if len(out) == limit {
			break
		}
		cp := *m
		out = append(out, &cp)
		next = m.Offset
	}
	return out, next, nil
}

// Count returns the number of stored messages
func (r *MessageRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
