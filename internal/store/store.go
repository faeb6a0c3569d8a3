// Package store defines the durable message store and cursor contracts
// shared by the processor and the gateway.
package store

import (
	"context"
	"time"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
)

// DefaultPageSize bounds a single ListByRecipient call when the caller passes no limit
const DefaultPageSize = 100

// MessageStore persists envelope-encrypted messages
type MessageStore interface {
	// Append stores msg. If msg.Offset is zero the store assigns the next
	// offset for the recipient. Returns DuplicateId if msg.ID already exists.
	Append(ctx context.Context, msg *domain.StoredMessage) error
	// ListByRecipient returns up to limit messages with Offset > sinceOffset in
	// offset order, and the offset to resume from.
	ListByRecipient(ctx context.Context, recipient domain.Identity, sinceOffset int64, limit int) ([]*domain.StoredMessage, int64, error)
}

// CursorStore remembers the last offset each identity acknowledged
type CursorStore interface {
	Get(ctx context.Context, identity domain.Identity) (int64, error)
	// Advance moves the cursor forward; smaller offsets are ignored
	Advance(ctx context.Context, identity domain.Identity, offset int64) error
}

// PresenceStore records which gateway instance holds each identity's session
type PresenceStore interface {
	// Set claims identity for instance until the entry expires or is refreshed
	Set(ctx context.Context, identity domain.Identity, instance string) error
	// Get returns the instance holding identity, "" when it is offline
	Get(ctx context.Context, identity domain.Identity) (string, error)
	// Remove clears the entry if instance still holds it
	Remove(ctx context.Context, identity domain.Identity, instance string) error
}

// NextOffset returns the offset to assign after last for a message stored at
// storedAt: its unix nanoseconds, bumped past last when the clock lags.
func NextOffset(last int64, storedAt time.Time) int64 {
	off := storedAt.UnixNano()
	if off <= last {
		off = last + 1
	}
	return off
}

// Iterator pages lazily through a recipient's stored messages
type Iterator struct {
	store     MessageStore
	recipient domain.Identity
	pageSize  int

	offset  int64
	page    []*domain.StoredMessage
	current *domain.StoredMessage
	done    bool
	err     error
}

// NewIterator starts after sinceOffset
func NewIterator(s MessageStore, recipient domain.Identity, sinceOffset int64, pageSize int) *Iterator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Iterator{store: s, recipient: recipient, pageSize: pageSize, offset: sinceOffset}
}

// Next advances to the next message, fetching a new page when needed
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if len(it.page) == 0 {
		if it.done {
			return false
		}
		page, next, err := it.store.ListByRecipient(ctx, it.recipient, it.offset, it.pageSize)
		if err != nil {
			it.err = err
			return false
		}
		if len(page) < it.pageSize {
			it.done = true
		}
		if len(page) == 0 {
			return false
		}
		it.page = page
		it.offset = next
	}

	it.current = it.page[0]
	it.page = it.page[1:]
	return true
}

// Message returns the message Next moved to
func (it *Iterator) Message() *domain.StoredMessage { return it.current }

// Err returns the first error hit while paging
func (it *Iterator) Err() error { return it.err }
