package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/internal/store"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
)

// MessageRepository is the CockroachDB/PostgreSQL message store
type MessageRepository struct {
	db DBTX
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append inserts msg once. The offset is computed in the same statement as
// the larger of stored_at in nanoseconds and the recipient's last offset + 1.
func (r *MessageRepository) Append(ctx context.Context, msg *domain.StoredMessage) error {
	defer metrics.ObserveStore("cockroach", "append", time.Now())

	query := `
		INSERT INTO messages (id, sender, recipient, double_wrapped, wrapped_data_key, created_at, stored_at, seq)
		SELECT $1, $2, $3, $4, $5, $6, $7, GREATEST($8::INT8, COALESCE(MAX(seq), 0) + 1)
		FROM messages WHERE recipient = $3
		ON CONFLICT (id) DO NOTHING
		RETURNING seq
	`

	seed := msg.Offset
	if seed == 0 {
		seed = msg.StoredAt.UnixNano()
	}

	var seq int64
	err := r.db.QueryRow(ctx, query,
		msg.ID,
		string(msg.Sender),
		string(msg.Recipient),
		msg.DoubleWrapped,
		msg.WrappedDataKey,
		msg.CreatedAt,
		msg.StoredAt,
		seed,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.DuplicateIDError(msg.ID.String())
		}
		return apperrors.DatabaseError(fmt.Errorf("failed to append message: %w", err))
	}

	msg.Offset = seq
	return nil
}

// ListByRecipient returns up to limit messages after sinceOffset in offset order
func (r *MessageRepository) ListByRecipient(ctx context.Context, recipient domain.Identity, sinceOffset int64, limit int) ([]*domain.StoredMessage, int64, error) {
	defer metrics.ObserveStore("cockroach", "list", time.Now())

	if limit <= 0 {
		limit = store.DefaultPageSize
	}

	query := `
		SELECT id, sender, recipient, double_wrapped, wrapped_data_key, created_at, stored_at, seq
		FROM messages
		WHERE recipient = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, string(recipient), sinceOffset, limit)
	if err != nil {
		return nil, sinceOffset, apperrors.DatabaseError(fmt.Errorf("failed to list messages: %w", err))
	}
	defer rows.Close()

	next := sinceOffset
	var out []*domain.StoredMessage
	for rows.Next() {
		var sender, rcpt string
		m := &domain.StoredMessage{}
		if err := rows.Scan(&m.ID, &sender, &rcpt, &m.DoubleWrapped, &m.WrappedDataKey, &m.CreatedAt, &m.StoredAt, &m.Offset); err != nil {
			return nil, sinceOffset, apperrors.DatabaseError(fmt.Errorf("failed to scan message: %w", err))
		}
		m.Sender = domain.Identity(sender)
		m.Recipient = domain.Identity(rcpt)
		out = append(out, m)
		next = m.Offset
	}
	if err := rows.Err(); err != nil {
		return nil, sinceOffset, apperrors.DatabaseError(fmt.Errorf("failed to iterate messages: %w", err))
	}

	return out, next, nil
}
