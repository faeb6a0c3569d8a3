package cassandra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/burhanwani/WhatsAppSimulator/internal/database"
	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/internal/store"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
)

// Schema creates the tables used by MessageRepository.
// messages_by_id guards idempotency with a lightweight transaction,
// messages_by_recipient serves catch-up reads in offset order.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS messages_by_id (
		id uuid PRIMARY KEY,
		recipient text,
		seq bigint
	)`,
	`CREATE TABLE IF NOT EXISTS messages_by_recipient (
		recipient text,
		seq bigint,
		id uuid,
		sender text,
		double_wrapped blob,
		wrapped_data_key blob,
		created_at timestamp,
		stored_at timestamp,
		PRIMARY KEY ((recipient), seq)
	) WITH CLUSTERING ORDER BY (seq ASC)`,
}

// MessageRepository is the Cassandra message store
type MessageRepository struct {
	db *database.CassandraDB
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(db *database.CassandraDB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Migrate applies Schema
func (r *MessageRepository) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if err := r.db.ExecWithContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Append claims msg.ID in messages_by_id with IF NOT EXISTS and then writes
// the recipient row. A claimed id whose recipient row is missing (a crash
// between the two writes) is repaired before DuplicateId is returned.
func (r *MessageRepository) Append(ctx context.Context, msg *domain.StoredMessage) error {
	defer metrics.ObserveStore("cassandra", "append", time.Now())

	if msg.Offset == 0 {
		last, err := r.lastOffset(ctx, msg.Recipient)
		if err != nil {
			return err
		}
		msg.Offset = store.NextOffset(last, msg.StoredAt)
	}

	existing := map[string]interface{}{}
	applied, err := r.db.QueryWithContext(ctx,
		`INSERT INTO messages_by_id (id, recipient, seq) VALUES (?, ?, ?) IF NOT EXISTS`,
		gocql.UUID(msg.ID), string(msg.Recipient), msg.Offset,
	).MapScanCAS(existing)
	if err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to claim message id: %w", err))
	}

	if !applied {
		seq, _ := existing["seq"].(int64)
		if err := r.repair(ctx, msg, seq); err != nil {
			return err
		}
		return apperrors.DuplicateIDError(msg.ID.String())
	}

	return r.insertRecipientRow(ctx, msg, msg.Offset)
}

func (r *MessageRepository) repair(ctx context.Context, msg *domain.StoredMessage, seq int64) error {
	var id gocql.UUID
	err := r.db.QueryWithContext(ctx,
		`SELECT id FROM messages_by_recipient WHERE recipient = ? AND seq = ?`,
		string(msg.Recipient), seq,
	).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gocql.ErrNotFound) {
		return apperrors.DatabaseError(fmt.Errorf("failed to check recipient row: %w", err))
	}

	logger.Warn("Repairing missing recipient row",
		zap.String("message_id", msg.ID.String()),
		zap.Int64("offset", seq))
	msg.Offset = seq
	return r.insertRecipientRow(ctx, msg, seq)
}

func (r *MessageRepository) insertRecipientRow(ctx context.Context, msg *domain.StoredMessage, seq int64) error {
	err := r.db.ExecWithContext(ctx, `
		INSERT INTO messages_by_recipient (
			recipient, seq, id, sender, double_wrapped, wrapped_data_key, created_at, stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(msg.Recipient), seq, gocql.UUID(msg.ID), string(msg.Sender),
		msg.DoubleWrapped, msg.WrappedDataKey, msg.CreatedAt, msg.StoredAt,
	)
	if err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to save message: %w", err))
	}
	return nil
}

func (r *MessageRepository) lastOffset(ctx context.Context, recipient domain.Identity) (int64, error) {
	var seq int64
	err := r.db.QueryWithContext(ctx,
		`SELECT seq FROM messages_by_recipient WHERE recipient = ? ORDER BY seq DESC LIMIT 1`,
		string(recipient),
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return 0, nil
		}
		return 0, apperrors.DatabaseError(fmt.Errorf("failed to read last offset: %w", err))
	}
	return seq, nil
}

// ListByRecipient returns up to limit messages after sinceOffset in offset order
func (r *MessageRepository) ListByRecipient(ctx context.Context, recipient domain.Identity, sinceOffset int64, limit int) ([]*domain.StoredMessage, int64, error) {
	defer metrics.ObserveStore("cassandra", "list", time.Now())

	if limit <= 0 {
		limit = store.DefaultPageSize
	}

	iter := r.db.QueryWithContext(ctx, `
		SELECT recipient, seq, id, sender, double_wrapped, wrapped_data_key, created_at, stored_at
		FROM messages_by_recipient
		WHERE recipient = ? AND seq > ?
		LIMIT ?`,
		string(recipient), sinceOffset, limit,
	).Iter()

	next := sinceOffset
	var out []*domain.StoredMessage
	var (
		rcpt, sender string
		id           gocql.UUID
	)
	for {
		m := &domain.StoredMessage{}
		if !iter.Scan(&rcpt, &m.Offset, &id, &sender, &m.DoubleWrapped, &m.WrappedDataKey, &m.CreatedAt, &m.StoredAt) {
			break
		}
		m.ID = uuid.UUID(id)
		m.Recipient = domain.Identity(rcpt)
		m.Sender = domain.Identity(sender)
		out = append(out, m)
		next = m.Offset
	}

	if err := iter.Close(); err != nil {
		return nil, sinceOffset, apperrors.DatabaseError(fmt.Errorf("failed to list messages: %w", err))
	}

	return out, next, nil
}
