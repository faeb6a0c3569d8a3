package cockroach

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestKeysRepository_Upsert(t *testing.T) {
	mock := newMock(t)
	repo := NewKeysRepository(mock)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	mock.ExpectExec("INSERT INTO public_keys").
		WithArgs("alice", "pem", fixed).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec, err := repo.Upsert(context.Background(), "alice", "pem")
	require.NoError(t, err)
	assert.Equal(t, domain.Identity("alice"), rec.Owner)
	assert.Equal(t, fixed, rec.RegisteredAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeysRepository_UpsertDatabaseError(t *testing.T) {
	mock := newMock(t)
	repo := NewKeysRepository(mock)

	mock.ExpectExec("INSERT INTO public_keys").
		WithArgs("alice", "pem", pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err := repo.Upsert(context.Background(), "alice", "pem")
	assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.CodeOf(err))
}

func TestKeysRepository_Get(t *testing.T) {
	mock := newMock(t)
	repo := NewKeysRepository(mock)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT user_id, public_key, registered_at FROM public_keys").
		WithArgs("alice").
		WillReturnRows(mock.NewRows([]string{"user_id", "public_key", "registered_at"}).
			AddRow("alice", "pem", now))

	rec, err := repo.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "pem", rec.PublicKey)
	assert.Equal(t, domain.Identity("alice"), rec.Owner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeysRepository_GetNotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewKeysRepository(mock)

	mock.ExpectQuery("SELECT user_id").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMessageRepository_Append(t *testing.T) {
	mock := newMock(t)
	repo := NewMessageRepository(mock)

	storedAt := time.Unix(0, 5_000)
	msg := &domain.StoredMessage{
		ID: uuid.New(), Sender: "alice", Recipient: "bob",
		DoubleWrapped: []byte("dw"), WrappedDataKey: []byte("wk"),
		CreatedAt: storedAt, StoredAt: storedAt,
	}

	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(msg.ID, "alice", "bob", []byte("dw"), []byte("wk"), storedAt, storedAt, int64(5_000)).
		WillReturnRows(mock.NewRows([]string{"seq"}).AddRow(int64(5_000)))

	require.NoError(t, repo.Append(context.Background(), msg))
	assert.Equal(t, int64(5_000), msg.Offset)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_AppendDuplicate(t *testing.T) {
	mock := newMock(t)
	repo := NewMessageRepository(mock)
	msg := &domain.StoredMessage{ID: uuid.New(), Recipient: "bob", StoredAt: time.Now()}

	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(msg.ID, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"seq"}))

	err := repo.Append(context.Background(), msg)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateID)
}

func TestMessageRepository_ListByRecipient(t *testing.T) {
	mock := newMock(t)
	repo := NewMessageRepository(mock)
	now := time.Now().UTC()
	id1, id2 := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT id, sender, recipient").
		WithArgs("bob", int64(10), 2).
		WillReturnRows(mock.NewRows([]string{"id", "sender", "recipient", "double_wrapped", "wrapped_data_key", "created_at", "stored_at", "seq"}).
			AddRow(id1, "alice", "bob", []byte("a"), []byte("k"), now, now, int64(11)).
			AddRow(id2, "alice", "bob", []byte("b"), []byte("k"), now, now, int64(12)))

	rows, next, err := repo.ListByRecipient(context.Background(), "bob", 10, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, id1, rows[0].ID)
	assert.Equal(t, domain.Identity("alice"), rows[1].Sender)
	assert.Equal(t, int64(12), next)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS public_keys").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	assert.NoError(t, Migrate(context.Background(), mock))
}
