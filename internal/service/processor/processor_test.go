package processor

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burhanwani/WhatsAppSimulator/internal/crypto"
	"github.com/burhanwani/WhatsAppSimulator/internal/deadletter"
	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/internal/relay"
	"github.com/burhanwani/WhatsAppSimulator/internal/repository/memory"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
	"github.com/burhanwani/WhatsAppSimulator/pkg/resilience"
)

type fixture struct {
	envelope *crypto.Envelope
	store    *memory.MessageRepository
	queue    *relay.MemoryQueue
	sink     *deadletter.MemorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	master := make([]byte, crypto.MasterKeySize)
	_, err := rand.Read(master)
	require.NoError(t, err)
	provider, err := crypto.NewLocalKeyProvider(master)
	require.NoError(t, err)

	q := relay.NewMemoryQueue(relay.Options{Partitions: 4, Capacity: 64, RetryBackoff: time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })

	return &fixture{
		envelope: crypto.NewEnvelope(provider),
		store:    memory.NewMessageRepository(),
		queue:    q,
		sink:     deadletter.NewMemorySink(),
	}
}

func fastConfig() Config {
	return Config{Backoff: resilience.Backoff{
		Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2, MaxAttempts: 5,
	}}
}

func newMessage(recipient domain.Identity) *domain.Message {
	return &domain.Message{
		ID:        uuid.New(),
		Sender:    "alice",
		Recipient: recipient,
		Envelope: domain.HybridEnvelope{
			CipherPayload:       []byte("nonce-and-ciphertext"),
			WrappedSymmetricKey: []byte("wrapped-key"),
		},
		CreatedAt: time.Now().UTC(),
	}
}

// flakyWrapper fails the first n calls
type flakyWrapper struct {
	inner Wrapper
	mu    sync.Mutex
	fails int
	calls int
}

func (w *flakyWrapper) WrapForStorage(ctx context.Context, blob []byte) ([]byte, []byte, error) {
	w.mu.Lock()
	w.calls++
	fail := w.calls <= w.fails
	w.mu.Unlock()
	if fail {
		return nil, nil, errors.New("kms unavailable")
	}
	return w.inner.WrapForStorage(ctx, blob)
}

type failingStore struct{ *memory.MessageRepository }

func (failingStore) Append(context.Context, *domain.StoredMessage) error {
	return apperrors.DatabaseError(errors.New("connection reset"))
}

// collect subscribes to the outbound stream and returns a channel of entries
func collect(t *testing.T, q relay.Queue) <-chan *relay.Entry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	out := make(chan *relay.Entry, 64)
	go func() {
		_ = q.Subscribe(ctx, relay.StreamOutbound, "test", func(_ context.Context, e *relay.Entry) error {
			out <- e
			return nil
		})
	}()
	return out
}

func receive(t *testing.T, ch <-chan *relay.Entry) *relay.Entry {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound entry")
		return nil
	}
}

func TestProcessor_StoresAndForwards(t *testing.T) {
	f := newFixture(t)
	p := New(f.envelope, f.store, f.queue, f.sink, fastConfig())
	msg := newMessage("bob")

	require.NoError(t, p.Handle(context.Background(), &relay.Entry{Message: msg}))

	rows, _, err := f.store.ListByRecipient(context.Background(), "bob", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, msg.ID, rows[0].ID)
	assert.NotContains(t, string(rows[0].DoubleWrapped), "nonce-and-ciphertext")

	blob, err := f.envelope.UnwrapFromStorage(context.Background(), rows[0].DoubleWrapped, rows[0].WrappedDataKey)
	require.NoError(t, err)
	env, err := domain.UnpackEnvelope(blob)
	require.NoError(t, err)
	assert.Equal(t, msg.Envelope, env)

	out := receive(t, collect(t, f.queue))
	assert.Equal(t, msg.ID, out.Message.ID)
	assert.Equal(t, rows[0].Offset, out.Message.StoreOffset)
}

func TestProcessor_DuplicateIsRepublished(t *testing.T) {
	f := newFixture(t)
	p := New(f.envelope, f.store, f.queue, f.sink, fastConfig())
	msg := newMessage("bob")

	require.NoError(t, p.Handle(context.Background(), &relay.Entry{Message: msg}))
	require.NoError(t, p.Handle(context.Background(), &relay.Entry{Message: msg}))

	assert.Equal(t, 1, f.store.Count())
	out := collect(t, f.queue)
	assert.Equal(t, msg.ID, receive(t, out).Message.ID)
	assert.Equal(t, msg.ID, receive(t, out).Message.ID)
}

func TestProcessor_RetriesWrap(t *testing.T) {
	f := newFixture(t)
	w := &flakyWrapper{inner: f.envelope, fails: 2}
	p := New(w, f.store, f.queue, f.sink, fastConfig())

	require.NoError(t, p.Handle(context.Background(), &relay.Entry{Message: newMessage("bob")}))

	assert.Equal(t, 3, w.calls)
	assert.Equal(t, 1, f.store.Count())
	assert.Empty(t, f.sink.Records())
}

func TestProcessor_DeadLettersAfterRetries(t *testing.T) {
	f := newFixture(t)
	w := &flakyWrapper{inner: f.envelope, fails: 100}
	p := New(w, f.store, f.queue, f.sink, fastConfig())
	msg := newMessage("bob")

	require.NoError(t, p.Handle(context.Background(), &relay.Entry{Message: msg}))

	assert.Equal(t, 5, w.calls)
	assert.Equal(t, 0, f.store.Count())
	recs := f.sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, msg.ID, recs[0].MessageID)
	assert.Equal(t, 5, recs[0].Attempts)
	assert.Contains(t, recs[0].Reason, "kms unavailable")
}

func TestProcessor_DeadLettersInvalidMessage(t *testing.T) {
	f := newFixture(t)
	p := New(f.envelope, f.store, f.queue, f.sink, fastConfig())
	msg := newMessage("bob")
	msg.Envelope.WrappedSymmetricKey = nil

	require.NoError(t, p.Handle(context.Background(), &relay.Entry{Message: msg}))

	assert.Equal(t, 0, f.store.Count())
	require.Len(t, f.sink.Records(), 1)
}

func TestProcessor_StoreErrorIsRedelivered(t *testing.T) {
	f := newFixture(t)
	p := New(f.envelope, failingStore{f.store}, f.queue, f.sink, fastConfig())

	err := p.Handle(context.Background(), &relay.Entry{Message: newMessage("bob")})
	assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.CodeOf(err))
	assert.Empty(t, f.sink.Records())
}

func TestProcessor_RunPreservesRecipientOrder(t *testing.T) {
	f := newFixture(t)
	p := New(f.envelope, f.store, f.queue, f.sink, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	var ids []uuid.UUID
	for i := 0; i < 20; i++ {
		msg := newMessage("bob")
		ids = append(ids, msg.ID)
		_, err := f.queue.Publish(ctx, relay.StreamInbound, msg)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return f.store.Count() == len(ids) }, 2*time.Second, 5*time.Millisecond)

	rows, _, err := f.store.ListByRecipient(ctx, "bob", 0, 100)
	require.NoError(t, err)
	for i, row := range rows {
		assert.Equal(t, ids[i], row.ID)
	}
}
