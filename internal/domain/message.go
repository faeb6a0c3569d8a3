package domain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HybridEnvelope is the end-to-end encrypted payload produced by a sender.
// CipherPayload is nonce || AES-256-GCM ciphertext+tag.
// WrappedSymmetricKey is the RSA-OAEP(SHA-256) wrapped AES key.
type HybridEnvelope struct {
	CipherPayload       []byte `json:"cipherPayload"`
	WrappedSymmetricKey []byte `json:"wrappedSymmetricKey"`
}

var errShortEnvelope = errors.New("packed envelope is truncated")

// Pack serializes the envelope as len(payload) || payload || wrappedKey.
// This is the blob handed to envelope encryption before storage.
func (e HybridEnvelope) Pack() []byte {
	out := make([]byte, 4+len(e.CipherPayload)+len(e.WrappedSymmetricKey))
	binary.BigEndian.PutUint32(out, uint32(len(e.CipherPayload)))
	n := copy(out[4:], e.CipherPayload)
	copy(out[4+n:], e.WrappedSymmetricKey)
	return out
}

// UnpackEnvelope is the inverse of Pack
func UnpackEnvelope(b []byte) (HybridEnvelope, error) {
	if len(b) < 4 {
		return HybridEnvelope{}, errShortEnvelope
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-4) {
		return HybridEnvelope{}, errShortEnvelope
	}
	payload := append([]byte(nil), b[4:4+n]...)
	key := append([]byte(nil), b[4+n:]...)
	return HybridEnvelope{CipherPayload: payload, WrappedSymmetricKey: key}, nil
}

// Message is one immutable unit of communication between two identities
type Message struct {
	ID        uuid.UUID      `json:"messageId"`
	Sender    Identity       `json:"sender"`
	Recipient Identity       `json:"recipient"`
	Envelope  HybridEnvelope `json:"envelope"`
	CreatedAt time.Time      `json:"createdAt"`
	// StoreOffset is set once the message is persisted; zero when unknown
	StoreOffset int64 `json:"storeOffset,omitempty"`
}

// Validate checks the structural invariants of a message
func (m *Message) Validate() error {
	switch {
	case m.ID == uuid.Nil:
		return fmt.Errorf("messageId is required")
	case m.Sender == "":
		return fmt.Errorf("sender is required")
	case m.Recipient == "":
		return fmt.Errorf("recipient is required")
	case len(m.Envelope.CipherPayload) == 0:
		return fmt.Errorf("cipherPayload is required")
	case len(m.Envelope.WrappedSymmetricKey) == 0:
		return fmt.Errorf("wrappedSymmetricKey is required")
	}
	return nil
}

// StoredMessage is the at-rest form of a message.
// DoubleWrapped holds the packed HybridEnvelope sealed under a data key,
// and WrappedDataKey that data key sealed under the master key.
// Maps to the messages table (CockroachDB) and messages_by_recipient (Cassandra)
type StoredMessage struct {
	ID             uuid.UUID `json:"id" db:"id" cql:"id"`
	Sender         Identity  `json:"sender" db:"sender" cql:"sender"`
	Recipient      Identity  `json:"recipient" db:"recipient" cql:"recipient"`
	DoubleWrapped  []byte    `json:"doubleWrapped" db:"double_wrapped" cql:"double_wrapped"`
	WrappedDataKey []byte    `json:"wrappedDataKey" db:"wrapped_data_key" cql:"wrapped_data_key"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at" cql:"created_at"`
	StoredAt       time.Time `json:"storedAt" db:"stored_at" cql:"stored_at"`
	// Offset is the per-recipient catch-up cursor, strictly increasing per recipient
	Offset int64 `json:"offset" db:"seq" cql:"seq"`
}
