package ws

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
)

// Frame types
const (
	FrameMessage = "message"
	FrameAck     = "ack"
	FrameError   = "error"
)

// Frame is one JSON WebSocket frame. Byte fields travel as base64.
// Offset and CreatedAt are filled by the server on delivery.
type Frame struct {
	Type                string     `json:"type,omitempty"`
	MessageID           string     `json:"messageId,omitempty"`
	Sender              string     `json:"sender,omitempty"`
	Recipient           string     `json:"recipient,omitempty"`
	CipherPayload       []byte     `json:"cipherPayload,omitempty"`
	WrappedSymmetricKey []byte     `json:"wrappedSymmetricKey,omitempty"`
	Offset              int64      `json:"offset,omitempty"`
	CreatedAt           *time.Time `json:"createdAt,omitempty"`

	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

var errSenderMismatch = errors.New("sender does not match the authenticated identity")

// toMessage validates an inbound message frame sent by identity
func (f *Frame) toMessage(identity domain.Identity, now time.Time) (*domain.Message, error) {
	id, err := uuid.Parse(strings.TrimSpace(f.MessageID))
	if err != nil {
		return nil, errors.New("messageId must be a UUID")
	}

	sender := domain.Identity(f.Sender)
	if sender == "" {
		sender = identity
	}
	if sender != identity {
		return nil, errSenderMismatch
	}

	msg := &domain.Message{
		ID:        id,
		Sender:    sender,
		Recipient: domain.Identity(f.Recipient),
		Envelope: domain.HybridEnvelope{
			CipherPayload:       f.CipherPayload,
			WrappedSymmetricKey: f.WrappedSymmetricKey,
		},
		CreatedAt: now.UTC(),
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func messageFrame(msg *domain.Message, offset int64) Frame {
	createdAt := msg.CreatedAt
	return Frame{
		Type:                FrameMessage,
		MessageID:           msg.ID.String(),
		Sender:              string(msg.Sender),
		Recipient:           string(msg.Recipient),
		CipherPayload:       msg.Envelope.CipherPayload,
		WrappedSymmetricKey: msg.Envelope.WrappedSymmetricKey,
		Offset:              offset,
		CreatedAt:           &createdAt,
	}
}

func errorFrame(messageID, code string, err error) Frame {
	return Frame{Type: FrameError, MessageID: messageID, Code: code, Error: err.Error()}
}
