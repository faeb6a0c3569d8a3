// Package deadletter records messages the processor gave up on.
package deadletter

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
)

// Record is one abandoned message with the reason it was abandoned
type Record struct {
	MessageID uuid.UUID             `json:"messageId"`
	Sender    domain.Identity       `json:"sender"`
	Recipient domain.Identity       `json:"recipient"`
	Reason    string                `json:"reason"`
	Attempts  int                   `json:"attempts"`
	FailedAt  time.Time             `json:"failedAt"`
	Envelope  domain.HybridEnvelope `json:"envelope"`
	CreatedAt time.Time             `json:"createdAt"`
}

// NewRecord builds a Record for msg
func NewRecord(msg *domain.Message, reason string, attempts int, failedAt time.Time) *Record {
	return &Record{
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Reason:    reason,
		Attempts:  attempts,
		FailedAt:  failedAt.UTC(),
		Envelope:  msg.Envelope,
		CreatedAt: msg.CreatedAt,
	}
}

// ObjectKey is the storage key of r: deadletter/{recipient}/{messageId}.json
func (r *Record) ObjectKey() string {
	return "deadletter/" + url.PathEscape(string(r.Recipient)) + "/" + r.MessageID.String() + ".json"
}

// Marshal encodes r as JSON
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Sink persists dead-letter records
type Sink interface {
	Write(ctx context.Context, rec *Record) error
}

// MemorySink keeps records in memory, keyed by ObjectKey
type MemorySink struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string
}

// NewMemorySink creates an empty MemorySink
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]*Record)}
}

// Write stores rec. Writing the same message twice replaces the record.
func (s *MemorySink) Write(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.ObjectKey()
	if _, ok := s.records[key]; !ok {
		s.order = append(s.order, key)
	}
	cp := *rec
	s.records[key] = &cp
	return nil
}

// Records returns stored records in first-write order
func (s *MemorySink) Records() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.records[k])
	}
	return out
}
