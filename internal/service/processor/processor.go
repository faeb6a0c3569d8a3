// Package processor moves messages from the inbound stream to durable
// storage and on to the outbound stream.
package processor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/burhanwani/WhatsAppSimulator/internal/deadletter"
	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/internal/relay"
	"github.com/burhanwani/WhatsAppSimulator/internal/store"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
	"github.com/burhanwani/WhatsAppSimulator/pkg/resilience"
)

// DefaultGroup is the consumer group processors share on the inbound stream
const DefaultGroup = "processor"

// Wrapper applies at-rest envelope encryption
type Wrapper interface {
	WrapForStorage(ctx context.Context, blob []byte) (wrappedBlob, wrappedDataKey []byte, err error)
}

// Config tunes the processor
type Config struct {
	Group   string
	Backoff resilience.Backoff
}

// Processor consumes the inbound stream
type Processor struct {
	wrapper Wrapper
	store   store.MessageStore
	queue   relay.Queue
	sink    deadletter.Sink
	cfg     Config
	now     func() time.Time
}

// New creates a Processor
func New(wrapper Wrapper, messages store.MessageStore, queue relay.Queue, sink deadletter.Sink, cfg Config) *Processor {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = resilience.DefaultBackoff()
	}
	return &Processor{
		wrapper: wrapper,
		store:   messages,
		queue:   queue,
		sink:    sink,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run consumes the inbound stream until ctx is done
func (p *Processor) Run(ctx context.Context) error {
	logger.Info("Processor subscribing",
		zap.String("stream", relay.StreamInbound),
		zap.String("group", p.cfg.Group))
	return p.queue.Subscribe(ctx, relay.StreamInbound, p.cfg.Group, p.Handle)
}

// Handle processes one inbound entry. A returned error makes the relay
// redeliver the entry; dead-lettered entries are acknowledged.
func (p *Processor) Handle(ctx context.Context, entry *relay.Entry) error {
	err := p.process(ctx, entry.Message)
	switch {
	case err == nil:
		metrics.ProcessorMessagesTotal.WithLabelValues("stored").Inc()
		return nil
	case errors.Is(err, apperrors.ErrDeadLettered):
		metrics.ProcessorMessagesTotal.WithLabelValues("dead_lettered").Inc()
		return nil
	default:
		metrics.ProcessorMessagesTotal.WithLabelValues("retry").Inc()
		logger.Warn("Processing failed, entry will be redelivered",
			zap.String("message_id", entry.Message.ID.String()),
			zap.Int("partition", entry.Partition),
			zap.Error(err))
		return err
	}
}

func (p *Processor) process(ctx context.Context, msg *domain.Message) error {
	if err := msg.Validate(); err != nil {
		return p.deadLetter(ctx, msg, "invalid message: "+err.Error(), 0)
	}

	var wrappedBlob, wrappedKey []byte
	start := time.Now()
	attempts, err := resilience.Retry(ctx, p.cfg.Backoff, "wrap_for_storage", func(ctx context.Context) error {
		var err error
		wrappedBlob, wrappedKey, err = p.wrapper.WrapForStorage(ctx, msg.Envelope.Pack())
		return err
	})
	metrics.ObserveStep("wrap", start)
	if attempts > 1 {
		metrics.ProcessorWrapRetriesTotal.Add(float64(attempts - 1))
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.deadLetter(ctx, msg, err.Error(), attempts)
	}

	stored := &domain.StoredMessage{
		ID:             msg.ID,
		Sender:         msg.Sender,
		Recipient:      msg.Recipient,
		DoubleWrapped:  wrappedBlob,
		WrappedDataKey: wrappedKey,
		CreatedAt:      msg.CreatedAt,
		StoredAt:       p.now().UTC(),
	}

	start = time.Now()
	err = p.store.Append(ctx, stored)
	metrics.ObserveStep("append", start)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrDuplicateID):
		logger.Debug("Message already stored", zap.String("message_id", msg.ID.String()))
	default:
		return err
	}

	out := *msg
	out.StoreOffset = stored.Offset

	start = time.Now()
	_, err = p.queue.Publish(ctx, relay.StreamOutbound, &out)
	metrics.ObserveStep("publish", start)
	return err
}

func (p *Processor) deadLetter(ctx context.Context, msg *domain.Message, reason string, attempts int) error {
	rec := deadletter.NewRecord(msg, reason, attempts, p.now())
	if err := p.sink.Write(ctx, rec); err != nil {
		return err
	}

	logger.Error("Message dead-lettered",
		zap.String("message_id", msg.ID.String()),
		zap.String("recipient", string(msg.Recipient)),
		zap.Int("attempts", attempts),
		zap.String("reason", reason))
	return apperrors.DeadLetteredError(msg.ID.String(), errors.New(reason))
}
