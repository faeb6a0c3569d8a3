package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
)

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("relay: queue closed")

// MemoryQueue is an in-process Queue. Each stream has a fixed number of
// bounded partitions and is consumed by one subscription at a time.
type MemoryQueue struct {
	opts Options

	mu      sync.Mutex
	streams map[string]*memStream
	closed  bool
	done    chan struct{}
}

type memStream struct {
	name       string
	partitions []*memPartition
	subscribed bool
}

type memPartition struct {
	index int
	ch    chan *Entry

	// pubMu serializes offset assignment with enqueueing
	pubMu   sync.Mutex
	offsets map[string]int64

	// pending holds an entry whose handling was interrupted
	mu      sync.Mutex
	pending *Entry
}

// NewMemoryQueue creates an in-process queue
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts.withDefaults(),
		streams: make(map[string]*memStream),
		done:    make(chan struct{}),
	}
}

func (q *MemoryQueue) stream(name string) (*memStream, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	s, ok := q.streams[name]
	if !ok {
		s = &memStream{name: name, partitions: make([]*memPartition, q.opts.Partitions)}
		for i := range s.partitions {
			s.partitions[i] = &memPartition{
				index:   i,
				ch:      make(chan *Entry, q.opts.Capacity),
				offsets: make(map[string]int64),
			}
		}
		q.streams[name] = s
	}
	return s, nil
}

// Publish appends msg to stream, partitioned by recipient
func (q *MemoryQueue) Publish(ctx context.Context, stream string, msg *domain.Message) (*Entry, error) {
	s, err := q.stream(stream)
	if err != nil {
		return nil, err
	}

	key := PartitionKey(msg)
	p := s.partitions[PartitionFor(key, len(s.partitions))]

	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	entry := &Entry{
		Stream:       stream,
		Message:      msg,
		PartitionKey: key,
		Partition:    p.index,
		Offset:       p.offsets[key] + 1,
	}
	entry.id = strconv.FormatInt(entry.Offset, 10)

	if q.opts.Overflow == OverflowReject {
		select {
		case p.ch <- entry:
		default:
			metrics.RelayPublishedTotal.WithLabelValues(stream, "full").Inc()
			return nil, apperrors.QueueFullError(fmt.Sprintf("%s/%d", stream, p.index))
		}
	} else {
		select {
		case p.ch <- entry:
		case <-ctx.Done():
			metrics.RelayPublishedTotal.WithLabelValues(stream, "error").Inc()
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		}
	}

	p.offsets[key] = entry.Offset
	metrics.RelayPublishedTotal.WithLabelValues(stream, "ok").Inc()
	metrics.RelayPartitionDepth.WithLabelValues(stream, strconv.Itoa(p.index)).Set(float64(len(p.ch)))
	return entry, nil
}

// Subscribe starts one worker per partition and blocks until ctx is done.
// The group name only labels logs; a stream accepts one subscription at a time.
func (q *MemoryQueue) Subscribe(ctx context.Context, stream, group string, handler Handler, _ ...SubscribeOption) error {
	s, err := q.stream(stream)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if s.subscribed {
		q.mu.Unlock()
		return fmt.Errorf("relay: stream %s already has a subscriber", stream)
	}
	s.subscribed = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		s.subscribed = false
		q.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("Relay subscription started",
		zap.String("stream", stream),
		zap.String("group", group),
		zap.Int("partitions", len(s.partitions)))

	var wg sync.WaitGroup
	for _, p := range s.partitions {
		wg.Add(1)
		go func(p *memPartition) {
			defer wg.Done()
			q.work(ctx, stream, p, handler)
		}(p)
	}
	wg.Wait()
	return nil
}

func (q *MemoryQueue) work(ctx context.Context, stream string, p *memPartition, handler Handler) {
	label := strconv.Itoa(p.index)
	for {
		p.mu.Lock()
		entry := p.pending
		p.pending = nil
		p.mu.Unlock()

		if entry == nil {
			select {
			case <-ctx.Done():
				return
			case entry = <-p.ch:
				metrics.RelayPartitionDepth.WithLabelValues(stream, label).Set(float64(len(p.ch)))
			}
		}

		if !q.deliver(ctx, entry, handler) {
			p.mu.Lock()
			p.pending = entry
			p.mu.Unlock()
			return
		}
	}
}

// deliver runs handler until it succeeds. It returns false if ctx ended first.
func (q *MemoryQueue) deliver(ctx context.Context, entry *Entry, handler Handler) bool {
	backoff := q.opts.RetryBackoff
	for {
		err := handler(ctx, entry)
		if err == nil {
			metrics.RelayDeliveredTotal.WithLabelValues(entry.Stream, "ack").Inc()
			return true
		}
		metrics.RelayDeliveredTotal.WithLabelValues(entry.Stream, "redeliver").Inc()
		logger.Warn("Relay handler failed, redelivering",
			zap.String("stream", entry.Stream),
			zap.String("message_id", entry.Message.ID.String()),
			zap.Int64("offset", entry.Offset),
			zap.Error(err))

		if !sleepCtx(ctx, backoff) {
			return false
		}
		backoff = nextBackoff(backoff, q.opts.MaxRetryBackoff)
	}
}

// Close stops all subscriptions and rejects further publishes
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
