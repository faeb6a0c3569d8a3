package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
)

// appendScript assigns the per-key offset and appends the entry atomically,
// so stream order and offset order never diverge. Returns -1 when full.
var appendScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
if cap > 0 and redis.call('XLEN', KEYS[1]) >= cap then
  return -1
end
local off = redis.call('INCR', KEYS[2])
redis.call('XADD', KEYS[1], '*', 'offset', off, 'key', ARGV[2], 'message', ARGV[3])
return off
`)

// leaseScript takes the partition lease for ARGV[1] or extends it when
// ARGV[1] already holds it. Returns 0 when another consumer holds it.
var leaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
if not cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStreamsOptions configures RedisStreamsQueue
type RedisStreamsOptions struct {
	Options
	// Consumer names this process inside its consumer groups
	Consumer string
	// Block is how long XREADGROUP waits for new entries
	Block time.Duration
	// FullPollInterval is how often a blocked producer re-checks capacity
	FullPollInterval time.Duration
	// LeaseTTL bounds how long a partition stays owned by a consumer that
	// stopped renewing. Holders renew at a third of it.
	LeaseTTL time.Duration
}

// RedisStreamsQueue is a Queue on Redis Streams: one stream per
// (stream, partition) under relay:{stream}:{n}, consumed with XREADGROUP.
// Acknowledged entries are removed, so XLEN measures the backlog.
//
// Within a group each partition is worked by one consumer at a time, the
// holder of relay:{stream}:{n}:lease:{group}. Other consumers of the group
// poll for the lease, so replicas fail over without reordering a partition.
type RedisStreamsQueue struct {
	client *redis.Client
	opts   RedisStreamsOptions

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisStreamsQueue creates a queue on client
func NewRedisStreamsQueue(client *redis.Client, opts RedisStreamsOptions) *RedisStreamsQueue {
	opts.Options = opts.Options.withDefaults()
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		opts.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.FullPollInterval <= 0 {
		opts.FullPollInterval = 50 * time.Millisecond
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 15 * time.Second
	}
	return &RedisStreamsQueue{client: client, opts: opts, done: make(chan struct{})}
}

func streamKey(stream string, partition int) string {
	return fmt.Sprintf("relay:%s:%d", stream, partition)
}

func leaseKey(stream, group string, partition int) string {
	return fmt.Sprintf("relay:%s:%d:lease:%s", stream, partition, group)
}

func offsetKey(stream, key string) string {
	return fmt.Sprintf("relay:%s:offset:%s", stream, key)
}

// Publish appends msg to stream, partitioned by recipient
func (q *RedisStreamsQueue) Publish(ctx context.Context, stream string, msg *domain.Message) (*Entry, error) {
	select {
	case <-q.done:
		return nil, ErrClosed
	default:
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	key := PartitionKey(msg)
	partition := PartitionFor(key, q.opts.Partitions)
	sk := streamKey(stream, partition)

	for {
		off, err := appendScript.Run(ctx, q.client,
			[]string{sk, offsetKey(stream, key)},
			q.opts.Capacity, key, body).Int64()
		if err != nil {
			metrics.RelayPublishedTotal.WithLabelValues(stream, "error").Inc()
			return nil, fmt.Errorf("failed to append to %s: %w", sk, err)
		}

		if off >= 0 {
			metrics.RelayPublishedTotal.WithLabelValues(stream, "ok").Inc()
			return &Entry{
				Stream:       stream,
				Message:      msg,
				PartitionKey: key,
				Partition:    partition,
				Offset:       off,
			}, nil
		}

		if q.opts.Overflow == OverflowReject {
			metrics.RelayPublishedTotal.WithLabelValues(stream, "full").Inc()
			return nil, apperrors.QueueFullError(sk)
		}
		if !sleepCtx(ctx, q.opts.FullPollInterval) {
			metrics.RelayPublishedTotal.WithLabelValues(stream, "error").Inc()
			return nil, ctx.Err()
		}
	}
}

// Subscribe consumes the partitions of stream this consumer holds the lease
// for. Entries an earlier holder left pending are delivered first.
func (q *RedisStreamsQueue) Subscribe(ctx context.Context, stream, group string, handler Handler, opts ...SubscribeOption) error {
	cfg := subscribeConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	start := "0"
	if cfg.fromLatest {
		start = "$"
	}

	for p := 0; p < q.opts.Partitions; p++ {
		err := q.client.XGroupCreateMkStream(ctx, streamKey(stream, p), group, start).Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create group %s on %s: %w", group, streamKey(stream, p), err)
		}
	}

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
		zap.String("consumer", q.opts.Consumer),
		zap.Int("partitions", q.opts.Partitions))

	var wg sync.WaitGroup
	errs := make(chan error, q.opts.Partitions)
	for p := 0; p < q.opts.Partitions; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			if err := q.work(ctx, stream, group, p, handler); err != nil {
				errs <- err
				cancel()
			}
		}(p)
	}
	wg.Wait()
	close(errs)

	return <-errs
}

// work competes for the partition lease and consumes the partition while
// holding it, until ctx is done.
func (q *RedisStreamsQueue) work(ctx context.Context, stream, group string, partition int, handler Handler) error {
	lk := leaseKey(stream, group, partition)
	poll := q.opts.LeaseTTL / 3

	for ctx.Err() == nil {
		held, err := q.acquire(ctx, lk)
		if err != nil && ctx.Err() == nil {
			logger.Warn("Relay lease check failed", zap.String("lease", lk), zap.Error(err))
		}
		if !held {
			if !sleepCtx(ctx, poll) {
				return nil
			}
			continue
		}

		logger.Debug("Relay partition acquired",
			zap.String("lease", lk), zap.String("consumer", q.opts.Consumer))
		q.own(ctx, stream, group, partition, lk, handler)
	}
	return nil
}

func (q *RedisStreamsQueue) acquire(ctx context.Context, lk string) (bool, error) {
	ok, err := leaseScript.Run(ctx, q.client, []string{lk},
		q.opts.Consumer, q.opts.LeaseTTL.Milliseconds()).Int()
	return ok == 1, err
}

// own consumes the partition until ctx ends or the lease is lost, then
// releases the lease if it is still ours.
func (q *RedisStreamsQueue) own(ctx context.Context, stream, group string, partition int, lk string, handler Handler) {
	leaseCtx, lost := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		ticker := time.NewTicker(q.opts.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				held, err := q.acquire(leaseCtx, lk)
				if held {
					continue
				}
				if leaseCtx.Err() == nil {
					logger.Warn("Relay partition lease lost",
						zap.String("lease", lk), zap.Error(err))
				}
				lost()
				return
			}
		}
	}()

	q.consume(leaseCtx, stream, group, partition, handler)
	lost()
	<-renewed

	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(releaseCtx, q.client, []string{lk}, q.opts.Consumer).Err(); err != nil {
		logger.Warn("Failed to release relay lease", zap.String("lease", lk), zap.Error(err))
	}
}

// consume delivers the partition in stream order. Every pass first claims
// entries a previous holder read but never acknowledged, then works this
// consumer's pending list from the start, and only reads new entries into
// it when that list is empty.
func (q *RedisStreamsQueue) consume(ctx context.Context, stream, group string, partition int, handler Handler) {
	sk := streamKey(stream, partition)
	for ctx.Err() == nil {
		if err := q.claim(ctx, sk, group); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Relay claim failed", zap.String("stream", sk), zap.Error(err))
			if !sleepCtx(ctx, q.opts.RetryBackoff) {
				return
			}
			continue
		}

		msgs, err := q.read(ctx, sk, group, "0", -1)
		if err == nil && len(msgs) == 0 {
			// new entries join the pending list and are handled next pass
			_, err = q.read(ctx, sk, group, ">", q.opts.Block)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Relay read failed", zap.String("stream", sk), zap.Error(err))
			if !sleepCtx(ctx, q.opts.RetryBackoff) {
				return
			}
			continue
		}

		for _, m := range msgs {
			if ctx.Err() != nil {
				return
			}
			entry, err := decodeEntry(stream, partition, m)
			if err != nil {
				logger.Error("Dropping undecodable relay entry",
					zap.String("stream", sk), zap.String("id", m.ID), zap.Error(err))
				q.ack(ctx, sk, group, m.ID)
				continue
			}
			if !q.deliver(ctx, entry, handler) {
				return
			}
			q.ack(ctx, sk, group, m.ID)
		}
	}
}

// claim moves every pending entry of the group to this consumer
func (q *RedisStreamsQueue) claim(ctx context.Context, sk, group string) error {
	start := "0-0"
	for {
		ids, next, err := q.client.XAutoClaimJustID(ctx, &redis.XAutoClaimArgs{
			Stream:   sk,
			Group:    group,
			Consumer: q.opts.Consumer,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			logger.Debug("Claimed pending relay entries",
				zap.String("stream", sk), zap.Int("count", len(ids)))
		}
		if next == "0-0" || next == "" {
			return nil
		}
		start = next
	}
}

func (q *RedisStreamsQueue) read(ctx context.Context, sk, group, cursor string, block time.Duration) ([]redis.XMessage, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: q.opts.Consumer,
		Streams:  []string{sk, cursor},
		Count:    16,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []redis.XMessage
	for _, s := range res {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (q *RedisStreamsQueue) deliver(ctx context.Context, entry *Entry, handler Handler) bool {
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

func (q *RedisStreamsQueue) ack(ctx context.Context, sk, group, id string) {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, sk, group, id)
	pipe.XDel(ctx, sk, id)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("Failed to acknowledge relay entry",
			zap.String("stream", sk), zap.String("id", id), zap.Error(err))
	}
}

func decodeEntry(stream string, partition int, m redis.XMessage) (*Entry, error) {
	body, _ := m.Values["message"].(string)
	var msg domain.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	offStr, _ := m.Values["offset"].(string)
	off, err := strconv.ParseInt(offStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid offset %q: %w", offStr, err)
	}
	key, _ := m.Values["key"].(string)

	return &Entry{
		Stream:       stream,
		Message:      &msg,
		PartitionKey: key,
		Partition:    partition,
		Offset:       off,
		id:           m.ID,
	}, nil
}

// Close stops running subscriptions. The Redis client is owned by the caller.
func (q *RedisStreamsQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
