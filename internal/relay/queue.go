// Package relay decouples message ingress from egress with an ordered,
// partitioned, at-least-once queue.
package relay

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
)

// Stream names
const (
	StreamInbound  = "inbound"
	StreamOutbound = "outbound"
)

// OverflowPolicy decides what Publish does when a partition is at capacity
type OverflowPolicy int

const (
	// OverflowBlock makes the producer wait until space frees up or ctx ends
	OverflowBlock OverflowPolicy = iota
	// OverflowReject fails the publish with QueueFull
	OverflowReject
)

// ParseOverflowPolicy maps "reject" to OverflowReject and anything else to OverflowBlock
func ParseOverflowPolicy(s string) OverflowPolicy {
	if s == "reject" {
		return OverflowReject
	}
	return OverflowBlock
}

func (p OverflowPolicy) String() string {
	if p == OverflowReject {
		return "reject"
	}
	return "block"
}

// Entry is a message positioned in a stream
type Entry struct {
	Stream       string
	Message      *domain.Message
	PartitionKey string
	Partition    int
	// Offset increases monotonically per partition key per stream
	Offset int64

	// backend specific id used for acknowledgement
	id string
}

// Handler processes one entry. Returning an error redelivers the same entry
// before any later entry of its partition.
type Handler func(ctx context.Context, entry *Entry) error

// Queue is an ordered relay. Ordering holds per partition key only.
type Queue interface {
	Publish(ctx context.Context, stream string, msg *domain.Message) (*Entry, error)
	// Subscribe consumes stream as part of group and blocks until ctx is done
	Subscribe(ctx context.Context, stream, group string, handler Handler, opts ...SubscribeOption) error
	Close() error
}

// Options configures a Queue implementation
type Options struct {
	Partitions int
	// Capacity is the maximum number of buffered entries per partition
	Capacity        int
	Overflow        OverflowPolicy
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultOptions returns the defaults used by the services
func DefaultOptions() Options {
	return Options{
		Partitions:      16,
		Capacity:        1024,
		Overflow:        OverflowBlock,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Partitions <= 0 {
		o.Partitions = d.Partitions
	}
	if o.Capacity <= 0 {
		o.Capacity = d.Capacity
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = d.RetryBackoff
	}
	if o.MaxRetryBackoff <= 0 {
		o.MaxRetryBackoff = d.MaxRetryBackoff
	}
	return o
}

type subscribeConfig struct {
	fromLatest bool
}

// SubscribeOption tunes a single subscription
type SubscribeOption func(*subscribeConfig)

// FromLatest makes a group that does not exist yet start at the tail of the
// stream instead of its beginning.
func FromLatest() SubscribeOption {
	return func(c *subscribeConfig) { c.fromLatest = true }
}

// PartitionKey returns the partition key of msg. Both streams partition by recipient.
func PartitionKey(msg *domain.Message) string {
	return string(msg.Recipient)
}

// PartitionFor maps key onto one of n partitions with FNV-1a
func PartitionFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// nextBackoff doubles d up to limit
func nextBackoff(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
