// ============================================================================
// In-process message bus
// ============================================================================
//
// Package: internal/bus
// File: bus.go
// Purpose: at-least-once transport between the coordinator and workers
//
// Routes:
//   coordinator role     → inbox partition hash(process id) % Partitions
//                          (unbounded, one consumer per partition)
//   work-processor role  → work queue (consumed by the worker pool)
//
// Flow control:
//   a weighted semaphore caps the number of work orders handed to workers
//   and not yet settled. Sends never block so the coordinator can always
//   enqueue a full batch while holding a process lock.
//
// Redelivery:
//   an abandoned delivery is queued again until MaxDeliveries is reached,
//   after which it is dropped and logged. DuplicateRate re-enqueues
//   messages to exercise idempotent handling.
//
// Ordering:
//   all messages of one process land in the same partition, so a single
//   consumer sees them in send order.
// ============================================================================

package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/batch-saga/internal/metrics"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// Defaults
const (
	DefaultMaxInFlight   = 100
	DefaultMaxDeliveries = 3
)

var (
	// ErrClosed is returned once the bus or a queue is closed.
	ErrClosed = errors.New("bus: closed")
	// ErrUnknownRole is returned for messages addressed to an unknown role.
	ErrUnknownRole = errors.New("bus: unknown role")
	// ErrUnexpectedMessage is returned when a role receives a message it cannot take.
	ErrUnexpectedMessage = errors.New("bus: unexpected message for role")
	// ErrUnknownDelivery is returned when settling a tag that is not in flight.
	ErrUnknownDelivery = errors.New("bus: unknown delivery")
	// ErrUnknownPartition is returned by Receive for a partition out of range.
	ErrUnknownPartition = errors.New("bus: unknown inbox partition")
)

// Options configures a Bus.
type Options struct {
	MaxInFlight   int     // Work orders handed out and not settled
	MaxDeliveries int     // Hand-outs per work order before it is dropped
	DuplicateRate float64 // Probability in [0,1] of delivering a message twice
	Seed          uint64  // Seed of the duplicate injector
	Partitions    int     // Coordinator inbox partitions, one consumer each
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Inbox    int `json:"inbox"`
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Dropped  int `json:"dropped"`
}

type queued struct {
	order   types.ProcessWorkOrder
	attempt int
}

// Bus is the in-process transport of a node.
type Bus struct {
	inbox []*Queue[types.Message]
	work  *Queue[queued]
	sem   *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[uint64]types.Delivery
	rng      *rand.Rand

	nextTag atomic.Uint64
	dropped atomic.Int64

	maxDeliveries int
	duplicateRate float64
	logger        zerolog.Logger
	metrics       *metrics.Collector
}

// New creates a bus. collector may be nil.
func New(opts Options, logger zerolog.Logger, collector *metrics.Collector) *Bus {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = DefaultMaxDeliveries
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}

	inbox := make([]*Queue[types.Message], opts.Partitions)
	for i := range inbox {
		inbox[i] = NewQueue[types.Message]()
	}

	return &Bus{
		inbox:         inbox,
		work:          NewQueue[queued](),
		sem:           semaphore.NewWeighted(int64(opts.MaxInFlight)),
		inFlight:      make(map[uint64]types.Delivery),
		rng:           rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		maxDeliveries: opts.MaxDeliveries,
		duplicateRate: opts.DuplicateRate,
		logger:        logger.With().Str("component", "bus").Logger(),
		metrics:       collector,
	}
}

// Send routes msg to the queue of role to. It never blocks.
func (b *Bus) Send(_ context.Context, to types.Role, msg types.Message) error {
	switch to {
	case types.RoleCoordinator:
		switch msg.(type) {
		case types.StartProcessing, types.WorkOrderCompleted, types.WorkAllDone:
		default:
			return fmt.Errorf("%w: %s to %s", ErrUnexpectedMessage, msg.Kind(), to)
		}
		return b.pushInbox(msg)

	case types.RoleWorkProcessor:
		order, ok := msg.(types.ProcessWorkOrder)
		if !ok {
			return fmt.Errorf("%w: %s to %s", ErrUnexpectedMessage, msg.Kind(), to)
		}
		copies := b.copies()
		for i := 0; i < copies; i++ {
			if err := b.work.Push(queued{order: order, attempt: 1}); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownRole, to)
	}
}

// Receive returns the next message of inbox partition p.
func (b *Bus) Receive(ctx context.Context, p int) (types.Message, error) {
	if p < 0 || p >= len(b.inbox) {
		return nil, fmt.Errorf("%w: %d of %d", ErrUnknownPartition, p, len(b.inbox))
	}
	return b.inbox[p].Pop(ctx)
}

// Partitions returns the number of inbox partitions.
func (b *Bus) Partitions() int {
	return len(b.inbox)
}

// Partition returns the inbox partition of process id.
func (b *Bus) Partition(id types.ProcessID) int {
	return int(xxhash.Sum64String(string(id)) % uint64(len(b.inbox)))
}

// Poll hands the next work order to a worker. It waits for a free
// in-flight slot and then for a queued order.
func (b *Bus) Poll(ctx context.Context) (types.Delivery, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return types.Delivery{}, err
	}

	q, err := b.work.Pop(ctx)
	if err != nil {
		b.sem.Release(1)
		return types.Delivery{}, err
	}

	d := types.Delivery{
		Tag:     b.nextTag.Add(1),
		Order:   q.order,
		Attempt: q.attempt,
	}

	b.mu.Lock()
	b.inFlight[d.Tag] = d
	n := len(b.inFlight)
	b.mu.Unlock()
	b.metrics.SetInFlight(n)

	return d, nil
}

// Complete settles a delivery and reports the work order as done to the
// coordinator.
func (b *Bus) Complete(_ context.Context, tag uint64) error {
	d, err := b.settle(tag)
	if err != nil {
		return err
	}

	b.logger.Debug().
		Str("process_id", string(d.Order.ProcessID)).
		Int("work_order", d.Order.WorkOrder).
		Int("attempt", d.Attempt).
		Msg("work order completed")

	return b.pushInbox(types.WorkOrderCompleted{ProcessID: d.Order.ProcessID, WorkOrderNo: d.Order.WorkOrder})
}

// Abandon settles a delivery the worker could not finish and queues it
// again, or drops it once MaxDeliveries hand-outs have failed.
func (b *Bus) Abandon(_ context.Context, tag uint64, cause error) error {
	d, err := b.settle(tag)
	if err != nil {
		return err
	}

	if d.Attempt >= b.maxDeliveries {
		b.dropped.Add(1)
		b.metrics.RecordWorkOrderFailed()
		b.logger.Error().Err(cause).
			Str("process_id", string(d.Order.ProcessID)).
			Int("work_order", d.Order.WorkOrder).
			Int("attempt", d.Attempt).
			Msg("work order dropped after max deliveries")
		return nil
	}

	b.logger.Warn().Err(cause).
		Str("process_id", string(d.Order.ProcessID)).
		Int("work_order", d.Order.WorkOrder).
		Int("attempt", d.Attempt).
		Msg("work order abandoned, redelivering")
	return b.work.Push(queued{order: d.Order, attempt: d.Attempt + 1})
}

// Stats returns queue depths.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	inFlight := len(b.inFlight)
	b.mu.Unlock()

	inbox := 0
	for _, q := range b.inbox {
		inbox += q.Len()
	}

	return Stats{
		Inbox:    inbox,
		Pending:  b.work.Len(),
		InFlight: inFlight,
		Dropped:  int(b.dropped.Load()),
	}
}

// Close stops accepting messages. Queued messages can still be drained.
func (b *Bus) Close() {
	for _, q := range b.inbox {
		q.Close()
	}
	b.work.Close()
}

func (b *Bus) settle(tag uint64) (types.Delivery, error) {
	b.mu.Lock()
	d, ok := b.inFlight[tag]
	if ok {
		delete(b.inFlight, tag)
	}
	n := len(b.inFlight)
	b.mu.Unlock()

	if !ok {
		return types.Delivery{}, fmt.Errorf("%w: tag %d", ErrUnknownDelivery, tag)
	}
	b.sem.Release(1)
	b.metrics.SetInFlight(n)
	return d, nil
}

func (b *Bus) pushInbox(msg types.Message) error {
	copies := 1
	if _, ok := msg.(types.WorkOrderCompleted); ok {
		copies = b.copies()
	}
	q := b.inbox[b.Partition(msg.CorrelationID())]
	for i := 0; i < copies; i++ {
		if err := q.Push(msg); err != nil {
			return err
		}
	}
	return nil
}

// copies returns 2 with probability duplicateRate, else 1.
func (b *Bus) copies() int {
	if b.duplicateRate <= 0 {
		return 1
	}
	b.mu.Lock()
	dup := b.rng.Float64() < b.duplicateRate
	b.mu.Unlock()
	if dup {
		return 2
	}
	return 1
}
