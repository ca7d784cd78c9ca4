// ============================================================================
// Work Distribution Coordinator
// ============================================================================
//
// Package: internal/saga
// File: coordinator.go
// Purpose: drive one batch job per process id from StartProcessing to
//          WorkAllDone, dispatching work orders one batch at a time
//
// State machine:
//
//   Idle ──StartProcessing──▶ Dispatching ──batch sent──▶ AwaitingBatch
//                                  ▲                           │
//                                  └──── batch complete ───────┤
//                                                              │
//                             Completed ◀──── all complete ────┘
//
// Event handling:
//   every inbound event runs load → apply → save → send under a lock on
//   its process id. Messages produced by a transition are held in an
//   outbox and only sent after the new state has been saved.
//
// Delivery:
//   transports are at-least-once. Duplicate or reordered completions are
//   absorbed by the progress tracker; a process emits WorkAllDone once.
// ============================================================================

package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/batch-saga/internal/metrics"
	"github.com/ChuLiYu/batch-saga/internal/partition"
	"github.com/ChuLiYu/batch-saga/internal/process"
	"github.com/ChuLiYu/batch-saga/internal/storage/wal"
	"github.com/ChuLiYu/batch-saga/internal/store"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

var (
	// ErrInvalidStart is returned for a StartProcessing that fails validation.
	ErrInvalidStart = errors.New("saga: invalid start request")
	// ErrInvariantViolation is returned when a transition would re-dispatch
	// completed work. The process is left unsaved.
	ErrInvariantViolation = errors.New("saga: invariant violation")
	// ErrUnsupportedMessage is returned by Handle for outbound-only messages.
	ErrUnsupportedMessage = errors.New("saga: unsupported inbound message")
)

// Sender delivers outbound messages to a logical role.
type Sender interface {
	Send(ctx context.Context, to types.Role, msg types.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to types.Role, msg types.Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, to types.Role, msg types.Message) error {
	return f(ctx, to, msg)
}

// Journal records accepted inbound events before they are applied.
type Journal interface {
	Append(event wal.Event, forceFlush bool) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBatchSize sets the number of work orders per batch.
func WithBatchSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithJournal appends accepted events to j.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator is the saga runtime shared by all processes of a node.
type Coordinator struct {
	store     store.Store
	sender    Sender
	journal   Journal
	logger    zerolog.Logger
	metrics   *metrics.Collector
	batchSize int
	now       func() time.Time
	locks     *KeyedMutex
}

// NewCoordinator creates a coordinator over st that sends through sender.
// collector may be nil.
func NewCoordinator(st store.Store, sender Sender, logger zerolog.Logger, collector *metrics.Collector, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     st,
		sender:    sender,
		logger:    logger.With().Str("component", "saga").Logger(),
		metrics:   collector,
		batchSize: partition.DefaultBatchSize,
		now:       time.Now,
		locks:     NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BatchSize returns the configured batch size.
func (c *Coordinator) BatchSize() int {
	return c.batchSize
}

// Handle routes an inbound message to its handler.
func (c *Coordinator) Handle(ctx context.Context, msg types.Message) error {
	switch m := msg.(type) {
	case types.StartProcessing:
		return c.HandleStart(ctx, m)
	case types.WorkOrderCompleted:
		return c.HandleWorkOrderCompleted(ctx, m)
	case types.WorkAllDone:
		return c.HandleWorkAllDone(ctx, m)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
	}
}

// HandleStart creates the process and dispatches its first batch.
// A start for an id that already exists, archived or not, is discarded.
func (c *Coordinator) HandleStart(ctx context.Context, m types.StartProcessing) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStart, err)
	}

	unlock := c.locks.Lock(string(m.ProcessID))
	defer unlock()

	existing, err := c.store.Load(ctx, m.ProcessID)
	switch {
	case err == nil:
		ev := c.logger.Info()
		if existing.TotalWorkCount != m.WorkCount {
			ev = c.logger.Warn().Int("stored_work_count", existing.TotalWorkCount)
		}
		ev.Str("process_id", string(m.ProcessID)).
			Int("work_count", m.WorkCount).
			Str("state", existing.State.String()).
			Msg("duplicate start discarded")
		c.metrics.RecordDiscarded(metrics.ReasonDuplicateStart)
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("saga: load %s: %w", m.ProcessID, err)
	}

	p, err := process.New(m.ProcessID, m.WorkCount, c.now())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStart, err)
	}
	if err := c.record(m); err != nil {
		return err
	}

	tx := &transition{p: p, started: true}
	c.logger.Info().
		Str("process_id", string(p.ID)).
		Int("work_count", p.TotalWorkCount).
		Int("batch_size", c.batchSize).
		Msg("process started")

	if err := c.dispatch(tx); err != nil {
		return err
	}
	return c.commit(ctx, tx)
}

// HandleWorkOrderCompleted records a finished work item and advances the
// process when its batch, or the whole job, is done.
func (c *Coordinator) HandleWorkOrderCompleted(ctx context.Context, m types.WorkOrderCompleted) error {
	unlock := c.locks.Lock(string(m.ProcessID))
	defer unlock()

	p, err := c.store.Load(ctx, m.ProcessID)
	if errors.Is(err, store.ErrNotFound) {
		c.discard(metrics.ReasonUnknownProcess, m.ProcessID, m.WorkOrderNo, "completion for unknown process discarded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("saga: load %s: %w", m.ProcessID, err)
	}

	n := m.WorkOrderNo
	switch {
	case p.State.IsTerminal():
		c.logger.Debug().Str("process_id", string(p.ID)).Int("work_order", n).Msg("completion after finish discarded")
		c.metrics.RecordDiscarded(metrics.ReasonAlreadyFinished)
		return nil
	case !p.InRange(n):
		c.discard(metrics.ReasonOutOfRange, p.ID, n, "out-of-range completion discarded")
		return nil
	case n > p.Progress.DispatchedThrough():
		c.discard(metrics.ReasonNotDispatched, p.ID, n, "completion for undispatched work order discarded")
		return nil
	case p.Progress.IsComplete(n):
		c.logger.Debug().Str("process_id", string(p.ID)).Int("work_order", n).Msg("duplicate completion ignored")
		c.metrics.RecordDiscarded(metrics.ReasonDuplicate)
		return nil
	}

	if err := c.record(m); err != nil {
		return err
	}
	p.Progress.MarkComplete(n)

	tx := &transition{p: p, completions: 1}
	switch {
	case p.Progress.IsAllComplete(p.TotalWorkCount):
		c.complete(tx)
	case p.Progress.IsCurrentBatchComplete():
		if err := c.dispatch(tx); err != nil {
			return err
		}
	}
	return c.commit(ctx, tx)
}

// HandleWorkAllDone archives a completed process. The archived record is
// kept so later events for the id are still recognised.
func (c *Coordinator) HandleWorkAllDone(ctx context.Context, m types.WorkAllDone) error {
	unlock := c.locks.Lock(string(m.ProcessID))
	defer unlock()

	p, err := c.store.Load(ctx, m.ProcessID)
	if errors.Is(err, store.ErrNotFound) {
		c.discard(metrics.ReasonUnknownProcess, m.ProcessID, 0, "all-done for unknown process discarded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("saga: load %s: %w", m.ProcessID, err)
	}

	if p.State != process.StateCompleted {
		c.logger.Warn().Str("process_id", string(p.ID)).Str("state", p.State.String()).Msg("all-done before completion discarded")
		c.metrics.RecordDiscarded(metrics.ReasonNotCompleted)
		return nil
	}
	if p.IsArchived() {
		c.logger.Debug().Str("process_id", string(p.ID)).Msg("duplicate all-done ignored")
		c.metrics.RecordDiscarded(metrics.ReasonDuplicate)
		return nil
	}

	if err := c.record(m); err != nil {
		return err
	}
	p.Archive(c.now())
	if err := c.store.Save(ctx, p); err != nil {
		return fmt.Errorf("saga: save %s: %w", p.ID, err)
	}

	elapsed := p.Elapsed(c.now())
	c.metrics.RecordProcessArchived(elapsed)
	c.logger.Info().
		Str("process_id", string(p.ID)).
		Int("total", p.TotalWorkCount).
		Dur("elapsed", elapsed).
		Msg("process finished")
	return nil
}

// Redispatch re-sends whatever a process is waiting on: the pending work
// orders of its current batch, or WorkAllDone for a completed process that
// has not been archived. It returns the number of messages sent.
func (c *Coordinator) Redispatch(ctx context.Context, id types.ProcessID) (int, error) {
	unlock := c.locks.Lock(string(id))
	defer unlock()

	p, err := c.store.Load(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("saga: load %s: %w", id, err)
	}

	tx := &transition{p: p}
	switch {
	case p.IsArchived():
		return 0, nil
	case p.State == process.StateCompleted:
		tx.send(types.RoleCoordinator, types.WorkAllDone{ProcessID: p.ID})
		return len(tx.outbox), c.flush(ctx, tx)
	case p.State == process.StateDispatching || p.Progress.IsCurrentBatchComplete():
		if err := c.dispatch(tx); err != nil {
			return 0, err
		}
		return len(tx.outbox), c.commit(ctx, tx)
	default:
		for _, n := range p.Progress.PendingInBatch() {
			tx.send(types.RoleWorkProcessor, types.ProcessWorkOrder{ProcessID: p.ID, WorkOrder: n})
		}
		c.metrics.RecordRedispatch(len(tx.outbox))
		return len(tx.outbox), c.flush(ctx, tx)
	}
}

// Recover re-dispatches every stored process that is not archived.
// It returns the number of processes touched.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	start := time.Now()

	all, err := c.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("saga: list processes: %w", err)
	}

	var (
		touched int
		active  int
		errs    []error
	)
	for _, p := range all {
		if p.IsArchived() {
			continue
		}
		if !p.State.IsTerminal() {
			active++
		}
		sent, err := c.Redispatch(ctx, p.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		touched++
		c.logger.Info().
			Str("process_id", string(p.ID)).
			Str("state", p.State.String()).
			Int("completed", p.Progress.CompletedCount()).
			Int("total", p.TotalWorkCount).
			Int("resent", sent).
			Msg("process recovered")
	}

	c.metrics.SetActiveProcesses(active)
	c.metrics.SetRecoveryTime(time.Since(start))
	return touched, errors.Join(errs...)
}

// Process returns the stored record of id.
func (c *Coordinator) Process(ctx context.Context, id types.ProcessID) (*process.Process, error) {
	return c.store.Load(ctx, id)
}

// ============================================================================
// Transitions
// ============================================================================

type outbound struct {
	to  types.Role
	msg types.Message
}

// transition collects the effects of one event until it is committed.
type transition struct {
	p      *process.Process
	outbox []outbound

	started     bool
	completed   bool
	batch       int
	completions int
}

func (tx *transition) send(to types.Role, msg types.Message) {
	tx.outbox = append(tx.outbox, outbound{to: to, msg: msg})
}

// dispatch selects the next batch and queues one work order per id.
func (c *Coordinator) dispatch(tx *transition) error {
	p := tx.p
	p.State = process.StateDispatching

	remaining := p.Progress.RemainingCount(p.TotalWorkCount)
	if remaining == 0 {
		c.complete(tx)
		return nil
	}

	completed := p.Progress.CompletedCount()
	if completed != p.Progress.DispatchedThrough() {
		return c.violation(p, fmt.Errorf("%d items completed but %d dispatched", completed, p.Progress.DispatchedThrough()))
	}

	batch := partition.Next(completed+1, remaining, c.batchSize)
	if err := p.Progress.StartNewBatch(batch); err != nil {
		return c.violation(p, err)
	}

	for _, n := range batch {
		tx.send(types.RoleWorkProcessor, types.ProcessWorkOrder{ProcessID: p.ID, WorkOrder: n})
	}
	p.State = process.StateAwaitingBatch
	tx.batch = len(batch)

	c.logger.Info().
		Str("process_id", string(p.ID)).
		Int("batch_first", batch[0]).
		Int("batch_last", batch[len(batch)-1]).
		Int("completed", completed).
		Int("total", p.TotalWorkCount).
		Msg("batch dispatched")
	return nil
}

// complete moves the process to Completed and queues its terminal signal.
func (c *Coordinator) complete(tx *transition) {
	tx.p.Complete(c.now())
	tx.send(types.RoleCoordinator, types.WorkAllDone{ProcessID: tx.p.ID})
	tx.completed = true

	c.logger.Info().
		Str("process_id", string(tx.p.ID)).
		Int("total", tx.p.TotalWorkCount).
		Msg("all work orders completed")
}

func (c *Coordinator) violation(p *process.Process, cause error) error {
	c.metrics.RecordInvariantViolation()
	c.logger.Error().Err(cause).Str("process_id", string(p.ID)).Msg("refusing to re-dispatch completed work")
	return fmt.Errorf("%w: process %s: %w", ErrInvariantViolation, p.ID, cause)
}

// commit saves the process, then sends its outbox.
func (c *Coordinator) commit(ctx context.Context, tx *transition) error {
	if err := c.store.Save(ctx, tx.p); err != nil {
		return fmt.Errorf("saga: save %s: %w", tx.p.ID, err)
	}

	if tx.started {
		c.metrics.RecordProcessStarted()
	}
	if tx.completions > 0 {
		c.metrics.RecordWorkOrderCompleted()
	}
	if tx.batch > 0 {
		c.metrics.RecordBatch(tx.batch)
	}
	if tx.completed {
		c.metrics.RecordProcessCompleted()
	}

	return c.flush(ctx, tx)
}

// flush sends the outbox in order and stops at the first failure.
func (c *Coordinator) flush(ctx context.Context, tx *transition) error {
	for i, out := range tx.outbox {
		if err := c.sender.Send(ctx, out.to, out.msg); err != nil {
			c.logger.Error().Err(err).
				Str("process_id", string(tx.p.ID)).
				Int("unsent", len(tx.outbox)-i).
				Msg("send failed, state is saved and will be re-sent on recovery")
			return fmt.Errorf("saga: send %s to %s: %w", out.msg.Kind(), out.to, err)
		}
	}
	return nil
}

// record appends an accepted inbound event to the journal.
func (c *Coordinator) record(msg types.Message) error {
	if c.journal == nil {
		return nil
	}
	ev, ok := wal.FromMessage(msg)
	if !ok {
		return nil
	}
	if err := c.journal.Append(ev, false); err != nil {
		return fmt.Errorf("saga: journal %s: %w", msg.Kind(), err)
	}
	return nil
}

func (c *Coordinator) discard(reason string, id types.ProcessID, n int, msg string) {
	ev := c.logger.Warn().Str("process_id", string(id)).Str("reason", reason)
	if n != 0 {
		ev = ev.Int("work_order", n)
	}
	ev.Msg(msg)
	c.metrics.RecordDiscarded(reason)
}
