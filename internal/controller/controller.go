// ============================================================================
// Batch-Saga Controller - node runtime
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: wire the coordinator, its store and journal, the message bus,
//          the local worker pool and metrics into one runnable node
//
// Components:
//   - saga.Coordinator: per-process state machine (load → apply → save → send)
//   - store.Store:      process records (memory, file or redis)
//   - wal.WAL:          journal of accepted inbound events
//   - snapshot.Manager: checkpoint of a memory store, bounds journal replay
//   - bus.Bus:          coordinator inbox and work queue
//   - worker.Pool:      local workers pulling from the bus
//
// Loops (errgroup):
//   1. inbox consumers: one goroutine per bus inbox partition. A process
//      always hashes to the same partition, so its events are applied in
//      delivery order; the coordinator's lock guards Redispatch callers.
//   2. journal flusher: flushes buffered COMPLETE events while idle.
//
// Startup recovery:
//   1. when the store does not survive restarts: restore the snapshot,
//      replay newer journal events, then write a fresh snapshot
//   2. coordinator.Recover re-sends whatever each process is waiting on
//   3. start workers and consumers
//
// Shutdown order (Stop):
//   1. stop the pool so no new work orders are taken
//   2. close the bus; consumers drain the inbox and exit
//   3. stop the flusher, snapshot the quiescent store, close the journal
//
// Remote workers reach the same bus through Poll, Complete and Abandon,
// which the gRPC server exposes.
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/batch-saga/internal/bus"
	"github.com/ChuLiYu/batch-saga/internal/metrics"
	"github.com/ChuLiYu/batch-saga/internal/process"
	"github.com/ChuLiYu/batch-saga/internal/saga"
	"github.com/ChuLiYu/batch-saga/internal/snapshot"
	"github.com/ChuLiYu/batch-saga/internal/storage/wal"
	"github.com/ChuLiYu/batch-saga/internal/store"
	"github.com/ChuLiYu/batch-saga/internal/worker"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

var (
	// ErrNotStarted is returned by operations that need a running controller.
	ErrNotStarted = errors.New("controller: not started")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("controller: stopped")
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Controller.
type Config struct {
	BatchSize   int // Work orders per batch
	Concurrency int // Inbox consumer goroutines

	MaxInFlight   int     // Unsettled work orders across all workers
	MaxDeliveries int     // Hand-outs per work order before it is dropped
	DuplicateRate float64 // Injected duplicate delivery probability
	Seed          uint64  // Seed of the duplicate injector

	WorkerCount int              // Local workers, 0 leaves work to remote pollers
	TaskTimeout time.Duration    // Limit of one processor call
	MaxRetry    int              // Extra processor calls after a failure
	MinDelay    time.Duration    // Simulated work duration range
	MaxDelay    time.Duration    //
	FailureRate float64          // Simulated failure probability
	Processor   worker.Processor // Overrides the simulated processor

	JournalPath   string        // Empty disables the journal
	BufferSize    int           // Buffered COMPLETE events before a flush
	FlushInterval time.Duration // Maximum age of a buffered event
	SnapshotPath  string        // Memory store checkpoint, needs the journal
}

// Stats is a point-in-time view of a node.
type Stats struct {
	Uptime  time.Duration `json:"uptime"`
	Workers int           `json:"workers"`
	Bus     bus.Stats     `json:"bus"`
	Pool    worker.Stats  `json:"pool"`
	Journal uint64        `json:"journal_seq"`
}

// Controller is one coordinator node.
type Controller struct {
	config    Config
	store     store.Store
	journal   *wal.WAL
	snapshots *snapshot.Manager
	coord     *saga.Coordinator
	bus       *bus.Bus
	pool      *worker.Pool
	logger    zerolog.Logger
	metrics   *metrics.Collector

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	cancel    context.CancelFunc
	consumers errgroup.Group
	flusher   errgroup.Group
}

// NewController builds a node over st. collector may be nil.
func NewController(config Config, st store.Store, logger zerolog.Logger, collector *metrics.Collector) (*Controller, error) {
	if st == nil {
		return nil, errors.New("controller: store is required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = wal.DefaultFlushInterval
	}

	logger = logger.With().Str("component", "controller").Logger()

	var journal *wal.WAL
	if config.JournalPath != "" {
		j, err := wal.NewWAL(config.JournalPath, wal.Options{
			BufferSize:    config.BufferSize,
			FlushInterval: config.FlushInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		journal = j
	}

	b := bus.New(bus.Options{
		MaxInFlight:   config.MaxInFlight,
		MaxDeliveries: config.MaxDeliveries,
		DuplicateRate: config.DuplicateRate,
		Seed:          config.Seed,
		Partitions:    config.Concurrency,
	}, logger, collector)

	opts := []saga.Option{saga.WithBatchSize(config.BatchSize)}
	if journal != nil {
		opts = append(opts, saga.WithJournal(journal))
	}
	coord := saga.NewCoordinator(st, b, logger, collector, opts...)

	processor := config.Processor
	if processor == nil {
		processor = worker.SimulatedProcessor(config.MinDelay, config.MaxDelay, config.FailureRate)
	}
	pool := worker.NewPool(worker.Config{
		TaskTimeout: config.TaskTimeout,
		MaxRetry:    config.MaxRetry,
	}, processor, logger)

	var snapshots *snapshot.Manager
	if _, volatile := st.(*store.Memory); volatile && journal != nil && config.SnapshotPath != "" {
		snapshots = snapshot.NewManager(config.SnapshotPath)
	}

	return &Controller{
		config:    config,
		store:     st,
		journal:   journal,
		snapshots: snapshots,
		coord:     coord,
		bus:       b,
		pool:      pool,
		logger:    logger,
		metrics:   collector,
	}, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start recovers persisted processes and starts the loops.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	c.startTime = time.Now()

	c.logger.Info().Msg("starting recovery")
	if err := c.recover(ctx); err != nil {
		return err
	}
	c.logger.Info().Dur("duration", time.Since(c.startTime)).Msg("recovery completed")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	if c.config.WorkerCount > 0 {
		if err := c.pool.Start(runCtx, c.config.WorkerCount, c.bus); err != nil {
			cancel()
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	for i := 0; i < c.config.Concurrency; i++ {
		c.consumers.Go(func() error { return c.consumeLoop(runCtx, i) })
	}
	if c.journal != nil {
		c.flusher.Go(func() error { return c.flushLoop(runCtx) })
	}

	c.started = true
	c.logger.Info().
		Int("workers", c.config.WorkerCount).
		Int("consumers", c.config.Concurrency).
		Int("batch_size", c.coord.BatchSize()).
		Msg("controller started")
	return nil
}

// recover rebuilds state from the journal when the store starts empty,
// then re-sends outstanding work.
func (c *Controller) recover(ctx context.Context) error {
	if mem, volatile := c.store.(*store.Memory); volatile && c.journal != nil {
		after, err := c.restore(mem)
		if err != nil {
			return err
		}
		applied, err := c.coord.Replay(ctx, journalTail{src: c.journal, after: after})
		if err != nil {
			return fmt.Errorf("journal replay failed: %w", err)
		}
		c.logger.Info().
			Int("events", applied).
			Uint64("from_seq", after).
			Uint64("last_seq", c.journal.LastSeq()).
			Msg("journal replayed")
		if applied > 0 {
			c.checkpoint(ctx)
		}
	}

	touched, err := c.coord.Recover(ctx)
	if err != nil {
		// partial recovery leaves the failed processes for the next restart
		c.logger.Error().Err(err).Int("recovered", touched).Msg("recovery incomplete")
		return nil
	}
	if touched > 0 {
		c.logger.Info().Int("processes", touched).Msg("processes recovered")
	}
	return nil
}

// restore loads the snapshot into mem and returns the journal sequence it
// covers. Replay starts from scratch when the journal is older than the
// snapshot.
func (c *Controller) restore(mem *store.Memory) (uint64, error) {
	if c.snapshots == nil || !c.snapshots.Exists() {
		return 0, nil
	}
	data, err := c.snapshots.Load()
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if data.LastSeq > c.journal.LastSeq() {
		c.logger.Warn().
			Uint64("snapshot_seq", data.LastSeq).
			Uint64("journal_seq", c.journal.LastSeq()).
			Msg("journal is behind the snapshot, ignoring snapshot")
		return 0, nil
	}
	if err := mem.Restore(data.Processes); err != nil {
		return 0, fmt.Errorf("failed to restore snapshot: %w", err)
	}
	c.logger.Info().
		Int("processes", len(data.Processes)).
		Uint64("last_seq", data.LastSeq).
		Time("taken_at", data.TakenAt).
		Msg("snapshot restored")
	return data.LastSeq, nil
}

// checkpoint snapshots the memory store. Callers make sure no event is
// being applied. Failures only cost a longer replay next time.
func (c *Controller) checkpoint(ctx context.Context) {
	if c.snapshots == nil {
		return
	}
	if err := c.journal.Flush(); err != nil {
		c.logger.Error().Err(err).Msg("journal flush before snapshot failed")
		return
	}
	procs, err := c.store.List(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list processes for snapshot")
		return
	}
	data := snapshot.Data{LastSeq: c.journal.LastSeq(), TakenAt: time.Now().UTC(), Processes: procs}
	if err := c.snapshots.Write(data); err != nil {
		c.logger.Error().Err(err).Str("path", c.snapshots.Path()).Msg("failed to write snapshot")
		return
	}
	c.logger.Info().Int("processes", len(procs)).Uint64("last_seq", data.LastSeq).Msg("snapshot written")
}

// journalTail replays only the events after a snapshot.
type journalTail struct {
	src   saga.EventSource
	after uint64
}

func (t journalTail) Replay(handler wal.EventHandler) error {
	return t.src.Replay(func(ev wal.Event) error {
		if ev.Seq <= t.after {
			return nil
		}
		return handler(ev)
	})
}

func (c *Controller) consumeLoop(ctx context.Context, id int) error {
	logger := c.logger.With().Int("consumer", id).Logger()
	for {
		msg, err := c.bus.Receive(ctx, id)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.coord.Handle(ctx, msg); err != nil {
			logger.Error().Err(err).Str("kind", string(msg.Kind())).Msg("handle failed")
		}
	}
}

func (c *Controller) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.journal.Flush(); err != nil {
				c.logger.Error().Err(err).Msg("journal flush failed")
			}
		}
	}
}

// Stop shuts the node down. It is idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.logger.Info().Msg("stopping controller")

	// 1. no new deliveries
	c.pool.Stop()

	// 2. consumers drain the inbox and see ErrClosed
	c.bus.Close()
	if started {
		if err := c.consumers.Wait(); err != nil {
			c.logger.Error().Err(err).Msg("consumer exited with error")
		}
		c.cancel()
		_ = c.flusher.Wait()
		c.checkpoint(context.Background())
	}

	// 3. journal
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			c.logger.Error().Err(err).Msg("failed to close journal")
		}
	}

	c.logger.Info().Msg("controller stopped")
}

// ============================================================================
// Public API
// ============================================================================

// Submit validates a start request and queues it for the coordinator.
func (c *Controller) Submit(ctx context.Context, m types.StartProcessing) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", saga.ErrInvalidStart, err)
	}
	if err := c.ready(); err != nil {
		return err
	}
	return c.bus.Send(ctx, types.RoleCoordinator, m)
}

// Poll hands the next work order to a remote worker.
func (c *Controller) Poll(ctx context.Context) (types.Delivery, error) {
	if err := c.ready(); err != nil {
		return types.Delivery{}, err
	}
	return c.bus.Poll(ctx)
}

// Complete settles a delivery as done.
func (c *Controller) Complete(ctx context.Context, tag uint64) error {
	return c.bus.Complete(ctx, tag)
}

// Abandon settles a delivery a worker gave up on.
func (c *Controller) Abandon(ctx context.Context, tag uint64, cause error) error {
	return c.bus.Abandon(ctx, tag, cause)
}

// Process returns the stored record of id.
func (c *Controller) Process(ctx context.Context, id types.ProcessID) (*process.Process, error) {
	return c.coord.Process(ctx, id)
}

// Await polls the store until id has completed or ctx is done.
func (c *Controller) Await(ctx context.Context, id types.ProcessID, interval time.Duration) (*process.Process, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p, err := c.coord.Process(ctx, id)
		switch {
		case err == nil && p.State.IsTerminal():
			return p, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats returns node statistics.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	var uptime time.Duration
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	s := Stats{
		Uptime:  uptime,
		Workers: c.pool.WorkerCount(),
		Bus:     c.bus.Stats(),
		Pool:    c.pool.Stats(),
	}
	if c.journal != nil {
		s.Journal = c.journal.LastSeq()
	}
	return s
}

func (c *Controller) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.stopped:
		return ErrStopped
	case !c.started:
		return ErrNotStarted
	}
	return nil
}
