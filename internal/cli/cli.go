// ============================================================================
// Batch-Saga CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra commands to run nodes, submit jobs and inspect state
//
// Command Structure:
//   batch-saga                     # Root command
//   ├── run                        # Start a node
//   │   ├── --mode                 # standalone | coordinator | worker
//   │   └── --master               # Coordinator address (worker mode)
//   ├── start                      # Submit a job
//   │   ├── --count, -n            # Number of work items
//   │   ├── --id                   # Process id (ULID when omitted)
//   │   └── --wait                 # Block until the job completes
//   ├── status [ID]                # Job state, or node configuration
//   ├── replay                     # Rebuild the store from the journal
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// run modes:
//   standalone:  coordinator with a local worker pool
//   coordinator: coordinator with the gRPC service and no local workers
//   worker:      worker pool pulling from --master over gRPC
//
// Signal Handling:
//   run stops gracefully on SIGINT and SIGTERM: workers first, then the
//   coordinator loops, then the journal.
//
//   Examples:
//     ./batch-saga run
//     ./batch-saga run --mode coordinator -c prod.yaml
//     ./batch-saga run --mode worker --master coordinator:50051
//     ./batch-saga start -n 250 --wait
//     ./batch-saga status 01JAC3M5X4S8W0Q6ZB9R1DKH7T
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/batch-saga/internal/config"
	"github.com/ChuLiYu/batch-saga/internal/controller"
	"github.com/ChuLiYu/batch-saga/internal/logging"
	"github.com/ChuLiYu/batch-saga/internal/metrics"
	"github.com/ChuLiYu/batch-saga/internal/rpc"
	"github.com/ChuLiYu/batch-saga/internal/saga"
	"github.com/ChuLiYu/batch-saga/internal/server"
	"github.com/ChuLiYu/batch-saga/internal/snapshot"
	"github.com/ChuLiYu/batch-saga/internal/storage/wal"
	"github.com/ChuLiYu/batch-saga/internal/store"
	"github.com/ChuLiYu/batch-saga/internal/worker"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// Run modes
const (
	ModeStandalone  = "standalone"
	ModeCoordinator = "coordinator"
	ModeWorker      = "worker"
)

const defaultMaster = "localhost:50051"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "batch-saga",
		Short: "Batch-Saga: batched work distribution with crash recovery",
		Long: `Batch-Saga coordinates jobs of N work items:
- work dispatched one batch at a time
- at-least-once delivery with idempotent completion
- durable process state and journal replay
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStartCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildReplayCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var mode string
	var masterAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a Batch-Saga node",
		Long:  "Start the node in standalone, coordinator or worker mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger := logging.Setup(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			switch mode {
			case ModeWorker:
				return runWorkerNode(ctx, cfg, masterAddr, logger)
			case ModeStandalone, ModeCoordinator:
				return runControllerNode(ctx, cfg, mode, logger)
			default:
				return fmt.Errorf("unknown mode %q", mode)
			}
		},
	}

	cmd.Flags().StringVar(&mode, "mode", ModeStandalone, "node mode: standalone, coordinator, worker")
	cmd.Flags().StringVar(&masterAddr, "master", "", "coordinator address (worker mode)")

	return cmd
}

func runWorkerNode(ctx context.Context, cfg *config.Config, masterAddr string, logger zerolog.Logger) error {
	if masterAddr == "" {
		return errors.New("master address is required in worker mode")
	}
	if cfg.Worker.WorkerCount <= 0 {
		return fmt.Errorf("worker mode needs worker.worker_count > 0")
	}

	conn, err := rpc.Dial(masterAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to master: %w", err)
	}
	defer conn.Close()

	workerID := "worker-" + ulid.Make().String()
	logger = logger.With().Str("worker_id", workerID).Logger()

	pool := worker.NewPool(workerConfig(cfg), simulatedProcessor(cfg), logger)
	source := worker.NewGrpcSource(conn, workerID, 1, 5*time.Second)

	if err := pool.Start(ctx, cfg.Worker.WorkerCount, source); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	logger.Info().Str("master", masterAddr).Int("workers", cfg.Worker.WorkerCount).Msg("worker node started")

	<-ctx.Done()
	logger.Info().Msg("stopping worker node")
	pool.Stop()
	return nil
}

func runControllerNode(ctx context.Context, cfg *config.Config, mode string, logger zerolog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(nil)
	}

	ctrlConfig := controllerConfig(cfg)
	if mode == ModeCoordinator {
		// remote workers poll the bus over gRPC
		ctrlConfig.WorkerCount = 0
	}
	if cfg.Journal.Enabled {
		for _, path := range []string{cfg.Journal.Path, cfg.Journal.SnapshotPath} {
			if path == "" {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("failed to create journal directory: %w", err)
			}
		}
	}

	ctrl, err := controller.NewController(ctrlConfig, st, logger, collector)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info().Int("port", cfg.Metrics.Port).Msg("metrics server started")
			return metrics.StartServer(gctx, cfg.Metrics.Port, nil)
		})
	}

	if cfg.GRPC.Enabled || mode == ModeCoordinator {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			ctrl.Stop()
			return fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
		}
		srv := server.NewServer(ctrl, logger)
		gs := server.NewGRPCServer(srv)

		g.Go(func() error {
			logger.Info().Int("port", cfg.GRPC.Port).Msg("gRPC server listening")
			return gs.Serve(lis)
		})
		g.Go(func() error {
			srv.Run(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	logger.Info().Str("mode", mode).Str("store", cfg.Store.Driver).Msg("node started")

	<-gctx.Done()
	logger.Info().Msg("received shutdown signal, stopping gracefully")
	ctrl.Stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("node stopped")
	return nil
}

// ============================================================================
// start
// ============================================================================

func buildStartCommand() *cobra.Command {
	var (
		count      int
		id         string
		masterAddr string
		wait       bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Submit a job to a coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = ulid.Make().String()
			}
			conn, err := rpc.Dial(masterAddr)
			if err != nil {
				return fmt.Errorf("failed to connect to master: %w", err)
			}
			defer conn.Close()

			return startJob(cmd.Context(), rpc.NewClient(conn), cmd.OutOrStdout(), types.ProcessID(id), count, wait, timeout)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of work items")
	cmd.Flags().StringVar(&id, "id", "", "process id (generated when empty)")
	cmd.Flags().StringVar(&masterAddr, "master", defaultMaster, "coordinator address")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the job completes")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "maximum wait with --wait")
	_ = cmd.MarkFlagRequired("count")

	return cmd
}

func startJob(ctx context.Context, client *rpc.Client, out io.Writer, id types.ProcessID, count int, wait bool, timeout time.Duration) error {
	resp, err := client.StartProcessing(ctx, &rpc.StartRequest{ProcessID: id, WorkCount: count})
	if err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}
	fmt.Fprintf(out, "submitted %s (%d work items)\n", resp.ProcessID, count)

	if !wait {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	last := -1
	for {
		view, err := client.GetProcess(ctx, &rpc.GetProcessRequest{ProcessID: resp.ProcessID})
		if err == nil {
			if view.Completed != last {
				fmt.Fprintf(out, "  %s %d/%d\n", view.State, view.Completed, view.Total)
				last = view.Completed
			}
			if view.Done() {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", resp.ProcessID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var masterAddr string

	cmd := &cobra.Command{
		Use:   "status [ID]",
		Short: "Show process status or node configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				cfg, err := config.Load(configFile)
				if err != nil {
					return err
				}
				return showNodeStatus(cmd.OutOrStdout(), cfg)
			}

			conn, err := rpc.Dial(masterAddr)
			if err != nil {
				return fmt.Errorf("failed to connect to master: %w", err)
			}
			defer conn.Close()

			view, err := rpc.NewClient(conn).GetProcess(cmd.Context(), &rpc.GetProcessRequest{ProcessID: types.ProcessID(args[0])})
			if err != nil {
				return fmt.Errorf("failed to get process: %w", err)
			}
			printProcess(cmd.OutOrStdout(), view)
			return nil
		},
	}

	cmd.Flags().StringVar(&masterAddr, "master", defaultMaster, "coordinator address")
	return cmd
}

func printProcess(out io.Writer, v *rpc.ProcessView) {
	fmt.Fprintf(out, "Process:   %s\n", v.ProcessID)
	fmt.Fprintf(out, "  ├─ State:     %s\n", v.State)
	fmt.Fprintf(out, "  ├─ Progress:  %d/%d\n", v.Completed, v.Total)
	fmt.Fprintf(out, "  ├─ Pending:   %d in current batch\n", v.Pending)
	if v.StartedAt != nil {
		fmt.Fprintf(out, "  ├─ Started:   %s\n", v.StartedAt.AsTime().Format(time.RFC3339))
	}
	if v.CompletedAt != nil {
		fmt.Fprintf(out, "  ├─ Completed: %s\n", v.CompletedAt.AsTime().Format(time.RFC3339))
	}
	fmt.Fprintf(out, "  └─ Archived:  %t\n", v.Archived)
}

func showNodeStatus(out io.Writer, cfg *config.Config) error {
	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:   %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Batch Size:    %d\n", cfg.Coordinator.BatchSize)
	fmt.Fprintf(out, "  ├─ Workers:       %d\n", cfg.Worker.WorkerCount)
	fmt.Fprintf(out, "  └─ Task Timeout:  %s\n", cfg.Worker.TaskTimeout)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage:")
	fmt.Fprintf(out, "  ├─ Store Driver:  %s\n", cfg.Store.Driver)
	if !cfg.Journal.Enabled {
		fmt.Fprintln(out, "  └─ Journal:       disabled")
	} else {
		fmt.Fprintf(out, "  └─ Journal:       %s\n", cfg.Journal.Path)
		switch n, err := wal.CountEvents(cfg.Journal.Path); {
		case err == nil:
			fmt.Fprintf(out, "     └─ Events:     %d\n", n)
		case errors.Is(err, os.ErrNotExist):
			fmt.Fprintln(out, "     └─ Events:     none")
		default:
			fmt.Fprintf(out, "     └─ Unreadable: %v\n", err)
		}
		if cfg.Store.Driver == config.StoreMemory && cfg.Journal.SnapshotPath != "" {
			printSnapshot(out, snapshot.NewManager(cfg.Journal.SnapshotPath))
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Disabled")
	}
	return nil
}

// ============================================================================
// replay
// ============================================================================

func buildReplayCommand() *cobra.Command {
	var validate bool

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the configured store from the journal",
		Long:  "Re-apply every journaled event to the configured store without sending work. Run it while no node is using the journal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return errors.New("journal is disabled in the configuration")
			}
			logger := logging.Setup(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

			if validate {
				if err := wal.ValidateWAL(cfg.Journal.Path); err != nil {
					return fmt.Errorf("journal is invalid: %w", err)
				}
			}

			st, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			return replayJournal(cmd.Context(), cmd.OutOrStdout(), cfg, st, logger)
		},
	}

	cmd.Flags().BoolVar(&validate, "validate", false, "verify checksums and sequence numbers first")
	return cmd
}

func printSnapshot(out io.Writer, m *snapshot.Manager) {
	if !m.Exists() {
		fmt.Fprintln(out, "     └─ Snapshot:   none")
		return
	}
	data, err := m.Load()
	if err != nil {
		fmt.Fprintf(out, "     └─ Snapshot:   unreadable: %v\n", err)
		return
	}
	fmt.Fprintf(out, "     └─ Snapshot:   %d processes at seq %d (%s)\n",
		len(data.Processes), data.LastSeq, data.TakenAt.Format(time.RFC3339))
}

func replayJournal(ctx context.Context, out io.Writer, cfg *config.Config, st store.Store, logger zerolog.Logger) error {
	journal, err := wal.NewWAL(cfg.Journal.Path, wal.Options{})
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer journal.Close()

	discard := saga.SenderFunc(func(context.Context, types.Role, types.Message) error { return nil })
	coord := saga.NewCoordinator(st, discard, logger, nil, saga.WithBatchSize(cfg.Coordinator.BatchSize))

	applied, err := coord.Replay(ctx, journal)
	if err != nil {
		return fmt.Errorf("replay failed after %d events: %w", applied, err)
	}

	all, err := st.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	fmt.Fprintf(out, "replayed %d events into %s store, %d processes\n", applied, cfg.Store.Driver, len(all))
	for _, p := range all {
		fmt.Fprintf(out, "  %s  %-14s %d/%d archived=%t\n", p.ID, p.State, p.Progress.CompletedCount(), p.TotalWorkCount, p.IsArchived())
	}
	return nil
}

// ============================================================================
// helpers
// ============================================================================

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreFile:
		fs, err := store.NewFile(cfg.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Store.RedisAddr, err)
		}
		return store.NewRedis(client, cfg.Store.RedisPrefix, cfg.Store.ArchiveTTL), func() { _ = client.Close() }, nil

	default:
		return store.NewMemory(), func() {}, nil
	}
}

func controllerConfig(cfg *config.Config) controller.Config {
	c := controller.Config{
		BatchSize:     cfg.Coordinator.BatchSize,
		Concurrency:   cfg.Coordinator.Concurrency,
		MaxInFlight:   cfg.Transport.MaxInFlight,
		MaxDeliveries: cfg.Transport.MaxDeliveries,
		DuplicateRate: cfg.Transport.DuplicateRate,
		Seed:          uint64(time.Now().UnixNano()),
		WorkerCount:   cfg.Worker.WorkerCount,
		TaskTimeout:   cfg.Worker.TaskTimeout,
		MaxRetry:      cfg.Worker.MaxRetry,
		MinDelay:      cfg.Worker.MinDelay,
		MaxDelay:      cfg.Worker.MaxDelay,
		FailureRate:   cfg.Worker.FailureRate,
	}
	if cfg.Journal.Enabled {
		c.JournalPath = cfg.Journal.Path
		c.BufferSize = cfg.Journal.BufferSize
		c.FlushInterval = cfg.Journal.FlushInterval
		c.SnapshotPath = cfg.Journal.SnapshotPath
	}
	return c
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		TaskTimeout: cfg.Worker.TaskTimeout,
		MaxRetry:    cfg.Worker.MaxRetry,
	}
}

func simulatedProcessor(cfg *config.Config) worker.Processor {
	return worker.SimulatedProcessor(cfg.Worker.MinDelay, cfg.Worker.MaxDelay, cfg.Worker.FailureRate)
}
