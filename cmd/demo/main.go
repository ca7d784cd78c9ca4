package main

// ============================================================================
// Crash recovery demo
//
//   go run ./cmd/demo start     # submit a 250-item job, press Ctrl+C mid-run
//   go run ./cmd/demo recover   # restart from ./data/demo and finish the job
//
// Work is dispatched in batches of 100 with 20% duplicate delivery. Process
// state lives in a file store so an interrupted job resumes where it stopped.
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/batch-saga/internal/controller"
	"github.com/ChuLiYu/batch-saga/internal/logging"
	"github.com/ChuLiYu/batch-saga/internal/process"
	"github.com/ChuLiYu/batch-saga/internal/store"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

const (
	dataDir   = "./data/demo"
	processID = types.ProcessID("demo-250")
	workCount = 250
)

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run(mode string) error {
	logger := logging.Setup(logging.Config{Level: "warn", Pretty: true})

	if mode == "start" {
		if err := os.RemoveAll(dataDir); err != nil {
			return err
		}
	}
	st, err := store.NewFile(filepath.Join(dataDir, "processes"))
	if err != nil {
		return err
	}

	ctrl, err := controller.NewController(controller.Config{
		BatchSize:     100,
		Concurrency:   4,
		DuplicateRate: 0.2,
		Seed:          uint64(time.Now().UnixNano()),
		WorkerCount:   20,
		MaxRetry:      1,
		MinDelay:      20 * time.Millisecond,
		MaxDelay:      60 * time.Millisecond,
		JournalPath:   filepath.Join(dataDir, "journal.log"),
	}, st, logger, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.Stop()
	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	switch mode {
	case "start":
		if err := ctrl.Submit(ctx, types.StartProcessing{ProcessID: processID, WorkCount: workCount}); err != nil {
			return err
		}
		fmt.Printf("✓ Submitted %s with %d work items\n", processID, workCount)
		fmt.Printf("💡 Press Ctrl+C before it finishes, then run 'recover'\n\n")
	case "recover":
		p, err := ctrl.Process(ctx, processID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("nothing to recover, run 'start' first")
		}
		if err != nil {
			return err
		}
		fmt.Printf("\n📊 Recovered: %s %d/%d (batch %v)\n\n", p.State, p.Progress.CompletedCount(), p.TotalWorkCount, p.Progress.CurrentBatch())
	}

	return watch(ctx, ctrl)
}

// watch prints progress until the process is archived or ctx is done.
func watch(ctx context.Context, ctrl *controller.Controller) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	last := -1
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping...")
			return nil
		case <-ticker.C:
		}

		p, err := ctrl.Process(ctx, processID)
		if err != nil {
			continue
		}
		if done := p.Progress.CompletedCount(); done != last {
			last = done
			batch := p.Progress.CurrentBatch()
			fmt.Printf("📊 %-14s %3d/%d  batch %d..%d  pending %d\n",
				p.State, done, p.TotalWorkCount, first(batch), lastOf(batch), len(p.Progress.PendingInBatch()))
		}
		if p.State == process.StateCompleted && p.IsArchived() {
			stats := ctrl.Stats()
			fmt.Printf("\n✓ %s completed in %s\n", p.ID, p.Elapsed(time.Now()).Round(time.Millisecond))
			fmt.Printf("  Deliveries completed: %d\n", stats.Pool.Completed)
			fmt.Printf("  Journal events:       %d\n", stats.Journal)
			return nil
		}
	}
}

func first(batch []int) int {
	if len(batch) == 0 {
		return 0
	}
	return batch[0]
}

func lastOf(batch []int) int {
	if len(batch) == 0 {
		return 0
	}
	return batch[len(batch)-1]
}
