// ============================================================================
// batch-saga Progress Tracker - per-process completion bookkeeping
// ============================================================================
//
// Package: internal/progress
// File: tracker.go
// Purpose: Record which work items are done overall and within the batch
//          that is currently in flight.
//
// Data:
//   completed    - set of done work-item ids (true set, duplicates are no-ops)
//   batch        - current batch ids in ascending order
//   batchDone    - id -> done flag for the current batch
//   dispatchedTo - highest id ever placed in a batch
//
// Invariants:
//   - an id is flagged done in batchDone iff it is a member of completed
//   - every key of batchDone belongs to the batch most recently started
//   - StartNewBatch never accepts an id that is already completed
//
// Concurrency:
//   Not synchronized. The coordinator serializes access per process.
//
// ============================================================================

package progress

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrEmptyBatch is returned when a batch without ids is started.
	ErrEmptyBatch = errors.New("progress: batch is empty")
	// ErrAlreadyCompleted is returned when a batch re-dispatches completed work.
	ErrAlreadyCompleted = errors.New("progress: batch contains completed work items")
	// ErrInvalidEncoding is returned when a persisted tracker is inconsistent.
	ErrInvalidEncoding = errors.New("progress: invalid encoding")
)

// Tracker tracks completed work items of one process.
type Tracker struct {
	completed    map[int]struct{}
	batch        []int
	batchDone    map[int]bool
	dispatchedTo int
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		completed: make(map[int]struct{}),
		batchDone: make(map[int]bool),
	}
}

// MarkComplete records id as done. It reports whether this call changed
// anything: a repeated completion returns false and has no effect.
func (t *Tracker) MarkComplete(id int) bool {
	if _, done := t.completed[id]; done {
		return false
	}
	t.completed[id] = struct{}{}

	if _, inBatch := t.batchDone[id]; inBatch {
		t.batchDone[id] = true
	}
	return true
}

// IsComplete reports whether id has been completed.
func (t *Tracker) IsComplete(id int) bool {
	_, done := t.completed[id]
	return done
}

// IsAllComplete reports whether exactly total items are done.
func (t *Tracker) IsAllComplete(total int) bool {
	return len(t.completed) == total
}

// IsCurrentBatchComplete reports whether every item of the current batch is
// done. An empty batch is vacuously complete.
func (t *Tracker) IsCurrentBatchComplete() bool {
	for _, done := range t.batchDone {
		if !done {
			return false
		}
	}
	return true
}

// StartNewBatch replaces the current batch with ids, all flagged pending.
func (t *Tracker) StartNewBatch(ids []int) error {
	if len(ids) == 0 {
		return ErrEmptyBatch
	}

	for _, id := range ids {
		if _, done := t.completed[id]; done {
			return fmt.Errorf("%w: id %d", ErrAlreadyCompleted, id)
		}
	}

	batch := slices.Clone(ids)
	slices.Sort(batch)
	batch = slices.Compact(batch)

	t.batch = batch
	t.batchDone = make(map[int]bool, len(batch))
	for _, id := range batch {
		t.batchDone[id] = false
	}
	t.dispatchedTo = max(t.dispatchedTo, batch[len(batch)-1])
	return nil
}

// RemainingCount returns how many of total items are not done yet.
func (t *Tracker) RemainingCount(total int) int {
	return total - len(t.completed)
}

// CompletedCount returns the size of the completed set.
func (t *Tracker) CompletedCount() int {
	return len(t.completed)
}

// CurrentBatch returns the ids of the current batch in ascending order.
func (t *Tracker) CurrentBatch() []int {
	return slices.Clone(t.batch)
}

// PendingInBatch returns the ids of the current batch that are not done,
// in ascending order.
func (t *Tracker) PendingInBatch() []int {
	var pending []int
	for _, id := range t.batch {
		if !t.batchDone[id] {
			pending = append(pending, id)
		}
	}
	return pending
}

// DispatchedThrough returns the highest id ever placed in a batch.
func (t *Tracker) DispatchedThrough() int {
	return t.dispatchedTo
}
