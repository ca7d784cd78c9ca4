// ============================================================================
// batch-saga Partitioner - fixed-size batching of a work-item id range
// ============================================================================
//
// Package: internal/partition
// File: partition.go
// Purpose: Split the ordered id range [offset, offset+remaining-1] into
//          ascending batches of at most batchSize ids.
//
// Properties:
//   - Batches are contiguous, ascending and never overlap
//   - Every batch except possibly the last holds exactly batchSize ids
//   - Only one batch is materialized at a time (lazy iter.Seq)
//   - remaining == 0 yields nothing; callers must never dispatch an empty batch
//
// Restarting:
//   The coordinator asks for the first batch only, then calls again with the
//   offset moved past the completed work. Next() is that shortcut.
//
// ============================================================================

package partition

import (
	"errors"
	"fmt"
	"iter"
	"math"
)

// DefaultBatchSize is the number of work items dispatched together when no
// batch size is configured.
const DefaultBatchSize = 100

var (
	ErrInvalidBatchSize = errors.New("partition: batch size must be at least 1")
	ErrInvalidOffset    = errors.New("partition: offset must be at least 1")
	ErrInvalidRemaining = errors.New("partition: remaining must not be negative")
	ErrRangeOverflow    = errors.New("partition: range exceeds the largest id")
)

// Validate reports whether the arguments describe a valid range.
func Validate(offset, remaining, batchSize int) error {
	if batchSize < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidBatchSize, batchSize)
	}
	if offset < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidOffset, offset)
	}
	if remaining < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidRemaining, remaining)
	}
	if remaining > 0 && offset-1 > math.MaxInt-remaining {
		return fmt.Errorf("%w: offset %d, remaining %d", ErrRangeOverflow, offset, remaining)
	}
	return nil
}

// Batches returns a lazy sequence of batches covering
// [offset, offset+remaining-1]. Invalid arguments yield an empty sequence;
// use Validate to tell the two cases apart.
func Batches(offset, remaining, batchSize int) iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if Validate(offset, remaining, batchSize) != nil {
			return
		}

		// counts down what is left so no sum can overflow
		start := offset
		for left := remaining; left > 0; {
			n := min(batchSize, left)

			batch := make([]int, n)
			for i := range batch {
				batch[i] = start + i
			}

			if !yield(batch) {
				return
			}
			left -= n
			if left > 0 {
				start += n
			}
		}
	}
}

// Next returns the first batch of Batches(offset, remaining, batchSize), or
// nil when there is nothing left.
func Next(offset, remaining, batchSize int) []int {
	for batch := range Batches(offset, remaining, batchSize) {
		return batch
	}
	return nil
}

// Count returns how many batches remaining items split into.
func Count(remaining, batchSize int) int {
	if remaining <= 0 || batchSize < 1 {
		return 0
	}
	n := remaining / batchSize
	if remaining%batchSize != 0 {
		n++
	}
	return n
}
