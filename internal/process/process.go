// Package process defines the persisted record of one batch job: its
// identity, size, lifecycle state and progress.
package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/batch-saga/internal/progress"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// State is the coordinator state of a process.
type State string

const (
	StateIdle          State = "idle"           // not started yet
	StateDispatching   State = "dispatching"    // choosing and sending the next batch
	StateAwaitingBatch State = "awaiting_batch" // waiting for completions of the current batch
	StateCompleted     State = "completed"      // terminal, WorkAllDone emitted
)

func (s State) String() string { return string(s) }

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateDispatching, StateAwaitingBatch, StateCompleted:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted
}

var (
	ErrEmptyProcessID   = errors.New("process: id is empty")
	ErrInvalidWorkCount = errors.New("process: work count must not be negative")
)

// Process is one job instance together with its progress.
type Process struct {
	ID             types.ProcessID   `json:"id"`
	TotalWorkCount int               `json:"total_work_count"`
	StartedAt      time.Time         `json:"started_at"`
	State          State             `json:"state"`
	Progress       *progress.Tracker `json:"progress"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ArchivedAt     *time.Time        `json:"archived_at,omitempty"`

	// Revision is bumped by stores on every successful save.
	Revision uint64 `json:"revision"`
}

// UnmarshalJSON bounds the progress ids by TotalWorkCount so a corrupted
// record fails to decode instead of expanding without limit.
func (p *Process) UnmarshalJSON(data []byte) error {
	type plain Process
	var w struct {
		plain
		Progress json.RawMessage `json:"progress"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*p = Process(w.plain)
	p.Progress = nil
	if len(w.Progress) == 0 || string(w.Progress) == "null" {
		return nil
	}
	tr, err := progress.Decode(w.Progress, p.TotalWorkCount)
	if err != nil {
		return fmt.Errorf("process %s: %w", p.ID, err)
	}
	p.Progress = tr
	return nil
}

// New creates a started process ready for its first dispatch.
func New(id types.ProcessID, total int, now time.Time) (*Process, error) {
	if id == "" {
		return nil, ErrEmptyProcessID
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWorkCount, total)
	}

	return &Process{
		ID:             id,
		TotalWorkCount: total,
		StartedAt:      now.UTC(),
		State:          StateDispatching,
		Progress:       progress.New(),
	}, nil
}

// Complete moves the process to its terminal state.
func (p *Process) Complete(now time.Time) {
	at := now.UTC()
	p.State = StateCompleted
	p.CompletedAt = &at
}

// Archive marks a completed process as acknowledged.
func (p *Process) Archive(now time.Time) {
	at := now.UTC()
	p.ArchivedAt = &at
}

// IsArchived reports whether the terminal signal has been acknowledged.
func (p *Process) IsArchived() bool {
	return p.ArchivedAt != nil
}

// InRange reports whether id is a valid work-item id for this process.
func (p *Process) InRange(id int) bool {
	return id >= 1 && id <= p.TotalWorkCount
}

// Elapsed returns the run time of the process, up to now while it is running.
func (p *Process) Elapsed(now time.Time) time.Duration {
	if p.CompletedAt != nil {
		return p.CompletedAt.Sub(p.StartedAt)
	}
	return now.Sub(p.StartedAt)
}
