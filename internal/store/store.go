// ============================================================================
// batch-saga Process Store - durable saga state
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Persist Process records keyed by process id so the coordinator's
//          state machine survives restarts.
//
// Implementations:
//   - Memory: map of JSON blobs, for tests and single-run standalone mode
//   - File:   one JSON file per process, atomic temp-file + rename writes
//   - Redis:  JSON values shared by several coordinator nodes
//
// Concurrency contract:
//   Save performs an optimistic revision check. The record being saved must
//   carry the revision it was loaded with (0 for a new record); on success the
//   revision is bumped in place. A mismatch returns ErrConflict.
//
// ============================================================================

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/batch-saga/internal/process"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

var (
	// ErrNotFound is returned by Load for an unknown process id.
	ErrNotFound = errors.New("store: process not found")
	// ErrConflict is returned by Save when the stored revision moved on.
	ErrConflict = errors.New("store: revision conflict")
	// ErrCorrupted is returned when a stored record cannot be decoded.
	ErrCorrupted = errors.New("store: record is corrupted")
)

// Store loads and saves process records.
type Store interface {
	// Load returns the process with the given id or ErrNotFound.
	Load(ctx context.Context, id types.ProcessID) (*process.Process, error)

	// Save writes p if its revision matches the stored one.
	Save(ctx context.Context, p *process.Process) error

	// List returns every stored process, archived ones included.
	List(ctx context.Context) ([]*process.Process, error)
}

// encode serializes p as it will be stored, with the next revision applied.
func encode(p *process.Process) ([]byte, error) {
	next := *p
	next.Revision = p.Revision + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return nil, fmt.Errorf("marshal process %s: %w", p.ID, err)
	}
	return data, nil
}

// decode restores a process from its stored form.
func decode(data []byte) (*process.Process, error) {
	var p process.Process
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if !p.State.IsValid() || p.Progress == nil {
		return nil, fmt.Errorf("%w: process %s has state %q", ErrCorrupted, p.ID, p.State)
	}
	return &p, nil
}
