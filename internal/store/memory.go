package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/batch-saga/internal/process"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// Memory keeps encoded records in a map so callers never share pointers with
// the store.
type Memory struct {
	mu      sync.RWMutex
	records map[types.ProcessID][]byte
	revs    map[types.ProcessID]uint64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[types.ProcessID][]byte),
		revs:    make(map[types.ProcessID]uint64),
	}
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, id types.ProcessID) (*process.Process, error) {
	m.mu.RLock()
	data, ok := m.records[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return decode(data)
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, p *process.Process) error {
	data, err := encode(p)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if current := m.revs[p.ID]; current != p.Revision {
		return fmt.Errorf("%w: process %s at revision %d, saving %d", ErrConflict, p.ID, current, p.Revision)
	}

	m.records[p.ID] = data
	p.Revision++
	m.revs[p.ID] = p.Revision
	return nil
}

// List implements Store. Results are ordered by process id.
func (m *Memory) List(_ context.Context) ([]*process.Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*process.Process, 0, len(m.records))
	for _, data := range m.records {
		p, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Restore replaces the store contents with ps. Each record keeps the
// revision it carries.
func (m *Memory) Restore(ps []*process.Process) error {
	records := make(map[types.ProcessID][]byte, len(ps))
	revs := make(map[types.ProcessID]uint64, len(ps))
	for _, p := range ps {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal process %s: %w", p.ID, err)
		}
		records[p.ID] = data
		revs[p.ID] = p.Revision
	}

	m.mu.Lock()
	m.records, m.revs = records, revs
	m.mu.Unlock()
	return nil
}
