package store

// ============================================================================
// File store
// 1. One JSON file per process under dir (<escaped id>.json)
// 2. Atomic writes: temp file + os.Rename, so a crash never leaves a torn record
// 3. Schema version check on load
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/batch-saga/internal/process"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// SchemaVersion is the on-disk format version of file records.
const SchemaVersion = 1

// ErrIncompatibleVersion is returned for records written by another format version.
var ErrIncompatibleVersion = errors.New("store: record schema version is incompatible")

const fileSuffix = ".json"

// fileRecord wraps a process with its format version.
type fileRecord struct {
	SchemaVer int             `json:"schema_version"`
	Process   json.RawMessage `json:"process"`
}

// File stores each process as its own JSON document.
type File struct {
	dir string
	mu  sync.Mutex // serializes revision check + rename
}

// NewFile creates the directory if needed and returns a file store rooted there.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &File{dir: dir}, nil
}

// Dir returns the root directory of the store.
func (f *File) Dir() string {
	return f.dir
}

func (f *File) path(id types.ProcessID) string {
	return filepath.Join(f.dir, url.PathEscape(string(id))+fileSuffix)
}

// Load implements Store.
func (f *File) Load(_ context.Context, id types.ProcessID) (*process.Process, error) {
	return f.read(f.path(id))
}

func (f *File) read(path string) (*process.Process, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if rec.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rec.SchemaVer, SchemaVersion)
	}
	return decode(rec.Process)
}

// Save implements Store.
func (f *File) Save(ctx context.Context, p *process.Process) error {
	data, err := encode(p)
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(fileRecord{SchemaVer: SchemaVersion, Process: data}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var current uint64
	existing, err := f.Load(ctx, p.ID)
	switch {
	case err == nil:
		current = existing.Revision
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}
	if current != p.Revision {
		return fmt.Errorf("%w: process %s at revision %d, saving %d", ErrConflict, p.ID, current, p.Revision)
	}

	path := f.path(p.ID)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename record: %w", err)
	}

	p.Revision++
	return nil
}

// List implements Store. Results are ordered by process id.
func (f *File) List(_ context.Context) ([]*process.Process, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	var out []*process.Process
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		p, err := f.read(filepath.Join(f.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
