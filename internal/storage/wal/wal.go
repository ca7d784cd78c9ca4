package wal

// ============================================================================
// WAL Core
// Responsibilities:
// 1. Append accepted coordinator events to the journal (append-only)
// 2. Replay the journal to rebuild process state after a crash
// 3. Guarantee durability of START/DONE records and integrity of every record
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Default buffering parameters
const (
	DefaultBufferSize    = 256
	DefaultFlushInterval = time.Second
)

// FileInterface is the subset of *os.File the WAL writes through.
// Tests substitute it to simulate write failures.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options configures buffering and durability.
type Options struct {
	BufferSize    int           // Events held in memory before a flush
	FlushInterval time.Duration // Maximum age of the buffer before a flush
	SyncOnAppend  bool          // fsync after every flush
}

// WAL is a Write-Ahead Log instance
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	path         string
	seq          uint64 // Sequence number of the last appended event
	syncOnAppend bool
	closed       bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
	now           func() time.Time
}

// NewWAL creates or opens a WAL.
//
// An existing file is scanned for its last event so numbering continues
// from there. The file is opened with O_APPEND so earlier records are
// never overwritten.
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	var seq uint64
	last, err := GetLastEvent(path)
	switch {
	case err == nil && last != nil:
		seq = last.Seq
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("wal: read last event: %w", err)
	}

	if err := truncateTornTail(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("wal: repair tail: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:          file,
		path:          path,
		seq:           seq,
		syncOnAppend:  opts.SyncOnAppend,
		buffer:        make([]Event, 0, opts.BufferSize),
		bufferSize:    opts.BufferSize,
		lastFlushTime: time.Now(),
		flushInterval: opts.FlushInterval,
		now:           time.Now,
	}, nil
}

// Append adds an event to the WAL.
//
// Seq, Timestamp and Checksum are assigned here. START and DONE events
// and callers passing forceFlush=true are written through immediately;
// COMPLETE events are buffered until the buffer fills or ages out.
func (w *WAL) Append(event Event, forceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	event.Timestamp = w.now().UnixMilli()
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := forceFlush ||
		event.Type != EventComplete ||
		len(w.buffer) >= w.bufferSize ||
		w.now().Sub(w.lastFlushTime) > w.flushInterval
	if needFlush {
		return w.flushLocked()
	}
	return nil
}

// Flush writes buffered events to the file.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay reads every event in order and passes it to handler.
//
// Each event's checksum is verified. A final line that is not valid JSON
// is treated as a torn write and ignored; a malformed line anywhere
// else is a CorruptionError.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return replayFile(w.path, handler)
}

// LastSeq returns the sequence number of the most recent event.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the journal file path.
func (w *WAL) Path() string {
	return w.path
}

// Close flushes remaining events and closes the file. Repeated calls are no-ops.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.flushLocked()
	closeErr := w.file.Close()
	return errors.Join(flushErr, closeErr)
}

// ============================================================================
// Internal helpers
// ============================================================================

// flushLocked writes the buffer as JSON lines. Caller must hold w.mu.
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		w.lastFlushTime = w.now()
		return nil
	}

	var out []byte
	for _, ev := range w.buffer {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("wal: encode seq=%d: %w", ev.Seq, err)
		}
		out = append(out, line...)
		out = append(out, '\n')
	}

	if _, err := w.file.Write(out); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync: %w", err)
		}
	}

	w.buffer = w.buffer[:0]
	w.lastFlushTime = w.now()
	return nil
}

// truncateTornTail cuts a partially written final line so new records
// start on a fresh line.
func truncateTornTail(path string) error {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	const chunk = 4096
	end := stat.Size()
	buf := make([]byte, chunk)
	for pos := end; pos > 0; {
		n := int64(chunk)
		if pos < n {
			n = pos
		}
		pos -= n
		if _, err := file.ReadAt(buf[:n], pos); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		for i := n - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				keep := pos + i + 1
				if keep == end {
					return nil
				}
				return file.Truncate(keep)
			}
		}
	}
	if end == 0 {
		return nil
	}
	return file.Truncate(0)
}

// replayFile streams the events of the file at path into handler.
func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return scanEvents(file, func(event Event) error {
		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		return handler(event)
	})
}

// scanEvents decodes one event per line. A trailing undecodable line is skipped.
func scanEvents(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		pendingErr error
		lineNo     int
	)
	for scanner.Scan() {
		lineNo++
		if pendingErr != nil {
			// the bad line was not the last one
			return &CorruptionError{Line: lineNo - 1, Cause: pendingErr}
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			pendingErr = err
			continue
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}
