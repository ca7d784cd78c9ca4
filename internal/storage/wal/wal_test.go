package wal

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/batch-saga/pkg/types"
)

func newTestWAL(t *testing.T, opts Options) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.wal")
	w, err := NewWAL(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func collect(t *testing.T, w *WAL) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := newTestWAL(t, Options{})

	require.NoError(t, w.Append(Event{Type: EventStart, ProcessID: "p1", WorkCount: 3}, false))
	require.NoError(t, w.Append(Event{Type: EventComplete, ProcessID: "p1", WorkOrderNo: 2}, false))
	require.NoError(t, w.Append(Event{Type: EventDone, ProcessID: "p1"}, false))

	events := collect(t, w)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.True(t, VerifyChecksum(e))
		assert.NotZero(t, e.Timestamp)
	}
	assert.Equal(t, 3, events[0].WorkCount)
	assert.Equal(t, 2, events[1].WorkOrderNo)
	assert.Equal(t, uint64(3), w.LastSeq())
}

func TestCompleteEventsAreBuffered(t *testing.T) {
	w, path := newTestWAL(t, Options{BufferSize: 10, FlushInterval: 1 << 40})

	require.NoError(t, w.Append(Event{Type: EventStart, ProcessID: "p1", WorkCount: 5}, false))
	require.NoError(t, w.Append(Event{Type: EventComplete, ProcessID: "p1", WorkOrderNo: 1}, false))

	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "START is written through, COMPLETE waits in the buffer")

	require.NoError(t, w.Flush())
	n, err = CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")

	w, err := NewWAL(path, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Append(Event{Type: EventStart, ProcessID: "p1", WorkCount: 1}, false))
	require.NoError(t, w.Append(Event{Type: EventComplete, ProcessID: "p1", WorkOrderNo: 1}, true))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	w, err = NewWAL(path, Options{})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(2), w.LastSeq())

	require.NoError(t, w.Append(Event{Type: EventDone, ProcessID: "p1"}, false))
	require.NoError(t, ValidateWAL(path))
}

func TestAppendAfterClose(t *testing.T) {
	w, _ := newTestWAL(t, Options{})
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(Event{Type: EventStart, ProcessID: "p1"}, false), ErrWALClosed)
}

func TestTornTailIsRepaired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")

	w, err := NewWAL(path, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Append(Event{Type: EventStart, ProcessID: "p1", WorkCount: 2}, false))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"COMP`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// a torn tail is tolerated by readers
	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w, err = NewWAL(path, Options{})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(1), w.LastSeq())

	require.NoError(t, w.Append(Event{Type: EventComplete, ProcessID: "p1", WorkOrderNo: 1}, true))
	events := collect(t, w)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[1].Seq)
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	w, path := newTestWAL(t, Options{})
	require.NoError(t, w.Append(Event{Type: EventStart, ProcessID: "p1", WorkCount: 2}, false))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"work_count":2`, `"work_count":9`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	err = ValidateWAL(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
}

func TestReplayDetectsCorruptMiddleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")
	good := Event{Seq: 1, Type: EventDone, ProcessID: "p1"}
	good.Checksum = CalculateChecksum(good)
	second := good
	second.Seq = 2
	second.Checksum = CalculateChecksum(second)

	content := `{"seq":1,"type":"DONE","process_id":"p1","timestamp":0,"checksum":` + itoa(good.Checksum) + "}\n" +
		"garbage\n" +
		`{"seq":2,"type":"DONE","process_id":"p1","timestamp":0,"checksum":` + itoa(second.Checksum) + "}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := CountEvents(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedWAL)

	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.Line)
}

func TestValidateDetectsSequenceGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")
	var lines []string
	for _, seq := range []uint64{1, 3} {
		e := Event{Seq: seq, Type: EventDone, ProcessID: "p1"}
		lines = append(lines, `{"seq":`+itoa(uint32(seq))+`,"type":"DONE","process_id":"p1","timestamp":0,"checksum":`+itoa(CalculateChecksum(e))+`}`)
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	assert.ErrorIs(t, ValidateWAL(path), ErrSequenceGap)
}

func TestGetLastEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wal")
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestMessageConversion(t *testing.T) {
	msgs := []types.Message{
		types.StartProcessing{ProcessID: "p1", WorkCount: 250},
		types.WorkOrderCompleted{ProcessID: "p1", WorkOrderNo: 17},
		types.WorkAllDone{ProcessID: "p1"},
	}
	for _, m := range msgs {
		ev, ok := FromMessage(m)
		require.True(t, ok)
		back, ok := ev.Message()
		require.True(t, ok)
		assert.Equal(t, m, back)
	}

	_, ok := FromMessage(types.ProcessWorkOrder{ProcessID: "p1", WorkOrder: 1})
	assert.False(t, ok, "outbound orders are not journaled")
}

func TestChecksumCoversAllFields(t *testing.T) {
	base := Event{Seq: 4, Type: EventComplete, ProcessID: "p1", WorkOrderNo: 3}
	sum := CalculateChecksum(base)

	variants := []Event{
		{Seq: 5, Type: EventComplete, ProcessID: "p1", WorkOrderNo: 3},
		{Seq: 4, Type: EventDone, ProcessID: "p1", WorkOrderNo: 3},
		{Seq: 4, Type: EventComplete, ProcessID: "p2", WorkOrderNo: 3},
		{Seq: 4, Type: EventComplete, ProcessID: "p1", WorkOrderNo: 4},
		{Seq: 4, Type: EventComplete, ProcessID: "p1", WorkOrderNo: 3, WorkCount: 1},
	}
	for _, v := range variants {
		assert.NotEqual(t, sum, CalculateChecksum(v))
	}
}

func itoa(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
