package saga

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/batch-saga/internal/metrics"
	"github.com/ChuLiYu/batch-saga/internal/process"
	"github.com/ChuLiYu/batch-saga/internal/storage/wal"
	"github.com/ChuLiYu/batch-saga/internal/store"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// ============================================================================
// Test helpers
// ============================================================================

type sentMessage struct {
	to  types.Role
	msg types.Message
}

// recorder is a Sender that keeps every message.
type recorder struct {
	mu   sync.Mutex
	sent []sentMessage
	fail error
}

func (r *recorder) Send(_ context.Context, to types.Role, msg types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, sentMessage{to: to, msg: msg})
	return nil
}

// takeOrders returns the work orders sent since the last call, in send order.
func (r *recorder) takeOrders() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orders []int
	var rest []sentMessage
	for _, s := range r.sent {
		if o, ok := s.msg.(types.ProcessWorkOrder); ok {
			orders = append(orders, o.WorkOrder)
			continue
		}
		rest = append(rest, s)
	}
	r.sent = rest
	return orders
}

func (r *recorder) allDone() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var done []sentMessage
	for _, s := range r.sent {
		if _, ok := s.msg.(types.WorkAllDone); ok {
			done = append(done, s)
		}
	}
	return done
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

var testStart = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *store.Memory, *recorder) {
	t.Helper()
	st := store.NewMemory()
	rec := &recorder{}
	opts = append([]Option{WithClock(func() time.Time { return testStart })}, opts...)
	return NewCoordinator(st, rec, zerolog.Nop(), nil, opts...), st, rec
}

func seq(from, to int) []int {
	ids := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		ids = append(ids, i)
	}
	return ids
}

func complete(t *testing.T, c *Coordinator, id types.ProcessID, ids ...int) {
	t.Helper()
	for _, n := range ids {
		require.NoError(t, c.Handle(context.Background(), types.WorkOrderCompleted{ProcessID: id, WorkOrderNo: n}))
	}
}

func load(t *testing.T, st store.Store, id types.ProcessID) *process.Process {
	t.Helper()
	p, err := st.Load(context.Background(), id)
	require.NoError(t, err)
	return p
}

// ============================================================================
// Scenarios
// ============================================================================

func TestTwoHundredFiftyItemJob(t *testing.T) {
	ctx := context.Background()
	c, st, rec := newTestCoordinator(t)
	const id = types.ProcessID("job-250")

	require.NoError(t, c.Handle(ctx, types.StartProcessing{ProcessID: id, WorkCount: 250}))
	assert.Equal(t, seq(1, 100), rec.takeOrders())
	assert.Equal(t, process.StateAwaitingBatch, load(t, st, id).State)

	// first batch, with a duplicate of 5 in the middle
	complete(t, c, id, seq(1, 50)...)
	complete(t, c, id, 5)
	complete(t, c, id, seq(51, 99)...)
	assert.Empty(t, rec.takeOrders(), "no dispatch before the batch is complete")
	assert.Equal(t, 99, load(t, st, id).Progress.CompletedCount())

	complete(t, c, id, 100)
	assert.Equal(t, seq(101, 200), rec.takeOrders())

	complete(t, c, id, seq(101, 200)...)
	assert.Equal(t, seq(201, 250), rec.takeOrders())

	complete(t, c, id, seq(201, 249)...)
	assert.Empty(t, rec.allDone())
	complete(t, c, id, 250)

	done := rec.allDone()
	require.Len(t, done, 1)
	assert.Equal(t, types.RoleCoordinator, done[0].to)
	assert.Equal(t, types.WorkAllDone{ProcessID: id}, done[0].msg)

	p := load(t, st, id)
	assert.Equal(t, process.StateCompleted, p.State)
	assert.Equal(t, 250, p.Progress.CompletedCount())
	assert.False(t, p.IsArchived())

	require.NoError(t, c.Handle(ctx, types.WorkAllDone{ProcessID: id}))
	assert.True(t, load(t, st, id).IsArchived())

	// everything after the end is discarded
	before := rec.count()
	complete(t, c, id, 17)
	require.NoError(t, c.Handle(ctx, types.WorkAllDone{ProcessID: id}))
	require.NoError(t, c.Handle(ctx, types.StartProcessing{ProcessID: id, WorkCount: 250}))
	assert.Equal(t, before, rec.count())
}

func TestZeroWorkJobCompletesImmediately(t *testing.T) {
	ctx := context.Background()
	c, st, rec := newTestCoordinator(t)

	require.NoError(t, c.Handle(ctx, types.StartProcessing{ProcessID: "empty", WorkCount: 0}))

	assert.Empty(t, rec.takeOrders())
	require.Len(t, rec.allDone(), 1)
	assert.Equal(t, process.StateCompleted, load(t, st, "empty").State)
}

func TestBatchSizeOption(t *testing.T) {
	c, _, rec := newTestCoordinator(t, WithBatchSize(7))
	assert.Equal(t, 7, c.BatchSize())

	require.NoError(t, c.Handle(context.Background(), types.StartProcessing{ProcessID: "p", WorkCount: 10}))
	assert.Equal(t, seq(1, 7), rec.takeOrders())

	complete(t, c, "p", seq(1, 7)...)
	assert.Equal(t, seq(8, 10), rec.takeOrders())
}

func TestSingleTerminalSignalUnderDuplicatesAndReordering(t *testing.T) {
	c, st, rec := newTestCoordinator(t, WithBatchSize(10))
	rng := rand.New(rand.NewPCG(1, 2))
	const id = types.ProcessID("shuffled")

	require.NoError(t, c.Handle(context.Background(), types.StartProcessing{ProcessID: id, WorkCount: 35}))

	for round := 0; round < 10; round++ {
		orders := rec.takeOrders()
		if len(orders) == 0 {
			break
		}
		var deliveries []int
		for _, n := range orders {
			deliveries = append(deliveries, n, n, n)
		}
		rng.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })
		complete(t, c, id, deliveries...)
	}

	assert.Len(t, rec.allDone(), 1)
	p := load(t, st, id)
	assert.Equal(t, process.StateCompleted, p.State)
	assert.Equal(t, 35, p.Progress.CompletedCount())
}

func TestConcurrentCompletions(t *testing.T) {
	c, st, rec := newTestCoordinator(t, WithBatchSize(50))
	const id = types.ProcessID("parallel")

	require.NoError(t, c.Handle(context.Background(), types.StartProcessing{ProcessID: id, WorkCount: 500}))

	for len(rec.allDone()) == 0 {
		orders := rec.takeOrders()
		require.NotEmpty(t, orders)

		var wg sync.WaitGroup
		for _, n := range orders {
			for copies := 0; copies < 2; copies++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					assert.NoError(t, c.Handle(context.Background(), types.WorkOrderCompleted{ProcessID: id, WorkOrderNo: n}))
				}(n)
			}
		}
		wg.Wait()
	}

	assert.Len(t, rec.allDone(), 1)
	assert.Equal(t, 500, load(t, st, id).Progress.CompletedCount())
}

func TestIndependentProcesses(t *testing.T) {
	c, st, rec := newTestCoordinator(t, WithBatchSize(5))

	require.NoError(t, c.Handle(context.Background(), types.StartProcessing{ProcessID: "a", WorkCount: 5}))
	require.NoError(t, c.Handle(context.Background(), types.StartProcessing{ProcessID: "b", WorkCount: 8}))
	rec.takeOrders()

	complete(t, c, "a", seq(1, 5)...)
	complete(t, c, "b", 1, 2)

	assert.Equal(t, process.StateCompleted, load(t, st, "a").State)
	assert.Equal(t, process.StateAwaitingBatch, load(t, st, "b").State)
	require.Len(t, rec.allDone(), 1)
	assert.Equal(t, types.WorkAllDone{ProcessID: "a"}, rec.allDone()[0].msg)
}

// ============================================================================
// Discarded and rejected input
// ============================================================================

func TestInvalidStartIsRejected(t *testing.T) {
	c, st, rec := newTestCoordinator(t)
	ctx := context.Background()

	err := c.Handle(ctx, types.StartProcessing{ProcessID: "", WorkCount: 3})
	assert.ErrorIs(t, err, ErrInvalidStart)
	assert.ErrorIs(t, err, types.ErrEmptyProcessID)

	err = c.Handle(ctx, types.StartProcessing{ProcessID: "neg", WorkCount: -1})
	assert.ErrorIs(t, err, ErrInvalidStart)
	assert.ErrorIs(t, err, types.ErrInvalidWorkCount)

	assert.Equal(t, 0, st.Len())
	assert.Equal(t, 0, rec.count())
}

func TestDuplicateStartIsDiscarded(t *testing.T) {
	c, st, rec := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, types.StartProcessing{ProcessID: "p", WorkCount: 150}))
	rec.takeOrders()
	complete(t, c, "p", 1, 2)

	require.NoError(t, c.Handle(ctx, types.StartProcessing{ProcessID: "p", WorkCount: 150}))
	require.NoError(t, c.Handle(ctx, types.StartProcessing{ProcessID: "p", WorkCount: 999}))

	p := load(t, st, "p")
	assert.Equal(t, 150, p.TotalWorkCount)
	assert.Equal(t, 2, p.Progress.CompletedCount())
	assert.Empty(t, rec.takeOrders())
}

func TestCompletionsThatAreDiscarded(t *testing.T) {
	reg := prometheus.NewRegistry()
	st := store.NewMemory()
	rec := &recorder{}
	c := NewCoordinator(st, rec, zerolog.Nop(), metrics.NewCollector(reg))
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, types.StartProcessing{ProcessID: "p", WorkCount: 250}))
	rec.takeOrders()

	complete(t, c, "unknown", 1)
	complete(t, c, "p", 0, -3, 251)
	complete(t, c, "p", 150)
	complete(t, c, "p", 1, 1)

	p := load(t, st, "p")
	assert.Equal(t, 1, p.Progress.CompletedCount())
	assert.False(t, p.Progress.IsComplete(150))
	assert.Empty(t, rec.takeOrders())

	expected := `
# HELP batchsaga_events_discarded_total Total number of inbound events discarded by the coordinator
# TYPE batchsaga_events_discarded_total counter
batchsaga_events_discarded_total{reason="duplicate"} 1
batchsaga_events_discarded_total{reason="not_dispatched"} 1
batchsaga_events_discarded_total{reason="out_of_range"} 3
batchsaga_events_discarded_total{reason="unknown_process"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "batchsaga_events_discarded_total"))
}

func TestWorkAllDoneBeforeCompletionIsDiscarded(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, types.WorkAllDone{ProcessID: "missing"}))

	require.NoError(t, c.Handle(ctx, types.StartProcessing{ProcessID: "p", WorkCount: 3}))
	require.NoError(t, c.Handle(ctx, types.WorkAllDone{ProcessID: "p"}))
	assert.False(t, load(t, st, "p").IsArchived())
}

func TestOutboundMessagesAreNotHandled(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.Handle(context.Background(), types.ProcessWorkOrder{ProcessID: "p", WorkOrder: 1})
	assert.ErrorIs(t, err, ErrUnsupportedMessage)
}

func TestInvariantViolationLeavesStateUnsaved(t *testing.T) {
	reg := prometheus.NewRegistry()
	st := store.NewMemory()
	rec := &recorder{}
	c := NewCoordinator(st, rec, zerolog.Nop(), metrics.NewCollector(reg), WithBatchSize(5))
	ctx := context.Background()

	// a record whose completed set has run ahead of what was dispatched
	p, err := process.New("broken", 10, testStart)
	require.NoError(t, err)
	require.NoError(t, p.Progress.StartNewBatch(seq(1, 5)))
	for _, n := range []int{1, 2, 3, 4, 5, 7} {
		p.Progress.MarkComplete(n)
	}
	p.State = process.StateAwaitingBatch
	require.NoError(t, st.Save(ctx, p))

	_, err = c.Redispatch(ctx, "broken")
	assert.ErrorIs(t, err, ErrInvariantViolation)

	stored := load(t, st, "broken")
	assert.Equal(t, uint64(1), stored.Revision)
	assert.Equal(t, seq(1, 5), stored.Progress.CurrentBatch())
	assert.Equal(t, 0, rec.count())

	expected := `
# HELP batchsaga_invariant_violations_total Total number of transitions rejected because they would re-dispatch completed work
# TYPE batchsaga_invariant_violations_total counter
batchsaga_invariant_violations_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "batchsaga_invariant_violations_total"))
}

// ============================================================================
// Save then send
// ============================================================================

type failingStore struct {
	*store.Memory
	err error
}

func (f *failingStore) Save(ctx context.Context, p *process.Process) error {
	if f.err != nil {
		return f.err
	}
	return f.Memory.Save(ctx, p)
}

func TestNothingIsSentWhenSaveFails(t *testing.T) {
	st := &failingStore{Memory: store.NewMemory(), err: errors.New("disk full")}
	rec := &recorder{}
	c := NewCoordinator(st, rec, zerolog.Nop(), nil)

	err := c.Handle(context.Background(), types.StartProcessing{ProcessID: "p", WorkCount: 10})
	require.Error(t, err)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 0, st.Len())
}

func TestSendFailureIsRecoveredOnRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	broken := &recorder{fail: errors.New("transport down")}
	c := NewCoordinator(st, broken, zerolog.Nop(), nil)

	err := c.Handle(ctx, types.StartProcessing{ProcessID: "p", WorkCount: 120})
	require.Error(t, err)
	assert.Equal(t, process.StateAwaitingBatch, load(t, st, "p").State, "state is saved before sending")

	rec := &recorder{}
	restarted := NewCoordinator(st, rec, zerolog.Nop(), nil)
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, seq(1, 100), rec.takeOrders())
}

// ============================================================================
// Recovery and replay
// ============================================================================

func TestRecoverResendsPendingAndTerminalSignals(t *testing.T) {
	ctx := context.Background()
	c, st, rec := newTestCoordinator(t, WithBatchSize(10))

	require.NoError(t, c.Handle(ctx, types.StartProcessing{ProcessID: "running", WorkCount: 30}))
	require.NoError(t, c.Handle(ctx, types.StartProcessing{ProcessID: "finished", WorkCount: 2}))
	require.NoError(t, c.Handle(ctx, types.StartProcessing{ProcessID: "archived", WorkCount: 1}))
	rec.takeOrders()

	complete(t, c, "running", seq(1, 10)...)
	complete(t, c, "running", 11, 14)
	complete(t, c, "finished", 1, 2)
	complete(t, c, "archived", 1)
	require.NoError(t, c.Handle(ctx, types.WorkAllDone{ProcessID: "archived"}))

	rec2 := &recorder{}
	restarted := NewCoordinator(st, rec2, zerolog.Nop(), nil, WithBatchSize(10))
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []int{12, 13, 15, 16, 17, 18, 19, 20}, rec2.takeOrders())
	done := rec2.allDone()
	require.Len(t, done, 1)
	assert.Equal(t, types.WorkAllDone{ProcessID: "finished"}, done[0].msg)
}

func TestReplayRebuildsState(t *testing.T) {
	ctx := context.Background()
	journal, err := wal.NewWAL(filepath.Join(t.TempDir(), "journal.wal"), wal.Options{})
	require.NoError(t, err)
	defer journal.Close()

	c, original, rec := newTestCoordinator(t, WithBatchSize(10), WithJournal(journal))

	require.NoError(t, c.Handle(ctx, types.StartProcessing{ProcessID: "p", WorkCount: 25}))
	require.NoError(t, c.Handle(ctx, types.StartProcessing{ProcessID: "done", WorkCount: 1}))
	rec.takeOrders()
	complete(t, c, "p", seq(1, 10)...)
	complete(t, c, "p", 3)
	complete(t, c, "p", 11, 12, 13, 14)
	complete(t, c, "done", 1)
	require.NoError(t, c.Handle(ctx, types.WorkAllDone{ProcessID: "done"}))

	rebuilt, rebuiltStore, rec2 := newTestCoordinator(t, WithBatchSize(10))
	applied, err := rebuilt.Replay(ctx, journal)
	require.NoError(t, err)
	assert.Equal(t, 2+14+1+1, applied, "duplicates are not journaled")
	assert.Equal(t, 0, rec2.count(), "replay sends nothing")

	want := load(t, original, "p")
	got := load(t, rebuiltStore, "p")
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, want.Progress.CompletedCount(), got.Progress.CompletedCount())
	assert.Equal(t, want.Progress.CurrentBatch(), got.Progress.CurrentBatch())
	assert.Equal(t, want.Progress.PendingInBatch(), got.Progress.PendingInBatch())
	assert.True(t, load(t, rebuiltStore, "done").IsArchived())

	_, err = rebuilt.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq(15, 20), rec2.takeOrders())
}

type sliceSource []wal.Event

func (s sliceSource) Replay(handler wal.EventHandler) error {
	for _, ev := range s {
		if err := handler(ev); err != nil {
			return err
		}
	}
	return nil
}

func TestReplayRejectsUnknownEventType(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Replay(context.Background(), sliceSource{{Seq: 1, Type: "BOGUS", ProcessID: "p"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOGUS")
}

func TestReplayReraisesInvariantViolation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	c := NewCoordinator(st, &recorder{}, zerolog.Nop(), nil, WithBatchSize(5))

	p, err := process.New("broken", 10, testStart)
	require.NoError(t, err)
	require.NoError(t, p.Progress.StartNewBatch(seq(1, 5)))
	for _, n := range []int{1, 2, 3, 4, 7} {
		p.Progress.MarkComplete(n)
	}
	p.State = process.StateAwaitingBatch
	require.NoError(t, st.Save(ctx, p))

	journal := sliceSource{{Seq: 9, Type: wal.EventComplete, ProcessID: "broken", WorkOrderNo: 5, Timestamp: testStart.UnixMilli()}}
	applied, err := c.Replay(ctx, journal)
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.Contains(t, err.Error(), "seq=9")
	assert.Equal(t, 0, applied)

	// replaying again fails the same way until the record is repaired
	_, err = c.Replay(ctx, journal)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, uint64(1), load(t, st, "broken").Revision)
}
