package progress

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// wireTracker is the persisted form of a Tracker. The completed set is kept
// as inclusive [from, to] ranges so a finished million-item job stays small.
type wireTracker struct {
	Completed         [][2]int `json:"completed"`
	Batch             []int    `json:"batch"`
	DispatchedThrough int      `json:"dispatched_through"`
}

// MarshalJSON implements json.Marshaler.
func (t *Tracker) MarshalJSON() ([]byte, error) {
	ids := make([]int, 0, len(t.completed))
	for id := range t.completed {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	batch := t.batch
	if batch == nil {
		batch = []int{}
	}

	return json.Marshal(wireTracker{
		Completed:         toRanges(ids),
		Batch:             batch,
		DispatchedThrough: t.dispatchedTo,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Ids are only checked to be
// positive; use Decode when the job size is known.
func (t *Tracker) UnmarshalJSON(data []byte) error {
	restored, err := Decode(data, math.MaxInt)
	if err != nil {
		return err
	}
	*t = *restored
	return nil
}

// Decode restores a tracker whose ids all lie in [1, total]. Completed
// ranges must be ascending and disjoint, so decoding never touches more
// than total ids.
func Decode(data []byte, total int) (*Tracker, error) {
	var w wireTracker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: total %d", ErrInvalidEncoding, total)
	}
	if w.DispatchedThrough < 0 || w.DispatchedThrough > total {
		return nil, fmt.Errorf("%w: dispatched through %d of %d", ErrInvalidEncoding, w.DispatchedThrough, total)
	}

	restored := New()
	last := 0
	for _, r := range w.Completed {
		if r[0] <= last || r[0] > r[1] || r[1] > total {
			return nil, fmt.Errorf("%w: range [%d, %d] after %d, total %d", ErrInvalidEncoding, r[0], r[1], last, total)
		}
		for id := r[0]; id <= r[1]; id++ {
			restored.completed[id] = struct{}{}
		}
		last = r[1]
	}

	restored.batch = slices.Clone(w.Batch)
	for i, id := range restored.batch {
		if id < 1 || id > total || (i > 0 && id <= restored.batch[i-1]) {
			return nil, fmt.Errorf("%w: batch id %d", ErrInvalidEncoding, id)
		}
		_, done := restored.completed[id]
		restored.batchDone[id] = done
	}
	restored.dispatchedTo = w.DispatchedThrough

	return restored, nil
}

// toRanges folds sorted ids into inclusive ranges.
func toRanges(ids []int) [][2]int {
	ranges := [][2]int{}
	for _, id := range ids {
		if n := len(ranges); n > 0 && ranges[n-1][1]+1 == id {
			ranges[n-1][1] = id
			continue
		}
		ranges = append(ranges, [2]int{id, id})
	}
	return ranges
}
