package wal

// ============================================================================
// WAL utilities
// Responsibility: read-only inspection of journal files
// ============================================================================

import (
	"fmt"
	"os"
)

// GetLastEvent returns the last decodable event of the file at path.
//
// It returns (nil, nil) for an empty file and an error wrapping
// os.ErrNotExist when the file is missing.
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Event
	err = scanEvents(file, func(event Event) error {
		ev := event
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// CountEvents returns the number of events in the file at path.
func CountEvents(path string) (int, error) {
	count := 0
	err := replayFile(path, func(Event) error {
		count++
		return nil
	})
	return count, err
}

// ValidateWAL checks every checksum and that sequence numbers increase by one.
func ValidateWAL(path string) error {
	var prev uint64
	return replayFile(path, func(event Event) error {
		if prev != 0 && event.Seq != prev+1 {
			return fmt.Errorf("%w: seq=%d follows seq=%d", ErrSequenceGap, event.Seq, prev)
		}
		prev = event.Seq
		return nil
	})
}
