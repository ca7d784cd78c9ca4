package wal

import "github.com/ChuLiYu/batch-saga/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the journal record of coordinator inbound events
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventStart    EventType = "START"    // StartProcessing accepted
	EventComplete EventType = "COMPLETE" // WorkOrderCompleted accepted
	EventDone     EventType = "DONE"     // WorkAllDone acknowledged (process archived)
)

// Event represents a WAL event record
type Event struct {
	Seq         uint64          `json:"seq"`                     // Event sequence number (monotonically increasing)
	Type        EventType       `json:"type"`                    // Event type
	ProcessID   types.ProcessID `json:"process_id"`              // Correlation key
	WorkOrderNo int             `json:"work_order_no,omitempty"` // COMPLETE only
	WorkCount   int             `json:"work_count,omitempty"`    // START only
	Timestamp   int64           `json:"timestamp"`               // Unix millisecond timestamp
	Checksum    uint32          `json:"checksum"`                // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error

// FromMessage converts an inbound coordinator message into a journal event.
// The second return value is false for messages that are not journaled.
func FromMessage(msg types.Message) (Event, bool) {
	switch m := msg.(type) {
	case types.StartProcessing:
		return Event{Type: EventStart, ProcessID: m.ProcessID, WorkCount: m.WorkCount}, true
	case types.WorkOrderCompleted:
		return Event{Type: EventComplete, ProcessID: m.ProcessID, WorkOrderNo: m.WorkOrderNo}, true
	case types.WorkAllDone:
		return Event{Type: EventDone, ProcessID: m.ProcessID}, true
	}
	return Event{}, false
}

// Message converts a journal event back into the inbound message it recorded.
func (e Event) Message() (types.Message, bool) {
	switch e.Type {
	case EventStart:
		return types.StartProcessing{ProcessID: e.ProcessID, WorkCount: e.WorkCount}, true
	case EventComplete:
		return types.WorkOrderCompleted{ProcessID: e.ProcessID, WorkOrderNo: e.WorkOrderNo}, true
	case EventDone:
		return types.WorkAllDone{ProcessID: e.ProcessID}, true
	}
	return nil, false
}
