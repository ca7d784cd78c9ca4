// Package types defines the messages exchanged between the batch-saga
// coordinator and its workers.
package types

import (
	"errors"
	"fmt"
)

// ProcessID is the correlation key of one batch job.
type ProcessID string

// Role names the logical endpoint a message is addressed to.
type Role string

const (
	RoleCoordinator   Role = "coordinator"    // saga inbox (start, completion, all-done)
	RoleWorkProcessor Role = "work-processor" // worker queue (work orders)
)

// Kind identifies a message type on the wire and in the journal.
type Kind string

const (
	KindStartProcessing    Kind = "start_processing"
	KindProcessWorkOrder   Kind = "process_work_order"
	KindWorkOrderCompleted Kind = "work_order_completed"
	KindWorkAllDone        Kind = "work_all_done"
)

var (
	// ErrEmptyProcessID is returned for messages without a correlation key.
	ErrEmptyProcessID = errors.New("types: process id is empty")
	// ErrInvalidWorkCount is returned when a start message carries a negative work count.
	ErrInvalidWorkCount = errors.New("types: work count must not be negative")
)

// Message is the closed set of messages routed by the coordinator runtime.
type Message interface {
	Kind() Kind
	CorrelationID() ProcessID
	isMessage()
}

// StartProcessing starts a new job of WorkCount items.
type StartProcessing struct {
	ProcessID ProcessID `json:"process_id"`
	WorkCount int       `json:"work_count"`
}

// ProcessWorkOrder asks a worker to process a single work item.
type ProcessWorkOrder struct {
	ProcessID ProcessID `json:"process_id"`
	WorkOrder int       `json:"work_order"`
}

// WorkOrderCompleted is reported by a worker once a work item is done.
type WorkOrderCompleted struct {
	ProcessID   ProcessID `json:"process_id"`
	WorkOrderNo int       `json:"work_order_no"`
}

// WorkAllDone is the terminal signal of a job. It is emitted once per process.
type WorkAllDone struct {
	ProcessID ProcessID `json:"process_id"`
}

func (StartProcessing) Kind() Kind    { return KindStartProcessing }
func (ProcessWorkOrder) Kind() Kind   { return KindProcessWorkOrder }
func (WorkOrderCompleted) Kind() Kind { return KindWorkOrderCompleted }
func (WorkAllDone) Kind() Kind        { return KindWorkAllDone }

func (m StartProcessing) CorrelationID() ProcessID    { return m.ProcessID }
func (m ProcessWorkOrder) CorrelationID() ProcessID   { return m.ProcessID }
func (m WorkOrderCompleted) CorrelationID() ProcessID { return m.ProcessID }
func (m WorkAllDone) CorrelationID() ProcessID        { return m.ProcessID }

func (StartProcessing) isMessage()    {}
func (ProcessWorkOrder) isMessage()   {}
func (WorkOrderCompleted) isMessage() {}
func (WorkAllDone) isMessage()        {}

// Validate checks the start parameters at the system boundary.
func (m StartProcessing) Validate() error {
	if m.ProcessID == "" {
		return ErrEmptyProcessID
	}
	if m.WorkCount < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkCount, m.WorkCount)
	}
	return nil
}

// Delivery is one hand-out of a work order to a worker. Tag identifies the
// hand-out when the worker settles it; Attempt counts redeliveries from 1.
type Delivery struct {
	Tag     uint64           `json:"tag"`
	Order   ProcessWorkOrder `json:"order"`
	Attempt int              `json:"attempt"`
}
