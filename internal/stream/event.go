package stream

import (
	"time"

	"github.com/graphforge/opsplane/internal/registry"
)

// EventType tags a stream event frame
type EventType string

const (
	EventConnected EventType = "connected"
	EventHeartbeat EventType = "heartbeat"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventError     EventType = "error"
)

// Event is a closed tagged union: exactly one of the concrete types below.
// Exactly one terminal event (completed, failed or error) is emitted per
// stream, and it is always the last event.
type Event interface {
	EventType() EventType
}

// Terminal reports whether the event ends its stream
func Terminal(e Event) bool {
	switch e.EventType() {
	case EventCompleted, EventFailed, EventError:
		return true
	}
	return false
}

// Connected is emitted exactly once when the stream opens
type Connected struct {
	OperationID string          `json:"operation_id"`
	Status      registry.Status `json:"status"`
}

func (Connected) EventType() EventType { return EventConnected }

// Heartbeat keeps idle connections alive during long quiet stretches
type Heartbeat struct {
	Timestamp       time.Time       `json:"timestamp"`
	Status          registry.Status `json:"status"`
	ProgressPercent int             `json:"progress_percent"`
}

func (Heartbeat) EventType() EventType { return EventHeartbeat }

// Progress is emitted only when the progress value changes (edge-triggered)
type Progress struct {
	ProgressPercent  int   `json:"progress_percent"`
	RecordsProcessed int64 `json:"records_processed"`
	EstimatedRecords int64 `json:"estimated_records"`
}

func (Progress) EventType() EventType { return EventProgress }

// Completed carries the operation result and total duration
type Completed struct {
	Result          map[string]any `json:"result,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
}

func (Completed) EventType() EventType { return EventCompleted }

// Failed carries the operation's final error. The message is
// human-readable; internal stack traces never cross the stream boundary.
type Failed struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

func (Failed) EventType() EventType { return EventFailed }

// StreamError is emitted when the operation record disappeared mid-stream
// (TTL expiry) or was never found. This is the cancellation signal path.
type StreamError struct {
	Message string `json:"message"`
}

func (StreamError) EventType() EventType { return EventError }
