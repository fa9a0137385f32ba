package registry

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a background operation.
// Allowed transitions: pending -> running -> {completed | failed}.
// Terminal states are write-once.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Type identifies the kind of long-running operation
type Type string

const (
	TypeQuery       Type = "query"
	TypeCopy        Type = "copy"
	TypeBackup      Type = "backup"
	TypeRestore     Type = "restore"
	TypeMaterialize Type = "materialize"
	TypeIngest      Type = "ingest"
)

// ValidType reports whether t is a known operation type
func ValidType(t Type) bool {
	switch t {
	case TypeQuery, TypeCopy, TypeBackup, TypeRestore, TypeMaterialize, TypeIngest:
		return true
	}
	return false
}

var (
	// ErrOperationNotFound is returned when an operation id is unknown or its record expired
	ErrOperationNotFound = errors.New("operation not found")

	// ErrTerminalState is returned when updating an operation already in a terminal state
	ErrTerminalState = errors.New("operation is in a terminal state")

	// ErrInvalidTransition is returned for a status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidOperation is returned when a record fails validation at creation
	ErrInvalidOperation = errors.New("invalid operation")
)

// Operation is the authoritative record of a background operation. It is
// mutated exclusively by the one worker that owns the operation id.
type Operation struct {
	OperationID      string            `json:"operation_id"`
	Type             Type              `json:"operation_type"`
	OwnerID          string            `json:"owner_id"`
	GraphID          string            `json:"graph_id"`
	Status           Status            `json:"status"`
	ProgressPercent  int               `json:"progress_percent"`
	RecordsProcessed int64             `json:"records_processed"`
	EstimatedRecords int64             `json:"estimated_records"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	Result           map[string]any    `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Duration returns the wall-clock runtime of the operation so far, or the
// total runtime once completed
func (o *Operation) Duration() time.Duration {
	if o.CompletedAt != nil {
		return o.CompletedAt.Sub(o.StartedAt)
	}
	return time.Since(o.StartedAt)
}

// Update is a partial overwrite of an operation record. Nil fields are
// left untouched.
type Update struct {
	Status           *Status
	ProgressPercent  *int
	RecordsProcessed *int64
	EstimatedRecords *int64
	Result           map[string]any
	Error            *string
	Metadata         map[string]string
}

// helpers for building updates without pointer noise at call sites

func StatusOf(s Status) *Status { return &s }
func IntOf(v int) *int          { return &v }
func Int64Of(v int64) *int64    { return &v }
func StringOf(s string) *string { return &s }
