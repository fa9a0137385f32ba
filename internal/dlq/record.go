package dlq

import (
	"fmt"
	"time"

	"github.com/graphforge/opsplane/internal/dispatch"
)

// ExceptionInfo captures the failure that exhausted a task's retry budget
type ExceptionInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// RecordMetadata carries the routing context a task failed under, so an
// operator can resubmit it onto the same queue with the same priority.
type RecordMetadata struct {
	Queue      string `json:"queue"`
	RoutingKey string `json:"routing_key"`
	Priority   uint8  `json:"priority"`
	OwnerID    string `json:"owner_id,omitempty"`
	GraphID    string `json:"graph_id,omitempty"`
}

// FailedTaskRecord is the quarantine envelope published to the dead
// letter queue after a task's final failed attempt.
type FailedTaskRecord struct {
	TaskID    string         `json:"task_id"`
	TaskName  string         `json:"task_name"`
	Args      []any          `json:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
	FailedAt  time.Time      `json:"failed_at"`
	Retries   int            `json:"retries"`
	Exception ExceptionInfo  `json:"exception"`
	Metadata  RecordMetadata `json:"metadata"`
}

// NewFailedTaskRecord builds the quarantine record for a task's final failure
func NewFailedTaskRecord(task *dispatch.Task, taskErr error, routingKey string) *FailedTaskRecord {
	return &FailedTaskRecord{
		TaskID:   task.TaskID,
		TaskName: task.TaskName,
		Args:     task.Args,
		Kwargs:   task.Kwargs,
		FailedAt: time.Now().UTC(),
		Retries:  task.RetryCount,
		Exception: ExceptionInfo{
			Type:    fmt.Sprintf("%T", taskErr),
			Message: taskErr.Error(),
		},
		Metadata: RecordMetadata{
			Queue:      task.Queue,
			RoutingKey: routingKey,
			Priority:   task.Priority,
			OwnerID:    task.OwnerID,
			GraphID:    task.GraphID,
		},
	}
}
