package dispatch

import (
	"time"
)

// Queue names. The graphdb queue fronts the shared embedded engine and
// runs with independently capped consumer concurrency.
const (
	QueueDefault  = "operations.default"
	QueuePriority = "operations.priority"
	QueueGraphDB  = "operations.graphdb"
)

// Task is the wire envelope for one unit of dispatched work. Delivery is
// at-least-once, so every handler must be safely re-runnable.
type Task struct {
	TaskID     string         `json:"task_id"`
	TaskName   string         `json:"task_name"`
	Queue      string         `json:"queue"`
	Priority   uint8          `json:"priority"`
	Args       []any          `json:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	OwnerID    string         `json:"owner_id,omitempty"`
	GraphID    string         `json:"graph_id,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// KwargString reads a string kwarg, empty when absent or mistyped
func (t *Task) KwargString(key string) string {
	if v, ok := t.Kwargs[key].(string); ok {
		return v
	}
	return ""
}

// QueueDef describes one consumable queue and its worker pool size
type QueueDef struct {
	Name        string
	RoutingKey  string
	Concurrency int
	Prefetch    int
	MaxPriority int
}

// Config holds queue topology and the retry policy shared by all queues
type Config struct {
	Queues            []QueueDef
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	DefaultMaxRetries int
}

// QueueByName returns the queue definition, or nil when unknown
func (c *Config) QueueByName(name string) *QueueDef {
	for i := range c.Queues {
		if c.Queues[i].Name == name {
			return &c.Queues[i]
		}
	}
	return nil
}
