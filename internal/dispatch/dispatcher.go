package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker is the publish side of the message broker
type Broker interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, priority uint8, headers amqp.Table) error
}

// Handler executes one task. Returning nil acknowledges the delivery;
// an error routes into the retry/quarantine path.
type Handler func(ctx context.Context, task *Task) error

// Dispatcher is the publish side of the task execution layer: it routes
// task envelopes onto named queues with priority tags and drives the
// backoff-and-republish retry cycle.
type Dispatcher struct {
	broker Broker
	config *Config
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher over a broker
func NewDispatcher(cfg *Config, broker Broker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		broker: broker,
		config: cfg,
		logger: logger,
	}
}

// Enqueue publishes a task onto its queue. A missing TaskID is generated;
// a zero MaxRetries takes the configured default.
func (d *Dispatcher) Enqueue(ctx context.Context, task *Task) error {
	queue := d.config.QueueByName(task.Queue)
	if queue == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, task.Queue)
	}

	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = d.config.DefaultMaxRetries
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := d.broker.PublishWithRetry(ctx, queue.RoutingKey, body, task.Priority, nil); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.TaskID, err)
	}

	d.logger.Info("Task enqueued",
		slog.String("task_id", task.TaskID),
		slog.String("task_name", task.TaskName),
		slog.String("queue", task.Queue),
		slog.Int("priority", int(task.Priority)),
		slog.Int("retry_count", task.RetryCount),
	)

	return nil
}

// Requeue publishes a failed task back onto its queue for another attempt.
// The caller has already incremented RetryCount.
func (d *Dispatcher) Requeue(ctx context.Context, task *Task) error {
	queue := d.config.QueueByName(task.Queue)
	if queue == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, task.Queue)
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	headers := amqp.Table{"x-retry-count": int32(task.RetryCount)}
	if err := d.broker.PublishWithRetry(ctx, queue.RoutingKey, body, task.Priority, headers); err != nil {
		return fmt.Errorf("failed to requeue task %s: %w", task.TaskID, err)
	}

	d.logger.Info("Task requeued for retry",
		slog.String("task_id", task.TaskID),
		slog.Int("retry_count", task.RetryCount),
		slog.Int("max_retries", task.MaxRetries),
	)

	return nil
}

// BackoffDelay computes the delay before retry attempt n (1-based):
// exponential growth from the base delay with up to one base delay of
// jitter, bounded by the global ceiling.
func (d *Dispatcher) BackoffDelay(retryCount int) time.Duration {
	base := d.config.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}

	ceiling := d.config.RetryMaxDelay
	if ceiling <= 0 {
		ceiling = 5 * time.Minute
	}

	if retryCount < 1 {
		retryCount = 1
	}

	delay := base << uint(retryCount-1)
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}

	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	if delay+jitter > ceiling {
		return ceiling
	}
	return delay + jitter
}
