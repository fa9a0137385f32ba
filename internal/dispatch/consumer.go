package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// FailureHook runs after every failed task attempt. The dead letter queue
// implements it; NoopHook is for tests and tools that do not quarantine.
type FailureHook interface {
	OnFailure(ctx context.Context, task *Task, taskErr error)
}

// NoopHook ignores failures
type NoopHook struct{}

func (NoopHook) OnFailure(context.Context, *Task, error) {}

// BrokerConsumer is the consume side of the message broker
type BrokerConsumer interface {
	Consume(queueName, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
	NotifyClose() <-chan *amqp.Error
}

// ConsumerConfig holds consumer dependencies
type ConsumerConfig struct {
	Logger      *slog.Logger
	Client      BrokerConsumer
	Dispatcher  *Dispatcher
	Hook        FailureHook
	Queue       QueueDef
	TaskTimeout time.Duration
	WorkerID    string
}

// Consumer drains one queue with a bounded worker pool. One handler runs
// per slot; a queue's Concurrency caps how hard it can hit the shared
// resource behind it.
type Consumer struct {
	logger      *slog.Logger
	client      BrokerConsumer
	dispatcher  *Dispatcher
	hook        FailureHook
	queue       QueueDef
	taskTimeout time.Duration
	workerID    string

	handlers map[string]Handler
	jobsChan chan amqp.Delivery
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewConsumer creates a consumer for one queue
func NewConsumer(cfg *ConsumerConfig) *Consumer {
	hook := cfg.Hook
	if hook == nil {
		hook = NoopHook{}
	}

	return &Consumer{
		logger:      cfg.Logger,
		client:      cfg.Client,
		dispatcher:  cfg.Dispatcher,
		hook:        hook,
		queue:       cfg.Queue,
		taskTimeout: cfg.TaskTimeout,
		workerID:    cfg.WorkerID,
		handlers:    make(map[string]Handler),
		jobsChan:    make(chan amqp.Delivery),
		stopChan:    make(chan struct{}),
	}
}

// Register binds a handler to a task name
func (c *Consumer) Register(taskName string, handler Handler) {
	c.handlers[taskName] = handler
}

// Start subscribes to the queue and runs the worker pool until ctx is
// cancelled or the broker connection drops.
func (c *Consumer) Start(ctx context.Context) error {
	consumerTag := fmt.Sprintf("%s-%s", c.workerID, c.queue.Name)

	deliveries, err := c.client.Consume(c.queue.Name, consumerTag, c.queue.Prefetch)
	if err != nil {
		return fmt.Errorf("failed to start consumer for %s: %w", c.queue.Name, err)
	}

	// On broker connection loss, cancel in-flight handlers: the worker can
	// no longer acknowledge their deliveries, and letting long tasks run on
	// invites duplicate-delivery races once the messages become visible
	// again elsewhere.
	consumerCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case amqpErr := <-c.client.NotifyClose():
			if amqpErr != nil {
				c.logger.Error("Broker connection lost, cancelling in-flight tasks",
					slog.String("queue", c.queue.Name),
					slog.Any("error", amqpErr),
				)
			}
			cancel()
		case <-ctx.Done():
			cancel()
		}
	}()

	c.logger.Info("Spawning worker pool",
		slog.String("queue", c.queue.Name),
		slog.Int("concurrency", c.queue.Concurrency),
		slog.String("worker_id", c.workerID),
	)

	for i := 0; i < c.queue.Concurrency; i++ {
		c.wg.Add(1)
		go c.workerLoop(consumerCtx, i)
	}

	c.dispatchLoop(consumerCtx, deliveries)
	return nil
}

// Stop drains the worker pool
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer",
		slog.String("queue", c.queue.Name),
	)
	close(c.stopChan)
	c.wg.Wait()
	c.logger.Info("Consumer stopped",
		slog.String("queue", c.queue.Name),
	)
}

// dispatchLoop feeds broker deliveries into the worker pool
func (c *Consumer) dispatchLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Delivery dispatch stopped - context canceled",
				slog.String("queue", c.queue.Name),
			)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("Broker delivery channel closed",
					slog.String("queue", c.queue.Name),
				)
				return
			}

			select {
			case c.jobsChan <- delivery:
			case <-ctx.Done():
				// Hand the message back so another consumer picks it up
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					c.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (c *Consumer) workerLoop(ctx context.Context, workerNum int) {
	defer c.wg.Done()

	workerName := fmt.Sprintf("%s-%s-%d", c.workerID, c.queue.Name, workerNum)
	c.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-c.stopChan:
			c.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			c.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case delivery, ok := <-c.jobsChan:
			if !ok {
				return
			}
			c.handleDelivery(ctx, workerName, delivery)
		}
	}
}

// handleDelivery runs one task attempt and settles the delivery. The
// message leaves the queue only after its outcome is decided: success,
// a backoff republish, or quarantine.
func (c *Consumer) handleDelivery(ctx context.Context, workerName string, delivery amqp.Delivery) {
	var task Task
	if err := json.Unmarshal(delivery.Body, &task); err != nil {
		c.logger.Error("Failed to parse task envelope",
			slog.String("worker_name", workerName),
			slog.String("error", err.Error()),
		)
		// Malformed envelopes cannot be retried or attributed
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	c.logger.Info("Worker received task",
		slog.String("worker_name", workerName),
		slog.String("task_id", task.TaskID),
		slog.String("task_name", task.TaskName),
		slog.Int("retry_count", task.RetryCount),
	)

	err := c.runHandler(ctx, &task)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("task_id", task.TaskID),
				slog.String("error", ackErr.Error()),
			)
		} else {
			c.logger.Info("Task completed successfully",
				slog.String("worker_name", workerName),
				slog.String("task_id", task.TaskID),
			)
		}
		return
	}

	c.logger.Error("Task attempt failed",
		slog.String("worker_name", workerName),
		slog.String("task_id", task.TaskID),
		slog.String("task_name", task.TaskName),
		slog.String("error", err.Error()),
	)

	task.RetryCount++
	if !Retryable(err) {
		// A permanent failure forfeits the remaining retry budget
		task.RetryCount = task.MaxRetries
	}

	// The quarantine hook runs after every failed attempt; it only
	// publishes once the budget is exhausted.
	c.hook.OnFailure(ctx, &task, err)

	if task.RetryCount < task.MaxRetries {
		if !c.scheduleRetry(ctx, &task) {
			// The republish never happened (shutdown mid-backoff, or the
			// publish failed). Hand the delivery back so the broker
			// redelivers it; handlers tolerate redelivery, a lost message
			// would not be tolerated.
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				c.logger.Error("Failed to NACK unretried message",
					slog.String("task_id", task.TaskID),
					slog.String("error", nackErr.Error()),
				)
			}
			return
		}
	} else {
		c.logger.Warn("Task exceeded max retries",
			slog.String("task_id", task.TaskID),
			slog.Int("retry_count", task.RetryCount),
			slog.Int("max_retries", task.MaxRetries),
		)
	}

	// Ack only after the outcome is settled: the retry cycle goes through
	// an explicit republish so priority and retry count survive.
	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("Failed to ACK failed message",
			slog.String("task_id", task.TaskID),
			slog.String("error", ackErr.Error()),
		)
	}
}

// runHandler executes the task's handler under the per-task timeout
func (c *Consumer) runHandler(ctx context.Context, task *Task) error {
	handler, ok := c.handlers[task.TaskName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, task.TaskName)
	}

	taskCtx := ctx
	if c.taskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, c.taskTimeout)
		defer cancel()
	}

	return handler(taskCtx, task)
}

// scheduleRetry waits out the backoff delay and republishes the task.
// Returns false when the republish did not happen, so the caller can give
// the original delivery back to the broker instead of acking it away.
func (c *Consumer) scheduleRetry(ctx context.Context, task *Task) bool {
	delay := c.dispatcher.BackoffDelay(task.RetryCount)

	c.logger.Info("Task will be retried",
		slog.String("task_id", task.TaskID),
		slog.Int("retry_count", task.RetryCount),
		slog.Int("max_retries", task.MaxRetries),
		slog.Duration("delay", delay),
	)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		c.logger.Warn("Retry wait interrupted",
			slog.String("task_id", task.TaskID),
		)
		return false
	}

	if err := c.dispatcher.Requeue(ctx, task); err != nil {
		c.logger.Error("Failed to requeue task for retry",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
