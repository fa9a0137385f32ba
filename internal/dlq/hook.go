package dlq

import (
	"context"
	"encoding/json"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/graphforge/opsplane/internal/dispatch"
)

// Quarantined records sit at the bottom of the priority range
const quarantinePriority uint8 = 1

// Publisher is the publish side of the broker the hook quarantines to
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, priority uint8, headers amqp.Table) error
}

// Hook quarantines tasks whose retry budget is spent. It observes every
// failed attempt but publishes exactly one FailedTaskRecord per task, on
// the final one. Publish failures are logged and swallowed: quarantine is
// bookkeeping and must never mask the handler error that triggered it.
type Hook struct {
	publisher  Publisher
	dispatch   *dispatch.Config
	routingKey string
	logger     *slog.Logger
}

// NewHook creates the failure hook publishing onto the dead letter queue
func NewHook(publisher Publisher, dispatchCfg *dispatch.Config, routingKey string, logger *slog.Logger) *Hook {
	return &Hook{
		publisher:  publisher,
		dispatch:   dispatchCfg,
		routingKey: routingKey,
		logger:     logger,
	}
}

// OnFailure implements dispatch.FailureHook
func (h *Hook) OnFailure(ctx context.Context, task *dispatch.Task, taskErr error) {
	if task.RetryCount < task.MaxRetries {
		h.logger.Debug("Task failed with retries remaining",
			slog.String("task_id", task.TaskID),
			slog.Int("retry_count", task.RetryCount),
			slog.Int("max_retries", task.MaxRetries),
		)
		return
	}

	taskRoutingKey := ""
	if q := h.dispatch.QueueByName(task.Queue); q != nil {
		taskRoutingKey = q.RoutingKey
	}

	record := NewFailedTaskRecord(task, taskErr, taskRoutingKey)
	body, err := json.Marshal(record)
	if err != nil {
		h.logger.Error("Failed to marshal quarantine record",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := h.publisher.PublishWithRetry(ctx, h.routingKey, body, quarantinePriority, nil); err != nil {
		h.logger.Error("Failed to publish quarantine record",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Warn("Task quarantined after exhausting retries",
		slog.String("task_id", task.TaskID),
		slog.String("task_name", task.TaskName),
		slog.Int("retries", task.RetryCount),
		slog.String("error", taskErr.Error()),
	)
}
