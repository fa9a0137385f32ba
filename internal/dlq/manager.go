package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/graphforge/opsplane/internal/dispatch"
)

var (
	// ErrTaskNotFound is returned when no quarantined record matches the task id
	ErrTaskNotFound = errors.New("task not found in dead letter queue")

	// ErrPurgeNotConfirmed guards the destructive purge path
	ErrPurgeNotConfirmed = errors.New("purge requires explicit confirmation")
)

// Health of the dead letter queue relative to the configured thresholds
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// Stats is a point-in-time view of the dead letter queue
type Stats struct {
	QueueName         string `json:"queue_name"`
	MessageCount      int    `json:"message_count"`
	Health            Health `json:"health"`
	WarningThreshold  int    `json:"warning_threshold"`
	CriticalThreshold int    `json:"critical_threshold"`
}

// Inspector is the broker surface the manager needs. Peeking uses
// basic.get with a requeue nack so inspection never consumes records.
type Inspector interface {
	QueueInspect(queueName string) (amqp.Queue, error)
	QueuePurge(queueName string) (int, error)
	Get(queueName string) (amqp.Delivery, bool, error)
}

// ManagerConfig holds manager settings
type ManagerConfig struct {
	QueueName         string
	WarningThreshold  int
	CriticalThreshold int
}

// Manager is the operator surface over the dead letter queue, shared by
// the API handlers and the dlqctl command tree.
type Manager struct {
	broker     Inspector
	dispatcher *dispatch.Dispatcher
	config     ManagerConfig
	logger     *slog.Logger
}

// NewManager creates a Manager over the dead letter queue
func NewManager(broker Inspector, dispatcher *dispatch.Dispatcher, cfg ManagerConfig, logger *slog.Logger) *Manager {
	return &Manager{
		broker:     broker,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
	}
}

// Stats reports the queue depth and its health classification
func (m *Manager) Stats() (*Stats, error) {
	queue, err := m.broker.QueueInspect(m.config.QueueName)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect dead letter queue: %w", err)
	}

	health := HealthHealthy
	switch {
	case m.config.CriticalThreshold > 0 && queue.Messages >= m.config.CriticalThreshold:
		health = HealthCritical
	case m.config.WarningThreshold > 0 && queue.Messages >= m.config.WarningThreshold:
		health = HealthWarning
	}

	return &Stats{
		QueueName:         m.config.QueueName,
		MessageCount:      queue.Messages,
		Health:            health,
		WarningThreshold:  m.config.WarningThreshold,
		CriticalThreshold: m.config.CriticalThreshold,
	}, nil
}

// List peeks at up to limit quarantined records without consuming them.
// Deliveries are held unacked during the scan and handed back with a
// requeue nack at the end, so the queue is unchanged afterwards.
func (m *Manager) List(limit int) ([]*FailedTaskRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	deliveries, records, err := m.scan(limit, "")
	m.release(deliveries)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Reprocess resubmits a quarantined task under a fresh task id, onto its
// original queue with its original payload. The quarantine record stays
// in the dead letter queue untouched.
func (m *Manager) Reprocess(ctx context.Context, taskID string) (*dispatch.Task, error) {
	deliveries, records, err := m.scan(0, taskID)
	defer m.release(deliveries)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	record := records[0]
	task := &dispatch.Task{
		TaskName: record.TaskName,
		Queue:    record.Metadata.Queue,
		Priority: record.Metadata.Priority,
		Args:     record.Args,
		Kwargs:   record.Kwargs,
		OwnerID:  record.Metadata.OwnerID,
		GraphID:  record.Metadata.GraphID,
	}

	if err := m.dispatcher.Enqueue(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to resubmit task %s: %w", taskID, err)
	}

	m.logger.Info("Quarantined task resubmitted",
		slog.String("original_task_id", taskID),
		slog.String("new_task_id", task.TaskID),
		slog.String("queue", task.Queue),
	)

	return task, nil
}

// Purge drops every quarantined record. The confirm flag must be true.
func (m *Manager) Purge(confirm bool) (int, error) {
	if !confirm {
		return 0, ErrPurgeNotConfirmed
	}

	count, err := m.broker.QueuePurge(m.config.QueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letter queue: %w", err)
	}

	m.logger.Warn("Dead letter queue purged",
		slog.Int("removed", count),
	)
	return count, nil
}

// scan fetches quarantined records without acking them. With a taskID it
// stops at the first match and returns only that record; with a limit it
// returns up to limit records. Undecodable bodies are skipped but still
// held for release.
func (m *Manager) scan(limit int, taskID string) ([]amqp.Delivery, []*FailedTaskRecord, error) {
	var deliveries []amqp.Delivery
	var records []*FailedTaskRecord

	for {
		if taskID == "" && len(records) >= limit {
			break
		}

		delivery, ok, err := m.broker.Get(m.config.QueueName)
		if err != nil {
			return deliveries, nil, fmt.Errorf("failed to read dead letter queue: %w", err)
		}
		if !ok {
			break
		}
		deliveries = append(deliveries, delivery)

		var record FailedTaskRecord
		if err := json.Unmarshal(delivery.Body, &record); err != nil {
			m.logger.Warn("Skipping undecodable quarantine record",
				slog.String("error", err.Error()),
			)
			continue
		}

		if taskID != "" {
			if record.TaskID == taskID {
				records = append(records, &record)
				break
			}
			continue
		}
		records = append(records, &record)
	}

	return deliveries, records, nil
}

// release hands scanned deliveries back to the queue
func (m *Manager) release(deliveries []amqp.Delivery) {
	for _, delivery := range deliveries {
		if err := delivery.Nack(false, true); err != nil {
			m.logger.Error("Failed to requeue quarantine record after peek",
				slog.String("error", err.Error()),
			)
		}
	}
}
