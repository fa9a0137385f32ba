package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Config holds registry settings
type Config struct {
	KeyPrefix  string
	DefaultTTL time.Duration
}

// Registry is the single source of truth for a background operation's
// lifecycle. Records live in an externally shared store under a TTL, so
// expiry bounds store size and doubles as the cancellation signal for
// abandoned streams. Single-writer per operation id is enforced by
// convention: only the worker that claimed the id ever updates it.
type Registry struct {
	store      Store
	keyPrefix  string
	defaultTTL time.Duration
	logger     *slog.Logger
}

// New creates a Registry over the given store
func New(cfg *Config, store Store, logger *slog.Logger) *Registry {
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "operation"
	}

	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = 2 * time.Hour
	}

	return &Registry{
		store:      store,
		keyPrefix:  keyPrefix,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

func (r *Registry) key(operationID string) string {
	return fmt.Sprintf("%s:%s", r.keyPrefix, operationID)
}

// Create stores a new operation record with status pending. A zero ttl
// uses the registry default (~2h).
func (r *Registry) Create(ctx context.Context, op *Operation, ttl time.Duration) error {
	if op.OperationID == "" {
		return fmt.Errorf("%w: operation_id is required", ErrInvalidOperation)
	}
	if !ValidType(op.Type) {
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, op.Type)
	}

	op.Status = StatusPending
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now().UTC()
	}

	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}

	if err := r.store.Set(ctx, r.key(op.OperationID), data, ttl); err != nil {
		return fmt.Errorf("failed to store operation: %w", err)
	}

	r.logger.Info("Operation created",
		slog.String("operation_id", op.OperationID),
		slog.String("operation_type", string(op.Type)),
		slog.String("graph_id", op.GraphID),
		slog.Duration("ttl", ttl),
	)

	return nil
}

// Get returns a snapshot of the operation record
func (r *Registry) Get(ctx context.Context, operationID string) (*Operation, error) {
	data, err := r.store.Get(ctx, r.key(operationID))
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, ErrOperationNotFound
		}
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation: %w", err)
	}

	return &op, nil
}

// Update applies a partial overwrite to the operation record. Transitions
// out of a terminal state are rejected; entering one stamps CompletedAt.
// The record's remaining TTL is preserved.
func (r *Registry) Update(ctx context.Context, operationID string, upd Update) (*Operation, error) {
	op, err := r.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}

	if op.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, operationID, op.Status)
	}

	if upd.Status != nil && *upd.Status != op.Status {
		if !validTransition(op.Status, *upd.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, *upd.Status)
		}
		op.Status = *upd.Status
		if op.Status.Terminal() {
			now := time.Now().UTC()
			op.CompletedAt = &now
		}
	}

	if upd.ProgressPercent != nil {
		op.ProgressPercent = clampPercent(*upd.ProgressPercent)
	}
	if upd.RecordsProcessed != nil {
		op.RecordsProcessed = *upd.RecordsProcessed
	}
	if upd.EstimatedRecords != nil {
		op.EstimatedRecords = *upd.EstimatedRecords
	}
	if upd.Result != nil {
		op.Result = upd.Result
	}
	if upd.Error != nil {
		op.Error = *upd.Error
	}
	for k, v := range upd.Metadata {
		if op.Metadata == nil {
			op.Metadata = make(map[string]string)
		}
		op.Metadata[k] = v
	}

	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation: %w", err)
	}

	if err := r.store.Set(ctx, r.key(operationID), data, KeepTTL); err != nil {
		return nil, fmt.Errorf("failed to store operation: %w", err)
	}

	r.logger.Debug("Operation updated",
		slog.String("operation_id", operationID),
		slog.String("status", string(op.Status)),
		slog.Int("progress_percent", op.ProgressPercent),
	)

	return op, nil
}

// Delete removes the record before its TTL would. Used by operators only;
// normal cleanup is expiry.
func (r *Registry) Delete(ctx context.Context, operationID string) error {
	if err := r.store.Delete(ctx, r.key(operationID)); err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	return nil
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
