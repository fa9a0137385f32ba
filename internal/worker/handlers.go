package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/graphforge/opsplane/internal/dispatch"
	"github.com/graphforge/opsplane/internal/graph"
	"github.com/graphforge/opsplane/internal/registry"
	"github.com/graphforge/opsplane/internal/worker/storage"
)

// Task names understood by the worker
const (
	TaskExecuteQuery     = "execute_query"
	TaskCopyGraph        = "copy_graph"
	TaskBackupGraph      = "backup_graph"
	TaskRestoreGraph     = "restore_graph"
	TaskIngestRecords    = "ingest_records"
	TaskMaterializeGraph = "materialize_graph"
)

// ProvenanceStore is the slice of worker storage the handlers need
type ProvenanceStore interface {
	ClaimInput(ctx context.Context, inputID, operationID string) (*storage.OperationInput, error)
	MarkStaged(ctx context.Context, staged *storage.StagedInput) error
}

// Handlers implements the long-running operation handlers. All of them
// follow the same shape: resolve inputs and fail fast on anything that a
// retry cannot fix, perform the engine side effect, persist provenance
// only after the side effect is confirmed, and report progress at step
// boundaries.
type Handlers struct {
	engine     graph.Engine
	store      ProvenanceStore
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewHandlers creates the handler set
func NewHandlers(engine graph.Engine, store ProvenanceStore, reg *registry.Registry, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Handlers {
	return &Handlers{
		engine:     engine,
		store:      store,
		registry:   reg,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Register binds every handler to its task name on a consumer
func (h *Handlers) Register(c *dispatch.Consumer) {
	c.Register(TaskExecuteQuery, h.HandleQuery())
	c.Register(TaskCopyGraph, h.HandleCopy())
	c.Register(TaskBackupGraph, h.HandleBackup())
	c.Register(TaskRestoreGraph, h.HandleRestore())
	c.Register(TaskIngestRecords, h.HandleIngest())
	c.Register(TaskMaterializeGraph, h.HandleMaterialize())
}

// stepFunc does the operation-specific work and returns the result map
// and the number of records processed
type stepFunc func(ctx context.Context, task *dispatch.Task, op *registry.Operation) (map[string]any, int64, error)

// run wraps a step function with the shared lifecycle: registry
// transitions in, classified failure out.
func (h *Handlers) run(fn stepFunc) dispatch.Handler {
	return func(ctx context.Context, task *dispatch.Task) error {
		operationID := task.KwargString("operation_id")
		if operationID == "" {
			return dispatch.NewPermanentError(errors.New("task is missing operation_id"))
		}

		op, err := h.registry.Get(ctx, operationID)
		if err != nil {
			if errors.Is(err, registry.ErrOperationNotFound) {
				// Record expiry is the cancellation signal. The work is
				// abandoned, not failed.
				h.logger.Warn("Operation record expired before execution, skipping",
					slog.String("operation_id", operationID),
					slog.String("task_id", task.TaskID),
				)
				return nil
			}
			return dispatch.NewRetryableError(err)
		}

		if op.Status.Terminal() {
			// Redelivery after the owning attempt already concluded
			h.logger.Info("Operation already in terminal state, skipping",
				slog.String("operation_id", operationID),
				slog.String("status", string(op.Status)),
			)
			return nil
		}

		if op.Status == registry.StatusPending {
			if op, err = h.registry.Update(ctx, operationID, registry.Update{
				Status: registry.StatusOf(registry.StatusRunning),
			}); err != nil {
				return dispatch.NewRetryableError(err)
			}
		}

		result, records, stepErr := fn(ctx, task, op)
		if stepErr != nil {
			h.concludeFailure(ctx, task, operationID, stepErr)
			return stepErr
		}

		if _, err := h.registry.Update(ctx, operationID, registry.Update{
			Status:           registry.StatusOf(registry.StatusCompleted),
			ProgressPercent:  registry.IntOf(100),
			RecordsProcessed: registry.Int64Of(records),
			Result:           result,
		}); err != nil {
			return dispatch.NewRetryableError(err)
		}

		return nil
	}
}

// concludeFailure marks the operation failed once no further attempt will
// run. Failures that will be retried leave the record running.
func (h *Handlers) concludeFailure(ctx context.Context, task *dispatch.Task, operationID string, stepErr error) {
	willRetry := dispatch.Retryable(stepErr) && task.RetryCount+1 < task.MaxRetries
	if willRetry {
		return
	}

	if _, err := h.registry.Update(ctx, operationID, registry.Update{
		Status: registry.StatusOf(registry.StatusFailed),
		Error:  registry.StringOf(stepErr.Error()),
	}); err != nil {
		h.logger.Error("Failed to record operation failure",
			slog.String("operation_id", operationID),
			slog.String("error", err.Error()),
		)
	}
}

// progress reports a step boundary, best effort
func (h *Handlers) progress(ctx context.Context, operationID string, percent int, records int64) {
	_, err := h.registry.Update(ctx, operationID, registry.Update{
		ProgressPercent:  registry.IntOf(percent),
		RecordsProcessed: registry.Int64Of(records),
	})
	if err != nil {
		h.logger.Warn("Failed to report progress",
			slog.String("operation_id", operationID),
			slog.String("error", err.Error()),
		)
	}
}

// HandleQuery executes read query text against a graph
func (h *Handlers) HandleQuery() dispatch.Handler {
	return h.run(func(ctx context.Context, task *dispatch.Task, op *registry.Operation) (map[string]any, int64, error) {
		query := task.KwargString("query")
		params, _ := task.Kwargs["params"].(map[string]any)

		result, err := h.engine.ExecuteQuery(ctx, op.GraphID, query, params)
		if err != nil {
			return nil, 0, classifyEngineError(err)
		}

		return map[string]any{
			"rows":  result.Rows,
			"count": result.Count,
		}, int64(result.Count), nil
	})
}

// HandleCopy bulk-copies one graph into another
func (h *Handlers) HandleCopy() dispatch.Handler {
	return h.run(func(ctx context.Context, task *dispatch.Task, op *registry.Operation) (map[string]any, int64, error) {
		targetID := task.KwargString("target_graph_id")
		if targetID == "" {
			return nil, 0, dispatch.NewPermanentError(errors.New("copy task is missing target_graph_id"))
		}

		copied, err := h.engine.CopyGraph(ctx, op.GraphID, targetID)
		if err != nil {
			return nil, 0, classifyEngineError(err)
		}

		return map[string]any{
			"target_graph_id": targetID,
			"records_copied":  copied,
		}, int64(copied), nil
	})
}

// HandleBackup snapshots a graph to a destination
func (h *Handlers) HandleBackup() dispatch.Handler {
	return h.run(func(ctx context.Context, task *dispatch.Task, op *registry.Operation) (map[string]any, int64, error) {
		destination := task.KwargString("destination")
		if destination == "" {
			return nil, 0, dispatch.NewPermanentError(errors.New("backup task is missing destination"))
		}

		captured, err := h.engine.Backup(ctx, op.GraphID, destination)
		if err != nil {
			return nil, 0, classifyEngineError(err)
		}

		return map[string]any{
			"destination":      destination,
			"records_captured": captured,
		}, int64(captured), nil
	})
}

// HandleRestore replaces a graph's contents from a snapshot
func (h *Handlers) HandleRestore() dispatch.Handler {
	return h.run(func(ctx context.Context, task *dispatch.Task, op *registry.Operation) (map[string]any, int64, error) {
		source := task.KwargString("source")
		if source == "" {
			return nil, 0, dispatch.NewPermanentError(errors.New("restore task is missing source"))
		}

		restored, err := h.engine.Restore(ctx, op.GraphID, source)
		if err != nil {
			return nil, 0, classifyEngineError(err)
		}

		return map[string]any{
			"source":           source,
			"records_restored": restored,
		}, int64(restored), nil
	})
}

// HandleIngest stages an uploaded input batch into the graph's staging
// area and records provenance, then enqueues materialization best effort.
func (h *Handlers) HandleIngest() dispatch.Handler {
	return h.run(func(ctx context.Context, task *dispatch.Task, op *registry.Operation) (map[string]any, int64, error) {
		inputID := task.KwargString("input_id")
		if inputID == "" {
			return nil, 0, dispatch.NewPermanentError(errors.New("ingest task is missing input_id"))
		}

		input, err := h.store.ClaimInput(ctx, inputID, op.OperationID)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrInputNotFound), errors.Is(err, storage.ErrInputClaimed):
				return nil, 0, dispatch.NewPermanentError(err)
			default:
				return nil, 0, dispatch.NewRetryableError(err)
			}
		}

		h.progress(ctx, op.OperationID, 25, 0)

		records, err := input.Records()
		if err != nil {
			return nil, 0, dispatch.NewPermanentError(err)
		}

		staged, err := h.engine.StageRecords(ctx, op.GraphID, records)
		if err != nil {
			return nil, 0, classifyEngineError(err)
		}

		h.progress(ctx, op.OperationID, 60, int64(staged))

		// Provenance only after the engine confirmed the staging, so a
		// redelivered task repeats the side effect rather than skipping it
		if err := h.store.MarkStaged(ctx, &storage.StagedInput{
			InputID:       inputID,
			GraphID:       op.GraphID,
			OperationID:   op.OperationID,
			RecordsStaged: staged,
		}); err != nil {
			return nil, 0, dispatch.NewRetryableError(err)
		}

		result := map[string]any{
			"input_id":       inputID,
			"records_staged": staged,
		}

		if materializeID, err := h.enqueueMaterialize(ctx, op); err != nil {
			h.logger.Warn("Failed to enqueue follow-on materialization",
				slog.String("operation_id", op.OperationID),
				slog.String("error", err.Error()),
			)
		} else {
			result["materialize_operation_id"] = materializeID
		}

		return result, int64(staged), nil
	})
}

// HandleMaterialize folds a graph's staged records into the graph proper
func (h *Handlers) HandleMaterialize() dispatch.Handler {
	return h.run(func(ctx context.Context, task *dispatch.Task, op *registry.Operation) (map[string]any, int64, error) {
		materialized, err := h.engine.Materialize(ctx, op.GraphID)
		if err != nil {
			return nil, 0, classifyEngineError(err)
		}

		return map[string]any{
			"records_materialized": materialized,
		}, int64(materialized), nil
	})
}

// enqueueMaterialize creates a follow-on materialize operation and
// submits its task. Callers treat failure as non-fatal.
func (h *Handlers) enqueueMaterialize(ctx context.Context, parent *registry.Operation) (string, error) {
	op := &registry.Operation{
		OperationID: uuid.New().String(),
		Type:        registry.TypeMaterialize,
		OwnerID:     parent.OwnerID,
		GraphID:     parent.GraphID,
		Metadata:    map[string]string{"parent_operation_id": parent.OperationID},
	}
	if err := h.registry.Create(ctx, op, 0); err != nil {
		return "", fmt.Errorf("failed to create follow-on operation: %w", err)
	}

	task := &dispatch.Task{
		TaskName: TaskMaterializeGraph,
		Queue:    dispatch.QueueGraphDB,
		OwnerID:  parent.OwnerID,
		GraphID:  parent.GraphID,
		Kwargs:   map[string]any{"operation_id": op.OperationID},
	}
	if err := h.dispatcher.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("failed to enqueue follow-on task: %w", err)
	}

	return op.OperationID, nil
}

// classifyEngineError maps engine failures onto the retry taxonomy.
// Missing graphs and snapshots stay missing on redelivery; anything else
// is assumed transient.
func classifyEngineError(err error) error {
	switch {
	case errors.Is(err, graph.ErrGraphNotFound),
		errors.Is(err, graph.ErrBackupNotFound),
		errors.Is(err, graph.ErrEmptyQuery):
		return dispatch.NewPermanentError(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return dispatch.NewRetryableError(err)
	default:
		return dispatch.NewRetryableError(err)
	}
}
