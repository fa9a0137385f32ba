package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/graphforge/opsplane/internal/api/dto"
	"github.com/graphforge/opsplane/internal/dispatch"
	"github.com/graphforge/opsplane/internal/registry"
	"github.com/graphforge/opsplane/internal/stream"
	"github.com/graphforge/opsplane/internal/worker"
)

// OperationHandler handles operation submission, lookup and streaming
type OperationHandler struct {
	logger     *slog.Logger
	registry   *registry.Registry
	streamer   *stream.Streamer
	dispatcher *dispatch.Dispatcher
}

// NewOperationHandler creates a new OperationHandler instance
func NewOperationHandler(deps *Dependencies) *OperationHandler {
	return &OperationHandler{
		logger:     deps.Logger,
		registry:   deps.Registry,
		streamer:   deps.Streamer,
		dispatcher: deps.Dispatcher,
	}
}

// taskRoute maps an operation type onto its task name and queue
var taskRoute = map[registry.Type]struct {
	TaskName string
	Queue    string
}{
	registry.TypeQuery:       {worker.TaskExecuteQuery, dispatch.QueueGraphDB},
	registry.TypeCopy:        {worker.TaskCopyGraph, dispatch.QueueDefault},
	registry.TypeBackup:      {worker.TaskBackupGraph, dispatch.QueueDefault},
	registry.TypeRestore:     {worker.TaskRestoreGraph, dispatch.QueueDefault},
	registry.TypeMaterialize: {worker.TaskMaterializeGraph, dispatch.QueueGraphDB},
	registry.TypeIngest:      {worker.TaskIngestRecords, dispatch.QueueDefault},
}

// SubmitOperation handles POST /api/v1/operations
func (h *OperationHandler) SubmitOperation(c *gin.Context) {
	var req dto.SubmitOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	opType := registry.Type(req.OperationType)
	route, ok := taskRoute[opType]
	if !ok {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: fmt.Sprintf("unknown operation_type %q", req.OperationType),
		})
		return
	}

	op := &registry.Operation{
		OperationID:      uuid.New().String(),
		Type:             opType,
		OwnerID:          req.OwnerID,
		GraphID:          req.GraphID,
		EstimatedRecords: req.EstimatedRecords,
	}
	if err := h.registry.Create(c.Request.Context(), op, 0); err != nil {
		h.logger.Error("Failed to create operation record",
			slog.String("operation_type", req.OperationType),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to create operation"})
		return
	}

	kwargs := map[string]any{"operation_id": op.OperationID}
	for k, v := range req.Params {
		kwargs[k] = v
	}

	task := &dispatch.Task{
		TaskName: route.TaskName,
		Queue:    route.Queue,
		Priority: clampPriority(req.Priority),
		Kwargs:   kwargs,
		OwnerID:  req.OwnerID,
		GraphID:  req.GraphID,
	}
	if err := h.dispatcher.Enqueue(c.Request.Context(), task); err != nil {
		h.logger.Error("Failed to enqueue operation task",
			slog.String("operation_id", op.OperationID),
			slog.String("error", err.Error()),
		)
		// The pending record expires by TTL; nothing will ever run it
		c.JSON(http.StatusBadGateway, dto.ErrorResponse{Error: "failed to enqueue operation"})
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitOperationResponse{
		OperationID: op.OperationID,
		Status:      string(registry.StatusPending),
		StreamURL:   fmt.Sprintf("/api/v1/operations/%s/stream", op.OperationID),
	})
}

// GetOperation handles GET /api/v1/operations/:operation_id
func (h *OperationHandler) GetOperation(c *gin.Context) {
	operationID := c.Param("operation_id")

	op, err := h.registry.Get(c.Request.Context(), operationID)
	if err != nil {
		if errors.Is(err, registry.ErrOperationNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "operation not found or expired"})
			return
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to load operation"})
		return
	}

	c.JSON(http.StatusOK, op)
}

// StreamOperation handles GET /api/v1/operations/:operation_id/stream.
// Events go out as SSE frames until the terminal event or client
// disconnect, whichever comes first.
func (h *OperationHandler) StreamOperation(c *gin.Context) {
	operationID := c.Param("operation_id")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	events := h.streamer.Stream(c.Request.Context(), operationID)

	c.Stream(func(w io.Writer) bool {
		event, ok := <-events
		if !ok {
			return false
		}

		if err := sse.Encode(w, sse.Event{
			Event: string(event.EventType()),
			Data:  event,
		}); err != nil {
			h.logger.Warn("Failed to encode stream event",
				slog.String("operation_id", operationID),
				slog.String("error", err.Error()),
			)
			return false
		}
		return true
	})
}

func clampPriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return uint8(p)
}
