package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/graphforge/opsplane/internal/api/dto"
	"github.com/graphforge/opsplane/internal/dlq"
)

// DLQHandler exposes the dead letter queue operator surface over HTTP
type DLQHandler struct {
	logger  *slog.Logger
	manager *dlq.Manager
}

// NewDLQHandler creates a new DLQHandler instance
func NewDLQHandler(deps *Dependencies) *DLQHandler {
	return &DLQHandler{
		logger:  deps.Logger,
		manager: deps.DLQ,
	}
}

// Stats handles GET /api/v1/dlq/stats
func (h *DLQHandler) Stats(c *gin.Context) {
	stats, err := h.manager.Stats()
	if err != nil {
		h.logger.Error("Failed to read DLQ stats",
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to read dlq stats"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// Messages handles GET /api/v1/dlq/messages?limit=N
func (h *DLQHandler) Messages(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	records, err := h.manager.List(limit)
	if err != nil {
		h.logger.Error("Failed to list DLQ messages",
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to list dlq messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": records, "count": len(records)})
}

// Reprocess handles POST /api/v1/dlq/reprocess/:task_id
func (h *DLQHandler) Reprocess(c *gin.Context) {
	taskID := c.Param("task_id")

	task, err := h.manager.Reprocess(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, dlq.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error()})
			return
		}
		h.logger.Error("Failed to reprocess DLQ task",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to reprocess task"})
		return
	}

	c.JSON(http.StatusOK, dto.ReprocessResponse{
		OriginalTaskID: taskID,
		NewTaskID:      task.TaskID,
		Queue:          task.Queue,
	})
}

// Purge handles POST /api/v1/dlq/purge
func (h *DLQHandler) Purge(c *gin.Context) {
	var req dto.PurgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	removed, err := h.manager.Purge(req.Confirm)
	if err != nil {
		if errors.Is(err, dlq.ErrPurgeNotConfirmed) {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
			return
		}
		h.logger.Error("Failed to purge DLQ",
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to purge dlq"})
		return
	}

	c.JSON(http.StatusOK, dto.PurgeResponse{Removed: removed})
}
