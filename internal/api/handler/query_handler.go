package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/graphforge/opsplane/internal/admission"
	"github.com/graphforge/opsplane/internal/api/dto"
	"github.com/graphforge/opsplane/internal/graph"
)

// QueryHandler handles admission-gated synchronous queries
type QueryHandler struct {
	logger    *slog.Logger
	admission *admission.Controller
	engine    graph.Engine
}

// NewQueryHandler creates a new QueryHandler instance
func NewQueryHandler(deps *Dependencies) *QueryHandler {
	return &QueryHandler{
		logger:    deps.Logger,
		admission: deps.Admission,
		engine:    deps.Engine,
	}
}

// ExecuteQuery handles POST /api/v1/graphs/:graph_id/query. The request
// runs inline against the engine, so it must pass the admission gate and
// hold a connection lease for its whole duration.
func (h *QueryHandler) ExecuteQuery(c *gin.Context) {
	graphID := c.Param("graph_id")

	var req dto.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	class := admission.ClassInteractive
	if req.Class == string(admission.ClassBatch) {
		class = admission.ClassBatch
	}

	lease, result := h.admission.Acquire(graphID, class)
	if !result.Accepted() {
		c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
		c.JSON(http.StatusServiceUnavailable, dto.AdmissionRejectedResponse{
			Decision:          string(result.Decision),
			Reason:            result.Reason,
			RetryAfterSeconds: result.RetryAfter.Seconds(),
		})
		return
	}
	defer lease.Release()

	queryResult, err := h.engine.ExecuteQuery(c.Request.Context(), graphID, req.Query, req.Params)
	if err != nil {
		switch {
		case errors.Is(err, graph.ErrGraphNotFound):
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error()})
		case errors.Is(err, graph.ErrEmptyQuery):
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		default:
			h.logger.Error("Query execution failed",
				slog.String("graph_id", graphID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "query execution failed"})
		}
		return
	}

	c.JSON(http.StatusOK, dto.QueryResponse{
		GraphID: graphID,
		Count:   queryResult.Count,
		Rows:    queryResult.Rows,
	})
}
