package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/graphforge/opsplane/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(deps))

	operationHandler := handler.NewOperationHandler(deps)
	queryHandler := handler.NewQueryHandler(deps)
	dlqHandler := handler.NewDLQHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		operations := v1.Group("/operations")
		{
			// POST /api/v1/operations - Submit a long-running operation
			operations.POST("", operationHandler.SubmitOperation)

			// GET /api/v1/operations/:operation_id - Operation snapshot
			operations.GET("/:operation_id", operationHandler.GetOperation)

			// GET /api/v1/operations/:operation_id/stream - SSE progress
			operations.GET("/:operation_id/stream", operationHandler.StreamOperation)
		}

		// POST /api/v1/graphs/:graph_id/query - Admission-gated query
		v1.POST("/graphs/:graph_id/query", queryHandler.ExecuteQuery)

		dlqGroup := v1.Group("/dlq")
		{
			dlqGroup.GET("/stats", dlqHandler.Stats)
			dlqGroup.GET("/messages", dlqHandler.Messages)
			dlqGroup.POST("/reprocess/:task_id", dlqHandler.Reprocess)
			dlqGroup.POST("/purge", dlqHandler.Purge)
		}
	}

	return r
}

func healthHandler(deps *handler.Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps.Health))
		for name, check := range deps.Health {
			if err := check(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}

		c.JSON(status, gin.H{
			"status":  overall,
			"service": "opsplane-api-service",
			"checks":  checks,
		})
	}
}
