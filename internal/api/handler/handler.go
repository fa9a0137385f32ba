package handler

import (
	"context"
	"log/slog"

	"github.com/graphforge/opsplane/internal/admission"
	"github.com/graphforge/opsplane/internal/dispatch"
	"github.com/graphforge/opsplane/internal/dlq"
	"github.com/graphforge/opsplane/internal/graph"
	"github.com/graphforge/opsplane/internal/registry"
	"github.com/graphforge/opsplane/internal/stream"
)

// HealthCheck probes one backing service
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Registry   *registry.Registry
	Streamer   *stream.Streamer
	Dispatcher *dispatch.Dispatcher
	Admission  *admission.Controller
	Engine     graph.Engine
	DLQ        *dlq.Manager
	Health     map[string]HealthCheck
}
