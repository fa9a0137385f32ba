package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graphforge/opsplane/internal/dispatch"
)

// Config holds worker service settings
type Config struct {
	OperationTimeout time.Duration
	ShutdownTimeout  time.Duration
}

// Worker runs one consumer per configured queue, all sharing the handler
// set. Queue concurrency caps live in the queue definitions, so the
// graph-facing queue can run narrower than the rest.
type Worker struct {
	workerID  string
	consumers []*dispatch.Consumer
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// New builds a worker over the dispatch topology. Every queue gets its
// own consumer with the full handler set registered.
func New(cfg *Config, dispatchCfg *dispatch.Config, client dispatch.BrokerConsumer, dispatcher *dispatch.Dispatcher, handlers *Handlers, hook dispatch.FailureHook, logger *slog.Logger) *Worker {
	workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])

	w := &Worker{
		workerID: workerID,
		logger:   logger,
	}

	for _, queue := range dispatchCfg.Queues {
		consumer := dispatch.NewConsumer(&dispatch.ConsumerConfig{
			Logger:      logger,
			Client:      client,
			Dispatcher:  dispatcher,
			Hook:        hook,
			Queue:       queue,
			TaskTimeout: cfg.OperationTimeout,
			WorkerID:    workerID,
		})
		handlers.Register(consumer)
		w.consumers = append(w.consumers, consumer)
	}

	return w
}

// NewWithConsumers builds a worker over prebuilt consumers
func NewWithConsumers(workerID string, consumers []*dispatch.Consumer, logger *slog.Logger) *Worker {
	return &Worker{
		workerID:  workerID,
		consumers: consumers,
		logger:    logger,
	}
}

// WorkerID returns the generated worker identity
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Start launches every consumer and blocks until ctx is cancelled
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("consumers", len(w.consumers)),
	)

	for _, consumer := range w.consumers {
		w.wg.Add(1)
		go func(c *dispatch.Consumer) {
			defer w.wg.Done()
			if err := c.Start(ctx); err != nil {
				w.logger.Error("Consumer failed to start",
					slog.String("worker_id", w.workerID),
					slog.String("error", err.Error()),
				)
			}
		}(consumer)
	}

	<-ctx.Done()
	w.logger.Info("Worker shutting down",
		slog.String("worker_id", w.workerID),
	)
}

// Stop drains every consumer's worker pool
func (w *Worker) Stop() {
	for _, consumer := range w.consumers {
		consumer.Stop()
	}
	w.wg.Wait()
	w.logger.Info("Worker stopped",
		slog.String("worker_id", w.workerID),
	)
}
