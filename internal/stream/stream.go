package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/graphforge/opsplane/internal/registry"
)

// Getter is the read side of the operation registry
type Getter interface {
	Get(ctx context.Context, operationID string) (*registry.Operation, error)
}

// Options tune the polling generator
type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Streamer turns polled registry snapshots into a discrete, ordered
// sequence of events for one operation. Each call to Stream produces a
// lazy, non-restartable sequence; the only suspension point is the
// poll-sleep, so cancelling the context stops the loop at its next wait.
type Streamer struct {
	getter            Getter
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewStreamer creates a Streamer over the given registry
func NewStreamer(getter Getter, opts Options, logger *slog.Logger) *Streamer {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	heartbeatInterval := opts.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}

	return &Streamer{
		getter:            getter,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
	}
}

// Stream opens an event sequence for the operation. The channel is closed
// after the terminal event, or when ctx is cancelled.
func (s *Streamer) Stream(ctx context.Context, operationID string) <-chan Event {
	events := make(chan Event, 8)

	go s.run(ctx, operationID, events)

	return events
}

func (s *Streamer) run(ctx context.Context, operationID string, events chan<- Event) {
	defer close(events)

	// A transient store fault at connect time is retried like a failed
	// poll; only a definitive not-found ends the stream here.
	op, err := s.getter.Get(ctx, operationID)
	for err != nil {
		if errors.Is(err, registry.ErrOperationNotFound) {
			s.emit(ctx, events, StreamError{Message: "operation not found or expired"})
			return
		}
		s.logger.Warn("Registry read failed",
			slog.String("operation_id", operationID),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollInterval):
		}
		op, err = s.getter.Get(ctx, operationID)
	}

	if !s.emit(ctx, events, Connected{OperationID: operationID, Status: op.Status}) {
		return
	}

	lastProgress := op.ProgressPercent
	lastEmit := time.Now()

	// The operation may already be terminal at connect time
	if done := s.observe(ctx, events, op, &lastProgress, &lastEmit); done {
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Stream closed by client",
				slog.String("operation_id", operationID),
			)
			return

		case <-ticker.C:
			op, err := s.getter.Get(ctx, operationID)
			if err != nil {
				if errors.Is(err, registry.ErrOperationNotFound) {
					// TTL expiry is the cancellation signal path
					s.emit(ctx, events, StreamError{Message: "operation record expired"})
					return
				}
				s.logger.Warn("Registry poll failed",
					slog.String("operation_id", operationID),
					slog.Any("error", err),
				)
				continue
			}

			if done := s.observe(ctx, events, op, &lastProgress, &lastEmit); done {
				return
			}
		}
	}
}

// observe folds one registry snapshot into zero or one emitted events.
// Returns true when the stream is finished.
func (s *Streamer) observe(ctx context.Context, events chan<- Event, op *registry.Operation, lastProgress *int, lastEmit *time.Time) bool {
	switch op.Status {
	case registry.StatusCompleted:
		s.emit(ctx, events, Completed{
			Result:          op.Result,
			DurationSeconds: op.Duration().Seconds(),
		})
		return true

	case registry.StatusFailed:
		s.emit(ctx, events, Failed{
			Error:     op.Error,
			ErrorKind: "handler_failure",
		})
		return true
	}

	if op.ProgressPercent != *lastProgress {
		// Edge-triggered: a repeated value produces no event
		*lastProgress = op.ProgressPercent
		*lastEmit = time.Now()
		return !s.emit(ctx, events, Progress{
			ProgressPercent:  op.ProgressPercent,
			RecordsProcessed: op.RecordsProcessed,
			EstimatedRecords: op.EstimatedRecords,
		})
	}

	if time.Since(*lastEmit) >= s.heartbeatInterval {
		*lastEmit = time.Now()
		return !s.emit(ctx, events, Heartbeat{
			Timestamp:       time.Now().UTC(),
			Status:          op.Status,
			ProgressPercent: op.ProgressPercent,
		})
	}

	return false
}

// emit delivers an event unless the client is gone. Returns false when the
// context was cancelled.
func (s *Streamer) emit(ctx context.Context, events chan<- Event, e Event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}
