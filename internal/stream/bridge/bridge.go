package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/graphforge/opsplane/internal/registry"
	"github.com/graphforge/opsplane/internal/stream"
)

var (
	// ErrStreamTimeout is returned when the bridge's own wall-clock budget
	// is exhausted. Transport-level: the server-side operation may still
	// be running.
	ErrStreamTimeout = errors.New("stream timed out waiting for terminal event")

	// ErrStreamClosed is returned when the connection dropped before a
	// terminal event arrived
	ErrStreamClosed = errors.New("stream closed before terminal event")
)

// SubmitResponse is what the control-plane submit call returns
type SubmitResponse struct {
	OperationID string `json:"operation_id"`
	StreamURL   string `json:"stream_url"`
}

// SubmitFunc performs the control-plane call that starts the operation
type SubmitFunc func(ctx context.Context) (*SubmitResponse, error)

// Result is the folded terminal outcome of one operation stream
type Result struct {
	OperationID     string
	Status          registry.Status
	Result          map[string]any
	Error           string
	DurationSeconds float64
}

// Bridge opens a progress event stream and folds it into one synchronous
// result, so non-streaming callers (worker handlers included) can treat a
// long-running remote operation as a blocking call.
type Bridge struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Bridge. A nil client falls back to http.DefaultClient.
func New(httpClient *http.Client, logger *slog.Logger) *Bridge {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Bridge{
		httpClient: httpClient,
		logger:     logger,
	}
}

// Run submits the operation and blocks until a terminal event or until
// timeout. The timeout is the caller's own budget, independent of the
// server-side registry TTL. Submission failure maps to a failed Result
// rather than an error: the operation never started, which is a definite
// outcome, not a transport fault.
func (b *Bridge) Run(ctx context.Context, submit SubmitFunc, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sub, err := submit(ctx)
	if err != nil {
		b.logger.Error("Operation submission failed",
			slog.Any("error", err),
		)
		return &Result{
			Status: registry.StatusFailed,
			Error:  fmt.Sprintf("submission failed: %s", err),
		}, nil
	}

	b.logger.Info("Operation submitted, opening stream",
		slog.String("operation_id", sub.OperationID),
		slog.String("stream_url", sub.StreamURL),
	)

	result, err := b.consume(ctx, sub)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrStreamTimeout, sub.OperationID)
		}
		return nil, err
	}

	return result, nil
}

// consume reads SSE frames until a terminal event arrives
func (b *Bridge) consume(ctx context.Context, sub *SubmitResponse) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.StreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stream endpoint returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			// Frame terminator: dispatch what we accumulated
			if result := b.fold(sub, eventType, data); result != nil {
				return result, nil
			}
			eventType, data = "", ""

		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))

		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		// id:, retry: and comment lines are ignored
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStreamClosed, err)
	}

	return nil, ErrStreamClosed
}

// fold interprets one complete frame. A non-nil Result means the frame was
// terminal. Malformed payloads are skipped: the stream is trusted until
// the bridge's own timeout fires.
func (b *Bridge) fold(sub *SubmitResponse, eventType, data string) *Result {
	switch stream.EventType(eventType) {
	case stream.EventConnected:
		b.logger.Debug("Stream connected",
			slog.String("operation_id", sub.OperationID),
		)

	case stream.EventHeartbeat:
		var hb stream.Heartbeat
		if err := json.Unmarshal([]byte(data), &hb); err != nil {
			b.logger.Warn("Skipping malformed heartbeat payload",
				slog.String("operation_id", sub.OperationID),
			)
			return nil
		}
		if age := time.Since(hb.Timestamp); age > time.Minute {
			// Stale but not fatal
			b.logger.Warn("Stale heartbeat on stream",
				slog.String("operation_id", sub.OperationID),
				slog.Duration("age", age),
			)
		}

	case stream.EventProgress:
		var p stream.Progress
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			b.logger.Warn("Skipping malformed progress payload",
				slog.String("operation_id", sub.OperationID),
			)
			return nil
		}
		b.logger.Debug("Operation progress",
			slog.String("operation_id", sub.OperationID),
			slog.Int("progress_percent", p.ProgressPercent),
			slog.Int64("records_processed", p.RecordsProcessed),
		)

	case stream.EventCompleted:
		var c stream.Completed
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			b.logger.Warn("Skipping malformed completed payload",
				slog.String("operation_id", sub.OperationID),
			)
			return nil
		}
		return &Result{
			OperationID:     sub.OperationID,
			Status:          registry.StatusCompleted,
			Result:          c.Result,
			DurationSeconds: c.DurationSeconds,
		}

	case stream.EventFailed:
		var f stream.Failed
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			b.logger.Warn("Skipping malformed failed payload",
				slog.String("operation_id", sub.OperationID),
			)
			return nil
		}
		return &Result{
			OperationID: sub.OperationID,
			Status:      registry.StatusFailed,
			Error:       f.Error,
		}

	case stream.EventError:
		var se stream.StreamError
		if err := json.Unmarshal([]byte(data), &se); err != nil {
			se.Message = "stream error"
		}
		return &Result{
			OperationID: sub.OperationID,
			Status:      registry.StatusFailed,
			Error:       se.Message,
		}

	default:
		b.logger.Debug("Ignoring unknown event type",
			slog.String("event_type", eventType),
		)
	}

	return nil
}
