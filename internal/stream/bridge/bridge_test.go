package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphforge/opsplane/internal/registry"
	"github.com/graphforge/opsplane/shared/logger"
)

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		for _, frame := range frames {
			fmt.Fprint(w, frame)
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
}

func submitTo(srv *httptest.Server) SubmitFunc {
	return func(ctx context.Context) (*SubmitResponse, error) {
		return &SubmitResponse{
			OperationID: "op-1",
			StreamURL:   srv.URL + "/api/v1/operations/op-1/stream",
		}, nil
	}
}

func TestRunFoldsCompletedStream(t *testing.T) {
	srv := sseServer(t, []string{
		"event: connected\ndata: {\"operation_id\":\"op-1\",\"status\":\"running\"}\n\n",
		"event: progress\ndata: {\"progress_percent\":25,\"records_processed\":250}\n\n",
		"event: heartbeat\ndata: {\"timestamp\":\"" + time.Now().UTC().Format(time.RFC3339) + "\",\"status\":\"running\",\"progress_percent\":25}\n\n",
		"event: progress\ndata: {\"progress_percent\":60,\"records_processed\":600}\n\n",
		"event: completed\ndata: {\"result\":{\"records\":1000},\"duration_seconds\":12.5}\n\n",
	})
	defer srv.Close()

	b := New(srv.Client(), logger.NewDefault().Logger)
	result, err := b.Run(context.Background(), submitTo(srv), 5*time.Second)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "op-1", result.OperationID)
	assert.Equal(t, registry.StatusCompleted, result.Status)
	assert.Equal(t, float64(1000), result.Result["records"])
	assert.Equal(t, 12.5, result.DurationSeconds)
}

func TestRunFoldsFailedStream(t *testing.T) {
	srv := sseServer(t, []string{
		"event: connected\ndata: {\"operation_id\":\"op-1\",\"status\":\"running\"}\n\n",
		"event: failed\ndata: {\"error\":\"graph engine rejected the copy\",\"error_kind\":\"handler_failure\"}\n\n",
	})
	defer srv.Close()

	b := New(srv.Client(), logger.NewDefault().Logger)
	result, err := b.Run(context.Background(), submitTo(srv), 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, result.Status)
	assert.Equal(t, "graph engine rejected the copy", result.Error)
}

func TestRunSubmissionFailureMapsToFailedResult(t *testing.T) {
	b := New(nil, logger.NewDefault().Logger)

	submit := func(ctx context.Context) (*SubmitResponse, error) {
		return nil, errors.New("503 service unavailable")
	}

	result, err := b.Run(context.Background(), submit, time.Second)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, registry.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "submission failed")
	assert.Contains(t, result.Error, "503")
}

func TestRunSkipsMalformedPayloads(t *testing.T) {
	srv := sseServer(t, []string{
		"event: connected\ndata: {\"operation_id\":\"op-1\",\"status\":\"running\"}\n\n",
		"event: progress\ndata: {not json at all\n\n",
		"event: completed\ndata: {\"result\":{\"ok\":true},\"duration_seconds\":1}\n\n",
	})
	defer srv.Close()

	b := New(srv.Client(), logger.NewDefault().Logger)
	result, err := b.Run(context.Background(), submitTo(srv), 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, result.Status)
	assert.Equal(t, true, result.Result["ok"])
}

func TestRunStreamErrorEventIsTerminal(t *testing.T) {
	srv := sseServer(t, []string{
		"event: connected\ndata: {\"operation_id\":\"op-1\",\"status\":\"running\"}\n\n",
		"event: error\ndata: {\"message\":\"operation record expired\"}\n\n",
	})
	defer srv.Close()

	b := New(srv.Client(), logger.NewDefault().Logger)
	result, err := b.Run(context.Background(), submitTo(srv), 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, result.Status)
	assert.Equal(t, "operation record expired", result.Error)
}

func TestRunTimesOutOnSilentStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		// Never send a terminal event
		<-r.Context().Done()
	}))
	defer srv.Close()

	b := New(srv.Client(), logger.NewDefault().Logger)
	_, err := b.Run(context.Background(), submitTo(srv), 100*time.Millisecond)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStreamTimeout)
}

func TestRunConnectionDropBeforeTerminal(t *testing.T) {
	srv := sseServer(t, []string{
		"event: connected\ndata: {\"operation_id\":\"op-1\",\"status\":\"running\"}\n\n",
		"event: progress\ndata: {\"progress_percent\":10}\n\n",
	})
	defer srv.Close()

	b := New(srv.Client(), logger.NewDefault().Logger)
	_, err := b.Run(context.Background(), submitTo(srv), 5*time.Second)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStreamClosed)
}
