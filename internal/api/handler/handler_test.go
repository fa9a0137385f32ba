package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphforge/opsplane/internal/admission"
	"github.com/graphforge/opsplane/internal/api/handler"
	"github.com/graphforge/opsplane/internal/api/router"
	"github.com/graphforge/opsplane/internal/dispatch"
	"github.com/graphforge/opsplane/internal/dlq"
	"github.com/graphforge/opsplane/internal/graph"
	"github.com/graphforge/opsplane/internal/registry"
	"github.com/graphforge/opsplane/internal/stream"
	"github.com/graphforge/opsplane/shared/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBroker struct {
	published [][]byte
	keys      []string
	queue     [][]byte
	unacked   map[uint64][]byte
	nextTag   uint64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{unacked: make(map[uint64][]byte)}
}

func (b *fakeBroker) PublishWithRetry(_ context.Context, routingKey string, body []byte, _ uint8, _ amqp.Table) error {
	b.published = append(b.published, body)
	b.keys = append(b.keys, routingKey)
	return nil
}

func (b *fakeBroker) QueueInspect(queueName string) (amqp.Queue, error) {
	return amqp.Queue{Name: queueName, Messages: len(b.queue)}, nil
}

func (b *fakeBroker) QueuePurge(string) (int, error) {
	count := len(b.queue)
	b.queue = nil
	return count, nil
}

func (b *fakeBroker) Get(string) (amqp.Delivery, bool, error) {
	if len(b.queue) == 0 {
		return amqp.Delivery{}, false, nil
	}
	body := b.queue[0]
	b.queue = b.queue[1:]
	b.nextTag++
	b.unacked[b.nextTag] = body
	return amqp.Delivery{Acknowledger: &fakeAck{broker: b}, DeliveryTag: b.nextTag, Body: body}, true, nil
}

type fakeAck struct {
	broker *fakeBroker
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	delete(a.broker.unacked, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	if body, ok := a.broker.unacked[tag]; ok && requeue {
		a.broker.queue = append(a.broker.queue, body)
	}
	delete(a.broker.unacked, tag)
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fixture struct {
	router    *gin.Engine
	registry  *registry.Registry
	engine    *graph.MemoryEngine
	broker    *fakeBroker
	admission *admission.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logger.NewDefault().Logger
	broker := newFakeBroker()
	engine := graph.NewMemoryEngine()
	reg := registry.New(&registry.Config{DefaultTTL: time.Hour}, registry.NewMemoryStore(), log)
	dispatcher := dispatch.NewDispatcher(&dispatch.Config{
		Queues: []dispatch.QueueDef{
			{Name: dispatch.QueueDefault, RoutingKey: "ops.default", Concurrency: 4},
			{Name: dispatch.QueuePriority, RoutingKey: "ops.priority", Concurrency: 4},
			{Name: dispatch.QueueGraphDB, RoutingKey: "ops.graphdb", Concurrency: 2},
		},
		DefaultMaxRetries: 3,
	}, broker, log)

	controller := admission.NewController(&admission.Config{
		GlobalMaxOperations: 10,
		PerDatabaseMax:      2,
		RetryAfter:          5 * time.Second,
	}, admission.NewTracker(), log)

	manager := dlq.NewManager(broker, dispatcher, dlq.ManagerConfig{
		QueueName:         "operations.dlq",
		WarningThreshold:  10,
		CriticalThreshold: 100,
	}, log)

	deps := &handler.Dependencies{
		Logger:     log,
		Registry:   reg,
		Streamer:   stream.NewStreamer(reg, stream.Options{PollInterval: 10 * time.Millisecond, HeartbeatInterval: time.Minute}, log),
		Dispatcher: dispatcher,
		Admission:  controller,
		Engine:     engine,
		DLQ:        manager,
		Health: map[string]handler.HealthCheck{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return nil },
			"rabbitmq": func(context.Context) error { return nil },
		},
	}

	return &fixture{
		router:    router.SetupRouter(deps),
		registry:  reg,
		engine:    engine,
		broker:    broker,
		admission: controller,
	}
}

// closeNotifyRecorder adds http.CloseNotifier to httptest.ResponseRecorder;
// gin's Context.Stream requires it from the underlying ResponseWriter.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func (f *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(&closeNotifyRecorder{ResponseRecorder: w, closed: make(chan bool, 1)}, req)
	return w
}

func TestSubmitOperation(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/api/v1/operations", map[string]any{
		"operation_type": "ingest",
		"owner_id":       "owner-1",
		"graph_id":       "g1",
		"priority":       5,
		"params":         map[string]any{"input_id": "in-1"},
	})

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		OperationID string `json:"operation_id"`
		Status      string `json:"status"`
		StreamURL   string `json:"stream_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.OperationID)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "/api/v1/operations/"+resp.OperationID+"/stream", resp.StreamURL)

	// Registry record exists and is pending
	op, err := f.registry.Get(context.Background(), resp.OperationID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPending, op.Status)
	assert.Equal(t, registry.TypeIngest, op.Type)

	// Task went to the default queue carrying the operation id
	require.Len(t, f.broker.published, 1)
	assert.Equal(t, "ops.default", f.broker.keys[0])

	var task dispatch.Task
	require.NoError(t, json.Unmarshal(f.broker.published[0], &task))
	assert.Equal(t, "ingest_records", task.TaskName)
	assert.Equal(t, resp.OperationID, task.KwargString("operation_id"))
	assert.Equal(t, "in-1", task.KwargString("input_id"))
	assert.Equal(t, uint8(5), task.Priority)
}

func TestSubmitOperationRoutesQueryToGraphQueue(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/api/v1/operations", map[string]any{
		"operation_type": "query",
		"owner_id":       "owner-1",
		"graph_id":       "g1",
		"params":         map[string]any{"query": "match (n)"},
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, f.broker.keys, 1)
	assert.Equal(t, "ops.graphdb", f.broker.keys[0])
}

func TestSubmitOperationValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown type", map[string]any{"operation_type": "defragment", "owner_id": "o", "graph_id": "g"}},
		{"missing owner", map[string]any{"operation_type": "query", "graph_id": "g"}},
		{"missing graph", map[string]any{"operation_type": "query", "owner_id": "o"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.request(t, http.MethodPost, "/api/v1/operations", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, f.broker.published)
		})
	}
}

func TestGetOperation(t *testing.T) {
	f := newFixture(t)

	op := &registry.Operation{
		OperationID: "op-1",
		Type:        registry.TypeBackup,
		OwnerID:     "owner-1",
		GraphID:     "g1",
	}
	require.NoError(t, f.registry.Create(context.Background(), op, 0))

	w := f.request(t, http.MethodGet, "/api/v1/operations/op-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got registry.Operation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "op-1", got.OperationID)
	assert.Equal(t, registry.StatusPending, got.Status)

	w = f.request(t, http.MethodGet, "/api/v1/operations/no-such-op", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamOperationTerminalAtConnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	op := &registry.Operation{
		OperationID: "op-1",
		Type:        registry.TypeCopy,
		OwnerID:     "owner-1",
		GraphID:     "g1",
	}
	require.NoError(t, f.registry.Create(ctx, op, 0))
	_, err := f.registry.Update(ctx, "op-1", registry.Update{Status: registry.StatusOf(registry.StatusRunning)})
	require.NoError(t, err)
	_, err = f.registry.Update(ctx, "op-1", registry.Update{
		Status: registry.StatusOf(registry.StatusCompleted),
		Result: map[string]any{"records_copied": 42},
	})
	require.NoError(t, err)

	w := f.request(t, http.MethodGet, "/api/v1/operations/op-1/stream", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	body := w.Body.String()
	assert.Contains(t, body, "event:connected")
	assert.Contains(t, body, "event:completed")
	assert.Contains(t, body, "records_copied")
}

func TestStreamOperationUnknownID(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodGet, "/api/v1/operations/no-such-op/stream", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event:error")
}

func TestExecuteQuery(t *testing.T) {
	f := newFixture(t)
	f.engine.Seed("g1", []graph.Record{{"id": "n1"}, {"id": "n2"}})

	w := f.request(t, http.MethodPost, "/api/v1/graphs/g1/query", map[string]any{
		"query": "match (n) return n",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		GraphID string `json:"graph_id"`
		Count   int    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "g1", resp.GraphID)
	assert.Equal(t, 2, resp.Count)
}

func TestExecuteQueryRejectedWhenBusy(t *testing.T) {
	f := newFixture(t)
	f.engine.Seed("g1", []graph.Record{{"id": "n1"}})

	// Occupy both per-database slots
	lease1, res1 := f.admission.Acquire("g1", admission.ClassInteractive)
	require.True(t, res1.Accepted())
	defer lease1.Release()
	lease2, res2 := f.admission.Acquire("g1", admission.ClassInteractive)
	require.True(t, res2.Accepted())
	defer lease2.Release()

	w := f.request(t, http.MethodPost, "/api/v1/graphs/g1/query", map[string]any{
		"query": "match (n)",
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))

	var resp struct {
		Decision          string  `json:"decision"`
		Reason            string  `json:"reason"`
		RetryAfterSeconds float64 `json:"retry_after"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "REJECT_DB_BUSY", resp.Decision)
	assert.NotEmpty(t, resp.Reason)
	assert.Equal(t, 5.0, resp.RetryAfterSeconds)
}

func TestExecuteQueryUnknownGraph(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/api/v1/graphs/missing/query", map[string]any{
		"query": "match (n)",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDLQEndpoints(t *testing.T) {
	f := newFixture(t)

	record := map[string]any{
		"task_id":   "t1",
		"task_name": "backup_graph",
		"retries":   3,
		"metadata":  map[string]any{"queue": "operations.default", "routing_key": "ops.default"},
	}
	body, err := json.Marshal(record)
	require.NoError(t, err)
	f.broker.queue = append(f.broker.queue, body)

	w := f.request(t, http.MethodGet, "/api/v1/dlq/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"message_count":1`)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	w = f.request(t, http.MethodGet, "/api/v1/dlq/messages?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"t1"`)
	assert.Len(t, f.broker.queue, 1, "listing must not consume")

	w = f.request(t, http.MethodPost, "/api/v1/dlq/reprocess/t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.broker.published, 1)

	w = f.request(t, http.MethodPost, "/api/v1/dlq/reprocess/no-such-task", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.request(t, http.MethodPost, "/api/v1/dlq/purge", map[string]any{"confirm": false})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, f.broker.queue, 1)

	w = f.request(t, http.MethodPost, "/api/v1/dlq/purge", map[string]any{"confirm": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"removed":1`)
	assert.Empty(t, f.broker.queue)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}
