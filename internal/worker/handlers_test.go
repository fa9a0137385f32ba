package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphforge/opsplane/internal/dispatch"
	"github.com/graphforge/opsplane/internal/graph"
	"github.com/graphforge/opsplane/internal/registry"
	"github.com/graphforge/opsplane/internal/worker/storage"
	"github.com/graphforge/opsplane/shared/logger"
)

type fakeBroker struct {
	published [][]byte
	keys      []string
	err       error
}

func (b *fakeBroker) PublishWithRetry(_ context.Context, routingKey string, body []byte, _ uint8, _ amqp.Table) error {
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, body)
	b.keys = append(b.keys, routingKey)
	return nil
}

type fakeStore struct {
	inputs   map[string]*storage.OperationInput
	claims   map[string]string
	staged   map[string]*storage.StagedInput
	claimErr error
	stageErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		inputs: make(map[string]*storage.OperationInput),
		claims: make(map[string]string),
		staged: make(map[string]*storage.StagedInput),
	}
}

func (s *fakeStore) ClaimInput(_ context.Context, inputID, operationID string) (*storage.OperationInput, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	input, ok := s.inputs[inputID]
	if !ok {
		return nil, storage.ErrInputNotFound
	}
	if holder, claimed := s.claims[inputID]; claimed && holder != operationID {
		return nil, storage.ErrInputClaimed
	}
	s.claims[inputID] = operationID
	return input, nil
}

func (s *fakeStore) MarkStaged(_ context.Context, staged *storage.StagedInput) error {
	if s.stageErr != nil {
		return s.stageErr
	}
	s.staged[staged.InputID] = staged
	return nil
}

type fixture struct {
	handlers *Handlers
	engine   *graph.MemoryEngine
	registry *registry.Registry
	store    *fakeStore
	broker   *fakeBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logger.NewDefault().Logger
	engine := graph.NewMemoryEngine()
	store := newFakeStore()
	broker := &fakeBroker{}
	reg := registry.New(&registry.Config{DefaultTTL: time.Hour}, registry.NewMemoryStore(), log)
	dispatcher := dispatch.NewDispatcher(&dispatch.Config{
		Queues: []dispatch.QueueDef{
			{Name: dispatch.QueueDefault, RoutingKey: "ops.default", Concurrency: 4},
			{Name: dispatch.QueueGraphDB, RoutingKey: "ops.graphdb", Concurrency: 2},
		},
		DefaultMaxRetries: 3,
	}, broker, log)

	return &fixture{
		handlers: NewHandlers(engine, store, reg, dispatcher, log),
		engine:   engine,
		registry: reg,
		store:    store,
		broker:   broker,
	}
}

func (f *fixture) createOperation(t *testing.T, opType registry.Type, graphID string) *registry.Operation {
	t.Helper()

	op := &registry.Operation{
		OperationID: "op-" + string(opType),
		Type:        opType,
		OwnerID:     "owner-1",
		GraphID:     graphID,
	}
	require.NoError(t, f.registry.Create(context.Background(), op, 0))
	return op
}

func taskFor(op *registry.Operation, name string, kwargs map[string]any) *dispatch.Task {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	kwargs["operation_id"] = op.OperationID
	return &dispatch.Task{
		TaskID:     "task-1",
		TaskName:   name,
		Queue:      dispatch.QueueDefault,
		Kwargs:     kwargs,
		MaxRetries: 3,
	}
}

func TestHandleQuery(t *testing.T) {
	f := newFixture(t)
	f.engine.Seed("g1", []graph.Record{{"id": "n1"}, {"id": "n2"}})
	op := f.createOperation(t, registry.TypeQuery, "g1")

	handler := f.handlers.HandleQuery()
	err := handler(context.Background(), taskFor(op, TaskExecuteQuery, map[string]any{
		"query": "match (n) return n",
	}))
	require.NoError(t, err)

	got, err := f.registry.Get(context.Background(), op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.Equal(t, int64(2), got.RecordsProcessed)
	assert.Equal(t, float64(2), got.Result["count"])
	assert.NotNil(t, got.CompletedAt)
}

func TestHandleQueryMissingGraphIsPermanent(t *testing.T) {
	f := newFixture(t)
	op := f.createOperation(t, registry.TypeQuery, "missing")

	err := f.handlers.HandleQuery()(context.Background(), taskFor(op, TaskExecuteQuery, map[string]any{
		"query": "match (n)",
	}))
	require.Error(t, err)
	assert.False(t, dispatch.Retryable(err))

	got, err := f.registry.Get(context.Background(), op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "graph not found")
}

func TestHandleCopy(t *testing.T) {
	f := newFixture(t)
	f.engine.Seed("g1", []graph.Record{{"id": "n1"}, {"id": "n2"}, {"id": "n3"}})
	op := f.createOperation(t, registry.TypeCopy, "g1")

	err := f.handlers.HandleCopy()(context.Background(), taskFor(op, TaskCopyGraph, map[string]any{
		"target_graph_id": "g2",
	}))
	require.NoError(t, err)

	assert.Equal(t, 3, f.engine.GraphSize("g2"))
	got, _ := f.registry.Get(context.Background(), op.OperationID)
	assert.Equal(t, registry.StatusCompleted, got.Status)
	assert.Equal(t, float64(3), got.Result["records_copied"])
}

func TestHandleBackupAndRestore(t *testing.T) {
	f := newFixture(t)
	f.engine.Seed("g1", []graph.Record{{"id": "n1"}})

	backupOp := f.createOperation(t, registry.TypeBackup, "g1")
	err := f.handlers.HandleBackup()(context.Background(), taskFor(backupOp, TaskBackupGraph, map[string]any{
		"destination": "backups/g1",
	}))
	require.NoError(t, err)

	f.engine.Seed("g1", []graph.Record{{"id": "n2"}})

	restoreOp := f.createOperation(t, registry.TypeRestore, "g1")
	err = f.handlers.HandleRestore()(context.Background(), taskFor(restoreOp, TaskRestoreGraph, map[string]any{
		"source": "backups/g1",
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, f.engine.GraphSize("g1"))
}

func TestHandleIngest(t *testing.T) {
	f := newFixture(t)
	op := f.createOperation(t, registry.TypeIngest, "g1")

	payload, err := json.Marshal([]graph.Record{{"id": "n1"}, {"id": "n2"}})
	require.NoError(t, err)
	f.store.inputs["in-1"] = &storage.OperationInput{
		InputID: "in-1",
		GraphID: "g1",
		Payload: payload,
	}

	err = f.handlers.HandleIngest()(context.Background(), taskFor(op, TaskIngestRecords, map[string]any{
		"input_id": "in-1",
	}))
	require.NoError(t, err)

	// Side effect confirmed, then provenance
	assert.Equal(t, 2, f.engine.StagedCount("g1"))
	require.Contains(t, f.store.staged, "in-1")
	assert.Equal(t, 2, f.store.staged["in-1"].RecordsStaged)
	assert.Equal(t, op.OperationID, f.store.staged["in-1"].OperationID)

	got, err := f.registry.Get(context.Background(), op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, got.Status)

	// Follow-on materialization was enqueued onto the graph queue
	require.Len(t, f.broker.published, 1)
	assert.Equal(t, "ops.graphdb", f.broker.keys[0])

	var followOn dispatch.Task
	require.NoError(t, json.Unmarshal(f.broker.published[0], &followOn))
	assert.Equal(t, TaskMaterializeGraph, followOn.TaskName)

	followOnID := followOn.KwargString("operation_id")
	materializeOp, err := f.registry.Get(context.Background(), followOnID)
	require.NoError(t, err)
	assert.Equal(t, registry.TypeMaterialize, materializeOp.Type)
	assert.Equal(t, op.OperationID, materializeOp.Metadata["parent_operation_id"])
}

func TestHandleIngestMissingInputIsPermanent(t *testing.T) {
	f := newFixture(t)
	op := f.createOperation(t, registry.TypeIngest, "g1")

	err := f.handlers.HandleIngest()(context.Background(), taskFor(op, TaskIngestRecords, map[string]any{
		"input_id": "no-such-input",
	}))
	require.Error(t, err)
	assert.False(t, dispatch.Retryable(err))
	assert.Empty(t, f.store.staged, "no provenance without a side effect")
}

func TestHandleIngestEnqueueFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.broker.err = errors.New("broker down")
	op := f.createOperation(t, registry.TypeIngest, "g1")

	payload, _ := json.Marshal([]graph.Record{{"id": "n1"}})
	f.store.inputs["in-1"] = &storage.OperationInput{InputID: "in-1", GraphID: "g1", Payload: payload}

	err := f.handlers.HandleIngest()(context.Background(), taskFor(op, TaskIngestRecords, map[string]any{
		"input_id": "in-1",
	}))
	require.NoError(t, err, "follow-on enqueue failure must not fail the ingest")

	got, _ := f.registry.Get(context.Background(), op.OperationID)
	assert.Equal(t, registry.StatusCompleted, got.Status)
	assert.NotContains(t, got.Result, "materialize_operation_id")
}

func TestHandleMaterialize(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.StageRecords(context.Background(), "g1", []graph.Record{{"id": "n1"}, {"id": "n2"}})
	require.NoError(t, err)
	op := f.createOperation(t, registry.TypeMaterialize, "g1")

	err = f.handlers.HandleMaterialize()(context.Background(), taskFor(op, TaskMaterializeGraph, nil))
	require.NoError(t, err)

	assert.Equal(t, 2, f.engine.GraphSize("g1"))
	assert.Zero(t, f.engine.StagedCount("g1"))
}

func TestRunSkipsExpiredOperation(t *testing.T) {
	f := newFixture(t)

	task := &dispatch.Task{
		TaskID:     "task-1",
		TaskName:   TaskExecuteQuery,
		Kwargs:     map[string]any{"operation_id": "expired-op"},
		MaxRetries: 3,
	}

	// Record expiry means cancellation, not failure: the attempt succeeds
	// as a no-op so the delivery is acked without retries.
	err := f.handlers.HandleQuery()(context.Background(), task)
	require.NoError(t, err)
}

func TestRunSkipsTerminalOperation(t *testing.T) {
	f := newFixture(t)
	f.engine.Seed("g1", []graph.Record{{"id": "n1"}})
	op := f.createOperation(t, registry.TypeQuery, "g1")

	_, err := f.registry.Update(context.Background(), op.OperationID, registry.Update{
		Status: registry.StatusOf(registry.StatusRunning),
	})
	require.NoError(t, err)
	_, err = f.registry.Update(context.Background(), op.OperationID, registry.Update{
		Status: registry.StatusOf(registry.StatusCompleted),
	})
	require.NoError(t, err)

	err = f.handlers.HandleQuery()(context.Background(), taskFor(op, TaskExecuteQuery, map[string]any{
		"query": "match (n)",
	}))
	require.NoError(t, err, "redelivery after completion is a no-op")
}

func TestRetryableFailureLeavesRecordRunning(t *testing.T) {
	f := newFixture(t)
	f.engine.Seed("g1", []graph.Record{{"id": "n1"}})
	op := f.createOperation(t, registry.TypeIngest, "g1")

	payload, _ := json.Marshal([]graph.Record{{"id": "n1"}})
	f.store.inputs["in-1"] = &storage.OperationInput{InputID: "in-1", GraphID: "g1", Payload: payload}
	f.store.stageErr = errors.New("db connection reset")

	task := taskFor(op, TaskIngestRecords, map[string]any{"input_id": "in-1"})
	task.RetryCount = 0 // first attempt of three

	err := f.handlers.HandleIngest()(context.Background(), task)
	require.Error(t, err)
	assert.True(t, dispatch.Retryable(err))

	got, err := f.registry.Get(context.Background(), op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, got.Status, "a retryable failure with budget left keeps the record running")
}

func TestFinalFailureMarksRecordFailed(t *testing.T) {
	f := newFixture(t)
	f.engine.Seed("g1", []graph.Record{{"id": "n1"}})
	op := f.createOperation(t, registry.TypeIngest, "g1")

	payload, _ := json.Marshal([]graph.Record{{"id": "n1"}})
	f.store.inputs["in-1"] = &storage.OperationInput{InputID: "in-1", GraphID: "g1", Payload: payload}
	f.store.stageErr = errors.New("db connection reset")

	task := taskFor(op, TaskIngestRecords, map[string]any{"input_id": "in-1"})
	task.RetryCount = 2 // final attempt of three

	err := f.handlers.HandleIngest()(context.Background(), task)
	require.Error(t, err)

	got, err := f.registry.Get(context.Background(), op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "db connection reset")
}
