package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphforge/opsplane/shared/logger"
)

func newTestRegistry() *Registry {
	return New(&Config{KeyPrefix: "operation", DefaultTTL: time.Hour}, NewMemoryStore(), logger.NewDefault().Logger)
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	op := &Operation{
		OperationID:      "op-1",
		Type:             TypeIngest,
		OwnerID:          "tenant-7",
		GraphID:          "kg1",
		EstimatedRecords: 1000,
		Metadata:         map[string]string{"source": "upload"},
	}

	require.NoError(t, reg.Create(ctx, op, 0))

	got, err := reg.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, TypeIngest, got.Type)
	assert.Equal(t, "kg1", got.GraphID)
	assert.Equal(t, int64(1000), got.EstimatedRecords)
	assert.Equal(t, "upload", got.Metadata["source"])
	assert.False(t, got.StartedAt.IsZero())
	assert.Nil(t, got.CompletedAt)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	err := reg.Create(ctx, &Operation{Type: TypeQuery}, 0)
	require.ErrorIs(t, err, ErrInvalidOperation)

	err = reg.Create(ctx, &Operation{OperationID: "op-x", Type: "defragment"}, 0)
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestGetNotFound(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.Get(context.Background(), "no-such-op")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestGetExpired(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	op := &Operation{OperationID: "op-ttl", Type: TypeBackup, GraphID: "kg1"}
	require.NoError(t, reg.Create(ctx, op, 10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)

	_, err := reg.Get(ctx, "op-ttl")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestUpdateLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	op := &Operation{OperationID: "op-2", Type: TypeMaterialize, GraphID: "kg1"}
	require.NoError(t, reg.Create(ctx, op, 0))

	// pending -> running
	got, err := reg.Update(ctx, "op-2", Update{Status: StatusOf(StatusRunning)})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)

	// progress while running
	got, err = reg.Update(ctx, "op-2", Update{
		ProgressPercent:  IntOf(40),
		RecordsProcessed: Int64Of(400),
	})
	require.NoError(t, err)
	assert.Equal(t, 40, got.ProgressPercent)
	assert.Equal(t, int64(400), got.RecordsProcessed)

	// running -> completed stamps CompletedAt and stores the result
	got, err = reg.Update(ctx, "op-2", Update{
		Status:          StatusOf(StatusCompleted),
		ProgressPercent: IntOf(100),
		Result:          map[string]any{"nodes": float64(120)},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, float64(120), got.Result["nodes"])
}

func TestUpdateRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		to      Status
		wantErr error
	}{
		{name: "pending straight to completed", to: StatusCompleted, wantErr: ErrInvalidTransition},
		{name: "pending straight to failed", to: StatusFailed, wantErr: ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			reg := newTestRegistry()

			op := &Operation{OperationID: "op-3", Type: TypeCopy, GraphID: "kg1"}
			require.NoError(t, reg.Create(ctx, op, 0))

			_, err := reg.Update(ctx, "op-3", Update{Status: StatusOf(tt.to)})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTerminalStatesAreWriteOnce(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	op := &Operation{OperationID: "op-4", Type: TypeRestore, GraphID: "kg1"}
	require.NoError(t, reg.Create(ctx, op, 0))

	_, err := reg.Update(ctx, "op-4", Update{Status: StatusOf(StatusRunning)})
	require.NoError(t, err)
	_, err = reg.Update(ctx, "op-4", Update{Status: StatusOf(StatusFailed), Error: StringOf("disk full")})
	require.NoError(t, err)

	// No mutation of any kind once terminal, not even progress
	_, err = reg.Update(ctx, "op-4", Update{ProgressPercent: IntOf(99)})
	assert.ErrorIs(t, err, ErrTerminalState)

	_, err = reg.Update(ctx, "op-4", Update{Status: StatusOf(StatusCompleted)})
	assert.ErrorIs(t, err, ErrTerminalState)

	got, err := reg.Get(ctx, "op-4")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "disk full", got.Error)
}

func TestUpdateClampsProgress(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	op := &Operation{OperationID: "op-5", Type: TypeQuery, GraphID: "kg1"}
	require.NoError(t, reg.Create(ctx, op, 0))
	_, err := reg.Update(ctx, "op-5", Update{Status: StatusOf(StatusRunning)})
	require.NoError(t, err)

	got, err := reg.Update(ctx, "op-5", Update{ProgressPercent: IntOf(140)})
	require.NoError(t, err)
	assert.Equal(t, 100, got.ProgressPercent)

	got, err = reg.Update(ctx, "op-5", Update{ProgressPercent: IntOf(-3)})
	require.NoError(t, err)
	assert.Equal(t, 0, got.ProgressPercent)
}

func TestUpdatePreservesTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := New(&Config{KeyPrefix: "operation"}, store, logger.NewDefault().Logger)

	op := &Operation{OperationID: "op-6", Type: TypeIngest, GraphID: "kg1"}
	require.NoError(t, reg.Create(ctx, op, 50*time.Millisecond))

	_, err := reg.Update(ctx, "op-6", Update{Status: StatusOf(StatusRunning)})
	require.NoError(t, err)

	// The update must not extend the record's lifetime
	time.Sleep(80 * time.Millisecond)
	_, err = reg.Get(ctx, "op-6")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	op := &Operation{OperationID: "op-7", Type: TypeBackup, GraphID: "kg1"}
	require.NoError(t, reg.Create(ctx, op, 0))

	require.NoError(t, reg.Delete(ctx, "op-7"))

	_, err := reg.Get(ctx, "op-7")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}
