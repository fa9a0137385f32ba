package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryEngine is an in-process Engine backed by maps. It stands in for
// the embedded engine in tests and local development, with the same
// contract: operations block the caller and see each other's writes.
type MemoryEngine struct {
	mu      sync.Mutex
	graphs  map[string][]Record
	staged  map[string][]Record
	backups map[string]backupSnapshot
}

type backupSnapshot struct {
	graphID string
	records []Record
}

// NewMemoryEngine creates an empty in-memory engine
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		graphs:  make(map[string][]Record),
		staged:  make(map[string][]Record),
		backups: make(map[string]backupSnapshot),
	}
}

// Seed loads records directly into a graph, bypassing staging
func (e *MemoryEngine) Seed(graphID string, records []Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graphs[graphID] = append(e.graphs[graphID], records...)
}

// ExecuteQuery implements Engine. The in-memory dialect is a bare
// "match" returning all records, optionally bounded by a limit param.
func (e *MemoryEngine) ExecuteQuery(ctx context.Context, graphID, query string, params map[string]any) (*QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	records, ok := e.graphs[graphID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
	}

	rows := make([]Record, len(records))
	copy(rows, records)

	if limit, ok := params["limit"].(float64); ok && int(limit) < len(rows) {
		rows = rows[:int(limit)]
	}

	return &QueryResult{Rows: rows, Count: len(rows)}, nil
}

// CopyGraph implements Engine
func (e *MemoryEngine) CopyGraph(ctx context.Context, sourceID, targetID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	source, ok := e.graphs[sourceID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrGraphNotFound, sourceID)
	}

	copied := make([]Record, len(source))
	copy(copied, source)
	e.graphs[targetID] = append(e.graphs[targetID], copied...)
	return len(copied), nil
}

// Backup implements Engine
func (e *MemoryEngine) Backup(ctx context.Context, graphID, destination string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	records, ok := e.graphs[graphID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
	}

	snapshot := make([]Record, len(records))
	copy(snapshot, records)
	e.backups[destination] = backupSnapshot{graphID: graphID, records: snapshot}
	return len(snapshot), nil
}

// Restore implements Engine
func (e *MemoryEngine) Restore(ctx context.Context, graphID, source string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot, ok := e.backups[source]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrBackupNotFound, source)
	}

	restored := make([]Record, len(snapshot.records))
	copy(restored, snapshot.records)
	e.graphs[graphID] = restored
	return len(restored), nil
}

// StageRecords implements Engine
func (e *MemoryEngine) StageRecords(ctx context.Context, graphID string, records []Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.staged[graphID] = append(e.staged[graphID], records...)
	return len(records), nil
}

// Materialize implements Engine
func (e *MemoryEngine) Materialize(ctx context.Context, graphID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := e.staged[graphID]
	e.graphs[graphID] = append(e.graphs[graphID], staged...)
	delete(e.staged, graphID)
	return len(staged), nil
}

// StagedCount reports how many records await materialization
func (e *MemoryEngine) StagedCount(graphID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.staged[graphID])
}

// GraphSize reports how many records a graph holds
func (e *MemoryEngine) GraphSize(graphID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.graphs[graphID])
}
