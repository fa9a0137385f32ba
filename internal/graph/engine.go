package graph

import (
	"context"
	"errors"
)

var (
	// ErrGraphNotFound is returned when an operation names a graph the
	// engine has no data for
	ErrGraphNotFound = errors.New("graph not found")

	// ErrBackupNotFound is returned when a restore names a missing snapshot
	ErrBackupNotFound = errors.New("backup not found")

	// ErrEmptyQuery rejects blank query text before it reaches the engine
	ErrEmptyQuery = errors.New("query text is empty")
)

// Record is one unit of graph data moving through staging and
// materialization
type Record map[string]any

// QueryResult holds the rows returned by a query
type QueryResult struct {
	Rows  []Record `json:"rows"`
	Count int      `json:"count"`
}

// Engine is the facade over the embedded graph database. Every call may
// block for the duration of the underlying engine work, so callers pass a
// context and run behind the admission gate or a capped consumer pool.
type Engine interface {
	// ExecuteQuery runs read query text against one graph
	ExecuteQuery(ctx context.Context, graphID, query string, params map[string]any) (*QueryResult, error)

	// CopyGraph bulk-copies all records from one graph into another and
	// returns the number of records copied
	CopyGraph(ctx context.Context, sourceID, targetID string) (int, error)

	// Backup snapshots a graph to the named destination and returns the
	// number of records captured
	Backup(ctx context.Context, graphID, destination string) (int, error)

	// Restore replaces a graph's contents from a named snapshot and
	// returns the number of records restored
	Restore(ctx context.Context, graphID, source string) (int, error)

	// StageRecords lands raw records in the graph's staging area
	StageRecords(ctx context.Context, graphID string, records []Record) (int, error)

	// Materialize folds the graph's staged records into the graph proper
	// and drains the staging area, returning the number materialized
	Materialize(ctx context.Context, graphID string) (int, error)
}
