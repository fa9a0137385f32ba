package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/graphforge/opsplane/internal/graph"
)

var (
	// ErrInputNotFound is returned when no input record matches the id
	ErrInputNotFound = errors.New("operation input not found")

	// ErrInputClaimed is returned when another operation holds the input
	ErrInputClaimed = errors.New("operation input claimed by another operation")
)

// OperationInput is one uploaded batch of records awaiting ingestion
type OperationInput struct {
	InputID     string    `db:"input_id"`
	GraphID     string    `db:"graph_id"`
	OwnerID     string    `db:"owner_id"`
	Payload     []byte    `db:"payload"`
	RecordCount int       `db:"record_count"`
	CreatedAt   time.Time `db:"created_at"`
}

// Records decodes the payload into graph records
func (i *OperationInput) Records() ([]graph.Record, error) {
	var records []graph.Record
	if err := json.Unmarshal(i.Payload, &records); err != nil {
		return nil, fmt.Errorf("failed to decode input payload: %w", err)
	}
	return records, nil
}

// StagedInput is the provenance row written after a confirmed staging
// side effect
type StagedInput struct {
	InputID       string    `db:"input_id"`
	GraphID       string    `db:"graph_id"`
	OperationID   string    `db:"operation_id"`
	RecordsStaged int       `db:"records_staged"`
	StagedAt      time.Time `db:"staged_at"`
}

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetInput retrieves an input record by its ID
func (s *Storage) GetInput(ctx context.Context, inputID string) (*OperationInput, error) {
	query := `
		SELECT input_id, graph_id, owner_id, payload, record_count, created_at
		FROM operation_inputs
		WHERE input_id = $1
	`

	var input OperationInput
	if err := s.db.GetContext(ctx, &input, query, inputID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInputNotFound
		}
		return nil, fmt.Errorf("failed to get operation input: %w", err)
	}

	return &input, nil
}

// ClaimInput claims an input for an operation using optimistic locking.
// Re-claiming under the same operation succeeds, so a redelivered task
// can resume its own work; a claim held by a different operation fails.
func (s *Storage) ClaimInput(ctx context.Context, inputID, operationID string) (*OperationInput, error) {
	query := `
		UPDATE operation_inputs
		SET claimed_by = $2,
		    claimed_at = NOW()
		WHERE input_id = $1
		  AND (claimed_by IS NULL OR claimed_by = $2)
		RETURNING input_id, graph_id, owner_id, payload, record_count, created_at
	`

	var input OperationInput
	err := s.db.QueryRowxContext(ctx, query, inputID, operationID).StructScan(&input)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Distinguish a missing row from a foreign claim
			if _, getErr := s.GetInput(ctx, inputID); getErr != nil {
				return nil, getErr
			}
			s.logger.Warn("Failed to claim input - held by another operation",
				slog.String("input_id", inputID),
				slog.String("operation_id", operationID),
			)
			return nil, ErrInputClaimed
		}
		return nil, fmt.Errorf("failed to claim operation input: %w", err)
	}

	s.logger.Info("Input claimed",
		slog.String("input_id", inputID),
		slog.String("operation_id", operationID),
	)

	return &input, nil
}

// MarkStaged records that an input's side effect is confirmed. Upserting
// on input_id makes redelivered tasks idempotent here.
func (s *Storage) MarkStaged(ctx context.Context, staged *StagedInput) error {
	query := `
		INSERT INTO staged_inputs (input_id, graph_id, operation_id, records_staged, staged_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (input_id) DO UPDATE
		SET operation_id = EXCLUDED.operation_id,
		    records_staged = EXCLUDED.records_staged,
		    staged_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		staged.InputID,
		staged.GraphID,
		staged.OperationID,
		staged.RecordsStaged,
	)
	if err != nil {
		return fmt.Errorf("failed to mark input staged: %w", err)
	}

	s.logger.Info("Input marked staged",
		slog.String("input_id", staged.InputID),
		slog.String("operation_id", staged.OperationID),
		slog.Int("records_staged", staged.RecordsStaged),
	)

	return nil
}

// GetStaged returns the provenance row for an input, or nil when absent
func (s *Storage) GetStaged(ctx context.Context, inputID string) (*StagedInput, error) {
	query := `
		SELECT input_id, graph_id, operation_id, records_staged, staged_at
		FROM staged_inputs
		WHERE input_id = $1
	`

	var staged StagedInput
	if err := s.db.GetContext(ctx, &staged, query, inputID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get staged input: %w", err)
	}

	return &staged, nil
}
