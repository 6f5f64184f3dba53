package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
)

// claimAttempts bounds how often Claim retries when the conflicting marker is
// released before it can be read.
const claimAttempts = 10

// BranchMarkerRepository relies on the (source_execution_id,
// source_step_execution_id, fingerprint) primary key to pick a single winner
// among concurrent claims.
type BranchMarkerRepository struct {
	db *sql.DB
}

func (r *BranchMarkerRepository) Claim(ctx context.Context, marker *models.BranchMarker) (*models.BranchMarker, bool, error) {
	for range claimAttempts {
		claimed, err := r.insert(ctx, marker)
		if err != nil {
			return nil, false, persistence.NewRepositoryError("Claim", "branch marker", marker.Key(), err)
		}

		if claimed {
			return marker, true, nil
		}

		existing, err := r.get(ctx, marker)
		if errors.Is(err, sql.ErrNoRows) {
			// Released by its winner between the insert and the read.
			continue
		}

		if err != nil {
			return nil, false, persistence.NewRepositoryError("Claim", "branch marker", marker.Key(), err)
		}

		return existing, false, nil
	}

	return nil, false, persistence.NewRepositoryError("Claim", "branch marker", marker.Key(),
		fmt.Errorf("marker released %d times while claiming", claimAttempts))
}

func (r *BranchMarkerRepository) insert(ctx context.Context, marker *models.BranchMarker) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO branch_markers (source_execution_id, source_step_execution_id, fingerprint,
			result_execution_id, result_step_execution_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_execution_id, source_step_execution_id, fingerprint) DO NOTHING
	`,
		marker.SourceExecutionID,
		marker.SourceStepExecutionID,
		marker.Fingerprint,
		marker.ResultExecutionID,
		marker.ResultStepExecutionID,
		marker.CreatedAt,
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected == 1, nil
}

func (r *BranchMarkerRepository) get(ctx context.Context, marker *models.BranchMarker) (*models.BranchMarker, error) {
	var existing models.BranchMarker

	err := r.db.QueryRowContext(ctx, `
		SELECT source_execution_id, source_step_execution_id, fingerprint,
			result_execution_id, result_step_execution_id, created_at
		FROM branch_markers
		WHERE source_execution_id = $1 AND source_step_execution_id = $2 AND fingerprint = $3
	`, marker.SourceExecutionID, marker.SourceStepExecutionID, marker.Fingerprint).Scan(
		&existing.SourceExecutionID,
		&existing.SourceStepExecutionID,
		&existing.Fingerprint,
		&existing.ResultExecutionID,
		&existing.ResultStepExecutionID,
		&existing.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	existing.CreatedAt = existing.CreatedAt.UTC()

	return &existing, nil
}

func (r *BranchMarkerRepository) Release(ctx context.Context, marker *models.BranchMarker) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM branch_markers
		WHERE source_execution_id = $1 AND source_step_execution_id = $2 AND fingerprint = $3
	`, marker.SourceExecutionID, marker.SourceStepExecutionID, marker.Fingerprint)
	if err != nil {
		return persistence.NewRepositoryError("Release", "branch marker", marker.Key(), err)
	}

	return nil
}

// EventRepository handles execution timeline database operations.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *EventRepository) Append(ctx context.Context, event *models.WorkflowEvent) error {
	details, err := marshalJSON(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO workflow_events (id, execution_id, type, details, created_at) VALUES ($1, $2, $3, $4, $5)",
		event.ID, event.ExecutionID, event.Type, details, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

func (r *EventRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.WorkflowEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, execution_id, type, details, created_at
		FROM workflow_events
		WHERE execution_id = $1
		ORDER BY created_at, id
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	events := make([]*models.WorkflowEvent, 0)

	for rows.Next() {
		var (
			event   models.WorkflowEvent
			details []byte
		)

		if err := rows.Scan(&event.ID, &event.ExecutionID, &event.Type, &details, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if err := unmarshalJSON(details, &event.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
		}

		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// ProviderRunRepository handles provider run database operations.
type ProviderRunRepository struct {
	db *sql.DB
}

func (r *ProviderRunRepository) Save(ctx context.Context, run *models.ProviderRun) error {
	params, err := marshalJSON(run.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal provider parameters: %w", err)
	}

	query := `
		INSERT INTO provider_runs (id, provider_id, kind, version, parameters, step_execution_id, status,
			error_message, produced, reused, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			step_execution_id = EXCLUDED.step_execution_id,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			produced = EXCLUDED.produced,
			reused = EXCLUDED.reused,
			finished_at = EXCLUDED.finished_at
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.ProviderID,
		run.Kind,
		run.Version,
		params,
		nullString(run.StepExecutionID),
		run.Status,
		nullString(run.ErrorMessage),
		run.Produced,
		run.Reused,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save provider run: %w", err)
	}

	return nil
}

func (r *ProviderRunRepository) GetByID(ctx context.Context, id string) (*models.ProviderRun, error) {
	var (
		run                    models.ProviderRun
		params                 []byte
		stepExecutionID, cause sql.NullString
		finishedAt             sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, provider_id, kind, version, parameters, step_execution_id, status,
			error_message, produced, reused, started_at, finished_at
		FROM provider_runs
		WHERE id = $1
	`, id).Scan(
		&run.ID,
		&run.ProviderID,
		&run.Kind,
		&run.Version,
		&params,
		&stepExecutionID,
		&run.Status,
		&cause,
		&run.Produced,
		&run.Reused,
		&run.StartedAt,
		&finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByID", "provider run", id, persistence.ErrProviderRunNotFound)
		}

		return nil, fmt.Errorf("failed to scan provider run: %w", err)
	}

	if err := unmarshalJSON(params, &run.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provider parameters: %w", err)
	}

	run.StepExecutionID = stepExecutionID.String
	run.ErrorMessage = cause.String
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = timeFrom(finishedAt)

	return &run, nil
}
