package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/lib/pq"
)

const executionColumns = `
	id
  , workflow_id
  , root_workflow_id
  , status
  , current_step_index
  , parent_execution_id
  , branch_label
  , step_execution_ids
  , failed_attempt_ids
  , inputs
  , error
  , created_at
  , started_at
  , finished_at
`

// ExecutionRepository handles workflow execution database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// marshalJSON encodes v for a JSONB column; nil stays NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return string(data), nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}

	return json.Unmarshal(data, v)
}

func (r *ExecutionRepository) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	stepIDs, err := marshalJSON(execution.StepExecutionIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal step execution ids: %w", err)
	}

	failedIDs, err := marshalJSON(execution.FailedAttemptIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal failed attempts: %w", err)
	}

	inputs, err := marshalJSON(execution.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}

	var cause any
	if execution.Error != nil {
		cause, err = marshalJSON(execution.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal error: %w", err)
		}
	}

	query := `
		INSERT INTO workflow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step_index = EXCLUDED.current_step_index,
			step_execution_ids = EXCLUDED.step_execution_ids,
			failed_attempt_ids = EXCLUDED.failed_attempt_ids,
			inputs = EXCLUDED.inputs,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.RootWorkflowID,
		execution.Status,
		execution.CurrentStepIndex,
		nullStringPtr(execution.ParentExecutionID),
		nullString(execution.BranchLabel),
		stepIDs,
		failedIDs,
		inputs,
		cause,
		execution.CreatedAt,
		execution.StartedAt,
		execution.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	return nil
}

func scanExecution(row scanner) (*models.WorkflowExecution, error) {
	var (
		execution                  models.WorkflowExecution
		parentID, label            sql.NullString
		stepIDs, failedIDs, inputs []byte
		cause                      []byte
		startedAt, finishedAt      sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.RootWorkflowID,
		&execution.Status,
		&execution.CurrentStepIndex,
		&parentID,
		&label,
		&stepIDs,
		&failedIDs,
		&inputs,
		&cause,
		&execution.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(stepIDs, &execution.StepExecutionIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step execution ids: %w", err)
	}

	if err := unmarshalJSON(failedIDs, &execution.FailedAttemptIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed attempts: %w", err)
	}

	if err := unmarshalJSON(inputs, &execution.Inputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
	}

	if len(cause) > 0 {
		execution.Error = &models.StepError{}
		if err := json.Unmarshal(cause, execution.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}

	if execution.StepExecutionIDs == nil {
		execution.StepExecutionIDs = []string{}
	}

	execution.ParentExecutionID = stringPtr(parentID)
	execution.BranchLabel = label.String
	execution.CreatedAt = execution.CreatedAt.UTC()
	execution.StartedAt = timeFrom(startedAt)
	execution.FinishedAt = timeFrom(finishedAt)

	return &execution, nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM workflow_executions WHERE id = $1", id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByID", "execution", id, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ListByRootWorkflow(ctx context.Context, rootWorkflowID string) ([]*models.WorkflowExecution, error) {
	return r.list(ctx,
		"SELECT "+executionColumns+" FROM workflow_executions WHERE root_workflow_id = $1 ORDER BY created_at, id",
		rootWorkflowID)
}

func (r *ExecutionRepository) ListByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.WorkflowExecution, error) {
	if len(statuses) == 0 {
		return r.list(ctx, "SELECT "+executionColumns+" FROM workflow_executions ORDER BY created_at, id")
	}

	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}

	return r.list(ctx,
		"SELECT "+executionColumns+" FROM workflow_executions WHERE status = ANY($1) ORDER BY created_at, id",
		pq.Array(values))
}

func (r *ExecutionRepository) list(ctx context.Context, query string, args ...any) ([]*models.WorkflowExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

const stepExecutionColumns = `
	id
  , workflow_execution_id
  , step_name
  , step_type
  , position
  , input_snapshot
  , fingerprint
  , results
  , status
  , error
  , providers_used
  , branch_of
  , created_at
  , started_at
  , completed_at
  , data_frozen_at
`

// StepExecutionRepository handles step execution database operations.
// The input snapshot column is written once and never updated.
type StepExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *StepExecutionRepository) Save(ctx context.Context, stepExecution *models.StepExecution) error {
	snapshotJSON, err := marshalJSON(stepExecution.InputSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal input snapshot: %w", err)
	}

	resultsJSON, err := marshalJSON(stepExecution.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	providersJSON, err := marshalJSON(stepExecution.ProvidersUsed)
	if err != nil {
		return fmt.Errorf("failed to marshal providers: %w", err)
	}

	var cause any
	if stepExecution.Error != nil {
		cause, err = marshalJSON(stepExecution.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal error: %w", err)
		}
	}

	query := `
		INSERT INTO step_executions (` + stepExecutionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			input_snapshot = CASE WHEN step_executions.fingerprint IS NULL
				THEN EXCLUDED.input_snapshot ELSE step_executions.input_snapshot END,
			fingerprint = COALESCE(step_executions.fingerprint, EXCLUDED.fingerprint),
			results = EXCLUDED.results,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			providers_used = EXCLUDED.providers_used,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			data_frozen_at = EXCLUDED.data_frozen_at
	`

	_, err = r.db.ExecContext(ctx, query,
		stepExecution.ID,
		stepExecution.WorkflowExecutionID,
		stepExecution.StepName,
		stepExecution.StepType,
		stepExecution.Position,
		snapshotJSON,
		nullString(stepExecution.Fingerprint),
		resultsJSON,
		stepExecution.Status,
		cause,
		providersJSON,
		nullStringPtr(stepExecution.BranchOf),
		stepExecution.CreatedAt,
		stepExecution.StartedAt,
		stepExecution.CompletedAt,
		stepExecution.DataFrozenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save step execution: %w", err)
	}

	return nil
}

func scanStepExecution(row scanner) (*models.StepExecution, error) {
	var (
		stepExecution                        models.StepExecution
		snapshotJSON, resultsJSON, providers []byte
		cause                                []byte
		fingerprint, branchOf                sql.NullString
		startedAt, completedAt, frozenAt     sql.NullTime
	)

	err := row.Scan(
		&stepExecution.ID,
		&stepExecution.WorkflowExecutionID,
		&stepExecution.StepName,
		&stepExecution.StepType,
		&stepExecution.Position,
		&snapshotJSON,
		&fingerprint,
		&resultsJSON,
		&stepExecution.Status,
		&cause,
		&providers,
		&branchOf,
		&stepExecution.CreatedAt,
		&startedAt,
		&completedAt,
		&frozenAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(snapshotJSON, &stepExecution.InputSnapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input snapshot: %w", err)
	}

	if err := unmarshalJSON(resultsJSON, &stepExecution.Results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}

	if err := unmarshalJSON(providers, &stepExecution.ProvidersUsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal providers: %w", err)
	}

	if len(cause) > 0 {
		stepExecution.Error = &models.StepError{}
		if err := json.Unmarshal(cause, stepExecution.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}

	stepExecution.Fingerprint = fingerprint.String
	stepExecution.BranchOf = stringPtr(branchOf)
	stepExecution.CreatedAt = stepExecution.CreatedAt.UTC()
	stepExecution.StartedAt = timeFrom(startedAt)
	stepExecution.CompletedAt = timeFrom(completedAt)
	stepExecution.DataFrozenAt = timeFrom(frozenAt)

	return &stepExecution, nil
}

func (r *StepExecutionRepository) GetByID(ctx context.Context, id string) (*models.StepExecution, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+stepExecutionColumns+" FROM step_executions WHERE id = $1", id)

	stepExecution, err := scanStepExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByID", "step execution", id, persistence.ErrStepExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan step execution: %w", err)
	}

	return stepExecution, nil
}

func (r *StepExecutionRepository) GetMany(ctx context.Context, ids []string) ([]*models.StepExecution, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+stepExecutionColumns+" FROM step_executions WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query step executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	byID := make(map[string]*models.StepExecution, len(ids))

	for rows.Next() {
		stepExecution, err := scanStepExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}

		byID[stepExecution.ID] = stepExecution
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step executions: %w", err)
	}

	stepExecutions := make([]*models.StepExecution, 0, len(ids))

	for _, id := range ids {
		stepExecution, ok := byID[id]
		if !ok {
			return nil, persistence.NewRepositoryError("GetMany", "step execution", id, persistence.ErrStepExecutionNotFound)
		}

		stepExecutions = append(stepExecutions, stepExecution)
	}

	return stepExecutions, nil
}

func (r *StepExecutionRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM step_executions WHERE id = $1", id); err != nil {
		return persistence.NewRepositoryError("Delete", "step execution", id, err)
	}

	return nil
}
