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

const selectionColumns = "id, execution_id, molecule_id, property, record_id, selected_by, selected_at"

// SelectionRepository handles data selection database operations.
type SelectionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Save upserts on the execution, molecule and property. xmax is zero only for
// a row this statement inserted.
func (r *SelectionRepository) Save(ctx context.Context, selection *models.DataSelection) (bool, error) {
	var inserted bool

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO data_selections (`+selectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (execution_id, molecule_id, property) DO UPDATE SET
			record_id = EXCLUDED.record_id,
			selected_by = EXCLUDED.selected_by,
			selected_at = EXCLUDED.selected_at
		RETURNING id, (xmax = 0)
	`,
		selection.ID,
		selection.ExecutionID,
		selection.MoleculeID,
		selection.Property,
		selection.RecordID,
		nullString(selection.SelectedBy),
		selection.SelectedAt,
	).Scan(&selection.ID, &inserted)
	if err != nil {
		return false, fmt.Errorf("failed to save data selection: %w", err)
	}

	return inserted, nil
}

func (r *SelectionRepository) Get(ctx context.Context, executionID, moleculeID, property string) (*models.DataSelection, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+selectionColumns+" FROM data_selections WHERE execution_id = $1 AND molecule_id = $2 AND property = $3",
		executionID, moleculeID, property)

	selection, err := scanSelection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRepositoryError("Get", "data selection", executionID, persistence.ErrSelectionNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get data selection: %w", err)
	}

	return selection, nil
}

func (r *SelectionRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.DataSelection, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+selectionColumns+" FROM data_selections WHERE execution_id = $1 ORDER BY molecule_id, property",
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query data selections: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	selections := make([]*models.DataSelection, 0)

	for rows.Next() {
		selection, err := scanSelection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan data selection: %w", err)
		}

		selections = append(selections, selection)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating data selections: %w", err)
	}

	return selections, nil
}

func scanSelection(row scanner) (*models.DataSelection, error) {
	var (
		selection  models.DataSelection
		selectedBy sql.NullString
	)

	err := row.Scan(
		&selection.ID,
		&selection.ExecutionID,
		&selection.MoleculeID,
		&selection.Property,
		&selection.RecordID,
		&selectedBy,
		&selection.SelectedAt,
	)
	if err != nil {
		return nil, err
	}

	selection.SelectedBy = selectedBy.String
	selection.SelectedAt = selection.SelectedAt.UTC()

	return &selection, nil
}
