// Package postgresql provides PostgreSQL persistence for molecules, data
// records, workflows and their executions.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	molecules      *MoleculeRepository
	records        *RecordRepository
	workflows      *WorkflowRepository
	executions     *ExecutionRepository
	stepExecutions *StepExecutionRepository
	branchMarkers  *BranchMarkerRepository
	events         *EventRepository
	providerRuns   *ProviderRunRepository
	selections     *SelectionRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:             database,
		logger:         logger,
		molecules:      &MoleculeRepository{db: database, logger: logger},
		records:        &RecordRepository{db: database, logger: logger},
		workflows:      &WorkflowRepository{db: database, logger: logger},
		executions:     &ExecutionRepository{db: database, logger: logger},
		stepExecutions: &StepExecutionRepository{db: database, logger: logger},
		branchMarkers:  &BranchMarkerRepository{db: database},
		events:         &EventRepository{db: database, logger: logger},
		providerRuns:   &ProviderRunRepository{db: database},
		selections:     &SelectionRepository{db: database, logger: logger},
	}

	// Run migrations on initialization
	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) MoleculeRepository() persistence.MoleculeRepository {
	return p.molecules
}

func (p *Persistence) RecordRepository() persistence.RecordRepository {
	return p.records
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflows
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executions
}

func (p *Persistence) StepExecutionRepository() persistence.StepExecutionRepository {
	return p.stepExecutions
}

func (p *Persistence) BranchMarkerRepository() persistence.BranchMarkerRepository {
	return p.branchMarkers
}

func (p *Persistence) EventRepository() persistence.EventRepository {
	return p.events
}

func (p *Persistence) ProviderRunRepository() persistence.ProviderRunRepository {
	return p.providerRuns
}

func (p *Persistence) SelectionRepository() persistence.SelectionRepository {
	return p.selections
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

// nullString maps "" to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}

	return nullString(*s)
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}

	return &s.String
}

func timeFrom(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	utc := t.Time.UTC()

	return &utc
}
