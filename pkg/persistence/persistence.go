// Package persistence provides the storage abstraction for molecules, data
// records, workflows and their executions.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
)

type Persistence interface {
	MoleculeRepository() MoleculeRepository
	RecordRepository() RecordRepository
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository
	StepExecutionRepository() StepExecutionRepository
	BranchMarkerRepository() BranchMarkerRepository
	EventRepository() EventRepository
	ProviderRunRepository() ProviderRunRepository
	SelectionRepository() SelectionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type MoleculeRepository interface {
	// Save inserts or updates a molecule. The InChIKey of an existing molecule cannot change.
	Save(ctx context.Context, molecule *models.Molecule) error
	GetByID(ctx context.Context, id string) (*models.Molecule, error)
	GetByInChIKey(ctx context.Context, inchikey string) (*models.Molecule, error)
	// GetMany returns molecules in the order of ids.
	GetMany(ctx context.Context, ids []string) ([]*models.Molecule, error)
	List(ctx context.Context, includeArchived bool) ([]*models.Molecule, error)

	SaveSet(ctx context.Context, set *models.MoleculeSet) error
	GetSet(ctx context.Context, id string) (*models.MoleculeSet, error)
	// DiscardSet removes the set id if producedBy wrote it.
	DiscardSet(ctx context.Context, producedBy, id string) error
}

// RecordFilter narrows RecordRepository.Find. Empty fields match everything.
type RecordFilter struct {
	MoleculeIDs    []string
	Property       string
	SourceName     string
	SourceVersion  string
	ParametersHash string
	FrozenOnly     bool
}

type RecordRepository interface {
	// Save inserts or updates an unfrozen record. Changing the content of a
	// stored frozen record fails with models.ErrImmutable.
	Save(ctx context.Context, record *models.DataRecord) error
	GetByID(ctx context.Context, id string) (*models.DataRecord, error)
	// GetMany returns records in the order of ids.
	GetMany(ctx context.Context, ids []string) ([]*models.DataRecord, error)
	Find(ctx context.Context, filter RecordFilter) ([]*models.DataRecord, error)
	// Freeze atomically freezes one stored record and returns its stored state.
	Freeze(ctx context.Context, id, actor string, at time.Time) (*models.DataRecord, error)
	// CommitBatch stores and freezes records as one unit: either every record
	// is stored frozen or none is. Records already stored frozen are kept as is.
	CommitBatch(ctx context.Context, records []*models.DataRecord, actor string, at time.Time) error
	// Discard removes the records among ids that producedBy wrote. It undoes
	// the batch of a step execution that could not be completed.
	Discard(ctx context.Context, producedBy string, ids []string) error
}

type WorkflowRepository interface {
	Save(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	List(ctx context.Context) ([]*models.Workflow, error)
	// NextBranchNumber atomically increments and returns the branch counter of a root workflow.
	NextBranchNumber(ctx context.Context, rootWorkflowID string) (int, error)
}

type ExecutionRepository interface {
	Save(ctx context.Context, execution *models.WorkflowExecution) error
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	ListByRootWorkflow(ctx context.Context, rootWorkflowID string) ([]*models.WorkflowExecution, error)
	ListByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.WorkflowExecution, error)
}

type StepExecutionRepository interface {
	Save(ctx context.Context, stepExecution *models.StepExecution) error
	GetByID(ctx context.Context, id string) (*models.StepExecution, error)
	// GetMany returns step executions in the order of ids.
	GetMany(ctx context.Context, ids []string) ([]*models.StepExecution, error)
	Delete(ctx context.Context, id string) error
}

type BranchMarkerRepository interface {
	// Claim stores marker unless one exists for the same source execution,
	// source step execution and fingerprint. It returns the stored marker and
	// whether this call won.
	Claim(ctx context.Context, marker *models.BranchMarker) (*models.BranchMarker, bool, error)
	// Release removes a marker whose winner could not persist its branch.
	Release(ctx context.Context, marker *models.BranchMarker) error
}

type EventRepository interface {
	Append(ctx context.Context, event *models.WorkflowEvent) error
	ListByExecution(ctx context.Context, executionID string) ([]*models.WorkflowEvent, error)
}

type ProviderRunRepository interface {
	Save(ctx context.Context, run *models.ProviderRun) error
	GetByID(ctx context.Context, id string) (*models.ProviderRun, error)
}

type SelectionRepository interface {
	// Save stores selection, replacing the one for the same execution,
	// molecule and property. It reports whether none existed.
	Save(ctx context.Context, selection *models.DataSelection) (bool, error)
	Get(ctx context.Context, executionID, moleculeID, property string) (*models.DataSelection, error)
	ListByExecution(ctx context.Context, executionID string) ([]*models.DataSelection, error)
}
