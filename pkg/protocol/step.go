package protocol

import (
	"context"
	"log/slog"

	"github.com/dukex/cadmaflow/pkg/models"
)

// StepFactory creates configured steps and provides metadata about the step type.
type StepFactory interface {
	// Create creates a new step instance with the given parameters
	Create(ctx context.Context, params map[string]any) (Step, error)

	// ID returns the unique identifier for this step type
	ID() string

	// Name returns the human-readable name for this step type
	Name() string

	// Description returns a description of what this step does
	Description() string

	// Schema returns the JSON schema for the step parameters
	Schema() map[string]any
}

// Step is a configured unit of work. Process receives only frozen inputs
// resolved from the step execution snapshot.
type Step interface {
	Contract() models.StepContract
	Process(ctx context.Context, input StepInput) (*StepOutput, error)
}

// StepInput is the read-only view of a snapshot handed to a step.
type StepInput struct {
	StepExecutionID string
	Parameters      map[string]any
	EntitySet       *models.MoleculeSet
	Molecules       []*models.Molecule
	Records         map[string][]*models.DataRecord
	Providers       ProviderGateway
	MaxBatchSize    int
	Concurrency     int
	Logger          *slog.Logger
}

// RecordsByMolecule indexes the records of property by molecule id.
func (in StepInput) RecordsByMolecule(property string) map[string]*models.DataRecord {
	indexed := make(map[string]*models.DataRecord, len(in.Records[property]))

	for _, record := range in.Records[property] {
		indexed[record.MoleculeID] = record
	}

	return indexed
}

// EntitySetOutput describes a new molecule set. Descriptors are resolved to
// molecules by natural key; MoleculeIDs reference existing molecules.
type EntitySetOutput struct {
	Name        string
	Descriptors []EntityDescriptor
	MoleculeIDs []string
}

// StepOutput is what a step produced. Records must be unfrozen or already
// frozen records reused from an identical earlier run.
type StepOutput struct {
	EntitySet     *EntitySetOutput
	Records       []*models.DataRecord
	ProvidersUsed []string
}
