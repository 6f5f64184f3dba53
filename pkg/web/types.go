// Package web provides the HTTP handlers of the workflow engine API.
package web

import (
	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/protocol"
)

// CreateWorkflowRequest represents the request body for creating a workflow.
type CreateWorkflowRequest struct {
	Name        string                  `json:"name"        validate:"required,min=3"`
	Description string                  `json:"description"`
	Steps       []models.StepDefinition `json:"steps"       validate:"required,min=1,dive"`
}

// RewindRequest moves an execution back to ToIndex.
type RewindRequest struct {
	ToIndex *int `json:"to_index" validate:"required,gte=0"`
}

// BranchRequest re-runs the step at StepIndex with new parameters or input records.
type BranchRequest struct {
	StepIndex      *int           `json:"step_index"       validate:"required,gte=0"`
	Parameters     map[string]any `json:"parameters"`
	InputRecordIDs []string       `json:"input_record_ids"`
}

// BranchWorkflowRequest replaces the steps from StepIndex on.
type BranchWorkflowRequest struct {
	StepIndex *int                    `json:"step_index" validate:"required,gte=0"`
	Steps     []models.StepDefinition `json:"steps"      validate:"required,min=1,dive"`
}

// SelectVariantRequest makes a frozen record the active variant of its property.
type SelectVariantRequest struct {
	RecordID   string `json:"record_id"   validate:"required"`
	SelectedBy string `json:"selected_by"`
}

// RegisterMoleculeRequest represents the request body for registering a molecule.
type RegisterMoleculeRequest struct {
	InChIKey   string `json:"inchikey"    validate:"required"`
	SMILES     string `json:"smiles"`
	InChI      string `json:"inchi"`
	CommonName string `json:"common_name"`
}

func (r RegisterMoleculeRequest) descriptor() protocol.EntityDescriptor {
	return protocol.EntityDescriptor{
		InChIKey:   r.InChIKey,
		SMILES:     r.SMILES,
		InChI:      r.InChI,
		CommonName: r.CommonName,
	}
}

// CreateMoleculeSetRequest represents the request body for creating a molecule set.
type CreateMoleculeSetRequest struct {
	Name        string   `json:"name"         validate:"required"`
	MoleculeIDs []string `json:"molecule_ids" validate:"required,min=1"`
}

// SetValueRequest replaces the value of an unfrozen record.
type SetValueRequest struct {
	Value any `json:"value"`
}

// ActorRequest names who freezes or approves a record.
type ActorRequest struct {
	Actor string `json:"actor" validate:"required"`
}

// AdvanceResponse is returned by the advance endpoint. StepError is set when
// the step ran and failed, in which case the execution has failed too.
type AdvanceResponse struct {
	Execution *models.WorkflowExecution `json:"execution"`
	StepError *models.StepError         `json:"step_error,omitempty"`
}
