// Package file provides file-based persistence, one JSON document per object.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/dukex/cadmaflow/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root           string
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

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) persistence.Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	s := newStore(cleanRoot)

	return &Persistence{
		root:           cleanRoot,
		molecules:      &MoleculeRepository{store: s},
		records:        &RecordRepository{store: s},
		workflows:      &WorkflowRepository{store: s},
		executions:     &ExecutionRepository{store: s},
		stepExecutions: &StepExecutionRepository{store: s},
		branchMarkers:  &BranchMarkerRepository{store: s},
		events:         &EventRepository{store: s},
		providerRuns:   &ProviderRunRepository{store: s},
		selections:     &SelectionRepository{store: s},
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) MoleculeRepository() persistence.MoleculeRepository {
	return fp.molecules
}

func (fp *Persistence) RecordRepository() persistence.RecordRepository {
	return fp.records
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflows
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executions
}

func (fp *Persistence) StepExecutionRepository() persistence.StepExecutionRepository {
	return fp.stepExecutions
}

func (fp *Persistence) BranchMarkerRepository() persistence.BranchMarkerRepository {
	return fp.branchMarkers
}

func (fp *Persistence) EventRepository() persistence.EventRepository {
	return fp.events
}

func (fp *Persistence) ProviderRunRepository() persistence.ProviderRunRepository {
	return fp.providerRuns
}

func (fp *Persistence) SelectionRepository() persistence.SelectionRepository {
	return fp.selections
}
