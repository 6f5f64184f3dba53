package file

import (
	"context"
	"sort"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
)

const selectionsCollection = "data_selections"

// SelectionRepository keeps one file per execution, molecule and property.
type SelectionRepository struct {
	store *store
}

func (r *SelectionRepository) Save(_ context.Context, selection *models.DataSelection) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var existing models.DataSelection

	found, err := r.store.read(selectionsCollection, selection.Key(), &existing)
	if err != nil {
		return false, persistence.NewRepositoryError("Save", "data selection", selection.Key(), err)
	}

	if found {
		selection.ID = existing.ID
	}

	if err := r.store.write(selectionsCollection, selection.Key(), selection); err != nil {
		return false, persistence.NewRepositoryError("Save", "data selection", selection.Key(), err)
	}

	return !found, nil
}

func (r *SelectionRepository) Get(_ context.Context, executionID, moleculeID, property string) (*models.DataSelection, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	key := (&models.DataSelection{ExecutionID: executionID, MoleculeID: moleculeID, Property: property}).Key()

	var selection models.DataSelection

	found, err := r.store.read(selectionsCollection, key, &selection)
	if err != nil {
		return nil, persistence.NewRepositoryError("Get", "data selection", key, err)
	}

	if !found {
		return nil, persistence.NewRepositoryError("Get", "data selection", key, persistence.ErrSelectionNotFound)
	}

	return &selection, nil
}

func (r *SelectionRepository) ListByExecution(_ context.Context, executionID string) ([]*models.DataSelection, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := readAll[models.DataSelection](r.store, selectionsCollection)
	if err != nil {
		return nil, err
	}

	selections := make([]*models.DataSelection, 0, len(all))

	for _, selection := range all {
		if selection.ExecutionID == executionID {
			selections = append(selections, selection)
		}
	}

	sort.Slice(selections, func(i, j int) bool {
		if selections[i].MoleculeID == selections[j].MoleculeID {
			return selections[i].Property < selections[j].Property
		}

		return selections[i].MoleculeID < selections[j].MoleculeID
	})

	return selections, nil
}
