package file

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
)

const (
	moleculesCollection    = "molecules"
	moleculeKeysCollection = "molecule_keys"
	moleculeSetsCollection = "molecule_sets"
)

type moleculeKey struct {
	MoleculeID string `json:"molecule_id"`
}

// MoleculeRepository handles molecule-related file operations.
type MoleculeRepository struct {
	store *store
}

// Save saves a molecule and its InChIKey index entry.
func (r *MoleculeRepository) Save(_ context.Context, molecule *models.Molecule) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var index moleculeKey

	found, err := r.store.read(moleculeKeysCollection, molecule.InChIKey, &index)
	if err != nil {
		return err
	}

	if found && index.MoleculeID != molecule.ID {
		return persistence.NewRepositoryError("Save", "molecule", molecule.ID,
			fmt.Errorf("%w: inchikey %s already belongs to molecule %s", models.ErrValidation, molecule.InChIKey, index.MoleculeID))
	}

	var existing models.Molecule

	found, err = r.store.read(moleculesCollection, molecule.ID, &existing)
	if err != nil {
		return err
	}

	if found && existing.InChIKey != molecule.InChIKey {
		return persistence.NewRepositoryError("Save", "molecule", molecule.ID,
			fmt.Errorf("%w: inchikey cannot change", models.ErrImmutable))
	}

	now := time.Now().UTC()
	if molecule.CreatedAt.IsZero() {
		molecule.CreatedAt = now
	}

	molecule.UpdatedAt = now

	if err := r.store.write(moleculesCollection, molecule.ID, molecule); err != nil {
		return err
	}

	return r.store.write(moleculeKeysCollection, molecule.InChIKey, moleculeKey{MoleculeID: molecule.ID})
}

// GetByID retrieves a molecule by its ID from the file system.
func (r *MoleculeRepository) GetByID(_ context.Context, id string) (*models.Molecule, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return r.get(id)
}

func (r *MoleculeRepository) get(id string) (*models.Molecule, error) {
	var molecule models.Molecule

	found, err := r.store.read(moleculesCollection, id, &molecule)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewRepositoryError("GetByID", "molecule", id, persistence.ErrMoleculeNotFound)
	}

	return &molecule, nil
}

func (r *MoleculeRepository) GetByInChIKey(_ context.Context, inchikey string) (*models.Molecule, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var index moleculeKey

	found, err := r.store.read(moleculeKeysCollection, inchikey, &index)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewRepositoryError("GetByInChIKey", "molecule", inchikey, persistence.ErrMoleculeNotFound)
	}

	return r.get(index.MoleculeID)
}

func (r *MoleculeRepository) GetMany(_ context.Context, ids []string) ([]*models.Molecule, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	molecules := make([]*models.Molecule, 0, len(ids))

	for _, id := range ids {
		molecule, err := r.get(id)
		if err != nil {
			return nil, err
		}

		molecules = append(molecules, molecule)
	}

	return molecules, nil
}

func (r *MoleculeRepository) List(_ context.Context, includeArchived bool) ([]*models.Molecule, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := readAll[models.Molecule](r.store, moleculesCollection)
	if err != nil {
		return nil, err
	}

	molecules := make([]*models.Molecule, 0, len(all))

	for _, molecule := range all {
		if molecule.Archived && !includeArchived {
			continue
		}

		molecules = append(molecules, molecule)
	}

	sort.Slice(molecules, func(i, j int) bool {
		return molecules[i].InChIKey < molecules[j].InChIKey
	})

	return molecules, nil
}

func (r *MoleculeRepository) SaveSet(_ context.Context, set *models.MoleculeSet) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if set.CreatedAt.IsZero() {
		set.CreatedAt = time.Now().UTC()
	}

	return r.store.write(moleculeSetsCollection, set.ID, set)
}

func (r *MoleculeRepository) GetSet(_ context.Context, id string) (*models.MoleculeSet, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var set models.MoleculeSet

	found, err := r.store.read(moleculeSetsCollection, id, &set)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewRepositoryError("GetSet", "molecule set", id, persistence.ErrMoleculeSetNotFound)
	}

	return &set, nil
}

func (r *MoleculeRepository) DiscardSet(_ context.Context, producedBy, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var set models.MoleculeSet

	found, err := r.store.read(moleculeSetsCollection, id, &set)
	if err != nil {
		return persistence.NewRepositoryError("DiscardSet", "molecule set", id, err)
	}

	if !found || producedBy == "" || set.ProducedBy != producedBy {
		return nil
	}

	return r.store.remove(moleculeSetsCollection, id)
}
