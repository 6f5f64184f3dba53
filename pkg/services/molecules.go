package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/protocol"
	"github.com/go-playground/validator/v10"
)

// Molecules manages molecules and molecule sets.
type Molecules struct {
	repo     persistence.MoleculeRepository
	validate *validator.Validate
	logger   *slog.Logger
}

func (m *Molecules) Get(ctx context.Context, id string) (*models.Molecule, error) {
	return m.repo.GetByID(ctx, id)
}

func (m *Molecules) GetByInChIKey(ctx context.Context, inchikey string) (*models.Molecule, error) {
	return m.repo.GetByInChIKey(ctx, strings.TrimSpace(inchikey))
}

func (m *Molecules) List(ctx context.Context, includeArchived bool) ([]*models.Molecule, error) {
	return m.repo.List(ctx, includeArchived)
}

// Register returns the molecule with the descriptor's InChIKey, creating it
// when it does not exist yet. Descriptive fields of an existing molecule are
// only filled in, never overwritten.
func (m *Molecules) Register(ctx context.Context, descriptor protocol.EntityDescriptor) (*models.Molecule, error) {
	inchikey := strings.TrimSpace(descriptor.InChIKey)
	if inchikey == "" {
		return nil, NewValidationError("register molecule", "inchikey is required")
	}

	existing, err := m.repo.GetByInChIKey(ctx, inchikey)
	if err == nil {
		return m.fillIn(ctx, existing, descriptor)
	}

	if !errors.Is(err, persistence.ErrMoleculeNotFound) {
		return nil, err
	}

	molecule, err := models.NewMolecule(descriptor.InChIKey, descriptor.SMILES, descriptor.CommonName)
	if err != nil {
		return nil, err
	}

	molecule.InChI = descriptor.InChI

	if err := m.validate.Struct(molecule); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := m.repo.Save(ctx, molecule); err != nil {
		// Another caller registered the same InChIKey first.
		if errors.Is(err, ErrValidation) {
			return m.repo.GetByInChIKey(ctx, molecule.InChIKey)
		}

		return nil, err
	}

	m.logger.DebugContext(ctx, "registered molecule", "molecule_id", molecule.ID, "inchikey", molecule.InChIKey)

	return molecule, nil
}

func (m *Molecules) fillIn(ctx context.Context, molecule *models.Molecule, descriptor protocol.EntityDescriptor) (*models.Molecule, error) {
	changed := false

	if molecule.SMILES == "" && descriptor.SMILES != "" {
		molecule.SMILES = descriptor.SMILES
		changed = true
	}

	if molecule.InChI == "" && descriptor.InChI != "" {
		molecule.InChI = descriptor.InChI
		changed = true
	}

	if molecule.CommonName == "" && descriptor.CommonName != "" {
		molecule.CommonName = descriptor.CommonName
		changed = true
	}

	if !changed {
		return molecule, nil
	}

	molecule.UpdatedAt = time.Now().UTC()

	if err := m.repo.Save(ctx, molecule); err != nil {
		return nil, err
	}

	return molecule, nil
}

// RegisterAll registers descriptors in order. Repeated InChIKeys resolve to
// the same molecule and appear once in the result.
func (m *Molecules) RegisterAll(ctx context.Context, descriptors []protocol.EntityDescriptor) ([]*models.Molecule, error) {
	molecules := make([]*models.Molecule, 0, len(descriptors))
	seen := make(map[string]bool, len(descriptors))

	for _, descriptor := range descriptors {
		molecule, err := m.Register(ctx, descriptor)
		if err != nil {
			return nil, fmt.Errorf("molecule %s: %w", descriptor.InChIKey, err)
		}

		if seen[molecule.ID] {
			continue
		}

		seen[molecule.ID] = true
		molecules = append(molecules, molecule)
	}

	return molecules, nil
}

// Archive hides a molecule from listings. Records referencing it are kept.
func (m *Molecules) Archive(ctx context.Context, id string) (*models.Molecule, error) {
	molecule, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	molecule.Archive(time.Now().UTC())

	if err := m.repo.Save(ctx, molecule); err != nil {
		return nil, err
	}

	return molecule, nil
}

// CreateSet stores a set over existing molecules.
func (m *Molecules) CreateSet(ctx context.Context, name string, moleculeIDs []string) (*models.MoleculeSet, error) {
	if _, err := m.repo.GetMany(ctx, moleculeIDs); err != nil {
		return nil, err
	}

	set, err := models.NewMoleculeSet(name, moleculeIDs)
	if err != nil {
		return nil, err
	}

	if err := m.repo.SaveSet(ctx, set); err != nil {
		return nil, err
	}

	return set, nil
}

func (m *Molecules) GetSet(ctx context.Context, id string) (*models.MoleculeSet, error) {
	return m.repo.GetSet(ctx, id)
}

// SetMembers loads the set and its molecules in membership order.
func (m *Molecules) SetMembers(ctx context.Context, id string) (*models.MoleculeSet, []*models.Molecule, error) {
	set, err := m.repo.GetSet(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	molecules, err := m.repo.GetMany(ctx, set.MoleculeIDs)
	if err != nil {
		return nil, nil, err
	}

	return set, molecules, nil
}
