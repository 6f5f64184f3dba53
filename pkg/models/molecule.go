// Package models defines the domain model of the workflow engine: molecules,
// versioned data records, steps, workflows and their executions.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Molecule is the entity every data record describes. InChIKey is the natural
// key and never changes after creation.
type Molecule struct {
	ID         string     `json:"id"`
	InChIKey   string     `json:"inchikey"              validate:"required"`
	SMILES     string     `json:"smiles,omitempty"`
	InChI      string     `json:"inchi,omitempty"`
	CommonName string     `json:"common_name,omitempty"`
	Archived   bool       `json:"archived"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewMolecule creates a molecule identified by its InChIKey.
func NewMolecule(inchikey, smiles, commonName string) (*Molecule, error) {
	key := strings.TrimSpace(inchikey)
	if key == "" {
		return nil, fmt.Errorf("%w: molecule requires an inchikey", ErrValidation)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate molecule ID: %w", err)
	}

	now := time.Now().UTC()

	return &Molecule{
		ID:         id.String(),
		InChIKey:   key,
		SMILES:     smiles,
		CommonName: commonName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Archive marks the molecule as archived. Molecules are never deleted because
// frozen records keep pointing at them.
func (m *Molecule) Archive(at time.Time) {
	if m.Archived {
		return
	}

	m.Archived = true
	m.ArchivedAt = &at
	m.UpdatedAt = at
}

// MoleculeSet is an ordered membership list of molecules, produced by an
// entity-set provider or a filtering step.
type MoleculeSet struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MoleculeIDs []string  `json:"molecule_ids"`
	ProducedBy  string    `json:"produced_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewMoleculeSet creates a set with a fresh identifier.
func NewMoleculeSet(name string, moleculeIDs []string) (*MoleculeSet, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate molecule set ID: %w", err)
	}

	members := make([]string, len(moleculeIDs))
	copy(members, moleculeIDs)

	return &MoleculeSet{
		ID:          id.String(),
		Name:        name,
		MoleculeIDs: members,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
