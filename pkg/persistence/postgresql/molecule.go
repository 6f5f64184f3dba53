package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const moleculeColumns = `
	id
  , inchikey
  , smiles
  , inchi
  , common_name
  , archived
  , archived_at
  , created_at
  , updated_at
`

// MoleculeRepository handles molecule-related database operations.
type MoleculeRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Save inserts or updates a molecule. The inchikey column is never updated.
func (r *MoleculeRepository) Save(ctx context.Context, molecule *models.Molecule) error {
	now := time.Now().UTC()
	if molecule.CreatedAt.IsZero() {
		molecule.CreatedAt = now
	}

	molecule.UpdatedAt = now

	query := `
		INSERT INTO molecules (id, inchikey, smiles, inchi, common_name, archived, archived_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			smiles = EXCLUDED.smiles,
			inchi = EXCLUDED.inchi,
			common_name = EXCLUDED.common_name,
			archived = EXCLUDED.archived,
			archived_at = EXCLUDED.archived_at,
			updated_at = EXCLUDED.updated_at
		WHERE molecules.inchikey = EXCLUDED.inchikey
	`

	result, err := r.db.ExecContext(ctx, query,
		molecule.ID,
		molecule.InChIKey,
		nullString(molecule.SMILES),
		nullString(molecule.InChI),
		nullString(molecule.CommonName),
		molecule.Archived,
		molecule.ArchivedAt,
		molecule.CreatedAt,
		molecule.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewRepositoryError("Save", "molecule", molecule.ID,
				fmt.Errorf("%w: inchikey %s already exists", models.ErrValidation, molecule.InChIKey))
		}

		return fmt.Errorf("failed to save molecule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save molecule: %w", err)
	}

	if affected == 0 {
		return persistence.NewRepositoryError("Save", "molecule", molecule.ID,
			fmt.Errorf("%w: inchikey cannot change", models.ErrImmutable))
	}

	return nil
}

func (r *MoleculeRepository) scanMolecule(row scanner) (*models.Molecule, error) {
	var (
		molecule                  models.Molecule
		smiles, inchi, commonName sql.NullString
		archivedAt                sql.NullTime
	)

	err := row.Scan(
		&molecule.ID,
		&molecule.InChIKey,
		&smiles,
		&inchi,
		&commonName,
		&molecule.Archived,
		&archivedAt,
		&molecule.CreatedAt,
		&molecule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	molecule.SMILES = smiles.String
	molecule.InChI = inchi.String
	molecule.CommonName = commonName.String
	molecule.ArchivedAt = timeFrom(archivedAt)
	molecule.CreatedAt = molecule.CreatedAt.UTC()
	molecule.UpdatedAt = molecule.UpdatedAt.UTC()

	return &molecule, nil
}

func (r *MoleculeRepository) getOne(ctx context.Context, op, key, where string) (*models.Molecule, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+moleculeColumns+" FROM molecules WHERE "+where+" = $1", key)

	molecule, err := r.scanMolecule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError(op, "molecule", key, persistence.ErrMoleculeNotFound)
		}

		return nil, fmt.Errorf("failed to scan molecule: %w", err)
	}

	return molecule, nil
}

func (r *MoleculeRepository) GetByID(ctx context.Context, id string) (*models.Molecule, error) {
	return r.getOne(ctx, "GetByID", id, "id")
}

func (r *MoleculeRepository) GetByInChIKey(ctx context.Context, inchikey string) (*models.Molecule, error) {
	return r.getOne(ctx, "GetByInChIKey", inchikey, "inchikey")
}

func (r *MoleculeRepository) GetMany(ctx context.Context, ids []string) ([]*models.Molecule, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+moleculeColumns+" FROM molecules WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query molecules: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	byID := make(map[string]*models.Molecule, len(ids))

	for rows.Next() {
		molecule, err := r.scanMolecule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan molecule: %w", err)
		}

		byID[molecule.ID] = molecule
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating molecules: %w", err)
	}

	molecules := make([]*models.Molecule, 0, len(ids))

	for _, id := range ids {
		molecule, ok := byID[id]
		if !ok {
			return nil, persistence.NewRepositoryError("GetMany", "molecule", id, persistence.ErrMoleculeNotFound)
		}

		molecules = append(molecules, molecule)
	}

	return molecules, nil
}

func (r *MoleculeRepository) List(ctx context.Context, includeArchived bool) ([]*models.Molecule, error) {
	query := "SELECT " + moleculeColumns + " FROM molecules WHERE archived = false OR $1 ORDER BY inchikey"

	rows, err := r.db.QueryContext(ctx, query, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("failed to query molecules: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	molecules := make([]*models.Molecule, 0)

	for rows.Next() {
		molecule, err := r.scanMolecule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan molecule: %w", err)
		}

		molecules = append(molecules, molecule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating molecules: %w", err)
	}

	return molecules, nil
}

func (r *MoleculeRepository) SaveSet(ctx context.Context, set *models.MoleculeSet) error {
	if set.CreatedAt.IsZero() {
		set.CreatedAt = time.Now().UTC()
	}

	members, err := json.Marshal(set.MoleculeIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal molecule ids: %w", err)
	}

	query := `
		INSERT INTO molecule_sets (id, name, molecule_ids, produced_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			molecule_ids = EXCLUDED.molecule_ids,
			produced_by = EXCLUDED.produced_by
	`

	_, err = r.db.ExecContext(ctx, query, set.ID, set.Name, string(members), nullString(set.ProducedBy), set.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save molecule set: %w", err)
	}

	return nil
}

func (r *MoleculeRepository) GetSet(ctx context.Context, id string) (*models.MoleculeSet, error) {
	var (
		set        models.MoleculeSet
		members    []byte
		producedBy sql.NullString
	)

	row := r.db.QueryRowContext(ctx,
		"SELECT id, name, molecule_ids, produced_by, created_at FROM molecule_sets WHERE id = $1", id)

	err := row.Scan(&set.ID, &set.Name, &members, &producedBy, &set.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetSet", "molecule set", id, persistence.ErrMoleculeSetNotFound)
		}

		return nil, fmt.Errorf("failed to scan molecule set: %w", err)
	}

	if err := json.Unmarshal(members, &set.MoleculeIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal molecule ids: %w", err)
	}

	set.ProducedBy = producedBy.String
	set.CreatedAt = set.CreatedAt.UTC()

	return &set, nil
}

func (r *MoleculeRepository) DiscardSet(ctx context.Context, producedBy, id string) error {
	if producedBy == "" {
		return nil
	}

	_, err := r.db.ExecContext(ctx, "DELETE FROM molecule_sets WHERE id = $1 AND produced_by = $2", id, producedBy)
	if err != nil {
		return persistence.NewRepositoryError("DiscardSet", "molecule set", id, err)
	}

	return nil
}
