package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/lib/pq"
)

const recordColumns = `
	id
  , molecule_id
  , property
  , native_type
  , value
  , source
  , source_name
  , source_version
  , parameters_hash
  , produced_by
  , user_tag
  , confidence
  , approved
  , approved_by
  , is_frozen
  , frozen_at
  , frozen_by
  , created_at
`

// RecordRepository handles data record database operations. Every write that
// depends on the stored freeze state locks the row first.
type RecordRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func scanRecord(row scanner) (*models.DataRecord, error) {
	var (
		record                                                 models.DataRecord
		value                                                  string
		sourceName, sourceVersion, paramsHash, producedBy, tag sql.NullString
		approvedBy, frozenBy                                   sql.NullString
		confidence                                             sql.NullFloat64
		frozenAt                                               sql.NullTime
	)

	err := row.Scan(
		&record.ID,
		&record.MoleculeID,
		&record.Property,
		&record.NativeType,
		&value,
		&record.Source,
		&sourceName,
		&sourceVersion,
		&paramsHash,
		&producedBy,
		&tag,
		&confidence,
		&record.Approved,
		&approvedBy,
		&record.IsFrozen,
		&frozenAt,
		&frozenBy,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Value = []byte(value)
	record.SourceName = sourceName.String
	record.SourceVersion = sourceVersion.String
	record.ParametersHash = paramsHash.String
	record.ProducedBy = producedBy.String
	record.UserTag = tag.String
	record.ApprovedBy = approvedBy.String
	record.FrozenBy = frozenBy.String
	record.FrozenAt = timeFrom(frozenAt)
	record.CreatedAt = record.CreatedAt.UTC()

	if confidence.Valid {
		record.Confidence = &confidence.Float64
	}

	return &record, nil
}

// lockRecord loads a record inside tx with a row lock. It returns nil when
// the record does not exist.
func lockRecord(ctx context.Context, tx *sql.Tx, id string) (*models.DataRecord, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM data_records WHERE id = $1 FOR UPDATE", id)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to lock record: %w", err)
	}

	return record, nil
}

func upsertRecord(ctx context.Context, tx *sql.Tx, record *models.DataRecord) error {
	query := `
		INSERT INTO data_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			value = EXCLUDED.value,
			source = EXCLUDED.source,
			source_name = EXCLUDED.source_name,
			source_version = EXCLUDED.source_version,
			parameters_hash = EXCLUDED.parameters_hash,
			produced_by = EXCLUDED.produced_by,
			user_tag = EXCLUDED.user_tag,
			confidence = EXCLUDED.confidence,
			approved = EXCLUDED.approved,
			approved_by = EXCLUDED.approved_by,
			is_frozen = EXCLUDED.is_frozen,
			frozen_at = EXCLUDED.frozen_at,
			frozen_by = EXCLUDED.frozen_by
	`

	_, err := tx.ExecContext(ctx, query,
		record.ID,
		record.MoleculeID,
		record.Property,
		record.NativeType,
		string(record.Value),
		record.Source,
		nullString(record.SourceName),
		nullString(record.SourceVersion),
		nullString(record.ParametersHash),
		nullString(record.ProducedBy),
		nullString(record.UserTag),
		record.Confidence,
		record.Approved,
		nullString(record.ApprovedBy),
		record.IsFrozen,
		record.FrozenAt,
		nullString(record.FrozenBy),
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	return nil
}

// inTx runs fn in a transaction and commits when it returns nil.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *RecordRepository) Save(ctx context.Context, record *models.DataRecord) error {
	if err := record.CheckValue(); err != nil {
		return persistence.NewRepositoryError("Save", "record", record.ID, err)
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		stored, err := lockRecord(ctx, tx, record.ID)
		if err != nil {
			return err
		}

		if stored != nil && stored.IsFrozen {
			if !stored.SameContent(record) {
				return persistence.NewRepositoryError("Save", "record", record.ID,
					fmt.Errorf("%w: record %s is frozen", models.ErrImmutable, record.ID))
			}

			record.IsFrozen = true
			record.FrozenAt = stored.FrozenAt
			record.FrozenBy = stored.FrozenBy
		} else if record.IsFrozen {
			return persistence.NewRepositoryError("Save", "record", record.ID,
				fmt.Errorf("%w: use Freeze or CommitBatch to freeze records", models.ErrValidation))
		}

		return upsertRecord(ctx, tx, record)
	})
}

func (r *RecordRepository) GetByID(ctx context.Context, id string) (*models.DataRecord, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM data_records WHERE id = $1", id)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByID", "record", id, persistence.ErrRecordNotFound)
		}

		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	return record, nil
}

func (r *RecordRepository) GetMany(ctx context.Context, ids []string) ([]*models.DataRecord, error) {
	records, err := r.query(ctx, "SELECT "+recordColumns+" FROM data_records WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.DataRecord, len(records))
	for _, record := range records {
		byID[record.ID] = record
	}

	ordered := make([]*models.DataRecord, 0, len(ids))

	for _, id := range ids {
		record, ok := byID[id]
		if !ok {
			return nil, persistence.NewRepositoryError("GetMany", "record", id, persistence.ErrRecordNotFound)
		}

		ordered = append(ordered, record)
	}

	return ordered, nil
}

func (r *RecordRepository) Find(ctx context.Context, filter persistence.RecordFilter) ([]*models.DataRecord, error) {
	query, args := buildFindQuery(filter)

	return r.query(ctx, query, args...)
}

func buildFindQuery(filter persistence.RecordFilter) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	add := func(condition string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, condition+" $"+strconv.Itoa(len(args)))
	}

	if len(filter.MoleculeIDs) > 0 {
		args = append(args, pq.Array(filter.MoleculeIDs))
		conditions = append(conditions, "molecule_id = ANY($"+strconv.Itoa(len(args))+")")
	}

	if filter.Property != "" {
		add("property =", filter.Property)
	}

	if filter.SourceName != "" {
		add("source_name =", filter.SourceName)
	}

	if filter.SourceVersion != "" {
		add("source_version =", filter.SourceVersion)
	}

	if filter.ParametersHash != "" {
		add("parameters_hash =", filter.ParametersHash)
	}

	if filter.FrozenOnly {
		conditions = append(conditions, "is_frozen = true")
	}

	query := "SELECT " + recordColumns + " FROM data_records"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	return query + " ORDER BY created_at, id", args
}

func (r *RecordRepository) query(ctx context.Context, query string, args ...any) ([]*models.DataRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	records := make([]*models.DataRecord, 0)

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

func (r *RecordRepository) Freeze(ctx context.Context, id, actor string, at time.Time) (*models.DataRecord, error) {
	var frozen *models.DataRecord

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		record, err := lockRecord(ctx, tx, id)
		if err != nil {
			return err
		}

		if record == nil {
			return persistence.NewRepositoryError("Freeze", "record", id, persistence.ErrRecordNotFound)
		}

		wasFrozen := record.IsFrozen

		if err := record.Freeze(actor, at); err != nil {
			return persistence.NewRepositoryError("Freeze", "record", id, err)
		}

		frozen = record

		if wasFrozen {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE data_records SET is_frozen = true, frozen_at = $2, frozen_by = $3 WHERE id = $1 AND is_frozen = false",
			id, record.FrozenAt, record.FrozenBy)
		if err != nil {
			return fmt.Errorf("failed to freeze record: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return frozen, nil
}

// CommitBatch writes the whole batch in one transaction.
func (r *RecordRepository) CommitBatch(ctx context.Context, records []*models.DataRecord, actor string, at time.Time) error {
	committed := make(map[*models.DataRecord]*models.DataRecord, len(records))

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, record := range records {
			stored, err := lockRecord(ctx, tx, record.ID)
			if err != nil {
				return persistence.NewRepositoryError("CommitBatch", "record", record.ID, err)
			}

			if stored != nil && stored.IsFrozen {
				if !stored.SameContent(record) {
					return persistence.NewRepositoryError("CommitBatch", "record", record.ID,
						fmt.Errorf("%w: record %s is frozen with different content", models.ErrImmutable, record.ID))
				}

				continue
			}

			frozen := record.Clone()
			if frozen.CreatedAt.IsZero() {
				frozen.CreatedAt = at.UTC()
			}

			if err := frozen.Freeze(actor, at); err != nil {
				return persistence.NewRepositoryError("CommitBatch", "record", record.ID, err)
			}

			if err := upsertRecord(ctx, tx, frozen); err != nil {
				return persistence.NewRepositoryError("CommitBatch", "record", record.ID, err)
			}

			committed[record] = frozen
		}

		return nil
	})
	if err != nil {
		return err
	}

	for record, frozen := range committed {
		*record = *frozen
	}

	return nil
}

// Discard only removes records whose produced_by matches, so records shared
// with other step executions survive.
func (r *RecordRepository) Discard(ctx context.Context, producedBy string, ids []string) error {
	if producedBy == "" || len(ids) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		"DELETE FROM data_records WHERE produced_by = $1 AND id = ANY($2)", producedBy, pq.Array(ids))
	if err != nil {
		return persistence.NewRepositoryError("Discard", "record", producedBy, err)
	}

	return nil
}
