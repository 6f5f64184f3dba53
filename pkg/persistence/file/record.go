package file

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
)

const recordsCollection = "records"

// RecordRepository handles data record file operations.
type RecordRepository struct {
	store *store
}

// Save stores an unfrozen record. A stored frozen record is only rewritten
// for metadata such as approval, and only when its content is unchanged.
func (r *RecordRepository) Save(_ context.Context, record *models.DataRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stored, err := r.lookup(record.ID)
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
	}

	if record.IsFrozen && (stored == nil || !stored.IsFrozen) {
		return persistence.NewRepositoryError("Save", "record", record.ID,
			fmt.Errorf("%w: use Freeze or CommitBatch to freeze records", models.ErrValidation))
	}

	if err := record.CheckValue(); err != nil {
		return persistence.NewRepositoryError("Save", "record", record.ID, err)
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	return r.store.write(recordsCollection, record.ID, record)
}

func (r *RecordRepository) lookup(id string) (*models.DataRecord, error) {
	var record models.DataRecord

	found, err := r.store.read(recordsCollection, id, &record)
	if err != nil || !found {
		return nil, err
	}

	return &record, nil
}

func (r *RecordRepository) get(op, id string) (*models.DataRecord, error) {
	record, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	if record == nil {
		return nil, persistence.NewRepositoryError(op, "record", id, persistence.ErrRecordNotFound)
	}

	return record, nil
}

func (r *RecordRepository) GetByID(_ context.Context, id string) (*models.DataRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return r.get("GetByID", id)
}

func (r *RecordRepository) GetMany(_ context.Context, ids []string) ([]*models.DataRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	records := make([]*models.DataRecord, 0, len(ids))

	for _, id := range ids {
		record, err := r.get("GetMany", id)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, nil
}

func (r *RecordRepository) Find(_ context.Context, filter persistence.RecordFilter) ([]*models.DataRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := readAll[models.DataRecord](r.store, recordsCollection)
	if err != nil {
		return nil, err
	}

	records := make([]*models.DataRecord, 0)

	for _, record := range all {
		if matches(record, filter) {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}

		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

func matches(record *models.DataRecord, filter persistence.RecordFilter) bool {
	if len(filter.MoleculeIDs) > 0 && !slices.Contains(filter.MoleculeIDs, record.MoleculeID) {
		return false
	}

	if filter.Property != "" && record.Property != filter.Property {
		return false
	}

	if filter.SourceName != "" && record.SourceName != filter.SourceName {
		return false
	}

	if filter.SourceVersion != "" && record.SourceVersion != filter.SourceVersion {
		return false
	}

	if filter.ParametersHash != "" && record.ParametersHash != filter.ParametersHash {
		return false
	}

	return !filter.FrozenOnly || record.IsFrozen
}

func (r *RecordRepository) Freeze(_ context.Context, id, actor string, at time.Time) (*models.DataRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	record, err := r.get("Freeze", id)
	if err != nil {
		return nil, err
	}

	wasFrozen := record.IsFrozen

	if err := record.Freeze(actor, at); err != nil {
		return nil, persistence.NewRepositoryError("Freeze", "record", id, err)
	}

	if wasFrozen {
		return record, nil
	}

	if err := r.store.write(recordsCollection, id, record); err != nil {
		return nil, err
	}

	return record, nil
}

// CommitBatch validates every record before writing any of them, so a
// rejected batch leaves the store untouched.
func (r *RecordRepository) CommitBatch(_ context.Context, records []*models.DataRecord, actor string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	pending := make([]*models.DataRecord, 0, len(records))
	previous := make([]*models.DataRecord, 0, len(records))
	targets := make([]*models.DataRecord, 0, len(records))

	for _, record := range records {
		stored, err := r.lookup(record.ID)
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

		pending = append(pending, frozen)
		previous = append(previous, stored)
		targets = append(targets, record)
	}

	for i, frozen := range pending {
		if err := r.store.write(recordsCollection, frozen.ID, frozen); err != nil {
			r.rollback(pending[:i], previous[:i])

			return persistence.NewRepositoryError("CommitBatch", "record", frozen.ID, err)
		}
	}

	for i, record := range targets {
		*record = *pending[i].Clone()
	}

	return nil
}

func (r *RecordRepository) Discard(_ context.Context, producedBy string, ids []string) error {
	if producedBy == "" {
		return nil
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, id := range ids {
		record, err := r.lookup(id)
		if err != nil {
			return persistence.NewRepositoryError("Discard", "record", id, err)
		}

		if record == nil || record.ProducedBy != producedBy {
			continue
		}

		if err := r.store.remove(recordsCollection, id); err != nil {
			return persistence.NewRepositoryError("Discard", "record", id, err)
		}
	}

	return nil
}

// rollback restores the state from before a batch that failed half way.
func (r *RecordRepository) rollback(written, previous []*models.DataRecord) {
	for i, record := range written {
		if previous[i] != nil {
			_ = r.store.write(recordsCollection, record.ID, previous[i])

			continue
		}

		_ = r.store.remove(recordsCollection, record.ID)
	}
}
