// Package rediscache caches frozen data records in Redis in front of another
// persistence implementation.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "cadmaflow:record:"

// Persistence wraps a persistence layer and serves record reads from Redis.
type Persistence struct {
	persistence.Persistence

	records *RecordRepository
}

// New decorates next with a frozen-record cache. A zero ttl keeps entries
// until Redis evicts them.
func New(next persistence.Persistence, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Persistence {
	return &Persistence{
		Persistence: next,
		records: &RecordRepository{
			next:   next.RecordRepository(),
			client: client,
			ttl:    ttl,
			logger: logger.With("module", "record_cache"),
		},
	}
}

func (p *Persistence) RecordRepository() persistence.RecordRepository {
	return p.records
}

// HealthCheck checks both Redis and the wrapped layer.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.records.client.Ping(ctx).Err(); err != nil {
		return err
	}

	return p.Persistence.HealthCheck(ctx)
}

// RecordRepository caches records once they are frozen. Frozen records never
// change content, so entries are never invalidated on freeze; metadata updates
// such as approval overwrite the entry.
type RecordRepository struct {
	next   persistence.RecordRepository
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

func key(id string) string {
	return keyPrefix + id
}

func (r *RecordRepository) cache(ctx context.Context, record *models.DataRecord) {
	if !record.IsFrozen {
		return
	}

	data, err := json.Marshal(record)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to encode record for cache", "record_id", record.ID, "error", err)

		return
	}

	if err := r.client.Set(ctx, key(record.ID), data, r.ttl).Err(); err != nil {
		r.logger.WarnContext(ctx, "failed to cache record", "record_id", record.ID, "error", err)
	}
}

func (r *RecordRepository) cached(ctx context.Context, id string) *models.DataRecord {
	data, err := r.client.Get(ctx, key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.WarnContext(ctx, "failed to read record cache", "record_id", id, "error", err)
		}

		return nil
	}

	var record models.DataRecord
	if err := json.Unmarshal(data, &record); err != nil {
		r.logger.WarnContext(ctx, "dropping undecodable cache entry", "record_id", id, "error", err)
		r.client.Del(ctx, key(id))

		return nil
	}

	return &record
}

func (r *RecordRepository) Save(ctx context.Context, record *models.DataRecord) error {
	if err := r.next.Save(ctx, record); err != nil {
		return err
	}

	r.cache(ctx, record)

	return nil
}

func (r *RecordRepository) GetByID(ctx context.Context, id string) (*models.DataRecord, error) {
	if record := r.cached(ctx, id); record != nil {
		return record, nil
	}

	record, err := r.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cache(ctx, record)

	return record, nil
}

func (r *RecordRepository) GetMany(ctx context.Context, ids []string) ([]*models.DataRecord, error) {
	records := make([]*models.DataRecord, len(ids))
	missing := make([]string, 0)
	missingAt := make([]int, 0)

	for i, id := range ids {
		if record := r.cached(ctx, id); record != nil {
			records[i] = record

			continue
		}

		missing = append(missing, id)
		missingAt = append(missingAt, i)
	}

	if len(missing) == 0 {
		return records, nil
	}

	loaded, err := r.next.GetMany(ctx, missing)
	if err != nil {
		return nil, err
	}

	for j, record := range loaded {
		records[missingAt[j]] = record
		r.cache(ctx, record)
	}

	return records, nil
}

func (r *RecordRepository) Find(ctx context.Context, filter persistence.RecordFilter) ([]*models.DataRecord, error) {
	return r.next.Find(ctx, filter)
}

func (r *RecordRepository) Freeze(ctx context.Context, id, actor string, at time.Time) (*models.DataRecord, error) {
	record, err := r.next.Freeze(ctx, id, actor, at)
	if err != nil {
		return nil, err
	}

	r.cache(ctx, record)

	return record, nil
}

func (r *RecordRepository) CommitBatch(ctx context.Context, records []*models.DataRecord, actor string, at time.Time) error {
	if err := r.next.CommitBatch(ctx, records, actor, at); err != nil {
		return err
	}

	for _, record := range records {
		r.cache(ctx, record)
	}

	return nil
}

func (r *RecordRepository) Discard(ctx context.Context, producedBy string, ids []string) error {
	if err := r.next.Discard(ctx, producedBy, ids); err != nil {
		return err
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, key(id))
	}

	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			r.logger.WarnContext(ctx, "failed to drop discarded records from cache", "produced_by", producedBy, "error", err)
		}
	}

	return nil
}
