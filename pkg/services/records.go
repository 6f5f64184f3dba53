package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/otelhelper"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Records exposes the operations on versioned data records.
type Records struct {
	repo      persistence.RecordRepository
	molecules persistence.MoleculeRepository
	validate  *validator.Validate
	logger    *slog.Logger
	tracer    trace.Tracer
}

// CreateRecordRequest describes a record entered outside of a step, such as
// a measurement typed in by a user or an imported value.
type CreateRecordRequest struct {
	MoleculeID    string              `json:"molecule_id"    validate:"required"`
	Property      string              `json:"property"       validate:"required"`
	NativeType    models.NativeType   `json:"native_type"    validate:"required"`
	Value         any                 `json:"value"`
	Source        models.RecordSource `json:"source"         validate:"omitempty,oneof=user computed imported"`
	SourceName    string              `json:"source_name"`
	SourceVersion string              `json:"source_version"`
	UserTag       string              `json:"user_tag"`
	Confidence    *float64            `json:"confidence"     validate:"omitempty,min=0,max=1"`
}

// Create stores a new unfrozen record for an existing molecule.
func (r *Records) Create(ctx context.Context, req CreateRecordRequest) (*models.DataRecord, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if _, err := r.molecules.GetByID(ctx, req.MoleculeID); err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = models.RecordSourceUser
	}

	record, err := models.NewDataRecord(req.MoleculeID, req.Property, req.NativeType, req.Value, source)
	if err != nil {
		return nil, err
	}

	record.SourceName = req.SourceName
	record.SourceVersion = req.SourceVersion
	record.UserTag = req.UserTag
	record.Confidence = req.Confidence

	if err := r.repo.Save(ctx, record); err != nil {
		return nil, err
	}

	return record, nil
}

func (r *Records) Get(ctx context.Context, id string) (*models.DataRecord, error) {
	return r.repo.GetByID(ctx, id)
}

func (r *Records) List(ctx context.Context, filter persistence.RecordFilter) ([]*models.DataRecord, error) {
	return r.repo.Find(ctx, filter)
}

// SetValue replaces the value of an unfrozen record. Frozen records are
// immutable; a corrected value must be stored as a new record.
func (r *Records) SetValue(ctx context.Context, id string, value any) (*models.DataRecord, error) {
	record, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := record.SetValue(value); err != nil {
		return nil, err
	}

	if err := r.repo.Save(ctx, record); err != nil {
		return nil, err
	}

	return record, nil
}

// Freeze makes a record immutable. Only one actor can ever freeze a record:
// repeating the call as the same actor is a no-op, any other actor gets
// ErrImmutable.
func (r *Records) Freeze(ctx context.Context, id, actor string) (*models.DataRecord, error) {
	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "services.Records.Freeze",
		attribute.String(otelhelper.RecordIDKey, id),
	)
	defer span.End()

	record, err := r.repo.Freeze(ctx, id, actor, time.Now().UTC())
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	r.logger.InfoContext(ctx, "record frozen", "record_id", id, "frozen_by", record.FrozenBy)

	return record, nil
}

// Approve marks a record as reviewed. Approval does not touch the value and
// is allowed on frozen records.
func (r *Records) Approve(ctx context.Context, id, actor string) (*models.DataRecord, error) {
	if actor == "" {
		return nil, NewValidationError("approve record", "approval requires an actor")
	}

	record, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	record.Approve(actor)

	if err := r.repo.Save(ctx, record); err != nil {
		return nil, err
	}

	return record, nil
}
