package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordSource tells where a value came from.
type RecordSource string

const (
	RecordSourceUser     RecordSource = "user"
	RecordSourceComputed RecordSource = "computed"
	RecordSourceImported RecordSource = "imported"
)

// DataShape names a property together with its native type. Steps declare the
// shapes they require and produce.
type DataShape struct {
	Property   string     `json:"property"    validate:"required"    yaml:"property"`
	NativeType NativeType `json:"native_type" validate:"required"    yaml:"native_type"`
}

func (s DataShape) String() string {
	return s.Property + ":" + string(s.NativeType)
}

// DataRecord is a versioned, freezable value of one property for one molecule.
// Once frozen the value never changes; a corrected value is a new record.
type DataRecord struct {
	ID             string          `json:"id"`
	MoleculeID     string          `json:"molecule_id"               validate:"required"`
	Property       string          `json:"property"                  validate:"required"`
	NativeType     NativeType      `json:"native_type"               validate:"required"`
	Value          json.RawMessage `json:"value"`
	Source         RecordSource    `json:"source"                    validate:"required,oneof=user computed imported"`
	SourceName     string          `json:"source_name,omitempty"`
	SourceVersion  string          `json:"source_version,omitempty"`
	ParametersHash string          `json:"parameters_hash,omitempty"`
	ProducedBy     string          `json:"produced_by,omitempty"`
	UserTag        string          `json:"user_tag,omitempty"`
	Confidence     *float64        `json:"confidence,omitempty"      validate:"omitempty,min=0,max=1"`
	Approved       bool            `json:"approved"`
	ApprovedBy     string          `json:"approved_by,omitempty"`
	IsFrozen       bool            `json:"is_frozen"`
	FrozenAt       *time.Time      `json:"frozen_at,omitempty"`
	FrozenBy       string          `json:"frozen_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewDataRecord validates value against nativeType and returns an unfrozen record.
func NewDataRecord(moleculeID, property string, nativeType NativeType, value any, source RecordSource) (*DataRecord, error) {
	if moleculeID == "" || property == "" {
		return nil, fmt.Errorf("%w: record requires a molecule and a property", ErrValidation)
	}

	raw, err := EncodeValue(nativeType, value)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate record ID: %w", err)
	}

	return &DataRecord{
		ID:         id.String(),
		MoleculeID: moleculeID,
		Property:   property,
		NativeType: nativeType,
		Value:      raw,
		Source:     source,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Shape returns the property and native type of the record.
func (r *DataRecord) Shape() DataShape {
	return DataShape{Property: r.Property, NativeType: r.NativeType}
}

// DecodeValue returns the stored payload in its native representation.
func (r *DataRecord) DecodeValue() (any, error) {
	return DecodeValue(r.NativeType, r.Value)
}

// SetValue replaces the payload of an unfrozen record.
func (r *DataRecord) SetValue(value any) error {
	if r.IsFrozen {
		return fmt.Errorf("%w: record %s was frozen at %s by %s", ErrImmutable, r.ID, r.FrozenAt.Format(time.RFC3339), r.FrozenBy)
	}

	raw, err := EncodeValue(r.NativeType, value)
	if err != nil {
		return err
	}

	r.Value = raw

	return nil
}

// Freeze makes the record immutable. Freezing again by the same actor is a
// no-op; a different actor gets ErrImmutable and the original actor is kept.
func (r *DataRecord) Freeze(actor string, at time.Time) error {
	if actor == "" {
		return fmt.Errorf("%w: freeze requires an actor", ErrValidation)
	}

	if r.IsFrozen {
		if r.FrozenBy == actor {
			return nil
		}

		return fmt.Errorf("%w: record %s already frozen by %s", ErrImmutable, r.ID, r.FrozenBy)
	}

	if err := r.CheckValue(); err != nil {
		return err
	}

	frozenAt := at.UTC()
	r.IsFrozen = true
	r.FrozenAt = &frozenAt
	r.FrozenBy = actor

	return nil
}

// Approve flags the record as reviewed. Approval is metadata and is allowed on
// frozen records.
func (r *DataRecord) Approve(actor string) {
	r.Approved = true
	r.ApprovedBy = actor
}

// CheckValue verifies the stored payload decodes as the declared native type.
func (r *DataRecord) CheckValue() error {
	_, err := r.DecodeValue()

	return err
}

// SameContent reports whether two records hold the same immutable content.
func (r *DataRecord) SameContent(other *DataRecord) bool {
	return r.MoleculeID == other.MoleculeID &&
		r.Property == other.Property &&
		r.NativeType == other.NativeType &&
		string(r.Value) == string(other.Value) &&
		r.Source == other.Source &&
		r.SourceName == other.SourceName &&
		r.SourceVersion == other.SourceVersion
}

// Clone returns a deep copy of the record.
func (r *DataRecord) Clone() *DataRecord {
	c := *r
	c.Value = append(json.RawMessage(nil), r.Value...)

	if r.Confidence != nil {
		confidence := *r.Confidence
		c.Confidence = &confidence
	}

	if r.FrozenAt != nil {
		frozenAt := *r.FrozenAt
		c.FrozenAt = &frozenAt
	}

	return &c
}
