package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DataSelection is the record variant an execution uses for one property of
// one molecule. There is at most one per execution, molecule and property.
type DataSelection struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	MoleculeID  string    `json:"molecule_id"`
	Property    string    `json:"property"`
	RecordID    string    `json:"record_id"`
	SelectedBy  string    `json:"selected_by,omitempty"`
	SelectedAt  time.Time `json:"selected_at"`
}

// NewDataSelection selects record for its molecule and property in executionID.
func NewDataSelection(executionID string, record *DataRecord, selectedBy string) (*DataSelection, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate selection ID: %w", err)
	}

	return &DataSelection{
		ID:          id.String(),
		ExecutionID: executionID,
		MoleculeID:  record.MoleculeID,
		Property:    record.Property,
		RecordID:    record.ID,
		SelectedBy:  selectedBy,
		SelectedAt:  time.Now().UTC(),
	}, nil
}

// Key identifies the execution, molecule and property the selection applies to.
func (s *DataSelection) Key() string {
	return s.ExecutionID + "-" + s.MoleculeID + "-" + s.Property
}

// CopyTo returns the same choice made for another execution.
func (s *DataSelection) CopyTo(executionID string) (*DataSelection, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate selection ID: %w", err)
	}

	copied := *s
	copied.ID = id.String()
	copied.ExecutionID = executionID

	return &copied, nil
}
