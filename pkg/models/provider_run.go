package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProviderKind distinguishes entity-set providers from property providers.
type ProviderKind string

const (
	ProviderKindEntitySet ProviderKind = "entity_set"
	ProviderKindProperty  ProviderKind = "property"
)

// ProviderRunStatus is the outcome of a provider invocation.
type ProviderRunStatus string

const (
	ProviderRunStatusRunning   ProviderRunStatus = "running"
	ProviderRunStatusCompleted ProviderRunStatus = "completed"
	ProviderRunStatusFailed    ProviderRunStatus = "failed"
)

// ProviderRun records one invocation of a provider for audit purposes.
type ProviderRun struct {
	ID              string            `json:"id"`
	ProviderID      string            `json:"provider_id"`
	Kind            ProviderKind      `json:"kind"`
	Version         string            `json:"version"`
	Parameters      map[string]any    `json:"parameters,omitempty"`
	StepExecutionID string            `json:"step_execution_id,omitempty"`
	Status          ProviderRunStatus `json:"status"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Produced        int               `json:"produced"`
	Reused          int               `json:"reused"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
}

// NewProviderRun starts a run record.
func NewProviderRun(providerID string, kind ProviderKind, version string, params map[string]any) (*ProviderRun, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate provider run ID: %w", err)
	}

	return &ProviderRun{
		ID:         id.String(),
		ProviderID: providerID,
		Kind:       kind,
		Version:    version,
		Parameters: params,
		Status:     ProviderRunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}, nil
}

// Finish closes the run; a non-nil err marks it failed.
func (r *ProviderRun) Finish(err error) {
	now := time.Now().UTC()
	r.FinishedAt = &now
	r.Status = ProviderRunStatusCompleted

	if err != nil {
		r.Status = ProviderRunStatusFailed
		r.ErrorMessage = err.Error()
	}
}
