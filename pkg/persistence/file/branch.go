package file

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
)

const (
	branchMarkersCollection = "branch_markers"
	eventsCollection        = "events"
	providerRunsCollection  = "provider_runs"
)

// BranchMarkerRepository stores branch markers as one file per source
// execution, source step execution and fingerprint.
type BranchMarkerRepository struct {
	store *store
}

func (r *BranchMarkerRepository) Claim(_ context.Context, marker *models.BranchMarker) (*models.BranchMarker, bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var existing models.BranchMarker

	found, err := r.store.read(branchMarkersCollection, marker.Key(), &existing)
	if err != nil {
		return nil, false, persistence.NewRepositoryError("Claim", "branch marker", marker.Key(), err)
	}

	if found {
		return &existing, false, nil
	}

	if err := r.store.write(branchMarkersCollection, marker.Key(), marker); err != nil {
		return nil, false, persistence.NewRepositoryError("Claim", "branch marker", marker.Key(), err)
	}

	return marker, true, nil
}

func (r *BranchMarkerRepository) Release(_ context.Context, marker *models.BranchMarker) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.remove(branchMarkersCollection, marker.Key())
}

// EventRepository keeps the timeline of each execution in its own directory.
type EventRepository struct {
	store *store
}

func eventsOf(executionID string) string {
	return filepath.Join(eventsCollection, executionID)
}

func (r *EventRepository) Append(_ context.Context, event *models.WorkflowEvent) error {
	if err := validateID(event.ExecutionID); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(eventsOf(event.ExecutionID), event.ID, event)
}

func (r *EventRepository) ListByExecution(_ context.Context, executionID string) ([]*models.WorkflowEvent, error) {
	if err := validateID(executionID); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	events, err := readAll[models.WorkflowEvent](r.store, eventsOf(executionID))
	if err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}

		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	return events, nil
}

// ProviderRunRepository handles provider run file operations.
type ProviderRunRepository struct {
	store *store
}

func (r *ProviderRunRepository) Save(_ context.Context, run *models.ProviderRun) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(providerRunsCollection, run.ID, run)
}

func (r *ProviderRunRepository) GetByID(_ context.Context, id string) (*models.ProviderRun, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var run models.ProviderRun

	found, err := r.store.read(providerRunsCollection, id, &run)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewRepositoryError("GetByID", "provider run", id, persistence.ErrProviderRunNotFound)
	}

	return &run, nil
}
