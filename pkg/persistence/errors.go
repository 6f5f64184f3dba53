package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrMoleculeNotFound indicates a molecule was not found by id or InChIKey.
	ErrMoleculeNotFound = errors.New("molecule not found")

	// ErrMoleculeSetNotFound indicates a molecule set was not found.
	ErrMoleculeSetNotFound = errors.New("molecule set not found")

	// ErrRecordNotFound indicates a data record was not found.
	ErrRecordNotFound = errors.New("data record not found")

	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates a workflow execution was not found.
	ErrExecutionNotFound = errors.New("workflow execution not found")

	// ErrStepExecutionNotFound indicates a step execution was not found.
	ErrStepExecutionNotFound = errors.New("step execution not found")

	// ErrProviderRunNotFound indicates a provider run was not found.
	ErrProviderRunNotFound = errors.New("provider run not found")

	// ErrSelectionNotFound indicates no variant is selected for a molecule property.
	ErrSelectionNotFound = errors.New("data selection not found")

	// ErrInvalidID indicates an identifier that cannot be used as a storage key.
	ErrInvalidID = errors.New("invalid identifier")
)

// RepositoryError wraps storage errors with the operation and the object involved.
type RepositoryError struct {
	Op       string // Operation being performed (e.g., "GetByID", "Save", "Freeze")
	Resource string // Kind of object (e.g., "record", "workflow")
	ID       string // Identifier if applicable
	Err      error  // Underlying error
}

func (e *RepositoryError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s operation failed for %s: %v", e.Op, e.Resource, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Resource, e.ID, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for repository errors.
func (e *RepositoryError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRepositoryError creates a new repository error with context.
func NewRepositoryError(op, resource, id string, err error) *RepositoryError {
	return &RepositoryError{
		Op:       op,
		Resource: resource,
		ID:       id,
		Err:      err,
	}
}

// IsNotFound checks if an error indicates any object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMoleculeNotFound) ||
		errors.Is(err, ErrMoleculeSetNotFound) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrStepExecutionNotFound) ||
		errors.Is(err, ErrProviderRunNotFound) ||
		errors.Is(err, ErrSelectionNotFound)
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsExecutionNotFound checks if an error indicates a workflow execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsRecordNotFound checks if an error indicates a data record was not found.
func IsRecordNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}
