// Package services implements the workflow engine: record operations, provider
// access, step execution, workflow execution and branching.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/protocol"
)

// Errors shared with the model and protocol layers.
var (
	ErrValidation          = models.ErrValidation
	ErrImmutable           = models.ErrImmutable
	ErrTypeMismatch        = models.ErrTypeMismatch
	ErrProviderUnavailable = protocol.ErrProviderUnavailable
)

// Engine errors.
var (
	// ErrMissingDependency is returned when a step's declared inputs are not available (422).
	ErrMissingDependency = errors.New("missing dependency")

	// Business Logic Conflicts (409 Conflict).
	ErrBranchingDisallowed    = errors.New("step does not allow branching")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrExecutionFinished      = errors.New("workflow execution already finished")
	ErrExecutionNotFailed     = errors.New("workflow execution has not failed")
)

// Step error codes persisted on failed step and workflow executions.
const (
	CodeValidation          = "validation"
	CodeTypeMismatch        = "type_mismatch"
	CodeProviderUnavailable = "provider_unavailable"
	CodeMissingDependency   = "missing_dependency"
	CodeImmutable           = "immutable"
	CodeInternal            = "internal"
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, message string) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    CodeValidation,
		Message: message,
		Err:     ErrValidation,
	}
}

// MissingDependency is one declared input that cannot be satisfied.
type MissingDependency struct {
	Slot       string            `json:"slot"`
	Property   string            `json:"property,omitempty"`
	NativeType models.NativeType `json:"native_type,omitempty"`
	Reason     string            `json:"reason"`
}

// MissingDependencyError reports every unsatisfied input of the step at Position.
type MissingDependencyError struct {
	Position int
	Missing  []MissingDependency
}

func (e *MissingDependencyError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		parts = append(parts, m.Slot+" ("+m.Reason+")")
	}

	return fmt.Sprintf("step %d: %v: %s", e.Position, ErrMissingDependency, strings.Join(parts, ", "))
}

func (e *MissingDependencyError) Unwrap() error {
	return ErrMissingDependency
}

// StepFailedError is returned by Advance when the step ran and failed. The
// execution has been marked failed; Cause is the step's own error.
type StepFailedError struct {
	StepExecutionID string
	Cause           error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step execution %s failed: %v", e.StepExecutionID, e.Cause)
}

func (e *StepFailedError) Unwrap() error {
	return e.Cause
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, models.ErrUnknownNativeType) ||
		errors.Is(err, persistence.ErrInvalidID)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrImmutable) ||
		errors.Is(err, ErrBranchingDisallowed) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrExecutionFinished) ||
		errors.Is(err, ErrExecutionNotFailed) ||
		errors.Is(err, models.ErrInvalidTransition)
}

// IsMissingDependency checks if an error reports unsatisfied step inputs (HTTP 422).
func IsMissingDependency(err error) bool {
	return errors.Is(err, ErrMissingDependency)
}

// IsRetryable reports whether repeating the operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrConcurrentModification)
}

// stepErrorFrom classifies err into the cause stored on a failed execution.
func stepErrorFrom(err error) *models.StepError {
	var stepErr *models.StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}

	code := CodeInternal

	switch {
	case errors.Is(err, ErrProviderUnavailable):
		code = CodeProviderUnavailable
	case errors.Is(err, ErrTypeMismatch):
		code = CodeTypeMismatch
	case errors.Is(err, ErrMissingDependency):
		code = CodeMissingDependency
	case errors.Is(err, ErrImmutable):
		code = CodeImmutable
	case errors.Is(err, ErrValidation), errors.Is(err, models.ErrUnknownNativeType):
		code = CodeValidation
	}

	return &models.StepError{Code: code, Message: err.Error()}
}
