package models

import "errors"

var (
	// ErrValidation indicates malformed input such as an unknown field, a bad
	// parameter or a missing natural key.
	ErrValidation = errors.New("validation failed")

	// ErrImmutable is returned when a write targets a frozen data record or a
	// terminal step execution.
	ErrImmutable = errors.New("immutable")

	// ErrTypeMismatch is returned when a value does not conform to the native
	// type declared on its record.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrUnknownNativeType is returned for tags missing from the native type registry.
	ErrUnknownNativeType = errors.New("unknown native type")

	// ErrInvalidTransition is returned when a status change is not allowed by the
	// step execution state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)
