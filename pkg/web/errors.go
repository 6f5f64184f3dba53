package web

import (
	"errors"

	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

// handleServiceError maps engine errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	status, kind := fiber.StatusInternalServerError, "internal_error"

	var missing *services.MissingDependencyError

	switch {
	case errors.As(err, &missing):
		status, kind = fiber.StatusUnprocessableEntity, "missing_dependency"
	case services.IsValidationError(err):
		status, kind = fiber.StatusBadRequest, "validation_error"
	case persistence.IsNotFound(err):
		status, kind = fiber.StatusNotFound, "not_found"
	case services.IsConflictError(err):
		status, kind = fiber.StatusConflict, "conflict"
	case errors.Is(err, services.ErrProviderUnavailable):
		status, kind = fiber.StatusServiceUnavailable, "provider_unavailable"
	}

	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind)

	if status == fiber.StatusInternalServerError {
		problem = problem.WithError(err)
	} else {
		problem = problem.WithDetail(err.Error())
	}

	return c.Status(status).JSON(problem)
}
