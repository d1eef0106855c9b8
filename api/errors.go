package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/convohubhq/convohub/pkg/dag"
	"github.com/convohubhq/convohub/pkg/diff"
	"github.com/convohubhq/convohub/pkg/idempotency"
	"github.com/convohubhq/convohub/pkg/merge"
	"github.com/convohubhq/convohub/pkg/store"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes. Validation problems and
// rejected cycles are 400, missing entities 404, duplicates and idempotency
// collisions 409, everything else 500.
func statusFor(err error) int {
	var (
		invalidKey  idempotency.InvalidKeyError
		invalidType dag.InvalidEdgeTypeError
		cycle       dag.CycleError
		unknown     merge.UnknownStrategyError
		crossDiff   diff.CrossThreadError
		crossMerge  merge.CrossThreadError
		mismatch    merge.ThreadMismatchError
		emptyDiff   diff.EmptyBranchError
		emptyMerge  merge.EmptyBranchError
	)

	switch {
	case errors.As(err, &invalidKey),
		errors.As(err, &invalidType),
		errors.As(err, &cycle),
		errors.As(err, &unknown),
		errors.As(err, &crossDiff),
		errors.As(err, &crossMerge),
		errors.As(err, &mismatch),
		errors.As(err, &emptyDiff),
		errors.As(err, &emptyMerge),
		errors.Is(err, dag.ErrInvalidDirection),
		errors.Is(err, diff.ErrInvalidMode):
		return fiber.StatusBadRequest
	case store.IsNotFound(err):
		return fiber.StatusNotFound
	case store.IsDuplicate(err), errors.Is(err, idempotency.ErrConflict):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

// fail logs server-side errors and writes the JSON error response.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(ErrorResponse{Error: err.Error()})
}
