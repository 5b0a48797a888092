package api

import (
	"errors"
	"net/http"

	"pipeflow/internal/domain"
)

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var notFound *domain.NotFoundError
	var validation *domain.ValidationError
	var conflict *domain.ConflictError
	var versionConflict *domain.VersionConflictError
	var graph *domain.GraphIntegrityError
	var exhausted *domain.RetryBudgetExhaustedError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict), errors.As(err, &versionConflict), errors.As(err, &exhausted):
		return http.StatusConflict
	case errors.As(err, &graph):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrLeaseUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
