package httpx

import (
	"errors"
	"net/http"

	"github.com/keystone-erp/keystone-erp/internal/docflow"
	"github.com/keystone-erp/keystone-erp/internal/shared"
)

// Sentinel errors shared across domain packages.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// RespondError maps domain and workflow errors to RFC7807 responses.
func RespondError(w http.ResponseWriter, err error) {
	var ite *docflow.InvalidTransitionError
	switch {
	case errors.As(err, &ite):
		Problem(w, http.StatusConflict, "Invalid Transition", ite.Error())
	case errors.Is(err, docflow.ErrAlreadyConverted):
		Problem(w, http.StatusConflict, "Already Converted", err.Error())
	case errors.Is(err, docflow.ErrNotEligible):
		Problem(w, http.StatusConflict, "Not Eligible", err.Error())
	case docflow.IsValidation(err):
		Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrStale):
		Problem(w, http.StatusConflict, "Concurrent Update", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized), errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
