// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrDuplicate     = errors.New("duplicate entry")
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrUnprocessable = errors.New("unprocessable")
	ErrForbidden     = errors.New("forbidden")
	ErrUnauthorized  = errors.New("unauthorized")
)

// ExtraError lets an error contribute RFC7807 extension members.
type ExtraError interface {
	ProblemExtra() map[string]any
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var extra map[string]any
	var ee ExtraError
	if errors.As(err, &ee) {
		extra = ee.ProblemExtra()
	}
	switch {
	case errors.Is(err, ErrNotFound):
		ProblemWith(w, http.StatusNotFound, "Not Found", err.Error(), extra)
	case errors.Is(err, ErrDuplicate):
		ProblemWith(w, http.StatusConflict, "Duplicate", err.Error(), extra)
	case errors.Is(err, ErrConflict):
		ProblemWith(w, http.StatusConflict, "Conflict", err.Error(), extra)
	case errors.Is(err, ErrValidation):
		ProblemWith(w, http.StatusBadRequest, "Validation Failed", err.Error(), extra)
	case errors.Is(err, ErrUnprocessable):
		ProblemWith(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error(), extra)
	case errors.Is(err, ErrForbidden):
		ProblemWith(w, http.StatusForbidden, "Forbidden", err.Error(), extra)
	case errors.Is(err, ErrUnauthorized):
		ProblemWith(w, http.StatusUnauthorized, "Unauthorized", err.Error(), extra)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
