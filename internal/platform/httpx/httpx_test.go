package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type extraErr struct{}

func (extraErr) Error() string { return "too much" }
func (extraErr) ProblemExtra() map[string]any { return map[string]any{"outstanding": "100"} }

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: fmt.Errorf("%w: x", ErrNotFound), status: http.StatusNotFound},
		{err: fmt.Errorf("%w: x", ErrValidation), status: http.StatusBadRequest},
		{err: fmt.Errorf("%w: %w", ErrUnprocessable, extraErr{}), status: http.StatusUnprocessableEntity},
		{err: fmt.Errorf("%w: x", ErrConflict), status: http.StatusConflict},
		{err: errors.New("db down"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		require.Equal(t, tc.status, rr.Code, tc.err.Error())
	}
}

func TestRespondErrorIncludesExtra(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, fmt.Errorf("%w: %w", ErrUnprocessable, extraErr{}))
	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "100", body.Extra["outstanding"])
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestInternalErrorHidesDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, errors.New("secret dsn"))
	require.NotContains(t, rr.Body.String(), "secret")
}

type paymentDTO struct {
	Amount string `json:"amount" validate:"required"`
	Staff  int64  `json:"staff_id" validate:"gt=0"`
}

func TestValidateReportsJSONFieldNames(t *testing.T) {
	err := Validate(NewValidator(), paymentDTO{})
	require.ErrorIs(t, err, ErrValidation)

	var fields FieldErrors
	require.ErrorAs(t, err, &fields)
	require.Equal(t, "is required", fields["amount"])
	require.Contains(t, fields, "staff_id")

	rr := httptest.NewRecorder()
	RespondError(rr, err)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	require.NoError(t, Validate(NewValidator(), paymentDTO{Amount: "10", Staff: 1}))
}
