package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

func TestRespondErrorInsufficientStockCarriesShortfall(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, &shared.InsufficientStockError{LocationID: 1, VariantID: 7, Requested: 60, Available: 40})

	require.Equal(t, http.StatusConflict, rec.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "Insufficient Stock", problem.Title)

	extra, ok := problem.Extra.(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 60, extra["requested"])
	require.EqualValues(t, 40, extra["available"])
}

func TestRespondErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{shared.NewNotFound("order", "x"), http.StatusNotFound},
		{&shared.InvalidTransitionError{Entity: "order", ID: "x", Current: "Pending", Requested: "Delivered"}, http.StatusConflict},
		{&shared.PreconditionFailedError{Entity: "order", ID: "x", Reason: "no proof"}, http.StatusPreconditionFailed},
		{&shared.CapacityExceededError{DriverID: "d", Capacity: 3}, http.StatusConflict},
		{fmt.Errorf("bad input: %w", ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("pool exhausted"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		require.Equal(t, tc.code, rec.Code, "error %v", tc.err)
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, fmt.Errorf("dial tcp 10.0.0.5:5432: connection refused"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Empty(t, problem.Detail)
}
