package httpx

import (
	"errors"
	"net/http"

	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// Sentinel errors for the HTTP layer.
var (
	ErrValidation = errors.New("validation failed")
)

// shortfall is the Extra payload attached to insufficient-stock responses,
// matching the per-item "requested vs available" reporting contract.
type shortfall struct {
	LocationID int64 `json:"location_id"`
	VariantID  int64 `json:"variant_id"`
	Requested  int64 `json:"requested"`
	Available  int64 `json:"available"`
}

// RespondError maps domain errors to RFC7807 responses. Recoverable errors
// keep their detail; anything else collapses to a generic 500 so internal
// failures never leak.
func RespondError(w http.ResponseWriter, err error) {
	var (
		invalidTransition  *shared.InvalidTransitionError
		preconditionFailed *shared.PreconditionFailedError
		insufficientStock  *shared.InsufficientStockError
		capacityExceeded   *shared.CapacityExceededError
	)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &invalidTransition):
		Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.As(err, &preconditionFailed):
		Problem(w, http.StatusPreconditionFailed, "Precondition Failed", err.Error())
	case errors.As(err, &insufficientStock):
		ProblemWithExtra(w, http.StatusConflict, "Insufficient Stock", err.Error(), shortfall{
			LocationID: insufficientStock.LocationID,
			VariantID:  insufficientStock.VariantID,
			Requested:  insufficientStock.Requested,
			Available:  insufficientStock.Available,
		})
	case errors.As(err, &capacityExceeded):
		Problem(w, http.StatusConflict, "Capacity Exceeded", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
