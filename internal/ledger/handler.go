package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/loomworks-erp/loomworks-erp/internal/platform/httpx"
)

// Handler wires stock ledger endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes registers ledger routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/snapshot", h.snapshot)
	r.Get("/movements", h.movements)
	r.Post("/adjustments", h.adjust)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	locationID, _ := strconv.ParseInt(r.URL.Query().Get("location_id"), 10, 64)
	variantID, _ := strconv.ParseInt(r.URL.Query().Get("variant_id"), 10, 64)
	qty, err := h.service.Snapshot(r.Context(), locationID, variantID)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"location_id": locationID,
		"variant_id":  variantID,
		"quantity":    qty,
	})
}

func (h *Handler) movements(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	filter := MovementFilter{
		RefModule: r.URL.Query().Get("ref_module"),
		RefID:     r.URL.Query().Get("ref_id"),
		Kind:      MovementKind(r.URL.Query().Get("kind")),
		Limit:     limit,
	}
	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.logger.Error("list movements failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": movements})
}

type adjustRequest struct {
	LocationID int64  `json:"location_id" validate:"required,gt=0"`
	VariantID  int64  `json:"variant_id" validate:"required,gt=0"`
	Delta      int64  `json:"delta" validate:"required"`
	RefModule  string `json:"ref_module"`
	RefID      string `json:"ref_id"`
	Note       string `json:"note"`
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}

	qty, err := h.service.Adjust(r.Context(), AdjustmentInput{
		LocationID: req.LocationID,
		VariantID:  req.VariantID,
		Delta:      req.Delta,
		RefModule:  req.RefModule,
		RefID:      req.RefID,
		Note:       req.Note,
		ActorID:    actorID(r),
	})
	if err != nil {
		if errors.Is(err, ErrInvalidQuantity) {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
			return
		}
		h.logger.Error("stock adjustment failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"location_id": req.LocationID,
		"variant_id":  req.VariantID,
		"quantity":    qty,
	})
}

func actorID(r *http.Request) int64 {
	if v := r.Header.Get("X-Actor-ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id
		}
	}
	return 1
}
