package requisition

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

// Handler wires requisition endpoints.
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

// MountRoutes registers requisition routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.show)
	r.Get("/order/{orderID}", h.listByOrder)
	r.Post("/{id}/issue", h.issue)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) listByOrder(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListByOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requisitions": list})
}

type issueRequest struct {
	Qty float64 `json:"qty" validate:"required,gt=0"`
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}

	requisition, err := h.service.Issue(r.Context(), IssueInput{
		RequisitionID: chi.URLParam(r, "id"),
		Qty:           req.Qty,
		ActorID:       actorID(r),
	})
	if err != nil {
		if errors.Is(err, ErrIssueExceedsRequested) || errors.Is(err, ErrNotIssuable) || errors.Is(err, ErrInvalidIssueQty) {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
			return
		}
		h.logger.Error("issue requisition failed", "error", err, "id", chi.URLParam(r, "id"))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, requisition)
}

func actorID(r *http.Request) int64 {
	if v := r.Header.Get("X-Actor-ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id
		}
	}
	return 1
}
