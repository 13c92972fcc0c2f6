package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/loomworks-erp/loomworks-erp/internal/platform/httpx"
)

// Handler wires routing advisor endpoints.
type Handler struct {
	logger    *slog.Logger
	advisor   *Advisor
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, advisor *Advisor) *Handler {
	return &Handler{
		logger:    logger,
		advisor:   advisor,
		validator: validator.New(),
	}
}

// MountRoutes registers routing routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/clusters", h.clusters)
	r.Get("/suggestions", h.suggestions)
	r.Get("/plans/{clusterID}", h.plan)
	r.Post("/reroute", h.reroute)
}

func (h *Handler) clusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.advisor.Clusters(r.Context())
	if err != nil {
		h.logger.Error("compute clusters failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"clusters": clusters})
}

func (h *Handler) suggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := h.advisor.Suggest(r.Context())
	if err != nil {
		h.logger.Error("compute suggestions failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (h *Handler) plan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.advisor.ActivePlan(r.Context(), chi.URLParam(r, "clusterID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, plan)
}

type rerouteRequest struct {
	ClusterID string   `json:"cluster_id" validate:"required"`
	Route     []string `json:"route" validate:"required,min=1"`
}

func (h *Handler) reroute(w http.ResponseWriter, r *http.Request) {
	var req rerouteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	plan, err := h.advisor.ApplyDynamicRerouting(r.Context(), req.ClusterID, req.Route)
	if err != nil {
		if errors.Is(err, ErrRouteMismatch) {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
			return
		}
		h.logger.Error("apply rerouting failed", "error", err, "cluster_id", req.ClusterID)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, plan)
}
