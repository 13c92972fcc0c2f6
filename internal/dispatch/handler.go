package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/loomworks-erp/loomworks-erp/internal/platform/httpx"
)

// Handler wires driver and assignment endpoints.
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

// MountRoutes registers dispatch routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/drivers", h.createDriver)
	r.Get("/drivers", h.listDrivers)
	r.Get("/drivers/{id}", h.showDriver)
	r.Get("/drivers/{id}/assignments", h.driverAssignments)

	r.Post("/assignments", h.assign)
	r.Post("/assignments/auto", h.autoAssign)
	r.Get("/assignments/{id}", h.showAssignment)
	r.Post("/assignments/{id}/accept", h.accept)
	r.Post("/assignments/{id}/pick-up", h.pickUp)
	r.Post("/assignments/{id}/in-transit", h.inTransit)
	r.Post("/assignments/{id}/deliver", h.deliver)
	r.Post("/assignments/{id}/cancel", h.cancel)
}

type createDriverRequest struct {
	Name        string  `json:"name" validate:"required"`
	Phone       string  `json:"phone"`
	VehicleType string  `json:"vehicle_type" validate:"required,oneof=motorbike car van"`
	Latitude    float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude   float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

func (h *Handler) createDriver(w http.ResponseWriter, r *http.Request) {
	var req createDriverRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	driver, err := h.service.CreateDriver(r.Context(), CreateDriverInput{
		Name:        req.Name,
		Phone:       req.Phone,
		VehicleType: VehicleType(req.VehicleType),
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
	})
	if err != nil {
		h.logger.Error("create driver failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, driver)
}

func (h *Handler) listDrivers(w http.ResponseWriter, r *http.Request) {
	onlyAvailable := r.URL.Query().Get("available") == "true"
	drivers, err := h.service.ListDrivers(r.Context(), onlyAvailable)
	if err != nil {
		h.logger.Error("list drivers failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"drivers": drivers})
}

func (h *Handler) showDriver(w http.ResponseWriter, r *http.Request) {
	driver, err := h.service.GetDriver(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, driver)
}

func (h *Handler) driverAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := h.service.ListByDriver(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": assignments})
}

type assignRequest struct {
	OrderID  string `json:"order_id" validate:"required"`
	DriverID string `json:"driver_id" validate:"required"`
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	assignment, err := h.service.Assign(r.Context(), req.OrderID, req.DriverID)
	if err != nil {
		if errors.Is(err, ErrOrderAlreadyAssigned) {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
			return
		}
		h.logger.Error("assign driver failed", "error", err, "order_id", req.OrderID, "driver_id", req.DriverID)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignment)
}

type autoAssignRequest struct {
	OrderID string `json:"order_id" validate:"required"`
}

func (h *Handler) autoAssign(w http.ResponseWriter, r *http.Request) {
	var req autoAssignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	assignment, err := h.service.AutoAssign(r.Context(), req.OrderID)
	if err != nil {
		if errors.Is(err, ErrNoDriverAvailable) || errors.Is(err, ErrOrderAlreadyAssigned) {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
			return
		}
		h.logger.Error("auto-assign failed", "error", err, "order_id", req.OrderID)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignment)
}

func (h *Handler) showAssignment(w http.ResponseWriter, r *http.Request) {
	assignment, err := h.service.GetAssignment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, assignment)
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	h.progress(w, r, h.service.Accept)
}

func (h *Handler) pickUp(w http.ResponseWriter, r *http.Request) {
	h.progress(w, r, h.service.PickUp)
}

func (h *Handler) inTransit(w http.ResponseWriter, r *http.Request) {
	h.progress(w, r, h.service.MarkInTransit)
}

func (h *Handler) deliver(w http.ResponseWriter, r *http.Request) {
	h.progress(w, r, h.service.CompleteDelivery)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.progress(w, r, h.service.CancelAssignment)
}

func (h *Handler) progress(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (Assignment, error)) {
	id := chi.URLParam(r, "id")
	assignment, err := fn(r.Context(), id)
	if err != nil {
		h.logger.Error("assignment transition failed", "error", err, "id", id)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, assignment)
}
