package orders

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/loomworks-erp/loomworks-erp/internal/platform/httpx"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// Handler wires order lifecycle endpoints.
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

// MountRoutes registers order routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.show)
	r.Put("/{id}/lines", h.updateLines)

	r.Post("/{id}/await-payment", h.awaitPayment)
	r.Post("/{id}/payment-slip", h.attachPaymentSlip)
	r.Post("/{id}/confirm-payment", h.confirmPayment)
	r.Post("/{id}/release", h.release)
	r.Post("/{id}/confirm", h.confirm)
	r.Post("/{id}/dispatch", h.dispatch)
	r.Post("/{id}/in-transit", h.inTransit)
	r.Post("/{id}/confirm-delivery", h.confirmDelivery)
	r.Post("/{id}/cancel", h.cancel)
}

type createOrderRequest struct {
	Origin         string             `json:"origin" validate:"required,oneof=shop ecommerce"`
	CustomerName   string             `json:"customer_name" validate:"required"`
	ShopLocationID int64              `json:"shop_location_id" validate:"required,gt=0"`
	Lines          []orderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type orderLineRequest struct {
	VariantID int64 `json:"variant_id" validate:"required,gt=0"`
	Quantity  int64 `json:"quantity" validate:"required,gt=0"`
	UnitPrice int64 `json:"unit_price" validate:"gte=0"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}

	input := CreateOrderInput{
		Origin:         Origin(req.Origin),
		CustomerName:   req.CustomerName,
		ShopLocationID: req.ShopLocationID,
		ActorID:        actorID(r),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, LineInput{
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	order, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.logger.Error("create order failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	paging := shared.NewPagination(page, perPage, 0)
	filter := ListFilter{
		Origin: Origin(r.URL.Query().Get("origin")),
		Status: Status(r.URL.Query().Get("status")),
		Limit:  paging.PerPage,
		Offset: paging.Offset(),
	}
	orders, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list orders failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"orders":     orders,
		"pagination": shared.NewPagination(paging.Page, paging.PerPage, total),
	})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

type updateLinesRequest struct {
	Lines []orderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) updateLines(w http.ResponseWriter, r *http.Request) {
	var req updateLinesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	inputs := make([]LineInput, 0, len(req.Lines))
	for _, line := range req.Lines {
		inputs = append(inputs, LineInput{VariantID: line.VariantID, Quantity: line.Quantity, UnitPrice: line.UnitPrice})
	}
	order, err := h.service.UpdateLines(r.Context(), chi.URLParam(r, "id"), inputs)
	if err != nil {
		if errors.Is(err, ErrLinesImmutable) {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
			return
		}
		h.logger.Error("update order lines failed", "error", err, "id", chi.URLParam(r, "id"))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) awaitPayment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id string) (Order, error) {
		return h.service.MarkAwaitingPayment(r.Context(), id)
	})
}

type attachSlipRequest struct {
	ProofRef string `json:"proof_ref" validate:"required"`
}

func (h *Handler) attachPaymentSlip(w http.ResponseWriter, r *http.Request) {
	var req attachSlipRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	h.transition(w, r, func(id string) (Order, error) {
		return h.service.AttachPaymentSlip(r.Context(), id, req.ProofRef)
	})
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id string) (Order, error) {
		return h.service.ConfirmPayment(r.Context(), id)
	})
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id string) (Order, error) {
		return h.service.Release(r.Context(), id)
	})
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id string) (Order, error) {
		return h.service.Confirm(r.Context(), id)
	})
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id string) (Order, error) {
		return h.service.Dispatch(r.Context(), id, actorID(r))
	})
}

func (h *Handler) inTransit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id string) (Order, error) {
		return h.service.MarkInTransit(r.Context(), id)
	})
}

func (h *Handler) confirmDelivery(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id string) (Order, error) {
		return h.service.ConfirmDelivery(r.Context(), id)
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
			return
		}
	}
	h.transition(w, r, func(id string) (Order, error) {
		return h.service.Cancel(r.Context(), id, req.Reason, actorID(r))
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(id string) (Order, error)) {
	id := chi.URLParam(r, "id")
	order, err := fn(id)
	if err != nil {
		h.logger.Error("order transition failed", "error", err, "id", id)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

// actorID resolves the acting user from the request header, defaulting to
// the system actor when absent.
func actorID(r *http.Request) int64 {
	if v := r.Header.Get("X-Actor-ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id
		}
	}
	return 1
}
