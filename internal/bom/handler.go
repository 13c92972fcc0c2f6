package bom

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/loomworks-erp/loomworks-erp/internal/platform/httpx"
)

// Handler wires catalog and BOM endpoints.
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

// MountRoutes registers catalog routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/products", h.createProduct)
	r.Get("/products/{id}/bom", h.resolveBOM)
	r.Post("/variants", h.createVariant)
	r.Get("/variants/{id}", h.showVariant)
	r.Post("/materials/{id}/balance", h.adjustMaterial)
}

type bomLineRequest struct {
	MaterialID    int64   `json:"material_id" validate:"required,gt=0"`
	QtyPerUnit    float64 `json:"qty_per_unit" validate:"required,gt=0"`
	WastagePct    float64 `json:"wastage_pct" validate:"gte=0"`
	UnitOfMeasure string  `json:"unit_of_measure"`
}

type createProductRequest struct {
	Code  string           `json:"code" validate:"required"`
	Name  string           `json:"name" validate:"required"`
	Lines []bomLineRequest `json:"lines" validate:"dive"`
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}

	input := CreateProductInput{Code: req.Code, Name: req.Name}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, BOMLine{
			MaterialID:    line.MaterialID,
			QtyPerUnit:    line.QtyPerUnit,
			WastagePct:    line.WastagePct,
			UnitOfMeasure: line.UnitOfMeasure,
		})
	}
	product, err := h.service.CreateProduct(r.Context(), input)
	if err != nil {
		h.logger.Error("create product failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, product)
}

func (h *Handler) resolveBOM(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid product id", httpx.ErrValidation))
		return
	}
	lines, err := h.service.ResolveBOM(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": lines})
}

type createVariantRequest struct {
	ProductID    int64  `json:"product_id" validate:"required,gt=0"`
	SKU          string `json:"sku" validate:"required"`
	Size         string `json:"size"`
	Color        string `json:"color"`
	UnitPrice    int64  `json:"unit_price" validate:"gte=0"`
	InitialStock int64  `json:"initial_stock" validate:"gte=0"`
}

func (h *Handler) createVariant(w http.ResponseWriter, r *http.Request) {
	var req createVariantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}

	variant, err := h.service.CreateVariant(r.Context(), CreateVariantInput{
		ProductID:    req.ProductID,
		SKU:          req.SKU,
		Size:         req.Size,
		Color:        req.Color,
		UnitPrice:    req.UnitPrice,
		InitialStock: req.InitialStock,
		ActorID:      actorID(r),
	})
	if err != nil {
		h.logger.Error("create variant failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, variant)
}

func (h *Handler) showVariant(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid variant id", httpx.ErrValidation))
		return
	}
	variant, err := h.service.GetVariant(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, variant)
}

type adjustMaterialRequest struct {
	Delta float64 `json:"delta" validate:"required"`
}

func (h *Handler) adjustMaterial(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid material id", httpx.ErrValidation))
		return
	}
	var req adjustMaterialRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	balance, err := h.service.AdjustMaterialBalance(r.Context(), id, req.Delta)
	if err != nil {
		h.logger.Error("adjust material balance failed", "error", err, "material_id", id)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"material_id": id, "balance": balance})
}

func actorID(r *http.Request) int64 {
	if v := r.Header.Get("X-Actor-ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id
		}
	}
	return 1
}
