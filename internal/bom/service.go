package bom

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/loomworks-erp/loomworks-erp/internal/ledger"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// RepositoryPort abstracts catalog persistence.
type RepositoryPort interface {
	CreateProduct(ctx context.Context, product Product, lines []BOMLine) (int64, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	ListBOM(ctx context.Context, productID int64) ([]BOMLine, error)
	CreateVariant(ctx context.Context, variant Variant) (int64, error)
	GetVariant(ctx context.Context, id int64) (Variant, error)
	GetMaterial(ctx context.Context, id int64) (Material, error)
	CreateMaterial(ctx context.Context, material Material) (int64, error)
	AdjustMaterialBalance(ctx context.Context, id int64, delta float64) (float64, error)
}

// LedgerPort posts initial variant stock into the factory location.
type LedgerPort interface {
	Adjust(ctx context.Context, input ledger.AdjustmentInput) (int64, error)
}

// Service coordinates catalog operations and BOM resolution.
type Service struct {
	repo              RepositoryPort
	stock             LedgerPort
	factoryLocationID int64
}

// NewService builds Service. factoryLocationID is where produced goods and
// initial variant stock land.
func NewService(repo RepositoryPort, stock LedgerPort, factoryLocationID int64) *Service {
	return &Service{repo: repo, stock: stock, factoryLocationID: factoryLocationID}
}

// CreateProduct stores a product and its BOM lines. Lines with zero quantity
// per unit are rejected up front; the generator later skips any that slip
// through legacy data.
func (s *Service) CreateProduct(ctx context.Context, input CreateProductInput) (Product, error) {
	if input.Code == "" || input.Name == "" {
		return Product{}, errors.New("bom: product code and name required")
	}
	for _, line := range input.Lines {
		if line.QtyPerUnit <= 0 {
			return Product{}, ErrInvalidBOMLine
		}
		if line.WastagePct < 0 {
			return Product{}, fmt.Errorf("bom: wastage must be non-negative for material %d", line.MaterialID)
		}
	}
	id, err := s.repo.CreateProduct(ctx, Product{Code: input.Code, Name: input.Name}, input.Lines)
	if err != nil {
		return Product{}, err
	}
	return s.repo.GetProduct(ctx, id)
}

// CreateVariant stores a variant and posts its initial factory stock, if any.
func (s *Service) CreateVariant(ctx context.Context, input CreateVariantInput) (Variant, error) {
	if input.SKU == "" {
		return Variant{}, errors.New("bom: variant sku required")
	}
	if input.InitialStock < 0 {
		return Variant{}, errors.New("bom: initial stock must be non-negative")
	}
	if _, err := s.repo.GetProduct(ctx, input.ProductID); err != nil {
		return Variant{}, err
	}
	id, err := s.repo.CreateVariant(ctx, Variant{
		ProductID: input.ProductID,
		SKU:       input.SKU,
		Size:      input.Size,
		Color:     input.Color,
		UnitPrice: input.UnitPrice,
	})
	if err != nil {
		return Variant{}, err
	}
	if input.InitialStock > 0 && s.stock != nil {
		_, err = s.stock.Adjust(ctx, ledger.AdjustmentInput{
			LocationID: s.factoryLocationID,
			VariantID:  id,
			Delta:      input.InitialStock,
			Kind:       ledger.MovementIntake,
			RefModule:  "bom",
			RefID:      input.SKU,
			Note:       "initial variant stock",
			ActorID:    input.ActorID,
		})
		if err != nil {
			return Variant{}, fmt.Errorf("post initial stock: %w", err)
		}
	}
	return s.repo.GetVariant(ctx, id)
}

// GetVariant returns a variant by id.
func (s *Service) GetVariant(ctx context.Context, id int64) (Variant, error) {
	return s.repo.GetVariant(ctx, id)
}

// ResolveBOM expands a product into its raw-material requirements.
func (s *Service) ResolveBOM(ctx context.Context, productID int64) ([]BOMLine, error) {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return s.repo.ListBOM(ctx, productID)
}

// EnsureMaterial returns the catalog entry for id, auto-creating a zero
// balance placeholder when the BOM references a material the catalog has
// never seen. Generation keeps going instead of failing outright.
func (s *Service) EnsureMaterial(ctx context.Context, id int64) (Material, error) {
	material, err := s.repo.GetMaterial(ctx, id)
	if err == nil {
		return material, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return Material{}, err
	}
	placeholder := Material{
		ID:            id,
		Code:          "MAT-" + strconv.FormatInt(id, 10),
		Name:          "Unregistered material " + strconv.FormatInt(id, 10),
		UnitOfMeasure: "unit",
		Placeholder:   true,
	}
	if _, err := s.repo.CreateMaterial(ctx, placeholder); err != nil {
		return Material{}, err
	}
	return s.repo.GetMaterial(ctx, id)
}

// AdjustMaterialBalance applies a signed delta to a material store balance,
// used by the store-issue process when requisitions are fulfilled.
func (s *Service) AdjustMaterialBalance(ctx context.Context, id int64, delta float64) (float64, error) {
	if _, err := s.repo.GetMaterial(ctx, id); err != nil {
		return 0, err
	}
	return s.repo.AdjustMaterialBalance(ctx, id, delta)
}
