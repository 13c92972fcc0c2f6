package requisition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks-erp/loomworks-erp/internal/bom"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// RepositoryPort abstracts requisition persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id string) (Requisition, error)
	ListByOrder(ctx context.Context, orderID string) ([]Requisition, error)
}

// CatalogPort is the slice of the BOM module the generator needs.
type CatalogPort interface {
	ResolveBOM(ctx context.Context, productID int64) ([]bom.BOMLine, error)
	EnsureMaterial(ctx context.Context, id int64) (bom.Material, error)
}

// SequencePort allocates requisition numbers.
type SequencePort interface {
	NextValue(ctx context.Context, scopeKey string) (int64, error)
}

// Service generates and fulfils material requisitions.
type Service struct {
	repo     RepositoryPort
	catalog  CatalogPort
	sequence SequencePort
}

// NewService builds Service.
func NewService(repo RepositoryPort, catalog CatalogPort, sequence SequencePort) *Service {
	return &Service{repo: repo, catalog: catalog, sequence: sequence}
}

// ProductDemand is one finished-goods quantity to expand through the BOM.
type ProductDemand struct {
	ProductID int64
	Qty       int64
}

// Regenerate voids any pending requisitions for the order and generates a
// fresh set from the product's BOM, all inside one transaction. Calling it
// twice for the same unfulfilled order leaves exactly one live set, which
// makes production release idempotent under order edits.
func (s *Service) Regenerate(ctx context.Context, orderID string, productID, orderQty int64) ([]Requisition, error) {
	return s.RegenerateForOrder(ctx, orderID, []ProductDemand{{ProductID: productID, Qty: orderQty}})
}

// RegenerateForOrder expands every demand line through its BOM and replaces
// the order's pending requisition set. Demand for the same material across
// products is merged so at most one live requisition exists per
// (order, material) pair.
func (s *Service) RegenerateForOrder(ctx context.Context, orderID string, demands []ProductDemand) ([]Requisition, error) {
	if orderID == "" {
		return nil, errors.New("requisition: order id required")
	}
	if len(demands) == 0 {
		return nil, errors.New("requisition: at least one product demand required")
	}

	required := map[int64]float64{}
	materialOrder := []int64{}
	for _, demand := range demands {
		if demand.Qty <= 0 {
			return nil, errors.New("requisition: order quantity must be positive")
		}
		lines, err := s.catalog.ResolveBOM(ctx, demand.ProductID)
		if err != nil {
			return nil, fmt.Errorf("resolve bom: %w", err)
		}
		for _, line := range lines {
			// Legacy BOMs carry zero-quantity filler lines; skip them rather
			// than generating empty demand.
			if line.QtyPerUnit <= 0 {
				continue
			}
			if _, ok := required[line.MaterialID]; !ok {
				materialOrder = append(materialOrder, line.MaterialID)
			}
			required[line.MaterialID] += line.RequiredQty(demand.Qty)
		}
	}

	generated := make([]Requisition, 0, len(materialOrder))
	for _, materialID := range materialOrder {
		if _, err := s.catalog.EnsureMaterial(ctx, materialID); err != nil {
			return nil, fmt.Errorf("ensure material %d: %w", materialID, err)
		}
		seq, err := s.sequence.NextValue(ctx, "requisition")
		if err != nil {
			return nil, fmt.Errorf("allocate requisition number: %w", err)
		}
		generated = append(generated, Requisition{
			ID:           uuid.NewString(),
			Number:       fmt.Sprintf("REQ-%06d", seq),
			OrderID:      orderID,
			MaterialID:   materialID,
			RequestedQty: required[materialID],
			Status:       StatusPending,
			CreatedAt:    time.Now().UTC(),
		})
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.VoidPending(ctx, orderID); err != nil {
			return err
		}
		for _, req := range generated {
			if err := tx.Insert(ctx, req); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return generated, nil
}

// Issue fulfils qty units of a requisition from store stock and debits the
// material balance. Issued quantity never exceeds requested. The requisition
// row is locked and both writes commit as one transaction, so a failed
// material debit leaves the requisition untouched and concurrent issues
// cannot double-debit the balance.
func (s *Service) Issue(ctx context.Context, input IssueInput) (Requisition, error) {
	if input.Qty <= 0 {
		return Requisition{}, ErrInvalidIssueQty
	}
	var req Requisition
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		req, err = tx.GetForUpdate(ctx, input.RequisitionID)
		if err != nil {
			return err
		}
		if req.Status != StatusPending && req.Status != StatusPartIssued {
			return ErrNotIssuable
		}
		if req.IssuedQty+input.Qty > req.RequestedQty {
			return ErrIssueExceedsRequested
		}

		req.IssuedQty += input.Qty
		if req.IssuedQty >= req.RequestedQty {
			req.Status = StatusCompleted
		} else {
			req.Status = StatusPartIssued
		}
		if err := tx.UpdateIssued(ctx, req.ID, req.IssuedQty, req.Status); err != nil {
			return err
		}
		if err := tx.DebitMaterial(ctx, req.MaterialID, input.Qty); err != nil {
			return fmt.Errorf("debit material balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return Requisition{}, err
	}
	return req, nil
}

// Get returns a requisition by id.
func (s *Service) Get(ctx context.Context, id string) (Requisition, error) {
	if id == "" {
		return Requisition{}, shared.NewNotFound("requisition", id)
	}
	return s.repo.Get(ctx, id)
}

// ListByOrder lists all requisitions for an order, voided included.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]Requisition, error) {
	return s.repo.ListByOrder(ctx, orderID)
}
