package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks-erp/loomworks-erp/internal/bom"
	"github.com/loomworks-erp/loomworks-erp/internal/ledger"
	"github.com/loomworks-erp/loomworks-erp/internal/requisition"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// ErrLinesImmutable indicates a line edit after the order left pending.
var ErrLinesImmutable = errors.New("orders: line items are immutable once the order leaves pending")

// ErrConcurrentUpdate indicates the order's status changed under us between
// read and write. The keyed mutex makes this rare; it still guards against
// writers outside this process.
var ErrConcurrentUpdate = errors.New("orders: order changed concurrently, retry")

// RepositoryPort abstracts order persistence.
type RepositoryPort interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, id string) (Order, error)
	List(ctx context.Context, filter ListFilter) ([]Order, int, error)
	// UpdateStatus flips status only when the stored status still equals
	// from, reporting whether the write applied.
	UpdateStatus(ctx context.Context, id string, from, to Status) (bool, error)
	SetPaymentProof(ctx context.Context, id, proofRef string) error
	SetCancelReason(ctx context.Context, id, reason string) error
	ReplaceLines(ctx context.Context, id string, lines []Line, total int64) error
}

// StockPort is the slice of the inventory ledger the state machine drives.
// ReverseMove backs out a committed movement when the status write that
// should have followed it fails, so the operation can be retried.
type StockPort interface {
	Snapshot(ctx context.Context, locationID, variantID int64) (int64, error)
	Move(ctx context.Context, input ledger.MoveInput) error
	ReverseMove(ctx context.Context, input ledger.MoveInput) error
}

// RequisitionPort regenerates raw-material demand at production release.
type RequisitionPort interface {
	RegenerateForOrder(ctx context.Context, orderID string, demands []requisition.ProductDemand) ([]requisition.Requisition, error)
}

// CatalogPort resolves order line variants to their finished product.
type CatalogPort interface {
	GetVariant(ctx context.Context, id int64) (bom.Variant, error)
}

// NotifyPort fans a collaborator message out to the notification sink.
// Failures never abort the owning operation.
type NotifyPort interface {
	Notify(ctx context.Context, audience, title, description, link string) error
}

// SequencePort allocates order numbers.
type SequencePort interface {
	NextValue(ctx context.Context, scopeKey string) (int64, error)
}

// ListFilter narrows order listings.
type ListFilter struct {
	Origin Origin
	Status Status
	Limit  int
	Offset int
}

// CreateOrderInput creates a new order in its channel's pending status.
type CreateOrderInput struct {
	Origin         Origin
	CustomerName   string
	ShopLocationID int64
	Lines          []LineInput
	ActorID        int64
}

// LineInput is one requested line item.
type LineInput struct {
	VariantID int64
	Quantity  int64
	UnitPrice int64
}

// Service is the order state machine. All status mutation goes through it.
type Service struct {
	repo         RepositoryPort
	stock        StockPort
	requisitions RequisitionPort
	catalog      CatalogPort
	notifier     NotifyPort
	sequence     SequencePort
	locks        *shared.KeyedMutex
	logger       *slog.Logger

	factoryLocationID int64
}

// NewService wires the state machine to its collaborators.
func NewService(
	repo RepositoryPort,
	stock StockPort,
	requisitions RequisitionPort,
	catalog CatalogPort,
	notifier NotifyPort,
	sequence SequencePort,
	logger *slog.Logger,
	factoryLocationID int64,
) *Service {
	return &Service{
		repo:              repo,
		stock:             stock,
		requisitions:      requisitions,
		catalog:           catalog,
		notifier:          notifier,
		sequence:          sequence,
		locks:             shared.NewKeyedMutex(),
		logger:            logger,
		factoryLocationID: factoryLocationID,
	}
}

// Create opens a new order in the channel's pending status. The total is
// derived from the lines exactly once; later status transitions never
// recompute it.
func (s *Service) Create(ctx context.Context, input CreateOrderInput) (Order, error) {
	if input.Origin != OriginShop && input.Origin != OriginEcommerce {
		return Order{}, fmt.Errorf("orders: unknown origin %q", input.Origin)
	}
	if len(input.Lines) == 0 {
		return Order{}, errors.New("orders: at least one line item required")
	}
	if input.ShopLocationID <= 0 {
		return Order{}, errors.New("orders: destination location required")
	}

	var total int64
	lines := make([]Line, 0, len(input.Lines))
	for _, in := range input.Lines {
		if in.Quantity <= 0 {
			return Order{}, fmt.Errorf("orders: variant %d: quantity must be a positive integer", in.VariantID)
		}
		if in.UnitPrice < 0 {
			return Order{}, fmt.Errorf("orders: variant %d: unit price must be non-negative", in.VariantID)
		}
		if _, err := s.catalog.GetVariant(ctx, in.VariantID); err != nil {
			return Order{}, fmt.Errorf("verify variant %d: %w", in.VariantID, err)
		}
		lines = append(lines, Line{VariantID: in.VariantID, Quantity: in.Quantity, UnitPrice: in.UnitPrice})
		total += in.Quantity * in.UnitPrice
	}

	seq, err := s.sequence.NextValue(ctx, "order:"+string(input.Origin))
	if err != nil {
		return Order{}, fmt.Errorf("allocate order number: %w", err)
	}
	prefix := "SO"
	if input.Origin == OriginEcommerce {
		prefix = "EC"
	}

	now := time.Now().UTC()
	order := Order{
		ID:             uuid.NewString(),
		Number:         fmt.Sprintf("%s-%06d", prefix, seq),
		Origin:         input.Origin,
		Status:         InitialStatus(input.Origin),
		CustomerName:   input.CustomerName,
		ShopLocationID: input.ShopLocationID,
		Lines:          lines,
		TotalAmount:    total,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, order); err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	return order, nil
}

// UpdateLines replaces the line items of a still-pending order and rederives
// the total. Any later status makes lines immutable.
func (s *Service) UpdateLines(ctx context.Context, id string, inputs []LineInput) (Order, error) {
	if len(inputs) == 0 {
		return Order{}, errors.New("orders: at least one line item required")
	}
	s.locks.Lock(lockKey(id))
	defer s.locks.Unlock(lockKey(id))

	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !order.Editable() {
		return Order{}, ErrLinesImmutable
	}

	var total int64
	lines := make([]Line, 0, len(inputs))
	for _, in := range inputs {
		if in.Quantity <= 0 {
			return Order{}, fmt.Errorf("orders: variant %d: quantity must be a positive integer", in.VariantID)
		}
		if _, err := s.catalog.GetVariant(ctx, in.VariantID); err != nil {
			return Order{}, fmt.Errorf("verify variant %d: %w", in.VariantID, err)
		}
		lines = append(lines, Line{OrderID: id, VariantID: in.VariantID, Quantity: in.Quantity, UnitPrice: in.UnitPrice})
		total += in.Quantity * in.UnitPrice
	}
	if err := s.repo.ReplaceLines(ctx, id, lines, total); err != nil {
		return Order{}, fmt.Errorf("replace lines: %w", err)
	}
	return s.repo.Get(ctx, id)
}

// MarkAwaitingPayment moves a wholesale order from pending to awaiting
// payment. No inventory effect.
func (s *Service) MarkAwaitingPayment(ctx context.Context, id string) (Order, error) {
	return s.flip(ctx, id, StatusAwaitingPayment)
}

// AttachPaymentSlip stores the payment proof reference and advances the
// order. The proof reference is the precondition ConfirmPayment checks.
func (s *Service) AttachPaymentSlip(ctx context.Context, id, proofRef string) (Order, error) {
	if proofRef == "" {
		return Order{}, &shared.PreconditionFailedError{Entity: "order", ID: id, Reason: "payment proof reference required"}
	}
	s.locks.Lock(lockKey(id))
	defer s.locks.Unlock(lockKey(id))

	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !CanTransition(order.Origin, order.Status, StatusSlipAttached) {
		return Order{}, order.transitionErr(StatusSlipAttached)
	}
	if err := s.repo.SetPaymentProof(ctx, id, proofRef); err != nil {
		return Order{}, fmt.Errorf("store payment proof: %w", err)
	}
	if err := s.commitStatus(ctx, order, StatusSlipAttached); err != nil {
		return Order{}, err
	}
	return s.repo.Get(ctx, id)
}

// ConfirmPayment verifies the attached proof and marks the order paid.
// Verification only; no inventory effect.
func (s *Service) ConfirmPayment(ctx context.Context, id string) (Order, error) {
	s.locks.Lock(lockKey(id))
	defer s.locks.Unlock(lockKey(id))

	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !CanTransition(order.Origin, order.Status, StatusPaid) {
		return Order{}, order.transitionErr(StatusPaid)
	}
	if order.PaymentProofRef == "" {
		return Order{}, &shared.PreconditionFailedError{
			Entity: "order",
			ID:     id,
			Reason: "payment proof must be attached before confirming payment",
		}
	}
	if err := s.commitStatus(ctx, order, StatusPaid); err != nil {
		return Order{}, err
	}
	order.Status = StatusPaid
	return order, nil
}

// Release hands a paid order to the store for production: requisitions are
// regenerated from the BOM (voiding any pending set, so release is
// idempotent under order edits) and collaborators are notified. No
// inventory effect.
func (s *Service) Release(ctx context.Context, id string) (Order, error) {
	s.locks.Lock(lockKey(id))
	defer s.locks.Unlock(lockKey(id))

	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !CanTransition(order.Origin, order.Status, StatusReleased) {
		return Order{}, order.transitionErr(StatusReleased)
	}

	demands, err := s.productDemands(ctx, order)
	if err != nil {
		return Order{}, err
	}
	if _, err := s.requisitions.RegenerateForOrder(ctx, order.ID, demands); err != nil {
		return Order{}, fmt.Errorf("regenerate requisitions: %w", err)
	}
	if err := s.commitStatus(ctx, order, StatusReleased); err != nil {
		return Order{}, err
	}
	order.Status = StatusReleased

	s.notify(ctx, "store", "Order released to production",
		fmt.Sprintf("Order %s has been released; material requisitions are ready.", order.Number),
		"/orders/"+order.ID)
	return order, nil
}

// Confirm advances an e-commerce order from pending to confirmed.
func (s *Service) Confirm(ctx context.Context, id string) (Order, error) {
	return s.flip(ctx, id, StatusEcomConfirmed)
}

// MarkInTransit advances a shipped e-commerce order to in_transit.
func (s *Service) MarkInTransit(ctx context.Context, id string) (Order, error) {
	return s.flip(ctx, id, StatusEcomInTransit)
}

// Dispatch is the single authoritative inventory movement of the order's
// life: every line is debited from factory stock and credited to the
// destination shop as one atomic unit. Calling it again on an already
// dispatched order succeeds without touching inventory.
func (s *Service) Dispatch(ctx context.Context, id string, actorID int64) (Order, error) {
	s.locks.Lock(lockKey(id))
	defer s.locks.Unlock(lockKey(id))

	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if order.WasDispatched() {
		return order, nil
	}
	target := order.DispatchStatus()
	if !CanTransition(order.Origin, order.Status, target) {
		return Order{}, order.transitionErr(target)
	}

	// Per-line pre-check so the caller learns which item is short before
	// the movement is attempted. The ledger re-validates under row locks;
	// this read is advisory only.
	moveLines := make([]ledger.MoveLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		available, err := s.stock.Snapshot(ctx, s.factoryLocationID, line.VariantID)
		if err != nil {
			return Order{}, fmt.Errorf("snapshot variant %d: %w", line.VariantID, err)
		}
		if available < line.Quantity {
			return Order{}, &shared.InsufficientStockError{
				LocationID: s.factoryLocationID,
				VariantID:  line.VariantID,
				Requested:  line.Quantity,
				Available:  available,
			}
		}
		moveLines = append(moveLines, ledger.MoveLine{VariantID: line.VariantID, Quantity: line.Quantity})
	}

	movement := ledger.MoveInput{
		Kind:      ledger.MovementDispatch,
		From:      s.factoryLocationID,
		To:        order.ShopLocationID,
		Lines:     moveLines,
		RefModule: "orders",
		RefID:     order.ID,
		Note:      "dispatch " + order.Number,
		ActorID:   actorID,
	}
	if err := s.stock.Move(ctx, movement); err != nil {
		return Order{}, fmt.Errorf("dispatch movement: %w", err)
	}

	// The movement committed in its own transaction. If the status write
	// fails now, back the goods out and release the movement key so a
	// retried dispatch starts from a clean slate instead of hitting a
	// consumed key with the order still released.
	if err := s.commitStatus(ctx, order, target); err != nil {
		if revErr := s.stock.ReverseMove(ctx, movement); revErr != nil {
			s.logger.Error("dispatch rollback failed, stock and order status disagree",
				"order_id", order.ID, "error", revErr)
		}
		return Order{}, err
	}
	order.Status = target
	return order, nil
}

// ConfirmDelivery closes the delivery leg. Goods were already moved at
// dispatch time, so this is a status-only transition; on an already
// delivered order it is an idempotent no-op. Inventory is never touched
// here.
func (s *Service) ConfirmDelivery(ctx context.Context, id string) (Order, error) {
	s.locks.Lock(lockKey(id))
	defer s.locks.Unlock(lockKey(id))

	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	target := order.DeliveredStatus()
	if order.Status == target {
		return order, nil
	}
	if !CanTransition(order.Origin, order.Status, target) {
		return Order{}, order.transitionErr(target)
	}
	if err := s.commitStatus(ctx, order, target); err != nil {
		return Order{}, err
	}
	order.Status = target
	return order, nil
}

// Cancel terminates a non-terminal order. Before dispatch it is a bare
// status flip; after dispatch the original movement is compensated by a
// reverse shop-to-factory movement for the same quantities.
func (s *Service) Cancel(ctx context.Context, id, reason string, actorID int64) (Order, error) {
	s.locks.Lock(lockKey(id))
	defer s.locks.Unlock(lockKey(id))

	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	target := order.CancelledStatus()
	if !CanTransition(order.Origin, order.Status, target) {
		return Order{}, order.transitionErr(target)
	}

	var returned *ledger.MoveInput
	if order.WasDispatched() {
		moveLines := make([]ledger.MoveLine, 0, len(order.Lines))
		for _, line := range order.Lines {
			moveLines = append(moveLines, ledger.MoveLine{VariantID: line.VariantID, Quantity: line.Quantity})
		}
		movement := ledger.MoveInput{
			Kind:      ledger.MovementReturn,
			From:      order.ShopLocationID,
			To:        s.factoryLocationID,
			Lines:     moveLines,
			RefModule: "orders",
			RefID:     order.ID,
			Note:      "cancellation return " + order.Number,
			ActorID:   actorID,
		}
		if err := s.stock.Move(ctx, movement); err != nil {
			return Order{}, fmt.Errorf("compensating movement: %w", err)
		}
		returned = &movement
	}

	// Same discipline as Dispatch: the return already committed, so any
	// failure before the status lands undoes it and releases its key
	// before surfacing the error.
	undoReturn := func() {
		if returned == nil {
			return
		}
		if revErr := s.stock.ReverseMove(ctx, *returned); revErr != nil {
			s.logger.Error("cancellation rollback failed, stock and order status disagree",
				"order_id", order.ID, "error", revErr)
		}
	}
	if reason != "" {
		if err := s.repo.SetCancelReason(ctx, id, reason); err != nil {
			undoReturn()
			return Order{}, fmt.Errorf("store cancel reason: %w", err)
		}
	}
	if err := s.commitStatus(ctx, order, target); err != nil {
		undoReturn()
		return Order{}, err
	}
	order.Status = target
	order.CancelReason = reason
	return order, nil
}

// Get returns one order with its lines.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	if id == "" {
		return Order{}, shared.NewNotFound("order", id)
	}
	return s.repo.Get(ctx, id)
}

// List returns orders matching the filter plus the unfiltered total.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	return s.repo.List(ctx, filter)
}

// flip performs a guarded status-only transition.
func (s *Service) flip(ctx context.Context, id string, target Status) (Order, error) {
	s.locks.Lock(lockKey(id))
	defer s.locks.Unlock(lockKey(id))

	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !CanTransition(order.Origin, order.Status, target) {
		return Order{}, order.transitionErr(target)
	}
	if err := s.commitStatus(ctx, order, target); err != nil {
		return Order{}, err
	}
	order.Status = target
	return order, nil
}

// commitStatus writes the transition with a compare-and-set on the current
// status.
func (s *Service) commitStatus(ctx context.Context, order Order, target Status) error {
	applied, err := s.repo.UpdateStatus(ctx, order.ID, order.Status, target)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if !applied {
		return ErrConcurrentUpdate
	}
	return nil
}

// productDemands folds the order's variant lines into per-product finished
// goods quantities for the requisition generator.
func (s *Service) productDemands(ctx context.Context, order Order) ([]requisition.ProductDemand, error) {
	qtyByProduct := map[int64]int64{}
	productOrder := []int64{}
	for _, line := range order.Lines {
		variant, err := s.catalog.GetVariant(ctx, line.VariantID)
		if err != nil {
			return nil, fmt.Errorf("resolve variant %d: %w", line.VariantID, err)
		}
		if _, ok := qtyByProduct[variant.ProductID]; !ok {
			productOrder = append(productOrder, variant.ProductID)
		}
		qtyByProduct[variant.ProductID] += line.Quantity
	}
	demands := make([]requisition.ProductDemand, 0, len(productOrder))
	for _, productID := range productOrder {
		demands = append(demands, requisition.ProductDemand{ProductID: productID, Qty: qtyByProduct[productID]})
	}
	return demands, nil
}

func (s *Service) notify(ctx context.Context, audience, title, description, link string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, audience, title, description, link); err != nil {
		s.logger.Warn("notification enqueue failed", "audience", audience, "title", title, "error", err)
	}
}

func lockKey(orderID string) string { return "order:" + orderID }
