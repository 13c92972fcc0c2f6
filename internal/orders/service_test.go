package orders

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks-erp/loomworks-erp/internal/bom"
	"github.com/loomworks-erp/loomworks-erp/internal/ledger"
	"github.com/loomworks-erp/loomworks-erp/internal/requisition"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

const (
	factoryLoc int64 = 1
	shopLoc    int64 = 2

	shirtVariant int64 = 501
)

type memoryOrderRepo struct {
	orders map[string]Order
	// failStatusTo makes the compare-and-set toward that status report a
	// lost race, like a concurrent writer moving the order first.
	failStatusTo Status
}

func newMemoryOrderRepo() *memoryOrderRepo {
	return &memoryOrderRepo{orders: map[string]Order{}}
}

func (m *memoryOrderRepo) Create(_ context.Context, order Order) error {
	m.orders[order.ID] = order
	return nil
}

func (m *memoryOrderRepo) Get(_ context.Context, id string) (Order, error) {
	order, ok := m.orders[id]
	if !ok {
		return Order{}, shared.NewNotFound("order", id)
	}
	return order, nil
}

func (m *memoryOrderRepo) List(_ context.Context, filter ListFilter) ([]Order, int, error) {
	result := []Order{}
	for _, order := range m.orders {
		if filter.Origin != "" && order.Origin != filter.Origin {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		result = append(result, order)
	}
	return result, len(result), nil
}

func (m *memoryOrderRepo) UpdateStatus(_ context.Context, id string, from, to Status) (bool, error) {
	if m.failStatusTo != "" && to == m.failStatusTo {
		return false, nil
	}
	order, ok := m.orders[id]
	if !ok || order.Status != from {
		return false, nil
	}
	order.Status = to
	m.orders[id] = order
	return true, nil
}

func (m *memoryOrderRepo) SetPaymentProof(_ context.Context, id, proofRef string) error {
	order, ok := m.orders[id]
	if !ok {
		return shared.NewNotFound("order", id)
	}
	order.PaymentProofRef = proofRef
	m.orders[id] = order
	return nil
}

func (m *memoryOrderRepo) SetCancelReason(_ context.Context, id, reason string) error {
	order, ok := m.orders[id]
	if !ok {
		return shared.NewNotFound("order", id)
	}
	order.CancelReason = reason
	m.orders[id] = order
	return nil
}

func (m *memoryOrderRepo) ReplaceLines(_ context.Context, id string, lines []Line, total int64) error {
	order, ok := m.orders[id]
	if !ok {
		return shared.NewNotFound("order", id)
	}
	order.Lines = lines
	order.TotalAmount = total
	m.orders[id] = order
	return nil
}

type stockKey struct {
	location int64
	variant  int64
}

// memoryStock mirrors the ledger contract: atomic all-or-nothing moves,
// reject on underflow, one applied movement per (kind, ref) pair.
type memoryStock struct {
	records   map[stockKey]int64
	movements []ledger.MoveInput
	applied   map[string]bool
}

func newMemoryStock() *memoryStock {
	return &memoryStock{records: map[stockKey]int64{}, applied: map[string]bool{}}
}

func (s *memoryStock) Snapshot(_ context.Context, locationID, variantID int64) (int64, error) {
	return s.records[stockKey{locationID, variantID}], nil
}

func (s *memoryStock) Move(_ context.Context, input ledger.MoveInput) error {
	key := fmt.Sprintf("%s:%s", input.Kind, input.RefID)
	if s.applied[key] {
		return nil
	}
	for _, line := range input.Lines {
		from := stockKey{input.From, line.VariantID}
		if s.records[from] < line.Quantity {
			return &shared.InsufficientStockError{
				LocationID: input.From,
				VariantID:  line.VariantID,
				Requested:  line.Quantity,
				Available:  s.records[from],
			}
		}
	}
	for _, line := range input.Lines {
		s.records[stockKey{input.From, line.VariantID}] -= line.Quantity
		s.records[stockKey{input.To, line.VariantID}] += line.Quantity
	}
	s.applied[key] = true
	s.movements = append(s.movements, input)
	return nil
}

func (s *memoryStock) ReverseMove(_ context.Context, input ledger.MoveInput) error {
	for _, line := range input.Lines {
		s.records[stockKey{input.To, line.VariantID}] -= line.Quantity
		s.records[stockKey{input.From, line.VariantID}] += line.Quantity
	}
	delete(s.applied, fmt.Sprintf("%s:%s", input.Kind, input.RefID))
	for i, m := range s.movements {
		if m.Kind == input.Kind && m.RefID == input.RefID {
			s.movements = append(s.movements[:i], s.movements[i+1:]...)
			break
		}
	}
	return nil
}

type requisitionRecorder struct {
	calls []string
}

func (r *requisitionRecorder) RegenerateForOrder(_ context.Context, orderID string, demands []requisition.ProductDemand) ([]requisition.Requisition, error) {
	r.calls = append(r.calls, orderID)
	reqs := make([]requisition.Requisition, 0, len(demands))
	for _, d := range demands {
		reqs = append(reqs, requisition.Requisition{OrderID: orderID, MaterialID: d.ProductID})
	}
	return reqs, nil
}

type catalogStub struct {
	variants map[int64]bom.Variant
}

func (c *catalogStub) GetVariant(_ context.Context, id int64) (bom.Variant, error) {
	v, ok := c.variants[id]
	if !ok {
		return bom.Variant{}, shared.NewNotFound("variant", fmt.Sprint(id))
	}
	return v, nil
}

type notifyRecorder struct {
	titles []string
}

func (n *notifyRecorder) Notify(_ context.Context, _, title, _, _ string) error {
	n.titles = append(n.titles, title)
	return nil
}

type fakeSequence struct {
	next int64
}

func (s *fakeSequence) NextValue(context.Context, string) (int64, error) {
	s.next++
	return s.next, nil
}

type fixture struct {
	svc    *Service
	repo   *memoryOrderRepo
	stock  *memoryStock
	reqs   *requisitionRecorder
	notify *notifyRecorder
}

func newFixture() *fixture {
	repo := newMemoryOrderRepo()
	stock := newMemoryStock()
	reqs := &requisitionRecorder{}
	notify := &notifyRecorder{}
	catalog := &catalogStub{variants: map[int64]bom.Variant{
		shirtVariant: {ID: shirtVariant, ProductID: 10, SKU: "SHIRT-M", UnitPrice: 25000},
	}}
	svc := NewService(repo, stock, reqs, catalog, notify, &fakeSequence{},
		slog.New(slog.NewTextHandler(io.Discard, nil)), factoryLoc)
	return &fixture{svc: svc, repo: repo, stock: stock, reqs: reqs, notify: notify}
}

func (f *fixture) createShopOrder(t *testing.T, qty int64) Order {
	t.Helper()
	order, err := f.svc.Create(context.Background(), CreateOrderInput{
		Origin:         OriginShop,
		CustomerName:   "Ratree Shop",
		ShopLocationID: shopLoc,
		Lines:          []LineInput{{VariantID: shirtVariant, Quantity: qty, UnitPrice: 25000}},
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) advanceToReleased(t *testing.T, id string) Order {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.MarkAwaitingPayment(ctx, id)
	require.NoError(t, err)
	_, err = f.svc.AttachPaymentSlip(ctx, id, "proof://slips/1.jpg")
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, id)
	require.NoError(t, err)
	order, err := f.svc.Release(ctx, id)
	require.NoError(t, err)
	return order
}

func TestCreateDerivesTotalOnce(t *testing.T) {
	f := newFixture()
	order := f.createShopOrder(t, 3)

	require.Equal(t, StatusPending, order.Status)
	require.Equal(t, "SO-000001", order.Number)
	require.Equal(t, int64(3*25000), order.TotalAmount)
	require.Len(t, order.Lines, 1)
}

func TestCreateValidatesLines(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateOrderInput{Origin: OriginShop, ShopLocationID: shopLoc})
	require.Error(t, err)

	_, err = f.svc.Create(ctx, CreateOrderInput{
		Origin:         OriginShop,
		ShopLocationID: shopLoc,
		Lines:          []LineInput{{VariantID: shirtVariant, Quantity: 0, UnitPrice: 100}},
	})
	require.Error(t, err)

	_, err = f.svc.Create(ctx, CreateOrderInput{
		Origin:         OriginShop,
		ShopLocationID: shopLoc,
		Lines:          []LineInput{{VariantID: 999, Quantity: 1, UnitPrice: 100}},
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

// The historical double-deduction regression: dispatch moves 60 of 100 units
// factory to shop, and confirming delivery afterwards must not move anything
// again.
func TestDispatchThenDeliveryMovesStockExactlyOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stock.records[stockKey{factoryLoc, shirtVariant}] = 100

	order := f.createShopOrder(t, 60)
	f.advanceToReleased(t, order.ID)

	dispatched, err := f.svc.Dispatch(ctx, order.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusDispatched, dispatched.Status)
	require.Equal(t, int64(40), f.stock.records[stockKey{factoryLoc, shirtVariant}])
	require.Equal(t, int64(60), f.stock.records[stockKey{shopLoc, shirtVariant}])

	delivered, err := f.svc.ConfirmDelivery(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, delivered.Status)
	require.Equal(t, int64(40), f.stock.records[stockKey{factoryLoc, shirtVariant}])
	require.Equal(t, int64(60), f.stock.records[stockKey{shopLoc, shirtVariant}])
	require.Len(t, f.stock.movements, 1)
}

func TestConfirmDeliveryIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stock.records[stockKey{factoryLoc, shirtVariant}] = 100

	order := f.createShopOrder(t, 10)
	f.advanceToReleased(t, order.ID)
	_, err := f.svc.Dispatch(ctx, order.ID, 1)
	require.NoError(t, err)

	first, err := f.svc.ConfirmDelivery(ctx, order.ID)
	require.NoError(t, err)
	second, err := f.svc.ConfirmDelivery(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)
	require.Len(t, f.stock.movements, 1)
}

func TestDispatchTwiceAppliesOneMovement(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stock.records[stockKey{factoryLoc, shirtVariant}] = 100

	order := f.createShopOrder(t, 10)
	f.advanceToReleased(t, order.ID)

	_, err := f.svc.Dispatch(ctx, order.ID, 1)
	require.NoError(t, err)
	again, err := f.svc.Dispatch(ctx, order.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusDispatched, again.Status)
	require.Equal(t, int64(90), f.stock.records[stockKey{factoryLoc, shirtVariant}])
	require.Len(t, f.stock.movements, 1)
}

func TestDispatchRejectsInsufficientStock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stock.records[stockKey{factoryLoc, shirtVariant}] = 5

	order := f.createShopOrder(t, 6)
	f.advanceToReleased(t, order.ID)

	_, err := f.svc.Dispatch(ctx, order.ID, 1)
	var shortfall *shared.InsufficientStockError
	require.ErrorAs(t, err, &shortfall)
	require.Equal(t, shirtVariant, shortfall.VariantID)
	require.Equal(t, int64(6), shortfall.Requested)
	require.Equal(t, int64(5), shortfall.Available)

	got, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, got.Status, "failed dispatch leaves status untouched")
	require.Equal(t, int64(5), f.stock.records[stockKey{factoryLoc, shirtVariant}])
}

func TestDispatchBacksOutMovementWhenStatusWriteLoses(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stock.records[stockKey{factoryLoc, shirtVariant}] = 100

	order := f.createShopOrder(t, 60)
	f.advanceToReleased(t, order.ID)

	f.repo.failStatusTo = StatusDispatched
	_, err := f.svc.Dispatch(ctx, order.ID, 1)
	require.ErrorIs(t, err, ErrConcurrentUpdate)

	got, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, got.Status)
	require.Equal(t, int64(100), f.stock.records[stockKey{factoryLoc, shirtVariant}])
	require.Equal(t, int64(0), f.stock.records[stockKey{shopLoc, shirtVariant}])
	require.Empty(t, f.stock.movements, "failed dispatch leaves no committed movement behind")

	// With the movement backed out and its key released, a retry starts clean.
	f.repo.failStatusTo = ""
	dispatched, err := f.svc.Dispatch(ctx, order.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusDispatched, dispatched.Status)
	require.Equal(t, int64(40), f.stock.records[stockKey{factoryLoc, shirtVariant}])
	require.Equal(t, int64(60), f.stock.records[stockKey{shopLoc, shirtVariant}])
	require.Len(t, f.stock.movements, 1)
}

func TestCancelBacksOutReturnWhenStatusWriteLoses(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stock.records[stockKey{factoryLoc, shirtVariant}] = 100

	order := f.createShopOrder(t, 60)
	f.advanceToReleased(t, order.ID)
	_, err := f.svc.Dispatch(ctx, order.ID, 1)
	require.NoError(t, err)

	f.repo.failStatusTo = StatusCancelled
	_, err = f.svc.Cancel(ctx, order.ID, "shop refused delivery", 1)
	require.ErrorIs(t, err, ErrConcurrentUpdate)

	got, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDispatched, got.Status)
	require.Equal(t, int64(40), f.stock.records[stockKey{factoryLoc, shirtVariant}])
	require.Equal(t, int64(60), f.stock.records[stockKey{shopLoc, shirtVariant}])
	require.Len(t, f.stock.movements, 1, "the dispatch movement survives, the return does not")

	f.repo.failStatusTo = ""
	cancelled, err := f.svc.Cancel(ctx, order.ID, "shop refused delivery", 1)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, int64(100), f.stock.records[stockKey{factoryLoc, shirtVariant}])
	require.Equal(t, int64(0), f.stock.records[stockKey{shopLoc, shirtVariant}])
}

func TestCancelPendingTouchesNoInventory(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stock.records[stockKey{factoryLoc, shirtVariant}] = 100

	order := f.createShopOrder(t, 10)
	cancelled, err := f.svc.Cancel(ctx, order.ID, "customer changed mind", 1)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "customer changed mind", cancelled.CancelReason)
	require.Empty(t, f.stock.movements)
	require.Equal(t, int64(100), f.stock.records[stockKey{factoryLoc, shirtVariant}])
}

func TestCancelAfterDispatchCompensates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stock.records[stockKey{factoryLoc, shirtVariant}] = 100

	order := f.createShopOrder(t, 60)
	f.advanceToReleased(t, order.ID)
	_, err := f.svc.Dispatch(ctx, order.ID, 1)
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, order.ID, "shop refused delivery", 1)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, int64(100), f.stock.records[stockKey{factoryLoc, shirtVariant}])
	require.Equal(t, int64(0), f.stock.records[stockKey{shopLoc, shirtVariant}])

	require.Len(t, f.stock.movements, 2)
	require.Equal(t, ledger.MovementDispatch, f.stock.movements[0].Kind)
	require.Equal(t, ledger.MovementReturn, f.stock.movements[1].Kind)
}

func TestCancelDeliveredOrderIsIllegal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stock.records[stockKey{factoryLoc, shirtVariant}] = 100

	order := f.createShopOrder(t, 10)
	f.advanceToReleased(t, order.ID)
	_, err := f.svc.Dispatch(ctx, order.ID, 1)
	require.NoError(t, err)
	_, err = f.svc.ConfirmDelivery(ctx, order.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, order.ID, "too late", 1)
	var transition *shared.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	require.Equal(t, string(StatusDelivered), transition.Current)
}

func TestConfirmPaymentRequiresProof(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	order := f.createShopOrder(t, 10)
	_, err := f.svc.MarkAwaitingPayment(ctx, order.ID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, order.ID)
	var precondition *shared.PreconditionFailedError
	require.ErrorAs(t, err, &precondition)
	require.Equal(t, order.ID, precondition.ID)

	_, err = f.svc.AttachPaymentSlip(ctx, order.ID, "proof://slips/7.jpg")
	require.NoError(t, err)
	paid, err := f.svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
}

func TestReleaseRegeneratesRequisitionsAndNotifies(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	order := f.createShopOrder(t, 100)
	_, err := f.svc.AttachPaymentSlip(ctx, order.ID, "proof://slips/9.jpg")
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)

	released, err := f.svc.Release(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, released.Status)
	require.Equal(t, []string{order.ID}, f.reqs.calls)
	require.Len(t, f.notify.titles, 1)
}

func TestUpdateLinesOnlyWhilePending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	order := f.createShopOrder(t, 10)
	updated, err := f.svc.UpdateLines(ctx, order.ID, []LineInput{
		{VariantID: shirtVariant, Quantity: 20, UnitPrice: 24000},
	})
	require.NoError(t, err)
	require.Equal(t, int64(20*24000), updated.TotalAmount)

	_, err = f.svc.MarkAwaitingPayment(ctx, order.ID)
	require.NoError(t, err)
	_, err = f.svc.UpdateLines(ctx, order.ID, []LineInput{
		{VariantID: shirtVariant, Quantity: 5, UnitPrice: 24000},
	})
	require.ErrorIs(t, err, ErrLinesImmutable)
}

func TestEcommerceTrackEndToEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stock.records[stockKey{factoryLoc, shirtVariant}] = 30

	order, err := f.svc.Create(ctx, CreateOrderInput{
		Origin:         OriginEcommerce,
		CustomerName:   "Anan P.",
		ShopLocationID: shopLoc,
		Lines:          []LineInput{{VariantID: shirtVariant, Quantity: 2, UnitPrice: 29000}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusEcomPending, order.Status)
	require.Equal(t, "EC-000001", order.Number)

	_, err = f.svc.Confirm(ctx, order.ID)
	require.NoError(t, err)

	shipped, err := f.svc.Dispatch(ctx, order.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusEcomShipped, shipped.Status)
	require.Equal(t, int64(28), f.stock.records[stockKey{factoryLoc, shirtVariant}])

	_, err = f.svc.MarkInTransit(ctx, order.ID)
	require.NoError(t, err)

	delivered, err := f.svc.ConfirmDelivery(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusEcomDelivered, delivered.Status)
	require.Len(t, f.stock.movements, 1)
}

func TestTransitionLegality(t *testing.T) {
	cases := []struct {
		origin  Origin
		current Status
		target  Status
		legal   bool
	}{
		{OriginShop, StatusPending, StatusAwaitingPayment, true},
		{OriginShop, StatusPending, StatusPaid, true},
		{OriginShop, StatusPending, StatusDispatched, false},
		{OriginShop, StatusPending, StatusDelivered, false},
		{OriginShop, StatusAwaitingPayment, StatusSlipAttached, true},
		{OriginShop, StatusSlipAttached, StatusPaid, true},
		{OriginShop, StatusPaid, StatusReleased, true},
		{OriginShop, StatusPaid, StatusDispatched, false},
		{OriginShop, StatusReleased, StatusDispatched, true},
		{OriginShop, StatusDispatched, StatusDelivered, true},
		{OriginShop, StatusDispatched, StatusReleased, false},
		{OriginShop, StatusDelivered, StatusCancelled, false},
		{OriginShop, StatusCancelled, StatusPaid, false},
		{OriginShop, StatusDispatched, StatusCancelled, true},
		{OriginEcommerce, StatusEcomPending, StatusEcomConfirmed, true},
		{OriginEcommerce, StatusEcomPending, StatusEcomDelivered, false},
		{OriginEcommerce, StatusEcomConfirmed, StatusEcomShipped, true},
		{OriginEcommerce, StatusEcomShipped, StatusEcomInTransit, true},
		{OriginEcommerce, StatusEcomShipped, StatusEcomDelivered, true},
		{OriginEcommerce, StatusEcomInTransit, StatusEcomCancelled, true},
		{OriginEcommerce, StatusEcomDelivered, StatusEcomCancelled, false},
		{OriginEcommerce, StatusEcomPending, StatusDispatched, false},
	}
	for _, tc := range cases {
		name := fmt.Sprintf("%s/%s->%s", tc.origin, tc.current, tc.target)
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.legal, CanTransition(tc.origin, tc.current, tc.target))
		})
	}
}

func TestIllegalJumpReturnsTypedError(t *testing.T) {
	f := newFixture()
	order := f.createShopOrder(t, 10)

	_, err := f.svc.ConfirmDelivery(context.Background(), order.ID)
	var transition *shared.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	require.Equal(t, string(StatusPending), transition.Current)
	require.Equal(t, string(StatusDelivered), transition.Requested)
}
