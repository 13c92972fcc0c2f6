package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

type memoryRepo struct {
	records   map[string]Record
	movements []Movement
	lines     [][]MovementLine
	nextID    int64
}

// memoryTx stages writes and only publishes them on commit, mirroring the
// transactional rollback the real repository provides.
type memoryTx struct {
	records   map[string]Record
	movements []Movement
	lines     [][]MovementLine
	nextID    int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[string]Record)}
}

func key(locationID, variantID int64) string {
	return fmt.Sprintf("%d:%d", locationID, variantID)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{records: make(map[string]Record, len(r.records)), nextID: r.nextID}
	for k, v := range r.records {
		tx.records[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.records = tx.records
	r.movements = append(r.movements, tx.movements...)
	r.lines = append(r.lines, tx.lines...)
	r.nextID = tx.nextID
	return nil
}

func (r *memoryRepo) Snapshot(ctx context.Context, locationID, variantID int64) (int64, error) {
	return r.records[key(locationID, variantID)].Quantity, nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	result := make([]Movement, len(r.movements))
	copy(result, r.movements)
	return result, nil
}

func (tx *memoryTx) GetRecordForUpdate(ctx context.Context, locationID, variantID int64) (Record, error) {
	if rec, ok := tx.records[key(locationID, variantID)]; ok {
		return rec, nil
	}
	return Record{LocationID: locationID, VariantID: variantID}, ErrRecordNotFound
}

func (tx *memoryTx) UpsertRecord(ctx context.Context, record Record) error {
	tx.records[key(record.LocationID, record.VariantID)] = record
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	tx.nextID++
	movement.ID = tx.nextID
	tx.movements = append(tx.movements, movement)
	return tx.nextID, nil
}

func (tx *memoryTx) InsertMovementLines(ctx context.Context, movementID int64, lines []MovementLine) error {
	tx.lines = append(tx.lines, lines)
	return nil
}

const (
	factory = int64(1)
	shop    = int64(2)
)

func seed(t *testing.T, svc *Service, variantID, qty int64) {
	t.Helper()
	_, err := svc.Adjust(context.Background(), AdjustmentInput{
		LocationID: factory, VariantID: variantID, Delta: qty, Kind: MovementIntake, Note: "initial stock",
	})
	require.NoError(t, err)
}

func TestMoveConservesStock(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	seed(t, svc, 10, 100)

	err := svc.Move(ctx, MoveInput{
		Kind: MovementDispatch, From: factory, To: shop,
		Lines:     []MoveLine{{VariantID: 10, Quantity: 60}},
		RefModule: "orders", RefID: "ORD-1",
	})
	require.NoError(t, err)

	factoryQty, err := svc.Snapshot(ctx, factory, 10)
	require.NoError(t, err)
	shopQty, err := svc.Snapshot(ctx, shop, 10)
	require.NoError(t, err)
	require.Equal(t, int64(40), factoryQty)
	require.Equal(t, int64(60), shopQty)
}

func TestDebitNeverUnderflows(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	seed(t, svc, 10, 5)

	_, err := svc.Adjust(ctx, AdjustmentInput{LocationID: factory, VariantID: 10, Delta: -6})
	var stockErr *shared.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, int64(6), stockErr.Requested)
	require.Equal(t, int64(5), stockErr.Available)

	qty, err := svc.Snapshot(ctx, factory, 10)
	require.NoError(t, err)
	require.Equal(t, int64(5), qty, "rejected debit must leave quantity unchanged")
}

func TestMoveIsAtomicAcrossLines(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	seed(t, svc, 10, 100)
	seed(t, svc, 11, 2)

	err := svc.Move(ctx, MoveInput{
		Kind: MovementDispatch, From: factory, To: shop,
		Lines: []MoveLine{
			{VariantID: 10, Quantity: 50},
			{VariantID: 11, Quantity: 3}, // short by one
		},
		RefModule: "orders", RefID: "ORD-2",
	})
	var stockErr *shared.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, int64(11), stockErr.VariantID)

	// No partial application observable.
	qty, _ := svc.Snapshot(ctx, factory, 10)
	require.Equal(t, int64(100), qty)
	qty, _ = svc.Snapshot(ctx, shop, 10)
	require.Equal(t, int64(0), qty)
}

func TestMoveValidatesInput(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, nil)
	ctx := context.Background()

	err := svc.Move(ctx, MoveInput{Kind: MovementDispatch, From: factory, To: factory,
		Lines: []MoveLine{{VariantID: 1, Quantity: 1}}})
	require.Error(t, err)

	err = svc.Move(ctx, MoveInput{Kind: MovementDispatch, From: factory, To: shop})
	require.Error(t, err)

	err = svc.Move(ctx, MoveInput{Kind: MovementDispatch, From: factory, To: shop,
		Lines: []MoveLine{{VariantID: 1, Quantity: 0}}})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestMoveCreatesDestinationRecord(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	seed(t, svc, 7, 10)

	err := svc.Move(ctx, MoveInput{
		Kind: MovementDispatch, From: factory, To: shop,
		Lines:     []MoveLine{{VariantID: 7, Quantity: 10}},
		RefModule: "orders", RefID: "ORD-3",
	})
	require.NoError(t, err)

	_, ok := repo.records[key(shop, 7)]
	require.True(t, ok, "destination record created on first credit")
}

func TestReverseMoveRestoresQuantities(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	seed(t, svc, 10, 100)

	original := MoveInput{
		Kind: MovementDispatch, From: factory, To: shop,
		Lines:     []MoveLine{{VariantID: 10, Quantity: 60}},
		RefModule: "orders", RefID: "ORD-5", Note: "order ORD-5",
	}
	require.NoError(t, svc.Move(ctx, original))
	require.NoError(t, svc.ReverseMove(ctx, original))

	factoryQty, err := svc.Snapshot(ctx, factory, 10)
	require.NoError(t, err)
	shopQty, err := svc.Snapshot(ctx, shop, 10)
	require.NoError(t, err)
	require.Equal(t, int64(100), factoryQty)
	require.Equal(t, int64(0), shopQty)

	// Both legs stay on the journal; the reversal is not an erasure.
	movements, err := svc.ListMovements(ctx, MovementFilter{})
	require.NoError(t, err)
	require.Len(t, movements, 3) // intake + dispatch + reversal
	require.Equal(t, "reversal: order ORD-5", movements[2].Note)
	reversalLines := repo.lines[2]
	require.Len(t, reversalLines, 1)
	require.Equal(t, shop, reversalLines[0].SrcLocationID)
	require.Equal(t, factory, reversalLines[0].DstLocationID)
}

func TestMovementsAreJournaled(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	seed(t, svc, 10, 50)

	require.NoError(t, svc.Move(ctx, MoveInput{
		Kind: MovementDispatch, From: factory, To: shop,
		Lines:     []MoveLine{{VariantID: 10, Quantity: 20}},
		RefModule: "orders", RefID: "ORD-4",
	}))

	movements, err := svc.ListMovements(ctx, MovementFilter{})
	require.NoError(t, err)
	require.Len(t, movements, 2) // intake + dispatch
	require.Equal(t, MovementDispatch, movements[1].Kind)
	require.Equal(t, "ORD-4", movements[1].RefID)
}
