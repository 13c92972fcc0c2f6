package requisition

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks-erp/loomworks-erp/internal/platform/db"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// Repository persists requisitions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations Regenerate and Issue run.
type TxRepository interface {
	VoidPending(ctx context.Context, orderID string) (int64, error)
	Insert(ctx context.Context, req Requisition) error
	GetForUpdate(ctx context.Context, id string) (Requisition, error)
	UpdateIssued(ctx context.Context, id string, issuedQty float64, status Status) error
	DebitMaterial(ctx context.Context, materialID int64, qty float64) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("requisition repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) Get(ctx context.Context, id string) (Requisition, error) {
	var req Requisition
	err := r.pool.QueryRow(ctx, `SELECT id, number, order_id, material_id, requested_qty, issued_qty, status, created_at, updated_at
FROM requisitions WHERE id=$1`, id).
		Scan(&req.ID, &req.Number, &req.OrderID, &req.MaterialID, &req.RequestedQty, &req.IssuedQty, &req.Status, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requisition{}, shared.NewNotFound("requisition", id)
		}
		return Requisition{}, err
	}
	return req, nil
}

func (r *Repository) ListByOrder(ctx context.Context, orderID string) ([]Requisition, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, number, order_id, material_id, requested_qty, issued_qty, status, created_at, updated_at
FROM requisitions WHERE order_id=$1 ORDER BY created_at ASC, number ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []Requisition{}
	for rows.Next() {
		var req Requisition
		if err := rows.Scan(&req.ID, &req.Number, &req.OrderID, &req.MaterialID, &req.RequestedQty, &req.IssuedQty, &req.Status, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func (r *txRepository) VoidPending(ctx context.Context, orderID string) (int64, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE requisitions SET status=$2, updated_at=NOW() WHERE order_id=$1 AND status=$3`,
		orderID, string(StatusVoided), string(StatusPending))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *txRepository) Insert(ctx context.Context, req Requisition) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO requisitions (id, number, order_id, material_id, requested_qty, issued_qty, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`,
		req.ID, req.Number, req.OrderID, req.MaterialID, req.RequestedQty, req.IssuedQty, string(req.Status), req.CreatedAt)
	return err
}

func (r *txRepository) GetForUpdate(ctx context.Context, id string) (Requisition, error) {
	var req Requisition
	err := r.tx.QueryRow(ctx, `SELECT id, number, order_id, material_id, requested_qty, issued_qty, status, created_at, updated_at
FROM requisitions WHERE id=$1 FOR UPDATE`, id).
		Scan(&req.ID, &req.Number, &req.OrderID, &req.MaterialID, &req.RequestedQty, &req.IssuedQty, &req.Status, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requisition{}, shared.NewNotFound("requisition", id)
		}
		return Requisition{}, err
	}
	return req, nil
}

func (r *txRepository) UpdateIssued(ctx context.Context, id string, issuedQty float64, status Status) error {
	tag, err := r.tx.Exec(ctx, `UPDATE requisitions SET issued_qty=$2, status=$3, updated_at=NOW() WHERE id=$1`,
		id, issuedQty, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NewNotFound("requisition", id)
	}
	return nil
}

func (r *txRepository) DebitMaterial(ctx context.Context, materialID int64, qty float64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE materials SET current_balance = current_balance - $2 WHERE id=$1`, materialID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NewNotFound("material", strconv.FormatInt(materialID, 10))
	}
	return nil
}
