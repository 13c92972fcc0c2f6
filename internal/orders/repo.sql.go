package orders

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// Repository persists orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, order Order) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO orders (id, number, origin, status, customer_name, shop_location_id, total_amount, payment_proof_ref, cancel_reason, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`,
		order.ID, order.Number, string(order.Origin), string(order.Status), order.CustomerName,
		order.ShopLocationID, order.TotalAmount, order.PaymentProofRef, order.CancelReason, order.CreatedAt)
	if err != nil {
		return err
	}
	for _, line := range order.Lines {
		_, err = tx.Exec(ctx, `INSERT INTO order_lines (order_id, variant_id, quantity, unit_price) VALUES ($1,$2,$3,$4)`,
			order.ID, line.VariantID, line.Quantity, line.UnitPrice)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id string) (Order, error) {
	var order Order
	var origin, status string
	err := r.pool.QueryRow(ctx, `SELECT id, number, origin, status, customer_name, shop_location_id, total_amount, payment_proof_ref, cancel_reason, created_at, updated_at
FROM orders WHERE id=$1`, id).
		Scan(&order.ID, &order.Number, &origin, &status, &order.CustomerName, &order.ShopLocationID,
			&order.TotalAmount, &order.PaymentProofRef, &order.CancelReason, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, shared.NewNotFound("order", id)
		}
		return Order{}, err
	}
	order.Origin = Origin(origin)
	order.Status = Status(status)

	rows, err := r.pool.Query(ctx, `SELECT id, order_id, variant_id, quantity, unit_price FROM order_lines WHERE order_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.OrderID, &line.VariantID, &line.Quantity, &line.UnitPrice); err != nil {
			return Order{}, err
		}
		order.Lines = append(order.Lines, line)
	}
	return order, rows.Err()
}

func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders
WHERE ($1 = '' OR origin = $1) AND ($2 = '' OR status = $2)`,
		string(filter.Origin), string(filter.Status)).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `SELECT id, number, origin, status, customer_name, shop_location_id, total_amount, payment_proof_ref, cancel_reason, created_at, updated_at
FROM orders
WHERE ($1 = '' OR origin = $1) AND ($2 = '' OR status = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4`,
		string(filter.Origin), string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	result := []Order{}
	for rows.Next() {
		var order Order
		var origin, status string
		if err := rows.Scan(&order.ID, &order.Number, &origin, &status, &order.CustomerName, &order.ShopLocationID,
			&order.TotalAmount, &order.PaymentProofRef, &order.CancelReason, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, 0, err
		}
		order.Origin = Origin(origin)
		order.Status = Status(status)
		result = append(result, order)
	}
	return result, total, rows.Err()
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE orders SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2`,
		id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) SetPaymentProof(ctx context.Context, id, proofRef string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE orders SET payment_proof_ref=$2, updated_at=NOW() WHERE id=$1`, id, proofRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NewNotFound("order", id)
	}
	return nil
}

func (r *Repository) SetCancelReason(ctx context.Context, id, reason string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE orders SET cancel_reason=$2, updated_at=NOW() WHERE id=$1`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NewNotFound("order", id)
	}
	return nil
}

func (r *Repository) ReplaceLines(ctx context.Context, id string, lines []Line, total int64) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM order_lines WHERE order_id=$1`, id); err != nil {
		return err
	}
	for _, line := range lines {
		_, err = tx.Exec(ctx, `INSERT INTO order_lines (order_id, variant_id, quantity, unit_price) VALUES ($1,$2,$3,$4)`,
			id, line.VariantID, line.Quantity, line.UnitPrice)
		if err != nil {
			return err
		}
	}
	tag, err := tx.Exec(ctx, `UPDATE orders SET total_amount=$2, updated_at=NOW() WHERE id=$1`, id, total)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NewNotFound("order", id)
	}
	return tx.Commit(ctx)
}
