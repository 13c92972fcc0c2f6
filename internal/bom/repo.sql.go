package bom

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// Repository persists catalog data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) CreateProduct(ctx context.Context, product Product, lines []BOMLine) (int64, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `INSERT INTO products (code, name, created_at) VALUES ($1,$2,NOW()) RETURNING id`,
		product.Code, product.Name).Scan(&id)
	if err != nil {
		return 0, err
	}
	for _, line := range lines {
		if _, err := tx.Exec(ctx, `INSERT INTO bom_lines (product_id, material_id, qty_per_unit, wastage_pct, uom)
VALUES ($1,$2,$3,$4,$5)`, id, line.MaterialID, line.QtyPerUnit, line.WastagePct, line.UnitOfMeasure); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, created_at FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Code, &p.Name, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, shared.NewNotFound("product", strconv.FormatInt(id, 10))
		}
		return Product{}, err
	}
	return p, nil
}

func (r *Repository) ListBOM(ctx context.Context, productID int64) ([]BOMLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id, material_id, qty_per_unit, wastage_pct, uom
FROM bom_lines WHERE product_id=$1 ORDER BY material_id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []BOMLine{}
	for rows.Next() {
		var l BOMLine
		if err := rows.Scan(&l.ProductID, &l.MaterialID, &l.QtyPerUnit, &l.WastagePct, &l.UnitOfMeasure); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *Repository) CreateVariant(ctx context.Context, variant Variant) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO variants (product_id, sku, size, color, unit_price, created_at)
VALUES ($1,$2,$3,$4,$5,NOW()) RETURNING id`,
		variant.ProductID, variant.SKU, variant.Size, variant.Color, variant.UnitPrice).Scan(&id)
	return id, err
}

func (r *Repository) GetVariant(ctx context.Context, id int64) (Variant, error) {
	var v Variant
	err := r.pool.QueryRow(ctx, `SELECT id, product_id, sku, size, color, unit_price, created_at FROM variants WHERE id=$1`, id).
		Scan(&v.ID, &v.ProductID, &v.SKU, &v.Size, &v.Color, &v.UnitPrice, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Variant{}, shared.NewNotFound("variant", strconv.FormatInt(id, 10))
		}
		return Variant{}, err
	}
	return v, nil
}

func (r *Repository) GetMaterial(ctx context.Context, id int64) (Material, error) {
	var m Material
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, current_balance, uom, placeholder, created_at FROM materials WHERE id=$1`, id).
		Scan(&m.ID, &m.Code, &m.Name, &m.CurrentBalance, &m.UnitOfMeasure, &m.Placeholder, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Material{}, shared.NewNotFound("material", strconv.FormatInt(id, 10))
		}
		return Material{}, err
	}
	return m, nil
}

func (r *Repository) CreateMaterial(ctx context.Context, material Material) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO materials (id, code, name, current_balance, uom, placeholder, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (id) DO NOTHING
RETURNING id`, material.ID, material.Code, material.Name, material.CurrentBalance, material.UnitOfMeasure, material.Placeholder).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Concurrent EnsureMaterial already created it.
		return material.ID, nil
	}
	return id, err
}

func (r *Repository) AdjustMaterialBalance(ctx context.Context, id int64, delta float64) (float64, error) {
	var balance float64
	err := r.pool.QueryRow(ctx, `UPDATE materials SET current_balance = current_balance + $2 WHERE id=$1 RETURNING current_balance`, id, delta).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, shared.NewNotFound("material", strconv.FormatInt(id, 10))
	}
	return balance, err
}
