package ledger

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks-erp/loomworks-erp/internal/platform/db"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	GetRecordForUpdate(ctx context.Context, locationID, variantID int64) (Record, error)
	UpsertRecord(ctx context.Context, record Record) error
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
	InsertMovementLines(ctx context.Context, movementID int64, lines []MovementLine) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetLocation returns one stock location.
func (r *Repository) GetLocation(ctx context.Context, id int64) (Location, error) {
	var loc Location
	var kind string
	err := r.pool.QueryRow(ctx, `SELECT id, name, kind, latitude, longitude FROM locations WHERE id=$1`, id).
		Scan(&loc.ID, &loc.Name, &kind, &loc.Latitude, &loc.Longitude)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, shared.NewNotFound("location", strconv.FormatInt(id, 10))
		}
		return Location{}, err
	}
	loc.Kind = LocationKind(kind)
	return loc, nil
}

// Snapshot reads the current quantity without locking; missing rows read as zero.
func (r *Repository) Snapshot(ctx context.Context, locationID, variantID int64) (int64, error) {
	var qty int64
	err := r.pool.QueryRow(ctx, `SELECT qty FROM stock_records WHERE location_id=$1 AND variant_id=$2`, locationID, variantID).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return qty, nil
}

// ListMovements lists journal headers matching the filter.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, kind, ref_module, ref_id, note, actor_id, posted_at
FROM stock_movements
WHERE ($1 = '' OR ref_module = $1)
  AND ($2 = '' OR ref_id = $2)
  AND ($3 = '' OR kind = $3)
ORDER BY posted_at DESC, id DESC
LIMIT $4`, filter.RefModule, filter.RefID, string(filter.Kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.Kind, &m.RefModule, &m.RefID, &m.Note, &m.ActorID, &m.PostedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (r *txRepository) GetRecordForUpdate(ctx context.Context, locationID, variantID int64) (Record, error) {
	var rec Record
	err := r.tx.QueryRow(ctx, `SELECT location_id, variant_id, qty, updated_at FROM stock_records WHERE location_id=$1 AND variant_id=$2 FOR UPDATE`, locationID, variantID).
		Scan(&rec.LocationID, &rec.VariantID, &rec.Quantity, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{LocationID: locationID, VariantID: variantID}, ErrRecordNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

func (r *txRepository) UpsertRecord(ctx context.Context, record Record) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_records (location_id, variant_id, qty, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (location_id, variant_id) DO UPDATE SET qty=EXCLUDED.qty, updated_at=NOW()`,
		record.LocationID, record.VariantID, record.Quantity)
	return err
}

func (r *txRepository) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (kind, ref_module, ref_id, note, actor_id, posted_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		string(movement.Kind), movement.RefModule, movement.RefID, movement.Note, nullInt(movement.ActorID), movement.PostedAt).Scan(&id)
	return id, err
}

func (r *txRepository) InsertMovementLines(ctx context.Context, movementID int64, lines []MovementLine) error {
	for _, line := range lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO stock_movement_lines (movement_id, variant_id, qty, src_location_id, dst_location_id)
VALUES ($1,$2,$3,$4,$5)`, movementID, line.VariantID, line.Quantity, nullInt(line.SrcLocationID), nullInt(line.DstLocationID)); err != nil {
			return err
		}
	}
	return nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
