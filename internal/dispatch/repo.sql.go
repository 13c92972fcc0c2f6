package dispatch

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks-erp/loomworks-erp/internal/platform/db"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// Repository persists drivers and assignments in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("dispatch repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) CreateDriver(ctx context.Context, driver Driver) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO drivers (id, name, phone, vehicle_type, available, latitude, longitude, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		driver.ID, driver.Name, driver.Phone, string(driver.VehicleType), driver.Available,
		driver.Latitude, driver.Longitude, driver.CreatedAt)
	return err
}

const driverColumns = `id, name, phone, vehicle_type, available, latitude, longitude, created_at`

func scanDriver(row pgx.Row) (Driver, error) {
	var d Driver
	var vt string
	err := row.Scan(&d.ID, &d.Name, &d.Phone, &vt, &d.Available, &d.Latitude, &d.Longitude, &d.CreatedAt)
	if err != nil {
		return Driver{}, err
	}
	d.VehicleType = VehicleType(vt)
	return d, nil
}

func (r *Repository) GetDriver(ctx context.Context, id string) (Driver, error) {
	d, err := scanDriver(r.pool.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Driver{}, shared.NewNotFound("driver", id)
		}
		return Driver{}, err
	}
	return d, nil
}

func (r *Repository) ListDrivers(ctx context.Context, onlyAvailable bool) ([]Driver, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+driverColumns+` FROM drivers
WHERE ($1 = false OR available = true)
ORDER BY name ASC`, onlyAvailable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []Driver{}
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

const assignmentColumns = `id, order_id, driver_id, status, pickup_name, pickup_lat, pickup_lng, delivery_name, delivery_lat, delivery_lng, created_at, updated_at`

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	var status string
	err := row.Scan(&a.ID, &a.OrderID, &a.DriverID, &status,
		&a.PickupName, &a.PickupLat, &a.PickupLng,
		&a.DeliveryName, &a.DeliveryLat, &a.DeliveryLng,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Assignment{}, err
	}
	a.Status = AssignmentStatus(status)
	return a, nil
}

func (r *Repository) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	a, err := scanAssignment(r.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM driver_assignments WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, shared.NewNotFound("assignment", id)
		}
		return Assignment{}, err
	}
	return a, nil
}

func (r *Repository) ListActive(ctx context.Context) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM driver_assignments
WHERE status NOT IN ('delivered','cancelled')
ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *Repository) ListByDriver(ctx context.Context, driverID string) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM driver_assignments
WHERE driver_id=$1 ORDER BY created_at DESC`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *txRepository) GetDriverForUpdate(ctx context.Context, id string) (Driver, error) {
	d, err := scanDriver(r.tx.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Driver{}, shared.NewNotFound("driver", id)
		}
		return Driver{}, err
	}
	return d, nil
}

func (r *txRepository) CountActiveAssignments(ctx context.Context, driverID string) (int, error) {
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM driver_assignments
WHERE driver_id=$1 AND status NOT IN ('delivered','cancelled')`, driverID).Scan(&count)
	return count, err
}

func (r *txRepository) GetActiveByOrderForUpdate(ctx context.Context, orderID string) (Assignment, error) {
	a, err := scanAssignment(r.tx.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM driver_assignments
WHERE order_id=$1 AND status NOT IN ('delivered','cancelled')
ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, shared.NewNotFound("assignment", orderID)
		}
		return Assignment{}, err
	}
	return a, nil
}

func (r *txRepository) InsertAssignment(ctx context.Context, a Assignment) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO driver_assignments
(id, order_id, driver_id, status, pickup_name, pickup_lat, pickup_lng, delivery_name, delivery_lat, delivery_lng, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)`,
		a.ID, a.OrderID, a.DriverID, string(a.Status),
		a.PickupName, a.PickupLat, a.PickupLng,
		a.DeliveryName, a.DeliveryLat, a.DeliveryLng, a.CreatedAt)
	// driver_assignments carries a partial unique index on (order_id) over
	// non-terminal rows; a violation means another transaction took the
	// order between our existence check and this insert.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrOrderAlreadyAssigned
	}
	return err
}

func (r *txRepository) GetAssignmentForUpdate(ctx context.Context, id string) (Assignment, error) {
	a, err := scanAssignment(r.tx.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM driver_assignments WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, shared.NewNotFound("assignment", id)
		}
		return Assignment{}, err
	}
	return a, nil
}

func (r *txRepository) UpdateAssignmentStatus(ctx context.Context, id string, from, to AssignmentStatus) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE driver_assignments SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2`,
		id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) SetDriverAvailability(ctx context.Context, driverID string, available bool) error {
	tag, err := r.tx.Exec(ctx, `UPDATE drivers SET available=$2 WHERE id=$1`, driverID, available)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NewNotFound("driver", driverID)
	}
	return nil
}
