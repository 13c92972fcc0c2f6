package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loomworks-erp/loomworks-erp/internal/ledger"
	"github.com/loomworks-erp/loomworks-erp/internal/orders"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// availabilityKey is the redis hash mirroring driver availability for the
// routing advisor. Advisory only; the database column is the source.
const availabilityKey = "dispatch:driver_availability"

// RepositoryPort abstracts driver and assignment persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	CreateDriver(ctx context.Context, driver Driver) error
	GetDriver(ctx context.Context, id string) (Driver, error)
	ListDrivers(ctx context.Context, onlyAvailable bool) ([]Driver, error)
	GetAssignment(ctx context.Context, id string) (Assignment, error)
	ListActive(ctx context.Context) ([]Assignment, error)
	ListByDriver(ctx context.Context, driverID string) ([]Assignment, error)
}

// TxRepository exposes the row-locked operations assignment changes need.
type TxRepository interface {
	GetDriverForUpdate(ctx context.Context, id string) (Driver, error)
	CountActiveAssignments(ctx context.Context, driverID string) (int, error)
	GetActiveByOrderForUpdate(ctx context.Context, orderID string) (Assignment, error)
	InsertAssignment(ctx context.Context, assignment Assignment) error
	GetAssignmentForUpdate(ctx context.Context, id string) (Assignment, error)
	UpdateAssignmentStatus(ctx context.Context, id string, from, to AssignmentStatus) (bool, error)
	SetDriverAvailability(ctx context.Context, driverID string, available bool) error
}

// OrderPort is the slice of the order module dispatch consumes.
type OrderPort interface {
	Get(ctx context.Context, id string) (orders.Order, error)
}

// LocationPort resolves stock locations for coordinate denormalization.
type LocationPort interface {
	GetLocation(ctx context.Context, id int64) (ledger.Location, error)
}

// Service owns driver assignment and the delivery leg state machine.
type Service struct {
	repo      RepositoryPort
	orders    OrderPort
	locations LocationPort
	cache     *redis.Client
	locks     *shared.KeyedMutex
	logger    *slog.Logger

	capacities        map[VehicleType]int
	factoryLocationID int64
}

// NewService wires the dispatcher. capacityOverrides may remap individual
// vehicle types; unknown types fall back to capacity 1.
func NewService(
	repo RepositoryPort,
	orderPort OrderPort,
	locations LocationPort,
	cache *redis.Client,
	logger *slog.Logger,
	factoryLocationID int64,
	capacityOverrides map[VehicleType]int,
) *Service {
	capacities := make(map[VehicleType]int, len(defaultCapacities))
	for vt, c := range defaultCapacities {
		capacities[vt] = c
	}
	for vt, c := range capacityOverrides {
		if c > 0 {
			capacities[vt] = c
		}
	}
	return &Service{
		repo:              repo,
		orders:            orderPort,
		locations:         locations,
		cache:             cache,
		locks:             shared.NewKeyedMutex(),
		logger:            logger,
		capacities:        capacities,
		factoryLocationID: factoryLocationID,
	}
}

// Capacity returns the concurrent assignment limit for a vehicle type.
func (s *Service) Capacity(vt VehicleType) int {
	if c, ok := s.capacities[vt]; ok {
		return c
	}
	return 1
}

// CreateDriverInput registers a new driver.
type CreateDriverInput struct {
	Name        string
	Phone       string
	VehicleType VehicleType
	Latitude    float64
	Longitude   float64
}

// CreateDriver registers a driver, available by definition.
func (s *Service) CreateDriver(ctx context.Context, input CreateDriverInput) (Driver, error) {
	if input.Name == "" {
		return Driver{}, errors.New("dispatch: driver name required")
	}
	if _, ok := defaultCapacities[input.VehicleType]; !ok {
		return Driver{}, fmt.Errorf("dispatch: unknown vehicle type %q", input.VehicleType)
	}
	driver := Driver{
		ID:          uuid.NewString(),
		Name:        input.Name,
		Phone:       input.Phone,
		VehicleType: input.VehicleType,
		Available:   true,
		Latitude:    input.Latitude,
		Longitude:   input.Longitude,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.CreateDriver(ctx, driver); err != nil {
		return Driver{}, fmt.Errorf("create driver: %w", err)
	}
	s.snapshotAvailability(ctx, driver.ID, true)
	return driver, nil
}

// Assign binds the order to the driver. The capacity and one-live-assignment
// checks run inside the transaction that inserts the slot: the driver row is
// locked, active assignments are counted, and any live assignment for the
// order rejects the call, so two racing assigns cannot both land. The order
// and driver critical sections are always taken in that sequence.
// Availability is recomputed from the count, never from the stored flag.
func (s *Service) Assign(ctx context.Context, orderID, driverID string) (Assignment, error) {
	s.locks.Lock(orderKey(orderID))
	defer s.locks.Unlock(orderKey(orderID))
	s.locks.Lock(driverKey(driverID))
	defer s.locks.Unlock(driverKey(driverID))

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return Assignment{}, err
	}
	if !order.WasDispatched() {
		return Assignment{}, &shared.PreconditionFailedError{
			Entity: "order",
			ID:     orderID,
			Reason: "order must be dispatched before driver assignment",
		}
	}

	pickup, err := s.locations.GetLocation(ctx, s.factoryLocationID)
	if err != nil {
		return Assignment{}, fmt.Errorf("resolve pickup location: %w", err)
	}
	delivery, err := s.locations.GetLocation(ctx, order.ShopLocationID)
	if err != nil {
		return Assignment{}, fmt.Errorf("resolve delivery location: %w", err)
	}

	now := time.Now().UTC()
	assignment := Assignment{
		ID:           uuid.NewString(),
		OrderID:      orderID,
		DriverID:     driverID,
		Status:       AssignmentAssigned,
		PickupName:   pickup.Name,
		PickupLat:    pickup.Latitude,
		PickupLng:    pickup.Longitude,
		DeliveryName: delivery.Name,
		DeliveryLat:  delivery.Latitude,
		DeliveryLng:  delivery.Longitude,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var available bool
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetActiveByOrderForUpdate(ctx, orderID); err == nil {
			return ErrOrderAlreadyAssigned
		} else if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		driver, err := tx.GetDriverForUpdate(ctx, driverID)
		if err != nil {
			return err
		}
		capacity := s.Capacity(driver.VehicleType)
		active, err := tx.CountActiveAssignments(ctx, driverID)
		if err != nil {
			return err
		}
		if active >= capacity {
			return &shared.CapacityExceededError{DriverID: driverID, Capacity: capacity}
		}
		if err := tx.InsertAssignment(ctx, assignment); err != nil {
			return err
		}
		available = active+1 < capacity
		return tx.SetDriverAvailability(ctx, driverID, available)
	})
	if err != nil {
		return Assignment{}, err
	}

	s.snapshotAvailability(ctx, driverID, available)
	return assignment, nil
}

// AutoAssign picks the nearest available driver to the pickup point,
// breaking distance ties by driver id so the choice is deterministic, and
// assigns the order to it. Drivers whose cached availability turns out
// stale are skipped.
func (s *Service) AutoAssign(ctx context.Context, orderID string) (Assignment, error) {
	pickup, err := s.locations.GetLocation(ctx, s.factoryLocationID)
	if err != nil {
		return Assignment{}, fmt.Errorf("resolve pickup location: %w", err)
	}
	candidates, err := s.repo.ListDrivers(ctx, true)
	if err != nil {
		return Assignment{}, fmt.Errorf("list available drivers: %w", err)
	}
	if len(candidates) == 0 {
		return Assignment{}, ErrNoDriverAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := HaversineKm(candidates[i].Latitude, candidates[i].Longitude, pickup.Latitude, pickup.Longitude)
		dj := HaversineKm(candidates[j].Latitude, candidates[j].Longitude, pickup.Latitude, pickup.Longitude)
		if di != dj {
			return di < dj
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, driver := range candidates {
		assignment, err := s.Assign(ctx, orderID, driver.ID)
		if err == nil {
			return assignment, nil
		}
		var capacityErr *shared.CapacityExceededError
		if errors.As(err, &capacityErr) {
			continue
		}
		return Assignment{}, err
	}
	return Assignment{}, ErrNoDriverAvailable
}

// Accept moves an assignment to accepted.
func (s *Service) Accept(ctx context.Context, assignmentID string) (Assignment, error) {
	return s.progress(ctx, assignmentID, AssignmentAccepted)
}

// PickUp marks the goods collected from the factory.
func (s *Service) PickUp(ctx context.Context, assignmentID string) (Assignment, error) {
	return s.progress(ctx, assignmentID, AssignmentPickedUp)
}

// MarkInTransit marks the delivery leg under way.
func (s *Service) MarkInTransit(ctx context.Context, assignmentID string) (Assignment, error) {
	return s.progress(ctx, assignmentID, AssignmentInTransit)
}

// CompleteDelivery closes the assignment and frees the driver's slot.
func (s *Service) CompleteDelivery(ctx context.Context, assignmentID string) (Assignment, error) {
	return s.progress(ctx, assignmentID, AssignmentDelivered)
}

// CancelAssignment cancels a non-terminal assignment and frees the slot.
func (s *Service) CancelAssignment(ctx context.Context, assignmentID string) (Assignment, error) {
	return s.progress(ctx, assignmentID, AssignmentCancelled)
}

// progress performs one guarded assignment transition. When the target is
// terminal, driver availability is recomputed from the remaining active
// count inside the same transaction.
func (s *Service) progress(ctx context.Context, assignmentID string, target AssignmentStatus) (Assignment, error) {
	current, err := s.repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}

	s.locks.Lock(driverKey(current.DriverID))
	defer s.locks.Unlock(driverKey(current.DriverID))

	var (
		result        Assignment
		availability  bool
		touchedDriver bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		assignment, err := tx.GetAssignmentForUpdate(ctx, assignmentID)
		if err != nil {
			return err
		}
		if !CanProgress(assignment.Status, target) {
			return assignment.transitionErr(target)
		}
		applied, err := tx.UpdateAssignmentStatus(ctx, assignmentID, assignment.Status, target)
		if err != nil {
			return err
		}
		if !applied {
			return assignment.transitionErr(target)
		}
		assignment.Status = target
		result = assignment

		if target.IsTerminal() {
			driver, err := tx.GetDriverForUpdate(ctx, assignment.DriverID)
			if err != nil {
				return err
			}
			active, err := tx.CountActiveAssignments(ctx, assignment.DriverID)
			if err != nil {
				return err
			}
			availability = active < s.Capacity(driver.VehicleType)
			touchedDriver = true
			return tx.SetDriverAvailability(ctx, assignment.DriverID, availability)
		}
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}

	if touchedDriver {
		s.snapshotAvailability(ctx, result.DriverID, availability)
	}
	return result, nil
}

// GetAssignment returns one assignment.
func (s *Service) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	return s.repo.GetAssignment(ctx, id)
}

// ListActive lists all non-terminal assignments, for the routing advisor.
func (s *Service) ListActive(ctx context.Context) ([]Assignment, error) {
	return s.repo.ListActive(ctx)
}

// ListByDriver lists a driver's assignments, newest first.
func (s *Service) ListByDriver(ctx context.Context, driverID string) ([]Assignment, error) {
	return s.repo.ListByDriver(ctx, driverID)
}

// GetDriver returns one driver.
func (s *Service) GetDriver(ctx context.Context, id string) (Driver, error) {
	return s.repo.GetDriver(ctx, id)
}

// ListDrivers lists drivers, optionally only available ones.
func (s *Service) ListDrivers(ctx context.Context, onlyAvailable bool) ([]Driver, error) {
	return s.repo.ListDrivers(ctx, onlyAvailable)
}

// snapshotAvailability mirrors the flag into redis for cheap advisor reads.
// Best effort: cache failures are logged, never propagated.
func (s *Service) snapshotAvailability(ctx context.Context, driverID string, available bool) {
	if s.cache == nil {
		return
	}
	value := "0"
	if available {
		value = "1"
	}
	if err := s.cache.HSet(ctx, availabilityKey, driverID, value).Err(); err != nil {
		s.logger.Warn("availability snapshot failed", "driver_id", driverID, "error", err)
	}
}

func driverKey(driverID string) string { return "driver:" + driverID }
func orderKey(orderID string) string   { return "order:" + orderID }
