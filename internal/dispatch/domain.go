// Package dispatch assigns delivery drivers to dispatched orders under
// per-vehicle capacity constraints and tracks the physical delivery leg.
package dispatch

import (
	"errors"
	"time"

	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// VehicleType determines how many orders a driver may carry concurrently.
type VehicleType string

const (
	VehicleMotorbike VehicleType = "motorbike"
	VehicleCar       VehicleType = "car"
	VehicleVan       VehicleType = "van"
)

// defaultCapacities is the concurrent non-terminal assignment limit per
// vehicle type. Config may override individual entries.
var defaultCapacities = map[VehicleType]int{
	VehicleMotorbike: 3,
	VehicleCar:       1,
	VehicleVan:       1,
}

// Driver is a delivery driver. Available is a derived cache of the active
// assignment count against capacity; it is recomputed on every assignment
// change and never treated as authoritative on its own.
type Driver struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Phone       string      `json:"phone"`
	VehicleType VehicleType `json:"vehicle_type"`
	Available   bool        `json:"available"`
	Latitude    float64     `json:"latitude"`
	Longitude   float64     `json:"longitude"`
	CreatedAt   time.Time   `json:"created_at"`
}

// AssignmentStatus is the delivery leg lifecycle.
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentAccepted  AssignmentStatus = "accepted"
	AssignmentPickedUp  AssignmentStatus = "picked_up"
	AssignmentInTransit AssignmentStatus = "in_transit"
	AssignmentDelivered AssignmentStatus = "delivered"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// assignmentPredecessors maps each status to the statuses it may be entered
// from. cancelled is reachable from every non-terminal status.
var assignmentPredecessors = map[AssignmentStatus][]AssignmentStatus{
	AssignmentAccepted:  {AssignmentAssigned},
	AssignmentPickedUp:  {AssignmentAccepted},
	AssignmentInTransit: {AssignmentPickedUp},
	AssignmentDelivered: {AssignmentInTransit},
	AssignmentCancelled: {AssignmentAssigned, AssignmentAccepted, AssignmentPickedUp, AssignmentInTransit},
}

// CanProgress reports whether moving an assignment from current to target is
// legal.
func CanProgress(current, target AssignmentStatus) bool {
	for _, from := range assignmentPredecessors[target] {
		if from == current {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status frees the driver's slot.
func (s AssignmentStatus) IsTerminal() bool {
	return s == AssignmentDelivered || s == AssignmentCancelled
}

// Assignment binds one order to one driver for the delivery leg. Pickup and
// delivery coordinates are denormalized at creation so route advice keeps
// working even if the master locations move later.
type Assignment struct {
	ID           string           `json:"id"`
	OrderID      string           `json:"order_id"`
	DriverID     string           `json:"driver_id"`
	Status       AssignmentStatus `json:"status"`
	PickupName   string           `json:"pickup_name"`
	PickupLat    float64          `json:"pickup_lat"`
	PickupLng    float64          `json:"pickup_lng"`
	DeliveryName string           `json:"delivery_name"`
	DeliveryLat  float64          `json:"delivery_lat"`
	DeliveryLng  float64          `json:"delivery_lng"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func (a Assignment) transitionErr(target AssignmentStatus) error {
	return &shared.InvalidTransitionError{
		Entity:    "assignment",
		ID:        a.ID,
		Current:   string(a.Status),
		Requested: string(target),
	}
}

// ErrNoDriverAvailable indicates auto-assignment found no driver with a
// free slot.
var ErrNoDriverAvailable = errors.New("dispatch: no available driver")

// ErrOrderAlreadyAssigned indicates the order already has a live assignment.
var ErrOrderAlreadyAssigned = errors.New("dispatch: order already has an active assignment")
