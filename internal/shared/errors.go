package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
)

// NotFoundError names the missing entity so callers can report it.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound builds a NotFoundError.
func NewNotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// InvalidTransitionError reports an illegal status change, carrying both
// the current and the requested status.
type InvalidTransitionError struct {
	Entity    string
	ID        string
	Current   string
	Requested string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: illegal transition %s -> %s", e.Entity, e.ID, e.Current, e.Requested)
}

// PreconditionFailedError reports missing precondition data, e.g. an order
// moved to paid without an attached payment proof.
type PreconditionFailedError struct {
	Entity string
	ID     string
	Reason string
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("%s %s: precondition failed: %s", e.Entity, e.ID, e.Reason)
}

// InsufficientStockError reports a debit that would underflow an inventory
// record. Requested and Available allow per-item shortfall reporting.
type InsufficientStockError struct {
	LocationID int64
	VariantID  int64
	Requested  int64
	Available  int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %d at location %d: requested %d, available %d",
		e.VariantID, e.LocationID, e.Requested, e.Available)
}

// CapacityExceededError reports a driver with no free assignment slot.
type CapacityExceededError struct {
	DriverID string
	Capacity int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("driver %s: assignment capacity %d exceeded", e.DriverID, e.Capacity)
}

// IsRecoverable reports whether err belongs to the expected error taxonomy
// and can be surfaced to the caller with its details intact.
func IsRecoverable(err error) bool {
	var (
		nf *NotFoundError
		it *InvalidTransitionError
		pf *PreconditionFailedError
		is *InsufficientStockError
		ce *CapacityExceededError
	)
	return errors.Is(err, ErrNotFound) ||
		errors.As(err, &nf) || errors.As(err, &it) || errors.As(err, &pf) ||
		errors.As(err, &is) || errors.As(err, &ce)
}
