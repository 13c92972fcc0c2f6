// Package ledger is the inventory ledger: per-location variant stock counts
// and the journal of every signed adjustment applied to them. It is the
// single shared mutable resource behind order fulfilment; all mutations go
// through Service so the exactly-once movement contract holds.
package ledger

import (
	"errors"
	"time"
)

// MovementKind enumerates supported stock movements.
type MovementKind string

const (
	// MovementDispatch moves goods factory -> shop (or outlet) at order dispatch.
	MovementDispatch MovementKind = "DISPATCH"
	// MovementReturn is the compensating reverse movement for a post-dispatch
	// cancellation: shop -> factory.
	MovementReturn MovementKind = "RETURN"
	// MovementAdjust is a manual correction at a single location.
	MovementAdjust MovementKind = "ADJUST"
	// MovementIntake records produced goods entering factory stock.
	MovementIntake MovementKind = "INTAKE"
)

// LocationKind distinguishes the factory warehouse from retail shops.
type LocationKind string

const (
	LocationFactory LocationKind = "FACTORY"
	LocationShop    LocationKind = "SHOP"
)

// Location is a stock-holding site.
type Location struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	Kind      LocationKind `json:"kind"`
	Latitude  float64      `json:"latitude"`
	Longitude float64      `json:"longitude"`
}

// Record is the stock count for one variant at one location. Quantity is a
// non-negative integer; debits that would underflow are rejected, never
// clamped.
type Record struct {
	LocationID int64     `json:"location_id"`
	VariantID  int64     `json:"variant_id"`
	Quantity   int64     `json:"quantity"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Movement is the journal header for one atomic set of adjustments.
type Movement struct {
	ID        int64        `json:"id"`
	Kind      MovementKind `json:"kind"`
	RefModule string       `json:"ref_module"`
	RefID     string       `json:"ref_id"`
	Note      string       `json:"note,omitempty"`
	ActorID   int64        `json:"actor_id"`
	PostedAt  time.Time    `json:"posted_at"`
}

// MovementLine records a single variant's quantity moved between locations.
// For single-location adjustments only one side is set.
type MovementLine struct {
	ID            int64 `json:"id"`
	MovementID    int64 `json:"movement_id"`
	VariantID     int64 `json:"variant_id"`
	Quantity      int64 `json:"quantity"`
	SrcLocationID int64 `json:"src_location_id,omitempty"`
	DstLocationID int64 `json:"dst_location_id,omitempty"`
}

// AdjustmentInput describes a signed single-location stock change.
type AdjustmentInput struct {
	LocationID int64
	VariantID  int64
	Delta      int64
	Kind       MovementKind
	RefModule  string
	RefID      string
	Note       string
	ActorID    int64
}

// MoveLine is one variant/quantity pair inside a movement.
type MoveLine struct {
	VariantID int64
	Quantity  int64
}

// MoveInput debits every line from From and credits it to To as one atomic
// unit. RefID is the owning order id; it keys the idempotency guard.
type MoveInput struct {
	Kind      MovementKind
	From      int64
	To        int64
	Lines     []MoveLine
	RefModule string
	RefID     string
	Note      string
	ActorID   int64
}

// ErrInvalidQuantity indicates a zero or sign-invalid quantity.
var ErrInvalidQuantity = errors.New("ledger: quantity must be a positive integer")

// ErrRecordNotFound indicates a missing stock record row.
var ErrRecordNotFound = errors.New("ledger: stock record not found")
