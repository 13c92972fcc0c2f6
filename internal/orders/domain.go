// Package orders owns the order lifecycle for both sales channels. Every
// status change goes through the state machine here; inventory is touched at
// exactly one transition (dispatch) and compensated on post-dispatch
// cancellation, never anywhere else.
package orders

import (
	"time"

	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// Origin is the sales channel an order entered through.
type Origin string

const (
	OriginShop      Origin = "shop"
	OriginEcommerce Origin = "ecommerce"
)

// Status is an order lifecycle state. The two channels run distinct tracks
// with their own vocabularies; the e-commerce track keeps the storefront's
// lower-case wire values.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusAwaitingPayment Status = "AWAITING_PAYMENT"
	StatusSlipAttached    Status = "PAYMENT_SLIP_ATTACHED"
	StatusPaid            Status = "PAID"
	StatusReleased        Status = "RELEASED"
	StatusDispatched      Status = "DISPATCHED"
	StatusDelivered       Status = "DELIVERED"
	StatusCancelled       Status = "CANCELLED"

	StatusEcomPending   Status = "pending"
	StatusEcomConfirmed Status = "confirmed"
	StatusEcomShipped   Status = "shipped"
	StatusEcomInTransit Status = "in_transit"
	StatusEcomDelivered Status = "delivered"
	StatusEcomCancelled Status = "cancelled"
)

// legalPredecessors maps each reachable status to the statuses it may be
// entered from, per channel. A transition is legal iff the current status is
// in the target's predecessor set.
var legalPredecessors = map[Origin]map[Status][]Status{
	OriginShop: {
		StatusAwaitingPayment: {StatusPending},
		StatusSlipAttached:    {StatusPending, StatusAwaitingPayment},
		StatusPaid:            {StatusPending, StatusAwaitingPayment, StatusSlipAttached},
		StatusReleased:        {StatusPaid},
		StatusDispatched:      {StatusReleased},
		StatusDelivered:       {StatusDispatched},
		StatusCancelled: {
			StatusPending, StatusAwaitingPayment, StatusSlipAttached,
			StatusPaid, StatusReleased, StatusDispatched,
		},
	},
	OriginEcommerce: {
		StatusEcomConfirmed: {StatusEcomPending},
		StatusEcomShipped:   {StatusEcomConfirmed},
		StatusEcomInTransit: {StatusEcomShipped},
		StatusEcomDelivered: {StatusEcomShipped, StatusEcomInTransit},
		StatusEcomCancelled: {
			StatusEcomPending, StatusEcomConfirmed,
			StatusEcomShipped, StatusEcomInTransit,
		},
	},
}

// InitialStatus returns the entry status for a channel.
func InitialStatus(origin Origin) Status {
	if origin == OriginEcommerce {
		return StatusEcomPending
	}
	return StatusPending
}

// CanTransition reports whether moving an order of the given origin from
// current to target is legal.
func CanTransition(origin Origin, current, target Status) bool {
	for _, from := range legalPredecessors[origin][target] {
		if from == current {
			return true
		}
	}
	return false
}

// Line is one order line item. Lines are immutable once the order leaves
// its pending status.
type Line struct {
	ID        int64  `json:"id"`
	OrderID   string `json:"order_id"`
	VariantID int64  `json:"variant_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"` // minor currency units
}

// Order is one shop wholesale order or e-commerce order.
type Order struct {
	ID              string    `json:"id"`
	Number          string    `json:"number"`
	Origin          Origin    `json:"origin"`
	Status          Status    `json:"status"`
	CustomerName    string    `json:"customer_name"`
	ShopLocationID  int64     `json:"shop_location_id"`
	Lines           []Line    `json:"lines"`
	TotalAmount     int64     `json:"total_amount"` // derived once at creation
	PaymentProofRef string    `json:"payment_proof_ref,omitempty"`
	CancelReason    string    `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DispatchStatus is the channel's "goods left the factory" status.
func (o Order) DispatchStatus() Status {
	if o.Origin == OriginEcommerce {
		return StatusEcomShipped
	}
	return StatusDispatched
}

// DeliveredStatus is the channel's terminal success status.
func (o Order) DeliveredStatus() Status {
	if o.Origin == OriginEcommerce {
		return StatusEcomDelivered
	}
	return StatusDelivered
}

// CancelledStatus is the channel's terminal cancellation status.
func (o Order) CancelledStatus() Status {
	if o.Origin == OriginEcommerce {
		return StatusEcomCancelled
	}
	return StatusCancelled
}

// IsTerminal reports whether no further transition is legal.
func (o Order) IsTerminal() bool {
	switch o.Status {
	case StatusDelivered, StatusCancelled, StatusEcomDelivered, StatusEcomCancelled:
		return true
	}
	return false
}

// WasDispatched reports whether goods already left the factory, which makes
// cancellation require a compensating stock movement instead of a bare
// status flip.
func (o Order) WasDispatched() bool {
	switch o.Status {
	case StatusDispatched, StatusDelivered, StatusEcomShipped, StatusEcomInTransit, StatusEcomDelivered:
		return true
	}
	return false
}

// Editable reports whether the order's line items may still change.
func (o Order) Editable() bool {
	return o.Status == StatusPending || o.Status == StatusEcomPending
}

func (o Order) transitionErr(target Status) error {
	return &shared.InvalidTransitionError{
		Entity:    "order",
		ID:        o.ID,
		Current:   string(o.Status),
		Requested: string(target),
	}
}
