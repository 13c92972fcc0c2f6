// Package requisition turns BOM requirements into raw-material requisitions
// against store stock, fulfilled later by the store-issue process.
package requisition

import (
	"errors"
	"time"
)

// Status is the requisition lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusPartIssued Status = "PART_ISSUED"
	StatusCompleted  Status = "COMPLETED"
	// StatusVoided marks superseded pending requisitions after an order edit
	// regenerated its demand.
	StatusVoided Status = "VOIDED"
)

// Requisition is one raw-material request belonging to an order. At most one
// live requisition exists per (order, material).
type Requisition struct {
	ID           string    `json:"id"`
	Number       string    `json:"number"`
	OrderID      string    `json:"order_id"`
	MaterialID   int64     `json:"material_id"`
	RequestedQty float64   `json:"requested_qty"`
	IssuedQty    float64   `json:"issued_qty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IssueInput fulfils part or all of a requisition from store stock.
type IssueInput struct {
	RequisitionID string
	Qty           float64
	ActorID       int64
}

var (
	// ErrIssueExceedsRequested indicates an issue beyond the requested quantity.
	ErrIssueExceedsRequested = errors.New("requisition: issued quantity would exceed requested")
	// ErrNotIssuable indicates the requisition is voided or already completed.
	ErrNotIssuable = errors.New("requisition: not in an issuable status")
	// ErrInvalidIssueQty indicates a non-positive issue quantity.
	ErrInvalidIssueQty = errors.New("requisition: issue quantity must be positive")
)
