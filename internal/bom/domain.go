// Package bom holds the finished-goods catalog (products, variants), the
// raw-material catalog, and the bill-of-materials resolver that expands an
// order quantity into raw-material requirements.
package bom

import (
	"errors"
	"time"
)

// Product is a finished-goods style, e.g. one garment design.
type Product struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Variant is a sellable size/colour combination of a product. Stock is
// tracked per variant in the ledger, not here.
type Variant struct {
	ID        int64     `json:"id"`
	ProductID int64     `json:"product_id"`
	SKU       string    `json:"sku"`
	Size      string    `json:"size"`
	Color     string    `json:"color"`
	UnitPrice int64     `json:"unit_price"` // minor currency units
	CreatedAt time.Time `json:"created_at"`
}

// Material is a raw-material catalog entry. CurrentBalance is the store
// balance maintained by the store-issue process.
type Material struct {
	ID             int64     `json:"id"`
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	CurrentBalance float64   `json:"current_balance"`
	UnitOfMeasure  string    `json:"unit_of_measure"`
	Placeholder    bool      `json:"placeholder"`
	CreatedAt      time.Time `json:"created_at"`
}

// BOMLine is one raw-material requirement per unit of finished product.
type BOMLine struct {
	ProductID     int64   `json:"product_id"`
	MaterialID    int64   `json:"material_id"`
	QtyPerUnit    float64 `json:"qty_per_unit"`
	WastagePct    float64 `json:"wastage_pct"`
	UnitOfMeasure string  `json:"unit_of_measure"`
}

// RequiredQty computes the total requirement for orderQty units including
// wastage: orderQty * qtyPerUnit * (1 + wastagePct/100).
func (l BOMLine) RequiredQty(orderQty int64) float64 {
	return float64(orderQty) * l.QtyPerUnit * (1 + l.WastagePct/100)
}

// CreateProductInput describes a product plus its BOM.
type CreateProductInput struct {
	Code  string
	Name  string
	Lines []BOMLine
}

// CreateVariantInput describes a variant with optional initial factory stock.
type CreateVariantInput struct {
	ProductID    int64
	SKU          string
	Size         string
	Color        string
	UnitPrice    int64
	InitialStock int64
	ActorID      int64
}

// ErrInvalidBOMLine indicates a line with a non-positive quantity per unit.
var ErrInvalidBOMLine = errors.New("bom: quantity per unit must be positive")
