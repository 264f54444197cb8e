package inventory

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/kasir/internal/inventory/uom"
)

// TransactionType enumerates supported stock movements.
type TransactionType string

const (
	// TransactionTypeSale decrements stock.
	TransactionTypeSale TransactionType = "SALE"
	// TransactionTypePurchase increments stock.
	TransactionTypePurchase TransactionType = "PURCHASE"
	// TransactionTypeOpname overwrites stock with a physical count.
	TransactionTypeOpname TransactionType = "OPNAME"
)

// Variant is a sellable product variant. Qty is always held in base units.
type Variant struct {
	ID        int64            `json:"id"`
	ProductID int64            `json:"product_id"`
	Name      string           `json:"name"`
	Qty       int64            `json:"qty"`
	Units     []uom.Conversion `json:"units"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Hierarchy builds the unit lookup table for the variant.
func (v Variant) Hierarchy() (*uom.Hierarchy, error) {
	return uom.NewHierarchy(v.Units)
}

// VariantView is a variant together with its stock expressed per unit.
type VariantView struct {
	Variant
	BaseUnit     string            `json:"base_unit"`
	Breakdown    []uom.Line        `json:"breakdown"`
	Display      string            `json:"display"`
	InvalidUnits map[string]string `json:"invalid_units,omitempty"`
}

// PriceQuote is the stored price of one unit of a variant.
type PriceQuote struct {
	VariantID int64           `json:"variant_id"`
	Unit      string          `json:"unit"`
	Kind      uom.PriceKind   `json:"kind"`
	Price     decimal.Decimal `json:"price"`
	Fallback  bool            `json:"fallback"`
}

// StockCardEntry describes one movement on the stock card.
type StockCardEntry struct {
	TxCode     string          `json:"tx_code"`
	TxType     TransactionType `json:"tx_type"`
	PostedAt   time.Time       `json:"posted_at"`
	Unit       string          `json:"unit"`
	UnitQty    int64           `json:"unit_qty"`
	QtyIn      int64           `json:"qty_in"`
	QtyOut     int64           `json:"qty_out"`
	BalanceQty int64           `json:"balance_qty"`
	Note       string          `json:"note"`
}

// MovementInput describes a sale or purchase expressed in any unit. An empty
// Unit means Qty is already in base units.
type MovementInput struct {
	Code      string
	VariantID int64
	Unit      string
	Qty       int64
	Note      string
	ActorID   int64
}

// CreateVariantInput registers a variant with its unit table and opening
// stock in base units.
type CreateVariantInput struct {
	ProductID int64
	Name      string
	Qty       int64
	Units     []uom.Conversion
	ActorID   int64
}

// OpnameInput carries a physical count, either per unit or as a base quantity.
type OpnameInput struct {
	Code      string
	VariantID int64
	Counted   map[string]int64
	Note      string
	ActorID   int64
}

// OpnameResult reports the stock before and after a count.
type OpnameResult struct {
	Entry    StockCardEntry `json:"entry"`
	Before   []uom.Line     `json:"before"`
	After    []uom.Line     `json:"after"`
	Variance int64          `json:"variance"`
}

// StockCardFilter filters card entries.
type StockCardFilter struct {
	VariantID int64
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

var (
	// ErrNegativeStock triggered when movement would result negative qty.
	ErrNegativeStock = errors.New("inventory: negative stock not allowed")
	// ErrInvalidQuantity indicates invalid qty.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	// ErrVariantNotFound indicates a missing variant.
	ErrVariantNotFound = errors.New("inventory: variant not found")
	// ErrEmptyCount indicates an opname without any counted unit.
	ErrEmptyCount = errors.New("inventory: counted quantities required")
)
