// Package uom converts stock quantities and prices across a variant's
// packaging hierarchy (e.g. Karung -> Pack -> Pcs).
package uom

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

// PriceKind selects which stored price a lookup returns.
type PriceKind string

const (
	// PricePurchase selects the purchase price of a unit.
	PricePurchase PriceKind = "purchase"
	// PriceSales selects the sales price of a unit.
	PriceSales PriceKind = "sales"
)

var (
	// ErrInvalidQuantity indicates a negative or overflowing base quantity.
	ErrInvalidQuantity = errors.New("uom: quantity must be >= 0")
	// ErrInvalidConversionFactor indicates a unit whose factor is zero or negative.
	ErrInvalidConversionFactor = errors.New("uom: conversion factor must be > 0")
	// ErrUnitNotFound indicates the unit name is not part of the hierarchy.
	ErrUnitNotFound = errors.New("uom: unit not found")
	// ErrDuplicateUnit indicates two conversions share a normalised name.
	ErrDuplicateUnit = errors.New("uom: duplicate unit name")
	// ErrBaseUnit indicates the hierarchy has zero or several base units.
	ErrBaseUnit = errors.New("uom: exactly one base unit required")
	// ErrUnknownSource indicates a conversion derived from a unit that does not exist.
	ErrUnknownSource = errors.New("uom: source unit not found")
	// ErrCyclicHierarchy indicates units deriving from each other in a loop.
	ErrCyclicHierarchy = errors.New("uom: cyclic unit hierarchy")
	// ErrInvalidPriceKind indicates an unsupported price selector.
	ErrInvalidPriceKind = errors.New("uom: price kind must be purchase or sales")
)

// Conversion is one step in a variant's packaging hierarchy. QtyConversion
// counts how many Source units one unit of Name holds; the base unit has no
// Source and an implicit factor of 1.
type Conversion struct {
	Name          string          `json:"name"`
	QtyConversion int64           `json:"qty_conversion"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	SalesPrice    decimal.Decimal `json:"sales_price"`
	Source        string          `json:"source,omitempty"`
}

// IsBase reports whether the conversion is the atomic stock unit.
func (c Conversion) IsBase() bool {
	return strings.TrimSpace(c.Source) == ""
}

// Price returns the stored price for kind.
func (c Conversion) Price(kind PriceKind) (decimal.Decimal, error) {
	switch kind {
	case PricePurchase:
		return c.PurchasePrice, nil
	case PriceSales:
		return c.SalesPrice, nil
	default:
		return decimal.Zero, ErrInvalidPriceKind
	}
}

// Normalize folds a unit label so lookups are case-insensitive.
func Normalize(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

type entry struct {
	conv   Conversion
	factor int64
	err    error
}

// Hierarchy is a closed lookup table over a variant's conversions with an
// explicit base unit.
type Hierarchy struct {
	base    string
	entries map[string]*entry
	order   []string
}

// NewHierarchy validates units and resolves every unit's factor to the base
// unit. Units with a non-positive factor, or derived from one, stay in the
// table for price lookups but are excluded from quantity arithmetic.
func NewHierarchy(units []Conversion) (*Hierarchy, error) {
	h := &Hierarchy{entries: make(map[string]*entry, len(units))}
	for _, u := range units {
		key := Normalize(u.Name)
		if key == "" {
			return nil, fmt.Errorf("uom: unit name required")
		}
		if _, exists := h.entries[key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUnit, u.Name)
		}
		if u.IsBase() {
			if h.base != "" {
				return nil, fmt.Errorf("%w: %s and %s", ErrBaseUnit, h.entries[h.base].conv.Name, u.Name)
			}
			h.base = key
		}
		h.entries[key] = &entry{conv: u}
	}
	if len(h.entries) == 0 {
		return h, nil
	}
	if h.base == "" && len(h.entries) == 1 {
		// A lone unit is the stock unit whatever its source says.
		for key := range h.entries {
			h.base = key
		}
	}
	if h.base == "" {
		return nil, ErrBaseUnit
	}
	for key := range h.entries {
		if _, err := h.resolve(key, map[string]bool{}); err != nil && !errors.Is(err, ErrInvalidConversionFactor) {
			return nil, err
		}
	}
	for key, e := range h.entries {
		if e.err == nil {
			h.order = append(h.order, key)
		}
	}
	sort.SliceStable(h.order, func(i, j int) bool {
		a, b := h.entries[h.order[i]], h.entries[h.order[j]]
		if a.factor != b.factor {
			return a.factor > b.factor
		}
		if h.order[i] == h.base || h.order[j] == h.base {
			return h.order[j] == h.base
		}
		return h.order[i] < h.order[j]
	})
	return h, nil
}

func (h *Hierarchy) resolve(key string, visiting map[string]bool) (int64, error) {
	e, ok := h.entries[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}
	if e.factor > 0 || e.err != nil {
		return e.factor, e.err
	}
	if key == h.base {
		e.factor = 1
		return 1, nil
	}
	if visiting[key] {
		return 0, fmt.Errorf("%w at %s", ErrCyclicHierarchy, e.conv.Name)
	}
	visiting[key] = true
	if e.conv.QtyConversion <= 0 {
		e.err = fmt.Errorf("%w: %s has %d", ErrInvalidConversionFactor, e.conv.Name, e.conv.QtyConversion)
		return 0, e.err
	}
	parent, err := h.resolve(Normalize(e.conv.Source), visiting)
	if err != nil {
		if errors.Is(err, ErrInvalidConversionFactor) {
			e.err = fmt.Errorf("%w: %s derives from %s", ErrInvalidConversionFactor, e.conv.Name, e.conv.Source)
			return 0, e.err
		}
		return 0, err
	}
	if parent > math.MaxInt64/e.conv.QtyConversion {
		e.err = fmt.Errorf("%w: %s overflows", ErrInvalidConversionFactor, e.conv.Name)
		return 0, e.err
	}
	e.factor = parent * e.conv.QtyConversion
	return e.factor, nil
}

// Len returns the number of units, valid or not.
func (h *Hierarchy) Len() int {
	return len(h.entries)
}

// Base returns the base conversion. ok is false for an empty hierarchy.
func (h *Hierarchy) Base() (Conversion, bool) {
	if h.base == "" {
		return Conversion{}, false
	}
	return h.entries[h.base].conv, true
}

// Lookup returns the conversion registered under name.
func (h *Hierarchy) Lookup(name string) (Conversion, bool) {
	e, ok := h.entries[Normalize(name)]
	if !ok {
		return Conversion{}, false
	}
	return e.conv, true
}

// FactorToBase returns how many base units one unit of name holds.
func (h *Hierarchy) FactorToBase(name string) (int64, error) {
	e, ok := h.entries[Normalize(name)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	}
	if e.err != nil {
		return 0, e.err
	}
	return e.factor, nil
}

// Invalid lists units excluded from quantity arithmetic along with the reason.
func (h *Hierarchy) Invalid() map[string]error {
	out := make(map[string]error)
	for _, e := range h.entries {
		if e.err != nil {
			out[e.conv.Name] = e.err
		}
	}
	return out
}

// Ordered returns the usable conversions from largest to smallest, base last.
func (h *Hierarchy) Ordered() []Conversion {
	out := make([]Conversion, 0, len(h.order))
	for _, key := range h.order {
		out = append(out, h.entries[key].conv)
	}
	return out
}
