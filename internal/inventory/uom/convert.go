package uom

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Line is the share of a breakdown held in one unit.
type Line struct {
	Unit   string `json:"unit"`
	Qty    int64  `json:"qty"`
	Factor int64  `json:"factor"`
}

// Breakdown splits a base quantity across the hierarchy, largest unit first.
type Breakdown struct {
	Qty   int64  `json:"qty"`
	Lines []Line `json:"lines"`
}

// Map returns the breakdown keyed by unit name.
func (b Breakdown) Map() map[string]int64 {
	out := make(map[string]int64, len(b.Lines))
	for _, l := range b.Lines {
		out[l.Unit] = l.Qty
	}
	return out
}

// Total recomputes the base quantity represented by the lines.
func (b Breakdown) Total() int64 {
	var total int64
	for _, l := range b.Lines {
		total += l.Qty * l.Factor
	}
	return total
}

// String renders non-zero lines, e.g. "1 Karung 3 Pack 2 Pcs".
func (b Breakdown) String() string {
	parts := make([]string, 0, len(b.Lines)*2)
	for _, l := range b.Lines {
		if l.Qty == 0 {
			continue
		}
		parts = append(parts, strconv.FormatInt(l.Qty, 10), l.Unit)
	}
	if len(parts) == 0 && len(b.Lines) > 0 {
		last := b.Lines[len(b.Lines)-1]
		return "0 " + last.Unit
	}
	return strings.Join(parts, " ")
}

// Breakdown walks the usable units from largest to smallest, giving each
// floor(remainder/factor) and passing the rest down. The base unit absorbs the
// final remainder.
func (h *Hierarchy) Breakdown(qty int64) (Breakdown, error) {
	if qty < 0 {
		return Breakdown{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, qty)
	}
	out := Breakdown{Qty: qty, Lines: make([]Line, 0, len(h.order))}
	remainder := qty
	for _, key := range h.order {
		e := h.entries[key]
		if key == h.base {
			out.Lines = append(out.Lines, Line{Unit: e.conv.Name, Qty: remainder, Factor: 1})
			remainder = 0
			continue
		}
		out.Lines = append(out.Lines, Line{Unit: e.conv.Name, Qty: remainder / e.factor, Factor: e.factor})
		remainder %= e.factor
	}
	return out, nil
}

// ToBase converts qty expressed in unit into base units.
func (h *Hierarchy) ToBase(qty int64, unit string) (int64, error) {
	if qty < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQuantity, qty)
	}
	factor, err := h.FactorToBase(unit)
	if err != nil {
		return 0, err
	}
	if qty > math.MaxInt64/factor {
		return 0, fmt.Errorf("%w: %d %s overflows", ErrInvalidQuantity, qty, unit)
	}
	return qty * factor, nil
}

// Compose is the inverse of Breakdown: it sums counted quantities per unit
// into base units. Used when a physical count is entered per packaging unit.
func (h *Hierarchy) Compose(counts map[string]int64) (int64, error) {
	var total int64
	for unit, qty := range counts {
		base, err := h.ToBase(qty, unit)
		if err != nil {
			return 0, err
		}
		if total > math.MaxInt64-base {
			return 0, fmt.Errorf("%w: total overflows", ErrInvalidQuantity)
		}
		total += base
	}
	return total, nil
}

// Price returns the stored price of unit. When the unit is unknown the base
// unit's price is returned and matched is false.
func (h *Hierarchy) Price(unit string, kind PriceKind) (price decimal.Decimal, matched bool, err error) {
	if e, ok := h.entries[Normalize(unit)]; ok {
		price, err = e.conv.Price(kind)
		return price, err == nil, err
	}
	base, ok := h.Base()
	if !ok {
		return decimal.Zero, false, fmt.Errorf("%w: %s", ErrUnitNotFound, unit)
	}
	price, err = base.Price(kind)
	return price, false, err
}

// BreakdownUnits converts qty for the given conversions. An empty unit list
// yields an empty breakdown.
func BreakdownUnits(qty int64, units []Conversion) (Breakdown, error) {
	if qty < 0 {
		return Breakdown{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, qty)
	}
	h, err := NewHierarchy(units)
	if err != nil {
		return Breakdown{}, err
	}
	return h.Breakdown(qty)
}

// ConvertPrice returns the per-unit price stored for unitName, falling back
// to the base unit when no conversion matches.
func ConvertPrice(units []Conversion, unitName string, kind PriceKind) (decimal.Decimal, error) {
	h, err := NewHierarchy(units)
	if err != nil {
		return decimal.Zero, err
	}
	price, _, err := h.Price(unitName, kind)
	return price, err
}
