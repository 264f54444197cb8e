package kasbon

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Applied records how much of a payment landed on one record.
type Applied struct {
	RecordID int64           `json:"record_id"`
	Index    int             `json:"-"`
	Amount   decimal.Decimal `json:"amount"`
	Status   Status          `json:"status"`
}

// Allocation is the outcome of Allocate. Records holds copies of every input
// record in input order, with paid records updated.
type Allocation struct {
	Records   []Record        `json:"records"`
	Applied   []Applied       `json:"applied"`
	Remainder decimal.Decimal `json:"remainder"`
}

// TotalOutstanding sums the remaining balance of records.
func TotalOutstanding(records []Record) decimal.Decimal {
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Outstanding())
	}
	return total
}

// Allocate spreads amount over records with a positive balance, oldest first,
// never applying more than a record still owes. Input is validated before any
// record is touched and the inputs themselves are never modified.
func Allocate(records []Record, amount decimal.Decimal, date time.Time, note string) (Allocation, error) {
	if !amount.IsPositive() {
		return Allocation{}, ErrInvalidAmount
	}
	outstanding := TotalOutstanding(records)
	if amount.GreaterThan(outstanding) {
		return Allocation{}, &AmountExceedsDebtError{Requested: amount, Outstanding: outstanding}
	}

	out := Allocation{Records: make([]Record, len(records)), Remainder: amount}
	open := make([]int, 0, len(records))
	for i, r := range records {
		out.Records[i] = r.clone()
		if r.Outstanding().IsPositive() {
			open = append(open, i)
		}
	}
	sort.SliceStable(open, func(a, b int) bool {
		return records[open[a]].Date.Before(records[open[b]].Date)
	})

	for _, idx := range open {
		if !out.Remainder.IsPositive() {
			break
		}
		rec := &out.Records[idx]
		applied := decimal.Min(out.Remainder, rec.Outstanding())
		rec.TotalPaid = rec.TotalPaid.Add(applied)
		rec.PaymentHistory = append(rec.PaymentHistory, Payment{Date: date, Amount: applied, Note: note})
		out.Remainder = out.Remainder.Sub(applied)
		out.Applied = append(out.Applied, Applied{RecordID: rec.ID, Index: idx, Amount: applied, Status: rec.Status()})
	}
	return out, nil
}
