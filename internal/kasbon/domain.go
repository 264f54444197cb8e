package kasbon

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is derived from a record's nominal and paid amounts.
type Status string

const (
	// StatusUnpaid means nothing has been repaid.
	StatusUnpaid Status = "UNPAID"
	// StatusPartial means some but not all of the nominal has been repaid.
	StatusPartial Status = "PARTIAL"
	// StatusPaidOff means the nominal has been repaid in full.
	StatusPaidOff Status = "PAID_OFF"
)

// Payment is one allocation of a repayment onto a record.
type Payment struct {
	BatchID uuid.UUID       `json:"batch_id"`
	Date    time.Time       `json:"date"`
	Amount  decimal.Decimal `json:"amount"`
	Note    string          `json:"note"`
}

// Record is a cash advance (kasbon) owed by a staff member.
type Record struct {
	ID             int64           `json:"id"`
	StaffID        int64           `json:"staff_id"`
	Date           time.Time       `json:"date"`
	Nominal        decimal.Decimal `json:"nominal"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	Note           string          `json:"note"`
	PaymentHistory []Payment       `json:"payment_history"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DeriveStatus applies the three-way status rule.
func DeriveStatus(nominal, paid decimal.Decimal) Status {
	switch {
	case !paid.IsPositive():
		return StatusUnpaid
	case paid.GreaterThanOrEqual(nominal):
		return StatusPaidOff
	default:
		return StatusPartial
	}
}

// Status returns the status derived from the record's amounts.
func (r Record) Status() Status {
	return DeriveStatus(r.Nominal, r.TotalPaid)
}

// Outstanding returns the remaining balance, never negative.
func (r Record) Outstanding() decimal.Decimal {
	owed := r.Nominal.Sub(r.TotalPaid)
	if owed.IsNegative() {
		return decimal.Zero
	}
	return owed
}

// Verify checks that the payment history adds up to TotalPaid and that the
// record is not overpaid.
func (r Record) Verify() error {
	sum := decimal.Zero
	for _, p := range r.PaymentHistory {
		sum = sum.Add(p.Amount)
	}
	if !sum.Equal(r.TotalPaid) {
		return fmt.Errorf("%w: record %d history %s total_paid %s", ErrHistoryMismatch, r.ID, sum, r.TotalPaid)
	}
	if r.TotalPaid.GreaterThan(r.Nominal) {
		return fmt.Errorf("%w: record %d paid %s of %s", ErrHistoryMismatch, r.ID, r.TotalPaid, r.Nominal)
	}
	return nil
}

func (r Record) clone() Record {
	out := r
	out.PaymentHistory = append([]Payment(nil), r.PaymentHistory...)
	return out
}

// Summary aggregates a staff member's records.
type Summary struct {
	Nominal     decimal.Decimal `json:"nominal"`
	Paid        decimal.Decimal `json:"paid"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Unpaid      int             `json:"unpaid"`
	Partial     int             `json:"partial"`
	PaidOff     int             `json:"paid_off"`
}

// Summarize totals records by amount and status.
func Summarize(records []Record) Summary {
	s := Summary{Nominal: decimal.Zero, Paid: decimal.Zero, Outstanding: decimal.Zero}
	for _, r := range records {
		s.Nominal = s.Nominal.Add(r.Nominal)
		s.Paid = s.Paid.Add(r.TotalPaid)
		s.Outstanding = s.Outstanding.Add(r.Outstanding())
		switch r.Status() {
		case StatusUnpaid:
			s.Unpaid++
		case StatusPartial:
			s.Partial++
		case StatusPaidOff:
			s.PaidOff++
		}
	}
	return s
}

// RecordInput creates or edits a record.
type RecordInput struct {
	StaffID int64
	Date    time.Time
	Nominal decimal.Decimal
	Note    string
	ActorID int64
}

// PaymentInput requests a repayment spread over outstanding records.
type PaymentInput struct {
	StaffID int64
	Amount  decimal.Decimal
	Date    time.Time
	Note    string
	ActorID int64
}

// ListFilter narrows record listings to a staff member and period.
type ListFilter struct {
	StaffID int64
	From    time.Time
	To      time.Time
}

var (
	// ErrInvalidAmount indicates a payment or nominal that is zero or negative.
	ErrInvalidAmount = errors.New("kasbon: amount must be positive")
	// ErrAmountExceedsDebt indicates a payment larger than the outstanding balance.
	ErrAmountExceedsDebt = errors.New("kasbon: amount exceeds outstanding debt")
	// ErrHistoryMismatch indicates payment history and total paid have drifted.
	ErrHistoryMismatch = errors.New("kasbon: payment history does not match total paid")
	// ErrRecordLocked indicates an edit or delete on a record that has payments.
	ErrRecordLocked = errors.New("kasbon: record already has payments")
	// ErrRecordNotFound indicates a missing record.
	ErrRecordNotFound = errors.New("kasbon: record not found")
)

// AmountExceedsDebtError reports the outstanding total so callers can show it.
type AmountExceedsDebtError struct {
	Requested   decimal.Decimal
	Outstanding decimal.Decimal
}

func (e *AmountExceedsDebtError) Error() string {
	return fmt.Sprintf("%s: requested %s, outstanding %s", ErrAmountExceedsDebt, e.Requested, e.Outstanding)
}

// Is matches ErrAmountExceedsDebt.
func (e *AmountExceedsDebtError) Is(target error) bool {
	return target == ErrAmountExceedsDebt
}

// ProblemExtra exposes the amounts to API clients.
func (e *AmountExceedsDebtError) ProblemExtra() map[string]any {
	return map[string]any{"requested": e.Requested.String(), "outstanding": e.Outstanding.String()}
}
