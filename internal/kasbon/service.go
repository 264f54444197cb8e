package kasbon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/kasir/internal/shared"
)

// ErrStaffRequired indicates a request without a staff member.
var ErrStaffRequired = errors.New("kasbon: staff required")

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListRecords(ctx context.Context, filter ListFilter) ([]Record, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	GetRecordForUpdate(ctx context.Context, id int64) (Record, error)
	ListOutstandingForUpdate(ctx context.Context, staffID int64) ([]Record, error)
	InsertRecord(ctx context.Context, rec Record) (int64, error)
	UpdateRecord(ctx context.Context, rec Record) error
	DeleteRecord(ctx context.Context, id int64) error
	InsertPayments(ctx context.Context, recordID int64, payments []Payment) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Statement is a staff member's records for a period with their totals.
type Statement struct {
	StaffID int64    `json:"staff_id"`
	Records []Record `json:"records"`
	Summary Summary  `json:"summary"`
}

// Receipt describes one repayment and where it landed.
type Receipt struct {
	BatchID     uuid.UUID       `json:"batch_id"`
	StaffID     int64           `json:"staff_id"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	Applied     []Applied       `json:"applied"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

// Violation is a record whose history disagrees with its total.
type Violation struct {
	RecordID int64  `json:"record_id"`
	StaffID  int64  `json:"staff_id"`
	Error    string `json:"error"`
}

// IntegrityReport summarises a full history check.
type IntegrityReport struct {
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations"`
}

const txAttempts = 3

// Service manages cash advances and their repayments.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
	clock  func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, clock: func() time.Time { return time.Now().UTC() }}
}

// Record creates a new unpaid advance.
func (s *Service) Record(ctx context.Context, input RecordInput) (Record, error) {
	if input.StaffID <= 0 {
		return Record{}, ErrStaffRequired
	}
	if !input.Nominal.IsPositive() {
		return Record{}, ErrInvalidAmount
	}
	now := s.clock()
	rec := Record{
		StaffID:   input.StaffID,
		Date:      s.dateOrNow(input.Date),
		Nominal:   input.Nominal,
		TotalPaid: decimal.Zero,
		Note:      input.Note,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertRecord(ctx, rec)
		if err != nil {
			return err
		}
		rec.ID = id
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	s.recordAudit(ctx, input.ActorID, "kasbon:create", rec, map[string]any{"nominal": rec.Nominal.String()})
	return rec, nil
}

// Edit changes amount, date and note of a record that has no payments yet.
func (s *Service) Edit(ctx context.Context, id int64, input RecordInput) (Record, error) {
	if !input.Nominal.IsPositive() {
		return Record{}, ErrInvalidAmount
	}
	var rec Record
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetRecordForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status() != StatusUnpaid || len(current.PaymentHistory) > 0 {
			return fmt.Errorf("%w: record %d is %s", ErrRecordLocked, id, current.Status())
		}
		current.Nominal = input.Nominal
		if !input.Date.IsZero() {
			current.Date = input.Date
		}
		current.Note = input.Note
		current.UpdatedAt = s.clock()
		rec = current
		return tx.UpdateRecord(ctx, current)
	})
	if err != nil {
		return Record{}, err
	}
	s.recordAudit(ctx, input.ActorID, "kasbon:edit", rec, map[string]any{"nominal": rec.Nominal.String()})
	return rec, nil
}

// Delete removes a record that has never been repaid.
func (s *Service) Delete(ctx context.Context, id, actorID int64) error {
	var rec Record
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetRecordForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.TotalPaid.IsPositive() || len(current.PaymentHistory) > 0 {
			return fmt.Errorf("%w: record %d has %d payments", ErrRecordLocked, id, len(current.PaymentHistory))
		}
		rec = current
		return tx.DeleteRecord(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "kasbon:delete", rec, nil)
	return nil
}

// List returns a staff member's records within the filter period, oldest
// first, with their summary.
func (s *Service) List(ctx context.Context, filter ListFilter) (Statement, error) {
	if filter.StaffID <= 0 {
		return Statement{}, ErrStaffRequired
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return Statement{}, shared.ErrInvalidPeriod
	}
	records, err := s.repo.ListRecords(ctx, filter)
	if err != nil {
		return Statement{}, err
	}
	for _, r := range records {
		if err := r.Verify(); err != nil {
			s.logger.Error("kasbon history drift", slog.Int64("record_id", r.ID), slog.Any("error", err))
		}
	}
	if records == nil {
		records = []Record{}
	}
	return Statement{StaffID: filter.StaffID, Records: records, Summary: Summarize(records)}, nil
}

// Pay allocates a repayment over the staff member's open records, oldest
// first, and persists the result atomically.
func (s *Service) Pay(ctx context.Context, input PaymentInput) (Receipt, error) {
	if input.StaffID <= 0 {
		return Receipt{}, ErrStaffRequired
	}
	if !input.Amount.IsPositive() {
		return Receipt{}, ErrInvalidAmount
	}
	receipt := Receipt{
		BatchID: uuid.New(),
		StaffID: input.StaffID,
		Amount:  input.Amount,
		Date:    s.dateOrNow(input.Date),
	}
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		open, err := tx.ListOutstandingForUpdate(ctx, input.StaffID)
		if err != nil {
			return err
		}
		for _, r := range open {
			if err := r.Verify(); err != nil {
				return err
			}
		}
		alloc, err := Allocate(open, input.Amount, receipt.Date, input.Note)
		if err != nil {
			return err
		}
		now := s.clock()
		for _, applied := range alloc.Applied {
			rec := alloc.Records[applied.Index]
			last := len(rec.PaymentHistory) - 1
			rec.PaymentHistory[last].BatchID = receipt.BatchID
			rec.UpdatedAt = now
			if err := tx.UpdateRecord(ctx, rec); err != nil {
				return err
			}
			if err := tx.InsertPayments(ctx, rec.ID, rec.PaymentHistory[last:]); err != nil {
				return err
			}
		}
		receipt.Applied = alloc.Applied
		receipt.Outstanding = TotalOutstanding(alloc.Records)
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "kasbon:pay",
			Entity:   "kasbon_payment",
			EntityID: receipt.BatchID.String(),
			Meta: map[string]any{
				"staff_id":    input.StaffID,
				"amount":      input.Amount.String(),
				"records":     len(receipt.Applied),
				"outstanding": receipt.Outstanding.String(),
			},
		})
	}
	return receipt, nil
}

// CheckIntegrity verifies every record's history against its total.
func (s *Service) CheckIntegrity(ctx context.Context) (IntegrityReport, error) {
	records, err := s.repo.ListRecords(ctx, ListFilter{})
	if err != nil {
		return IntegrityReport{}, err
	}
	report := IntegrityReport{Checked: len(records)}
	for _, r := range records {
		if err := r.Verify(); err != nil {
			report.Violations = append(report.Violations, Violation{RecordID: r.ID, StaffID: r.StaffID, Error: err.Error()})
		}
	}
	return report, nil
}

// inTx runs fn in a transaction, retrying when a concurrent payment or edit
// on the same records wins the lock.
func (s *Service) inTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return shared.RetryOnConflict(ctx, txAttempts, func() error {
		return s.repo.WithTx(ctx, fn)
	})
}

func (s *Service) dateOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return s.clock()
	}
	return t
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, rec Record, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["staff_id"] = rec.StaffID
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "kasbon_record",
		EntityID: strconv.FormatInt(rec.ID, 10),
		Meta:     meta,
	})
}
