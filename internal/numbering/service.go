package numbering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/kasir/internal/shared"
)

// AssignmentStatus tracks whether a bound number belongs to a draft.
type AssignmentStatus string

const (
	// AssignmentDraft binds a consumed number to an unfinished document.
	AssignmentDraft AssignmentStatus = "DRAFT"
	// AssignmentFinal marks the number as permanently used.
	AssignmentFinal AssignmentStatus = "FINAL"
)

// Assignment binds a document reference to its number.
type Assignment struct {
	Kind        Kind             `json:"kind"`
	DocRef      string           `json:"doc_ref"`
	Number      string           `json:"number"`
	Status      AssignmentStatus `json:"status"`
	AssignedAt  time.Time        `json:"assigned_at"`
	FinalizedAt *time.Time       `json:"finalized_at,omitempty"`
}

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSequence(ctx context.Context, kind Kind) (Sequence, error)
	ListAssignments(ctx context.Context, kind Kind, from, to time.Time) ([]Assignment, error)
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetSequence(ctx context.Context, kind Kind) (Sequence, error)
	SaveSequence(ctx context.Context, seq Sequence) error
	GetAssignment(ctx context.Context, kind Kind, docRef string) (Assignment, error)
	SaveAssignment(ctx context.Context, a Assignment) error
	DeleteAssignment(ctx context.Context, kind Kind, docRef string) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	MaxRetries int
}

// Service owns the sequence counters. A brand-new draft consumes a number
// once; edits to that draft reuse it, and cancelling the draft recycles it.
type Service struct {
	repo       RepositoryPort
	audit      AuditPort
	logger     *slog.Logger
	maxRetries int
	clock      func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		audit:      audit,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// PeekNext returns the number the next document of kind would receive.
func (s *Service) PeekNext(ctx context.Context, kind Kind) (string, error) {
	seq, err := s.repo.GetSequence(ctx, kind)
	if err != nil {
		return "", err
	}
	return seq.PeekNext(s.clock()), nil
}

// Assign binds a number to a new draft. Calling it again for the same
// document returns the bound number without consuming another one.
func (s *Service) Assign(ctx context.Context, kind Kind, docRef string) (Assignment, error) {
	docRef = strings.TrimSpace(docRef)
	if docRef == "" {
		return Assignment{}, ErrDocRefRequired
	}
	var out Assignment
	err := s.retry(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetAssignment(ctx, kind, docRef)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrAssignmentNotFound) {
			return err
		}
		out, err = s.consume(ctx, tx, kind, docRef, AssignmentDraft)
		return err
	})
	if err != nil {
		return Assignment{}, err
	}
	s.recordAudit(ctx, "NUMBER_ASSIGN", out)
	return out, nil
}

// Finalize makes the document's number permanent, consuming one when the
// document was never drafted.
func (s *Service) Finalize(ctx context.Context, kind Kind, docRef string) (Assignment, error) {
	docRef = strings.TrimSpace(docRef)
	if docRef == "" {
		return Assignment{}, ErrDocRefRequired
	}
	var out Assignment
	err := s.retry(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetAssignment(ctx, kind, docRef)
		switch {
		case err == nil && existing.Status == AssignmentFinal:
			out = existing
			return nil
		case err == nil:
			now := s.clock()
			existing.Status = AssignmentFinal
			existing.FinalizedAt = &now
			out = existing
			return tx.SaveAssignment(ctx, existing)
		case errors.Is(err, ErrAssignmentNotFound):
			out, err = s.consume(ctx, tx, kind, docRef, AssignmentFinal)
			return err
		default:
			return err
		}
	})
	if err != nil {
		return Assignment{}, err
	}
	s.recordAudit(ctx, "NUMBER_FINALIZE", out)
	return out, nil
}

// Cancel releases a draft's number back to the recycled set.
func (s *Service) Cancel(ctx context.Context, kind Kind, docRef string) error {
	docRef = strings.TrimSpace(docRef)
	if docRef == "" {
		return ErrDocRefRequired
	}
	var released Assignment
	err := s.retry(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetAssignment(ctx, kind, docRef)
		if err != nil {
			return err
		}
		if existing.Status == AssignmentFinal {
			return fmt.Errorf("%w: %s", ErrAlreadyFinal, existing.Number)
		}
		seq, err := tx.GetSequence(ctx, kind)
		if err != nil {
			return err
		}
		next, err := seq.Recycle(existing.Number)
		if err != nil {
			return err
		}
		if err := tx.SaveSequence(ctx, next); err != nil {
			return err
		}
		released = existing
		return tx.DeleteAssignment(ctx, kind, docRef)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "NUMBER_RECYCLE", released)
	return nil
}

// List returns the numbers of kind bound during period (YYYY-MM). An empty
// period means the current month.
func (s *Service) List(ctx context.Context, kind Kind, period string) ([]Assignment, error) {
	from, to, err := shared.PeriodRange(period)
	if err != nil {
		return nil, err
	}
	if from.IsZero() {
		now := s.clock()
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		to = from.AddDate(0, 1, 0)
	}
	return s.repo.ListAssignments(ctx, kind, from, to)
}

func (s *Service) consume(ctx context.Context, tx TxRepository, kind Kind, docRef string, status AssignmentStatus) (Assignment, error) {
	seq, err := tx.GetSequence(ctx, kind)
	if err != nil {
		return Assignment{}, err
	}
	now := s.clock()
	number := seq.PeekNext(now)
	next, err := seq.Consume(number)
	if err != nil {
		return Assignment{}, err
	}
	if err := tx.SaveSequence(ctx, next); err != nil {
		return Assignment{}, err
	}
	a := Assignment{Kind: kind, DocRef: docRef, Number: number, Status: status, AssignedAt: now}
	if status == AssignmentFinal {
		a.FinalizedAt = &now
	}
	if err := tx.SaveAssignment(ctx, a); err != nil {
		return Assignment{}, err
	}
	return a, nil
}

func (s *Service) retry(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	var err error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err = s.repo.WithTx(ctx, fn)
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		s.logger.Warn("numbering version conflict, retrying", slog.Int("attempt", attempt))
	}
	return err
}

func (s *Service) recordAudit(ctx context.Context, action string, a Assignment) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "document_number",
		EntityID: a.Number,
		Meta:     map[string]any{"kind": string(a.Kind), "doc_ref": a.DocRef, "status": string(a.Status)},
	})
}
