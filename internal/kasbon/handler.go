package kasbon

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/kasir/internal/platform/httpx"
	"github.com/odyssey-erp/kasir/internal/shared"
)

// Handler wires HTTP endpoints for kasbon module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs kasbon handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: httpx.NewValidator()}
}

// MountRoutes registers kasbon routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/staff/{staffID}/kasbon", h.handleList)
	r.Post("/staff/{staffID}/kasbon", h.handleCreate)
	r.Post("/staff/{staffID}/kasbon/payments", h.handlePay)
	r.Put("/kasbon/{id}", h.handleEdit)
	r.Delete("/kasbon/{id}", h.handleDelete)
}

type recordRequest struct {
	Date    string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Nominal decimal.Decimal `json:"nominal"`
	Note    string          `json:"note" validate:"max=255"`
}

type paymentRequest struct {
	Date   string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note" validate:"max=255"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	staffID, ok := pathID(w, r, "staffID")
	if !ok {
		return
	}
	filter := ListFilter{StaffID: staffID}
	q := r.URL.Query()
	var err error
	if period := q.Get("period"); period != "" {
		filter.From, filter.To, err = shared.PeriodRange(period)
		if err == nil {
			filter.To = filter.To.Add(-time.Nanosecond)
		}
	} else {
		filter.From, filter.To, err = parseRange(q.Get("from"), q.Get("to"))
	}
	if err != nil {
		h.fail(w, "list kasbon", err)
		return
	}
	statement, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "list kasbon", err)
		return
	}
	httpx.JSON(w, http.StatusOK, statement)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	staffID, ok := pathID(w, r, "staffID")
	if !ok {
		return
	}
	var req recordRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, _ := parseDate(req.Date)
	rec, err := h.service.Record(r.Context(), RecordInput{
		StaffID: staffID,
		Date:    date,
		Nominal: req.Nominal,
		Note:    req.Note,
		ActorID: shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "create kasbon", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req recordRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, _ := parseDate(req.Date)
	rec, err := h.service.Edit(r.Context(), id, RecordInput{
		Date:    date,
		Nominal: req.Nominal,
		Note:    req.Note,
		ActorID: shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "edit kasbon", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.fail(w, "delete kasbon", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	staffID, ok := pathID(w, r, "staffID")
	if !ok {
		return
	}
	var req paymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, _ := parseDate(req.Date)
	receipt, err := h.service.Pay(r.Context(), PaymentInput{
		StaffID: staffID,
		Amount:  req.Amount,
		Date:    date,
		Note:    req.Note,
		ActorID: shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "pay kasbon", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receipt)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	if err := httpx.Validate(h.validate, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	mapped := mapError(err)
	if mapped == err || errors.Is(err, ErrHistoryMismatch) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+param)
		return 0, false
	}
	return id, true
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, s)
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	start, err := parseDate(from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from", shared.ErrInvalidPeriod)
	}
	end, err := parseDate(to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: to", shared.ErrInvalidPeriod)
	}
	if !end.IsZero() {
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	return start, end, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return fmt.Errorf("%w: %w", httpx.ErrNotFound, err)
	case errors.Is(err, ErrAmountExceedsDebt):
		return fmt.Errorf("%w: %w", httpx.ErrUnprocessable, err)
	case errors.Is(err, ErrRecordLocked), errors.Is(err, ErrHistoryMismatch), errors.Is(err, shared.ErrConcurrentUpdate):
		return fmt.Errorf("%w: %w", httpx.ErrConflict, err)
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrStaffRequired), errors.Is(err, shared.ErrInvalidPeriod):
		return fmt.Errorf("%w: %w", httpx.ErrValidation, err)
	default:
		return err
	}
}
