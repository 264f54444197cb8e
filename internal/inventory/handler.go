package inventory

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

	"github.com/odyssey-erp/kasir/internal/inventory/uom"
	"github.com/odyssey-erp/kasir/internal/platform/httpx"
	"github.com/odyssey-erp/kasir/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: httpx.NewValidator()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGetVariant)
	r.Get("/{id}/price", h.handlePrice)
	r.Get("/{id}/stock-card", h.handleStockCard)
	r.Post("/{id}/sales", h.handleMovement(TransactionTypeSale))
	r.Post("/{id}/purchases", h.handleMovement(TransactionTypePurchase))
	r.Post("/{id}/opname", h.handleOpname)
}

type movementRequest struct {
	Code string `json:"code"`
	Unit string `json:"unit"`
	Qty  int64  `json:"qty" validate:"gt=0"`
	Note string `json:"note"`
}

type unitRequest struct {
	Name          string          `json:"name" validate:"required"`
	QtyConversion int64           `json:"qty_conversion"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	SalesPrice    decimal.Decimal `json:"sales_price"`
	Source        string          `json:"source"`
}

type createVariantRequest struct {
	ProductID int64         `json:"product_id" validate:"gt=0"`
	Name      string        `json:"name" validate:"required"`
	Qty       int64         `json:"qty" validate:"gte=0"`
	Units     []unitRequest `json:"units" validate:"dive"`
}

type opnameRequest struct {
	Code    string           `json:"code"`
	Counted map[string]int64 `json:"counted" validate:"required,min=1,dive,gte=0"`
	Note    string           `json:"note"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createVariantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	units := make([]uom.Conversion, 0, len(req.Units))
	for _, u := range req.Units {
		units = append(units, uom.Conversion{
			Name:          u.Name,
			QtyConversion: u.QtyConversion,
			PurchasePrice: u.PurchasePrice,
			SalesPrice:    u.SalesPrice,
			Source:        u.Source,
		})
	}
	view, err := h.service.CreateVariant(r.Context(), CreateVariantInput{
		ProductID: req.ProductID,
		Name:      req.Name,
		Qty:       req.Qty,
		Units:     units,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "create variant", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, view)
}

func (h *Handler) handleGetVariant(w http.ResponseWriter, r *http.Request) {
	id, ok := variantID(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetVariant(r.Context(), id)
	if err != nil {
		h.fail(w, "get variant", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handlePrice(w http.ResponseWriter, r *http.Request) {
	id, ok := variantID(w, r)
	if !ok {
		return
	}
	kind := uom.PriceKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = uom.PriceSales
	}
	quote, err := h.service.QuotePrice(r.Context(), id, r.URL.Query().Get("unit"), kind)
	if err != nil {
		h.fail(w, "quote price", err)
		return
	}
	httpx.JSON(w, http.StatusOK, quote)
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	id, ok := variantID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := StockCardFilter{VariantID: id}
	var err error
	if from := q.Get("from"); from != "" {
		if filter.From, err = time.Parse(time.DateOnly, from); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
			return
		}
	}
	if to := q.Get("to"); to != "" {
		if filter.To, err = time.Parse(time.DateOnly, to); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
			return
		}
		// Set to end of day
		filter.To = filter.To.Add(24*time.Hour - time.Nanosecond)
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		p := shared.NewPagination(page, filter.Limit, 0)
		filter.Limit, filter.Offset = p.PerPage, p.Offset()
	}
	entries, err := h.service.GetStockCard(r.Context(), filter)
	if err != nil {
		h.fail(w, "get stock card", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"variant_id": id, "entries": entries})
}

func (h *Handler) handleMovement(txType TransactionType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := variantID(w, r)
		if !ok {
			return
		}
		var req movementRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
			return
		}
		if err := httpx.Validate(h.validate, req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		input := MovementInput{
			Code:      req.Code,
			VariantID: id,
			Unit:      req.Unit,
			Qty:       req.Qty,
			Note:      req.Note,
			ActorID:   shared.ActorFromContext(r.Context()),
		}
		var entry StockCardEntry
		var err error
		if txType == TransactionTypeSale {
			entry, err = h.service.RecordSale(r.Context(), input)
		} else {
			entry, err = h.service.RecordPurchase(r.Context(), input)
		}
		if err != nil {
			h.fail(w, "post movement", err)
			return
		}
		httpx.JSON(w, http.StatusCreated, entry)
	}
}

func (h *Handler) handleOpname(w http.ResponseWriter, r *http.Request) {
	id, ok := variantID(w, r)
	if !ok {
		return
	}
	var req opnameRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.PostOpname(r.Context(), OpnameInput{
		Code:      req.Code,
		VariantID: id,
		Counted:   req.Counted,
		Note:      req.Note,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "post opname", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	mapped := mapError(err)
	if mapped == err {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func variantID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid variant id")
		return 0, false
	}
	return id, true
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrVariantNotFound):
		return fmt.Errorf("%w: %w", httpx.ErrNotFound, err)
	case errors.Is(err, ErrNegativeStock):
		return fmt.Errorf("%w: %w", httpx.ErrUnprocessable, err)
	case errors.Is(err, shared.ErrIdempotencyConflict), errors.Is(err, shared.ErrConcurrentUpdate):
		return fmt.Errorf("%w: %w", httpx.ErrConflict, err)
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrEmptyCount),
		errors.Is(err, shared.ErrInvalidPeriod),
		errors.Is(err, uom.ErrInvalidQuantity),
		errors.Is(err, uom.ErrUnitNotFound),
		errors.Is(err, uom.ErrInvalidPriceKind):
		return fmt.Errorf("%w: %w", httpx.ErrValidation, err)
	case errors.Is(err, uom.ErrInvalidConversionFactor),
		errors.Is(err, uom.ErrDuplicateUnit),
		errors.Is(err, uom.ErrBaseUnit),
		errors.Is(err, uom.ErrUnknownSource),
		errors.Is(err, uom.ErrCyclicHierarchy):
		return fmt.Errorf("%w: %w", httpx.ErrUnprocessable, err)
	default:
		return err
	}
}
