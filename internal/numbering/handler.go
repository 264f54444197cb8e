package numbering

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/kasir/internal/platform/httpx"
	"github.com/odyssey-erp/kasir/internal/shared"
)

// Handler wires HTTP endpoints for document numbering.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs numbering handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: httpx.NewValidator()}
}

// MountRoutes registers numbering routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{kind}", h.handleList)
	r.Get("/{kind}/next", h.handleNext)
	r.Post("/{kind}/assign", h.handleAssign)
	r.Post("/{kind}/finalize", h.handleFinalize)
	r.Post("/{kind}/cancel", h.handleCancel)
}

type docRequest struct {
	DocRef string `json:"doc_ref" validate:"required,max=64"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	list, err := h.service.List(r.Context(), kind, r.URL.Query().Get("period"))
	if err != nil {
		h.fail(w, "list numbers", err)
		return
	}
	if list == nil {
		list = []Assignment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"kind": kind, "numbers": list})
}

func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	number, err := h.service.PeekNext(r.Context(), kind)
	if err != nil {
		h.fail(w, "peek number", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"kind": kind, "number": number})
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	kind, req, ok := h.decode(w, r)
	if !ok {
		return
	}
	a, err := h.service.Assign(r.Context(), kind, req.DocRef)
	if err != nil {
		h.fail(w, "assign number", err)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	kind, req, ok := h.decode(w, r)
	if !ok {
		return
	}
	a, err := h.service.Finalize(r.Context(), kind, req.DocRef)
	if err != nil {
		h.fail(w, "finalize number", err)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	kind, req, ok := h.decode(w, r)
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), kind, req.DocRef); err != nil {
		h.fail(w, "cancel number", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) kind(w http.ResponseWriter, r *http.Request) (Kind, bool) {
	kind, err := ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return "", false
	}
	return kind, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (Kind, docRequest, bool) {
	var req docRequest
	kind, ok := h.kind(w, r)
	if !ok {
		return "", req, false
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return "", req, false
	}
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return "", req, false
	}
	return kind, req, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	mapped := mapError(err)
	if mapped == err || errors.Is(err, ErrVersionConflict) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrAssignmentNotFound):
		return fmt.Errorf("%w: %w", httpx.ErrNotFound, err)
	case errors.Is(err, ErrAlreadyFinal), errors.Is(err, ErrVersionConflict), errors.Is(err, ErrUnknownNumber):
		return fmt.Errorf("%w: %w", httpx.ErrConflict, err)
	case errors.Is(err, ErrInvalidKind), errors.Is(err, ErrMalformedNumber), errors.Is(err, ErrDocRefRequired), errors.Is(err, shared.ErrInvalidPeriod):
		return fmt.Errorf("%w: %w", httpx.ErrValidation, err)
	default:
		return err
	}
}
