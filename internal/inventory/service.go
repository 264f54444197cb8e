package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/kasir/internal/inventory/uom"
	"github.com/odyssey-erp/kasir/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetVariant(ctx context.Context, id int64) (Variant, error)
	ListVariantIDs(ctx context.Context) ([]int64, error)
	GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards movement codes against double posting.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// CachePort is the read-through cache for variant views.
type CachePort interface {
	Key(ctx context.Context, parts ...string) (string, error)
	Fetch(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context) error
}

const txAttempts = 3

// Service coordinates inventory operations.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	cache       CachePort
	allowNeg    bool
	logger      *slog.Logger
	clock       func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, cache CachePort, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		cache:       cache,
		allowNeg:    cfg.AllowNegativeStock,
		logger:      logger,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// GetVariant returns the variant with its stock broken down per unit.
func (s *Service) GetVariant(ctx context.Context, id int64) (VariantView, error) {
	if id <= 0 {
		return VariantView{}, ErrVariantNotFound
	}
	if s.cache == nil {
		return s.loadView(ctx, id)
	}
	key, err := s.cache.Key(ctx, "variant", strconv.FormatInt(id, 10))
	if err != nil {
		s.logger.Warn("variant cache unavailable", slog.Any("error", err))
		return s.loadView(ctx, id)
	}
	var view VariantView
	err = s.cache.Fetch(ctx, key, &view, func(ctx context.Context) (any, error) {
		return s.loadView(ctx, id)
	})
	return view, err
}

func (s *Service) loadView(ctx context.Context, id int64) (VariantView, error) {
	variant, err := s.repo.GetVariant(ctx, id)
	if err != nil {
		return VariantView{}, err
	}
	return buildView(variant)
}

func buildView(v Variant) (VariantView, error) {
	h, err := v.Hierarchy()
	if err != nil {
		return VariantView{}, fmt.Errorf("inventory: variant %d: %w", v.ID, err)
	}
	view := VariantView{Variant: v}
	if base, ok := h.Base(); ok {
		view.BaseUnit = base.Name
	}
	if invalid := h.Invalid(); len(invalid) > 0 {
		view.InvalidUnits = make(map[string]string, len(invalid))
		for name, err := range invalid {
			view.InvalidUnits[name] = err.Error()
		}
	}
	if v.Qty < 0 {
		view.Display = fmt.Sprintf("%d %s", v.Qty, view.BaseUnit)
		return view, nil
	}
	b, err := h.Breakdown(v.Qty)
	if err != nil {
		return VariantView{}, err
	}
	view.Breakdown = b.Lines
	view.Display = b.String()
	return view, nil
}

// CreateVariant validates the unit table and stores a new variant. Units the
// hierarchy would exclude from quantity arithmetic are rejected here rather
// than persisted.
func (s *Service) CreateVariant(ctx context.Context, input CreateVariantInput) (VariantView, error) {
	if input.Qty < 0 {
		return VariantView{}, fmt.Errorf("%w: %d", uom.ErrInvalidQuantity, input.Qty)
	}
	h, err := uom.NewHierarchy(input.Units)
	if err != nil {
		return VariantView{}, err
	}
	if invalid := h.Invalid(); len(invalid) > 0 {
		names := make([]string, 0, len(invalid))
		for name := range invalid {
			names = append(names, name)
		}
		sort.Strings(names)
		return VariantView{}, invalid[names[0]]
	}

	now := s.clock()
	variant := Variant{
		ProductID: input.ProductID,
		Name:      strings.TrimSpace(input.Name),
		Qty:       input.Qty,
		Units:     input.Units,
		UpdatedAt: now,
	}
	var opening StockCardEntry
	err = s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertVariant(ctx, variant)
		if err != nil {
			return err
		}
		variant.ID = id
		if variant.Qty == 0 {
			return nil
		}
		base, _ := h.Base()
		opening = StockCardEntry{
			TxCode:     fmt.Sprintf("OPENING-%d", id),
			TxType:     TransactionTypeOpname,
			PostedAt:   now,
			Unit:       base.Name,
			UnitQty:    variant.Qty,
			QtyIn:      variant.Qty,
			BalanceQty: variant.Qty,
			Note:       "opening stock",
		}
		return tx.InsertCardEntry(ctx, id, opening, input.ActorID)
	})
	if err != nil {
		return VariantView{}, err
	}
	if s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil {
			s.logger.Warn("bump variant cache", slog.Any("error", err))
		}
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "inventory:CREATE",
			Entity:   "inventory_variant",
			EntityID: strconv.FormatInt(variant.ID, 10),
			Meta: map[string]any{
				"product_id": variant.ProductID,
				"name":       variant.Name,
				"qty":        variant.Qty,
				"units":      len(variant.Units),
			},
		})
	}
	return buildView(variant)
}

// Breakdown returns the variant's stock expressed in its packaging units.
func (s *Service) Breakdown(ctx context.Context, id int64) (uom.Breakdown, error) {
	view, err := s.GetVariant(ctx, id)
	if err != nil {
		return uom.Breakdown{}, err
	}
	if view.Qty < 0 {
		return uom.Breakdown{}, fmt.Errorf("%w: %d", uom.ErrInvalidQuantity, view.Qty)
	}
	return uom.Breakdown{Qty: view.Qty, Lines: view.Breakdown}, nil
}

// QuotePrice returns the stored price for one unit of the variant.
func (s *Service) QuotePrice(ctx context.Context, id int64, unit string, kind uom.PriceKind) (PriceQuote, error) {
	view, err := s.GetVariant(ctx, id)
	if err != nil {
		return PriceQuote{}, err
	}
	h, err := view.Hierarchy()
	if err != nil {
		return PriceQuote{}, err
	}
	price, matched, err := h.Price(unit, kind)
	if err != nil {
		return PriceQuote{}, err
	}
	quote := PriceQuote{VariantID: id, Unit: unit, Kind: kind, Price: price, Fallback: !matched}
	if c, ok := h.Lookup(unit); ok {
		quote.Unit = c.Name
	} else if base, ok := h.Base(); ok {
		quote.Unit = base.Name
	}
	return quote, nil
}

// RecordSale removes stock sold in any unit.
func (s *Service) RecordSale(ctx context.Context, input MovementInput) (StockCardEntry, error) {
	if input.Qty <= 0 {
		return StockCardEntry{}, ErrInvalidQuantity
	}
	return s.postMovement(ctx, TransactionTypeSale, input)
}

// RecordPurchase adds stock received in any unit.
func (s *Service) RecordPurchase(ctx context.Context, input MovementInput) (StockCardEntry, error) {
	if input.Qty <= 0 {
		return StockCardEntry{}, ErrInvalidQuantity
	}
	return s.postMovement(ctx, TransactionTypePurchase, input)
}

// PostOpname overwrites stock with a physical count and records the variance.
func (s *Service) PostOpname(ctx context.Context, input OpnameInput) (OpnameResult, error) {
	if input.VariantID <= 0 {
		return OpnameResult{}, ErrVariantNotFound
	}
	if len(input.Counted) == 0 {
		return OpnameResult{}, ErrEmptyCount
	}
	now := s.clock()
	code := movementCode(input.Code, TransactionTypeOpname, now)
	key := fmt.Sprintf("%s:%s:%d", TransactionTypeOpname, code, input.VariantID)
	release, err := s.claim(ctx, key)
	if err != nil {
		return OpnameResult{}, err
	}

	var result OpnameResult
	err = s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result = OpnameResult{}
		variant, err := tx.GetVariantForUpdate(ctx, input.VariantID)
		if err != nil {
			return err
		}
		h, err := variant.Hierarchy()
		if err != nil {
			return err
		}
		counted, err := h.Compose(input.Counted)
		if err != nil {
			return err
		}
		if variant.Qty >= 0 {
			before, err := h.Breakdown(variant.Qty)
			if err != nil {
				return err
			}
			result.Before = before.Lines
		}
		after, err := h.Breakdown(counted)
		if err != nil {
			return err
		}
		result.After = after.Lines
		result.Variance = counted - variant.Qty

		if err := tx.UpdateQty(ctx, variant.ID, counted); err != nil {
			return err
		}
		base, _ := h.Base()
		result.Entry = StockCardEntry{
			TxCode:     code,
			TxType:     TransactionTypeOpname,
			PostedAt:   now,
			Unit:       base.Name,
			UnitQty:    counted,
			QtyIn:      max(result.Variance, 0),
			QtyOut:     max(-result.Variance, 0),
			BalanceQty: counted,
			Note:       input.Note,
		}
		return tx.InsertCardEntry(ctx, variant.ID, result.Entry, input.ActorID)
	})
	if err != nil {
		release()
		return OpnameResult{}, err
	}
	s.afterMovement(ctx, input.VariantID, input.ActorID, result.Entry)
	return result, nil
}

// GetStockCard lists stock card entries.
func (s *Service) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	if filter.VariantID <= 0 {
		return nil, ErrVariantNotFound
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, shared.ErrInvalidPeriod
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 200
	}
	return s.repo.GetStockCard(ctx, filter)
}

// WarmCache loads every variant view into the cache and returns how many
// were warmed. Variants with a broken hierarchy are logged and skipped.
func (s *Service) WarmCache(ctx context.Context) (int, error) {
	ids, err := s.repo.ListVariantIDs(ctx)
	if err != nil {
		return 0, err
	}
	warmed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return warmed, err
		}
		if _, err := s.GetVariant(ctx, id); err != nil {
			s.logger.Warn("warm variant", slog.Int64("variant_id", id), slog.Any("error", err))
			continue
		}
		warmed++
	}
	return warmed, nil
}

func (s *Service) postMovement(ctx context.Context, txType TransactionType, input MovementInput) (StockCardEntry, error) {
	if input.VariantID <= 0 {
		return StockCardEntry{}, ErrVariantNotFound
	}
	now := s.clock()
	code := movementCode(input.Code, txType, now)
	key := fmt.Sprintf("%s:%s:%d", txType, code, input.VariantID)
	release, err := s.claim(ctx, key)
	if err != nil {
		return StockCardEntry{}, err
	}

	var card StockCardEntry
	err = s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		variant, err := tx.GetVariantForUpdate(ctx, input.VariantID)
		if err != nil {
			return err
		}
		unit, baseQty, err := toBase(variant, input.Unit, input.Qty)
		if err != nil {
			return err
		}
		change := baseQty
		if txType == TransactionTypeSale {
			change = -baseQty
		}
		newQty := variant.Qty + change
		if !s.allowNeg && newQty < 0 {
			return fmt.Errorf("%w: %d on hand, %d requested", ErrNegativeStock, variant.Qty, baseQty)
		}
		if err := tx.UpdateQty(ctx, variant.ID, newQty); err != nil {
			return err
		}
		card = StockCardEntry{
			TxCode:     code,
			TxType:     txType,
			PostedAt:   now,
			Unit:       unit,
			UnitQty:    input.Qty,
			QtyIn:      max(change, 0),
			QtyOut:     max(-change, 0),
			BalanceQty: newQty,
			Note:       input.Note,
		}
		return tx.InsertCardEntry(ctx, variant.ID, card, input.ActorID)
	})
	if err != nil {
		release()
		return StockCardEntry{}, err
	}
	s.afterMovement(ctx, input.VariantID, input.ActorID, card)
	return card, nil
}

// inTx runs fn in a transaction, retrying when it loses a row-lock race
// to another cashier.
func (s *Service) inTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return shared.RetryOnConflict(ctx, txAttempts, func() error {
		return s.repo.WithTx(ctx, fn)
	})
}

// toBase converts qty of unit into base units. Variants without a unit table
// only accept base quantities.
func toBase(v Variant, unit string, qty int64) (string, int64, error) {
	h, err := v.Hierarchy()
	if err != nil {
		return "", 0, err
	}
	if strings.TrimSpace(unit) == "" {
		base, _ := h.Base()
		return base.Name, qty, nil
	}
	c, ok := h.Lookup(unit)
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", uom.ErrUnitNotFound, unit)
	}
	baseQty, err := h.ToBase(qty, unit)
	if err != nil {
		return "", 0, err
	}
	return c.Name, baseQty, nil
}

// claim reserves an idempotency key and returns a func that releases it.
func (s *Service) claim(ctx context.Context, key string) (func(), error) {
	if s.idempotency == nil {
		return func() {}, nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
		return nil, err
	}
	return func() {
		if err := s.idempotency.Delete(ctx, key); err != nil {
			s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}

func (s *Service) afterMovement(ctx context.Context, variantID, actorID int64, card StockCardEntry) {
	if s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil {
			s.logger.Warn("bump variant cache", slog.Any("error", err))
		}
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   fmt.Sprintf("inventory:%s", card.TxType),
			Entity:   "inventory_variant",
			EntityID: strconv.FormatInt(variantID, 10),
			Meta: map[string]any{
				"code":     card.TxCode,
				"unit":     card.Unit,
				"unit_qty": card.UnitQty,
				"qty_in":   card.QtyIn,
				"qty_out":  card.QtyOut,
				"balance":  card.BalanceQty,
				"note":     card.Note,
			},
		})
	}
}

func movementCode(code string, txType TransactionType, now time.Time) string {
	if code = strings.TrimSpace(code); code != "" {
		return code
	}
	return fmt.Sprintf("%s-%d", txType, now.UnixNano())
}
