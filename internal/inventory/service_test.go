package inventory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/kasir/internal/inventory/uom"
	"github.com/odyssey-erp/kasir/internal/platform/cache"
	"github.com/odyssey-erp/kasir/internal/shared"
)

type memoryRepo struct {
	variants map[int64]Variant
	cards    []StockCardEntry
	loads    int

	lastCardFilter StockCardFilter
	// conflicts makes the next commits lose a row-lock race.
	conflicts int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo(variants ...Variant) *memoryRepo {
	repo := &memoryRepo{variants: make(map[int64]Variant)}
	for _, v := range variants {
		repo.variants[v.ID] = v
	}
	return repo
}

// WithTx works on a copy so a failing callback leaves no trace.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	staged := &memoryRepo{variants: make(map[int64]Variant, len(r.variants)), cards: append([]StockCardEntry(nil), r.cards...)}
	for id, v := range r.variants {
		staged.variants[id] = v
	}
	if err := fn(ctx, &memoryTx{repo: staged}); err != nil {
		return err
	}
	if r.conflicts > 0 {
		r.conflicts--
		return fmt.Errorf("%w: could not serialize access", shared.ErrConcurrentUpdate)
	}
	r.variants = staged.variants
	r.cards = staged.cards
	return nil
}

func (r *memoryRepo) GetVariant(ctx context.Context, id int64) (Variant, error) {
	r.loads++
	v, ok := r.variants[id]
	if !ok {
		return Variant{}, ErrVariantNotFound
	}
	return v, nil
}

func (r *memoryRepo) ListVariantIDs(ctx context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(r.variants))
	for id := range r.variants {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *memoryRepo) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	r.lastCardFilter = filter
	result := make([]StockCardEntry, len(r.cards))
	copy(result, r.cards)
	return result, nil
}

func (tx *memoryTx) GetVariantForUpdate(ctx context.Context, id int64) (Variant, error) {
	v, ok := tx.repo.variants[id]
	if !ok {
		return Variant{}, ErrVariantNotFound
	}
	return v, nil
}

func (tx *memoryTx) UpdateQty(ctx context.Context, id, qty int64) error {
	v := tx.repo.variants[id]
	v.Qty = qty
	tx.repo.variants[id] = v
	return nil
}

func (tx *memoryTx) InsertVariant(ctx context.Context, v Variant) (int64, error) {
	var id int64
	for existing := range tx.repo.variants {
		id = max(id, existing)
	}
	v.ID = id + 1
	tx.repo.variants[v.ID] = v
	return v.ID, nil
}

func (tx *memoryTx) InsertCardEntry(ctx context.Context, variantID int64, card StockCardEntry, actorID int64) error {
	tx.repo.cards = append(tx.repo.cards, card)
	return nil
}

type memoryIdempotency struct {
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (m *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	m.logs = append(m.logs, log)
	return nil
}

func rice(qty int64) Variant {
	return Variant{
		ID:        1,
		ProductID: 10,
		Name:      "Beras 5kg",
		Qty:       qty,
		Units: []uom.Conversion{
			{Name: "Pcs", QtyConversion: 1, PurchasePrice: decimal.NewFromInt(1000), SalesPrice: decimal.NewFromInt(1500)},
			{Name: "Pack", QtyConversion: 5, Source: "Pcs", PurchasePrice: decimal.NewFromInt(4800), SalesPrice: decimal.NewFromInt(7000)},
			{Name: "Karung", QtyConversion: 50, Source: "Pack", PurchasePrice: decimal.NewFromInt(230000), SalesPrice: decimal.NewFromInt(340000)},
		},
	}
}

func TestGetVariantBreaksDownStock(t *testing.T) {
	svc := NewService(newMemoryRepo(rice(267)), nil, nil, nil, ServiceConfig{}, nil)

	view, err := svc.GetVariant(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "Pcs", view.BaseUnit)
	require.Equal(t, "1 Karung 3 Pack 2 Pcs", view.Display)
	require.Len(t, view.Breakdown, 3)

	_, err = svc.GetVariant(context.Background(), 99)
	require.ErrorIs(t, err, ErrVariantNotFound)
}

func TestQuotePriceFallsBackToBase(t *testing.T) {
	svc := NewService(newMemoryRepo(rice(0)), nil, nil, nil, ServiceConfig{}, nil)
	ctx := context.Background()

	quote, err := svc.QuotePrice(ctx, 1, "pack", uom.PriceSales)
	require.NoError(t, err)
	require.Equal(t, "Pack", quote.Unit)
	require.True(t, quote.Price.Equal(decimal.NewFromInt(7000)))
	require.False(t, quote.Fallback)

	quote, err = svc.QuotePrice(ctx, 1, "Dus", uom.PricePurchase)
	require.NoError(t, err)
	require.Equal(t, "Pcs", quote.Unit)
	require.True(t, quote.Price.Equal(decimal.NewFromInt(1000)))
	require.True(t, quote.Fallback)
}

func TestSaleAndPurchaseConvertUnits(t *testing.T) {
	repo := newMemoryRepo(rice(267))
	audit := &memoryAudit{}
	svc := NewService(repo, audit, nil, nil, ServiceConfig{}, nil)
	ctx := context.Background()

	entry, err := svc.RecordSale(ctx, MovementInput{VariantID: 1, Unit: "pack", Qty: 2, Note: "POS"})
	require.NoError(t, err)
	require.Equal(t, "Pack", entry.Unit)
	require.EqualValues(t, 10, entry.QtyOut)
	require.EqualValues(t, 257, entry.BalanceQty)

	entry, err = svc.RecordPurchase(ctx, MovementInput{VariantID: 1, Unit: "Karung", Qty: 1, Note: "PO"})
	require.NoError(t, err)
	require.EqualValues(t, 250, entry.QtyIn)
	require.EqualValues(t, 507, repo.variants[1].Qty)

	entry, err = svc.RecordSale(ctx, MovementInput{VariantID: 1, Qty: 7})
	require.NoError(t, err)
	require.Equal(t, "Pcs", entry.Unit)
	require.EqualValues(t, 500, entry.BalanceQty)

	require.Len(t, repo.cards, 3)
	require.Len(t, audit.logs, 3)
	require.Equal(t, "inventory:SALE", audit.logs[0].Action)
}

func TestNegativeStockGuard(t *testing.T) {
	repo := newMemoryRepo(rice(4))
	svc := NewService(repo, nil, nil, nil, ServiceConfig{}, nil)
	ctx := context.Background()

	_, err := svc.RecordSale(ctx, MovementInput{VariantID: 1, Unit: "Pack", Qty: 1})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.EqualValues(t, 4, repo.variants[1].Qty)
	require.Empty(t, repo.cards)

	lenient := NewService(repo, nil, nil, nil, ServiceConfig{AllowNegativeStock: true}, nil)
	entry, err := lenient.RecordSale(ctx, MovementInput{VariantID: 1, Unit: "Pack", Qty: 1})
	require.NoError(t, err)
	require.EqualValues(t, -1, entry.BalanceQty)

	view, err := lenient.GetVariant(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "-1 Pcs", view.Display)

	_, err = lenient.Breakdown(ctx, 1)
	require.ErrorIs(t, err, uom.ErrInvalidQuantity)
}

func TestMovementValidation(t *testing.T) {
	svc := NewService(newMemoryRepo(rice(10)), nil, nil, nil, ServiceConfig{}, nil)
	ctx := context.Background()

	_, err := svc.RecordSale(ctx, MovementInput{VariantID: 1, Qty: 0})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.RecordPurchase(ctx, MovementInput{VariantID: 1, Unit: "Dus", Qty: 1})
	require.ErrorIs(t, err, uom.ErrUnitNotFound)
	_, err = svc.RecordPurchase(ctx, MovementInput{VariantID: 2, Qty: 1})
	require.ErrorIs(t, err, ErrVariantNotFound)
}

func TestDuplicateCodeRejected(t *testing.T) {
	repo := newMemoryRepo(rice(100))
	idem := &memoryIdempotency{keys: map[string]bool{}}
	svc := NewService(repo, nil, idem, nil, ServiceConfig{}, nil)
	ctx := context.Background()

	_, err := svc.RecordSale(ctx, MovementInput{Code: "SO202405/000001", VariantID: 1, Qty: 5})
	require.NoError(t, err)
	_, err = svc.RecordSale(ctx, MovementInput{Code: "SO202405/000001", VariantID: 1, Qty: 5})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.EqualValues(t, 95, repo.variants[1].Qty)

	// a failed posting releases its key
	_, err = svc.RecordSale(ctx, MovementInput{Code: "SO202405/000002", VariantID: 1, Qty: 500})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.NotContains(t, idem.keys, "SALE:SO202405/000002:1")
}

func TestPostOpnameRecordsVariance(t *testing.T) {
	repo := newMemoryRepo(rice(267))
	svc := NewService(repo, nil, nil, nil, ServiceConfig{}, nil)
	svc.clock = func() time.Time { return time.Date(2024, 5, 31, 17, 0, 0, 0, time.UTC) }

	result, err := svc.PostOpname(context.Background(), OpnameInput{
		Code:      "OPN-05",
		VariantID: 1,
		Counted:   map[string]int64{"Karung": 1, "pack": 2, "Pcs": 4},
	})
	require.NoError(t, err)
	require.EqualValues(t, -3, result.Variance)
	require.EqualValues(t, 264, repo.variants[1].Qty)
	require.EqualValues(t, 3, result.Entry.QtyOut)
	require.EqualValues(t, 0, result.Entry.QtyIn)
	require.Equal(t, TransactionTypeOpname, result.Entry.TxType)
	require.Equal(t, []uom.Line{
		{Unit: "Karung", Qty: 1, Factor: 250},
		{Unit: "Pack", Qty: 2, Factor: 5},
		{Unit: "Pcs", Qty: 4, Factor: 1},
	}, result.After)

	_, err = svc.PostOpname(context.Background(), OpnameInput{VariantID: 1})
	require.ErrorIs(t, err, ErrEmptyCount)
	_, err = svc.PostOpname(context.Background(), OpnameInput{VariantID: 1, Counted: map[string]int64{"Pcs": -1}})
	require.ErrorIs(t, err, uom.ErrInvalidQuantity)
}

func TestVariantCacheInvalidatedByMovement(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMemoryRepo(rice(267))
	svc := NewService(repo, nil, nil, cache.NewJSONCache(client, "variants", time.Minute), ServiceConfig{}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		view, err := svc.GetVariant(ctx, 1)
		require.NoError(t, err)
		require.EqualValues(t, 267, view.Qty)
	}
	require.Equal(t, 1, repo.loads)

	_, err := svc.RecordSale(ctx, MovementInput{VariantID: 1, Qty: 17})
	require.NoError(t, err)

	b, err := svc.Breakdown(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 250, b.Qty)
	require.Equal(t, "1 Karung", b.String())
	require.Equal(t, 2, repo.loads)

	warmed, err := svc.WarmCache(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, warmed)
	require.Equal(t, 2, repo.loads)
}

func TestWarmCacheSkipsBrokenVariants(t *testing.T) {
	broken := Variant{ID: 2, Units: []uom.Conversion{{Name: "Pcs", QtyConversion: 1}, {Name: "pcs", QtyConversion: 1}}}
	svc := NewService(newMemoryRepo(rice(1), broken), nil, nil, nil, ServiceConfig{}, nil)

	warmed, err := svc.WarmCache(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, warmed)

	_, err = svc.GetVariant(context.Background(), 2)
	require.True(t, errors.Is(err, uom.ErrDuplicateUnit))
}

func TestMovementRetriesLostLockRace(t *testing.T) {
	repo := newMemoryRepo(rice(100))
	repo.conflicts = 2
	idem := &memoryIdempotency{keys: map[string]bool{}}
	svc := NewService(repo, nil, idem, nil, ServiceConfig{}, nil)
	ctx := context.Background()

	entry, err := svc.RecordSale(ctx, MovementInput{Code: "SO202405/000003", VariantID: 1, Unit: "Pack", Qty: 1})
	require.NoError(t, err)
	require.EqualValues(t, 95, entry.BalanceQty)
	require.EqualValues(t, 95, repo.variants[1].Qty)
	require.Len(t, repo.cards, 1)

	repo.conflicts = txAttempts
	_, err = svc.PostOpname(ctx, OpnameInput{Code: "OP-1", VariantID: 1, Counted: map[string]int64{"Pcs": 90}})
	require.ErrorIs(t, err, shared.ErrConcurrentUpdate)
	require.EqualValues(t, 95, repo.variants[1].Qty)
	require.NotContains(t, idem.keys, "OPNAME:OP-1:1")
}

func TestCreateVariantValidatesHierarchy(t *testing.T) {
	repo := newMemoryRepo(rice(0))
	audit := &memoryAudit{}
	svc := NewService(repo, audit, nil, nil, ServiceConfig{}, nil)
	ctx := context.Background()

	view, err := svc.CreateVariant(ctx, CreateVariantInput{
		ProductID: 11,
		Name:      " Gula 1kg ",
		Qty:       27,
		Units: []uom.Conversion{
			{Name: "Pcs", QtyConversion: 1, SalesPrice: decimal.NewFromInt(15000)},
			{Name: "Dus", QtyConversion: 12, Source: "Pcs", SalesPrice: decimal.NewFromInt(170000)},
		},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, view.ID)
	require.Equal(t, "Gula 1kg", view.Name)
	require.Equal(t, "Pcs", view.BaseUnit)
	require.Equal(t, "2 Dus 3 Pcs", view.Display)
	require.EqualValues(t, 27, repo.variants[2].Qty)
	require.Len(t, repo.cards, 1)
	require.EqualValues(t, 27, repo.cards[0].QtyIn)
	require.Len(t, audit.logs, 1)
	require.Equal(t, "inventory:CREATE", audit.logs[0].Action)

	cases := []struct {
		name  string
		units []uom.Conversion
		want  error
	}{
		{"two base units", []uom.Conversion{{Name: "Pcs", QtyConversion: 1}, {Name: "Kg", QtyConversion: 1}}, uom.ErrBaseUnit},
		{"duplicate", []uom.Conversion{{Name: "Pcs", QtyConversion: 1}, {Name: "PCS", QtyConversion: 2, Source: "Pcs"}}, uom.ErrDuplicateUnit},
		{"unknown source", []uom.Conversion{{Name: "Pcs", QtyConversion: 1}, {Name: "Dus", QtyConversion: 12, Source: "Pack"}}, uom.ErrUnknownSource},
		{"zero factor", []uom.Conversion{{Name: "Pcs", QtyConversion: 1}, {Name: "Dus", QtyConversion: 0, Source: "Pcs"}}, uom.ErrInvalidConversionFactor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateVariant(ctx, CreateVariantInput{ProductID: 11, Name: "Gula", Units: tc.units})
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Len(t, repo.variants, 2)

	_, err = svc.CreateVariant(ctx, CreateVariantInput{ProductID: 11, Name: "Gula", Qty: -1})
	require.ErrorIs(t, err, uom.ErrInvalidQuantity)
}
