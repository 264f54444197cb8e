package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/kasir/internal/inventory/uom"
	"github.com/odyssey-erp/kasir/internal/platform/db"
)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	GetVariantForUpdate(ctx context.Context, id int64) (Variant, error)
	UpdateQty(ctx context.Context, id, qty int64) error
	InsertCardEntry(ctx context.Context, variantID int64, card StockCardEntry, actorID int64) error
	InsertVariant(ctx context.Context, v Variant) (int64, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetVariant loads a variant and its unit table.
func (r *Repository) GetVariant(ctx context.Context, id int64) (Variant, error) {
	return loadVariant(ctx, r.pool, id, false)
}

// ListVariantIDs returns every variant id in ascending order.
func (r *Repository) ListVariantIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM inventory_variants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// GetStockCard lists movements newest first.
func (r *Repository) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	var from, to *time.Time
	if !filter.From.IsZero() {
		from = &filter.From
	}
	if !filter.To.IsZero() {
		to = &filter.To
	}
	rows, err := r.pool.Query(ctx, `SELECT tx_code, tx_type, posted_at, unit, unit_qty, qty_in, qty_out, balance_qty, note
FROM inventory_stock_card
WHERE variant_id = $1
  AND ($2::timestamptz IS NULL OR posted_at >= $2)
  AND ($3::timestamptz IS NULL OR posted_at <= $3)
ORDER BY posted_at DESC, id DESC
LIMIT $4 OFFSET $5`, filter.VariantID, from, to, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []StockCardEntry
	for rows.Next() {
		var entry StockCardEntry
		var txType string
		if err := rows.Scan(&entry.TxCode, &txType, &entry.PostedAt, &entry.Unit, &entry.UnitQty, &entry.QtyIn, &entry.QtyOut, &entry.BalanceQty, &entry.Note); err != nil {
			return nil, err
		}
		entry.TxType = TransactionType(txType)
		cards = append(cards, entry)
	}
	return cards, rows.Err()
}

func (r *txRepo) GetVariantForUpdate(ctx context.Context, id int64) (Variant, error) {
	return loadVariant(ctx, r.tx, id, true)
}

func (r *txRepo) UpdateQty(ctx context.Context, id, qty int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE inventory_variants SET qty = $2, updated_at = NOW() WHERE id = $1`, id, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrVariantNotFound, id)
	}
	return nil
}

func (r *txRepo) InsertCardEntry(ctx context.Context, variantID int64, card StockCardEntry, actorID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_stock_card
(variant_id, tx_code, tx_type, unit, unit_qty, qty_in, qty_out, balance_qty, note, actor_id, posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		variantID, card.TxCode, string(card.TxType), card.Unit, card.UnitQty, card.QtyIn, card.QtyOut, card.BalanceQty, card.Note, actorID, card.PostedAt)
	return err
}

func (r *txRepo) InsertVariant(ctx context.Context, v Variant) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_variants (product_id, name, qty, updated_at)
VALUES ($1, $2, $3, $4) RETURNING id`, v.ProductID, v.Name, v.Qty, v.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	batch := &pgx.Batch{}
	for _, c := range v.Units {
		batch.Queue(`INSERT INTO inventory_unit_conversions (variant_id, name, qty_conversion, purchase_price, sales_price, source)
VALUES ($1, $2, $3, $4, $5, $6)`, id, c.Name, c.QtyConversion, c.PurchasePrice, c.SalesPrice, c.Source)
	}
	if err := r.tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, err
	}
	return id, nil
}

func loadVariant(ctx context.Context, q querier, id int64, lock bool) (Variant, error) {
	query := `SELECT id, product_id, name, qty, updated_at FROM inventory_variants WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var v Variant
	err := q.QueryRow(ctx, query, id).Scan(&v.ID, &v.ProductID, &v.Name, &v.Qty, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Variant{}, fmt.Errorf("%w: %d", ErrVariantNotFound, id)
		}
		return Variant{}, err
	}
	rows, err := q.Query(ctx, `SELECT name, qty_conversion, purchase_price, sales_price, source
FROM inventory_unit_conversions WHERE variant_id = $1 ORDER BY name`, id)
	if err != nil {
		return Variant{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var c uom.Conversion
		if err := rows.Scan(&c.Name, &c.QtyConversion, &c.PurchasePrice, &c.SalesPrice, &c.Source); err != nil {
			return Variant{}, err
		}
		v.Units = append(v.Units, c)
	}
	return v, rows.Err()
}
