package kasbon

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/kasir/internal/platform/db"
)

// Repository persists kasbon data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

const recordColumns = `id, staff_id, date, nominal, total_paid, note, created_at, updated_at`

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// ListRecords returns records oldest first. A zero StaffID lists every staff
// member and zero bounds leave the period open.
func (r *Repository) ListRecords(ctx context.Context, filter ListFilter) ([]Record, error) {
	var args []any
	query := `SELECT ` + recordColumns + ` FROM kasbon_records WHERE TRUE`
	if filter.StaffID > 0 {
		args = append(args, filter.StaffID)
		query += fmt.Sprintf(` AND staff_id = $%d`, len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(` AND date >= $%d`, len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(` AND date <= $%d`, len(args))
	}
	query += ` ORDER BY date, id`
	return queryRecords(ctx, r.pool, query, args...)
}

func (r *txRepo) GetRecordForUpdate(ctx context.Context, id int64) (Record, error) {
	records, err := queryRecords(ctx, r.tx, `SELECT `+recordColumns+` FROM kasbon_records WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	return records[0], nil
}

func (r *txRepo) ListOutstandingForUpdate(ctx context.Context, staffID int64) ([]Record, error) {
	return queryRecords(ctx, r.tx, `SELECT `+recordColumns+` FROM kasbon_records
WHERE staff_id = $1 AND total_paid < nominal
ORDER BY date, id FOR UPDATE`, staffID)
}

func (r *txRepo) InsertRecord(ctx context.Context, rec Record) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO kasbon_records (staff_id, date, nominal, total_paid, status, note, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		rec.StaffID, rec.Date, rec.Nominal, rec.TotalPaid, string(rec.Status()), rec.Note, rec.CreatedAt, rec.UpdatedAt).Scan(&id)
	return id, err
}

// UpdateRecord writes the amounts and the status derived from them.
func (r *txRepo) UpdateRecord(ctx context.Context, rec Record) error {
	tag, err := r.tx.Exec(ctx, `UPDATE kasbon_records
SET date = $2, nominal = $3, total_paid = $4, status = $5, note = $6, updated_at = $7
WHERE id = $1`, rec.ID, rec.Date, rec.Nominal, rec.TotalPaid, string(rec.Status()), rec.Note, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrRecordNotFound, rec.ID)
	}
	return nil
}

func (r *txRepo) DeleteRecord(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM kasbon_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	return nil
}

func (r *txRepo) InsertPayments(ctx context.Context, recordID int64, payments []Payment) error {
	batch := &pgx.Batch{}
	for _, p := range payments {
		batch.Queue(`INSERT INTO kasbon_payments (record_id, batch_id, paid_at, amount, note) VALUES ($1, $2, $3, $4, $5)`,
			recordID, p.BatchID, p.Date, p.Amount, p.Note)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryRecords(ctx context.Context, q rowQuerier, query string, args ...any) ([]Record, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.ID, &rec.StaffID, &rec.Date, &rec.Nominal, &rec.TotalPaid, &rec.Note, &rec.CreatedAt, &rec.UpdatedAt)
		return rec, err
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}
	ids := make([]int64, len(records))
	index := make(map[int64]int, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		index[rec.ID] = i
	}
	payRows, err := q.Query(ctx, `SELECT record_id, batch_id, paid_at, amount, note
FROM kasbon_payments WHERE record_id = ANY($1) ORDER BY record_id, id`, ids)
	if err != nil {
		return nil, err
	}
	defer payRows.Close()
	for payRows.Next() {
		var recordID int64
		var p Payment
		if err := payRows.Scan(&recordID, &p.BatchID, &p.Date, &p.Amount, &p.Note); err != nil {
			return nil, err
		}
		i, ok := index[recordID]
		if !ok {
			return nil, errors.New("kasbon: payment for unknown record")
		}
		records[i].PaymentHistory = append(records[i].PaymentHistory, p)
	}
	return records, payRows.Err()
}
