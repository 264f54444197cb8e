package numbering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/kasir/internal/platform/db"
)

// Repository persists sequences and assignments in PostgreSQL. Sequence rows
// are guarded by their version column rather than row locks.
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

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// WithTx runs fn in a repeatable-read transaction. Serialization failures
// surface as ErrVersionConflict so the service retries them.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %w", ErrVersionConflict, err)
	}
	return err
}

// GetSequence reads the sequence, creating it on first use.
func (r *Repository) GetSequence(ctx context.Context, kind Kind) (Sequence, error) {
	return getSequence(ctx, r.pool, kind)
}

func (r *txRepo) GetSequence(ctx context.Context, kind Kind) (Sequence, error) {
	return getSequence(ctx, r.tx, kind)
}

func (r *txRepo) SaveSequence(ctx context.Context, seq Sequence) error {
	tag, err := r.tx.Exec(ctx, `UPDATE document_sequences
SET counter = $2, recycled = $3, version = version + 1
WHERE kind = $1 AND version = $4`, string(seq.Kind), seq.Counter, recycledParam(seq), seq.Version)
	if err != nil {
		if db.IsSerializationFailure(err) {
			return fmt.Errorf("%w: %w", ErrVersionConflict, err)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s version %d", ErrVersionConflict, seq.Kind, seq.Version)
	}
	return nil
}

func (r *txRepo) GetAssignment(ctx context.Context, kind Kind, docRef string) (Assignment, error) {
	var a Assignment
	var status string
	err := r.tx.QueryRow(ctx, `SELECT kind, doc_ref, number, status, assigned_at, finalized_at
FROM document_numbers WHERE kind = $1 AND doc_ref = $2`, string(kind), docRef).
		Scan((*string)(&a.Kind), &a.DocRef, &a.Number, &status, &a.AssignedAt, &a.FinalizedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, fmt.Errorf("%w: %s %s", ErrAssignmentNotFound, kind, docRef)
		}
		return Assignment{}, err
	}
	a.Status = AssignmentStatus(status)
	return a, nil
}

func (r *txRepo) SaveAssignment(ctx context.Context, a Assignment) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO document_numbers (kind, doc_ref, number, status, assigned_at, finalized_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (kind, doc_ref) DO UPDATE SET status = EXCLUDED.status, finalized_at = EXCLUDED.finalized_at`,
		string(a.Kind), a.DocRef, a.Number, string(a.Status), a.AssignedAt, a.FinalizedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s already bound", ErrVersionConflict, a.Number)
	}
	return err
}

func (r *txRepo) DeleteAssignment(ctx context.Context, kind Kind, docRef string) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM document_numbers WHERE kind = $1 AND doc_ref = $2`, string(kind), docRef)
	return err
}

func getSequence(ctx context.Context, q queryRower, kind Kind) (Sequence, error) {
	if _, err := q.Exec(ctx, `INSERT INTO document_sequences (kind) VALUES ($1) ON CONFLICT (kind) DO NOTHING`, string(kind)); err != nil {
		return Sequence{}, err
	}
	seq := Sequence{Kind: kind}
	err := q.QueryRow(ctx, `SELECT counter, recycled, version FROM document_sequences WHERE kind = $1`, string(kind)).
		Scan(&seq.Counter, &seq.Recycled, &seq.Version)
	if err != nil {
		return Sequence{}, err
	}
	return seq, nil
}

// ListAssignments returns bound numbers of kind assigned in [from, to).
func (r *Repository) ListAssignments(ctx context.Context, kind Kind, from, to time.Time) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT kind, doc_ref, number, status, assigned_at, finalized_at
FROM document_numbers WHERE kind = $1 AND assigned_at >= $2 AND assigned_at < $3 ORDER BY number`, string(kind), from, to)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Assignment, error) {
		var a Assignment
		var status string
		err := row.Scan((*string)(&a.Kind), &a.DocRef, &a.Number, &status, &a.AssignedAt, &a.FinalizedAt)
		a.Status = AssignmentStatus(status)
		return a, err
	})
}

func recycledParam(seq Sequence) []string {
	if seq.Recycled == nil {
		return []string{}
	}
	return seq.Recycled
}
