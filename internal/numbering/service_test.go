package numbering

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	sequences   map[Kind]Sequence
	assignments map[string]Assignment
	conflicts   int
	saves       int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{sequences: make(map[Kind]Sequence), assignments: make(map[string]Assignment)}
}

type memoryTx struct {
	repo *memoryRepo
}

func assignmentKey(kind Kind, docRef string) string {
	return string(kind) + ":" + docRef
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetSequence(ctx context.Context, kind Kind) (Sequence, error) {
	if seq, ok := r.sequences[kind]; ok {
		return seq, nil
	}
	return NewSequence(kind), nil
}

func (r *memoryRepo) ListAssignments(ctx context.Context, kind Kind, from, to time.Time) ([]Assignment, error) {
	var out []Assignment
	for _, a := range r.assignments {
		if a.Kind == kind && !a.AssignedAt.Before(from) && a.AssignedAt.Before(to) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (tx *memoryTx) GetSequence(ctx context.Context, kind Kind) (Sequence, error) {
	return tx.repo.GetSequence(ctx, kind)
}

func (tx *memoryTx) SaveSequence(ctx context.Context, seq Sequence) error {
	if tx.repo.conflicts > 0 {
		tx.repo.conflicts--
		return ErrVersionConflict
	}
	current, _ := tx.repo.GetSequence(ctx, seq.Kind)
	if current.Version != seq.Version {
		return ErrVersionConflict
	}
	seq.Version++
	tx.repo.sequences[seq.Kind] = seq
	tx.repo.saves++
	return nil
}

func (tx *memoryTx) GetAssignment(ctx context.Context, kind Kind, docRef string) (Assignment, error) {
	a, ok := tx.repo.assignments[assignmentKey(kind, docRef)]
	if !ok {
		return Assignment{}, ErrAssignmentNotFound
	}
	return a, nil
}

func (tx *memoryTx) SaveAssignment(ctx context.Context, a Assignment) error {
	tx.repo.assignments[assignmentKey(a.Kind, a.DocRef)] = a
	return nil
}

func (tx *memoryTx) DeleteAssignment(ctx context.Context, kind Kind, docRef string) error {
	delete(tx.repo.assignments, assignmentKey(kind, docRef))
	return nil
}

func newTestService(repo *memoryRepo) *Service {
	svc := NewService(repo, nil, nil, ServiceConfig{MaxRetries: 3})
	svc.clock = func() time.Time { return time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC) }
	return svc
}

func TestAssignConsumesOncePerDraft(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	peek, err := svc.PeekNext(ctx, KindSales)
	require.NoError(t, err)
	require.Equal(t, "SO202405/000001", peek)

	first, err := svc.Assign(ctx, KindSales, "cart-1")
	require.NoError(t, err)
	require.Equal(t, "SO202405/000001", first.Number)
	require.Equal(t, AssignmentDraft, first.Status)

	again, err := svc.Assign(ctx, KindSales, "cart-1")
	require.NoError(t, err)
	require.Equal(t, first.Number, again.Number)
	require.EqualValues(t, 2, repo.sequences[KindSales].Counter)

	second, err := svc.Assign(ctx, KindSales, "cart-2")
	require.NoError(t, err)
	require.Equal(t, "SO202405/000002", second.Number)
}

func TestFinalizeDraftDoesNotConsumeAgain(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Assign(ctx, KindPurchase, "po-1")
	require.NoError(t, err)
	final, err := svc.Finalize(ctx, KindPurchase, "po-1")
	require.NoError(t, err)
	require.Equal(t, AssignmentFinal, final.Status)
	require.NotNil(t, final.FinalizedAt)
	require.EqualValues(t, 2, repo.sequences[KindPurchase].Counter)

	direct, err := svc.Finalize(ctx, KindPurchase, "po-cash")
	require.NoError(t, err)
	require.Equal(t, "PO202405/000002", direct.Number)
	require.EqualValues(t, 3, repo.sequences[KindPurchase].Counter)
}

func TestCancelRecyclesNumber(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	a, err := svc.Assign(ctx, KindSales, "cart-1")
	require.NoError(t, err)
	_, err = svc.Assign(ctx, KindSales, "cart-2")
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, KindSales, "cart-1"))
	peek, err := svc.PeekNext(ctx, KindSales)
	require.NoError(t, err)
	require.Equal(t, a.Number, peek)

	reused, err := svc.Assign(ctx, KindSales, "cart-3")
	require.NoError(t, err)
	require.Equal(t, a.Number, reused.Number)
	require.EqualValues(t, 3, repo.sequences[KindSales].Counter)
	require.Empty(t, repo.sequences[KindSales].Recycled)

	require.ErrorIs(t, svc.Cancel(ctx, KindSales, "missing"), ErrAssignmentNotFound)

	_, err = svc.Finalize(ctx, KindSales, "cart-2")
	require.NoError(t, err)
	require.ErrorIs(t, svc.Cancel(ctx, KindSales, "cart-2"), ErrAlreadyFinal)
}

func TestAssignRetriesOnConflict(t *testing.T) {
	repo := newMemoryRepo()
	repo.conflicts = 2
	svc := newTestService(repo)

	a, err := svc.Assign(context.Background(), KindSales, "cart-1")
	require.NoError(t, err)
	require.Equal(t, "SO202405/000001", a.Number)
	require.Equal(t, 1, repo.saves)

	repo.conflicts = 5
	_, err = svc.Assign(context.Background(), KindSales, "cart-2")
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestAssignRequiresDocRef(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	_, err := svc.Assign(context.Background(), KindSales, "  ")
	require.ErrorIs(t, err, ErrDocRefRequired)
	require.ErrorIs(t, svc.Cancel(context.Background(), KindSales, ""), ErrDocRefRequired)
}

func TestListByPeriod(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Assign(ctx, KindSales, "cart-2")
	require.NoError(t, err)
	_, err = svc.Assign(ctx, KindSales, "cart-1")
	require.NoError(t, err)
	_, err = svc.Assign(ctx, KindPurchase, "po-1")
	require.NoError(t, err)

	current, err := svc.List(ctx, KindSales, "")
	require.NoError(t, err)
	require.Len(t, current, 2)
	require.Equal(t, "cart-2", current[0].DocRef)

	previous, err := svc.List(ctx, KindSales, "2024-04")
	require.NoError(t, err)
	require.Empty(t, previous)

	_, err = svc.List(ctx, KindSales, "April")
	require.Error(t, err)
}
