package kasbon

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/kasir/internal/shared"
)

type memoryRepo struct {
	records map[int64]Record
	nextID  int64
	// conflicts makes the next commits lose a row-lock race.
	conflicts int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[int64]Record)}
}

// WithTx stages changes on a copy and commits them only on success.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	staged := &memoryRepo{records: make(map[int64]Record, len(r.records)), nextID: r.nextID}
	for id, rec := range r.records {
		staged.records[id] = rec.clone()
	}
	if err := fn(ctx, &memoryTx{repo: staged}); err != nil {
		return err
	}
	if r.conflicts > 0 {
		r.conflicts--
		return fmt.Errorf("%w: could not serialize access", shared.ErrConcurrentUpdate)
	}
	r.records = staged.records
	r.nextID = staged.nextID
	return nil
}

func (r *memoryRepo) ListRecords(ctx context.Context, filter ListFilter) ([]Record, error) {
	var out []Record
	for _, rec := range r.records {
		if filter.StaffID > 0 && rec.StaffID != filter.StaffID {
			continue
		}
		if !filter.From.IsZero() && rec.Date.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && rec.Date.After(filter.To) {
			continue
		}
		out = append(out, rec.clone())
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Date.Equal(records[j].Date) {
			return records[i].ID < records[j].ID
		}
		return records[i].Date.Before(records[j].Date)
	})
}

func (tx *memoryTx) GetRecordForUpdate(ctx context.Context, id int64) (Record, error) {
	rec, ok := tx.repo.records[id]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec.clone(), nil
}

func (tx *memoryTx) ListOutstandingForUpdate(ctx context.Context, staffID int64) ([]Record, error) {
	var out []Record
	for _, rec := range tx.repo.records {
		if rec.StaffID == staffID && rec.TotalPaid.LessThan(rec.Nominal) {
			out = append(out, rec.clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (tx *memoryTx) InsertRecord(ctx context.Context, rec Record) (int64, error) {
	tx.repo.nextID++
	rec.ID = tx.repo.nextID
	tx.repo.records[rec.ID] = rec
	return rec.ID, nil
}

func (tx *memoryTx) UpdateRecord(ctx context.Context, rec Record) error {
	current, ok := tx.repo.records[rec.ID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.PaymentHistory = current.PaymentHistory
	tx.repo.records[rec.ID] = rec
	return nil
}

func (tx *memoryTx) DeleteRecord(ctx context.Context, id int64) error {
	delete(tx.repo.records, id)
	return nil
}

func (tx *memoryTx) InsertPayments(ctx context.Context, recordID int64, payments []Payment) error {
	rec := tx.repo.records[recordID]
	rec.PaymentHistory = append(rec.PaymentHistory, payments...)
	tx.repo.records[recordID] = rec
	return nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (m *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	m.logs = append(m.logs, log)
	return nil
}

var testNow = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

func newTestService(repo *memoryRepo, audit AuditPort) *Service {
	svc := NewService(repo, audit, nil)
	svc.clock = func() time.Time { return testNow }
	return svc
}

func seed(t *testing.T, svc *Service, staffID int64, date time.Time, nominal int64) Record {
	t.Helper()
	rec, err := svc.Record(context.Background(), RecordInput{StaffID: staffID, Date: date, Nominal: dec(nominal)})
	require.NoError(t, err)
	return rec
}

func TestPayAllocatesOldestFirstAndPersists(t *testing.T) {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	svc := newTestService(repo, audit)
	ctx := context.Background()

	newer := seed(t, svc, 7, day(2024, 2, 1), 100000)
	older := seed(t, svc, 7, day(2024, 1, 1), 50000)
	other := seed(t, svc, 8, day(2023, 12, 1), 10000)

	receipt, err := svc.Pay(ctx, PaymentInput{StaffID: 7, Amount: dec(80000), Note: "potong gaji"})
	require.NoError(t, err)
	require.Len(t, receipt.Applied, 2)
	require.Equal(t, older.ID, receipt.Applied[0].RecordID)
	require.True(t, receipt.Applied[0].Amount.Equal(dec(50000)))
	require.Equal(t, StatusPaidOff, receipt.Applied[0].Status)
	require.True(t, receipt.Applied[1].Amount.Equal(dec(30000)))
	require.True(t, receipt.Outstanding.Equal(dec(70000)))
	require.Equal(t, testNow, receipt.Date)

	paidNewer := repo.records[newer.ID]
	require.Equal(t, StatusPartial, paidNewer.Status())
	require.Len(t, paidNewer.PaymentHistory, 1)
	require.Equal(t, receipt.BatchID, paidNewer.PaymentHistory[0].BatchID)
	require.NoError(t, paidNewer.Verify())
	require.Equal(t, receipt.BatchID, repo.records[older.ID].PaymentHistory[0].BatchID)
	require.True(t, repo.records[other.ID].TotalPaid.IsZero())

	require.Equal(t, "kasbon:pay", audit.logs[len(audit.logs)-1].Action)
}

func TestPayRejectsOverLimitWithoutWriting(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	rec := seed(t, svc, 7, day(2024, 1, 1), 50000)

	_, err := svc.Pay(ctx, PaymentInput{StaffID: 7, Amount: dec(60000)})
	var exceeded *AmountExceedsDebtError
	require.ErrorAs(t, err, &exceeded)
	require.True(t, exceeded.Outstanding.Equal(dec(50000)))
	require.Empty(t, repo.records[rec.ID].PaymentHistory)

	_, err = svc.Pay(ctx, PaymentInput{StaffID: 9, Amount: dec(1)})
	require.ErrorIs(t, err, ErrAmountExceedsDebt)
	_, err = svc.Pay(ctx, PaymentInput{StaffID: 7, Amount: dec(0)})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Pay(ctx, PaymentInput{Amount: dec(10)})
	require.ErrorIs(t, err, ErrStaffRequired)
}

func TestPayRefusesDriftedHistory(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	rec := seed(t, svc, 7, day(2024, 1, 1), 50000)

	drifted := repo.records[rec.ID]
	drifted.TotalPaid = dec(1000)
	repo.records[rec.ID] = drifted

	_, err := svc.Pay(context.Background(), PaymentInput{StaffID: 7, Amount: dec(1000)})
	require.ErrorIs(t, err, ErrHistoryMismatch)

	report, err := svc.CheckIntegrity(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
	require.Len(t, report.Violations, 1)
	require.Equal(t, rec.ID, report.Violations[0].RecordID)
}

func TestEditAndDeleteOnlyWhileUnpaid(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	rec := seed(t, svc, 7, day(2024, 1, 1), 50000)

	edited, err := svc.Edit(ctx, rec.ID, RecordInput{Nominal: dec(60000), Note: "revisi"})
	require.NoError(t, err)
	require.True(t, edited.Nominal.Equal(dec(60000)))
	require.Equal(t, day(2024, 1, 1), edited.Date)

	_, err = svc.Edit(ctx, rec.ID, RecordInput{Nominal: dec(-1)})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Pay(ctx, PaymentInput{StaffID: 7, Amount: dec(100)})
	require.NoError(t, err)

	_, err = svc.Edit(ctx, rec.ID, RecordInput{Nominal: dec(70000)})
	require.ErrorIs(t, err, ErrRecordLocked)
	require.ErrorIs(t, svc.Delete(ctx, rec.ID, 0), ErrRecordLocked)

	fresh := seed(t, svc, 7, day(2024, 3, 1), 1000)
	require.NoError(t, svc.Delete(ctx, fresh.ID, 0))
	require.NotContains(t, repo.records, fresh.ID)
	require.ErrorIs(t, svc.Delete(ctx, fresh.ID, 0), ErrRecordNotFound)
}

func TestListFiltersByPeriod(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	seed(t, svc, 7, day(2024, 1, 15), 10000)
	seed(t, svc, 7, day(2024, 2, 15), 20000)
	seed(t, svc, 8, day(2024, 2, 16), 40000)

	statement, err := svc.List(ctx, ListFilter{StaffID: 7, From: day(2024, 2, 1), To: day(2024, 2, 29)})
	require.NoError(t, err)
	require.Len(t, statement.Records, 1)
	require.True(t, statement.Summary.Outstanding.Equal(dec(20000)))
	require.Equal(t, 1, statement.Summary.Unpaid)

	empty, err := svc.List(ctx, ListFilter{StaffID: 99})
	require.NoError(t, err)
	require.NotNil(t, empty.Records)

	_, err = svc.List(ctx, ListFilter{StaffID: 7, From: day(2024, 3, 1), To: day(2024, 2, 1)})
	require.ErrorIs(t, err, shared.ErrInvalidPeriod)
}

func TestRecordValidation(t *testing.T) {
	svc := newTestService(newMemoryRepo(), nil)
	_, err := svc.Record(context.Background(), RecordInput{StaffID: 1, Nominal: dec(0)})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Record(context.Background(), RecordInput{Nominal: dec(10)})
	require.ErrorIs(t, err, ErrStaffRequired)

	rec, err := svc.Record(context.Background(), RecordInput{StaffID: 1, Nominal: dec(10)})
	require.NoError(t, err)
	require.Equal(t, testNow, rec.Date)
	require.Equal(t, StatusUnpaid, rec.Status())
}

func TestPayRetriesLostLockRace(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	rec := seed(t, svc, 7, day(2024, 1, 1), 50000)

	repo.conflicts = 1
	receipt, err := svc.Pay(ctx, PaymentInput{StaffID: 7, Amount: dec(20000)})
	require.NoError(t, err)
	require.True(t, receipt.Outstanding.Equal(dec(30000)))
	require.Len(t, repo.records[rec.ID].PaymentHistory, 1)
	require.NoError(t, repo.records[rec.ID].Verify())

	repo.conflicts = txAttempts
	_, err = svc.Pay(ctx, PaymentInput{StaffID: 7, Amount: dec(10000)})
	require.ErrorIs(t, err, shared.ErrConcurrentUpdate)
	require.True(t, repo.records[rec.ID].TotalPaid.Equal(dec(20000)))

	fresh := seed(t, svc, 7, day(2024, 3, 1), 1000)
	repo.conflicts = txAttempts
	require.ErrorIs(t, svc.Delete(ctx, fresh.ID, 1), shared.ErrConcurrentUpdate)
	require.Contains(t, repo.records, fresh.ID)
}
