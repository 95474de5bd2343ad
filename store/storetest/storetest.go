// Package storetest is a conformance suite for creditledger.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditledger"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) creditledger.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises every Tx method and a full ledger scenario against the
// store returned by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("WorkspaceRoundTrip", func(t *testing.T) { testWorkspaceRoundTrip(t, newStore(t)) })
	t.Run("AllocationQueries", func(t *testing.T) { testAllocationQueries(t, newStore(t)) })
	t.Run("ExpiredAllocations", func(t *testing.T) { testExpiredAllocations(t, newStore(t)) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("RefundMarks", func(t *testing.T) { testRefundMarks(t, newStore(t)) })
	t.Run("Holds", func(t *testing.T) { testHolds(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, newStore(t)) })
	t.Run("LedgerScenario", func(t *testing.T) { testLedgerScenario(t, newStore(t)) })
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// AssertDecimal compares decimals by value, ignoring scale.
func AssertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func inTx(t *testing.T, s creditledger.Store, fn func(tx creditledger.Tx) error) {
	t.Helper()
	require.NoError(t, s.InTx(context.Background(), fn))
}

func seedWorkspace(t *testing.T, s creditledger.Store, id string) {
	t.Helper()
	inTx(t, s, func(tx creditledger.Tx) error {
		created, err := tx.InsertWorkspace(context.Background(), creditledger.WorkspaceCredits{
			WorkspaceID:       id,
			ReportBalance:     decimal.Zero,
			FullBalance:       decimal.Zero,
			ReportRolloverCap: decimal.Zero,
			FullRolloverCap:   decimal.Zero,
			CreatedAt:         base,
			UpdatedAt:         base,
		})
		assert.True(t, created)
		return err
	})
}

func lot(ws string, c creditledger.Category, amount, remaining string, expiresAt *time.Time, createdAt time.Time) creditledger.Allocation {
	return creditledger.Allocation{
		ID:                uuid.New().String(),
		WorkspaceID:       ws,
		Type:              creditledger.AllocationPack,
		Category:          c,
		Amount:            dec(amount),
		Remaining:         dec(remaining),
		ExpiresAt:         expiresAt,
		SourceDescription: "test pack",
		CreatedAt:         createdAt,
	}
}

func at(d time.Duration) *time.Time {
	t := base.Add(d)
	return &t
}

func testWorkspaceRoundTrip(t *testing.T, s creditledger.Store) {
	ctx := context.Background()

	inTx(t, s, func(tx creditledger.Tx) error {
		_, ok, err := tx.LockWorkspace(ctx, "ws-missing")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})

	seedWorkspace(t, s, "ws-1")

	inTx(t, s, func(tx creditledger.Tx) error {
		wc, ok, err := tx.LockWorkspace(ctx, "ws-1")
		require.NoError(t, err)
		require.True(t, ok)
		wc.ReportBalance = dec("12.5")
		wc.FullBalance = dec("3")
		wc.ReportRolloverCap = dec("40")
		wc.UpdatedAt = base.Add(time.Hour)
		return tx.UpdateWorkspace(ctx, wc)
	})

	inTx(t, s, func(tx creditledger.Tx) error {
		wc, ok, err := tx.LockWorkspace(ctx, "ws-1")
		require.NoError(t, err)
		require.True(t, ok)
		AssertDecimal(t, "12.5", wc.ReportBalance)
		AssertDecimal(t, "3", wc.FullBalance)
		AssertDecimal(t, "40", wc.ReportRolloverCap)
		AssertDecimal(t, "0", wc.FullRolloverCap)
		assert.True(t, wc.CreatedAt.Equal(base))
		assert.True(t, wc.UpdatedAt.Equal(base.Add(time.Hour)))
		return nil
	})

	// A second insert keeps the existing row.
	inTx(t, s, func(tx creditledger.Tx) error {
		created, err := tx.InsertWorkspace(ctx, creditledger.WorkspaceCredits{
			WorkspaceID:       "ws-1",
			ReportBalance:     dec("99"),
			FullBalance:       dec("99"),
			ReportRolloverCap: decimal.Zero,
			FullRolloverCap:   decimal.Zero,
			CreatedAt:         base.Add(2 * time.Hour),
			UpdatedAt:         base.Add(2 * time.Hour),
		})
		require.NoError(t, err)
		assert.False(t, created)

		wc, ok, err := tx.LockWorkspace(ctx, "ws-1")
		require.NoError(t, err)
		require.True(t, ok)
		AssertDecimal(t, "12.5", wc.ReportBalance)
		assert.True(t, wc.CreatedAt.Equal(base))
		return nil
	})

	err := s.InTx(ctx, func(tx creditledger.Tx) error {
		return tx.UpdateWorkspace(ctx, creditledger.WorkspaceCredits{WorkspaceID: "ws-missing"})
	})
	assert.Error(t, err)
}

func testAllocationQueries(t *testing.T, s creditledger.Store) {
	ctx := context.Background()
	seedWorkspace(t, s, "ws-1")
	seedWorkspace(t, s, "ws-2")

	first := lot("ws-1", creditledger.CategoryReport, "10", "10", at(24*time.Hour), base)
	second := lot("ws-1", creditledger.CategoryReport, "5", "2.75", nil, base.Add(time.Minute))
	drained := lot("ws-1", creditledger.CategoryReport, "5", "0", nil, base.Add(2*time.Minute))
	full := lot("ws-1", creditledger.CategoryFull, "3", "3", nil, base)
	other := lot("ws-2", creditledger.CategoryReport, "7", "7", nil, base)

	inTx(t, s, func(tx creditledger.Tx) error {
		for _, a := range []creditledger.Allocation{first, second, drained, full, other} {
			require.NoError(t, tx.InsertAllocation(ctx, a))
		}
		return nil
	})

	inTx(t, s, func(tx creditledger.Tx) error {
		lots, err := tx.ConsumableAllocations(ctx, "ws-1", creditledger.CategoryReport)
		require.NoError(t, err)
		require.Len(t, lots, 2)
		assert.Equal(t, first.ID, lots[0].ID)
		assert.Equal(t, second.ID, lots[1].ID)
		AssertDecimal(t, "2.75", lots[1].Remaining)
		require.NotNil(t, lots[0].ExpiresAt)
		assert.True(t, lots[0].ExpiresAt.Equal(*first.ExpiresAt))
		assert.Nil(t, lots[1].ExpiresAt)
		assert.Equal(t, creditledger.AllocationPack, lots[0].Type)
		assert.Equal(t, "test pack", lots[0].SourceDescription)

		lots, err = tx.ConsumableAllocations(ctx, "ws-1", creditledger.CategoryFull)
		require.NoError(t, err)
		require.Len(t, lots, 1)
		assert.Equal(t, full.ID, lots[0].ID)

		got, err := tx.GetAllocations(ctx, []string{drained.ID, other.ID, "missing"})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		return tx.UpdateAllocationRemaining(ctx, first.ID, dec("4"))
	})

	inTx(t, s, func(tx creditledger.Tx) error {
		got, err := tx.GetAllocations(ctx, []string{first.ID})
		require.NoError(t, err)
		require.Len(t, got, 1)
		AssertDecimal(t, "4", got[0].Remaining)
		AssertDecimal(t, "10", got[0].Amount)
		return nil
	})

	err := s.InTx(ctx, func(tx creditledger.Tx) error {
		return tx.UpdateAllocationRemaining(ctx, "missing", dec("1"))
	})
	assert.Error(t, err)
}

func testExpiredAllocations(t *testing.T, s creditledger.Store) {
	ctx := context.Background()
	seedWorkspace(t, s, "ws-b")
	seedWorkspace(t, s, "ws-a")

	past := lot("ws-b", creditledger.CategoryReport, "7", "7", at(-time.Hour), base.Add(-48*time.Hour))
	pastA := lot("ws-a", creditledger.CategoryFull, "2", "1", at(-time.Minute), base.Add(-48*time.Hour))
	pastEmpty := lot("ws-a", creditledger.CategoryReport, "3", "0", at(-time.Hour), base.Add(-48*time.Hour))
	future := lot("ws-a", creditledger.CategoryReport, "3", "3", at(time.Hour), base)
	never := lot("ws-a", creditledger.CategoryReport, "3", "3", nil, base)

	inTx(t, s, func(tx creditledger.Tx) error {
		for _, a := range []creditledger.Allocation{past, pastA, pastEmpty, future, never} {
			require.NoError(t, tx.InsertAllocation(ctx, a))
		}
		return nil
	})

	inTx(t, s, func(tx creditledger.Tx) error {
		lots, err := tx.ExpiredAllocations(ctx, base)
		require.NoError(t, err)
		require.Len(t, lots, 2)
		assert.Equal(t, pastA.ID, lots[0].ID)
		assert.Equal(t, past.ID, lots[1].ID)
		return nil
	})
}

func testTransactions(t *testing.T, s creditledger.Store) {
	ctx := context.Background()
	seedWorkspace(t, s, "ws-1")

	a := lot("ws-1", creditledger.CategoryReport, "10", "10", nil, base)
	debit := creditledger.Transaction{
		ID:           uuid.New().String(),
		WorkspaceID:  "ws-1",
		AllocationID: a.ID,
		Type:         creditledger.TransactionDebit,
		Category:     creditledger.CategoryReport,
		Amount:       dec("0.25"),
		Reason:       "report",
		Metadata:     creditledger.ReportMetadata{ReportID: "r-1", ProcessCount: 5},
		CreatedAt:    base,
	}
	refund := creditledger.Transaction{
		ID:          uuid.New().String(),
		WorkspaceID: "ws-1",
		Type:        creditledger.TransactionCredit,
		Category:    creditledger.CategoryReport,
		Amount:      dec("0.25"),
		Reason:      "failed",
		Metadata: creditledger.RefundMetadata{
			RelatedDebits: []string{debit.ID},
			Reason:        "failed",
			Context:       creditledger.ReportMetadata{ReportID: "r-1", ProcessCount: 5},
		},
		CreatedAt: base.Add(time.Second),
	}
	plain := creditledger.Transaction{
		ID:          uuid.New().String(),
		WorkspaceID: "ws-1",
		Type:        creditledger.TransactionCredit,
		Category:    creditledger.CategoryFull,
		Amount:      dec("1"),
		CreatedAt:   base.Add(2 * time.Second),
	}

	inTx(t, s, func(tx creditledger.Tx) error {
		require.NoError(t, tx.InsertAllocation(ctx, a))
		for _, tr := range []creditledger.Transaction{debit, refund, plain} {
			require.NoError(t, tx.InsertTransaction(ctx, tr))
		}
		return nil
	})

	inTx(t, s, func(tx creditledger.Tx) error {
		got, err := tx.GetTransactions(ctx, []string{debit.ID, "missing"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a.ID, got[0].AllocationID)
		assert.Equal(t, creditledger.TransactionDebit, got[0].Type)
		AssertDecimal(t, "0.25", got[0].Amount)
		assert.Equal(t, creditledger.ReportMetadata{ReportID: "r-1", ProcessCount: 5}, got[0].Metadata)

		list, err := tx.ListTransactions(ctx, "ws-1", 0)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, plain.ID, list[0].ID)
		assert.Nil(t, list[0].Metadata)
		assert.Empty(t, list[0].AllocationID)
		assert.Equal(t, refund.ID, list[1].ID)
		assert.Equal(t, refund.Metadata, list[1].Metadata)
		assert.Equal(t, debit.ID, list[2].ID)

		list, err = tx.ListTransactions(ctx, "ws-1", 2)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		list, err = tx.ListTransactions(ctx, "ws-other", 10)
		require.NoError(t, err)
		assert.Empty(t, list)
		return nil
	})
}

func testRefundMarks(t *testing.T, s creditledger.Store) {
	ctx := context.Background()

	inTx(t, s, func(tx creditledger.Tx) error {
		got, err := tx.RefundedAmong(ctx, []string{"d-1", "d-2"})
		require.NoError(t, err)
		assert.Empty(t, got)
		return tx.MarkRefunded(ctx, []string{"d-1", "d-3"}, base)
	})

	inTx(t, s, func(tx creditledger.Tx) error {
		got, err := tx.RefundedAmong(ctx, []string{"d-1", "d-2", "d-3"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"d-1", "d-3"}, got)
		return nil
	})

	err := s.InTx(ctx, func(tx creditledger.Tx) error {
		return tx.MarkRefunded(ctx, []string{"d-1"}, base)
	})
	assert.Error(t, err)
}

func testHolds(t *testing.T, s creditledger.Store) {
	ctx := context.Background()
	seedWorkspace(t, s, "ws-1")

	active := creditledger.Hold{
		ID: uuid.New().String(), WorkspaceID: "ws-1", ReportID: "r-1",
		ReportReserved: dec("2"), FullReserved: dec("0"),
		ExpiresAt: base.Add(24 * time.Hour), CreatedAt: base,
	}
	expired := creditledger.Hold{
		ID: uuid.New().String(), WorkspaceID: "ws-1", ReportID: "r-2",
		ReportReserved: dec("1"), FullReserved: dec("1"),
		ExpiresAt: base.Add(-time.Hour), CreatedAt: base.Add(-48 * time.Hour),
	}

	inTx(t, s, func(tx creditledger.Tx) error {
		require.NoError(t, tx.InsertHold(ctx, active))
		return tx.InsertHold(ctx, expired)
	})

	inTx(t, s, func(tx creditledger.Tx) error {
		holds, err := tx.ActiveHolds(ctx, "ws-1", base)
		require.NoError(t, err)
		require.Len(t, holds, 1)
		assert.Equal(t, active.ID, holds[0].ID)
		assert.Equal(t, "r-1", holds[0].ReportID)
		AssertDecimal(t, "2", holds[0].ReportReserved)
		assert.True(t, holds[0].ExpiresAt.Equal(active.ExpiresAt))

		n, err := tx.DeleteExpiredHolds(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		deleted, err := tx.DeleteHold(ctx, active.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = tx.DeleteHold(ctx, active.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
		return nil
	})
}

var errAbort = errors.New("abort")

func testRollbackOnError(t *testing.T, s creditledger.Store) {
	ctx := context.Background()
	seedWorkspace(t, s, "ws-1")
	a := lot("ws-1", creditledger.CategoryReport, "10", "10", nil, base)
	inTx(t, s, func(tx creditledger.Tx) error { return tx.InsertAllocation(ctx, a) })

	err := s.InTx(ctx, func(tx creditledger.Tx) error {
		require.NoError(t, tx.UpdateAllocationRemaining(ctx, a.ID, dec("1")))
		require.NoError(t, tx.InsertHold(ctx, creditledger.Hold{
			ID: "h-1", WorkspaceID: "ws-1", ReportID: "r",
			ReportReserved: dec("1"), FullReserved: dec("0"),
			ExpiresAt: base.Add(time.Hour), CreatedAt: base,
		}))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	inTx(t, s, func(tx creditledger.Tx) error {
		got, err := tx.GetAllocations(ctx, []string{a.ID})
		require.NoError(t, err)
		require.Len(t, got, 1)
		AssertDecimal(t, "10", got[0].Remaining)

		holds, err := tx.ActiveHolds(ctx, "ws-1", base)
		require.NoError(t, err)
		assert.Empty(t, holds)
		return nil
	})
}

// testLedgerScenario runs the canonical FIFO scenario through the ledger:
// a monthly lot of 10 expiring in 30 days and a bonus of 5 expiring in 5
// days; a debit of 7 drains the bonus first.
func testLedgerScenario(t *testing.T, s creditledger.Store) {
	ctx := context.Background()
	now := base
	l, err := creditledger.New(s, creditledger.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	monthly := base.AddDate(0, 0, 30)
	bonus := base.AddDate(0, 0, 5)
	_, err = l.CreditCredits(ctx, "ws-1", dec("10"), decimal.Zero, creditledger.AllocationMonthly, "monthly", &monthly)
	require.NoError(t, err)
	_, err = l.CreditCredits(ctx, "ws-1", dec("5"), decimal.Zero, creditledger.AllocationBonus, "bonus", &bonus)
	require.NoError(t, err)

	res, err := l.Debit(ctx, "ws-1", dec("7"), decimal.Zero, "report", creditledger.ReportMetadata{ReportID: "r-1", ProcessCount: 40})
	require.NoError(t, err)
	require.Len(t, res.TransactionIDs, 2)
	AssertDecimal(t, "8", res.Balance.Report.Balance)

	breakdown, err := l.GetCreditBreakdown(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, breakdown, 1)
	assert.Equal(t, creditledger.AllocationMonthly, breakdown[0].Type)
	AssertDecimal(t, "8", breakdown[0].Remaining)

	refund, err := l.RefundCredits(ctx, res.TransactionIDs, "report failed", nil)
	require.NoError(t, err)
	AssertDecimal(t, "7", refund.ReportRefunded)
	AssertDecimal(t, "15", refund.Balance.Report.Balance)

	_, err = l.RefundCredits(ctx, res.TransactionIDs, "again", nil)
	require.ErrorIs(t, err, creditledger.ErrAlreadyRefunded)

	hold, err := l.ReserveCredits(ctx, "ws-1", "r-2", dec("10"), decimal.Zero, 0)
	require.NoError(t, err)
	AssertDecimal(t, "5", hold.Balance.Report.Available)

	_, err = l.Debit(ctx, "ws-1", dec("6"), decimal.Zero, "report", nil)
	require.ErrorIs(t, err, creditledger.ErrInsufficientCredits)

	require.NoError(t, l.ReleaseReservation(ctx, hold.HoldID))

	now = base.AddDate(0, 0, 6)
	swept, err := l.CleanupExpiredCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept.ExpiredAllocations)

	balance, err := l.GetBalance(ctx, "ws-1")
	require.NoError(t, err)
	AssertDecimal(t, "10", balance.Report.Balance)

	history, err := l.Transactions(ctx, "ws-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 5)
}
