package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/store/sqlite"
	"github.com/ineyio/creditledger/store/storetest"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) creditledger.Store {
		return newTestStore(t)
	})
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, s.EnsureSchema(context.Background()))
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	ctx := context.Background()

	s, err := sqlite.New(path)
	require.NoError(t, err)
	l, err := creditledger.New(s)
	require.NoError(t, err)
	_, err = l.CreditCredits(ctx, "ws-1", decimal.RequireFromString("2.5"), decimal.NewFromInt(1), creditledger.AllocationPack, "pack", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()
	l, err = creditledger.New(s)
	require.NoError(t, err)

	balance, err := l.GetBalance(ctx, "ws-1")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "2.5", balance.Report.Balance)
	storetest.AssertDecimal(t, "1", balance.Full.Balance)
}

func TestSweepRecordsUsageEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, err := creditledger.New(s, creditledger.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	exp := now.AddDate(0, 0, 1)
	credited, err := l.CreditCredits(ctx, "ws-1", decimal.NewFromInt(7), decimal.Zero, creditledger.AllocationBonus, "bonus", &exp)
	require.NoError(t, err)

	now = now.AddDate(0, 0, 2)
	res, err := l.CleanupExpiredCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiredAllocations)

	events, err := s.UsageEvents(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, creditledger.UsageCreditExpired, events[0].Kind)
	assert.Equal(t, credited.AllocationIDs[0], events[0].AllocationID)
	storetest.AssertDecimal(t, "7", events[0].Amount)
}

func TestCorruptDecimalIsIntegrityError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	l, err := creditledger.New(s)
	require.NoError(t, err)
	_, err = l.CreditCredits(ctx, "ws-1", decimal.NewFromInt(5), decimal.Zero, creditledger.AllocationPack, "pack", nil)
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx creditledger.Tx) error {
		lots, err := tx.ConsumableAllocations(ctx, "ws-1", creditledger.CategoryReport)
		require.NoError(t, err)
		require.Len(t, lots, 1)
		// Remaining above amount.
		return tx.UpdateAllocationRemaining(ctx, lots[0].ID, decimal.NewFromInt(9))
	})
	require.NoError(t, err)

	_, err = l.Debit(ctx, "ws-1", decimal.NewFromInt(1), decimal.Zero, "report", nil)
	require.Error(t, err)
	assert.True(t, creditledger.IsFatal(err))
}
