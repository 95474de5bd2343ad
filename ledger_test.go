package creditledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/store/memory"
	"github.com/ineyio/creditledger/store/storetest"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMeter struct {
	mu      sync.Mutex
	ops     []cl.OperationEvent
	expired []cl.ExpiredEvent
}

func (m *recordingMeter) OnOperation(e cl.OperationEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, e)
}

func (m *recordingMeter) OnExpired(e cl.ExpiredEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired = append(m.expired, e)
}

type testEnv struct {
	ledger *cl.Ledger
	store  *memory.Store
	clock  *testClock
	meter  *recordingMeter
}

func newTestLedger(t *testing.T, opts ...cl.Option) testEnv {
	t.Helper()
	env := testEnv{
		store: memory.New(),
		clock: &testClock{now: t0},
		meter: &recordingMeter{},
	}
	base := []cl.Option{
		cl.WithClock(env.clock.Now),
		cl.WithMeter(env.meter),
		cl.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	l, err := cl.New(env.store, append(base, opts...)...)
	require.NoError(t, err)
	env.ledger = l
	return env
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func days(n int) *time.Time {
	t := t0.AddDate(0, 0, n)
	return &t
}

func credit(t *testing.T, env testEnv, ws, report, full string, typ cl.AllocationType, expiresAt *time.Time) cl.CreditResult {
	t.Helper()
	res, err := env.ledger.CreditCredits(context.Background(), ws, d(report), d(full), typ, string(typ)+" grant", expiresAt)
	require.NoError(t, err)
	return res
}

func remainingByID(t *testing.T, env testEnv, ws string) map[string]decimal.Decimal {
	t.Helper()
	lots, err := env.ledger.GetCreditBreakdown(context.Background(), ws)
	require.NoError(t, err)
	out := make(map[string]decimal.Decimal, len(lots))
	for _, b := range lots {
		out[b.AllocationID] = b.Remaining
	}
	return out
}

// assertInvariant checks that cached balances equal the lots' remaining sums.
func assertInvariant(t *testing.T, env testEnv, ws string) {
	t.Helper()
	ctx := context.Background()
	lots, err := env.ledger.GetCreditBreakdown(ctx, ws)
	require.NoError(t, err)
	sums := map[cl.Category]decimal.Decimal{cl.CategoryReport: decimal.Zero, cl.CategoryFull: decimal.Zero}
	for _, b := range lots {
		sums[b.Category] = sums[b.Category].Add(b.Remaining)
	}
	balance, err := env.ledger.GetBalance(ctx, ws)
	require.NoError(t, err)
	storetest.AssertDecimal(t, sums[cl.CategoryReport].String(), balance.Report.Balance, "report")
	storetest.AssertDecimal(t, sums[cl.CategoryFull].String(), balance.Full.Balance, "full")
}

// Test 1: earliest-expiring lot drained first
func TestScenario_BonusDrainedBeforeMonthly(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()

	monthly := credit(t, env, "ws-1", "10", "0", cl.AllocationMonthly, days(30))
	bonus := credit(t, env, "ws-1", "5", "0", cl.AllocationBonus, days(5))

	res, err := env.ledger.Debit(ctx, "ws-1", d("7"), decimal.Zero, "report", cl.ReportMetadata{ReportID: "r-1", ProcessCount: 150})
	require.NoError(t, err)
	require.Len(t, res.TransactionIDs, 2)
	storetest.AssertDecimal(t, "8", res.Balance.Report.Balance)
	storetest.AssertDecimal(t, "8", res.Balance.Report.Available)

	remaining := remainingByID(t, env, "ws-1")
	_, bonusLeft := remaining[bonus.AllocationIDs[0]]
	assert.False(t, bonusLeft, "bonus lot should be fully drained")
	storetest.AssertDecimal(t, "8", remaining[monthly.AllocationIDs[0]])

	history, err := env.ledger.Transactions(ctx, "ws-1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	amounts := map[string]decimal.Decimal{}
	for _, tr := range history {
		assert.Equal(t, cl.TransactionDebit, tr.Type)
		assert.Equal(t, cl.ReportMetadata{ReportID: "r-1", ProcessCount: 150}, tr.Metadata)
		amounts[tr.AllocationID] = tr.Amount
	}
	storetest.AssertDecimal(t, "5", amounts[bonus.AllocationIDs[0]])
	storetest.AssertDecimal(t, "2", amounts[monthly.AllocationIDs[0]])
}

// Test 2: partial debit of the first lot leaves later lots untouched
func TestFIFO_LaterLotsUntouched(t *testing.T) {
	env := newTestLedger(t)

	e1 := credit(t, env, "ws-1", "10", "0", cl.AllocationPack, days(5))
	e2 := credit(t, env, "ws-1", "10", "0", cl.AllocationPack, days(30))
	never := credit(t, env, "ws-1", "10", "0", cl.AllocationPack, nil)

	_, err := env.ledger.Debit(context.Background(), "ws-1", d("4"), decimal.Zero, "report", nil)
	require.NoError(t, err)

	remaining := remainingByID(t, env, "ws-1")
	storetest.AssertDecimal(t, "6", remaining[e1.AllocationIDs[0]])
	storetest.AssertDecimal(t, "10", remaining[e2.AllocationIDs[0]])
	storetest.AssertDecimal(t, "10", remaining[never.AllocationIDs[0]])
	assertInvariant(t, env, "ws-1")
}

// Test 3: breakdown follows drain order
func TestBreakdown_OrderAndExpiry(t *testing.T) {
	env := newTestLedger(t)

	credit(t, env, "ws-1", "3", "0", cl.AllocationPack, nil)
	credit(t, env, "ws-1", "10", "0", cl.AllocationMonthly, days(30))
	credit(t, env, "ws-1", "5", "2", cl.AllocationBonus, days(14))

	lots, err := env.ledger.GetCreditBreakdown(context.Background(), "ws-1")
	require.NoError(t, err)
	require.Len(t, lots, 4)

	assert.Equal(t, cl.AllocationBonus, lots[0].Type)
	require.NotNil(t, lots[0].DaysUntilExpiry)
	assert.Equal(t, 14, *lots[0].DaysUntilExpiry)
	assert.Equal(t, cl.AllocationMonthly, lots[1].Type)
	assert.Equal(t, cl.AllocationPack, lots[2].Type)
	assert.Nil(t, lots[2].DaysUntilExpiry)
	assert.Equal(t, cl.CategoryFull, lots[3].Category)
	for _, b := range lots {
		assert.False(t, b.Expired)
	}
}

// Test 4: insufficient funds leave everything unchanged
func TestDebit_InsufficientLeavesStateUnchanged(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()

	credit(t, env, "ws-1", "3", "0", cl.AllocationPack, days(5))
	credit(t, env, "ws-1", "2", "0", cl.AllocationPack, nil)
	before := remainingByID(t, env, "ws-1")
	historyBefore, err := env.ledger.Transactions(ctx, "ws-1", 0)
	require.NoError(t, err)

	_, err = env.ledger.Debit(ctx, "ws-1", d("6"), decimal.Zero, "report", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cl.ErrInsufficientCredits)
	assert.True(t, cl.IsRejected(err))

	var ice *cl.InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, cl.CategoryReport, ice.Category)
	storetest.AssertDecimal(t, "5", ice.Available)
	storetest.AssertDecimal(t, "6", ice.Requested)

	assert.Equal(t, len(before), len(remainingByID(t, env, "ws-1")))
	for id, r := range remainingByID(t, env, "ws-1") {
		assert.True(t, before[id].Equal(r))
	}
	historyAfter, err := env.ledger.Transactions(ctx, "ws-1", 0)
	require.NoError(t, err)
	assert.Len(t, historyAfter, len(historyBefore))

	balance, err := env.ledger.GetBalance(ctx, "ws-1")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "5", balance.Report.Balance)
}

// Test 5: a shortfall in one currency blocks the whole debit
func TestDebit_BothCurrenciesAllOrNothing(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	credit(t, env, "ws-1", "10", "1", cl.AllocationPack, nil)

	_, err := env.ledger.Debit(ctx, "ws-1", d("2"), d("2"), "analysis", cl.AnalysisMetadata{AnalysisID: "a-1"})
	var ice *cl.InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, cl.CategoryFull, ice.Category)

	balance, err := env.ledger.GetBalance(ctx, "ws-1")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "10", balance.Report.Balance)
	storetest.AssertDecimal(t, "1", balance.Full.Balance)

	res, err := env.ledger.Debit(ctx, "ws-1", d("0.25"), d("1"), "analysis", cl.AnalysisMetadata{AnalysisID: "a-1"})
	require.NoError(t, err)
	assert.Len(t, res.TransactionIDs, 2)
	storetest.AssertDecimal(t, "9.75", res.Balance.Report.Balance)
	storetest.AssertDecimal(t, "0", res.Balance.Full.Balance)
}

// Test 6: input validation
func TestDebit_Validation(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		ws     string
		report string
		full   string
		meta   cl.Metadata
		want   error
	}{
		{"empty workspace", "", "1", "0", nil, cl.ErrInvalidWorkspace},
		{"negative", "ws-1", "-1", "0", nil, cl.ErrInvalidAmount},
		{"both zero", "ws-1", "0", "0", nil, cl.ErrInvalidAmount},
		{"bad metadata", "ws-1", "1", "0", cl.ReportMetadata{}, cl.ErrInvalidMetadata},
		{"nil metadata pointer", "ws-1", "1", "0", (*cl.ReportMetadata)(nil), cl.ErrInvalidMetadata},
		{"metadata pointer", "ws-1", "1", "0", &cl.ReportMetadata{ReportID: "r-1", ProcessCount: 3}, cl.ErrInvalidMetadata},
		{"refund metadata", "ws-1", "1", "0", cl.RefundMetadata{RelatedDebits: []string{"tx-1"}}, cl.ErrInvalidMetadata},
		{"grant metadata", "ws-1", "1", "0", cl.GrantMetadata{Plan: "pro"}, cl.ErrInvalidMetadata},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.ledger.Debit(ctx, tt.ws, d(tt.report), d(tt.full), "x", tt.meta)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, cl.IsRejected(err))
		})
	}
}

// Test 7: refund restores exact pre-debit state
func TestRefund_RestoresExactState(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()

	credit(t, env, "ws-1", "10", "0", cl.AllocationMonthly, days(30))
	credit(t, env, "ws-1", "5", "0", cl.AllocationBonus, days(5))
	before := remainingByID(t, env, "ws-1")

	debit, err := env.ledger.Debit(ctx, "ws-1", d("7"), decimal.Zero, "report", cl.ReportMetadata{ReportID: "r-1", ProcessCount: 150})
	require.NoError(t, err)

	refund, err := env.ledger.RefundCredits(ctx, debit.TransactionIDs, "report generation failed", cl.ReportMetadata{ReportID: "r-1", ProcessCount: 150})
	require.NoError(t, err)
	assert.Equal(t, "ws-1", refund.WorkspaceID)
	storetest.AssertDecimal(t, "7", refund.ReportRefunded)
	storetest.AssertDecimal(t, "0", refund.FullRefunded)
	storetest.AssertDecimal(t, "15", refund.Balance.Report.Balance)
	require.Len(t, refund.TransactionIDs, 1)

	after := remainingByID(t, env, "ws-1")
	require.Len(t, after, len(before))
	for id, r := range before {
		assert.True(t, r.Equal(after[id]), "lot %s: want %s got %s", id, r, after[id])
	}

	history, err := env.ledger.Transactions(ctx, "ws-1", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, cl.TransactionCredit, history[0].Type)
	assert.Empty(t, history[0].AllocationID)
	assert.Equal(t, cl.RefundMetadata{
		RelatedDebits: debit.TransactionIDs,
		Reason:        "report generation failed",
		Context:       cl.ReportMetadata{ReportID: "r-1", ProcessCount: 150},
	}, history[0].Metadata)
	assertInvariant(t, env, "ws-1")
}

// Test 8: refunding the same debit twice is rejected
func TestRefund_ReplayRejected(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	credit(t, env, "ws-1", "10", "0", cl.AllocationPack, nil)

	first, err := env.ledger.Debit(ctx, "ws-1", d("1"), decimal.Zero, "report", nil)
	require.NoError(t, err)
	second, err := env.ledger.Debit(ctx, "ws-1", d("2"), decimal.Zero, "report", nil)
	require.NoError(t, err)

	_, err = env.ledger.RefundCredits(ctx, first.TransactionIDs, "failed", nil)
	require.NoError(t, err)

	// Overlapping batch is rejected as a whole.
	ids := append(append([]string{}, second.TransactionIDs...), first.TransactionIDs...)
	_, err = env.ledger.RefundCredits(ctx, ids, "failed", nil)
	require.ErrorIs(t, err, cl.ErrAlreadyRefunded)

	balance, err := env.ledger.GetBalance(ctx, "ws-1")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "8", balance.Report.Balance)
	assertInvariant(t, env, "ws-1")
}

// Test 9: refunds may not span workspaces
func TestRefund_CrossWorkspaceRejected(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	credit(t, env, "ws-1", "10", "0", cl.AllocationPack, nil)
	credit(t, env, "ws-2", "10", "0", cl.AllocationPack, nil)

	a, err := env.ledger.Debit(ctx, "ws-1", d("1"), decimal.Zero, "report", nil)
	require.NoError(t, err)
	b, err := env.ledger.Debit(ctx, "ws-2", d("1"), decimal.Zero, "report", nil)
	require.NoError(t, err)

	_, err = env.ledger.RefundCredits(ctx, append(a.TransactionIDs, b.TransactionIDs...), "failed", nil)
	require.ErrorIs(t, err, cl.ErrCrossWorkspaceRefund)
	assert.True(t, cl.IsRejected(err))

	for _, ws := range []string{"ws-1", "ws-2"} {
		balance, err := env.ledger.GetBalance(ctx, ws)
		require.NoError(t, err)
		storetest.AssertDecimal(t, "9", balance.Report.Balance)
	}
}

// Test 10: refund input rejections
func TestRefund_InvalidInput(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	granted := credit(t, env, "ws-1", "10", "0", cl.AllocationPack, nil)
	debit, err := env.ledger.Debit(ctx, "ws-1", d("1"), decimal.Zero, "report", nil)
	require.NoError(t, err)

	_, err = env.ledger.RefundCredits(ctx, granted.TransactionIDs, "x", nil)
	assert.ErrorIs(t, err, cl.ErrNotDebit)

	_, err = env.ledger.RefundCredits(ctx, []string{"no-such-tx"}, "x", nil)
	assert.ErrorIs(t, err, cl.ErrTransactionNotFound)

	_, err = env.ledger.RefundCredits(ctx, nil, "x", nil)
	assert.ErrorIs(t, err, cl.ErrInvalidRefund)

	_, err = env.ledger.RefundCredits(ctx, []string{debit.TransactionIDs[0], debit.TransactionIDs[0]}, "x", nil)
	assert.ErrorIs(t, err, cl.ErrInvalidRefund)

	_, err = env.ledger.RefundCredits(ctx, debit.TransactionIDs, "x", cl.RefundMetadata{RelatedDebits: []string{"a"}})
	assert.ErrorIs(t, err, cl.ErrInvalidMetadata)

	_, err = env.ledger.RefundCredits(ctx, debit.TransactionIDs, "x", (*cl.RefundMetadata)(nil))
	assert.ErrorIs(t, err, cl.ErrInvalidMetadata)

	_, err = env.ledger.RefundCredits(ctx, debit.TransactionIDs, "x", &cl.AnalysisMetadata{AnalysisID: "a-1"})
	assert.ErrorIs(t, err, cl.ErrInvalidMetadata)

	balance, err := env.ledger.GetBalance(ctx, "ws-1")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "9", balance.Report.Balance)
}

// Test 11: one refund credit per currency
func TestRefund_BothCurrencies(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	credit(t, env, "ws-1", "4", "4", cl.AllocationPack, nil)

	debit, err := env.ledger.Debit(ctx, "ws-1", d("1"), d("2"), "analysis", nil)
	require.NoError(t, err)

	refund, err := env.ledger.RefundCredits(ctx, debit.TransactionIDs, "failed", nil)
	require.NoError(t, err)
	assert.Len(t, refund.TransactionIDs, 2)
	storetest.AssertDecimal(t, "1", refund.ReportRefunded)
	storetest.AssertDecimal(t, "2", refund.FullRefunded)
	storetest.AssertDecimal(t, "4", refund.Balance.Full.Balance)
}

// Test 12: holds reduce available balance only
func TestReserve_ReducesAvailable(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	credit(t, env, "ws-1", "10", "2", cl.AllocationPack, nil)

	hold, err := env.ledger.ReserveCredits(ctx, "ws-1", "report-1", d("4"), d("1"), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, hold.HoldID)
	assert.True(t, hold.ExpiresAt.Equal(t0.AddDate(0, 0, cl.DefaultHoldTTLDays)))
	storetest.AssertDecimal(t, "10", hold.Balance.Report.Balance)
	storetest.AssertDecimal(t, "4", hold.Balance.Report.Held)
	storetest.AssertDecimal(t, "6", hold.Balance.Report.Available)
	storetest.AssertDecimal(t, "1", hold.Balance.Full.Available)

	_, err = env.ledger.ReserveCredits(ctx, "ws-1", "report-2", d("7"), decimal.Zero, 3)
	require.ErrorIs(t, err, cl.ErrInsufficientCredits)

	_, err = env.ledger.Debit(ctx, "ws-1", d("7"), decimal.Zero, "report", nil)
	require.ErrorIs(t, err, cl.ErrInsufficientCredits)

	short, err := env.ledger.ReserveCredits(ctx, "ws-1", "report-3", d("1"), decimal.Zero, 3)
	require.NoError(t, err)
	assert.True(t, short.ExpiresAt.Equal(t0.AddDate(0, 0, 3)))

	_, err = env.ledger.ReserveCredits(ctx, "ws-1", "", d("1"), decimal.Zero, 3)
	require.ErrorIs(t, err, cl.ErrInvalidReservation)

	// Lots are never touched by a hold.
	lots, err := env.ledger.GetCreditBreakdown(ctx, "ws-1")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "10", lots[0].Remaining)
}

// Test 13: release restores availability; second release fails
func TestRelease_RestoresAvailable(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	credit(t, env, "ws-1", "10", "0", cl.AllocationPack, nil)

	hold, err := env.ledger.ReserveCredits(ctx, "ws-1", "report-1", d("10"), decimal.Zero, 0)
	require.NoError(t, err)
	storetest.AssertDecimal(t, "0", hold.Balance.Report.Available)

	require.NoError(t, env.ledger.ReleaseReservation(ctx, hold.HoldID))

	balance, err := env.ledger.GetBalance(ctx, "ws-1")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "10", balance.Report.Available)

	err = env.ledger.ReleaseReservation(ctx, hold.HoldID)
	require.ErrorIs(t, err, cl.ErrHoldNotFound)
	err = env.ledger.ReleaseReservation(ctx, "")
	require.ErrorIs(t, err, cl.ErrHoldNotFound)
}

// Test 14: expired holds stop counting and are swept
func TestHold_ExpiryAndSweep(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	credit(t, env, "ws-1", "10", "0", cl.AllocationPack, nil)

	_, err := env.ledger.ReserveCredits(ctx, "ws-1", "report-1", d("6"), decimal.Zero, 1)
	require.NoError(t, err)

	env.clock.Advance(48 * time.Hour)
	balance, err := env.ledger.GetBalance(ctx, "ws-1")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "10", balance.Report.Available)

	res, err := env.ledger.CleanupExpiredCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ExpiredHolds)
	assert.Equal(t, 0, res.ExpiredAllocations)
}

// Test 15: monthly allocation at cap adds nothing
func TestMonthly_AtCapAddsZero(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, env.ledger.SetRolloverCaps(ctx, "ws-1", d("20"), decimal.Zero))
	credit(t, env, "ws-1", "20", "0", cl.AllocationPack, nil)

	plan := cl.Plan{Name: "pro", MonthlyReportCredits: d("10")}
	res, err := env.ledger.MonthlyAllocation(ctx, "ws-1", plan)
	require.NoError(t, err)
	storetest.AssertDecimal(t, "0", res.ReportAdded)
	assert.Empty(t, res.AllocationIDs)
	storetest.AssertDecimal(t, "20", res.Balance.Report.Balance)
}

// Test 16: monthly allocation truncated to the cap
func TestMonthly_TruncatedToCap(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, env.ledger.SetRolloverCaps(ctx, "ws-1", d("20"), d("5")))
	credit(t, env, "ws-1", "17", "1", cl.AllocationPack, nil)

	plan := cl.Plan{Name: "pro", MonthlyReportCredits: d("10"), MonthlyFullCredits: d("2")}
	res, err := env.ledger.MonthlyAllocation(ctx, "ws-1", plan)
	require.NoError(t, err)
	storetest.AssertDecimal(t, "3", res.ReportAdded)
	storetest.AssertDecimal(t, "2", res.FullAdded)
	assert.Len(t, res.AllocationIDs, 2)
	storetest.AssertDecimal(t, "20", res.Balance.Report.Balance)
	storetest.AssertDecimal(t, "3", res.Balance.Full.Balance)

	lots, err := env.ledger.GetCreditBreakdown(ctx, "ws-1")
	require.NoError(t, err)
	var monthly int
	for _, b := range lots {
		if b.Type == cl.AllocationMonthly {
			monthly++
			assert.Nil(t, b.ExpiresAt)
		}
	}
	assert.Equal(t, 2, monthly)
	assertInvariant(t, env, "ws-1")
}

// Test 17: uncapped and unlimited plans
func TestMonthly_UncappedAndUnlimited(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	credit(t, env, "ws-1", "500", "0", cl.AllocationPack, nil)

	res, err := env.ledger.MonthlyAllocation(ctx, "ws-1", cl.Plan{Name: "basic", MonthlyReportCredits: d("10")})
	require.NoError(t, err)
	storetest.AssertDecimal(t, "10", res.ReportAdded)
	storetest.AssertDecimal(t, "510", res.Balance.Report.Balance)

	res, err = env.ledger.MonthlyAllocation(ctx, "ws-1", cl.Plan{Name: "enterprise", Unlimited: true, MonthlyReportCredits: d("10")})
	require.NoError(t, err)
	storetest.AssertDecimal(t, "0", res.ReportAdded)
	assert.Empty(t, res.AllocationIDs)

	balance, err := env.ledger.GetBalance(ctx, "ws-1")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "510", balance.Report.Balance)
}

// Test 18: sweep forfeits exactly the remaining amount
func TestSweep_ForfeitsExpiredLot(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	lot := credit(t, env, "ws-1", "7", "0", cl.AllocationBonus, days(1))
	credit(t, env, "ws-1", "3", "0", cl.AllocationPack, nil)

	env.clock.Advance(72 * time.Hour)

	// Expired but not yet swept: still counted.
	lots, err := env.ledger.GetCreditBreakdown(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.True(t, lots[0].Expired)

	res, err := env.ledger.CleanupExpiredCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiredAllocations)

	balance, err := env.ledger.GetBalance(ctx, "ws-1")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "3", balance.Report.Balance)
	_, stillThere := remainingByID(t, env, "ws-1")[lot.AllocationIDs[0]]
	assert.False(t, stillThere)

	events := env.store.UsageEvents()
	require.Len(t, events, 1)
	assert.Equal(t, cl.UsageCreditExpired, events[0].Kind)
	assert.Equal(t, lot.AllocationIDs[0], events[0].AllocationID)
	storetest.AssertDecimal(t, "7", events[0].Amount)

	require.Len(t, env.meter.expired, 1)
	storetest.AssertDecimal(t, "7", env.meter.expired[0].Amount)

	again, err := env.ledger.CleanupExpiredCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, cl.CleanupResult{}, again)
	assertInvariant(t, env, "ws-1")
}

// Test 19: sweep spans workspaces
func TestSweep_MultipleWorkspaces(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	credit(t, env, "ws-b", "2", "1", cl.AllocationBonus, days(1))
	credit(t, env, "ws-a", "4", "0", cl.AllocationBonus, days(2))
	credit(t, env, "ws-a", "1", "0", cl.AllocationBonus, days(10))

	env.clock.Advance(5 * 24 * time.Hour)
	res, err := env.ledger.CleanupExpiredCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExpiredAllocations)

	a, err := env.ledger.GetBalance(ctx, "ws-a")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "1", a.Report.Balance)
	b, err := env.ledger.GetBalance(ctx, "ws-b")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "0", b.Report.Balance)
	storetest.AssertDecimal(t, "0", b.Full.Balance)
}

// Test 20: invariant holds across a mixed sequence
func TestInvariant_BalanceEqualsRemaining(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	ws := "ws-1"

	credit(t, env, ws, "10", "3", cl.AllocationMonthly, days(30))
	assertInvariant(t, env, ws)
	credit(t, env, ws, "2.5", "0", cl.AllocationBonus, days(3))
	assertInvariant(t, env, ws)

	d1, err := env.ledger.Debit(ctx, ws, cl.ReportCreditCost(40), cl.FullCreditCost(11), "analysis", nil)
	require.NoError(t, err)
	assertInvariant(t, env, ws)

	_, err = env.ledger.Debit(ctx, ws, cl.ReportCreditCost(5), decimal.Zero, "report", nil)
	require.NoError(t, err)
	assertInvariant(t, env, ws)

	_, err = env.ledger.RefundCredits(ctx, d1.TransactionIDs, "failed", nil)
	require.NoError(t, err)
	assertInvariant(t, env, ws)

	_, err = env.ledger.MonthlyAllocation(ctx, ws, cl.Plan{Name: "p", MonthlyReportCredits: d("4"), MonthlyFullCredits: d("1")})
	require.NoError(t, err)
	assertInvariant(t, env, ws)

	env.clock.Advance(4 * 24 * time.Hour)
	_, err = env.ledger.CleanupExpiredCredits(ctx)
	require.NoError(t, err)
	assertInvariant(t, env, ws)

	balance, err := env.ledger.GetBalance(ctx, ws)
	require.NoError(t, err)
	// The bonus lot absorbed both debits and the refund, then expired with 2.25 left.
	storetest.AssertDecimal(t, "14", balance.Report.Balance)
	storetest.AssertDecimal(t, "4", balance.Full.Balance)
}

// Test 21: signup bonus seeded on first access
func TestSignupBonus_SeededOnce(t *testing.T) {
	cfg := cl.DefaultConfig()
	cfg.SignupBonus = cl.SignupBonus{Report: d("5"), Full: d("1"), ExpiresInDays: 14}
	env := newTestLedger(t, cl.WithConfig(cfg))
	ctx := context.Background()

	balance, err := env.ledger.GetBalance(ctx, "ws-new")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "5", balance.Report.Balance)
	storetest.AssertDecimal(t, "1", balance.Full.Balance)

	balance, err = env.ledger.GetBalance(ctx, "ws-new")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "5", balance.Report.Balance)

	lots, err := env.ledger.GetCreditBreakdown(ctx, "ws-new")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	for _, b := range lots {
		assert.Equal(t, cl.AllocationBonus, b.Type)
		require.NotNil(t, b.DaysUntilExpiry)
		assert.Equal(t, 14, *b.DaysUntilExpiry)
	}
}

// Test 22: corrupt lot surfaces as a fatal integrity error
func TestIntegrity_CorruptLotIsFatal(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	granted := credit(t, env, "ws-1", "5", "0", cl.AllocationPack, nil)

	require.NoError(t, env.store.InTx(ctx, func(tx cl.Tx) error {
		return tx.UpdateAllocationRemaining(ctx, granted.AllocationIDs[0], d("9"))
	}))

	_, err := env.ledger.Debit(ctx, "ws-1", d("1"), decimal.Zero, "report", nil)
	require.Error(t, err)
	assert.True(t, cl.IsFatal(err))
	assert.False(t, cl.IsRejected(err))
	assert.NotErrorIs(t, err, cl.ErrStore)

	var ie *cl.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, granted.AllocationIDs[0], ie.ID)

	_, err = env.ledger.GetCreditBreakdown(ctx, "ws-1")
	assert.True(t, cl.IsFatal(err))
}

// Test 23: concurrent debits never overdraw
func TestConcurrentDebits_NeverOverdraw(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	credit(t, env, "ws-1", "10", "0", cl.AllocationPack, nil)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = env.ledger.Debit(ctx, "ws-1", d("1"), decimal.Zero, "report", nil)
		}(i)
	}
	wg.Wait()

	successCount := 0
	for _, err := range errs {
		if err == nil {
			successCount++
			continue
		}
		assert.ErrorIs(t, err, cl.ErrInsufficientCredits)
	}
	assert.Equal(t, 10, successCount)

	balance, err := env.ledger.GetBalance(ctx, "ws-1")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "0", balance.Report.Balance)
	assertInvariant(t, env, "ws-1")
}

type failingStore struct{ err error }

func (s failingStore) InTx(context.Context, func(cl.Tx) error) error { return s.err }
func (s failingStore) Close() error                                  { return nil }

// Test 24: store failures become OpError
func TestStoreFailure_WrappedAsOpError(t *testing.T) {
	connErr := errors.New("connection reset by peer")
	m := &recordingMeter{}
	l, err := cl.New(failingStore{err: connErr},
		cl.WithMeter(m),
		cl.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)

	_, err = l.Debit(context.Background(), "ws-1", d("1"), decimal.Zero, "report", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cl.ErrStore)
	assert.ErrorIs(t, err, connErr)
	assert.False(t, cl.IsRejected(err))

	var opErr *cl.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, cl.OpDebit, opErr.Op)
	assert.Equal(t, "ws-1", opErr.WorkspaceID)

	require.Len(t, m.ops, 1)
	assert.False(t, m.ops[0].Success)
}

// Test 25: meter sees every operation
func TestMeter_ObservesOperations(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	credit(t, env, "ws-1", "1", "0", cl.AllocationPack, nil)
	_, err := env.ledger.Debit(ctx, "ws-1", d("2"), decimal.Zero, "report", nil)
	require.Error(t, err)

	require.Len(t, env.meter.ops, 2)
	assert.Equal(t, cl.OpCredit, env.meter.ops[0].Op)
	assert.True(t, env.meter.ops[0].Success)
	assert.Equal(t, cl.OpDebit, env.meter.ops[1].Op)
	assert.False(t, env.meter.ops[1].Success)
	assert.ErrorIs(t, env.meter.ops[1].Error, cl.ErrInsufficientCredits)
}

// Test 26: crediting validation
func TestCreditCredits_Validation(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()

	_, err := env.ledger.CreditCredits(ctx, "ws-1", d("1"), decimal.Zero, cl.AllocationType("GIFT"), "gift", nil)
	assert.ErrorIs(t, err, cl.ErrInvalidAllocationType)

	_, err = env.ledger.CreditCredits(ctx, "ws-1", decimal.Zero, decimal.Zero, cl.AllocationPack, "pack", nil)
	assert.ErrorIs(t, err, cl.ErrInvalidAmount)

	res := credit(t, env, "ws-1", "0", "3", cl.AllocationPack, nil)
	assert.Len(t, res.AllocationIDs, 1)
	assert.Len(t, res.TransactionIDs, 1)
	storetest.AssertDecimal(t, "3", res.Balance.Full.Balance)
}

// Test 27: rollover caps and plans
func TestRolloverCapsAndPlans(t *testing.T) {
	cfg := cl.DefaultConfig()
	cfg.RolloverCaps = cl.RolloverCaps{Report: d("50"), Full: d("5")}
	cfg.Plans = []cl.Plan{{Name: "starter", MonthlyReportCredits: d("20"), MonthlyFullCredits: d("2")}}
	env := newTestLedger(t, cl.WithConfig(cfg))
	ctx := context.Background()

	plan, err := env.ledger.PlanByName("starter")
	require.NoError(t, err)
	_, err = env.ledger.PlanByName("missing")
	assert.ErrorIs(t, err, cl.ErrUnknownPlan)

	for i := 0; i < 4; i++ {
		_, err := env.ledger.MonthlyAllocation(ctx, "ws-1", plan)
		require.NoError(t, err)
	}
	balance, err := env.ledger.GetBalance(ctx, "ws-1")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "50", balance.Report.Balance)
	storetest.AssertDecimal(t, "5", balance.Full.Balance)

	err = env.ledger.SetRolloverCaps(ctx, "ws-1", d("-1"), decimal.Zero)
	assert.ErrorIs(t, err, cl.ErrInvalidAmount)
}

// Test 28: constructor checks
func TestNew_Validation(t *testing.T) {
	_, err := cl.New(nil)
	assert.Error(t, err)

	cfg := cl.DefaultConfig()
	cfg.HoldTTLDays = -1
	_, err = cl.New(memory.New(), cl.WithConfig(cfg))
	assert.Error(t, err)

	l, err := cl.New(memory.New())
	require.NoError(t, err)
	assert.Equal(t, cl.DefaultHoldTTLDays, l.Config().HoldTTLDays)
}

// Test 29: debits persist the metadata they accept
func TestDebit_AcceptedMetadataPersisted(t *testing.T) {
	env := newTestLedger(t)
	ctx := context.Background()
	credit(t, env, "ws-1", "10", "0", cl.AllocationPack, nil)

	metas := []cl.Metadata{
		cl.ReportMetadata{ReportID: "r-1", ProcessCount: 3},
		cl.AnalysisMetadata{AnalysisID: "a-1"},
		cl.ScheduledMetadata{HoldID: "h-1", ReportID: "r-2"},
		cl.AdjustmentMetadata{Actor: "ops"},
		nil,
	}
	for _, m := range metas {
		res, err := env.ledger.Debit(ctx, "ws-1", d("1"), decimal.Zero, "x", m)
		require.NoError(t, err)
		require.Len(t, res.TransactionIDs, 1)

		require.NoError(t, env.store.InTx(ctx, func(tx cl.Tx) error {
			txs, err := tx.GetTransactions(ctx, res.TransactionIDs)
			require.NoError(t, err)
			require.Len(t, txs, 1)
			assert.Equal(t, m, txs[0].Metadata)
			return nil
		}))
	}
	assertInvariant(t, env, "ws-1")
}

// Test 30: concurrent first access creates the workspace once
func TestSignupBonus_ConcurrentFirstAccess(t *testing.T) {
	cfg := cl.DefaultConfig()
	cfg.SignupBonus = cl.SignupBonus{Report: d("5")}
	env := newTestLedger(t, cl.WithConfig(cfg))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = env.ledger.GetBalance(ctx, "ws-new")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	balance, err := env.ledger.GetBalance(ctx, "ws-new")
	require.NoError(t, err)
	storetest.AssertDecimal(t, "5", balance.Report.Balance)
	lots, err := env.ledger.GetCreditBreakdown(ctx, "ws-new")
	require.NoError(t, err)
	assert.Len(t, lots, 1)
	assertInvariant(t, env, "ws-new")
}

// createRaceStore lets another caller create the workspace between the
// ledger noticing it is missing and inserting it.
type createRaceStore struct {
	*memory.Store
	calls int
}

func (s *createRaceStore) InCreateTx(ctx context.Context, fn func(cl.Tx) error) error {
	s.calls++
	if err := s.Store.InTx(ctx, func(tx cl.Tx) error {
		_, err := tx.InsertWorkspace(ctx, cl.WorkspaceCredits{
			WorkspaceID:       "ws-new",
			ReportBalance:     decimal.Zero,
			FullBalance:       decimal.Zero,
			ReportRolloverCap: decimal.Zero,
			FullRolloverCap:   decimal.Zero,
			CreatedAt:         t0,
			UpdatedAt:         t0,
		})
		return err
	}); err != nil {
		return err
	}
	return s.Store.InTx(ctx, fn)
}

// Test 31: losing the creation race is not an error
func TestWorkspaceCreation_LosingRaceSucceeds(t *testing.T) {
	cfg := cl.DefaultConfig()
	cfg.SignupBonus = cl.SignupBonus{Report: d("5")}
	s := &createRaceStore{Store: memory.New()}
	l, err := cl.New(s,
		cl.WithConfig(cfg),
		cl.WithClock(func() time.Time { return t0 }),
		cl.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := l.CreditCredits(ctx, "ws-new", d("2"), decimal.Zero, cl.AllocationPack, "pack", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.calls)
	// The winner seeded no bonus, and the loser must not seed one either.
	storetest.AssertDecimal(t, "2", res.Balance.Report.Balance)

	_, err = l.GetBalance(ctx, "ws-new")
	require.NoError(t, err)
	assert.Equal(t, 1, s.calls)
}
