package creditledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MonthlyAllocation tops up a workspace according to its plan. The amount
// added per currency is the plan quota, truncated so the balance never
// exceeds the workspace's rollover cap. Unlimited plans are a no-op.
func (l *Ledger) MonthlyAllocation(ctx context.Context, workspaceID string, plan Plan) (AllocationResult, error) {
	start := time.Now()
	if workspaceID == "" {
		return AllocationResult{}, ErrInvalidWorkspace
	}
	if plan.Unlimited {
		l.logger.Debug("monthly allocation skipped for unlimited plan",
			"workspace", workspaceID,
			"plan", plan.Name,
		)
		return AllocationResult{ReportAdded: decimal.Zero, FullAdded: decimal.Zero}, nil
	}
	if plan.MonthlyReportCredits.IsNegative() || plan.MonthlyFullCredits.IsNegative() {
		return AllocationResult{}, ErrInvalidAmount
	}

	var result AllocationResult
	err := l.inWorkspaceTx(ctx, workspaceID, func(tx Tx, wc WorkspaceCredits, now time.Time) error {
		add := map[Category]decimal.Decimal{}
		for _, c := range Categories {
			quota := plan.QuotaOf(c)
			toAdd := cappedTopUp(quota, wc.BalanceOf(c), wc.RolloverCapOf(c))
			if toAdd.LessThan(quota) {
				l.logger.Info("monthly allocation truncated by rollover cap",
					"workspace", workspaceID,
					"plan", plan.Name,
					"category", string(c),
					"quota", quota.String(),
					"balance", wc.BalanceOf(c).String(),
					"cap", wc.RolloverCapOf(c).String(),
					"added", toAdd.String(),
				)
			}
			add[c] = toAdd
		}

		result.ReportAdded = add[CategoryReport]
		result.FullAdded = add[CategoryFull]
		if !result.ReportAdded.IsPositive() && !result.FullAdded.IsPositive() {
			var err error
			result.Balance, err = l.balanceOf(ctx, tx, wc, now)
			return err
		}

		source := "monthly allocation " + now.Format("2006-01")
		if plan.Name != "" {
			source += " (" + plan.Name + ")"
		}
		credited, err := l.creditLocked(ctx, tx, &wc, result.ReportAdded, result.FullAdded,
			AllocationMonthly, source, nil, GrantMetadata{Plan: plan.Name, Note: source}, now)
		if err != nil {
			return err
		}
		result.AllocationIDs = credited.AllocationIDs
		result.Balance = credited.Balance
		return nil
	})
	l.observe(OpMonthly, workspaceID, result.ReportAdded, result.FullAdded, start, err)
	if err != nil {
		return AllocationResult{}, l.fail(OpMonthly, workspaceID, err)
	}
	return result, nil
}

// cappedTopUp returns min(quota, max(0, cap-balance)). A zero cap is no cap.
func cappedTopUp(quota, balance, cap decimal.Decimal) decimal.Decimal {
	if !quota.IsPositive() {
		return decimal.Zero
	}
	if cap.IsZero() {
		return quota
	}
	headroom := decimal.Max(decimal.Zero, cap.Sub(balance))
	return decimal.Min(quota, headroom)
}

// CleanupExpiredCredits zeroes every lot past its expiry, debiting the
// forfeited credits from the cached balance, and deletes expired holds.
// The whole sweep is one transaction.
func (l *Ledger) CleanupExpiredCredits(ctx context.Context) (CleanupResult, error) {
	start := time.Now()

	var (
		result  CleanupResult
		expired []ExpiredEvent
	)
	err := l.store.InTx(ctx, func(tx Tx) error {
		now := l.now().UTC()
		expired = expired[:0]

		lots, err := tx.ExpiredAllocations(ctx, now)
		if err != nil {
			return err
		}

		byWorkspace := make(map[string][]Allocation)
		for _, a := range lots {
			if err := CheckAllocation(a); err != nil {
				return err
			}
			if !a.Remaining.IsPositive() {
				continue
			}
			byWorkspace[a.WorkspaceID] = append(byWorkspace[a.WorkspaceID], a)
		}

		// Lock workspaces in a stable order.
		workspaces := make([]string, 0, len(byWorkspace))
		for ws := range byWorkspace {
			workspaces = append(workspaces, ws)
		}
		sort.Strings(workspaces)

		for _, ws := range workspaces {
			wc, err := requireWorkspace(ctx, tx, ws)
			if err != nil {
				return err
			}
			for _, a := range byWorkspace[ws] {
				if err := tx.InsertUsageEvent(ctx, UsageEvent{
					ID:           newID(),
					WorkspaceID:  ws,
					Kind:         UsageCreditExpired,
					Category:     a.Category,
					Amount:       a.Remaining,
					AllocationID: a.ID,
					CreatedAt:    now,
				}); err != nil {
					return err
				}
				wc.adjust(a.Category, a.Remaining.Neg())
				if err := tx.UpdateAllocationRemaining(ctx, a.ID, decimal.Zero); err != nil {
					return err
				}
				expired = append(expired, ExpiredEvent{
					WorkspaceID:  ws,
					AllocationID: a.ID,
					Category:     a.Category,
					Amount:       a.Remaining,
				})
			}
			wc.UpdatedAt = now
			if err := tx.UpdateWorkspace(ctx, wc); err != nil {
				return err
			}
		}

		holds, err := tx.DeleteExpiredHolds(ctx, now)
		if err != nil {
			return err
		}

		result = CleanupResult{ExpiredAllocations: len(expired), ExpiredHolds: holds}
		return nil
	})
	l.observe(OpCleanup, "", decimal.Zero, decimal.Zero, start, err)
	if err != nil {
		return CleanupResult{}, l.fail(OpCleanup, "", err)
	}

	for _, e := range expired {
		l.meter.OnExpired(e)
	}
	if result.ExpiredAllocations > 0 || result.ExpiredHolds > 0 {
		l.logger.Info("expired credits cleaned up",
			"allocations", result.ExpiredAllocations,
			"holds", result.ExpiredHolds,
		)
	}
	return result, nil
}
