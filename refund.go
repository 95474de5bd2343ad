package creditledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RefundCredits reverses prior debits in one atomic transaction.
//
// Every id must name a DEBIT transaction of the same workspace that has not
// been refunded before; otherwise the whole call is rejected before any
// write. Each originating lot gets its debited amount back, the cached
// balance is restored, and one CREDIT transaction per currency records the
// reversal with the related debit ids in its metadata.
func (l *Ledger) RefundCredits(ctx context.Context, debitTransactionIDs []string, reason string, meta Metadata) (RefundResult, error) {
	start := time.Now()
	if len(debitTransactionIDs) == 0 {
		return RefundResult{}, fmt.Errorf("%w: no transaction ids", ErrInvalidRefund)
	}
	seen := make(map[string]bool, len(debitTransactionIDs))
	for _, id := range debitTransactionIDs {
		if id == "" {
			return RefundResult{}, fmt.Errorf("%w: empty transaction id", ErrInvalidRefund)
		}
		if seen[id] {
			return RefundResult{}, fmt.Errorf("%w: transaction %s listed twice", ErrInvalidRefund, id)
		}
		seen[id] = true
	}
	if err := validateMetadata(meta); err != nil {
		return RefundResult{}, err
	}
	if meta != nil && meta.Kind() == MetadataRefund {
		return RefundResult{}, fmt.Errorf("%w: refund context cannot be a refund", ErrInvalidMetadata)
	}

	ids := append([]string(nil), debitTransactionIDs...)

	var result RefundResult
	err := l.store.InTx(ctx, func(tx Tx) error {
		now := l.now().UTC()

		debits, err := loadDebits(ctx, tx, ids)
		if err != nil {
			return err
		}
		workspaceID := debits[0].WorkspaceID
		result.WorkspaceID = workspaceID

		already, err := tx.RefundedAmong(ctx, ids)
		if err != nil {
			return err
		}
		if len(already) > 0 {
			sort.Strings(already)
			return fmt.Errorf("%w: %v", ErrAlreadyRefunded, already)
		}

		wc, err := requireWorkspace(ctx, tx, workspaceID)
		if err != nil {
			return err
		}

		// Group by originating lot.
		perLot := make(map[string]decimal.Decimal)
		var lotIDs []string
		refunded := map[Category]decimal.Decimal{CategoryReport: decimal.Zero, CategoryFull: decimal.Zero}
		for _, d := range debits {
			if _, ok := perLot[d.AllocationID]; !ok {
				perLot[d.AllocationID] = decimal.Zero
				lotIDs = append(lotIDs, d.AllocationID)
			}
			perLot[d.AllocationID] = perLot[d.AllocationID].Add(d.Amount)
			refunded[d.Category] = refunded[d.Category].Add(d.Amount)
		}

		lots, err := tx.GetAllocations(ctx, lotIDs)
		if err != nil {
			return err
		}
		byID := make(map[string]Allocation, len(lots))
		for _, a := range lots {
			byID[a.ID] = a
		}
		for _, lotID := range lotIDs {
			a, ok := byID[lotID]
			if !ok {
				return &IntegrityError{Entity: "allocation", ID: lotID, Detail: "referenced by debit but missing"}
			}
			if err := CheckAllocation(a); err != nil {
				return err
			}
			if a.WorkspaceID != workspaceID {
				return &IntegrityError{Entity: "allocation", ID: lotID, Detail: "belongs to another workspace"}
			}
			restored := a.Remaining.Add(perLot[lotID])
			if restored.GreaterThan(a.Amount) {
				return &IntegrityError{Entity: "allocation", ID: lotID,
					Detail: fmt.Sprintf("refund would raise remaining to %s above amount %s", restored, a.Amount)}
			}
			if err := tx.UpdateAllocationRemaining(ctx, lotID, restored); err != nil {
				return err
			}
		}

		refundMeta := RefundMetadata{RelatedDebits: ids, Reason: reason, Context: meta}
		for _, c := range Categories {
			amount := refunded[c]
			if !amount.IsPositive() {
				continue
			}
			wc.adjust(c, amount)
			t := Transaction{
				ID:          newID(),
				WorkspaceID: workspaceID,
				Type:        TransactionCredit,
				Category:    c,
				Amount:      amount,
				Reason:      reason,
				Metadata:    refundMeta,
				CreatedAt:   now,
			}
			if err := tx.InsertTransaction(ctx, t); err != nil {
				return err
			}
			result.TransactionIDs = append(result.TransactionIDs, t.ID)
		}

		if err := tx.MarkRefunded(ctx, ids, now); err != nil {
			return err
		}

		wc.UpdatedAt = now
		if err := tx.UpdateWorkspace(ctx, wc); err != nil {
			return err
		}

		result.ReportRefunded = refunded[CategoryReport]
		result.FullRefunded = refunded[CategoryFull]
		result.Balance, err = l.balanceOf(ctx, tx, wc, now)
		return err
	})
	l.observe(OpRefund, result.WorkspaceID, result.ReportRefunded, result.FullRefunded, start, err)
	if err != nil {
		return RefundResult{}, l.fail(OpRefund, result.WorkspaceID, err)
	}

	l.logger.Info("credits refunded",
		"workspace", result.WorkspaceID,
		"report", result.ReportRefunded.String(),
		"full", result.FullRefunded.String(),
		"debits", len(ids),
		"reason", reason,
	)
	return result, nil
}

// loadDebits loads the referenced transactions in request order and checks
// that they are debits of a single workspace.
func loadDebits(ctx context.Context, tx Tx, ids []string) ([]Transaction, error) {
	found, err := tx.GetTransactions(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Transaction, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}

	debits := make([]Transaction, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
		}
		if t.Type != TransactionDebit {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotDebit, id, t.Type)
		}
		if t.AllocationID == "" {
			return nil, &IntegrityError{Entity: "transaction", ID: id, Detail: "debit without allocation"}
		}
		if len(debits) > 0 && t.WorkspaceID != debits[0].WorkspaceID {
			return nil, fmt.Errorf("%w: %s and %s", ErrCrossWorkspaceRefund, debits[0].WorkspaceID, t.WorkspaceID)
		}
		debits = append(debits, t)
	}
	return debits, nil
}
