package creditledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Debit consumes credits from a workspace in one atomic transaction.
//
// Availability (balance minus active holds) is rechecked inside the
// transaction; that recheck is the authoritative guard against overdraft.
// Lots are drained in policy order, one DEBIT transaction per lot touched.
// The returned transaction ids are what RefundCredits expects.
func (l *Ledger) Debit(ctx context.Context, workspaceID string, reportAmount, fullAmount decimal.Decimal, reason string, meta Metadata) (DebitResult, error) {
	start := time.Now()
	if workspaceID == "" {
		return DebitResult{}, ErrInvalidWorkspace
	}
	if err := validateAmounts(reportAmount, fullAmount); err != nil {
		return DebitResult{}, err
	}
	if err := validateMetadata(meta); err != nil {
		return DebitResult{}, err
	}
	if meta != nil {
		switch k := meta.Kind(); k {
		case MetadataRefund, MetadataGrant:
			return DebitResult{}, fmt.Errorf("%w: %s metadata cannot accompany a debit", ErrInvalidMetadata, k)
		}
	}

	var result DebitResult
	err := l.inWorkspaceTx(ctx, workspaceID, func(tx Tx, wc WorkspaceCredits, now time.Time) error {
		before, err := l.balanceOf(ctx, tx, wc, now)
		if err != nil {
			return err
		}
		if err := checkAvailable(before, reportAmount, fullAmount); err != nil {
			return err
		}

		var ids []string
		for _, c := range Categories {
			amount := reportAmount
			if c == CategoryFull {
				amount = fullAmount
			}
			if !amount.IsPositive() {
				continue
			}
			txIDs, err := l.consume(ctx, tx, workspaceID, c, amount, reason, meta, now)
			if err != nil {
				return err
			}
			ids = append(ids, txIDs...)
			wc.adjust(c, amount.Neg())
		}

		wc.UpdatedAt = now
		if err := tx.UpdateWorkspace(ctx, wc); err != nil {
			return err
		}

		balance, err := l.balanceOf(ctx, tx, wc, now)
		if err != nil {
			return err
		}
		result = DebitResult{Balance: balance, TransactionIDs: ids}
		return nil
	})
	l.observe(OpDebit, workspaceID, reportAmount, fullAmount, start, err)
	if err != nil {
		return DebitResult{}, l.fail(OpDebit, workspaceID, err)
	}
	return result, nil
}

// consume drains amount of category c from the workspace's lots and returns
// the DEBIT transaction ids it wrote.
func (l *Ledger) consume(ctx context.Context, tx Tx, workspaceID string, c Category, amount decimal.Decimal, reason string, meta Metadata, now time.Time) ([]string, error) {
	lots, err := tx.ConsumableAllocations(ctx, workspaceID, c)
	if err != nil {
		return nil, err
	}

	var ids []string
	left := amount
	for _, a := range l.policy.Order(lots) {
		if !left.IsPositive() {
			break
		}
		if err := CheckAllocation(a); err != nil {
			return nil, err
		}
		take := decimal.Min(left, a.Remaining)
		if !take.IsPositive() {
			continue
		}

		if err := tx.UpdateAllocationRemaining(ctx, a.ID, a.Remaining.Sub(take)); err != nil {
			return nil, err
		}
		t := Transaction{
			ID:           newID(),
			WorkspaceID:  workspaceID,
			AllocationID: a.ID,
			Type:         TransactionDebit,
			Category:     c,
			Amount:       take,
			Reason:       reason,
			Metadata:     meta,
			CreatedAt:    now,
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
		left = left.Sub(take)
	}

	// Only reachable when the cached balance disagrees with the lots.
	if left.IsPositive() {
		return nil, &InsufficientCreditsError{Category: c, Available: amount.Sub(left), Requested: amount}
	}
	return ids, nil
}

// CreditCredits adds credits to a workspace: one lot per positive amount.
// expiresAt may be nil for lots that never expire.
func (l *Ledger) CreditCredits(ctx context.Context, workspaceID string, reportAmount, fullAmount decimal.Decimal, typ AllocationType, sourceDescription string, expiresAt *time.Time) (CreditResult, error) {
	start := time.Now()
	if workspaceID == "" {
		return CreditResult{}, ErrInvalidWorkspace
	}
	if !typ.Valid() {
		return CreditResult{}, fmt.Errorf("%w: %q", ErrInvalidAllocationType, typ)
	}
	if err := validateAmounts(reportAmount, fullAmount); err != nil {
		return CreditResult{}, err
	}

	var result CreditResult
	err := l.inWorkspaceTx(ctx, workspaceID, func(tx Tx, wc WorkspaceCredits, now time.Time) error {
		var err error
		result, err = l.creditLocked(ctx, tx, &wc, reportAmount, fullAmount, typ, sourceDescription, expiresAt, GrantMetadata{Note: sourceDescription}, now)
		return err
	})
	l.observe(OpCredit, workspaceID, reportAmount, fullAmount, start, err)
	if err != nil {
		return CreditResult{}, l.fail(OpCredit, workspaceID, err)
	}
	return result, nil
}

// creditLocked is the crediting path shared by CreditCredits and the
// monthly allocator. wc must be locked by tx.
func (l *Ledger) creditLocked(ctx context.Context, tx Tx, wc *WorkspaceCredits, reportAmount, fullAmount decimal.Decimal, typ AllocationType, source string, expiresAt *time.Time, meta Metadata, now time.Time) (CreditResult, error) {
	var result CreditResult
	for _, c := range Categories {
		amount := reportAmount
		if c == CategoryFull {
			amount = fullAmount
		}
		if !amount.IsPositive() {
			continue
		}
		allocID, txID, err := l.grant(ctx, tx, wc, grantRequest{
			category:  c,
			amount:    amount,
			typ:       typ,
			source:    source,
			expiresAt: expiresAt,
			reason:    source,
			meta:      meta,
		}, now)
		if err != nil {
			return CreditResult{}, err
		}
		result.AllocationIDs = append(result.AllocationIDs, allocID)
		result.TransactionIDs = append(result.TransactionIDs, txID)
	}

	wc.UpdatedAt = now
	if err := tx.UpdateWorkspace(ctx, *wc); err != nil {
		return CreditResult{}, err
	}
	balance, err := l.balanceOf(ctx, tx, *wc, now)
	if err != nil {
		return CreditResult{}, err
	}
	result.Balance = balance
	return result, nil
}

type grantRequest struct {
	category  Category
	amount    decimal.Decimal
	typ       AllocationType
	source    string
	expiresAt *time.Time
	reason    string
	meta      Metadata
}

// grant writes one lot and its CREDIT transaction and adjusts wc in memory.
// The caller persists wc.
func (l *Ledger) grant(ctx context.Context, tx Tx, wc *WorkspaceCredits, req grantRequest, now time.Time) (allocationID, transactionID string, err error) {
	var expiresAt *time.Time
	if req.expiresAt != nil {
		t := req.expiresAt.UTC()
		expiresAt = &t
	}
	a := Allocation{
		ID:                newID(),
		WorkspaceID:       wc.WorkspaceID,
		Type:              req.typ,
		Category:          req.category,
		Amount:            req.amount,
		Remaining:         req.amount,
		ExpiresAt:         expiresAt,
		SourceDescription: req.source,
		CreatedAt:         now,
	}
	if err := tx.InsertAllocation(ctx, a); err != nil {
		return "", "", err
	}
	t := Transaction{
		ID:           newID(),
		WorkspaceID:  wc.WorkspaceID,
		AllocationID: a.ID,
		Type:         TransactionCredit,
		Category:     req.category,
		Amount:       req.amount,
		Reason:       req.reason,
		Metadata:     req.meta,
		CreatedAt:    now,
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return "", "", err
	}
	wc.adjust(req.category, req.amount)
	return a.ID, t.ID, nil
}
