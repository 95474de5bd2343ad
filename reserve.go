package creditledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReserveCredits places a hold that lowers the workspace's available
// balance without touching any lot. ttlDays <= 0 uses the configured
// default.
func (l *Ledger) ReserveCredits(ctx context.Context, workspaceID, reportID string, reportAmount, fullAmount decimal.Decimal, ttlDays int) (HoldResult, error) {
	start := time.Now()
	if workspaceID == "" {
		return HoldResult{}, ErrInvalidWorkspace
	}
	if reportID == "" {
		return HoldResult{}, fmt.Errorf("%w: report id is required", ErrInvalidReservation)
	}
	if err := validateAmounts(reportAmount, fullAmount); err != nil {
		return HoldResult{}, err
	}
	if ttlDays <= 0 {
		ttlDays = l.cfg.holdTTLDays()
	}

	var result HoldResult
	err := l.inWorkspaceTx(ctx, workspaceID, func(tx Tx, wc WorkspaceCredits, now time.Time) error {
		before, err := l.balanceOf(ctx, tx, wc, now)
		if err != nil {
			return err
		}
		if err := checkAvailable(before, reportAmount, fullAmount); err != nil {
			return err
		}

		h := Hold{
			ID:             newID(),
			WorkspaceID:    workspaceID,
			ReportID:       reportID,
			ReportReserved: reportAmount,
			FullReserved:   fullAmount,
			ExpiresAt:      now.AddDate(0, 0, ttlDays),
			CreatedAt:      now,
		}
		if err := tx.InsertHold(ctx, h); err != nil {
			return err
		}

		balance, err := l.balanceOf(ctx, tx, wc, now)
		if err != nil {
			return err
		}
		result = HoldResult{HoldID: h.ID, ExpiresAt: h.ExpiresAt, Balance: balance}
		return nil
	})
	l.observe(OpReserve, workspaceID, reportAmount, fullAmount, start, err)
	if err != nil {
		return HoldResult{}, l.fail(OpReserve, workspaceID, err)
	}
	return result, nil
}

// ReleaseReservation deletes a hold. Releasing an unknown or already
// released hold returns ErrHoldNotFound.
func (l *Ledger) ReleaseReservation(ctx context.Context, holdID string) error {
	start := time.Now()
	if holdID == "" {
		return fmt.Errorf("%w: empty hold id", ErrHoldNotFound)
	}

	err := l.store.InTx(ctx, func(tx Tx) error {
		deleted, err := tx.DeleteHold(ctx, holdID)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%w: %s", ErrHoldNotFound, holdID)
		}
		return nil
	})
	l.observe(OpRelease, "", decimal.Zero, decimal.Zero, start, err)
	if err != nil {
		return l.fail(OpRelease, "", err)
	}
	return nil
}
