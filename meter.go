package creditledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Operation names reported to a Meter.
const (
	OpBalance   = "balance"
	OpDebit     = "debit"
	OpCredit    = "credit"
	OpRefund    = "refund"
	OpReserve   = "reserve"
	OpRelease   = "release"
	OpBreakdown = "breakdown"
	OpMonthly   = "monthly_allocation"
	OpCleanup   = "cleanup_expired"
	OpSetCaps   = "set_rollover_caps"
	OpHistory   = "history"
)

// Meter observes ledger operations for monitoring/logging.
type Meter interface {
	// OnOperation is called once per public ledger operation.
	OnOperation(event OperationEvent)

	// OnExpired is called for every lot zeroed by the expiration sweep,
	// after the sweep committed.
	OnExpired(event ExpiredEvent)
}

// OperationEvent describes the outcome of a ledger operation.
type OperationEvent struct {
	Op           string
	WorkspaceID  string
	ReportAmount decimal.Decimal
	FullAmount   decimal.Decimal
	Success      bool
	Duration     time.Duration
	Error        error
}

// ExpiredEvent describes credits forfeited by a lot expiring.
type ExpiredEvent struct {
	WorkspaceID  string
	AllocationID string
	Category     Category
	Amount       decimal.Decimal
}
