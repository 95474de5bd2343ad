package creditledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category identifies one of the two currencies tracked by the ledger.
type Category string

const (
	CategoryReport Category = "REPORT"
	CategoryFull   Category = "FULL"
)

// Categories lists every currency in a fixed order.
var Categories = []Category{CategoryReport, CategoryFull}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryReport || c == CategoryFull
}

// AllocationType is the source of a credit lot.
type AllocationType string

const (
	AllocationMonthly AllocationType = "MONTHLY"
	AllocationBonus   AllocationType = "BONUS"
	AllocationPack    AllocationType = "PACK"
)

// Valid reports whether t is a known allocation type.
func (t AllocationType) Valid() bool {
	switch t {
	case AllocationMonthly, AllocationBonus, AllocationPack:
		return true
	default:
		return false
	}
}

// TransactionType is the accounting side of an audit record.
type TransactionType string

const (
	TransactionDebit  TransactionType = "DEBIT"
	TransactionCredit TransactionType = "CREDIT"
)

// UsageEventKind classifies a usage event.
type UsageEventKind string

// UsageCreditExpired records credits forfeited by the expiration sweep.
const UsageCreditExpired UsageEventKind = "credit_expired"

// WorkspaceCredits holds the cached balances of a workspace.
// Balances always equal the sum of Remaining over the workspace's allocations
// of the same category once no operation is in flight.
type WorkspaceCredits struct {
	WorkspaceID       string
	ReportBalance     decimal.Decimal
	FullBalance       decimal.Decimal
	ReportRolloverCap decimal.Decimal // zero means uncapped
	FullRolloverCap   decimal.Decimal // zero means uncapped
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BalanceOf returns the cached balance for a category.
func (w WorkspaceCredits) BalanceOf(c Category) decimal.Decimal {
	if c == CategoryFull {
		return w.FullBalance
	}
	return w.ReportBalance
}

// RolloverCapOf returns the rollover cap for a category.
func (w WorkspaceCredits) RolloverCapOf(c Category) decimal.Decimal {
	if c == CategoryFull {
		return w.FullRolloverCap
	}
	return w.ReportRolloverCap
}

func (w *WorkspaceCredits) adjust(c Category, delta decimal.Decimal) {
	if c == CategoryFull {
		w.FullBalance = w.FullBalance.Add(delta)
		return
	}
	w.ReportBalance = w.ReportBalance.Add(delta)
}

// Allocation is a credit lot: a batch of one currency with its own expiry.
type Allocation struct {
	ID                string
	WorkspaceID       string
	Type              AllocationType
	Category          Category
	Amount            decimal.Decimal
	Remaining         decimal.Decimal
	ExpiresAt         *time.Time
	SourceDescription string
	CreatedAt         time.Time
}

// Expired reports whether the lot is past its expiry at now.
func (a Allocation) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}

// Transaction is an immutable audit record.
type Transaction struct {
	ID           string
	WorkspaceID  string
	AllocationID string // empty for refund summary entries
	Type         TransactionType
	Category     Category
	Amount       decimal.Decimal
	Reason       string
	Metadata     Metadata
	CreatedAt    time.Time
}

// Hold is a temporary claim against a workspace's available balance.
type Hold struct {
	ID             string
	WorkspaceID    string
	ReportID       string
	ReportReserved decimal.Decimal
	FullReserved   decimal.Decimal
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// UsageEvent records a ledger-side event that is not a transaction.
type UsageEvent struct {
	ID           string
	WorkspaceID  string
	Kind         UsageEventKind
	Category     Category
	Amount       decimal.Decimal
	AllocationID string
	CreatedAt    time.Time
}

// CurrencyBalance is the balance of one currency.
type CurrencyBalance struct {
	Balance   decimal.Decimal
	Held      decimal.Decimal
	Available decimal.Decimal
}

// Balance is a workspace's balance in both currencies.
type Balance struct {
	WorkspaceID string
	Report      CurrencyBalance
	Full        CurrencyBalance
}

// Of returns the balance for a category.
func (b Balance) Of(c Category) CurrencyBalance {
	if c == CategoryFull {
		return b.Full
	}
	return b.Report
}

// DebitResult is returned by a successful debit.
type DebitResult struct {
	Balance        Balance
	TransactionIDs []string
}

// CreditResult is returned by a successful credit.
type CreditResult struct {
	Balance        Balance
	AllocationIDs  []string
	TransactionIDs []string
}

// RefundResult is returned by a successful refund.
type RefundResult struct {
	WorkspaceID    string
	ReportRefunded decimal.Decimal
	FullRefunded   decimal.Decimal
	Balance        Balance
	TransactionIDs []string
}

// HoldResult is returned by a successful reservation.
type HoldResult struct {
	HoldID    string
	ExpiresAt time.Time
	Balance   Balance
}

// AllocationBreakdown describes one lot with remaining credits.
type AllocationBreakdown struct {
	AllocationID      string
	Type              AllocationType
	Category          Category
	Amount            decimal.Decimal
	Remaining         decimal.Decimal
	ExpiresAt         *time.Time
	DaysUntilExpiry   *int
	Expired           bool
	SourceDescription string
	CreatedAt         time.Time
}

// AllocationResult is returned by the monthly allocator.
type AllocationResult struct {
	ReportAdded   decimal.Decimal
	FullAdded     decimal.Decimal
	AllocationIDs []string
	Balance       Balance
}

// CleanupResult is returned by the expiration sweep.
type CleanupResult struct {
	ExpiredAllocations int
	ExpiredHolds       int64
}
