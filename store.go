package creditledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the transactional persistence collaborator of the ledger.
type Store interface {
	// InTx runs fn inside a single atomic transaction with serializable
	// (or equivalent) isolation. A non-nil error from fn rolls back every
	// write made through tx. InTx never retries.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases underlying resources.
	Close() error
}

// CreateTxRunner is implemented by stores whose InTx isolation turns two
// concurrent first inserts of one workspace into a failure. The ledger
// creates missing workspace rows through InCreateTx instead, where
// InsertWorkspace waits for a concurrent creator and then reports the row
// as already present.
type CreateTxRunner interface {
	InCreateTx(ctx context.Context, fn func(tx Tx) error) error
}

// SchemaInitializer is implemented by stores that can create their schema.
type SchemaInitializer interface {
	EnsureSchema(ctx context.Context) error
}

// Tx exposes the ledger entities inside one store transaction.
// Read methods that precede a write (LockWorkspace, ConsumableAllocations,
// GetAllocations, ExpiredAllocations) lock the rows they return until the
// transaction ends. A workspace row is always locked before its lots.
type Tx interface {
	// LockWorkspace returns the workspace row, or false if none exists.
	LockWorkspace(ctx context.Context, workspaceID string) (WorkspaceCredits, bool, error)
	// InsertWorkspace creates the row unless one already exists and
	// reports whether it did.
	InsertWorkspace(ctx context.Context, wc WorkspaceCredits) (bool, error)
	// UpdateWorkspace persists balances, caps and UpdatedAt.
	UpdateWorkspace(ctx context.Context, wc WorkspaceCredits) error

	InsertAllocation(ctx context.Context, a Allocation) error
	// ConsumableAllocations returns the workspace's lots of category c with
	// Remaining > 0, expired or not.
	ConsumableAllocations(ctx context.Context, workspaceID string, c Category) ([]Allocation, error)
	GetAllocations(ctx context.Context, ids []string) ([]Allocation, error)
	UpdateAllocationRemaining(ctx context.Context, id string, remaining decimal.Decimal) error
	// ExpiredAllocations returns lots with ExpiresAt < now and Remaining > 0
	// across all workspaces, ordered by workspace. It locks the owning
	// workspace rows, in workspace id order, before the lots.
	ExpiredAllocations(ctx context.Context, now time.Time) ([]Allocation, error)

	InsertTransaction(ctx context.Context, t Transaction) error
	// GetTransactions returns the transactions that exist among ids.
	GetTransactions(ctx context.Context, ids []string) ([]Transaction, error)
	// ListTransactions returns the newest transactions of a workspace first.
	ListTransactions(ctx context.Context, workspaceID string, limit int) ([]Transaction, error)
	// MarkRefunded records that the given debits have been reversed.
	MarkRefunded(ctx context.Context, debitIDs []string, at time.Time) error
	// RefundedAmong returns the ids among debitIDs already marked refunded.
	RefundedAmong(ctx context.Context, debitIDs []string) ([]string, error)

	InsertHold(ctx context.Context, h Hold) error
	// ActiveHolds returns the workspace's holds with ExpiresAt > now.
	ActiveHolds(ctx context.Context, workspaceID string, now time.Time) ([]Hold, error)
	// DeleteHold reports whether a hold was deleted.
	DeleteHold(ctx context.Context, holdID string) (bool, error)
	DeleteExpiredHolds(ctx context.Context, now time.Time) (int64, error)

	InsertUsageEvent(ctx context.Context, e UsageEvent) error
}
