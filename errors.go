package creditledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors.
var (
	ErrInsufficientCredits   = errors.New("creditledger: insufficient credits")
	ErrInvalidAmount         = errors.New("creditledger: invalid amount")
	ErrInvalidWorkspace      = errors.New("creditledger: workspace id is required")
	ErrInvalidAllocationType = errors.New("creditledger: invalid allocation type")
	ErrInvalidMetadata       = errors.New("creditledger: invalid metadata")
	ErrInvalidRefund         = errors.New("creditledger: invalid refund request")
	ErrTransactionNotFound   = errors.New("creditledger: transaction not found")
	ErrNotDebit              = errors.New("creditledger: transaction is not a debit")
	ErrCrossWorkspaceRefund  = errors.New("creditledger: refund spans multiple workspaces")
	ErrAlreadyRefunded       = errors.New("creditledger: debit already refunded")
	ErrInvalidReservation    = errors.New("creditledger: invalid reservation request")
	ErrHoldNotFound          = errors.New("creditledger: hold not found")
	ErrUnknownPlan           = errors.New("creditledger: unknown plan")
	ErrIntegrity             = errors.New("creditledger: data integrity violation")
	ErrStore                 = errors.New("creditledger: store operation failed")
)

// InsufficientCreditsError reports which currency could not cover a request.
type InsufficientCreditsError struct {
	Category  Category
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("creditledger: insufficient %s credits: available %s, requested %s",
		e.Category, e.Available, e.Requested)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// IntegrityError reports data read from the store that violates a ledger
// invariant. It indicates store corruption and must not be retried.
type IntegrityError struct {
	Entity string
	ID     string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("creditledger: integrity violation: %s %s: %s", e.Entity, e.ID, e.Detail)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// OpError wraps a persistence failure with operation context.
type OpError struct {
	Op          string
	WorkspaceID string
	Err         error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("creditledger: op=%s workspace=%s: %v", e.Op, e.WorkspaceID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func (e *OpError) Is(target error) bool {
	return target == ErrStore
}

// IsFatal returns true if the error indicates corrupt ledger data.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

// IsRejected returns true if the ledger refused the request without touching
// any state: insufficient funds or invalid input.
func IsRejected(err error) bool {
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var rejections = []error{
	ErrInsufficientCredits,
	ErrInvalidAmount,
	ErrInvalidWorkspace,
	ErrInvalidAllocationType,
	ErrInvalidMetadata,
	ErrInvalidRefund,
	ErrTransactionNotFound,
	ErrNotDebit,
	ErrCrossWorkspaceRefund,
	ErrAlreadyRefunded,
	ErrInvalidReservation,
	ErrHoldNotFound,
	ErrUnknownPlan,
}

// CheckAllocation validates a lot read from a store.
func CheckAllocation(a Allocation) error {
	if !a.Type.Valid() {
		return &IntegrityError{Entity: "allocation", ID: a.ID, Detail: fmt.Sprintf("unknown type %q", a.Type)}
	}
	if !a.Category.Valid() {
		return &IntegrityError{Entity: "allocation", ID: a.ID, Detail: fmt.Sprintf("unknown category %q", a.Category)}
	}
	if a.Remaining.IsNegative() || a.Remaining.GreaterThan(a.Amount) {
		return &IntegrityError{Entity: "allocation", ID: a.ID,
			Detail: fmt.Sprintf("remaining %s outside [0, %s]", a.Remaining, a.Amount)}
	}
	return nil
}
