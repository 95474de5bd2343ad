package creditledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger is the credit accounting engine for tenant workspaces.
// It is safe for concurrent use; all coordination happens in the Store.
type Ledger struct {
	store  Store
	cfg    Config
	policy ConsumptionPolicy
	meter  Meter
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithConfig sets the ledger configuration.
func WithConfig(cfg Config) Option {
	return func(l *Ledger) { l.cfg = cfg }
}

// WithPolicy sets the lot consumption policy.
func WithPolicy(p ConsumptionPolicy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(l *Ledger) { l.meter = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger on top of the given store.
// Default components (expiry-first policy, noop meter, slog.Default) are used
// unless overridden via options.
func New(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("creditledger: store is required")
	}

	l := &Ledger{
		store: store,
		cfg:   DefaultConfig(),
	}

	for _, opt := range opts {
		opt(l)
	}

	// Apply defaults after options.
	if l.policy == nil {
		l.policy = &defaultExpiryFirstPolicy{}
	}
	if l.meter == nil {
		l.meter = &noopMeter{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}

	if err := l.cfg.Validate(); err != nil {
		return nil, err
	}

	return l, nil
}

// Config returns the ledger configuration.
func (l *Ledger) Config() Config {
	return l.cfg
}

// PlanByName resolves a configured plan.
func (l *Ledger) PlanByName(name string) (Plan, error) {
	return l.cfg.Plan(name)
}

// GetBalance returns the balance of a workspace, creating its credit row on
// first access.
func (l *Ledger) GetBalance(ctx context.Context, workspaceID string) (Balance, error) {
	start := time.Now()
	if workspaceID == "" {
		return Balance{}, ErrInvalidWorkspace
	}

	var balance Balance
	err := l.inWorkspaceTx(ctx, workspaceID, func(tx Tx, wc WorkspaceCredits, now time.Time) error {
		var err error
		balance, err = l.balanceOf(ctx, tx, wc, now)
		return err
	})
	l.observe(OpBalance, workspaceID, decimal.Zero, decimal.Zero, start, err)
	if err != nil {
		return Balance{}, l.fail(OpBalance, workspaceID, err)
	}
	return balance, nil
}

// GetCreditBreakdown lists the workspace's lots that still hold credits,
// in the order a debit would drain them.
func (l *Ledger) GetCreditBreakdown(ctx context.Context, workspaceID string) ([]AllocationBreakdown, error) {
	start := time.Now()
	if workspaceID == "" {
		return nil, ErrInvalidWorkspace
	}

	var out []AllocationBreakdown
	err := l.store.InTx(ctx, func(tx Tx) error {
		now := l.now().UTC()
		for _, c := range Categories {
			lots, err := tx.ConsumableAllocations(ctx, workspaceID, c)
			if err != nil {
				return err
			}
			for _, a := range l.policy.Order(lots) {
				if err := CheckAllocation(a); err != nil {
					return err
				}
				out = append(out, breakdownOf(a, now))
			}
		}
		return nil
	})
	l.observe(OpBreakdown, workspaceID, decimal.Zero, decimal.Zero, start, err)
	if err != nil {
		return nil, l.fail(OpBreakdown, workspaceID, err)
	}
	return out, nil
}

// Transactions returns the most recent audit records of a workspace.
func (l *Ledger) Transactions(ctx context.Context, workspaceID string, limit int) ([]Transaction, error) {
	start := time.Now()
	if workspaceID == "" {
		return nil, ErrInvalidWorkspace
	}
	if limit <= 0 {
		limit = 50
	}

	var out []Transaction
	err := l.store.InTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListTransactions(ctx, workspaceID, limit)
		return err
	})
	l.observe(OpHistory, workspaceID, decimal.Zero, decimal.Zero, start, err)
	if err != nil {
		return nil, l.fail(OpHistory, workspaceID, err)
	}
	return out, nil
}

// SetRolloverCaps changes the rollover caps of a workspace. A zero cap
// leaves that currency uncapped.
func (l *Ledger) SetRolloverCaps(ctx context.Context, workspaceID string, reportCap, fullCap decimal.Decimal) error {
	start := time.Now()
	if workspaceID == "" {
		return ErrInvalidWorkspace
	}
	if reportCap.IsNegative() || fullCap.IsNegative() {
		return fmt.Errorf("%w: rollover caps must not be negative", ErrInvalidAmount)
	}

	err := l.inWorkspaceTx(ctx, workspaceID, func(tx Tx, wc WorkspaceCredits, now time.Time) error {
		wc.ReportRolloverCap = reportCap
		wc.FullRolloverCap = fullCap
		wc.UpdatedAt = now
		return tx.UpdateWorkspace(ctx, wc)
	})
	l.observe(OpSetCaps, workspaceID, reportCap, fullCap, start, err)
	if err != nil {
		return l.fail(OpSetCaps, workspaceID, err)
	}
	return nil
}

// errNoWorkspace aborts a transaction that found no workspace row.
var errNoWorkspace = errors.New("creditledger: workspace row missing")

// inWorkspaceTx runs fn in a transaction holding the workspace row lock.
// A missing row is first created in a transaction of its own, then fn's
// transaction runs again against the new row.
func (l *Ledger) inWorkspaceTx(ctx context.Context, workspaceID string, fn func(tx Tx, wc WorkspaceCredits, now time.Time) error) error {
	run := func(tx Tx) error {
		now := l.now().UTC()
		wc, ok, err := tx.LockWorkspace(ctx, workspaceID)
		if err != nil {
			return err
		}
		if !ok {
			return errNoWorkspace
		}
		return fn(tx, wc, now)
	}

	err := l.store.InTx(ctx, run)
	if !errors.Is(err, errNoWorkspace) {
		return err
	}
	if err := l.createWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	err = l.store.InTx(ctx, run)
	if errors.Is(err, errNoWorkspace) {
		return &IntegrityError{Entity: "workspace", ID: workspaceID, Detail: "credit row missing after creation"}
	}
	return err
}

// createWorkspace inserts the workspace row and seeds the signup bonus.
// When a concurrent caller created the row first, it does nothing.
func (l *Ledger) createWorkspace(ctx context.Context, workspaceID string) error {
	run := func(tx Tx) error {
		now := l.now().UTC()
		wc := WorkspaceCredits{
			WorkspaceID:       workspaceID,
			ReportBalance:     decimal.Zero,
			FullBalance:       decimal.Zero,
			ReportRolloverCap: l.cfg.RolloverCaps.Report,
			FullRolloverCap:   l.cfg.RolloverCaps.Full,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		created, err := tx.InsertWorkspace(ctx, wc)
		if err != nil || !created {
			return err
		}
		return l.seedSignupBonus(ctx, tx, &wc, now)
	}

	if r, ok := l.store.(CreateTxRunner); ok {
		return r.InCreateTx(ctx, run)
	}
	return l.store.InTx(ctx, run)
}

func (l *Ledger) seedSignupBonus(ctx context.Context, tx Tx, wc *WorkspaceCredits, now time.Time) error {
	bonus := l.cfg.SignupBonus
	if !bonus.Enabled() {
		return nil
	}

	var expiresAt *time.Time
	if bonus.ExpiresInDays > 0 {
		t := now.AddDate(0, 0, bonus.ExpiresInDays)
		expiresAt = &t
	}
	meta := GrantMetadata{Note: "signup bonus"}
	for _, c := range Categories {
		amount := bonus.Report
		if c == CategoryFull {
			amount = bonus.Full
		}
		if !amount.IsPositive() {
			continue
		}
		if _, _, err := l.grant(ctx, tx, wc, grantRequest{
			category:  c,
			amount:    amount,
			typ:       AllocationBonus,
			source:    "signup bonus",
			expiresAt: expiresAt,
			reason:    "signup bonus",
			meta:      meta,
		}, now); err != nil {
			return err
		}
	}
	if err := tx.UpdateWorkspace(ctx, *wc); err != nil {
		return err
	}

	l.logger.Info("workspace credits initialized",
		"workspace", wc.WorkspaceID,
		"bonus_report", bonus.Report.String(),
		"bonus_full", bonus.Full.String(),
	)
	return nil
}

// requireWorkspace locks an existing workspace row.
func requireWorkspace(ctx context.Context, tx Tx, workspaceID string) (WorkspaceCredits, error) {
	wc, ok, err := tx.LockWorkspace(ctx, workspaceID)
	if err != nil {
		return WorkspaceCredits{}, err
	}
	if !ok {
		return WorkspaceCredits{}, &IntegrityError{Entity: "workspace", ID: workspaceID, Detail: "credit row missing"}
	}
	return wc, nil
}

func (l *Ledger) balanceOf(ctx context.Context, tx Tx, wc WorkspaceCredits, now time.Time) (Balance, error) {
	holds, err := tx.ActiveHolds(ctx, wc.WorkspaceID, now)
	if err != nil {
		return Balance{}, err
	}
	heldReport, heldFull := sumHolds(holds)
	return Balance{
		WorkspaceID: wc.WorkspaceID,
		Report:      currencyBalance(wc.ReportBalance, heldReport),
		Full:        currencyBalance(wc.FullBalance, heldFull),
	}, nil
}

func currencyBalance(balance, held decimal.Decimal) CurrencyBalance {
	return CurrencyBalance{
		Balance:   balance,
		Held:      held,
		Available: balance.Sub(held),
	}
}

func sumHolds(holds []Hold) (report, full decimal.Decimal) {
	report, full = decimal.Zero, decimal.Zero
	for _, h := range holds {
		report = report.Add(h.ReportReserved)
		full = full.Add(h.FullReserved)
	}
	return report, full
}

// checkAvailable returns an insufficiency error for the first currency that
// cannot cover its requested amount.
func checkAvailable(b Balance, report, full decimal.Decimal) error {
	for _, c := range Categories {
		requested := report
		if c == CategoryFull {
			requested = full
		}
		if !requested.IsPositive() {
			continue
		}
		available := b.Of(c).Available
		if available.LessThan(requested) {
			return &InsufficientCreditsError{Category: c, Available: available, Requested: requested}
		}
	}
	return nil
}

func breakdownOf(a Allocation, now time.Time) AllocationBreakdown {
	b := AllocationBreakdown{
		AllocationID:      a.ID,
		Type:              a.Type,
		Category:          a.Category,
		Amount:            a.Amount,
		Remaining:         a.Remaining,
		ExpiresAt:         a.ExpiresAt,
		Expired:           a.Expired(now),
		SourceDescription: a.SourceDescription,
		CreatedAt:         a.CreatedAt,
	}
	if a.ExpiresAt != nil && !b.Expired {
		days := int(a.ExpiresAt.Sub(now).Hours() / 24)
		b.DaysUntilExpiry = &days
	}
	return b
}

func validateAmounts(report, full decimal.Decimal) error {
	if report.IsNegative() || full.IsNegative() {
		return fmt.Errorf("%w: amounts must not be negative", ErrInvalidAmount)
	}
	if report.IsZero() && full.IsZero() {
		return fmt.Errorf("%w: at least one amount must be positive", ErrInvalidAmount)
	}
	return nil
}

func newID() string {
	return uuid.New().String()
}

// fail turns an error escaping a store transaction into what callers see.
// Rejections pass through untouched; integrity violations are logged and
// passed through; anything else is a store failure.
func (l *Ledger) fail(op, workspaceID string, err error) error {
	if IsRejected(err) {
		return err
	}
	var ie *IntegrityError
	if errors.As(err, &ie) {
		l.logger.Error("credit ledger integrity violation",
			"op", op,
			"workspace", workspaceID,
			"entity", ie.Entity,
			"id", ie.ID,
			"detail", ie.Detail,
		)
		return err
	}
	l.logger.Error("credit ledger operation failed",
		"op", op,
		"workspace", workspaceID,
		"error", err,
	)
	return &OpError{Op: op, WorkspaceID: workspaceID, Err: err}
}

func (l *Ledger) observe(op, workspaceID string, report, full decimal.Decimal, start time.Time, err error) {
	l.meter.OnOperation(OperationEvent{
		Op:           op,
		WorkspaceID:  workspaceID,
		ReportAmount: report,
		FullAmount:   full,
		Success:      err == nil,
		Duration:     time.Since(start),
		Error:        err,
	})
}

// defaultExpiryFirstPolicy is an inline expiry-first policy to avoid import cycles.
type defaultExpiryFirstPolicy struct{}

func (p *defaultExpiryFirstPolicy) Order(allocations []Allocation) []Allocation {
	result := make([]Allocation, len(allocations))
	copy(result, allocations)

	sort.SliceStable(result, func(i, j int) bool {
		ai, aj := result[i], result[j]
		// Lots without expiry are drained last.
		if (ai.ExpiresAt == nil) != (aj.ExpiresAt == nil) {
			return ai.ExpiresAt != nil
		}
		if ai.ExpiresAt != nil && !ai.ExpiresAt.Equal(*aj.ExpiresAt) {
			return ai.ExpiresAt.Before(*aj.ExpiresAt)
		}
		return ai.CreatedAt.Before(aj.CreatedAt)
	})

	return result
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnOperation(OperationEvent) {}
func (m *noopMeter) OnExpired(ExpiredEvent)     {}
