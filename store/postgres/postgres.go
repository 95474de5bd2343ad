// Package postgres provides a PostgreSQL-backed Store for creditledger.
//
// Every ledger transaction runs at SERIALIZABLE isolation and locks the
// workspace row and the lots it touches with SELECT ... FOR UPDATE. This makes
// it safe for multi-instance deployments. Serialization failures are returned
// to the caller; the store never retries.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ineyio/creditledger"
)

// Store is a PostgreSQL-backed creditledger.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ creditledger.Store             = (*Store)(nil)
	_ creditledger.SchemaInitializer = (*Store)(nil)
	_ creditledger.CreateTxRunner    = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditledger_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditledger_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) workspacesTable() string   { return s.tablePrefix + "workspaces" }
func (s *Store) allocationsTable() string  { return s.tablePrefix + "allocations" }
func (s *Store) transactionsTable() string { return s.tablePrefix + "transactions" }
func (s *Store) refundsTable() string      { return s.tablePrefix + "refunds" }
func (s *Store) holdsTable() string        { return s.tablePrefix + "holds" }
func (s *Store) usageEventsTable() string  { return s.tablePrefix + "usage_events" }

// Tables lists every table owned by the store.
func (s *Store) Tables() []string {
	return []string{
		s.workspacesTable(),
		s.allocationsTable(),
		s.transactionsTable(),
		s.refundsTable(),
		s.holdsTable(),
		s.usageEventsTable(),
	}
}

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			workspace_id TEXT PRIMARY KEY,
			report_balance NUMERIC NOT NULL DEFAULT 0,
			full_balance NUMERIC NOT NULL DEFAULT 0,
			report_rollover_cap NUMERIC NOT NULL DEFAULT 0,
			full_rollover_cap NUMERIC NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			seq BIGINT GENERATED ALWAYS AS IDENTITY,
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			type TEXT NOT NULL,
			category TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			remaining NUMERIC NOT NULL,
			expires_at TIMESTAMPTZ,
			source_description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_ws_idx ON %[2]s (workspace_id, category);
		CREATE INDEX IF NOT EXISTS %[2]s_expiry_idx ON %[2]s (expires_at) WHERE expires_at IS NOT NULL;
		CREATE TABLE IF NOT EXISTS %[3]s (
			seq BIGINT GENERATED ALWAYS AS IDENTITY,
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			allocation_id TEXT,
			type TEXT NOT NULL,
			category TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[3]s_ws_idx ON %[3]s (workspace_id, seq DESC);
		CREATE TABLE IF NOT EXISTS %[4]s (
			debit_id TEXT PRIMARY KEY,
			refunded_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[5]s (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			report_id TEXT NOT NULL,
			report_reserved NUMERIC NOT NULL,
			full_reserved NUMERIC NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[5]s_ws_idx ON %[5]s (workspace_id, expires_at);
		CREATE TABLE IF NOT EXISTS %[6]s (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			category TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			allocation_id TEXT,
			created_at TIMESTAMPTZ NOT NULL
		);
	`, s.workspacesTable(), s.allocationsTable(), s.transactionsTable(),
		s.refundsTable(), s.holdsTable(), s.usageEventsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: ensure schema: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error { return nil }

// InTx runs fn inside one SERIALIZABLE transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx creditledger.Tx) error) error {
	return s.inTx(ctx, pgx.Serializable, fn)
}

// InCreateTx runs fn inside one READ COMMITTED transaction. There an
// InsertWorkspace racing a concurrent creator waits for it to commit and
// then inserts nothing, where SERIALIZABLE would fail the transaction.
func (s *Store) InCreateTx(ctx context.Context, fn func(tx creditledger.Tx) error) error {
	return s.inTx(ctx, pgx.ReadCommitted, fn)
}

func (s *Store) inTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(tx creditledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return fmt.Errorf("creditledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("creditledger/postgres: commit: %w", err)
	}
	return nil
}

// UsageEvents returns the usage events recorded for a workspace, oldest first.
func (s *Store) UsageEvents(ctx context.Context, workspaceID string) ([]creditledger.UsageEvent, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, workspace_id, kind, category, amount, allocation_id, created_at
			FROM %s WHERE workspace_id = $1 ORDER BY created_at, id`, s.usageEventsTable()),
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: usage events: %w", err)
	}
	defer rows.Close()

	var out []creditledger.UsageEvent
	for rows.Next() {
		var (
			e         creditledger.UsageEvent
			kind, cat string
			allocID   *string
		)
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &kind, &cat, &e.Amount, &allocID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("creditledger/postgres: scan usage event: %w", err)
		}
		e.Kind = creditledger.UsageEventKind(kind)
		e.Category = creditledger.Category(cat)
		if allocID != nil {
			e.AllocationID = *allocID
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

type pgTx struct {
	s  *Store
	tx pgx.Tx
}

func (t *pgTx) LockWorkspace(ctx context.Context, workspaceID string) (creditledger.WorkspaceCredits, bool, error) {
	var wc creditledger.WorkspaceCredits
	err := t.tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT workspace_id, report_balance, full_balance, report_rollover_cap, full_rollover_cap, created_at, updated_at
			FROM %s WHERE workspace_id = $1 FOR UPDATE`, t.s.workspacesTable()),
		workspaceID,
	).Scan(&wc.WorkspaceID, &wc.ReportBalance, &wc.FullBalance, &wc.ReportRolloverCap, &wc.FullRolloverCap, &wc.CreatedAt, &wc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditledger.WorkspaceCredits{}, false, nil
	}
	if err != nil {
		return creditledger.WorkspaceCredits{}, false, fmt.Errorf("creditledger/postgres: lock workspace: %w", err)
	}
	wc.CreatedAt = wc.CreatedAt.UTC()
	wc.UpdatedAt = wc.UpdatedAt.UTC()
	return wc, true, nil
}

func (t *pgTx) InsertWorkspace(ctx context.Context, wc creditledger.WorkspaceCredits) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (workspace_id, report_balance, full_balance, report_rollover_cap, full_rollover_cap, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (workspace_id) DO NOTHING`, t.s.workspacesTable()),
		wc.WorkspaceID,
		wc.ReportBalance.String(),
		wc.FullBalance.String(),
		wc.ReportRolloverCap.String(),
		wc.FullRolloverCap.String(),
		wc.CreatedAt,
		wc.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("creditledger/postgres: insert workspace: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) UpdateWorkspace(ctx context.Context, wc creditledger.WorkspaceCredits) error {
	tag, err := t.tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET report_balance = $1, full_balance = $2, report_rollover_cap = $3, full_rollover_cap = $4, updated_at = $5
			WHERE workspace_id = $6`, t.s.workspacesTable()),
		wc.ReportBalance.String(),
		wc.FullBalance.String(),
		wc.ReportRolloverCap.String(),
		wc.FullRolloverCap.String(),
		wc.UpdatedAt,
		wc.WorkspaceID,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: update workspace: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("creditledger/postgres: workspace %s not found", wc.WorkspaceID)
	}
	return nil
}

func (t *pgTx) InsertAllocation(ctx context.Context, a creditledger.Allocation) error {
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, workspace_id, type, category, amount, remaining, expires_at, source_description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, t.s.allocationsTable()),
		a.ID,
		a.WorkspaceID,
		string(a.Type),
		string(a.Category),
		a.Amount.String(),
		a.Remaining.String(),
		a.ExpiresAt,
		a.SourceDescription,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: insert allocation: %w", err)
	}
	return nil
}

const allocationColumns = `id, workspace_id, type, category, amount, remaining, expires_at, source_description, created_at`

func (t *pgTx) ConsumableAllocations(ctx context.Context, workspaceID string, c creditledger.Category) ([]creditledger.Allocation, error) {
	return t.queryAllocations(ctx,
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE workspace_id = $1 AND category = $2 AND remaining > 0
			ORDER BY seq FOR UPDATE`, allocationColumns, t.s.allocationsTable()),
		workspaceID, string(c),
	)
}

func (t *pgTx) GetAllocations(ctx context.Context, ids []string) ([]creditledger.Allocation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return t.queryAllocations(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ANY($1) ORDER BY seq FOR UPDATE`,
			allocationColumns, t.s.allocationsTable()),
		ids,
	)
}

func (t *pgTx) UpdateAllocationRemaining(ctx context.Context, id string, remaining decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET remaining = $1 WHERE id = $2`, t.s.allocationsTable()),
		remaining.String(), id,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: update allocation: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("creditledger/postgres: allocation %s not found", id)
	}
	return nil
}

// ExpiredAllocations locks the owning workspace rows before the lots, the
// order Debit takes them in, so a sweep and a debit cannot deadlock.
func (t *pgTx) ExpiredAllocations(ctx context.Context, now time.Time) ([]creditledger.Allocation, error) {
	rows, err := t.tx.Query(ctx,
		fmt.Sprintf(`SELECT workspace_id FROM %s
			WHERE workspace_id IN (
				SELECT workspace_id FROM %s
				WHERE expires_at IS NOT NULL AND expires_at < $1 AND remaining > 0)
			ORDER BY workspace_id FOR UPDATE`, t.s.workspacesTable(), t.s.allocationsTable()),
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: lock expired workspaces: %w", err)
	}
	workspaces, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: lock expired workspaces: %w", err)
	}
	if len(workspaces) == 0 {
		return nil, nil
	}

	return t.queryAllocations(ctx,
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE workspace_id = ANY($1) AND expires_at IS NOT NULL AND expires_at < $2 AND remaining > 0
			ORDER BY workspace_id, seq FOR UPDATE`, allocationColumns, t.s.allocationsTable()),
		workspaces, now,
	)
}

func (t *pgTx) queryAllocations(ctx context.Context, query string, args ...any) ([]creditledger.Allocation, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: query allocations: %w", err)
	}
	defer rows.Close()

	var out []creditledger.Allocation
	for rows.Next() {
		var (
			a        creditledger.Allocation
			typ, cat string
		)
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &typ, &cat, &a.Amount, &a.Remaining, &a.ExpiresAt, &a.SourceDescription, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("creditledger/postgres: scan allocation: %w", err)
		}
		a.Type = creditledger.AllocationType(typ)
		a.Category = creditledger.Category(cat)
		if a.ExpiresAt != nil {
			exp := a.ExpiresAt.UTC()
			a.ExpiresAt = &exp
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditledger/postgres: iterate allocations: %w", err)
	}
	return out, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr creditledger.Transaction) error {
	raw, err := creditledger.EncodeMetadata(tr.Metadata)
	if err != nil {
		return err
	}
	var meta *string
	if raw != nil {
		s := string(raw)
		meta = &s
	}
	var allocID *string
	if tr.AllocationID != "" {
		allocID = &tr.AllocationID
	}
	_, err = t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, workspace_id, allocation_id, type, category, amount, reason, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)`, t.s.transactionsTable()),
		tr.ID,
		tr.WorkspaceID,
		allocID,
		string(tr.Type),
		string(tr.Category),
		tr.Amount.String(),
		tr.Reason,
		meta,
		tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: insert transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, workspace_id, allocation_id, type, category, amount, reason, metadata::text, created_at`

func (t *pgTx) GetTransactions(ctx context.Context, ids []string) ([]creditledger.Transaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return t.queryTransactions(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ANY($1) ORDER BY seq`,
			transactionColumns, t.s.transactionsTable()),
		ids,
	)
}

func (t *pgTx) ListTransactions(ctx context.Context, workspaceID string, limit int) ([]creditledger.Transaction, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return t.queryTransactions(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE workspace_id = $1 ORDER BY seq DESC LIMIT $2`,
			transactionColumns, t.s.transactionsTable()),
		workspaceID, lim,
	)
}

func (t *pgTx) queryTransactions(ctx context.Context, query string, args ...any) ([]creditledger.Transaction, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: query transactions: %w", err)
	}
	defer rows.Close()

	var out []creditledger.Transaction
	for rows.Next() {
		var (
			tr            creditledger.Transaction
			allocID, meta *string
			typ, cat      string
		)
		if err := rows.Scan(&tr.ID, &tr.WorkspaceID, &allocID, &typ, &cat, &tr.Amount, &tr.Reason, &meta, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("creditledger/postgres: scan transaction: %w", err)
		}
		if allocID != nil {
			tr.AllocationID = *allocID
		}
		tr.Type = creditledger.TransactionType(typ)
		tr.Category = creditledger.Category(cat)
		if meta != nil {
			m, err := creditledger.DecodeMetadata([]byte(*meta))
			if err != nil {
				return nil, &creditledger.IntegrityError{Entity: "transaction", ID: tr.ID, Detail: err.Error()}
			}
			tr.Metadata = m
		}
		tr.CreatedAt = tr.CreatedAt.UTC()
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditledger/postgres: iterate transactions: %w", err)
	}
	return out, nil
}

func (t *pgTx) MarkRefunded(ctx context.Context, debitIDs []string, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (debit_id, refunded_at) SELECT unnest($1::text[]), $2::timestamptz`, t.s.refundsTable()),
		debitIDs, at,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: mark refunded: %w", err)
	}
	return nil
}

func (t *pgTx) RefundedAmong(ctx context.Context, debitIDs []string) ([]string, error) {
	if len(debitIDs) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx,
		fmt.Sprintf(`SELECT debit_id FROM %s WHERE debit_id = ANY($1)`, t.s.refundsTable()),
		debitIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: query refunds: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: scan refunds: %w", err)
	}
	return ids, nil
}

func (t *pgTx) InsertHold(ctx context.Context, h creditledger.Hold) error {
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, workspace_id, report_id, report_reserved, full_reserved, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, t.s.holdsTable()),
		h.ID,
		h.WorkspaceID,
		h.ReportID,
		h.ReportReserved.String(),
		h.FullReserved.String(),
		h.ExpiresAt,
		h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: insert hold: %w", err)
	}
	return nil
}

func (t *pgTx) ActiveHolds(ctx context.Context, workspaceID string, now time.Time) ([]creditledger.Hold, error) {
	rows, err := t.tx.Query(ctx,
		fmt.Sprintf(`SELECT id, workspace_id, report_id, report_reserved, full_reserved, expires_at, created_at
			FROM %s WHERE workspace_id = $1 AND expires_at > $2 ORDER BY created_at, id`, t.s.holdsTable()),
		workspaceID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: query holds: %w", err)
	}
	defer rows.Close()

	var out []creditledger.Hold
	for rows.Next() {
		var h creditledger.Hold
		if err := rows.Scan(&h.ID, &h.WorkspaceID, &h.ReportID, &h.ReportReserved, &h.FullReserved, &h.ExpiresAt, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("creditledger/postgres: scan hold: %w", err)
		}
		h.ExpiresAt = h.ExpiresAt.UTC()
		h.CreatedAt = h.CreatedAt.UTC()
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditledger/postgres: iterate holds: %w", err)
	}
	return out, nil
}

func (t *pgTx) DeleteHold(ctx context.Context, holdID string) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, t.s.holdsTable()),
		holdID,
	)
	if err != nil {
		return false, fmt.Errorf("creditledger/postgres: delete hold: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) DeleteExpiredHolds(ctx context.Context, now time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, t.s.holdsTable()),
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("creditledger/postgres: delete expired holds: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) InsertUsageEvent(ctx context.Context, e creditledger.UsageEvent) error {
	var allocID *string
	if e.AllocationID != "" {
		allocID = &e.AllocationID
	}
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, workspace_id, kind, category, amount, allocation_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, t.s.usageEventsTable()),
		e.ID,
		e.WorkspaceID,
		string(e.Kind),
		string(e.Category),
		e.Amount.String(),
		allocID,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: insert usage event: %w", err)
	}
	return nil
}
