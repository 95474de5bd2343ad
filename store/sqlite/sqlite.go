// Package sqlite provides a SQLite-backed Store for creditledger.
//
// The store runs on a single connection and opens every transaction with
// BEGIN IMMEDIATE, so ledger transactions are fully serialized. Decimal
// amounts are stored as TEXT and times as unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/ineyio/creditledger"
)

// Store is a SQLite-backed creditledger.Store.
type Store struct {
	db *sql.DB
}

var (
	_ creditledger.Store             = (*Store)(nil)
	_ creditledger.SchemaInitializer = (*Store)(nil)
)

// New opens (or creates) a SQLite store at the given path and applies the
// schema.
func New(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creditledger/sqlite: create directory: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS credit_workspaces (
	workspace_id TEXT PRIMARY KEY,
	report_balance TEXT NOT NULL,
	full_balance TEXT NOT NULL,
	report_rollover_cap TEXT NOT NULL,
	full_rollover_cap TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS credit_allocations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	workspace_id TEXT NOT NULL,
	type TEXT NOT NULL,
	category TEXT NOT NULL,
	amount TEXT NOT NULL,
	remaining TEXT NOT NULL,
	expires_at INTEGER,
	source_description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_allocations_ws ON credit_allocations(workspace_id, category);
CREATE INDEX IF NOT EXISTS idx_credit_allocations_expiry ON credit_allocations(expires_at);
CREATE TABLE IF NOT EXISTS credit_transactions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	workspace_id TEXT NOT NULL,
	allocation_id TEXT,
	type TEXT NOT NULL,
	category TEXT NOT NULL,
	amount TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_ws ON credit_transactions(workspace_id, seq DESC);
CREATE TABLE IF NOT EXISTS credit_refunds (
	debit_id TEXT PRIMARY KEY,
	refunded_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS credit_holds (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	report_id TEXT NOT NULL,
	report_reserved TEXT NOT NULL,
	full_reserved TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_holds_ws ON credit_holds(workspace_id, expires_at);
CREATE TABLE IF NOT EXISTS credit_usage_events (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	category TEXT NOT NULL,
	amount TEXT NOT NULL,
	allocation_id TEXT,
	created_at INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creditledger/sqlite: apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside one immediate transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx creditledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("creditledger/sqlite: commit: %w", err)
	}
	return nil
}

// UsageEvents returns the usage events recorded for a workspace, oldest first.
func (s *Store) UsageEvents(ctx context.Context, workspaceID string) ([]creditledger.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, workspace_id, kind, category, amount, allocation_id, created_at
FROM credit_usage_events
WHERE workspace_id = ?
ORDER BY created_at, id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: usage events: %w", err)
	}
	defer rows.Close()

	var out []creditledger.UsageEvent
	for rows.Next() {
		var (
			e                 creditledger.UsageEvent
			kind, cat, amount string
			allocID           sql.NullString
			createdAt         int64
		)
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &kind, &cat, &amount, &allocID, &createdAt); err != nil {
			return nil, fmt.Errorf("creditledger/sqlite: scan usage event: %w", err)
		}
		e.Kind = creditledger.UsageEventKind(kind)
		e.Category = creditledger.Category(cat)
		e.AllocationID = allocID.String
		e.CreatedAt = fromNanos(createdAt)
		if e.Amount, err = parseDecimal("usage_event", e.ID, amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LockWorkspace(ctx context.Context, workspaceID string) (creditledger.WorkspaceCredits, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
SELECT workspace_id, report_balance, full_balance, report_rollover_cap, full_rollover_cap, created_at, updated_at
FROM credit_workspaces
WHERE workspace_id = ?`, workspaceID)

	var (
		wc                                     creditledger.WorkspaceCredits
		reportBal, fullBal, reportCap, fullCap string
		createdAt, updatedAt                   int64
	)
	err := row.Scan(&wc.WorkspaceID, &reportBal, &fullBal, &reportCap, &fullCap, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return creditledger.WorkspaceCredits{}, false, nil
	}
	if err != nil {
		return creditledger.WorkspaceCredits{}, false, fmt.Errorf("creditledger/sqlite: lock workspace: %w", err)
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&wc.ReportBalance, reportBal},
		{&wc.FullBalance, fullBal},
		{&wc.ReportRolloverCap, reportCap},
		{&wc.FullRolloverCap, fullCap},
	} {
		d, err := parseDecimal("workspace", wc.WorkspaceID, f.src)
		if err != nil {
			return creditledger.WorkspaceCredits{}, false, err
		}
		*f.dst = d
	}
	wc.CreatedAt = fromNanos(createdAt)
	wc.UpdatedAt = fromNanos(updatedAt)
	return wc, true, nil
}

func (t *sqliteTx) InsertWorkspace(ctx context.Context, wc creditledger.WorkspaceCredits) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO credit_workspaces(workspace_id, report_balance, full_balance, report_rollover_cap, full_rollover_cap, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(workspace_id) DO NOTHING`,
		wc.WorkspaceID,
		wc.ReportBalance.String(),
		wc.FullBalance.String(),
		wc.ReportRolloverCap.String(),
		wc.FullRolloverCap.String(),
		toNanos(wc.CreatedAt),
		toNanos(wc.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("creditledger/sqlite: insert workspace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("creditledger/sqlite: insert workspace: %w", err)
	}
	return n == 1, nil
}

func (t *sqliteTx) UpdateWorkspace(ctx context.Context, wc creditledger.WorkspaceCredits) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE credit_workspaces
SET report_balance = ?, full_balance = ?, report_rollover_cap = ?, full_rollover_cap = ?, updated_at = ?
WHERE workspace_id = ?`,
		wc.ReportBalance.String(),
		wc.FullBalance.String(),
		wc.ReportRolloverCap.String(),
		wc.FullRolloverCap.String(),
		toNanos(wc.UpdatedAt),
		wc.WorkspaceID,
	)
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: update workspace: %w", err)
	}
	return expectOne(res, "workspace", wc.WorkspaceID)
}

func (t *sqliteTx) InsertAllocation(ctx context.Context, a creditledger.Allocation) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO credit_allocations(id, workspace_id, type, category, amount, remaining, expires_at, source_description, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.WorkspaceID,
		string(a.Type),
		string(a.Category),
		a.Amount.String(),
		a.Remaining.String(),
		nullableNanos(a.ExpiresAt),
		a.SourceDescription,
		toNanos(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: insert allocation: %w", err)
	}
	return nil
}

const allocationColumns = `id, workspace_id, type, category, amount, remaining, expires_at, source_description, created_at`

func (t *sqliteTx) ConsumableAllocations(ctx context.Context, workspaceID string, c creditledger.Category) ([]creditledger.Allocation, error) {
	lots, err := t.queryAllocations(ctx, `
SELECT `+allocationColumns+`
FROM credit_allocations
WHERE workspace_id = ? AND category = ?
ORDER BY seq`, workspaceID, string(c))
	if err != nil {
		return nil, err
	}
	return positive(lots), nil
}

func (t *sqliteTx) GetAllocations(ctx context.Context, ids []string) ([]creditledger.Allocation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return t.queryAllocations(ctx, `
SELECT `+allocationColumns+`
FROM credit_allocations
WHERE id IN (`+placeholders(len(ids))+`)
ORDER BY seq`, stringArgs(ids)...)
}

func (t *sqliteTx) UpdateAllocationRemaining(ctx context.Context, id string, remaining decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE credit_allocations SET remaining = ? WHERE id = ?`, remaining.String(), id)
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: update allocation: %w", err)
	}
	return expectOne(res, "allocation", id)
}

func (t *sqliteTx) ExpiredAllocations(ctx context.Context, now time.Time) ([]creditledger.Allocation, error) {
	lots, err := t.queryAllocations(ctx, `
SELECT `+allocationColumns+`
FROM credit_allocations
WHERE expires_at IS NOT NULL AND expires_at < ?
ORDER BY workspace_id, seq`, toNanos(now))
	if err != nil {
		return nil, err
	}
	return positive(lots), nil
}

func (t *sqliteTx) queryAllocations(ctx context.Context, query string, args ...any) ([]creditledger.Allocation, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: query allocations: %w", err)
	}
	defer rows.Close()

	var out []creditledger.Allocation
	for rows.Next() {
		var (
			a                 creditledger.Allocation
			typ, cat          string
			amount, remaining string
			expiresAt         sql.NullInt64
			createdAt         int64
		)
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &typ, &cat, &amount, &remaining, &expiresAt, &a.SourceDescription, &createdAt); err != nil {
			return nil, fmt.Errorf("creditledger/sqlite: scan allocation: %w", err)
		}
		a.Type = creditledger.AllocationType(typ)
		a.Category = creditledger.Category(cat)
		if a.Amount, err = parseDecimal("allocation", a.ID, amount); err != nil {
			return nil, err
		}
		if a.Remaining, err = parseDecimal("allocation", a.ID, remaining); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			exp := fromNanos(expiresAt.Int64)
			a.ExpiresAt = &exp
		}
		a.CreatedAt = fromNanos(createdAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: iterate allocations: %w", err)
	}
	return out, nil
}

func (t *sqliteTx) InsertTransaction(ctx context.Context, tr creditledger.Transaction) error {
	meta, err := creditledger.EncodeMetadata(tr.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO credit_transactions(id, workspace_id, allocation_id, type, category, amount, reason, metadata, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID,
		tr.WorkspaceID,
		nullableString(tr.AllocationID),
		string(tr.Type),
		string(tr.Category),
		tr.Amount.String(),
		tr.Reason,
		nullableBytes(meta),
		toNanos(tr.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: insert transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, workspace_id, allocation_id, type, category, amount, reason, metadata, created_at`

func (t *sqliteTx) GetTransactions(ctx context.Context, ids []string) ([]creditledger.Transaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return t.queryTransactions(ctx, `
SELECT `+transactionColumns+`
FROM credit_transactions
WHERE id IN (`+placeholders(len(ids))+`)
ORDER BY seq`, stringArgs(ids)...)
}

func (t *sqliteTx) ListTransactions(ctx context.Context, workspaceID string, limit int) ([]creditledger.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	return t.queryTransactions(ctx, `
SELECT `+transactionColumns+`
FROM credit_transactions
WHERE workspace_id = ?
ORDER BY seq DESC
LIMIT ?`, workspaceID, limit)
}

func (t *sqliteTx) queryTransactions(ctx context.Context, query string, args ...any) ([]creditledger.Transaction, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: query transactions: %w", err)
	}
	defer rows.Close()

	var out []creditledger.Transaction
	for rows.Next() {
		var (
			tr            creditledger.Transaction
			allocID, meta sql.NullString
			typ, cat, amt string
			createdAt     int64
		)
		if err := rows.Scan(&tr.ID, &tr.WorkspaceID, &allocID, &typ, &cat, &amt, &tr.Reason, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("creditledger/sqlite: scan transaction: %w", err)
		}
		tr.AllocationID = allocID.String
		tr.Type = creditledger.TransactionType(typ)
		tr.Category = creditledger.Category(cat)
		if tr.Amount, err = parseDecimal("transaction", tr.ID, amt); err != nil {
			return nil, err
		}
		if meta.Valid {
			m, err := creditledger.DecodeMetadata([]byte(meta.String))
			if err != nil {
				return nil, &creditledger.IntegrityError{Entity: "transaction", ID: tr.ID, Detail: err.Error()}
			}
			tr.Metadata = m
		}
		tr.CreatedAt = fromNanos(createdAt)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: iterate transactions: %w", err)
	}
	return out, nil
}

func (t *sqliteTx) MarkRefunded(ctx context.Context, debitIDs []string, at time.Time) error {
	for _, id := range debitIDs {
		if _, err := t.tx.ExecContext(ctx, `INSERT INTO credit_refunds(debit_id, refunded_at) VALUES(?, ?)`, id, toNanos(at)); err != nil {
			return fmt.Errorf("creditledger/sqlite: mark refunded: %w", err)
		}
	}
	return nil
}

func (t *sqliteTx) RefundedAmong(ctx context.Context, debitIDs []string) ([]string, error) {
	if len(debitIDs) == 0 {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT debit_id FROM credit_refunds WHERE debit_id IN (`+placeholders(len(debitIDs))+`)`,
		stringArgs(debitIDs)...)
	if err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: query refunds: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("creditledger/sqlite: scan refund: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (t *sqliteTx) InsertHold(ctx context.Context, h creditledger.Hold) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO credit_holds(id, workspace_id, report_id, report_reserved, full_reserved, expires_at, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		h.ID,
		h.WorkspaceID,
		h.ReportID,
		h.ReportReserved.String(),
		h.FullReserved.String(),
		toNanos(h.ExpiresAt),
		toNanos(h.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: insert hold: %w", err)
	}
	return nil
}

func (t *sqliteTx) ActiveHolds(ctx context.Context, workspaceID string, now time.Time) ([]creditledger.Hold, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT id, workspace_id, report_id, report_reserved, full_reserved, expires_at, created_at
FROM credit_holds
WHERE workspace_id = ? AND expires_at > ?
ORDER BY created_at, id`, workspaceID, toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: query holds: %w", err)
	}
	defer rows.Close()

	var out []creditledger.Hold
	for rows.Next() {
		var (
			h                    creditledger.Hold
			report, full         string
			expiresAt, createdAt int64
		)
		if err := rows.Scan(&h.ID, &h.WorkspaceID, &h.ReportID, &report, &full, &expiresAt, &createdAt); err != nil {
			return nil, fmt.Errorf("creditledger/sqlite: scan hold: %w", err)
		}
		if h.ReportReserved, err = parseDecimal("hold", h.ID, report); err != nil {
			return nil, err
		}
		if h.FullReserved, err = parseDecimal("hold", h.ID, full); err != nil {
			return nil, err
		}
		h.ExpiresAt = fromNanos(expiresAt)
		h.CreatedAt = fromNanos(createdAt)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: iterate holds: %w", err)
	}
	return out, nil
}

func (t *sqliteTx) DeleteHold(ctx context.Context, holdID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM credit_holds WHERE id = ?`, holdID)
	if err != nil {
		return false, fmt.Errorf("creditledger/sqlite: delete hold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("creditledger/sqlite: delete hold: %w", err)
	}
	return n > 0, nil
}

func (t *sqliteTx) DeleteExpiredHolds(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM credit_holds WHERE expires_at < ?`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("creditledger/sqlite: delete expired holds: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("creditledger/sqlite: delete expired holds: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) InsertUsageEvent(ctx context.Context, e creditledger.UsageEvent) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO credit_usage_events(id, workspace_id, kind, category, amount, allocation_id, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.WorkspaceID,
		string(e.Kind),
		string(e.Category),
		e.Amount.String(),
		nullableString(e.AllocationID),
		toNanos(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: insert usage event: %w", err)
	}
	return nil
}

func positive(lots []creditledger.Allocation) []creditledger.Allocation {
	out := lots[:0]
	for _, a := range lots {
		if a.Remaining.IsPositive() {
			out = append(out, a)
		}
	}
	return out
}

func parseDecimal(entity, id, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, &creditledger.IntegrityError{Entity: entity, ID: id, Detail: fmt.Sprintf("bad decimal %q", s)}
	}
	return d, nil
}

func expectOne(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("creditledger/sqlite: %s %s not found", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
