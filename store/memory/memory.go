// Package memory provides an in-memory Store for creditledger.
//
// All transactions are serialized by one store-wide mutex. Each transaction
// works on a copy of the state that replaces the committed state only when
// the transaction function returns nil.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ineyio/creditledger"
)

// Store is an in-memory creditledger.Store.
type Store struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	workspaces   map[string]creditledger.WorkspaceCredits
	allocations  map[string]creditledger.Allocation
	allocOrder   []string
	transactions map[string]creditledger.Transaction
	txOrder      []string
	refunded     map[string]time.Time
	holds        map[string]creditledger.Hold
	events       []creditledger.UsageEvent
}

var _ creditledger.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		state: &state{
			workspaces:   make(map[string]creditledger.WorkspaceCredits),
			allocations:  make(map[string]creditledger.Allocation),
			transactions: make(map[string]creditledger.Transaction),
			refunded:     make(map[string]time.Time),
			holds:        make(map[string]creditledger.Hold),
		},
	}
}

// InTx runs fn against a private copy of the state and publishes the copy
// if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx creditledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&memTx{st: working}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = working
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// UsageEvents returns a snapshot of recorded usage events.
func (s *Store) UsageEvents() []creditledger.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]creditledger.UsageEvent, len(s.state.events))
	copy(out, s.state.events)
	return out
}

func (st *state) clone() *state {
	c := &state{
		workspaces:   make(map[string]creditledger.WorkspaceCredits, len(st.workspaces)),
		allocations:  make(map[string]creditledger.Allocation, len(st.allocations)),
		allocOrder:   append([]string(nil), st.allocOrder...),
		transactions: make(map[string]creditledger.Transaction, len(st.transactions)),
		txOrder:      append([]string(nil), st.txOrder...),
		refunded:     make(map[string]time.Time, len(st.refunded)),
		holds:        make(map[string]creditledger.Hold, len(st.holds)),
		events:       append([]creditledger.UsageEvent(nil), st.events...),
	}
	for k, v := range st.workspaces {
		c.workspaces[k] = v
	}
	for k, v := range st.allocations {
		c.allocations[k] = v
	}
	for k, v := range st.transactions {
		c.transactions[k] = v
	}
	for k, v := range st.refunded {
		c.refunded[k] = v
	}
	for k, v := range st.holds {
		c.holds[k] = v
	}
	return c
}

type memTx struct {
	st *state
}

func (t *memTx) LockWorkspace(_ context.Context, workspaceID string) (creditledger.WorkspaceCredits, bool, error) {
	wc, ok := t.st.workspaces[workspaceID]
	return wc, ok, nil
}

func (t *memTx) InsertWorkspace(_ context.Context, wc creditledger.WorkspaceCredits) (bool, error) {
	if _, ok := t.st.workspaces[wc.WorkspaceID]; ok {
		return false, nil
	}
	t.st.workspaces[wc.WorkspaceID] = wc
	return true, nil
}

func (t *memTx) UpdateWorkspace(_ context.Context, wc creditledger.WorkspaceCredits) error {
	cur, ok := t.st.workspaces[wc.WorkspaceID]
	if !ok {
		return fmt.Errorf("creditledger/memory: workspace %s not found", wc.WorkspaceID)
	}
	wc.CreatedAt = cur.CreatedAt
	t.st.workspaces[wc.WorkspaceID] = wc
	return nil
}

func (t *memTx) InsertAllocation(_ context.Context, a creditledger.Allocation) error {
	if _, ok := t.st.allocations[a.ID]; ok {
		return fmt.Errorf("creditledger/memory: allocation %s already exists", a.ID)
	}
	if a.ExpiresAt != nil {
		exp := *a.ExpiresAt
		a.ExpiresAt = &exp
	}
	t.st.allocations[a.ID] = a
	t.st.allocOrder = append(t.st.allocOrder, a.ID)
	return nil
}

func (t *memTx) ConsumableAllocations(_ context.Context, workspaceID string, c creditledger.Category) ([]creditledger.Allocation, error) {
	var out []creditledger.Allocation
	for _, id := range t.st.allocOrder {
		a := t.st.allocations[id]
		if a.WorkspaceID == workspaceID && a.Category == c && a.Remaining.IsPositive() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memTx) GetAllocations(_ context.Context, ids []string) ([]creditledger.Allocation, error) {
	out := make([]creditledger.Allocation, 0, len(ids))
	for _, id := range ids {
		if a, ok := t.st.allocations[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memTx) UpdateAllocationRemaining(_ context.Context, id string, remaining decimal.Decimal) error {
	a, ok := t.st.allocations[id]
	if !ok {
		return fmt.Errorf("creditledger/memory: allocation %s not found", id)
	}
	a.Remaining = remaining
	t.st.allocations[id] = a
	return nil
}

func (t *memTx) ExpiredAllocations(_ context.Context, now time.Time) ([]creditledger.Allocation, error) {
	var out []creditledger.Allocation
	for _, id := range t.st.allocOrder {
		a := t.st.allocations[id]
		if a.Expired(now) && a.Remaining.IsPositive() {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].WorkspaceID < out[j].WorkspaceID
	})
	return out, nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr creditledger.Transaction) error {
	if _, ok := t.st.transactions[tr.ID]; ok {
		return fmt.Errorf("creditledger/memory: transaction %s already exists", tr.ID)
	}
	t.st.transactions[tr.ID] = tr
	t.st.txOrder = append(t.st.txOrder, tr.ID)
	return nil
}

func (t *memTx) GetTransactions(_ context.Context, ids []string) ([]creditledger.Transaction, error) {
	out := make([]creditledger.Transaction, 0, len(ids))
	for _, id := range ids {
		if tr, ok := t.st.transactions[id]; ok {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (t *memTx) ListTransactions(_ context.Context, workspaceID string, limit int) ([]creditledger.Transaction, error) {
	var out []creditledger.Transaction
	for i := len(t.st.txOrder) - 1; i >= 0; i-- {
		tr := t.st.transactions[t.st.txOrder[i]]
		if tr.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, tr)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) MarkRefunded(_ context.Context, debitIDs []string, at time.Time) error {
	for _, id := range debitIDs {
		if _, ok := t.st.refunded[id]; ok {
			return fmt.Errorf("creditledger/memory: debit %s already marked refunded", id)
		}
		t.st.refunded[id] = at
	}
	return nil
}

func (t *memTx) RefundedAmong(_ context.Context, debitIDs []string) ([]string, error) {
	var out []string
	for _, id := range debitIDs {
		if _, ok := t.st.refunded[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *memTx) InsertHold(_ context.Context, h creditledger.Hold) error {
	if _, ok := t.st.holds[h.ID]; ok {
		return fmt.Errorf("creditledger/memory: hold %s already exists", h.ID)
	}
	t.st.holds[h.ID] = h
	return nil
}

func (t *memTx) ActiveHolds(_ context.Context, workspaceID string, now time.Time) ([]creditledger.Hold, error) {
	var out []creditledger.Hold
	for _, h := range t.st.holds {
		if h.WorkspaceID == workspaceID && h.ExpiresAt.After(now) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memTx) DeleteHold(_ context.Context, holdID string) (bool, error) {
	if _, ok := t.st.holds[holdID]; !ok {
		return false, nil
	}
	delete(t.st.holds, holdID)
	return true, nil
}

func (t *memTx) DeleteExpiredHolds(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, h := range t.st.holds {
		if h.ExpiresAt.Before(now) {
			delete(t.st.holds, id)
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertUsageEvent(_ context.Context, e creditledger.UsageEvent) error {
	t.st.events = append(t.st.events, e)
	return nil
}
