package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quote struct {
	Workspace string
	Amount    decimal.Decimal
}

func countingFn(calls *int) Func[string, quote] {
	return func(_ context.Context, ws string) (quote, error) {
		*calls++
		if ws == "broken" {
			return quote{}, errors.New("boom")
		}
		return quote{Workspace: ws, Amount: decimal.RequireFromString("2.5")}, nil
	}
}

func TestWrapCachesResults(t *testing.T) {
	ctx := context.Background()
	calls := 0
	cached := Wrap(NewMemory(), time.Minute, func(ws string) string { return "quote:" + ws }, countingFn(&calls))

	first, err := cached(ctx, "ws-1")
	require.NoError(t, err)
	second, err := cached(ctx, "ws-1")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "ws-1", second.Workspace)
	assert.True(t, first.Amount.Equal(second.Amount))

	_, err = cached(ctx, "ws-2")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWrapDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	calls := 0
	cached := Wrap(NewMemory(), time.Minute, func(ws string) string { return ws }, countingFn(&calls))

	_, err := cached(ctx, "broken")
	require.Error(t, err)
	_, err = cached(ctx, "broken")
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestWrapEmptyKeyBypasses(t *testing.T) {
	ctx := context.Background()
	calls := 0
	cached := Wrap(NewMemory(), time.Minute, func(string) string { return "" }, countingFn(&calls))

	_, _ = cached(ctx, "ws-1")
	_, _ = cached(ctx, "ws-1")
	assert.Equal(t, 2, calls)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	now = now.Add(time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, m.Set(ctx, "forever", []byte("v"), 0))
	now = now.Add(1000 * time.Hour)
	_, err = m.Get(ctx, "forever")
	assert.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "forever"))
	_, err = m.Get(ctx, "forever")
	assert.ErrorIs(t, err, ErrMiss)
}

type failingBackend struct{ *Memory }

func (f *failingBackend) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestWrapTreatsReadErrorsAsMiss(t *testing.T) {
	ctx := context.Background()
	calls := 0
	b := &failingBackend{Memory: NewMemory()}
	cached := Wrap[string, quote](b, time.Minute, func(ws string) string { return ws }, countingFn(&calls))

	q, err := cached(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", q.Workspace)
	_, err = cached(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWrapIgnoresCorruptEntries(t *testing.T) {
	ctx := context.Background()
	calls := 0
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "ws-1", []byte("{not json"), time.Minute))
	cached := Wrap(m, time.Minute, func(ws string) string { return ws }, countingFn(&calls))

	q, err := cached(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", q.Workspace)
	assert.Equal(t, 1, calls)
}
