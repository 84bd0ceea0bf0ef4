package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"skipper/internal/resilience"
	"skipper/internal/store"
	"skipper/internal/store/gormstore"
	"skipper/internal/store/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) (*Reconciler, store.Store) {
	t.Helper()
	st, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "skipper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idem := resilience.NewIdempotencyStore(st.Idempotency(), time.Hour)
	return NewReconciler(st.Positions(), idem), st
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestBuyAveragesUp(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	first, err := r.ApplyExecution(ctx, "e-1", "run-1", "BTCUSDT", model.OrderSideBuy, dec("10"), dec("100"))
	require.NoError(t, err)
	assert.True(t, first.Quantity.Equal(dec("10")))
	assert.True(t, first.AveragePrice.Equal(dec("100")))

	second, err := r.ApplyExecution(ctx, "e-2", "run-1", "BTCUSDT", model.OrderSideBuy, dec("5"), dec("110"))
	require.NoError(t, err)
	assert.True(t, second.Quantity.Equal(dec("15")))
	// (10*100 + 5*110) / 15
	assert.True(t, second.AveragePrice.Round(2).Equal(dec("103.33")),
		"got avg %s", second.AveragePrice)
	assert.True(t, second.RealizedPnL.IsZero())
}

func TestSellFlattensAndRealizes(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ApplyExecution(ctx, "e-1", "run-1", "BTCUSDT", model.OrderSideBuy, dec("10"), dec("100"))
	require.NoError(t, err)

	result, err := r.ApplyExecution(ctx, "e-2", "run-1", "BTCUSDT", model.OrderSideSell, dec("10"), dec("120"))
	require.NoError(t, err)
	assert.True(t, result.Flat)
	assert.True(t, result.Quantity.IsZero())
	assert.True(t, result.RealizedDelta.Equal(dec("200")), "got %s", result.RealizedDelta)

	// The flat row is gone.
	_, err = st.Positions().Find(ctx, "run-1", "BTCUSDT")
	require.ErrorIs(t, err, gormstore.ErrNotFound)
}

func TestPartialSellKeepsAverage(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ApplyExecution(ctx, "e-1", "run-1", "ETHUSDT", model.OrderSideBuy, dec("10"), dec("100"))
	require.NoError(t, err)

	result, err := r.ApplyExecution(ctx, "e-2", "run-1", "ETHUSDT", model.OrderSideSell, dec("4"), dec("130"))
	require.NoError(t, err)
	assert.True(t, result.Quantity.Equal(dec("6")))
	// Reducing exposure must not reprice the remaining lot.
	assert.True(t, result.AveragePrice.Equal(dec("100")))
}

func TestSellThroughZeroOpensShort(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ApplyExecution(ctx, "e-1", "run-1", "BTCUSDT", model.OrderSideBuy, dec("15"), dec("100"))
	require.NoError(t, err)

	result, err := r.ApplyExecution(ctx, "e-2", "run-1", "BTCUSDT", model.OrderSideSell, dec("20"), dec("120"))
	require.NoError(t, err)
	assert.True(t, result.Quantity.Equal(dec("-5")), "excess opens short, got %s", result.Quantity)
	assert.True(t, result.AveragePrice.Equal(dec("120")), "short opens at the fill price")
	// PnL books on the 15 closed: (120-100)*15.
	assert.True(t, result.RealizedDelta.Equal(dec("300")), "got %s", result.RealizedDelta)
}

func TestShortCoveredAtProfit(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ApplyExecution(ctx, "e-1", "run-1", "BTCUSDT", model.OrderSideSell, dec("10"), dec("120"))
	require.NoError(t, err)

	result, err := r.ApplyExecution(ctx, "e-2", "run-1", "BTCUSDT", model.OrderSideBuy, dec("10"), dec("100"))
	require.NoError(t, err)
	assert.True(t, result.Flat)
	// Short from 120 covered at 100: (100-120)*10*(-1) = +200.
	assert.True(t, result.RealizedDelta.Equal(dec("200")), "got %s", result.RealizedDelta)
}

func TestDuplicateExecutionIsNoOp(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	first, err := r.ApplyExecution(ctx, "e-1", "run-1", "BTCUSDT", model.OrderSideBuy, dec("10"), dec("100"))
	require.NoError(t, err)

	replay, err := r.ApplyExecution(ctx, "e-1", "run-1", "BTCUSDT", model.OrderSideBuy, dec("10"), dec("100"))
	require.NoError(t, err)
	assert.True(t, replay.Quantity.Equal(first.Quantity), "replay must not double the position")

	fresh, err := r.ApplyExecution(ctx, "e-2", "run-1", "BTCUSDT", model.OrderSideBuy, dec("10"), dec("100"))
	require.NoError(t, err)
	assert.True(t, fresh.Quantity.Equal(dec("20")))
}

func TestConcurrentDuplicatesApplyOnce(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.ApplyExecution(ctx, "e-race", "run-1", "BTCUSDT", model.OrderSideBuy, dec("3"), dec("50"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	pos, err := st.Positions().Find(ctx, "run-1", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(dec("3")), "8 racing duplicates applied %s", pos.Quantity)
}

func TestSymbolsAreIndependent(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ApplyExecution(ctx, "e-1", "run-1", "BTCUSDT", model.OrderSideBuy, dec("1"), dec("100"))
	require.NoError(t, err)
	eth, err := r.ApplyExecution(ctx, "e-2", "run-1", "ETHUSDT", model.OrderSideBuy, dec("2"), dec("10"))
	require.NoError(t, err)
	assert.True(t, eth.Quantity.Equal(dec("2")))

	other, err := r.ApplyExecution(ctx, "e-3", "run-2", "BTCUSDT", model.OrderSideBuy, dec("7"), dec("100"))
	require.NoError(t, err)
	assert.True(t, other.Quantity.Equal(dec("7")), "runs must not share position state")
}

func TestRejectsNonPositiveFills(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ApplyExecution(ctx, "e-1", "run-1", "BTCUSDT", model.OrderSideBuy, dec("0"), dec("100"))
	require.Error(t, err)
	_, err = r.ApplyExecution(ctx, "e-2", "run-1", "BTCUSDT", model.OrderSideBuy, dec("1"), dec("-5"))
	require.Error(t, err)
}
