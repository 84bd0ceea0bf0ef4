package broker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"skipper/internal/resilience"
	"skipper/internal/resilience/circuit"
	"skipper/internal/store"
	"skipper/internal/store/gormstore"
	"skipper/internal/store/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) (*OrderGateway, *Paper, store.Store) {
	t.Helper()
	st, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "skipper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idem := resilience.NewIdempotencyStore(st.Idempotency(), time.Hour)
	retry := resilience.NewRetryManager(idem, circuit.NewRegistry(5, time.Minute), resilience.Policy{
		Strategy:    resilience.FixedBackoff{Base: time.Millisecond},
		MaxAttempts: 2,
	})
	paper := NewPaper()
	return NewOrderGateway(st.Orders(), paper, retry), paper, st
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSubmitFillsThroughPaperBroker(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	order, err := gw.Submit(context.Background(), SubmitRequest{
		RunID: "run-1", ClientID: "c-1", Symbol: "btcusdt",
		Side: model.OrderSideBuy, Quantity: dec("2"), Price: dec("100"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, order.Status)
	assert.Equal(t, "BTCUSDT", order.Symbol)
	assert.True(t, order.FilledQuantity.Equal(dec("2")))
	assert.True(t, order.AveragePrice.Equal(dec("100")))
	assert.True(t, order.Commission.Equal(dec("0.2")), "0.1%% of 200 notional, got %s", order.Commission)
	require.NotNil(t, order.FilledAt)
	assert.NotEmpty(t, order.ExternalOrderID)
}

func TestSubmitIsIdempotentPerClientID(t *testing.T) {
	gw, _, st := newTestGateway(t)
	ctx := context.Background()

	first, err := gw.Submit(ctx, SubmitRequest{
		RunID: "run-1", ClientID: "c-1", Symbol: "BTCUSDT",
		Side: model.OrderSideBuy, Quantity: dec("2"), Price: dec("100"),
	})
	require.NoError(t, err)

	second, err := gw.Submit(ctx, SubmitRequest{
		RunID: "run-1", ClientID: "c-1", Symbol: "BTCUSDT",
		Side: model.OrderSideBuy, Quantity: dec("2"), Price: dec("100"),
	})
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)

	orders, err := st.Orders().ListByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, orders, 1, "duplicate submission created a second row")
}

func TestSameClientIDDifferentRunsAreDistinct(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	ctx := context.Background()

	a, err := gw.Submit(ctx, SubmitRequest{
		RunID: "run-1", ClientID: "c-1", Symbol: "BTCUSDT",
		Side: model.OrderSideBuy, Quantity: dec("1"), Price: dec("100"),
	})
	require.NoError(t, err)
	b, err := gw.Submit(ctx, SubmitRequest{
		RunID: "run-2", ClientID: "c-1", Symbol: "BTCUSDT",
		Side: model.OrderSideBuy, Quantity: dec("1"), Price: dec("100"),
	})
	require.NoError(t, err)
	assert.NotEqual(t, a.OrderID, b.OrderID)
}

func TestSubmitRetriesTransientBrokerFailure(t *testing.T) {
	gw, paper, _ := newTestGateway(t)
	paper.FailNext(errors.New("venue hiccup"))

	order, err := gw.Submit(context.Background(), SubmitRequest{
		RunID: "run-1", ClientID: "c-1", Symbol: "BTCUSDT",
		Side: model.OrderSideBuy, Quantity: dec("1"), Price: dec("100"),
	})
	require.NoError(t, err, "one transient failure is inside the retry budget")
	assert.Equal(t, model.OrderStatusFilled, order.Status)
}

func TestSubmitExhaustionMarksRejected(t *testing.T) {
	st, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "skipper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	retry := resilience.NewRetryManager(nil, nil, resilience.Policy{
		Strategy:    resilience.FixedBackoff{Base: time.Millisecond},
		MaxAttempts: 1,
	})
	paper := NewPaper()
	gw := NewOrderGateway(st.Orders(), paper, retry)
	paper.FailNext(errors.New("insufficient balance"))

	order, err := gw.Submit(context.Background(), SubmitRequest{
		RunID: "run-1", ClientID: "c-1", Symbol: "BTCUSDT",
		Side: model.OrderSideSell, Quantity: dec("1"), Price: dec("100"),
	})
	require.Error(t, err)
	require.NotNil(t, order)
	assert.Equal(t, model.OrderStatusRejected, order.Status)
	assert.Contains(t, order.ErrorMessage, "insufficient balance")

	stored, serr := st.Orders().FindByClientID(context.Background(), "run-1", "c-1")
	require.NoError(t, serr)
	assert.Equal(t, model.OrderStatusRejected, stored.Status)
}

func TestSubmitResumesAfterRejection(t *testing.T) {
	st, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "skipper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	retry := resilience.NewRetryManager(nil, nil, resilience.Policy{
		Strategy:    resilience.FixedBackoff{Base: time.Millisecond},
		MaxAttempts: 1,
	})
	paper := NewPaper()
	gw := NewOrderGateway(st.Orders(), paper, retry)
	paper.FailNext(errors.New("venue outage"))

	req := SubmitRequest{
		RunID: "run-1", ClientID: "c-1", Symbol: "BTCUSDT",
		Side: model.OrderSideBuy, Quantity: dec("1"), Price: dec("100"),
	}
	first, err := gw.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, model.OrderStatusRejected, first.Status)

	// The retry with the same client id must reach the venue again, not
	// replay the stored rejection.
	second, err := gw.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, second.Status)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Empty(t, second.ErrorMessage)

	orders, err := st.Orders().ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestSubmitValidation(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	ctx := context.Background()

	cases := []SubmitRequest{
		{ClientID: "c", Symbol: "BTCUSDT", Side: model.OrderSideBuy, Quantity: dec("1"), Price: dec("1")},
		{RunID: "r", Symbol: "BTCUSDT", Side: model.OrderSideBuy, Quantity: dec("1"), Price: dec("1")},
		{RunID: "r", ClientID: "c", Side: model.OrderSideBuy, Quantity: dec("1"), Price: dec("1")},
		{RunID: "r", ClientID: "c", Symbol: "BTCUSDT", Side: "HOLD", Quantity: dec("1"), Price: dec("1")},
		{RunID: "r", ClientID: "c", Symbol: "BTCUSDT", Side: model.OrderSideBuy, Quantity: dec("0"), Price: dec("1")},
	}
	for i, req := range cases {
		_, err := gw.Submit(ctx, req)
		assert.Error(t, err, "case %d", i)
	}
}

func TestCancelPendingOrder(t *testing.T) {
	gw, _, st := newTestGateway(t)
	ctx := context.Background()

	// Seed a submitted-but-unfilled order directly; the paper broker
	// fills instantly so this state only occurs with a real venue.
	seeded := &model.OrderModel{
		OrderID: "o-1", RunID: "run-1", ClientID: "c-9",
		Symbol: "BTCUSDT", Side: model.OrderSideBuy,
		Quantity: dec("1"), Price: dec("90"),
		Status: model.OrderStatusSubmitted,
	}
	require.NoError(t, st.Orders().Save(ctx, seeded))

	order, err := gw.Cancel(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, order.Status)
	require.NotNil(t, order.CancelledAt)

	// Cancelling again is a no-op.
	again, err := gw.Cancel(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, again.Status)
}
