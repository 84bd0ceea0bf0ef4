package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"skipper/internal/logger"
	"skipper/internal/resilience"
	"skipper/internal/store"
	"skipper/internal/store/gormstore"
	"skipper/internal/store/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubmitRequest describes one order to place. (RunID, ClientID) is the
// idempotency anchor: resubmitting the same pair returns the stored
// order without touching the venue again.
type SubmitRequest struct {
	RunID    string
	ClientID string
	Symbol   string
	Side     model.OrderSide
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// OrderGateway persists orders and routes them to the broker through
// the retry manager, so submissions inherit backoff, circuit breaking
// and crash-safe idempotency.
type OrderGateway struct {
	orders store.OrderRepository
	broker Broker
	retry  *resilience.RetryManager
}

func NewOrderGateway(orders store.OrderRepository, b Broker, retry *resilience.RetryManager) *OrderGateway {
	return &OrderGateway{orders: orders, broker: b, retry: retry}
}

func (g *OrderGateway) validate(req SubmitRequest) error {
	switch {
	case strings.TrimSpace(req.RunID) == "":
		return fmt.Errorf("run_id is required")
	case strings.TrimSpace(req.ClientID) == "":
		return fmt.Errorf("client_id is required")
	case strings.TrimSpace(req.Symbol) == "":
		return fmt.Errorf("symbol is required")
	case req.Side != model.OrderSideBuy && req.Side != model.OrderSideSell:
		return fmt.Errorf("side must be BUY or SELL, got %q", req.Side)
	case req.Quantity.Sign() <= 0:
		return fmt.Errorf("quantity must be positive, got %s", req.Quantity)
	case req.Price.Sign() < 0:
		return fmt.Errorf("price must not be negative, got %s", req.Price)
	}
	return nil
}

// Submit places the order. Safe to call repeatedly with the same
// (run_id, client_id): a submission that reached a terminal or in-flight
// venue state is returned as-is, while pending and rejected rows are
// resumed through the same idempotency key so a retry after an outage
// gets another attempt instead of the stale rejection.
func (g *OrderGateway) Submit(ctx context.Context, req SubmitRequest) (*model.OrderModel, error) {
	if err := g.validate(req); err != nil {
		return nil, err
	}

	var order *model.OrderModel
	existing, err := g.orders.FindByClientID(ctx, req.RunID, req.ClientID)
	switch {
	case err == nil:
		switch existing.Status {
		case model.OrderStatusPending, model.OrderStatusRejected:
			logger.Debugf("order gateway: resuming %s submit for %s/%s as order %s",
				existing.Status, req.RunID, req.ClientID, existing.OrderID)
			order = existing
			order.Status = model.OrderStatusPending
			order.ErrorMessage = ""
			if err := g.orders.Save(ctx, order); err != nil {
				return nil, err
			}
		default:
			logger.Debugf("order gateway: duplicate submit for %s/%s, returning stored order %s",
				req.RunID, req.ClientID, existing.OrderID)
			return existing, nil
		}
	case errors.Is(err, gormstore.ErrNotFound):
		order = &model.OrderModel{
			OrderID:  uuid.NewString(),
			RunID:    req.RunID,
			ClientID: req.ClientID,
			Symbol:   strings.ToUpper(strings.TrimSpace(req.Symbol)),
			Side:     req.Side,
			Quantity: req.Quantity,
			Price:    req.Price,
			Status:   model.OrderStatusPending,
		}
		if err := g.orders.Save(ctx, order); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	idemKey := "order:" + req.RunID + ":" + req.ClientID
	depKey := "broker:" + g.broker.Name()
	raw, err := g.retry.Execute(ctx, depKey, idemKey, func(ctx context.Context) ([]byte, error) {
		fill, err := g.broker.SubmitOrder(ctx, order)
		if err != nil {
			return nil, err
		}
		return json.Marshal(fill)
	})
	if err != nil {
		order.Status = model.OrderStatusRejected
		order.ErrorMessage = err.Error()
		if saveErr := g.orders.Save(ctx, order); saveErr != nil {
			logger.Errorf("order gateway: persisting rejection of %s failed: %v", order.OrderID, saveErr)
		}
		return order, err
	}

	var fill Fill
	if err := json.Unmarshal(raw, &fill); err != nil {
		return nil, fmt.Errorf("order gateway: corrupt fill for %s: %w", order.OrderID, err)
	}

	order.Status = fill.Status
	order.ExternalOrderID = fill.ExternalOrderID
	order.FilledQuantity = fill.FilledQuantity
	order.AveragePrice = fill.AveragePrice
	order.Commission = fill.Commission
	if fill.Status == model.OrderStatusFilled {
		filledAt := fill.FilledAt
		if filledAt.IsZero() {
			filledAt = time.Now()
		}
		order.FilledAt = &filledAt
	}
	if err := g.orders.Save(ctx, order); err != nil {
		return nil, err
	}
	logger.Infof("order gateway: %s %s %s @ %s -> %s (ext=%s)",
		order.Side, order.Quantity, order.Symbol, order.Price, order.Status, order.ExternalOrderID)
	return order, nil
}

// Cancel cancels an open order at the venue and records the transition.
func (g *OrderGateway) Cancel(ctx context.Context, orderID string) (*model.OrderModel, error) {
	order, err := g.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case model.OrderStatusFilled, model.OrderStatusCancelled, model.OrderStatusRejected, model.OrderStatusExpired:
		return order, nil
	}

	depKey := "broker:" + g.broker.Name()
	_, err = g.retry.Execute(ctx, depKey, "", func(ctx context.Context) ([]byte, error) {
		return nil, g.broker.CancelOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	order.Status = model.OrderStatusCancelled
	order.CancelledAt = &now
	if err := g.orders.Save(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}
