package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"skipper/internal/logger"
	"skipper/internal/store/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// defaultCommissionRate mirrors a typical spot taker fee.
var defaultCommissionRate = decimal.RequireFromString("0.001")

// Paper simulates a venue that fills every order immediately at the
// submitted price. Used outside live trading and in tests.
type Paper struct {
	commissionRate decimal.Decimal

	mu        sync.Mutex
	submitted map[string]Fill // external order id -> fill
	failNext  error
}

func NewPaper() *Paper {
	return &Paper{
		commissionRate: defaultCommissionRate,
		submitted:      make(map[string]Fill),
	}
}

func (p *Paper) Name() string { return "paper" }

// FailNext makes the next submission fail with err. Test hook.
func (p *Paper) FailNext(err error) {
	p.mu.Lock()
	p.failNext = err
	p.mu.Unlock()
}

func (p *Paper) SubmitOrder(ctx context.Context, order *model.OrderModel) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return Fill{}, err
	}
	if order.Price.Sign() <= 0 {
		return Fill{}, fmt.Errorf("paper broker needs a positive price, got %s", order.Price)
	}

	fill := Fill{
		ExternalOrderID: "paper-" + uuid.NewString(),
		Status:          model.OrderStatusFilled,
		FilledQuantity:  order.Quantity,
		AveragePrice:    order.Price,
		Commission:      order.Quantity.Mul(order.Price).Mul(p.commissionRate),
		FilledAt:        time.Now(),
	}
	p.submitted[fill.ExternalOrderID] = fill
	logger.Debugf("paper broker: filled %s %s %s @ %s", order.Side, order.Quantity, order.Symbol, order.Price)
	return fill, nil
}

func (p *Paper) CancelOrder(ctx context.Context, order *model.OrderModel) error {
	// Fills are immediate, so there is never anything to cancel.
	return nil
}
