package broker

import (
	"context"
	"time"

	"skipper/internal/store/model"

	"github.com/shopspring/decimal"
)

// Fill is the broker-side outcome of a submitted order.
type Fill struct {
	ExternalOrderID string            `json:"external_order_id"`
	Status          model.OrderStatus `json:"status"`
	FilledQuantity  decimal.Decimal   `json:"filled_quantity"`
	AveragePrice    decimal.Decimal   `json:"average_price"`
	Commission      decimal.Decimal   `json:"commission"`
	FilledAt        time.Time         `json:"filled_at"`
}

// Broker submits orders to one execution venue.
type Broker interface {
	Name() string
	SubmitOrder(ctx context.Context, order *model.OrderModel) (Fill, error)
	CancelOrder(ctx context.Context, order *model.OrderModel) error
}
