package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"skipper/internal/store/model"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// Config for the live Binance spot broker.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// Binance submits spot orders through the go-binance SDK.
type Binance struct {
	client *binance.Client
}

func NewBinance(cfg Config) (*Binance, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, fmt.Errorf("binance broker requires api key and secret")
	}
	binance.UseTestnet = cfg.Testnet
	return &Binance{client: binance.NewClient(cfg.APIKey, cfg.APISecret)}, nil
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) SubmitOrder(ctx context.Context, order *model.OrderModel) (Fill, error) {
	symbol := strings.ReplaceAll(strings.ToUpper(order.Symbol), "/", "")

	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideType(order.Side)).
		NewClientOrderID(order.ClientID).
		Quantity(order.Quantity.String())

	if order.Price.Sign() > 0 {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(order.Price.String())
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return Fill{}, fmt.Errorf("binance create order: %w", err)
	}

	fill := Fill{
		ExternalOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          mapOrderStatus(resp.Status),
		FilledAt:        time.UnixMilli(resp.TransactTime),
	}
	fill.FilledQuantity, err = decimal.NewFromString(resp.ExecutedQuantity)
	if err != nil {
		return Fill{}, fmt.Errorf("binance executed quantity %q: %w", resp.ExecutedQuantity, err)
	}

	// The average comes from the per-fill breakdown; the response's
	// price field is the limit price, not what actually traded.
	notional := decimal.Zero
	commission := decimal.Zero
	for _, f := range resp.Fills {
		price, perr := decimal.NewFromString(f.Price)
		qty, qerr := decimal.NewFromString(f.Quantity)
		fee, ferr := decimal.NewFromString(f.Commission)
		if perr != nil || qerr != nil || ferr != nil {
			return Fill{}, fmt.Errorf("binance fill breakdown unparseable for order %d", resp.OrderID)
		}
		notional = notional.Add(price.Mul(qty))
		commission = commission.Add(fee)
	}
	if fill.FilledQuantity.Sign() > 0 {
		fill.AveragePrice = notional.Div(fill.FilledQuantity)
	}
	fill.Commission = commission
	return fill, nil
}

func (b *Binance) CancelOrder(ctx context.Context, order *model.OrderModel) error {
	symbol := strings.ReplaceAll(strings.ToUpper(order.Symbol), "/", "")
	svc := b.client.NewCancelOrderService().Symbol(symbol)
	if order.ExternalOrderID != "" {
		id, err := strconv.ParseInt(order.ExternalOrderID, 10, 64)
		if err != nil {
			return fmt.Errorf("external order id %q: %w", order.ExternalOrderID, err)
		}
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(order.ClientID)
	}
	if _, err := svc.Do(ctx); err != nil {
		return fmt.Errorf("binance cancel order: %w", err)
	}
	return nil
}

func mapOrderStatus(s binance.OrderStatusType) model.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return model.OrderStatusSubmitted
	case binance.OrderStatusTypePartiallyFilled:
		return model.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return model.OrderStatusFilled
	case binance.OrderStatusTypeCanceled:
		return model.OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return model.OrderStatusRejected
	case binance.OrderStatusTypeExpired:
		return model.OrderStatusExpired
	default:
		return model.OrderStatusSubmitted
	}
}
