package app

import (
	"context"
	"fmt"
	"time"

	skcfg "skipper/internal/config"
	"skipper/internal/gateway/broker"
	"skipper/internal/gateway/notifier"
	"skipper/internal/orchestrator"
	"skipper/internal/reconcile"
	"skipper/internal/resilience"
	"skipper/internal/resilience/circuit"
	"skipper/internal/security"
	"skipper/internal/store"
	"skipper/internal/store/gormstore"
	"skipper/internal/store/model"
	httpapi "skipper/internal/transport/http"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// AppBuilder assembles the service graph. The fn fields are override
// points for tests (in-memory store, scripted broker).
type AppBuilder struct {
	cfg *skcfg.Config

	storeFn    func(skcfg.StoreConfig) (store.Store, error)
	brokerFn   func(skcfg.BrokerConfig) (broker.Broker, error)
	notifierFn func(skcfg.NotifyConfig) notifier.TextNotifier
}

type AppBuilderOption func(*AppBuilder)

func WithStore(st store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storeFn = func(skcfg.StoreConfig) (store.Store, error) { return st, nil }
	}
}

func WithBroker(brk broker.Broker) AppBuilderOption {
	return func(b *AppBuilder) {
		b.brokerFn = func(skcfg.BrokerConfig) (broker.Broker, error) { return brk, nil }
	}
}

func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(skcfg.NotifyConfig) notifier.TextNotifier { return n }
	}
}

func NewAppBuilder(cfg *skcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		storeFn:    openStore,
		brokerFn:   buildBroker,
		notifierFn: buildNotifier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func openStore(cfg skcfg.StoreConfig) (store.Store, error) {
	return gormstore.NewGormStore(cfg.Path)
}

func buildBroker(cfg skcfg.BrokerConfig) (broker.Broker, error) {
	switch cfg.Mode {
	case "", "paper":
		return broker.NewPaper(), nil
	case "binance":
		return broker.NewBinance(broker.Config{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			Testnet:   cfg.Testnet,
		})
	default:
		return nil, fmt.Errorf("unknown broker mode %q", cfg.Mode)
	}
}

func buildNotifier(cfg skcfg.NotifyConfig) notifier.TextNotifier {
	if cfg.Telegram.Enabled {
		return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}
	return notifier.Nop{}
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	st, err := b.storeFn(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	idem := resilience.NewIdempotencyStore(st.Idempotency(), cfg.Idempotency.CacheTTL())
	breakers := circuit.NewRegistry(cfg.Circuit.FailureThreshold, cfg.Circuit.RecoveryTimeout())

	strategy, err := resilience.ParseBackoff(cfg.Retry.Strategy, cfg.Retry.BaseDelay(), cfg.Retry.BackoffFactor)
	if err != nil {
		return nil, fmt.Errorf("retry config: %w", err)
	}
	retry := resilience.NewRetryManager(idem, breakers, resilience.Policy{
		Strategy:    strategy,
		MaxAttempts: cfg.Retry.MaxAttempts,
		MaxDelay:    cfg.Retry.MaxDelay(),
		Jitter:      cfg.Retry.Jitter,
	})

	limiter := resilience.NewRateLimiter(resilience.RateLimitConfig{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window(),
		BurstLimit:  cfg.RateLimit.BurstLimit,
		BurstWindow: cfg.RateLimit.Burst(),
	})
	queue := resilience.NewBackpressureQueue(resilience.BackpressureConfig{
		MaxQueueSize:  cfg.Backpressure.MaxQueueSize,
		FullThreshold: cfg.Backpressure.QueueFullThreshold,
		Delay:         cfg.Backpressure.Delay(),
	})

	auth, err := security.NewWebhookAuthenticator(cfg.Webhook.SecretKey, cfg.Webhook.AllowedIPs,
		time.Duration(cfg.Webhook.MaxTimestampDiff)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("webhook config: %w", err)
	}

	sink := notifier.NewEventSink(b.notifierFn(cfg.Notify))
	orc := orchestrator.New(st, retry, sink, orchestrator.Options{
		DefaultMaxRetries: cfg.Orchestrator.MaxRetries,
		MailboxSize:       cfg.Orchestrator.JobMailboxSize,
	})

	brk, err := b.brokerFn(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("broker config: %w", err)
	}
	gateway := broker.NewOrderGateway(st.Orders(), brk, retry)
	reconciler := reconcile.NewReconciler(st.Positions(), idem)

	registerJobHandlers(orc, gateway, reconciler)

	router := httpapi.NewRouter(httpapi.RouterDeps{
		Orchestrator: orc,
		Gateway:      gateway,
		Reconciler:   reconciler,
		Auth:         auth,
		Limiter:      limiter,
		Queue:        queue,
		Breakers:     breakers,
		Idempotency:  idem,
		ServiceToken: cfg.App.ServiceToken,
	})

	return &App{
		cfg:        cfg,
		st:         st,
		orc:        orc,
		gateway:    gateway,
		reconciler: reconciler,
		retry:      retry,
		limiter:    limiter,
		queue:      queue,
		idem:       idem,
		breakers:   breakers,
		router:     router,
	}, nil
}

// registerJobHandlers binds the in-process job types. Only "execute"
// runs locally; ingest/train/backtest/promote jobs belong to external
// workers that report back through the webhook.
func registerJobHandlers(orc *orchestrator.Orchestrator, gateway *broker.OrderGateway, reconciler *reconcile.Reconciler) {
	orc.RegisterHandler("execute", func(ctx context.Context, job *model.JobModel) (map[string]any, error) {
		params := []byte(job.Parameters)

		quantity, err := decimal.NewFromString(gjson.GetBytes(params, "quantity").String())
		if err != nil {
			return nil, fmt.Errorf("execute job %s: bad quantity: %w", job.JobID, err)
		}
		price := decimal.Zero
		if raw := gjson.GetBytes(params, "price").String(); raw != "" {
			price, err = decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("execute job %s: bad price: %w", job.JobID, err)
			}
		}
		clientID := gjson.GetBytes(params, "client_id").String()
		if clientID == "" {
			// The job id is stable across retries, so replays of this
			// job collapse onto one order.
			clientID = job.JobID
		}

		order, err := gateway.Submit(ctx, broker.SubmitRequest{
			RunID:    job.RunID,
			ClientID: clientID,
			Symbol:   gjson.GetBytes(params, "symbol").String(),
			Side:     model.OrderSide(gjson.GetBytes(params, "side").String()),
			Quantity: quantity,
			Price:    price,
		})
		if err != nil {
			return nil, err
		}

		results := map[string]any{
			"order_id": order.OrderID,
			"status":   string(order.Status),
		}
		if order.Status == model.OrderStatusFilled {
			position, err := reconciler.ApplyExecution(ctx,
				order.OrderID, order.RunID, order.Symbol, order.Side,
				order.FilledQuantity, order.AveragePrice)
			if err != nil {
				return nil, fmt.Errorf("reconciling fill %s: %w", order.OrderID, err)
			}
			results["position_quantity"] = position.Quantity.String()
			results["realized_delta"] = position.RealizedDelta.String()
		}
		return results, nil
	})
}
