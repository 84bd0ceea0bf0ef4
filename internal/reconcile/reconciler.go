package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"skipper/internal/logger"
	"skipper/internal/resilience"
	"skipper/internal/store"
	"skipper/internal/store/gormstore"
	"skipper/internal/store/model"

	"github.com/shopspring/decimal"
)

// Result is the outcome of applying one fill.
type Result struct {
	RunID         string          `json:"run_id"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	RealizedDelta decimal.Decimal `json:"realized_delta"`
	Flat          bool            `json:"flat"`
}

// Reconciler applies order fills to the derived position aggregate.
// All fills for one (run_id, symbol) are serialized through a keyed
// mutex; fills on unrelated symbols proceed in parallel. Applying the
// same execution id twice is a no-op returning the prior result.
type Reconciler struct {
	positions store.PositionRepository
	idem      *resilience.IdempotencyStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewReconciler(positions store.PositionRepository, idem *resilience.IdempotencyStore) *Reconciler {
	return &Reconciler{
		positions: positions,
		idem:      idem,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (r *Reconciler) lockFor(runID, symbol string) *sync.Mutex {
	key := runID + "|" + symbol
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[key] = mu
	}
	return mu
}

// ApplyExecution applies one fill identified by executionID.
//
// BUY adds quantity, SELL subtracts. Adding in the prevailing direction
// reprices the position at the quantity-weighted average; netting to
// zero deletes the row and books realized PnL on the closed quantity;
// crossing through zero books PnL on the closed portion and opens the
// excess as a fresh position at the fill price.
func (r *Reconciler) ApplyExecution(ctx context.Context, executionID, runID, symbol string, side model.OrderSide, quantity, price decimal.Decimal) (Result, error) {
	if quantity.Sign() <= 0 {
		return Result{}, fmt.Errorf("reconcile: quantity must be positive, got %s", quantity)
	}
	if price.Sign() <= 0 {
		return Result{}, fmt.Errorf("reconcile: price must be positive, got %s", price)
	}

	idemKey := "reconcile:" + executionID
	if cached, ok, err := r.idem.Get(ctx, idemKey); err != nil {
		return Result{}, err
	} else if ok {
		var prior Result
		if err := json.Unmarshal(cached, &prior); err != nil {
			return Result{}, fmt.Errorf("reconcile: corrupt cached result for %s: %w", executionID, err)
		}
		logger.Debugf("reconcile: execution %s already applied to %s/%s", executionID, runID, symbol)
		return prior, nil
	}

	mu := r.lockFor(runID, symbol)
	mu.Lock()
	defer mu.Unlock()

	// Re-check under the lock: a concurrent duplicate may have applied
	// while this caller waited.
	if cached, ok, err := r.idem.Get(ctx, idemKey); err != nil {
		return Result{}, err
	} else if ok {
		var prior Result
		if err := json.Unmarshal(cached, &prior); err != nil {
			return Result{}, fmt.Errorf("reconcile: corrupt cached result for %s: %w", executionID, err)
		}
		return prior, nil
	}

	result, err := r.apply(ctx, runID, symbol, side, quantity, price)
	if err != nil {
		return Result{}, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return Result{}, err
	}
	if err := r.idem.Put(ctx, idemKey, payload); err != nil {
		return Result{}, err
	}
	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, runID, symbol string, side model.OrderSide, quantity, price decimal.Decimal) (Result, error) {
	signedQty := quantity
	if side == model.OrderSideSell {
		signedQty = quantity.Neg()
	}

	current, err := r.positions.Find(ctx, runID, symbol)
	if err != nil && !errors.Is(err, gormstore.ErrNotFound) {
		return Result{}, err
	}

	if current == nil {
		pos := &model.PositionModel{
			RunID:        runID,
			Symbol:       symbol,
			Quantity:     signedQty,
			AveragePrice: price,
			RealizedPnL:  decimal.Zero,
		}
		if err := r.positions.Save(ctx, pos); err != nil {
			return Result{}, err
		}
		return Result{
			RunID:        runID,
			Symbol:       symbol,
			Quantity:     signedQty,
			AveragePrice: price,
			RealizedPnL:  decimal.Zero,
		}, nil
	}

	curQty := current.Quantity
	curAvg := current.AveragePrice
	newQty := curQty.Add(signedQty)

	switch {
	case newQty.IsZero():
		// Full close: realized = (price - avg) * |signed| * sign(cur).
		delta := price.Sub(curAvg).Mul(signedQty.Abs()).Mul(signSide(curQty))
		realized := current.RealizedPnL.Add(delta)
		if err := r.positions.Delete(ctx, runID, symbol); err != nil {
			return Result{}, err
		}
		return Result{
			RunID:         runID,
			Symbol:        symbol,
			Quantity:      decimal.Zero,
			AveragePrice:  decimal.Zero,
			RealizedPnL:   realized,
			RealizedDelta: delta,
			Flat:          true,
		}, nil

	case newQty.Sign() == curQty.Sign():
		// Same direction: quantity-weighted average entry price.
		newAvg := curQty.Mul(curAvg).Add(signedQty.Mul(price)).Div(newQty)
		current.Quantity = newQty
		current.AveragePrice = newAvg
		if err := r.positions.Save(ctx, current); err != nil {
			return Result{}, err
		}
		return Result{
			RunID:        runID,
			Symbol:       symbol,
			Quantity:     newQty,
			AveragePrice: newAvg,
			RealizedPnL:  current.RealizedPnL,
		}, nil

	default:
		// Direction flip: book PnL on the closed quantity, the excess
		// opens fresh at the fill price.
		closedQty := curQty.Abs()
		delta := price.Sub(curAvg).Mul(closedQty).Mul(signSide(curQty))
		realized := current.RealizedPnL.Add(delta)
		current.Quantity = newQty
		current.AveragePrice = price
		current.RealizedPnL = realized
		if err := r.positions.Save(ctx, current); err != nil {
			return Result{}, err
		}
		return Result{
			RunID:         runID,
			Symbol:        symbol,
			Quantity:      newQty,
			AveragePrice:  price,
			RealizedPnL:   realized,
			RealizedDelta: delta,
		}, nil
	}
}

func signSide(qty decimal.Decimal) decimal.Decimal {
	if qty.Sign() < 0 {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}
