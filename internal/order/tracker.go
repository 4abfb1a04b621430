package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"lbankflow/config"
	"lbankflow/internal/bus"
	"lbankflow/internal/ratelimit"
	"lbankflow/internal/rest"
	"lbankflow/logger"
	"lbankflow/models"
)

// API is the slice of the REST client the tracker needs. *rest.Client
// satisfies it; tests substitute a scripted implementation.
type API interface {
	CreateOrder(ctx context.Context, req rest.OrderRequest) (string, error)
	OrderInfo(ctx context.Context, symbol, orderID string) (models.OrderInfo, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Tracker submits orders and monitors each one until a terminal status is
// observed, then publishes exactly one trade outcome on the bus and forgets
// the order. One goroutine runs per pending order; all REST polls flow
// through the shared rate limiter.
type Tracker struct {
	log      *logger.Log
	api      API
	limiter  *ratelimit.Limiter
	bus      *bus.Bus
	interval time.Duration

	mu      sync.Mutex
	pending map[string]models.PendingOrder
	wg      sync.WaitGroup
}

func NewTracker(cfg *config.Config, api API, limiter *ratelimit.Limiter, b *bus.Bus) *Tracker {
	return &Tracker{
		log:      logger.GetLogger(),
		api:      api,
		limiter:  limiter,
		bus:      b,
		interval: time.Duration(cfg.Trading.PollIntervalSec) * time.Second,
		pending:  make(map[string]models.PendingOrder),
	}
}

// Submit places a limit order and starts monitoring it. The returned
// correlation id ties the eventual outcome back to the caller's intent.
func (t *Tracker) Submit(ctx context.Context, symbol string, side models.Side, price, amount float64) (string, error) {
	correlationID := uuid.NewString()
	orderID, err := t.api.CreateOrder(ctx, rest.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Amount:   amount,
		CustomID: correlationID,
	})
	if err != nil {
		return "", fmt.Errorf("submit %s %s: %w", side, symbol, err)
	}

	t.Track(ctx, models.PendingOrder{
		OrderID:       orderID,
		Symbol:        symbol,
		Side:          side,
		Entry:         price,
		CorrelationID: correlationID,
	})

	t.log.WithComponent("order_tracker").WithFields(logger.Fields{
		"order_id":       orderID,
		"correlation_id": correlationID,
		"pair":           symbol,
		"side":           string(side),
		"price":          price,
	}).Info("order submitted")
	return correlationID, nil
}

// Track adopts an already-placed order and monitors it to completion.
// Adopting an order id twice is a no-op.
func (t *Tracker) Track(ctx context.Context, po models.PendingOrder) {
	t.mu.Lock()
	if _, ok := t.pending[po.OrderID]; ok {
		t.mu.Unlock()
		return
	}
	t.pending[po.OrderID] = po
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.monitor(ctx, po)
	}()
}

// Cancel asks the venue to cancel a pending order. The monitor observes the
// terminal status on its next poll and publishes the outcome as usual.
func (t *Tracker) Cancel(ctx context.Context, orderID string) error {
	t.mu.Lock()
	po, ok := t.pending[orderID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("order %s is not pending", orderID)
	}
	return t.api.CancelOrder(ctx, po.Symbol, orderID)
}

// PendingCount reports how many orders are still being monitored.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Wait blocks until every monitor goroutine has exited. Call after
// cancelling the context passed to Submit/Track.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) monitor(ctx context.Context, po models.PendingOrder) {
	log := t.log.WithComponent("order_tracker").WithFields(logger.Fields{
		"order_id":       po.OrderID,
		"correlation_id": po.CorrelationID,
		"pair":           po.Symbol,
	})

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.forget(po.OrderID)
			return
		case <-ticker.C:
		}

		if t.limiter != nil {
			if err := t.limiter.Acquire(ctx); err != nil {
				t.forget(po.OrderID)
				return
			}
		}

		info, err := t.api.OrderInfo(ctx, po.Symbol, po.OrderID)
		if err != nil {
			// Transient poll failure; the order stays pending and the
			// next tick retries.
			log.WithError(err).Warn("status poll failed")
			continue
		}
		if !info.Status.Terminal() {
			continue
		}

		exit := info.ExitPrice()
		outcome := models.TradeOutcome{
			CorrelationID: po.CorrelationID,
			Symbol:        po.Symbol,
			Side:          po.Side,
			Entry:         po.Entry,
			Exit:          exit,
			ClosedAt:      time.Now().Unix(),
			Result:        models.Outcome(po.Side, po.Entry, exit),
		}
		t.bus.Publish(bus.TopicTradeOutcome, outcome)
		logger.IncrementOutcomePublished()
		log.WithFields(logger.Fields{
			"status": info.Status.String(),
			"exit":   exit,
			"result": string(outcome.Result),
		}).Info("order reached terminal status")
		t.forget(po.OrderID)
		return
	}
}

func (t *Tracker) forget(orderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[orderID]; !ok {
		return false
	}
	delete(t.pending, orderID)
	return true
}
