package notifier

import (
	"context"
	"fmt"
	"time"

	"lbankflow/internal/bus"
	"lbankflow/internal/strategy"
	"lbankflow/logger"
	"lbankflow/models"
)

// Notifier delivers one human-readable message to an external channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, text string) error
}

const defaultTimeout = 10 * time.Second

// Hub fans a message out to every registered notifier. A failing notifier
// is logged and never blocks the others, and never propagates back to the
// publisher.
type Hub struct {
	log       *logger.Log
	notifiers []Notifier
	timeout   time.Duration
}

func NewHub(notifiers ...Notifier) *Hub {
	return &Hub{
		log:       logger.GetLogger(),
		notifiers: notifiers,
		timeout:   defaultTimeout,
	}
}

// Register adds a notifier. Not safe to call after the bus starts
// delivering; wire everything up during startup.
func (h *Hub) Register(n Notifier) {
	h.notifiers = append(h.notifiers, n)
}

// Broadcast delivers the text to every notifier with a per-notifier
// timeout.
func (h *Hub) Broadcast(ctx context.Context, text string) {
	for _, n := range h.notifiers {
		nctx, cancel := context.WithTimeout(ctx, h.timeout)
		if err := n.Notify(nctx, text); err != nil {
			h.log.WithComponent("notifier").WithError(err).WithFields(logger.Fields{
				"notifier": n.Name(),
			}).Warn("notification failed")
		}
		cancel()
	}
}

// OutcomeHandler returns a bus handler that announces closed trades.
func (h *Hub) OutcomeHandler() bus.Handler {
	return func(payload any) error {
		o, ok := payload.(models.TradeOutcome)
		if !ok {
			return fmt.Errorf("unexpected payload %T on %s", payload, bus.TopicTradeOutcome)
		}
		text := fmt.Sprintf("%s | %s %s closed: entry %g exit %g", o.Result, o.Side, o.Symbol, o.Entry, o.Exit)
		h.Broadcast(context.Background(), text)
		return nil
	}
}

// SignalHandler returns a bus handler that announces strategy signals.
func (h *Hub) SignalHandler() bus.Handler {
	return func(payload any) error {
		s, ok := payload.(strategy.Signal)
		if !ok {
			return fmt.Errorf("unexpected payload %T on %s", payload, bus.TopicSignal)
		}
		text := fmt.Sprintf("signal | %s %s %s @ %g (%s)", s.Side, s.Symbol, s.Timeframe, s.Price, s.Reason)
		h.Broadcast(context.Background(), text)
		return nil
	}
}
