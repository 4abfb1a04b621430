package bus

import (
	"context"
	"fmt"
	"sync"

	"lbankflow/logger"
)

// Well-known topics published by the core.
const (
	TopicTradeOutcome = "trade_outcome"
	TopicSignal       = "signal"
	TopicTicker       = "ticker"
)

// Handler consumes one published payload. A failing handler is logged and
// isolated; it never affects other subscribers or later publishes.
type Handler func(payload any) error

type event struct {
	topic   string
	payload any
}

// Bus is an in-process topic pub/sub. Publishing enqueues onto a buffered
// channel drained by a single worker, so publishers never block on handler
// execution. Handlers for a topic run in subscription order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]Handler
	queue   chan event
	running bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	log     *logger.Log
}

// New creates a bus with the given publish buffer size.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:  make(map[string][]Handler),
		queue: make(chan event, buffer),
		log:   logger.GetLogger(),
	}
}

// Start launches the delivery worker.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("event bus already running")
	}
	b.running = true

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.worker(ctx)
	return nil
}

// Stop halts delivery and waits for the worker to exit. Events still queued
// are dropped; the bus makes no cross-restart delivery promise.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	b.log.WithComponent("event_bus").Info("event bus stopped")
}

// Subscribe registers a handler for a topic. Handlers are invoked in the
// order they subscribed.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish enqueues a payload for asynchronous delivery. It returns false
// when the buffer is full and the event was dropped.
func (b *Bus) Publish(topic string, payload any) bool {
	select {
	case b.queue <- event{topic: topic, payload: payload}:
		return true
	default:
		b.log.WithComponent("event_bus").WithFields(logger.Fields{
			"topic": topic,
		}).Warn("publish buffer full, event dropped")
		return false
	}
}

func (b *Bus) worker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.queue:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev event) {
	b.mu.RLock()
	handlers := b.subs[ev.topic]
	b.mu.RUnlock()

	for i, h := range handlers {
		b.invoke(ev.topic, i, h, ev.payload)
	}
}

// invoke runs one handler with panic and error isolation.
func (b *Bus) invoke(topic string, idx int, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithComponent("event_bus").WithFields(logger.Fields{
				"topic":   topic,
				"handler": idx,
				"panic":   fmt.Sprint(r),
			}).Error("handler panicked")
		}
	}()
	if err := h(payload); err != nil {
		b.log.WithComponent("event_bus").WithError(err).WithFields(logger.Fields{
			"topic":   topic,
			"handler": idx,
		}).Warn("handler failed")
	}
}
