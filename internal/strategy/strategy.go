package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lbankflow/config"
	"lbankflow/internal/bus"
	"lbankflow/internal/cache"
	"lbankflow/internal/indicator"
	"lbankflow/logger"
	"lbankflow/models"
)

// Signal is a trade intent derived from a refreshed bar window. Consumers
// receive it on the bus; acting on it is their business.
type Signal struct {
	Symbol    string      `json:"symbol"`
	Timeframe string      `json:"timeframe"`
	Side      models.Side `json:"side"`
	Price     float64     `json:"price"`
	At        int64       `json:"at"`
	Reason    string      `json:"reason"`
}

// Strategy inspects one window after an update and optionally emits a
// signal. Implementations may keep per-window state; Evaluate is only ever
// called from the engine's single goroutine.
type Strategy interface {
	Name() string
	Evaluate(symbol, tf string, bars []models.Bar, set indicator.Set) (Signal, bool)
}

// MACDCross signals on the MACD histogram crossing zero: above is a buy,
// below is a sell. The first observation of a window only primes the state.
type MACDCross struct {
	prev map[string]float64
}

func NewMACDCross() *MACDCross {
	return &MACDCross{prev: make(map[string]float64)}
}

func (s *MACDCross) Name() string { return "macd_cross" }

func (s *MACDCross) Evaluate(symbol, tf string, bars []models.Bar, set indicator.Set) (Signal, bool) {
	key := symbol + "/" + tf
	prev, seen := s.prev[key]
	s.prev[key] = set.MACDHist

	if !seen || len(bars) == 0 || set.MACDHist == 0 {
		return Signal{}, false
	}

	var side models.Side
	switch {
	case prev <= 0 && set.MACDHist > 0:
		side = models.SideBuy
	case prev >= 0 && set.MACDHist < 0:
		side = models.SideSell
	default:
		return Signal{}, false
	}

	last := bars[len(bars)-1]
	return Signal{
		Symbol:    symbol,
		Timeframe: tf,
		Side:      side,
		Price:     last.Close,
		At:        last.Timestamp,
		Reason:    fmt.Sprintf("macd histogram crossed %.6f -> %.6f", prev, set.MACDHist),
	}, true
}

// Engine watches the bar windows and runs the strategy whenever a window's
// tail moves, publishing any resulting signal on the bus.
type Engine struct {
	log     *logger.Log
	bars    *cache.BarStore
	strat   Strategy
	bus     *bus.Bus
	symbols []string
	tfs     []string

	// test seam
	tick time.Duration

	lastTail map[string]int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewEngine(cfg *config.Config, bars *cache.BarStore, strat Strategy, b *bus.Bus) *Engine {
	return &Engine{
		log:      logger.GetLogger(),
		bars:     bars,
		strat:    strat,
		bus:      b,
		symbols:  cfg.Market.Symbols,
		tfs:      cfg.Market.Timeframes,
		tick:     time.Second,
		lastTail: make(map[string]int64),
	}
}

// Start launches the evaluation loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("strategy engine already running")
	}
	e.running = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	e.log.WithComponent("strategy").WithFields(logger.Fields{
		"strategy": e.strat.Name(),
	}).Info("strategy engine started")
	return nil
}

// Stop halts the loop and waits for it.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep evaluates every window whose tail bar changed since the last pass.
func (e *Engine) sweep() {
	for _, sym := range e.symbols {
		for _, tf := range e.tfs {
			bars := e.bars.Snapshot(sym, tf)
			if len(bars) == 0 {
				continue
			}
			key := sym + "/" + tf
			tail := bars[len(bars)-1].Timestamp
			if e.lastTail[key] == tail {
				continue
			}
			e.lastTail[key] = tail

			set, ok := e.bars.Indicators(sym, tf)
			if !ok {
				continue
			}
			sig, fire := e.strat.Evaluate(sym, tf, bars, set)
			if !fire {
				continue
			}
			e.bus.Publish(bus.TopicSignal, sig)
			e.log.WithComponent("strategy").WithFields(logger.Fields{
				"pair":      sig.Symbol,
				"timeframe": sig.Timeframe,
				"side":      string(sig.Side),
				"price":     sig.Price,
				"reason":    sig.Reason,
			}).Info("signal published")
		}
	}
}
