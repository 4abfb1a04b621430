package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lbankflow/config"
	"lbankflow/internal/cache"
	"lbankflow/internal/indicator"
	"lbankflow/internal/ratelimit"
	"lbankflow/internal/timeframe"
	"lbankflow/logger"
	"lbankflow/models"
)

// KlineFetcher is the slice of the REST client the poller needs.
type KlineFetcher interface {
	FetchKlines(ctx context.Context, symbol, period string, size int) ([]models.Bar, error)
}

// Poller refreshes bar windows over REST as a fallback and complement to
// the push stream. A one-second scheduler tick fires a fetch for every
// (symbol, timeframe) pair whose interval boundary has just passed; all
// fetches share the REST rate limiter.
type Poller struct {
	log     *logger.Log
	symbols []string
	tfs     []string
	api     KlineFetcher
	bars    *cache.BarStore
	calc    indicator.Calculator
	codes   *timeframe.Codes
	limiter *ratelimit.Limiter
	size    int

	errorCount atomic.Int64

	// test seams
	now  func() time.Time
	tick time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg *config.Config, api KlineFetcher, bars *cache.BarStore, calc indicator.Calculator, limiter *ratelimit.Limiter) *Poller {
	return &Poller{
		log:     logger.GetLogger(),
		symbols: cfg.Market.Symbols,
		tfs:     cfg.Market.Timeframes,
		api:     api,
		bars:    bars,
		calc:    calc,
		codes:   timeframe.NewCodes(cfg.Market.PushCodes, cfg.Market.RestCodes),
		limiter: limiter,
		size:    cfg.Poller.Size,
		now:     time.Now,
		tick:    time.Second,
	}
}

// Start launches the scheduler loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("poller already running")
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.log.WithComponent("poller").WithFields(logger.Fields{
		"symbols":    len(p.symbols),
		"timeframes": len(p.tfs),
	}).Info("poller started")
	return nil
}

// Stop halts the scheduler and waits for in-flight fetches.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.WithComponent("poller").Info("poller stopped")
}

// ErrorCount reports how many fetches have failed since start.
func (p *Poller) ErrorCount() int64 {
	return p.errorCount.Load()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	// fired suppresses duplicate triggers when several scheduler ticks
	// land inside the same epoch second.
	fired := map[string]int64{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		nowSec := p.now().Unix()
		for _, tf := range p.tfs {
			secs, ok := timeframe.IntervalSeconds(tf)
			if !ok || nowSec%secs != 0 {
				continue
			}
			if fired[tf] == nowSec {
				continue
			}
			fired[tf] = nowSec

			for _, sym := range p.symbols {
				p.wg.Add(1)
				go func(sym, tf string) {
					defer p.wg.Done()
					p.pollOne(ctx, sym, tf)
				}(sym, tf)
			}
		}
	}
}

func (p *Poller) pollOne(ctx context.Context, symbol, tf string) {
	log := p.log.WithComponent("poller").WithFields(logger.Fields{
		"pair":      symbol,
		"timeframe": tf,
	})

	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx); err != nil {
			return
		}
	}

	code, err := p.codes.Rest(tf)
	if err != nil {
		p.errorCount.Add(1)
		log.WithError(err).Warn("poll skipped")
		return
	}

	fetched, err := p.api.FetchKlines(ctx, symbol, code, p.size)
	if err != nil {
		p.errorCount.Add(1)
		log.WithError(err).Warn("kline fetch failed")
		return
	}
	if len(fetched) == 0 {
		return
	}

	p.merge(symbol, tf, fetched)
	p.bars.SetIndicators(symbol, tf, p.calc.Compute(p.bars.Snapshot(symbol, tf)))
	log.WithFields(logger.Fields{"bars": len(fetched)}).Debug("window refreshed")
}

// merge folds a fetched series into the window. An empty window takes the
// whole series; otherwise only bars at or after the stored tail are applied
// so the history already in the window is never duplicated.
func (p *Poller) merge(symbol, tf string, fetched []models.Bar) {
	current := p.bars.Snapshot(symbol, tf)
	if len(current) == 0 {
		p.bars.Seed(symbol, tf, fetched)
		return
	}
	lastTs := current[len(current)-1].Timestamp
	for _, b := range fetched {
		if b.Timestamp >= lastTs {
			p.bars.Apply(symbol, tf, b)
		}
	}
}
