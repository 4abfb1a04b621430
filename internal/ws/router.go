package ws

import (
	"encoding/json"
	"fmt"

	"lbankflow/internal/cache"
	"lbankflow/internal/indicator"
	"lbankflow/internal/timeframe"
	"lbankflow/logger"
	"lbankflow/models"
)

// TickerCallback receives frames from ticker channels, best effort. A
// failing callback is logged and never stops the router loop.
type TickerCallback func(frame models.PushFrame)

// Router is the single consumer of the inbound frame queue. It owns all
// mutation of the bar and depth caches; nothing else writes to them while
// a session is live.
type Router struct {
	log      *logger.Log
	bars     *cache.BarStore
	books    *cache.DepthStore
	calc     indicator.Calculator
	codes    *timeframe.Codes
	ack      func(id string) error
	pongSeen func(id string)
	tickerCB TickerCallback
}

// NewRouter wires the router to the caches it mutates. ack writes the pong
// reply for a server probe; pongSeen hands a client-probe ack to the
// heartbeat.
func NewRouter(bars *cache.BarStore, books *cache.DepthStore, calc indicator.Calculator, codes *timeframe.Codes, ack func(id string) error, pongSeen func(id string), tickerCB TickerCallback) *Router {
	return &Router{
		log:      logger.GetLogger(),
		bars:     bars,
		books:    books,
		calc:     calc,
		codes:    codes,
		ack:      ack,
		pongSeen: pongSeen,
		tickerCB: tickerCB,
	}
}

// Drain consumes frames until the nil sentinel arrives. A failure inside
// one iteration is logged and the loop continues; a single bad frame never
// aborts processing.
func (r *Router) Drain(frames <-chan []byte) {
	log := r.log.WithComponent("router")
	log.Info("router drain loop started")
	for raw := range frames {
		if raw == nil {
			log.Info("router received sentinel, stopping")
			return
		}
		r.route(raw)
	}
}

func (r *Router) route(raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithComponent("router").WithFields(logger.Fields{
				"panic": fmt.Sprint(rec),
			}).Error("frame handler panicked, continuing")
		}
	}()

	var frame models.PushFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.log.WithComponent("router").WithError(err).Warn("malformed push frame dropped")
		return
	}

	// Venue keep-alive probe: acknowledge immediately, no further routing.
	if frame.Ping != "" {
		if err := r.ack(frame.Ping); err != nil {
			r.log.WithComponent("router").WithError(err).Warn("failed to acknowledge probe")
		}
		return
	}
	if frame.Pong != "" {
		r.pongSeen(frame.Pong)
		return
	}

	if frame.Status == "error" {
		r.log.WithComponent("router").WithFields(logger.Fields{
			"message": frame.Message,
		}).Warn("venue error frame dropped")
		return
	}

	switch frame.Subscribe {
	case string(models.ChannelKbar):
		r.routeKbar(&frame)
	case string(models.ChannelDepth):
		r.routeDepth(&frame)
	}

	if frame.IsTicker() && r.tickerCB != nil {
		r.forwardTicker(frame)
	}
}

func (r *Router) routeKbar(frame *models.PushFrame) {
	var data models.KbarData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		r.log.WithComponent("router").WithError(err).Warn("malformed kbar payload dropped")
		return
	}
	symbol := data.Symbol
	if symbol == "" {
		symbol = frame.Pair
	}
	if symbol == "" {
		r.log.WithComponent("router").Warn("kbar frame without symbol dropped")
		return
	}

	tf := r.codes.Canonical(frame.Kbar)
	r.bars.Apply(symbol, tf, data.Bar())
	// Recompute derived fields for this window only.
	r.bars.SetIndicators(symbol, tf, r.calc.Compute(r.bars.Snapshot(symbol, tf)))
}

func (r *Router) routeDepth(frame *models.PushFrame) {
	var data models.DepthData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		r.log.WithComponent("router").WithError(err).Warn("malformed depth payload dropped")
		return
	}
	if data.Symbol == "" {
		data.Symbol = frame.Pair
	}
	if data.Symbol == "" {
		r.log.WithComponent("router").Warn("depth frame without symbol dropped")
		return
	}
	r.books.Replace(data)
}

func (r *Router) forwardTicker(frame models.PushFrame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithComponent("router").WithFields(logger.Fields{
				"panic": fmt.Sprint(rec),
			}).Warn("ticker callback panicked")
		}
	}()
	r.tickerCB(frame)
}
