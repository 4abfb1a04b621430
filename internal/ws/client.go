package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"lbankflow/config"
	"lbankflow/internal/cache"
	"lbankflow/internal/channel"
	"lbankflow/internal/indicator"
	"lbankflow/internal/rest"
	"lbankflow/internal/subs"
	"lbankflow/internal/timeframe"
	"lbankflow/logger"
	"lbankflow/models"
)

// State is the connection lifecycle position of the client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateLive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

const (
	initialBackoff   = time.Second
	maxBackoff       = 30 * time.Second
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

var errQueueFull = errors.New("inbound frame queue full")

// Client owns the websocket session end to end: it dials, replays the
// subscription registry, reads frames into the bounded queue for the router
// and reconnects with capped exponential backoff until stopped.
type Client struct {
	cfg      config.WebsocketConfig
	log      *logger.Log
	registry *subs.Registry
	frames   *channel.Frames
	router   *Router
	bars     *cache.BarStore
	rest     *rest.Client
	codes    *timeframe.Codes
	pacer    *rate.Limiter

	state atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool

	writeMu  sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	pongCh   chan string
}

// NewClient assembles the client and its router. restClient may be nil when
// prefill is disabled; tickerCB may be nil when no ticker consumer exists.
func NewClient(cfg *config.Config, registry *subs.Registry, bars *cache.BarStore, books *cache.DepthStore, calc indicator.Calculator, restClient *rest.Client, tickerCB TickerCallback) *Client {
	spacing := time.Duration(cfg.Websocket.SubscribeSpacingMs) * time.Millisecond
	codes := timeframe.NewCodes(cfg.Market.PushCodes, cfg.Market.RestCodes)

	c := &Client{
		cfg:      cfg.Websocket,
		log:      logger.GetLogger(),
		registry: registry,
		frames:   channel.NewFrames(cfg.Websocket.QueueBuffer),
		bars:     bars,
		rest:     restClient,
		codes:    codes,
		pacer:    rate.NewLimiter(rate.Every(spacing), 1),
		stopCh:   make(chan struct{}),
		pongCh:   make(chan string, 1),
	}
	c.router = NewRouter(bars, books, calc, codes, c.sendPong, c.notifyPong, tickerCB)
	return c
}

// State reports the current lifecycle position.
func (c *Client) State() State {
	return State(c.state.Load())
}

// QueueStats returns the inbound frame queue counters.
func (c *Client) QueueStats() channel.Stats {
	return c.frames.GetStats()
}

// Start launches the supervision loop. It returns an error when the client
// was already started.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("websocket client already started")
	}
	c.running = true
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop closes the live connection, drains the router via the queue sentinel
// and waits for every session goroutine. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.setState(StateClosing)
		close(c.stopCh)
		c.closeConn()
	})
	c.wg.Wait()
}

// Subscribe registers an interest. When the session is live the control
// message goes out immediately; otherwise it is replayed on the next
// handshake. Re-adding an existing subscription is a no-op.
func (c *Client) Subscribe(ctx context.Context, sub subs.Subscription) error {
	if !c.registry.Add(sub) {
		return nil
	}
	if c.State() != StateLive {
		return nil
	}
	return c.sendControl(ctx, sub, "subscribe")
}

// Unsubscribe drops an interest and, when live, tells the venue.
func (c *Client) Unsubscribe(ctx context.Context, sub subs.Subscription) error {
	if !c.registry.Remove(sub) {
		return nil
	}
	if c.State() != StateLive {
		return nil
	}
	return c.sendControl(ctx, sub, "unsubscribe")
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.setState(StateDisconnected)

	log := c.log.WithComponent("ws_client")
	backoff := initialBackoff
	failures := 0

	for {
		if c.stopping() || ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		live, err := c.session(ctx)
		if c.stopping() || ctx.Err() != nil {
			return
		}

		if live {
			backoff = initialBackoff
			failures = 0
		} else {
			failures++
			if c.cfg.MaxRetries > 0 && failures >= c.cfg.MaxRetries {
				log.WithError(err).WithFields(logger.Fields{
					"attempts": failures,
				}).Error("connect retries exhausted, giving up")
				return
			}
		}
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"backoff": backoff.String(),
			}).Warn("session ended, reconnecting")
		}
		logger.IncrementRetryCount()

		select {
		case <-time.After(backoff):
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// nextBackoff doubles the reconnect delay up to the cap.
func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// session runs one connection from dial to teardown. live reports whether
// the handshake succeeded, which resets the backoff schedule.
func (c *Client) session(ctx context.Context) (live bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	c.setConn(conn)
	defer func() {
		conn.Close()
		c.setConn(nil)
	}()

	c.setState(StateLive)
	c.log.WithComponent("ws_client").WithFields(logger.Fields{
		"url":           c.cfg.URL,
		"subscriptions": c.registry.Len(),
	}).Info("connection live")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		c.router.Drain(c.frames.C)
	}()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeat(sessionCtx, conn)
	}()

	if c.cfg.Prefill && c.rest != nil {
		c.prefill(sessionCtx)
	}
	if err := c.replaySubscriptions(sessionCtx); err != nil {
		c.log.WithComponent("ws_client").WithError(err).Warn("subscription replay interrupted")
	}

	readErr := c.readLoop(conn)

	cancel()
	conn.Close()
	c.frames.PushSentinel()
	<-routerDone
	<-hbDone
	return true, readErr
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		logger.IncrementFrameRead(len(raw))
		if !c.frames.Push(raw) {
			c.log.WithComponent("ws_client").WithFields(logger.Fields{
				"queue_buffer": cap(c.frames.C),
			}).Error("frame queue full, abandoning session")
			return errQueueFull
		}
	}
}

// replaySubscriptions re-sends the whole registry after a handshake, depth
// before klines per symbol, paced so the venue's control-message limit is
// never hit.
func (c *Client) replaySubscriptions(ctx context.Context) error {
	for _, sub := range c.registry.Snapshot() {
		if err := c.sendControl(ctx, sub, "subscribe"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendControl(ctx context.Context, sub subs.Subscription, action string) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}

	msg := models.SubscribeRequest{
		Action:    action,
		Subscribe: string(sub.Channel),
		Pair:      sub.Symbol,
	}
	switch sub.Channel {
	case models.ChannelKbar:
		code, err := c.codes.Push(sub.Timeframe)
		if err != nil {
			return err
		}
		msg.Kbar = code
	case models.ChannelDepth:
		msg.Depth = sub.DepthLevel
	}

	if err := c.writeJSON(msg); err != nil {
		return fmt.Errorf("send %s for %s/%s: %w", action, sub.Symbol, sub.Channel, err)
	}
	c.log.WithComponent("ws_client").WithFields(logger.Fields{
		"action":  action,
		"pair":    sub.Symbol,
		"channel": string(sub.Channel),
	}).Info("control message sent")
	return nil
}

// prefill seeds the bar windows from REST history so indicators have full
// lookback depth right after (re)connect instead of waiting for 200 pushes.
func (c *Client) prefill(ctx context.Context) {
	log := c.log.WithComponent("ws_client")
	for _, sub := range c.registry.Snapshot() {
		if sub.Channel != models.ChannelKbar {
			continue
		}
		code, err := c.codes.Rest(sub.Timeframe)
		if err != nil {
			log.WithError(err).Warn("prefill skipped")
			continue
		}
		bars, err := c.rest.FetchKlines(ctx, sub.Symbol, code, c.cfg.PrefillSize)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"pair":      sub.Symbol,
				"timeframe": sub.Timeframe,
			}).Warn("prefill fetch failed")
			continue
		}
		c.bars.Seed(sub.Symbol, sub.Timeframe, bars)
		log.WithFields(logger.Fields{
			"pair":      sub.Symbol,
			"timeframe": sub.Timeframe,
			"bars":      len(bars),
		}).Info("bar window prefilled")
	}
}

// heartbeat sends a client probe every interval and force-closes the
// connection when the matching ack does not arrive within the timeout. The
// resulting read error tears the session down through the normal path.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	interval := time.Duration(c.cfg.HeartbeatIntervalSec) * time.Second
	timeout := time.Duration(c.cfg.HeartbeatTimeoutSec) * time.Second
	if interval <= 0 {
		return
	}

	log := c.log.WithComponent("ws_heartbeat")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		id := uuid.NewString()
		if err := c.writeJSON(models.PingMessage{Action: "ping", Ping: id}); err != nil {
			log.WithError(err).Warn("probe send failed, closing connection")
			conn.Close()
			return
		}

		if !c.awaitPong(ctx, id, timeout) {
			if ctx.Err() != nil {
				return
			}
			log.WithFields(logger.Fields{"ping": id}).Warn("probe unacknowledged, closing connection")
			conn.Close()
			return
		}
	}
}

func (c *Client) awaitPong(ctx context.Context, id string, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case got := <-c.pongCh:
			if got == id {
				return true
			}
			// Stale ack from a prior probe; keep waiting.
		}
	}
}

func (c *Client) sendPong(id string) error {
	return c.writeJSON(models.PongMessage{Action: "pong", Pong: id})
}

func (c *Client) notifyPong(id string) {
	select {
	case c.pongCh <- id:
	default:
	}
}

// writeJSON serialises one control message onto the live connection. The
// mutex keeps the heartbeat, router ack and subscribe paths from
// interleaving writes.
func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.currentConn()
	if conn == nil {
		return errors.New("no live connection")
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.WithComponent("ws_client").WithFields(logger.Fields{
			"from": old.String(),
			"to":   s.String(),
		}).Debug("state transition")
	}
}
