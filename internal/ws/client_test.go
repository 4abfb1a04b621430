package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lbankflow/config"
	"lbankflow/internal/cache"
	"lbankflow/internal/subs"
	"lbankflow/models"
)

type recordedMsg struct {
	at   time.Time
	body map[string]any
}

// testServer accepts websocket clients and records every JSON message they
// send. Each accepted connection is handed to the test through conns.
type testServer struct {
	srv   *httptest.Server
	mu    sync.Mutex
	msgs  []recordedMsg
	conns chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
		for {
			var body map[string]any
			if err := conn.ReadJSON(&body); err != nil {
				return
			}
			ts.mu.Lock()
			ts.msgs = append(ts.msgs, recordedMsg{at: time.Now(), body: body})
			ts.mu.Unlock()
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) recorded() []recordedMsg {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]recordedMsg, len(ts.msgs))
	copy(out, ts.msgs)
	return out
}

func (ts *testServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func (ts *testServer) waitMessages(t *testing.T, n int) []recordedMsg {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := ts.recorded(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, got %d", n, len(ts.recorded()))
	return nil
}

func testConfig(url string) *config.Config {
	cfg := &config.Config{}
	cfg.Websocket.Enabled = true
	cfg.Websocket.URL = url
	cfg.Websocket.QueueBuffer = 64
	// Keep the heartbeat quiet during short-lived tests.
	cfg.Websocket.HeartbeatIntervalSec = 60
	cfg.Websocket.HeartbeatTimeoutSec = 5
	cfg.Websocket.SubscribeSpacingMs = 100
	cfg.Market.PushCodes = map[string]string{"1h": "1hr", "4h": "4hr"}
	cfg.Market.RestCodes = map[string]string{"1h": "hour1", "4h": "hour4"}
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReplayOrderAndSpacing(t *testing.T) {
	ts := newTestServer(t)
	cfg := testConfig(ts.url())

	registry := subs.NewRegistry()
	registry.Add(subs.Subscription{Symbol: "eth_usdt", Channel: models.ChannelKbar, Timeframe: "1h"})
	registry.Add(subs.Subscription{Symbol: "eth_usdt", Channel: models.ChannelDepth, DepthLevel: 100})
	registry.Add(subs.Subscription{Symbol: "eth_usdt", Channel: models.ChannelKbar, Timeframe: "4h"})

	c := NewClient(cfg, registry, cache.NewBarStore(), cache.NewDepthStore(), &stubCalc{}, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	msgs := ts.waitMessages(t, 3)

	// Depth goes out before the symbol's klines, klines in add order.
	if msgs[0].body["subscribe"] != "depth" {
		t.Errorf("first message = %v, want depth", msgs[0].body)
	}
	if msgs[1].body["subscribe"] != "kbar" || msgs[1].body["kbar"] != "1hr" {
		t.Errorf("second message = %v, want kbar 1hr", msgs[1].body)
	}
	if msgs[2].body["kbar"] != "4hr" {
		t.Errorf("third message = %v, want kbar 4hr", msgs[2].body)
	}

	if gap := msgs[2].at.Sub(msgs[0].at); gap < 150*time.Millisecond {
		t.Errorf("three control messages sent %v apart, want pacing of at least 100ms each", gap)
	}
}

func TestServerProbeGetsPong(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(testConfig(ts.url()), subs.NewRegistry(), cache.NewBarStore(), cache.NewDepthStore(), &stubCalc{}, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	conn := ts.waitConn(t)
	if err := conn.WriteJSON(map[string]string{"action": "ping", "ping": "probe-1"}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	msgs := ts.waitMessages(t, 1)
	if msgs[0].body["pong"] != "probe-1" {
		t.Errorf("reply = %v, want pong probe-1", msgs[0].body)
	}
}

func TestPushFramesReachCaches(t *testing.T) {
	ts := newTestServer(t)
	bars := cache.NewBarStore()
	books := cache.NewDepthStore()

	c := NewClient(testConfig(ts.url()), subs.NewRegistry(), bars, books, &stubCalc{}, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	conn := ts.waitConn(t)
	kbar := `{"subscribe":"kbar","kbar":"4hr","pair":"eth_usdt","data":{"symbol":"eth_usdt","timestamp":1700000000,"open":"100","high":"101","low":"99","close":"100.5","volume":"12"}}`
	depth := `{"subscribe":"depth","pair":"eth_usdt","data":{"asks":[[100.1,5]],"bids":[[99.9,4]]}}`
	for _, frame := range []string{kbar, depth} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	waitFor(t, "kbar frame", func() bool { return bars.Len("eth_usdt", "4h") == 1 })
	waitFor(t, "depth frame", func() bool {
		book, ok := books.Get("eth_usdt")
		return ok && len(book.Bids) == 1 && book.Bids[0][0] == 99.9
	})
}

func TestReconnectReplaysRegistry(t *testing.T) {
	ts := newTestServer(t)
	registry := subs.NewRegistry()
	registry.Add(subs.Subscription{Symbol: "eth_usdt", Channel: models.ChannelDepth, DepthLevel: 100})

	c := NewClient(testConfig(ts.url()), registry, cache.NewBarStore(), cache.NewDepthStore(), &stubCalc{}, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	conn := ts.waitConn(t)
	ts.waitMessages(t, 1)

	// Drop the session server-side; the client redials after one backoff
	// step and replays the registry.
	conn.Close()
	ts.waitConn(t)
	msgs := ts.waitMessages(t, 2)
	if msgs[1].body["subscribe"] != "depth" {
		t.Errorf("replayed message = %v, want depth", msgs[1].body)
	}
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close() // every dial now fails

	cfg := testConfig(url)
	cfg.Websocket.MaxRetries = 2

	c := NewClient(cfg, subs.NewRegistry(), cache.NewBarStore(), cache.NewDepthStore(), &stubCalc{}, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateDisconnected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("state = %v, want disconnected after retries exhausted", c.State())
}

func TestStopIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(testConfig(ts.url()), subs.NewRegistry(), cache.NewBarStore(), cache.NewDepthStore(), &stubCalc{}, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ts.waitConn(t)

	c.Stop()
	c.Stop()
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state after stop = %v", got)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("expected error on second Start")
	}
}

func TestDoubleStartRejected(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(testConfig(ts.url()), subs.NewRegistry(), cache.NewBarStore(), cache.NewDepthStore(), &stubCalc{}, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error on concurrent Start")
	}
}

func TestNextBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	cur := initialBackoff
	for i, w := range want {
		cur = nextBackoff(cur)
		if cur != w {
			t.Fatalf("step %d = %v, want %v", i, cur, w)
		}
	}
}
