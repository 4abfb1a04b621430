package ws

import (
	"sync/atomic"
	"testing"

	"lbankflow/internal/cache"
	"lbankflow/internal/indicator"
	"lbankflow/internal/timeframe"
	"lbankflow/models"
)

// stubCalc counts compute calls and returns a marker value so tests can see
// that indicators were refreshed.
type stubCalc struct {
	computes atomic.Int64
}

func (s *stubCalc) Compute(bars []models.Bar) indicator.Set {
	s.computes.Add(1)
	return indicator.Set{EMA: float64(len(bars))}
}

func testCodes() *timeframe.Codes {
	return timeframe.NewCodes(
		map[string]string{"1h": "1hr", "4h": "4hr"},
		map[string]string{"1h": "hour1", "4h": "hour4"},
	)
}

type routerFixture struct {
	bars   *cache.BarStore
	books  *cache.DepthStore
	calc   *stubCalc
	acks   []string
	pongs  []string
	router *Router
}

func newRouterFixture(tickerCB TickerCallback) *routerFixture {
	f := &routerFixture{
		bars:  cache.NewBarStore(),
		books: cache.NewDepthStore(),
		calc:  &stubCalc{},
	}
	f.router = NewRouter(f.bars, f.books, f.calc, testCodes(),
		func(id string) error { f.acks = append(f.acks, id); return nil },
		func(id string) { f.pongs = append(f.pongs, id) },
		tickerCB)
	return f
}

func TestRouteKbarUpdatesWindowAndIndicators(t *testing.T) {
	f := newRouterFixture(nil)
	frame := `{"subscribe":"kbar","kbar":"4hr","pair":"eth_usdt","data":{"symbol":"eth_usdt","timestamp":1700000000,"open":"100","high":"101","low":"99","close":"100.5","volume":"12"}}`
	f.router.route([]byte(frame))

	if got := f.bars.Len("eth_usdt", "4h"); got != 1 {
		t.Fatalf("window length = %d, want 1", got)
	}
	bars := f.bars.Snapshot("eth_usdt", "4h")
	if bars[0].Close != 100.5 {
		t.Errorf("close = %v", bars[0].Close)
	}
	set, ok := f.bars.Indicators("eth_usdt", "4h")
	if !ok || set.EMA != 1 {
		t.Errorf("indicators = %+v ok=%v", set, ok)
	}
	if f.calc.computes.Load() != 1 {
		t.Errorf("compute calls = %d", f.calc.computes.Load())
	}
}

func TestRouteKbarSymbolFallsBackToPair(t *testing.T) {
	f := newRouterFixture(nil)
	frame := `{"subscribe":"kbar","kbar":"1hr","pair":"btc_usdt","data":{"timestamp":1700000000,"open":1,"high":2,"low":0.5,"close":1.5,"volume":3}}`
	f.router.route([]byte(frame))
	if got := f.bars.Len("btc_usdt", "1h"); got != 1 {
		t.Fatalf("window length = %d, want 1", got)
	}
}

func TestRouteDepthReplacesBook(t *testing.T) {
	f := newRouterFixture(nil)
	frame := `{"subscribe":"depth","pair":"eth_usdt","data":{"asks":[[100.1,5]],"bids":[[99.9,4]]}}`
	f.router.route([]byte(frame))

	book, ok := f.books.Get("eth_usdt")
	if !ok {
		t.Fatal("book missing")
	}
	if len(book.Asks) != 1 || book.Asks[0][0] != 100.1 {
		t.Errorf("asks = %v", book.Asks)
	}
}

func TestRouteServerProbeAcked(t *testing.T) {
	f := newRouterFixture(nil)
	f.router.route([]byte(`{"ping":"probe-1","action":"ping"}`))
	if len(f.acks) != 1 || f.acks[0] != "probe-1" {
		t.Errorf("acks = %v", f.acks)
	}
}

func TestRoutePongForwardedToHeartbeat(t *testing.T) {
	f := newRouterFixture(nil)
	f.router.route([]byte(`{"pong":"probe-2","action":"pong"}`))
	if len(f.pongs) != 1 || f.pongs[0] != "probe-2" {
		t.Errorf("pongs = %v", f.pongs)
	}
}

func TestRouteBadFramesDoNotStopRouting(t *testing.T) {
	f := newRouterFixture(nil)

	f.router.route([]byte(`{not json`))
	f.router.route([]byte(`{"status":"error","message":"subscription refused"}`))
	f.router.route([]byte(`{"subscribe":"kbar","kbar":"4hr","pair":"eth_usdt","data":"not an object"}`))

	// A healthy frame after the bad ones still lands.
	f.router.route([]byte(`{"subscribe":"depth","pair":"eth_usdt","data":{"asks":[[1,1]],"bids":[[1,1]]}}`))
	if _, ok := f.books.Get("eth_usdt"); !ok {
		t.Fatal("healthy frame after bad frames was not routed")
	}
}

func TestTickerCallbackPanicIsolated(t *testing.T) {
	calls := 0
	f := newRouterFixture(func(frame models.PushFrame) {
		calls++
		panic("consumer bug")
	})

	f.router.route([]byte(`{"subscribe":"ticker.eth_usdt","pair":"eth_usdt","data":{}}`))
	if calls != 1 {
		t.Fatalf("ticker callback calls = %d", calls)
	}

	f.router.route([]byte(`{"subscribe":"depth","pair":"eth_usdt","data":{"asks":[],"bids":[]}}`))
	if _, ok := f.books.Get("eth_usdt"); !ok {
		t.Fatal("router stopped after ticker callback panic")
	}
}

func TestDrainStopsOnSentinel(t *testing.T) {
	f := newRouterFixture(nil)
	frames := make(chan []byte, 4)
	frames <- []byte(`{"subscribe":"depth","pair":"eth_usdt","data":{"asks":[[1,1]],"bids":[]}}`)
	frames <- nil

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.Drain(frames)
	}()
	<-done

	if _, ok := f.books.Get("eth_usdt"); !ok {
		t.Fatal("frame before sentinel was not routed")
	}
}
