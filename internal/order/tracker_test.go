package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lbankflow/config"
	"lbankflow/internal/bus"
	"lbankflow/internal/rest"
	"lbankflow/models"
)

// scriptedAPI replays a fixed sequence of poll results. A nil entry means
// the poll fails that round.
type scriptedAPI struct {
	mu        sync.Mutex
	orderID   string
	created   []rest.OrderRequest
	cancelled []string
	polls     []pollResult
	pollIdx   int
}

type pollResult struct {
	info models.OrderInfo
	err  error
}

func (s *scriptedAPI) CreateOrder(_ context.Context, req rest.OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, req)
	return s.orderID, nil
}

func (s *scriptedAPI) OrderInfo(_ context.Context, _, orderID string) (models.OrderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.polls[s.pollIdx]
	if s.pollIdx < len(s.polls)-1 {
		s.pollIdx++
	}
	if r.err != nil {
		return models.OrderInfo{}, r.err
	}
	info := r.info
	info.OrderID = orderID
	return info, nil
}

func (s *scriptedAPI) CancelOrder(_ context.Context, _, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, orderID)
	return nil
}

// outcomeCollector gathers published outcomes under a lock so tests can
// poll it from another goroutine.
type outcomeCollector struct {
	mu   sync.Mutex
	list []models.TradeOutcome
}

func (c *outcomeCollector) add(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, payload.(models.TradeOutcome))
	return nil
}

func (c *outcomeCollector) snapshot() []models.TradeOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.TradeOutcome, len(c.list))
	copy(out, c.list)
	return out
}

func newTestTracker(t *testing.T, api API) (*Tracker, *bus.Bus, *outcomeCollector) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Trading.PollIntervalSec = 4

	b := bus.New(16)
	outcomes := &outcomeCollector{}
	b.Subscribe(bus.TopicTradeOutcome, outcomes.add)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("bus start: %v", err)
	}
	t.Cleanup(b.Stop)

	tr := NewTracker(cfg, api, nil, b)
	tr.interval = 20 * time.Millisecond
	return tr, b, outcomes
}

func waitOutcomes(t *testing.T, outcomes *outcomeCollector, n int) []models.TradeOutcome {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := outcomes.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d outcomes, got %d", n, len(outcomes.snapshot()))
	return nil
}

func TestSubmitMonitorsToTerminalStatus(t *testing.T) {
	api := &scriptedAPI{
		orderID: "oid-1",
		polls: []pollResult{
			{info: models.OrderInfo{Status: models.StatusOpen}},
			{err: errors.New("temporary network failure")},
			{info: models.OrderInfo{Status: models.StatusOpen}},
			{info: models.OrderInfo{Status: models.StatusFilled, AvgPrice: 105}},
			{info: models.OrderInfo{Status: models.StatusFilled, AvgPrice: 105}},
		},
	}
	tr, _, outcomes := newTestTracker(t, api)

	corrID, err := tr.Submit(context.Background(), "eth_usdt", models.SideBuy, 100, 1)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(api.created) != 1 || api.created[0].CustomID != corrID {
		t.Fatalf("created = %+v, want custom_id %s", api.created, corrID)
	}
	if tr.PendingCount() != 1 {
		t.Fatalf("pending = %d", tr.PendingCount())
	}

	got := waitOutcomes(t, outcomes, 1)
	if got[0].CorrelationID != corrID {
		t.Errorf("correlation id = %s", got[0].CorrelationID)
	}
	if got[0].Result != models.ResultSuccess {
		t.Errorf("result = %s, want SUCCESS for buy 100 -> 105", got[0].Result)
	}
	if got[0].Exit != 105 {
		t.Errorf("exit = %v", got[0].Exit)
	}

	// Terminal status forgets the order; no second outcome can follow.
	tr.Wait()
	if tr.PendingCount() != 0 {
		t.Errorf("pending after terminal = %d", tr.PendingCount())
	}
	time.Sleep(60 * time.Millisecond)
	if got := outcomes.snapshot(); len(got) != 1 {
		t.Errorf("outcomes = %d, want exactly 1", len(got))
	}
}

func TestSellOutcomeAgainstDirection(t *testing.T) {
	api := &scriptedAPI{
		orderID: "oid-2",
		polls: []pollResult{
			{info: models.OrderInfo{Status: models.StatusFilled, AvgPrice: 105}},
		},
	}
	tr, _, outcomes := newTestTracker(t, api)

	if _, err := tr.Submit(context.Background(), "eth_usdt", models.SideSell, 100, 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := waitOutcomes(t, outcomes, 1)
	if got[0].Result != models.ResultFailure {
		t.Errorf("result = %s, want FAILURE for sell 100 -> 105", got[0].Result)
	}
}

func TestCancelledOrderStillPublishesOutcome(t *testing.T) {
	api := &scriptedAPI{
		orderID: "oid-3",
		polls: []pollResult{
			{info: models.OrderInfo{Status: models.StatusOpen}},
			{info: models.OrderInfo{Status: models.StatusCancelled, Price: 100}},
		},
	}
	tr, _, outcomes := newTestTracker(t, api)

	if _, err := tr.Submit(context.Background(), "eth_usdt", models.SideBuy, 100, 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := tr.Cancel(context.Background(), "oid-3"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(api.cancelled) != 1 || api.cancelled[0] != "oid-3" {
		t.Errorf("cancelled = %v", api.cancelled)
	}

	got := waitOutcomes(t, outcomes, 1)
	if got[0].Result != models.ResultFailure {
		t.Errorf("result = %s, want FAILURE for cancelled at entry", got[0].Result)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	tr, _, _ := newTestTracker(t, &scriptedAPI{})
	if err := tr.Cancel(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown order")
	}
}

func TestContextCancelStopsMonitor(t *testing.T) {
	api := &scriptedAPI{
		orderID: "oid-4",
		polls: []pollResult{
			{info: models.OrderInfo{Status: models.StatusOpen}},
		},
	}
	tr, _, outcomes := newTestTracker(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := tr.Submit(ctx, "eth_usdt", models.SideBuy, 100, 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancel()
	tr.Wait()

	if tr.PendingCount() != 0 {
		t.Errorf("pending after cancel = %d", tr.PendingCount())
	}
	if got := outcomes.snapshot(); len(got) != 0 {
		t.Errorf("outcomes = %d, want none", len(got))
	}
}

func TestTrackSameOrderTwice(t *testing.T) {
	api := &scriptedAPI{
		polls: []pollResult{
			{info: models.OrderInfo{Status: models.StatusOpen}},
		},
	}
	tr, _, _ := newTestTracker(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	po := models.PendingOrder{OrderID: "dup", Symbol: "eth_usdt", Side: models.SideBuy, Entry: 100}
	tr.Track(ctx, po)
	tr.Track(ctx, po)
	if tr.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", tr.PendingCount())
	}
	cancel()
	tr.Wait()
}
