package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lbankflow/config"
	"lbankflow/internal/strategy"
	"lbankflow/models"
)

type fakeNotifier struct {
	name string
	sent []string
	err  error
}

func (f *fakeNotifier) Name() string { return f.name }
func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.sent = append(f.sent, text)
	return f.err
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	bad := &fakeNotifier{name: "bad", err: errors.New("unreachable")}
	good := &fakeNotifier{name: "good"}
	h := NewHub(bad, good)

	h.Broadcast(context.Background(), "hello")

	if len(bad.sent) != 1 || len(good.sent) != 1 {
		t.Fatalf("deliveries: bad=%d good=%d, want 1 each", len(bad.sent), len(good.sent))
	}
}

func TestOutcomeHandlerFormats(t *testing.T) {
	sink := &fakeNotifier{name: "sink"}
	h := NewHub(sink)

	err := h.OutcomeHandler()(models.TradeOutcome{
		Symbol: "eth_usdt",
		Side:   models.SideBuy,
		Entry:  100,
		Exit:   105,
		Result: models.ResultSuccess,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("sent = %v", sink.sent)
	}
	msg := sink.sent[0]
	for _, want := range []string{"SUCCESS", "buy", "eth_usdt", "100", "105"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}

	if err := h.OutcomeHandler()("not an outcome"); err == nil {
		t.Error("expected error for wrong payload type")
	}
}

func TestSignalHandlerFormats(t *testing.T) {
	sink := &fakeNotifier{name: "sink"}
	h := NewHub(sink)

	err := h.SignalHandler()(strategy.Signal{
		Symbol:    "eth_usdt",
		Timeframe: "4h",
		Side:      models.SideSell,
		Price:     99.5,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(sink.sent) != 1 || !strings.Contains(sink.sent[0], "sell") {
		t.Errorf("sent = %v", sink.sent)
	}
}

func TestTelegramNotify(t *testing.T) {
	var gotPath, gotChat, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotPath = r.URL.Path
		gotChat = r.PostForm.Get("chat_id")
		gotText = r.PostForm.Get("text")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{Token: "tok", ChatID: "chat-1"})
	tg.base = srv.URL

	if err := tg.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotPath != "/bottok/sendMessage" {
		t.Errorf("path = %s", gotPath)
	}
	if gotChat != "chat-1" || gotText != "hello" {
		t.Errorf("chat=%s text=%s", gotChat, gotText)
	}
}

func TestTelegramRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"description":"bad chat"}`)
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{Token: "tok", ChatID: "chat-1"})
	tg.base = srv.URL

	if err := tg.Notify(context.Background(), "hello"); err == nil {
		t.Fatal("expected rejection error")
	}
}

