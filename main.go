package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"lbankflow/config"
	"lbankflow/internal/bus"
	"lbankflow/internal/cache"
	"lbankflow/internal/dashboard"
	"lbankflow/internal/indicator"
	"lbankflow/internal/order"
	"lbankflow/internal/poller"
	"lbankflow/internal/ratelimit"
	"lbankflow/internal/rest"
	"lbankflow/internal/store"
	"lbankflow/internal/strategy"
	"lbankflow/internal/subs"
	"lbankflow/internal/ws"
	"lbankflow/logger"
	"lbankflow/models"
	"lbankflow/notifier"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
	}).Info("starting lbankflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	// Shared state and plumbing.
	eventBus := bus.New(cfg.Bus.Buffer)
	bars := cache.NewBarStore()
	books := cache.NewDepthStore()
	calc := indicator.NewTalib()
	limiter := ratelimit.New(cfg.Rest.MaxRequestsPer10s, ratelimit.DefaultWindow)
	restClient := rest.New(cfg)

	registry := subs.NewRegistry()
	for _, sym := range cfg.Market.Symbols {
		registry.Add(subs.Subscription{
			Symbol:     sym,
			Channel:    models.ChannelDepth,
			DepthLevel: cfg.Websocket.DepthLevel,
		})
		for _, tf := range cfg.Market.Timeframes {
			registry.Add(subs.Subscription{
				Symbol:    sym,
				Channel:   models.ChannelKbar,
				Timeframe: tf,
			})
		}
	}

	// Persistence and notification subscribers.
	var db *store.Store
	if cfg.Storage.Postgres.Enabled {
		db, err = store.Open(cfg.Storage.Postgres.DSN)
		if err != nil {
			log.WithError(err).Error("failed to open postgres store")
			os.Exit(1)
		}
		eventBus.Subscribe(bus.TopicTradeOutcome, db.OutcomeHandler())
		eventBus.Subscribe(bus.TopicSignal, db.SignalHandler())
	} else {
		log.WithComponent("main").Info("postgres storage disabled; outcomes stay in memory")
	}

	hub := notifier.NewHub()
	if cfg.Notifiers.Telegram.Token != "" && cfg.Notifiers.Telegram.ChatID != "" {
		hub.Register(notifier.NewTelegram(cfg.Notifiers.Telegram))
	}
	eventBus.Subscribe(bus.TopicTradeOutcome, hub.OutcomeHandler())
	eventBus.Subscribe(bus.TopicSignal, hub.SignalHandler())

	tracker := order.NewTracker(cfg, restClient, limiter, eventBus)
	if cfg.Trading.AutoTrade {
		eventBus.Subscribe(bus.TopicSignal, func(payload any) error {
			sig, ok := payload.(strategy.Signal)
			if !ok {
				return nil
			}
			_, err := tracker.Submit(ctx, sig.Symbol, sig.Side, sig.Price, cfg.Trading.OrderAmount)
			return err
		})
	}

	if err := eventBus.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start event bus")
		os.Exit(1)
	}

	// Market data: push stream and/or REST polling fallback.
	var wsClient *ws.Client
	if cfg.Websocket.Enabled {
		tickerCB := func(frame models.PushFrame) {
			eventBus.Publish(bus.TopicTicker, frame)
		}
		wsClient = ws.NewClient(cfg, registry, bars, books, calc, restClient, tickerCB)
		if err := wsClient.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start websocket client")
			os.Exit(1)
		}
	}

	var klinePoller *poller.Poller
	if cfg.Poller.Enabled {
		klinePoller = poller.New(cfg, restClient, bars, calc, limiter)
		if err := klinePoller.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start poller")
			os.Exit(1)
		}
	}

	engine := strategy.NewEngine(cfg, bars, strategy.NewMACDCross(), eventBus)
	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start strategy engine")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	dashDeps := dashboard.Deps{
		Bars:     bars,
		Books:    books,
		Registry: registry,
		State: func() string {
			if wsClient == nil {
				return "disabled"
			}
			return wsClient.State().String()
		},
		RestStats: restClient.GetStats,
	}
	if wsClient != nil {
		dashDeps.Queue = wsClient.QueueStats
	}
	if db != nil {
		dashDeps.Outcomes = db
	}
	dash := dashboard.NewServer(cfg.Dashboard, dashDeps)
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard server failed")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if wsClient != nil {
		log.Info("stopping websocket client")
		wsClient.Stop()
	}
	if klinePoller != nil {
		log.Info("stopping poller")
		klinePoller.Stop()
	}

	log.Info("stopping strategy engine")
	engine.Stop()

	log.Info("waiting for order monitors")
	tracker.Wait()

	log.Info("stopping event bus")
	eventBus.Stop()

	if db != nil {
		log.Info("closing postgres store")
		db.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("lbankflow stopped")
}
