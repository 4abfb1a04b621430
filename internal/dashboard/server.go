package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"lbankflow/config"
	"lbankflow/internal/cache"
	"lbankflow/internal/channel"
	"lbankflow/internal/rest"
	"lbankflow/internal/subs"
	"lbankflow/logger"
	"lbankflow/models"
)

// OutcomeReader is the slice of the store the dashboard reads. Nil when
// persistence is disabled.
type OutcomeReader interface {
	RecentOutcomes(ctx context.Context, limit int) ([]models.TradeOutcome, error)
}

// Deps are the live views the dashboard exposes. Function fields let the
// server read moving values without owning the components.
type Deps struct {
	Bars      *cache.BarStore
	Books     *cache.DepthStore
	Registry  *subs.Registry
	State     func() string
	Queue     func() channel.Stats
	RestStats func() rest.Stats
	Outcomes  OutcomeReader
}

// Server hosts the Gin-powered status API.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	deps       Deps
	httpServer *http.Server
}

// NewServer constructs a dashboard server when the feature is enabled.
// When disabled the returned server is nil and Run is a no-op.
func NewServer(cfg config.DashboardConfig, deps Deps) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	return &Server{
		cfg:  cfg,
		log:  logger.GetLogger(),
		deps: deps,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}
	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/status", func(c *gin.Context) {
		payload := gin.H{
			"subscriptions": s.deps.Registry.Len(),
		}
		if s.deps.State != nil {
			payload["connection"] = s.deps.State()
		}
		if s.deps.Queue != nil {
			q := s.deps.Queue()
			payload["frame_queue"] = gin.H{"sent": q.Sent, "dropped": q.Dropped}
		}
		if s.deps.RestStats != nil {
			r := s.deps.RestStats()
			payload["rest"] = gin.H{"requests": r.RequestsSent, "errors": r.Errors}
		}
		c.JSON(http.StatusOK, payload)
	})

	router.GET("/api/bars", func(c *gin.Context) {
		symbol := c.Query("symbol")
		tf := c.Query("timeframe")
		if symbol == "" || tf == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "symbol and timeframe are required"})
			return
		}
		bars := s.deps.Bars.Snapshot(symbol, tf)
		set, _ := s.deps.Bars.Indicators(symbol, tf)
		c.JSON(http.StatusOK, gin.H{
			"symbol":     symbol,
			"timeframe":  tf,
			"bars":       bars,
			"indicators": set,
		})
	})

	router.GET("/api/depth", func(c *gin.Context) {
		symbol := c.Query("symbol")
		if symbol == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
			return
		}
		book, ok := s.deps.Books.Get(symbol)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no depth snapshot for " + symbol})
			return
		}
		c.JSON(http.StatusOK, book)
	})

	router.GET("/api/outcomes", func(c *gin.Context) {
		if s.deps.Outcomes == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "persistence disabled"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit <= 0 {
			limit = 50
		}
		outcomes, err := s.deps.Outcomes.RecentOutcomes(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}
	return net.JoinHostPort(addr, "8080")
}
