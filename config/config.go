package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	Websocket WebsocketConfig `yaml:"websocket"`
	Rest      RestConfig      `yaml:"rest"`
	Market    MarketConfig    `yaml:"market"`
	Trading   TradingConfig   `yaml:"trading"`
	Bus       BusConfig       `yaml:"bus"`
	Poller    PollerConfig    `yaml:"poller"`
	Notifiers NotifiersConfig `yaml:"notifiers"`
	Storage   StorageConfig   `yaml:"storage"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type WebsocketConfig struct {
	Enabled              bool   `yaml:"enabled"`
	URL                  string `yaml:"url"`
	MaxRetries           int    `yaml:"max_retries"` // 0 = retry forever
	DepthLevel           int    `yaml:"depth_level"`
	QueueBuffer          int    `yaml:"queue_buffer"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
	HeartbeatTimeoutSec  int    `yaml:"heartbeat_timeout_sec"`
	SubscribeSpacingMs   int    `yaml:"subscribe_spacing_ms"`
	Prefill              bool   `yaml:"prefill"`
	PrefillSize          int    `yaml:"prefill_size"`
}

type RestConfig struct {
	BaseURL           string `yaml:"base_url"`
	TimeoutSec        int    `yaml:"timeout_sec"`
	MaxRequestsPer10s int    `yaml:"max_requests_per_10s"`
}

type MarketConfig struct {
	Symbols    []string          `yaml:"symbols"`
	Timeframes []string          `yaml:"timeframes"`
	PushCodes  map[string]string `yaml:"push_codes"`
	RestCodes  map[string]string `yaml:"rest_codes"`
}

type TradingConfig struct {
	APIKey          string  `yaml:"api_key"`
	SecretKey       string  `yaml:"secret_key"`
	PollIntervalSec int     `yaml:"poll_interval_sec"`
	AutoTrade       bool    `yaml:"auto_trade"`
	OrderAmount     float64 `yaml:"order_amount"`
}

type BusConfig struct {
	Buffer int `yaml:"buffer"`
}

type PollerConfig struct {
	Enabled bool `yaml:"enabled"`
	Size    int  `yaml:"size"`
}

type NotifiersConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID string `yaml:"chat_id"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// LoadConfig reads and validates the configuration file. Secrets are taken
// from the environment when present so they never have to live in the yaml
// file. A validation failure aborts startup; the core never partially
// starts on bad configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Websocket: WebsocketConfig{
			Enabled:              true,
			QueueBuffer:          4096,
			HeartbeatIntervalSec: 25,
			HeartbeatTimeoutSec:  10,
			SubscribeSpacingMs:   100,
			Prefill:              true,
			PrefillSize:          200,
		},
		Rest: RestConfig{
			TimeoutSec:        10,
			MaxRequestsPer10s: 200,
		},
		Trading: TradingConfig{
			PollIntervalSec: 4,
		},
		Bus: BusConfig{
			Buffer: 256,
		},
		Poller: PollerConfig{
			Size: 100,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("LBANK_API_KEY"); v != "" {
		config.Trading.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("LBANK_SECRET_KEY"); v != "" {
		config.Trading.SecretKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		config.Notifiers.Telegram.Token = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		config.Notifiers.Telegram.ChatID = strings.TrimSpace(v)
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		config.Storage.Postgres.DSN = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}

	if len(cfg.Market.Symbols) == 0 {
		return fmt.Errorf("market.symbols must not be empty")
	}
	if len(cfg.Market.Timeframes) == 0 {
		return fmt.Errorf("market.timeframes must not be empty")
	}
	for _, tf := range cfg.Market.Timeframes {
		if _, ok := cfg.Market.PushCodes[tf]; !ok {
			return fmt.Errorf("market.push_codes missing entry for timeframe %q", tf)
		}
		if _, ok := cfg.Market.RestCodes[tf]; !ok {
			return fmt.Errorf("market.rest_codes missing entry for timeframe %q", tf)
		}
	}

	if cfg.Websocket.Enabled {
		if cfg.Websocket.URL == "" {
			return fmt.Errorf("websocket.url is required")
		}
		if cfg.Websocket.DepthLevel <= 0 {
			return fmt.Errorf("websocket.depth_level must be greater than 0")
		}
		if cfg.Websocket.QueueBuffer <= 0 {
			return fmt.Errorf("websocket.queue_buffer must be greater than 0")
		}
		if cfg.Websocket.MaxRetries < 0 {
			return fmt.Errorf("websocket.max_retries must not be negative")
		}
		if cfg.Websocket.SubscribeSpacingMs < 100 {
			return fmt.Errorf("websocket.subscribe_spacing_ms must be at least 100")
		}
	}

	if cfg.Rest.BaseURL == "" {
		return fmt.Errorf("rest.base_url is required")
	}
	if cfg.Rest.MaxRequestsPer10s <= 0 {
		return fmt.Errorf("rest.max_requests_per_10s must be greater than 0")
	}
	if cfg.Rest.TimeoutSec <= 0 {
		return fmt.Errorf("rest.timeout_sec must be greater than 0")
	}

	if cfg.Trading.PollIntervalSec <= 0 {
		return fmt.Errorf("trading.poll_interval_sec must be greater than 0")
	}
	if cfg.Trading.AutoTrade {
		if cfg.Trading.OrderAmount <= 0 {
			return fmt.Errorf("trading.order_amount must be greater than 0 when auto_trade is on")
		}
		if cfg.Trading.APIKey == "" || cfg.Trading.SecretKey == "" {
			return fmt.Errorf("trading credentials are required when auto_trade is on")
		}
	}

	if cfg.Bus.Buffer <= 0 {
		return fmt.Errorf("bus.buffer must be greater than 0")
	}

	if cfg.Poller.Enabled && cfg.Poller.Size <= 0 {
		return fmt.Errorf("poller.size must be greater than 0")
	}

	if cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required when postgres is enabled")
	}

	return nil
}
