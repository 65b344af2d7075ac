package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"torn-market-watcher/internal/crypto"
	"torn-market-watcher/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	KeyPool  KeyPoolConfig  `mapstructure:"keypool"`
	Limiter  LimiterConfig  `mapstructure:"limiter"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the shared-counter backend address.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// UpstreamConfig covers the game API endpoints.
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// KeyPoolConfig governs credential pool refresh and decryption.
type KeyPoolConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	EncryptionKey   string        `mapstructure:"encryption_key"`
}

// LimiterConfig sets default per-group request ceilings.
type LimiterConfig struct {
	Window              time.Duration `mapstructure:"window"`
	MarketLimit         int           `mapstructure:"market_limit"`
	BazaarLimit         int           `mapstructure:"bazaar_limit"`
	CeilingSyncInterval time.Duration `mapstructure:"ceiling_sync_interval"`
}

// FeedConfig tunes the realtime subscription connection.
type FeedConfig struct {
	URL            string        `mapstructure:"url"`
	Token          string        `mapstructure:"token"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
}

// AlertingConfig defines notification channel wiring.
type AlertingConfig struct {
	DiscordBotToken string        `mapstructure:"discord_bot_token"`
	WebhookTimeout  time.Duration `mapstructure:"webhook_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TORNWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tornwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.url", "redis://127.0.0.1:6379")

	v.SetDefault("upstream.base_url", "https://api.torn.com")
	v.SetDefault("upstream.request_timeout", "30s")
	v.SetDefault("upstream.user_agent", "tornwatcher/1.0")

	v.SetDefault("keypool.refresh_interval", "5m")

	v.SetDefault("limiter.window", "1m")
	v.SetDefault("limiter.market_limit", 100)
	v.SetDefault("limiter.bazaar_limit", 1800)
	v.SetDefault("limiter.ceiling_sync_interval", "1m")

	v.SetDefault("feed.url", "wss://ws-centrifugo.torn.com/connection/websocket")
	v.SetDefault("feed.reconnect_delay", "10s")
	v.SetDefault("feed.ping_interval", "50s")
	v.SetDefault("feed.resync_interval", "60s")

	v.SetDefault("alerting.webhook_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.KeyPool.RefreshInterval <= 0 {
		return fmt.Errorf("keypool.refresh_interval must be greater than zero")
	}
	if c.KeyPool.EncryptionKey != "" && len(c.KeyPool.EncryptionKey) != crypto.KeySize {
		return fmt.Errorf("keypool.encryption_key must be %d bytes", crypto.KeySize)
	}
	if c.Limiter.Window <= 0 {
		return fmt.Errorf("limiter.window must be greater than zero")
	}
	if c.Limiter.MarketLimit <= 0 || c.Limiter.BazaarLimit <= 0 {
		return fmt.Errorf("limiter ceilings must be greater than zero")
	}
	if c.Feed.ReconnectDelay <= 0 {
		return fmt.Errorf("feed.reconnect_delay must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
