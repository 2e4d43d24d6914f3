package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Feeds      Feeds      `mapstructure:"feeds"`
	Validation Validation `mapstructure:"validation"`
	Alerts     Alerts     `mapstructure:"alerts"`
	Staleness  Staleness  `mapstructure:"staleness"`
	Trading    Trading    `mapstructure:"trading"`
	Balances   Balances   `mapstructure:"balances"`
	Logger     Logger     `mapstructure:"logger"`
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
}

// Feeds holds the configuration for the price sources.
type Feeds struct {
	RestURL            string        `mapstructure:"rest_url"`
	StreamURL          string        `mapstructure:"stream_url"`
	StreamPollInterval time.Duration `mapstructure:"stream_poll_interval"`
	BasketPollInterval time.Duration `mapstructure:"basket_poll_interval"`
	StreamGrace        time.Duration `mapstructure:"stream_grace"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
}

// Range is an inclusive sanity band for prices of one category.
type Range struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// Validation holds the per-category price sanity ranges.
type Validation struct {
	Crypto    Range `mapstructure:"crypto"`
	Forex     Range `mapstructure:"forex"`
	Commodity Range `mapstructure:"commodity"`
	Equity    Range `mapstructure:"equity"`
}

// Alerts holds the movement alert thresholds, in percent.
type Alerts struct {
	Threshold1 float64       `mapstructure:"threshold1"`
	Threshold2 float64       `mapstructure:"threshold2"`
	ToastTTL   time.Duration `mapstructure:"toast_ttl"`
	QueueCap   int           `mapstructure:"queue_cap"`
}

// Staleness holds the freshness classification settings.
type Staleness struct {
	Interval time.Duration `mapstructure:"interval"`
	Delayed  time.Duration `mapstructure:"delayed"`
	Expired  time.Duration `mapstructure:"expired"`
}

// Trading holds the configuration for the trade lifecycle.
type Trading struct {
	MinStake        float64  `mapstructure:"min_stake"`
	MaxStake        float64  `mapstructure:"max_stake"`
	Durations       []int    `mapstructure:"durations"`
	WinOverrideRate float64  `mapstructure:"win_override_rate"`
	DefaultMode     string   `mapstructure:"default_mode"`
	DefaultAsset    string   `mapstructure:"default_asset"`
	Watchlist       []string `mapstructure:"watchlist"`
}

// Balances holds the opening balance for each account mode.
type Balances struct {
	Practice float64 `mapstructure:"practice"`
	Live     float64 `mapstructure:"live"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
// A missing config file is not an error; defaults and env still apply.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}

	err = config.Validate()
	return
}

// Default returns the configuration produced by defaults alone.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feeds.rest_url", "http://localhost:8080/api")
	v.SetDefault("feeds.stream_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("feeds.stream_poll_interval", time.Second)
	v.SetDefault("feeds.basket_poll_interval", 4*time.Second)
	v.SetDefault("feeds.stream_grace", 5*time.Second)
	v.SetDefault("feeds.request_timeout", 3*time.Second)
	v.SetDefault("feeds.max_retries", 1)
	v.SetDefault("feeds.rate_limit", 20)      // requests per second
	v.SetDefault("feeds.rate_limit_burst", 5) // burst size

	v.SetDefault("validation.crypto.min", 0.0001)
	v.SetDefault("validation.crypto.max", 1000000)
	v.SetDefault("validation.forex.min", 0.0001)
	v.SetDefault("validation.forex.max", 1000)
	v.SetDefault("validation.commodity.min", 0.01)
	v.SetDefault("validation.commodity.max", 100000)
	v.SetDefault("validation.equity.min", 0.01)
	v.SetDefault("validation.equity.max", 100000)

	v.SetDefault("alerts.threshold1", 5.0)
	v.SetDefault("alerts.threshold2", 10.0)
	v.SetDefault("alerts.toast_ttl", 6*time.Second)
	v.SetDefault("alerts.queue_cap", 10)

	v.SetDefault("staleness.interval", 5*time.Second)
	v.SetDefault("staleness.delayed", 30*time.Second)
	v.SetDefault("staleness.expired", 120*time.Second)

	v.SetDefault("trading.min_stake", 1)
	v.SetDefault("trading.max_stake", 10000)
	v.SetDefault("trading.durations", []int{5, 15, 30, 60, 120, 300})
	v.SetDefault("trading.win_override_rate", 0.25)
	v.SetDefault("trading.default_mode", "practice")
	v.SetDefault("trading.default_asset", "BTC")
	v.SetDefault("trading.watchlist", []string{"BTC", "ETH", "EUR/USD", "XAU/USD", "AAPL"})

	v.SetDefault("balances.practice", 10000)
	v.SetDefault("balances.live", 0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8090)
	v.SetDefault("database.dsn", "trades.db")
}
