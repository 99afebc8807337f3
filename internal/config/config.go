package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment override, e.g. ARB_DB_DSN.
const EnvPrefix = "ARB_"

const (
	MarketplaceCSFloat = "csfloat"
	MarketplaceDMarket = "dmarket"
)

type Config struct {
	Environment string `toml:"environment" env:"ENVIRONMENT"`
	LogLevel    string `toml:"log_level" env:"LOG_LEVEL"`

	Database    DatabaseConfig    `toml:"database" envPrefix:"DB_"`
	Marketplace MarketplaceConfig `toml:"marketplace" envPrefix:"MARKET_"`
	Retry       RetryConfig       `toml:"retry" envPrefix:"RETRY_"`
	Feed        FeedConfig        `toml:"feed" envPrefix:"FEED_"`
	Mirror      MirrorConfig      `toml:"mirror" envPrefix:"MIRROR_"`
	Arbitrage   ArbitrageConfig   `toml:"arbitrage" envPrefix:"ARBITRAGE_"`
	Gate        GateConfig        `toml:"gate" envPrefix:"GATE_"`
	Schedule    ScheduleConfig    `toml:"schedule" envPrefix:"SCHEDULE_"`
	Redis       RedisConfig       `toml:"redis" envPrefix:"REDIS_"`
	Server      ServerConfig      `toml:"server" envPrefix:"SERVER_"`
	Report      ReportConfig      `toml:"report" envPrefix:"REPORT_"`

	// RateLimits maps a request category to its calls-per-second capacity.
	RateLimits map[string]int `toml:"rate_limits" env:"RATE_LIMITS" envSeparator:"," envKeyValSeparator:":"`
}

type DatabaseConfig struct {
	DSN             string        `toml:"dsn" env:"DSN"`
	MaxOpenConns    int           `toml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `toml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

type MarketplaceConfig struct {
	Name    string `toml:"name" env:"NAME"`
	BaseURL string `toml:"base_url" env:"BASE_URL"`
	// APIKey is the static key for csfloat, or the hex public key for dmarket.
	APIKey string `toml:"api_key" env:"API_KEY"`
	// SecretKey is the hex ed25519 private key used by dmarket request signing.
	SecretKey string        `toml:"secret_key" env:"SECRET_KEY"`
	GameID    string        `toml:"game_id" env:"GAME_ID"`
	Currency  string        `toml:"currency" env:"CURRENCY"`
	Timeout   time.Duration `toml:"timeout" env:"TIMEOUT"`
}

type RetryConfig struct {
	MaxAttempts     uint          `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialInterval time.Duration `toml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `toml:"max_interval" env:"MAX_INTERVAL"`
}

type FeedConfig struct {
	Enabled      bool          `toml:"enabled" env:"ENABLED"`
	URL          string        `toml:"url" env:"URL"`
	Token        string        `toml:"token" env:"TOKEN"`
	Channels     []string      `toml:"channels" env:"CHANNELS" envSeparator:","`
	BackoffMin   time.Duration `toml:"backoff_min" env:"BACKOFF_MIN"`
	BackoffMax   time.Duration `toml:"backoff_max" env:"BACKOFF_MAX"`
	PingInterval time.Duration `toml:"ping_interval" env:"PING_INTERVAL"`
}

type MirrorConfig struct {
	PageSize  int `toml:"page_size" env:"PAGE_SIZE"`
	MaxOffset int `toml:"max_offset" env:"MAX_OFFSET"`
	Workers   int `toml:"workers" env:"WORKERS"`
	// Classes restricts synchronization to these market names; empty means all.
	Classes []string `toml:"classes" env:"CLASSES" envSeparator:","`
}

type ArbitrageConfig struct {
	AffordabilityFraction float64 `toml:"affordability_fraction" env:"AFFORDABILITY_FRACTION"`
	RelistDiscount        float64 `toml:"relist_discount" env:"RELIST_DISCOUNT"`
	FeeRate               float64 `toml:"fee_rate" env:"FEE_RATE"`
	FeeFloor              float64 `toml:"fee_floor" env:"FEE_FLOOR"`
	MinProfitMargin       float64 `toml:"min_profit_margin" env:"MIN_PROFIT_MARGIN"`
	SweepDepth            int     `toml:"sweep_depth" env:"SWEEP_DEPTH"`
	RelistAfterBuy        bool    `toml:"relist_after_buy" env:"RELIST_AFTER_BUY"`
	GuardInFlight         bool    `toml:"guard_in_flight" env:"GUARD_IN_FLIGHT"`
	DryRun                bool    `toml:"dry_run" env:"DRY_RUN"`
}

type GateConfig struct {
	MinSaleCount int     `toml:"min_sale_count" env:"MIN_SALE_COUNT"`
	MinSlope     float64 `toml:"min_slope" env:"MIN_SLOPE"`
}

type ScheduleConfig struct {
	Relist   string `toml:"relist" env:"RELIST"`
	Purchase string `toml:"purchase" env:"PURCHASE"`
	Resync   string `toml:"resync" env:"RESYNC"`
	Report   string `toml:"report" env:"REPORT"`
	Timezone string `toml:"timezone" env:"TIMEZONE"`
}

type RedisConfig struct {
	Addr     string        `toml:"addr" env:"ADDR"`
	Password string        `toml:"password" env:"PASSWORD"`
	DB       int           `toml:"db" env:"DB"`
	StatsTTL time.Duration `toml:"stats_ttl" env:"STATS_TTL"`
}

type ServerConfig struct {
	Enabled bool `toml:"enabled" env:"ENABLED"`
	Port    int  `toml:"port" env:"PORT"`
}

type ReportConfig struct {
	Dir string `toml:"dir" env:"DIR"`
}

// Defaults returns the built-in configuration before any file or environment overrides.
func Defaults() Config {
	return Config{
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Marketplace: MarketplaceConfig{
			Name:     MarketplaceCSFloat,
			GameID:   "a8db",
			Currency: "USD",
			Timeout:  30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Feed: FeedConfig{
			Enabled:      true,
			Channels:     []string{"listed", "price_changed", "delisted"},
			BackoffMin:   time.Second,
			BackoffMax:   time.Minute,
			PingInterval: 30 * time.Second,
		},
		Mirror: MirrorConfig{
			PageSize:  100,
			MaxOffset: 10000,
			Workers:   4,
		},
		Arbitrage: ArbitrageConfig{
			AffordabilityFraction: 0.5,
			RelistDiscount:        0.01,
			FeeRate:               0.02,
			FeeFloor:              0.01,
			MinProfitMargin:       0.1,
			SweepDepth:            5,
			RelistAfterBuy:        true,
		},
		Gate: GateConfig{
			MinSaleCount: 300,
			MinSlope:     0,
		},
		Schedule: ScheduleConfig{
			Relist:   "@hourly",
			Purchase: "0 4 * * *",
			Resync:   "0 3 */3 * *",
			Report:   "30 4 * * *",
			Timezone: "UTC",
		},
		Redis: RedisConfig{
			StatsTTL: 10 * time.Minute,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		RateLimits: map[string]int{
			"catalog":   1,
			"search":    5,
			"history":   2,
			"buy":       2,
			"relist":    1,
			"inventory": 1,
			"balance":   1,
		},
	}
}

// Load builds the configuration: defaults, then the optional TOML file at path,
// then a .env file if present, then ARB_* environment variables.
// The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	// env replaces maps wholesale; categories it does not name keep their capacity
	limits := maps.Clone(cfg.RateLimits)
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = make(map[string]int, len(limits))
	}
	for category, capacity := range limits {
		if _, ok := cfg.RateLimits[category]; !ok {
			cfg.RateLimits[category] = capacity
		}
	}

	cfg.applyDerivedDefaults()
	return &cfg, nil
}

func (c *Config) applyDerivedDefaults() {
	c.Marketplace.Name = strings.ToLower(strings.TrimSpace(c.Marketplace.Name))
	if c.Marketplace.BaseURL == "" {
		switch c.Marketplace.Name {
		case MarketplaceCSFloat:
			c.Marketplace.BaseURL = "https://csfloat.com"
		case MarketplaceDMarket:
			c.Marketplace.BaseURL = "https://api.dmarket.com"
		}
	}
	// The feed authenticates with the marketplace key unless a dedicated token is set.
	if c.Feed.Token == "" {
		c.Feed.Token = c.Marketplace.APIKey
	}
}

// Validate reports configuration problems that must abort startup.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database dsn is required (ARB_DB_DSN)"))
	}

	switch c.Marketplace.Name {
	case MarketplaceCSFloat:
		if c.Marketplace.APIKey == "" {
			errs = append(errs, errors.New("csfloat api key is required (ARB_MARKET_API_KEY)"))
		}
	case MarketplaceDMarket:
		if c.Marketplace.APIKey == "" || c.Marketplace.SecretKey == "" {
			errs = append(errs, errors.New("dmarket public and secret keys are required (ARB_MARKET_API_KEY, ARB_MARKET_SECRET_KEY)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown marketplace %q", c.Marketplace.Name))
	}

	if c.Feed.Enabled {
		if c.Feed.URL == "" {
			errs = append(errs, errors.New("feed url is required when the feed is enabled (ARB_FEED_URL)"))
		}
		if c.Feed.Token == "" {
			errs = append(errs, errors.New("feed token is required when the feed is enabled (ARB_FEED_TOKEN)"))
		}
		if len(c.Feed.Channels) == 0 {
			errs = append(errs, errors.New("feed needs at least one channel"))
		}
	}

	for _, category := range slices.Sorted(maps.Keys(Defaults().RateLimits)) {
		if _, ok := c.RateLimits[category]; !ok {
			errs = append(errs, fmt.Errorf("rate limit for %q is missing", category))
		}
	}
	for _, category := range slices.Sorted(maps.Keys(c.RateLimits)) {
		if capacity := c.RateLimits[category]; capacity <= 0 {
			errs = append(errs, fmt.Errorf("rate limit for %q must be positive, got %d", category, capacity))
		}
	}

	if c.Retry.MaxAttempts == 0 {
		errs = append(errs, errors.New("retry max attempts must be at least 1"))
	}
	if c.Mirror.PageSize <= 0 || c.Mirror.MaxOffset <= 0 || c.Mirror.Workers <= 0 {
		errs = append(errs, errors.New("mirror page size, max offset and workers must be positive"))
	}

	a := c.Arbitrage
	if a.AffordabilityFraction <= 0 || a.AffordabilityFraction > 1 {
		errs = append(errs, fmt.Errorf("affordability fraction must be in (0,1], got %v", a.AffordabilityFraction))
	}
	if a.RelistDiscount < 0 || a.RelistDiscount >= 1 {
		errs = append(errs, fmt.Errorf("relist discount must be in [0,1), got %v", a.RelistDiscount))
	}
	if a.FeeRate < 0 || a.FeeRate >= 1 || a.FeeFloor < 0 || a.MinProfitMargin < 0 {
		errs = append(errs, errors.New("fee rate must be in [0,1); fee floor and profit margin must be non-negative"))
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level: %s", c.LogLevel))
	}

	return errors.Join(errs...)
}

// Location resolves the scheduler timezone, falling back to UTC.
func (s ScheduleConfig) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
