package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/txlens/service/price"
	"github.com/brojonat/txlens/service/retry"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Cache backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Cache storage
	CacheBackend string
	DatabaseURL  string
	RedisAddr    string
	RedisDB      int

	// NATS configuration; empty disables event publishing
	NATSURL string

	// Providers
	EtherscanAPIKey  string
	EtherscanAPIURL  string
	EtherscanSiteURL string
	CoinGeckoAPIURL  string

	// Pacing and backoff
	RateLimitBackoff     time.Duration
	RateLimitMaxWait     time.Duration
	PriceRequestInterval time.Duration
	ScrapeInterval       time.Duration
	PageRequestInterval  time.Duration

	// Resolver behavior
	PriceSaveThreshold int
	NameSaveThreshold  int
	DayShiftHour       int
	CoinExceptions     map[string]string
	Stablecoins        []string
	StablecoinPrice    decimal.Decimal
	UntaggedLabel      string
	MaxLabelLength     int
	EndBlock           uint64

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	OverridesFile string
}

// Overrides is the optional YAML file named by OVERRIDES_FILE. Set fields
// replace the values read from the environment.
type Overrides struct {
	CoinExceptions  map[string]string `yaml:"coin_exceptions"`
	Stablecoins     []string          `yaml:"stablecoins"`
	StablecoinPrice string            `yaml:"stablecoin_price"`
}

// Load reads configuration from environment variables (after loading a .env
// file if one exists) and validates all required fields.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Cache storage
	cfg.CacheBackend = strings.ToLower(getEnvOrDefault("CACHE_BACKEND", BackendPostgres))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if v, err := parseInt("REDIS_DB", 0); err != nil {
		errs = append(errs, err)
	} else {
		cfg.RedisDB = v
	}
	switch cfg.CacheBackend {
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required when CACHE_BACKEND=postgres"))
		}
	case BackendRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required when CACHE_BACKEND=redis"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be postgres, redis or memory, got %q", cfg.CacheBackend))
	}

	// NATS configuration. Set but empty disables publishing.
	if v, ok := os.LookupEnv("NATS_URL"); ok {
		cfg.NATSURL = v
	} else {
		cfg.NATSURL = "nats://localhost:4222"
	}

	// Providers
	cfg.EtherscanAPIKey = os.Getenv("ETHERSCAN_API_KEY")
	if cfg.EtherscanAPIKey == "" {
		errs = append(errs, fmt.Errorf("ETHERSCAN_API_KEY is required"))
	}
	cfg.EtherscanAPIURL = getEnvOrDefault("ETHERSCAN_API_URL", "https://api.etherscan.io/api")
	cfg.EtherscanSiteURL = getEnvOrDefault("ETHERSCAN_SITE_URL", "https://etherscan.io")
	cfg.CoinGeckoAPIURL = getEnvOrDefault("COINGECKO_API_URL", "https://api.coingecko.com/api/v3")

	// Pacing and backoff
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"RATE_LIMIT_BACKOFF", "30s", &cfg.RateLimitBackoff},
		{"RATE_LIMIT_MAX_WAIT", "0s", &cfg.RateLimitMaxWait},
		{"PRICE_REQUEST_INTERVAL", "3s", &cfg.PriceRequestInterval},
		{"SCRAPE_INTERVAL", "3s", &cfg.ScrapeInterval},
		{"PAGE_REQUEST_INTERVAL", "3s", &cfg.PageRequestInterval},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dest = v
	}

	// Resolver behavior
	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"PRICE_SAVE_THRESHOLD", 10, &cfg.PriceSaveThreshold},
		{"NAME_SAVE_THRESHOLD", 5, &cfg.NameSaveThreshold},
		{"DAY_SHIFT_HOUR", 3, &cfg.DayShiftHour},
		{"MAX_LABEL_LENGTH", 25, &cfg.MaxLabelLength},
	}
	for _, i := range ints {
		v, err := parseInt(i.key, i.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*i.dest = v
	}

	exceptions, err := parseMap("COIN_EXCEPTIONS", "ETH=ethereum")
	if err != nil {
		errs = append(errs, err)
	}
	cfg.CoinExceptions = exceptions
	cfg.Stablecoins = parseList(getEnvOrDefault("STABLECOINS", "USDT,USDC,DAI,MIM"))
	stablePrice := getEnvOrDefault("STABLECOIN_PRICE", "1.00")
	if cfg.StablecoinPrice, err = decimal.NewFromString(stablePrice); err != nil {
		errs = append(errs, fmt.Errorf("STABLECOIN_PRICE: invalid decimal %q: %w", stablePrice, err))
	}
	cfg.UntaggedLabel = getEnvOrDefault("UNTAGGED_LABEL", "Untagged*")
	endBlock := getEnvOrDefault("END_BLOCK", "99999999")
	if cfg.EndBlock, err = strconv.ParseUint(endBlock, 10, 64); err != nil {
		errs = append(errs, fmt.Errorf("END_BLOCK: invalid block number %q: %w", endBlock, err))
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "txlens-enrichment")

	cfg.OverridesFile = os.Getenv("OVERRIDES_FILE")
	if cfg.OverridesFile != "" {
		if err := cfg.applyOverrides(cfg.OverridesFile); err != nil {
			errs = append(errs, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks value ranges. Presence of required settings is checked by Load.
func (c *Config) Validate() error {
	var errs []error

	if c.PriceSaveThreshold < 1 {
		errs = append(errs, fmt.Errorf("PriceSaveThreshold must be at least 1"))
	}
	if c.NameSaveThreshold < 1 {
		errs = append(errs, fmt.Errorf("NameSaveThreshold must be at least 1"))
	}
	if c.DayShiftHour < 0 || c.DayShiftHour > 23 {
		errs = append(errs, fmt.Errorf("DayShiftHour must be between 0 and 23"))
	}
	if c.MaxLabelLength < 1 {
		errs = append(errs, fmt.Errorf("MaxLabelLength must be at least 1"))
	}
	if c.RateLimitBackoff < 0 || c.RateLimitMaxWait < 0 {
		errs = append(errs, fmt.Errorf("backoff durations cannot be negative"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// RetryPolicy returns the backoff policy used for rate-limited provider calls.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{Interval: c.RateLimitBackoff, MaxElapsed: c.RateLimitMaxWait}
}

// FixedPrices returns the stablecoin price table.
func (c *Config) FixedPrices() price.FixedPrices {
	return price.NewFixedPrices(c.Stablecoins, c.StablecoinPrice)
}

func (c *Config) applyOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("OVERRIDES_FILE: %w", err)
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("OVERRIDES_FILE: invalid YAML in %s: %w", path, err)
	}
	if o.CoinExceptions != nil {
		c.CoinExceptions = make(map[string]string, len(o.CoinExceptions))
		for sym, id := range o.CoinExceptions {
			c.CoinExceptions[strings.ToUpper(sym)] = id
		}
	}
	if o.Stablecoins != nil {
		c.Stablecoins = o.Stablecoins
	}
	if o.StablecoinPrice != "" {
		p, err := decimal.NewFromString(o.StablecoinPrice)
		if err != nil {
			return fmt.Errorf("OVERRIDES_FILE: invalid stablecoin_price %q: %w", o.StablecoinPrice, err)
		}
		c.StablecoinPrice = p
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseMap parses "KEY=value,KEY2=value2". Keys are upper-cased.
func parseMap(key, defaultValue string) (map[string]string, error) {
	value := getEnvOrDefault(key, defaultValue)
	out := make(map[string]string)
	for _, pair := range parseList(value) {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("%s: invalid entry %q (want SYMBOL=id)", key, pair)
		}
		out[strings.ToUpper(k)] = v
	}
	return out, nil
}

// parseList splits a comma separated list, dropping blanks.
func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
