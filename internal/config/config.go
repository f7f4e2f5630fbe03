package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file used when LOTKEEPER_CONFIG is unset.
const DefaultPath = "config/lotkeeper.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for lotkeeper.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Sync    SyncConfig    `yaml:"sync"`
	Trading TradingConfig `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// HTTPAddr is the host:port of the HTTP listener; empty when Port is zero.
func (s Server) HTTPAddr() string {
	if s.Port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCAddr is the host:port of the gRPC listener; empty when GRPCPort is zero.
func (s Server) GRPCAddr() string {
	if s.GRPCPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string        `yaml:"api_key"`
	APISecret       string        `yaml:"api_secret"`
	BaseURL         string        `yaml:"base_url"`
	StreamURL       string        `yaml:"stream_url"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SyncConfig controls the reconciliation poll.
type SyncConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxWorkers      int           `yaml:"max_workers"`
	ConflictRetries int           `yaml:"conflict_retries"`
}

// TradingConfig defines risk and execution parameters.
type TradingConfig struct {
	PaperMode bool `yaml:"paper_mode"`
	// MaxPositionNotional caps qty * price of a new lot; empty or zero
	// disables the check.
	MaxPositionNotional string `yaml:"max_position_notional"`
}

// MaxNotional parses MaxPositionNotional. An empty value is zero.
func (t TradingConfig) MaxNotional() (decimal.Decimal, error) {
	if t.MaxPositionNotional == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(t.MaxPositionNotional)
	if err != nil {
		return decimal.Zero, fmt.Errorf("trading.max_position_notional: %w", err)
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the configuration file path: LOTKEEPER_CONFIG if set,
// DefaultPath otherwise.
func Path() string {
	if v := os.Getenv("LOTKEEPER_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, fills defaults and then applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyDefaults()
	applyEnvOverrides(cfg)

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/lotkeeper.db"
	}
	if c.Alpaca.BaseURL == "" {
		if c.Trading.PaperMode {
			c.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
		} else {
			c.Alpaca.BaseURL = "https://api.alpaca.markets"
		}
	}
	if c.Alpaca.StreamURL == "" {
		c.Alpaca.StreamURL = streamURLFor(c.Alpaca.BaseURL)
	}
	if c.Alpaca.RequestTimeout == 0 {
		c.Alpaca.RequestTimeout = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = time.Minute
	}
	if c.Sync.ConflictRetries == 0 {
		c.Sync.ConflictRetries = 3
	}
}

// streamURLFor derives the trade_updates endpoint from the REST base URL.
func streamURLFor(baseURL string) string {
	switch baseURL {
	case "https://paper-api.alpaca.markets":
		return "wss://paper-api.alpaca.markets/stream"
	case "https://api.alpaca.markets":
		return "wss://api.alpaca.markets/stream"
	}
	return ""
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_STREAM_URL"); v != "" {
		cfg.Alpaca.StreamURL = v
	}

	if v := os.Getenv("ALPACA_RATE_LIMIT_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Alpaca.RateLimitPerMin = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Standard Alpaca env vars take priority, they are the SDK's canonical names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// Validate reports configuration the process cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Alpaca.APIKey == "" {
		errs = append(errs, errors.New("alpaca.api_key is required"))
	}
	if c.Alpaca.APISecret == "" {
		errs = append(errs, errors.New("alpaca.api_secret is required"))
	}
	if c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.sqlite_path is required"))
	}
	if c.Sync.MaxWorkers < 0 {
		errs = append(errs, errors.New("sync.max_workers must not be negative"))
	}
	if _, err := c.Trading.MaxNotional(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
