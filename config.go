package tokenmeter

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Store drivers understood by the CLI.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// Config is the top-level engine configuration.
type Config struct {
	Pricing PricingConfig `yaml:"pricing"`
	Plans   []PlanConfig  `yaml:"plans"`
	Store   StoreConfig   `yaml:"store"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// PricingConfig configures the model price oracle.
type PricingConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Timeout  time.Duration `yaml:"timeout"`
	Fallback string        `yaml:"fallback_price"`
}

// StoreConfig selects and configures the ledger store.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Prefix   string `yaml:"prefix"`
	Database string `yaml:"database"`
}

// SweepConfig configures the stale reservation sweeper. An empty schedule
// disables scheduled sweeps. Stale reservations are only reported unless
// Release is set.
type SweepConfig struct {
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
	Release  bool          `yaml:"release"`
}

// ServerConfig configures the HTTP API started by "tokenmeter serve".
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the slog handler built by the CLI.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a config that runs against the memory store with the
// built-in plan table.
func DefaultConfig() Config {
	return Config{
		Pricing: PricingConfig{
			Endpoint: "https://openrouter.ai/api/v1/models",
			Model:    "openai/gpt-4o-mini",
			CacheTTL: time.Hour,
			Timeout:  10 * time.Second,
			Fallback: DefaultUnitPrice.String(),
		},
		Plans:  DefaultPlans,
		Store:  StoreConfig{Driver: DriverMemory},
		Sweep:  SweepConfig{MaxAge: time.Hour},
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
// Fields missing from the file keep their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tokenmeter: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	cfg.Plans = nil
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("tokenmeter: parse config: %w", err)
	}
	if len(cfg.Plans) == 0 {
		cfg.Plans = DefaultPlans
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Pricing.Model == "" {
		return fmt.Errorf("tokenmeter: config: pricing.model is required")
	}
	if c.Pricing.CacheTTL < 0 {
		return fmt.Errorf("tokenmeter: config: pricing.cache_ttl must not be negative")
	}
	if _, err := c.FallbackPrice(); err != nil {
		return err
	}

	names := make(map[string]bool, len(c.Plans))
	for i, p := range c.Plans {
		name := NormalizePlanName(p.Name)
		if name == "" {
			return fmt.Errorf("tokenmeter: config: plans[%d]: name is required", i)
		}
		if names[name] {
			return fmt.Errorf("tokenmeter: config: duplicate plan %q", name)
		}
		names[name] = true
		if p.IncludedTokens < 0 {
			return fmt.Errorf("tokenmeter: config: plans[%d] (%s): included_tokens must not be negative", i, name)
		}
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite, DriverRedis, DriverMongo:
		if c.Store.DSN == "" {
			return fmt.Errorf("tokenmeter: config: store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("tokenmeter: config: invalid store.driver %q", c.Store.Driver)
	}

	if c.Sweep.MaxAge < 0 {
		return fmt.Errorf("tokenmeter: config: sweep.max_age must not be negative")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("tokenmeter: config: server.shutdown_timeout must not be negative")
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("tokenmeter: config: invalid log.format %q", c.Log.Format)
	}

	return nil
}

// FallbackPrice parses the configured fallback unit price.
func (c Config) FallbackPrice() (decimal.Decimal, error) {
	if c.Pricing.Fallback == "" {
		return DefaultUnitPrice, nil
	}
	p, err := decimal.NewFromString(c.Pricing.Fallback)
	if err != nil {
		return decimal.Zero, fmt.Errorf("tokenmeter: config: pricing.fallback_price: %w", err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("tokenmeter: config: pricing.fallback_price: %w", ErrInvalidPrice)
	}
	return p, nil
}
