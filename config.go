package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 3000
	defaultEnvironment     = "development"
	defaultMaxBodyBytes    = 1 << 20
	defaultShutdownTimeout = 5 * time.Second
	defaultSenderURL       = "https://api.sender.net/v2/campaigns/aQ9DJ9/send"
	defaultSenderTimeout   = 10 * time.Second
	defaultRateLimitWindow = 15 * time.Minute
	defaultRateLimitMax    = 100
	defaultStorePath       = ":memory:"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full runtime configuration. It is built once in main and
// handed to newServer; nothing below main reads the environment.
type Config struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Environment      string        `mapstructure:"environment"`
	WebhookSecret    string        `mapstructure:"webhook-secret"`
	StrictSignatures bool          `mapstructure:"strict-signatures"`
	DetailedLogging  bool          `mapstructure:"detailed-logging"`
	SecurityHeaders  bool          `mapstructure:"security-headers"`
	MaxBodyBytes     int64         `mapstructure:"max-body-bytes"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown-timeout"`
	TrustProxy       bool          `mapstructure:"trust-proxy"`

	Sender    SenderConfig    `mapstructure:"sender"`
	RateLimit RateLimitConfig `mapstructure:"rate-limit"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Store     StoreConfig     `mapstructure:"store"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`

	ConfigPath string `mapstructure:"-"`
}

// SenderConfig describes the downstream campaign-send endpoint.
type SenderConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api-key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig is a fixed window per client IP on /webhook.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Window  time.Duration `mapstructure:"window"`
	Max     int           `mapstructure:"max"`
}

// DedupConfig enables the delivery ledger when TTL is positive.
type DedupConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig controls the slog handler and the optional log shipper.
type LogConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	WebhookURL   string `mapstructure:"webhook-url"`
	WebhookToken string `mapstructure:"webhook-token"`
	WebhookLevel string `mapstructure:"webhook-level"`
}

// Production reports whether error details should be hidden from callers.
func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// storeNeeded reports whether any feature depends on badger.
func (c Config) storeNeeded() bool {
	return c.RateLimit.Enabled || c.Dedup.TTL > 0
}

// Validate checks the loaded values. Strict mode without a secret is fatal
// so the process refuses to start.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.StrictSignatures && strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("%w: webhook-secret is required when strict-signatures is enabled", ErrInvalidConfig)
	}
	u, err := url.Parse(c.Sender.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: sender.url %q is not an absolute http(s) URL", ErrInvalidConfig, c.Sender.URL)
	}
	if c.Sender.Timeout <= 0 {
		return fmt.Errorf("%w: sender.timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: max-body-bytes must be positive", ErrInvalidConfig)
	}
	if c.RateLimit.Enabled && (c.RateLimit.Window <= 0 || c.RateLimit.Max <= 0) {
		return fmt.Errorf("%w: rate-limit window and max must be positive", ErrInvalidConfig)
	}
	if c.Dedup.TTL < 0 {
		return fmt.Errorf("%w: dedup.ttl must not be negative", ErrInvalidConfig)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	if c.Log.WebhookURL != "" {
		if _, err := parseLevel(c.Log.WebhookLevel); err != nil {
			return fmt.Errorf("%w: log.webhook-level: %v", ErrInvalidConfig, err)
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: log.format %q (want json or text)", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// loadConfig reads defaults, an optional YAML file and the environment.
// A configPath that cannot be read is an error.
// Environment variables are the upper-cased key with "-" and "." mapped to
// "_", so sender.api-key is SENDER_API_KEY.
func loadConfig(configPath string) (Config, error) {
	var cfg Config

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("environment", "ENVIRONMENT", "APP_ENV", "NODE_ENV"); err != nil {
		return cfg, err
	}

	v.SetDefault("host", defaultHost)
	v.SetDefault("port", defaultPort)
	v.SetDefault("environment", defaultEnvironment)
	v.SetDefault("webhook-secret", "")
	v.SetDefault("strict-signatures", true)
	v.SetDefault("detailed-logging", false)
	v.SetDefault("security-headers", true)
	v.SetDefault("max-body-bytes", defaultMaxBodyBytes)
	v.SetDefault("shutdown-timeout", defaultShutdownTimeout)
	v.SetDefault("trust-proxy", false)
	v.SetDefault("sender.url", defaultSenderURL)
	v.SetDefault("sender.api-key", "")
	v.SetDefault("sender.timeout", defaultSenderTimeout)
	v.SetDefault("rate-limit.enabled", false)
	v.SetDefault("rate-limit.window", defaultRateLimitWindow)
	v.SetDefault("rate-limit.max", defaultRateLimitMax)
	v.SetDefault("dedup.ttl", time.Duration(0))
	v.SetDefault("store.path", defaultStorePath)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.webhook-url", "")
	v.SetDefault("log.webhook-token", "")
	v.SetDefault("log.webhook-level", "warn")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(strings.TrimSpace(s)))
	return level, err
}
