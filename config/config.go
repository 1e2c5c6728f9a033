package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tradeflow/models"
)

const DefaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	EnvironmentProduction: "config/config.production.yml",
	EnvironmentStaging:    "config/config.staging.yml",
}

type Config struct {
	App         AppConfig         `yaml:"app"`
	Broker      BrokerConfig      `yaml:"broker"`
	Session     SessionConfig     `yaml:"session"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Stream      StreamConfig      `yaml:"stream"`
	Validator   ValidatorConfig   `yaml:"validator"`
	Verifier    VerifierConfig    `yaml:"verifier"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Credentials []CredentialEntry `yaml:"credentials"`
	Symbols     []string          `yaml:"symbols"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type BrokerConfig struct {
	LiveURL        string        `yaml:"live_url"`
	DemoURL        string        `yaml:"demo_url"`
	StreamURL      string        `yaml:"stream_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	UserAgent      string        `yaml:"user_agent"`
	MaxIdleConns   int           `yaml:"max_idle_conns"`
}

// BaseURL picks the REST host for a credential.
func (b BrokerConfig) BaseURL(demo bool) string {
	if demo {
		return strings.TrimRight(b.DemoURL, "/")
	}
	return strings.TrimRight(b.LiveURL, "/")
}

type SessionConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	MinAuthInterval time.Duration `yaml:"min_auth_interval"`
}

type RateLimitConfig struct {
	Window                      time.Duration `yaml:"window"`
	MaxRequests                 int           `yaml:"max_requests"`
	MinInterval                 time.Duration `yaml:"min_interval"`
	SessionMinInterval          time.Duration `yaml:"session_min_interval"`
	BurstDelay                  time.Duration `yaml:"burst_delay"`
	MaxBackoff                  time.Duration `yaml:"max_backoff"`
	EmergencyThreshold          int           `yaml:"emergency_threshold"`
	EmergencyWindow             time.Duration `yaml:"emergency_window"`
	EmergencyIntervalMultiplier float64       `yaml:"emergency_interval_multiplier"`
	RecoverySuccesses           int           `yaml:"recovery_successes"`
	MaxRetries                  int           `yaml:"max_retries"`
}

type StreamConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	TickBuffer     int           `yaml:"tick_buffer"`
	SubscribeBatch int           `yaml:"subscribe_batch"`
	TickFreshness  time.Duration `yaml:"tick_freshness"`
}

type ValidatorConfig struct {
	EmergencyOffsetPct  float64 `yaml:"emergency_offset_pct"`
	MinDistanceFloorPct float64 `yaml:"min_distance_floor_pct"`
}

type VerifierConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Address    string           `yaml:"address"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// CredentialEntry is a named credential in the config file.
type CredentialEntry struct {
	Name              string `yaml:"name"`
	LocalIP           string `yaml:"local_ip"`
	models.Credential `yaml:",inline"`
}

// Default returns a configuration populated with broker defaults.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "tradeflow", Version: "dev"},
		Broker: BrokerConfig{
			LiveURL:        "https://api-capital.backend-capital.com",
			DemoURL:        "https://demo-api-capital.backend-capital.com",
			StreamURL:      "wss://api-streaming-capital.backend-capital.com/connect",
			RequestTimeout: 30 * time.Second,
			UserAgent:      "tradeflow/1.0",
			MaxIdleConns:   16,
		},
		Session: SessionConfig{
			TTL:             6 * time.Minute,
			MinAuthInterval: 2 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window:                      time.Minute,
			MaxRequests:                 40,
			MinInterval:                 250 * time.Millisecond,
			SessionMinInterval:          2 * time.Second,
			BurstDelay:                  2 * time.Second,
			MaxBackoff:                  time.Minute,
			EmergencyThreshold:          5,
			EmergencyWindow:             30 * time.Second,
			EmergencyIntervalMultiplier: 10,
			RecoverySuccesses:           20,
			MaxRetries:                  5,
		},
		Stream: StreamConfig{
			PingInterval:   5 * time.Minute,
			ReconnectDelay: 30 * time.Second,
			AuthTimeout:    10 * time.Second,
			TickBuffer:     256,
			SubscribeBatch: 40,
			TickFreshness:  5 * time.Second,
		},
		Validator: ValidatorConfig{
			EmergencyOffsetPct:  0.01,
			MinDistanceFloorPct: 0.0001,
		},
		Verifier: VerifierConfig{
			Timeout:      5 * time.Second,
			PollInterval: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{Address: ":9102", CloudWatch: CloudWatchConfig{Namespace: "TradeFlow"}},
	}
}

// LoadConfig reads the YAML file at path over the defaults, applies
// environment overrides and validates the result. An environment specific
// file is preferred when APP_ENV selects one.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg, getAppEnvironment()); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func validateConfig(cfg *Config, env string) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	for name, raw := range map[string]string{
		"broker.live_url":   cfg.Broker.LiveURL,
		"broker.demo_url":   cfg.Broker.DemoURL,
		"broker.stream_url": cfg.Broker.StreamURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s '%s' is not a valid url", name, raw)
		}
	}

	if cfg.Broker.RequestTimeout <= 0 {
		return fmt.Errorf("broker.request_timeout must be greater than 0")
	}
	if cfg.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be greater than 0")
	}

	rl := cfg.RateLimit
	if rl.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be greater than 0")
	}
	if rl.MaxRequests <= 0 {
		return fmt.Errorf("rate_limit.max_requests must be greater than 0")
	}
	if rl.MinInterval < 0 || rl.SessionMinInterval < 0 {
		return fmt.Errorf("rate_limit intervals must not be negative")
	}
	if rl.EmergencyThreshold <= 0 {
		return fmt.Errorf("rate_limit.emergency_threshold must be greater than 0")
	}
	if rl.EmergencyIntervalMultiplier < 1 {
		return fmt.Errorf("rate_limit.emergency_interval_multiplier must be at least 1")
	}

	if cfg.Stream.ReconnectDelay <= 0 {
		return fmt.Errorf("stream.reconnect_delay must be greater than 0")
	}
	if cfg.Stream.SubscribeBatch <= 0 {
		return fmt.Errorf("stream.subscribe_batch must be greater than 0")
	}

	v := cfg.Validator
	if v.EmergencyOffsetPct <= 0 || v.EmergencyOffsetPct >= 1 {
		return fmt.Errorf("validator.emergency_offset_pct must be between 0 and 1")
	}
	if v.MinDistanceFloorPct < 0 || v.MinDistanceFloorPct >= v.EmergencyOffsetPct {
		return fmt.Errorf("validator.min_distance_floor_pct must be below emergency_offset_pct")
	}

	seen := make(map[string]struct{}, len(cfg.Credentials))
	for i, c := range cfg.Credentials {
		if c.Name == "" {
			return fmt.Errorf("credentials[%d].name is required", i)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("credentials[%d].name '%s' is duplicated", i, c.Name)
		}
		seen[c.Name] = struct{}{}
		if IsProductionLike(env) {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("credentials[%d]: %w", i, err)
			}
		}
	}

	return nil
}

// Credential returns the named credential.
func (c *Config) Credential(name string) (models.Credential, bool) {
	for _, entry := range c.Credentials {
		if entry.Name == name {
			return entry.Credential, true
		}
	}
	return models.Credential{}, false
}
