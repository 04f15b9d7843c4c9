package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultNATSURL     = "nats://localhost:4222"
	defaultRedisURL    = "redis://localhost:6379"
	defaultHTTPAddr    = ":8081"
	defaultMetricsAddr = ":9092"

	envNATSURL     = "NATS_URL"
	envRedisURL    = "REDIS_URL"
	envHTTPAddr    = "GATEWAY_HTTP_ADDR"
	envMetricsAddr = "GATEWAY_METRICS_ADDR"
	envAPIKeysPath = "API_KEYS_PATH"
	envConfigPath  = "GATEWAY_CONFIG_PATH"
)

// Limits are request-shaping knobs loaded from the optional YAML overlay.
type Limits struct {
	RateLimitRPS    int   `yaml:"rate_limit_rps"`
	RateLimitBurst  int   `yaml:"rate_limit_burst"`
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`
	MaxGeometries   int   `yaml:"max_geometries"`
}

type overlay struct {
	NatsURL     string `yaml:"nats_url"`
	RedisURL    string `yaml:"redis_url"`
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	APIKeysPath string `yaml:"api_keys_path"`
	Limits      Limits `yaml:"limits"`
}

// Config holds runtime configuration for the gateway.
type Config struct {
	NatsURL     string
	RedisURL    string
	HTTPAddr    string
	MetricsAddr string
	APIKeysPath string
	Limits      Limits
}

// Load returns configuration from the environment with sane defaults,
// optionally overlaid by a YAML file named in GATEWAY_CONFIG_PATH.
// Environment variables win over the file. A named-but-broken overlay is a
// deploy error and fails the load.
func Load() (*Config, error) {
	cfg := &Config{
		NatsURL:     defaultNATSURL,
		RedisURL:    defaultRedisURL,
		HTTPAddr:    defaultHTTPAddr,
		MetricsAddr: defaultMetricsAddr,
		Limits: Limits{
			RateLimitRPS:    50,
			RateLimitBurst:  100,
			MaxPayloadBytes: 2 << 20,
			MaxGeometries:   32,
		},
	}

	if path := strings.TrimSpace(os.Getenv(envConfigPath)); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	applyEnv(&cfg.NatsURL, envNATSURL)
	applyEnv(&cfg.RedisURL, envRedisURL)
	applyEnv(&cfg.HTTPAddr, envHTTPAddr)
	applyEnv(&cfg.MetricsAddr, envMetricsAddr)
	applyEnv(&cfg.APIKeysPath, envAPIKeysPath)

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if o.NatsURL != "" {
		c.NatsURL = o.NatsURL
	}
	if o.RedisURL != "" {
		c.RedisURL = o.RedisURL
	}
	if o.HTTPAddr != "" {
		c.HTTPAddr = o.HTTPAddr
	}
	if o.MetricsAddr != "" {
		c.MetricsAddr = o.MetricsAddr
	}
	if o.APIKeysPath != "" {
		c.APIKeysPath = o.APIKeysPath
	}
	if o.Limits.RateLimitRPS > 0 {
		c.Limits.RateLimitRPS = o.Limits.RateLimitRPS
	}
	if o.Limits.RateLimitBurst > 0 {
		c.Limits.RateLimitBurst = o.Limits.RateLimitBurst
	}
	if o.Limits.MaxPayloadBytes > 0 {
		c.Limits.MaxPayloadBytes = o.Limits.MaxPayloadBytes
	}
	if o.Limits.MaxGeometries > 0 {
		c.Limits.MaxGeometries = o.Limits.MaxGeometries
	}
	return nil
}

func applyEnv(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// DurationEnv parses a duration from the environment, falling back when unset
// or unparsable.
func DurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return fallback
}
