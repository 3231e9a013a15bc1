// Package config loads settings for the reqflow binaries: defaults, then an optional YAML
// file, then environment variables. Later sources override earlier ones field by field.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string         `yaml:"env" env:"APP_ENV"`
	LogLevel string         `yaml:"logLevel" env:"LOG_LEVEL"`
	Queue    QueueConfig    `yaml:"queue" envPrefix:"QUEUE_"`
	Batch    BatchConfig    `yaml:"batch" envPrefix:"BATCH_"`
	Identity IdentityConfig `yaml:"identity" envPrefix:"IDENTITY_"`
	Client   ClientConfig   `yaml:"client" envPrefix:"CLIENT_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
}

type QueueConfig struct {
	Retries int `yaml:"retries" env:"RETRIES"`
}

type BatchConfig struct {
	Delay        time.Duration `yaml:"delay" env:"DELAY"`
	MaxBatchSize int           `yaml:"maxBatchSize" env:"MAX_SIZE"`
}

type IdentityConfig struct {
	Secret string        `yaml:"secret" env:"SECRET"`
	MaxAge time.Duration `yaml:"maxAge" env:"MAX_AGE"`
}

// ClientConfig describes the running client for request metadata.
type ClientConfig struct {
	UserAgent   string `yaml:"userAgent" env:"USER_AGENT"`
	Platform    string `yaml:"platform" env:"PLATFORM"`
	ScreenSize  string `yaml:"screenSize" env:"SCREEN_SIZE"`
	FrontendURL string `yaml:"frontendURL" env:"FRONTEND_URL"`
	ServerURL   string `yaml:"serverURL" env:"SERVER_URL"`
	APIKey      string `yaml:"apiKey" env:"API_KEY"`
}

type RedisConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

type ServerConfig struct {
	Addr       string  `yaml:"addr" env:"ADDR"`
	APIKey     string  `yaml:"apiKey" env:"API_KEY"`
	RateLimit  float64 `yaml:"rateLimit" env:"RATE_LIMIT"`
	RateBurst  int     `yaml:"rateBurst" env:"RATE_BURST"`
	SharedRate bool    `yaml:"sharedRate" env:"SHARED_RATE"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Env:      "development",
		LogLevel: "info",
		Queue:    QueueConfig{Retries: 3},
		Batch:    BatchConfig{Delay: 100 * time.Millisecond, MaxBatchSize: 10},
		Identity: IdentityConfig{MaxAge: 5 * time.Minute},
		Client: ClientConfig{
			UserAgent:  "reqflow-client/1.0",
			ScreenSize: "1280x720",
			ServerURL:  "http://127.0.0.1:8081",
		},
		Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
		Server:  ServerConfig{Addr: ":8081", RateLimit: 10, RateBurst: 20},
		Metrics: MetricsConfig{Addr: ":8080"},
	}
}

// Load builds the configuration. An empty path skips the file; a missing file is an error
// only when the path was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Queue.Retries < 1 {
		errs = append(errs, fmt.Errorf("queue.retries must be at least 1, got %d", c.Queue.Retries))
	}
	if c.Batch.Delay <= 0 {
		errs = append(errs, fmt.Errorf("batch.delay must be positive, got %s", c.Batch.Delay))
	}
	if c.Batch.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch.maxBatchSize must be at least 1, got %d", c.Batch.MaxBatchSize))
	}
	if c.Identity.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("identity.maxAge must not be negative, got %s", c.Identity.MaxAge))
	}
	return errors.Join(errs...)
}
