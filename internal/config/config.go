package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/praxhq/prax/pkg/api"
)

type (
	// Config holds configuration settings for the orchestrator
	Config struct {
		// API server
		APIHost  string
		APIPort  int
		LogLevel string

		// Store
		Redis RedisConfig

		// Engine
		DefaultStepTimeout time.Duration
		ParallelExecution  bool
		MaxConcurrentSteps int
		StopOnFailure      bool
		PollInterval       time.Duration
		CostThreshold      api.Money
		ShutdownTimeout    time.Duration

		// Integrations
		EventWebhookURLs []string
		InformedLogPath  string
		SlackWebhookURL  string
		OpenAIKey        string
		OpenAIBaseURL    string
	}

	// RedisConfig holds connection settings for the aggregate stores
	RedisConfig struct {
		Addr     string
		Password string
		DB       int
		Prefix   string
	}
)

const (
	DefaultAPIPort = 8080
	DefaultAPIHost = "0.0.0.0"
	MaxTCPPort     = 65535

	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisPrefix   = "prax"

	DefaultStepTimeout     = 5 * time.Minute
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultShutdownTimeout = 10 * time.Second

	MaxConcurrentStepsLimit = 10_000
	MaxStepTimeout          = 24 * time.Hour
)

var (
	ErrInvalidAPIPort      = errors.New("invalid API port")
	ErrInvalidStepTimeout  = errors.New("step timeout must be positive")
	ErrInvalidPollInterval = errors.New("poll interval must be positive")
	ErrInvalidConcurrency  = errors.New("max concurrent steps negative")
)

// NewDefaultConfig creates a configuration with sensible defaults for the
// engine, store, and API server
func NewDefaultConfig() *Config {
	return &Config{
		APIHost:  DefaultAPIHost,
		APIPort:  DefaultAPIPort,
		LogLevel: "info",
		Redis: RedisConfig{
			Addr:   DefaultRedisEndpoint,
			Prefix: DefaultRedisPrefix,
		},
		DefaultStepTimeout: DefaultStepTimeout,
		ParallelExecution:  true,
		MaxConcurrentSteps: 0,
		StopOnFailure:      true,
		PollInterval:       DefaultPollInterval,
		ShutdownTimeout:    DefaultShutdownTimeout,
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any env var cannot be parsed
func (c *Config) LoadFromEnv() error {
	if host := os.Getenv("API_HOST"); host != "" {
		c.APIHost = host
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB: %q", dbStr)
		}
		c.Redis.DB = db
	}
	if prefix := os.Getenv("REDIS_PREFIX"); prefix != "" {
		c.Redis.Prefix = prefix
	}

	if err := loadEnvInt("API_PORT", &c.APIPort, 0, MaxTCPPort); err != nil {
		return err
	}
	if err := loadEnvInt(
		"MAX_CONCURRENT_STEPS", &c.MaxConcurrentSteps,
		-1, MaxConcurrentStepsLimit,
	); err != nil {
		return err
	}

	if err := loadEnvDuration("STEP_TIMEOUT", &c.DefaultStepTimeout); err != nil {
		return err
	}
	if err := loadEnvDuration("POLL_INTERVAL", &c.PollInterval); err != nil {
		return err
	}
	if err := loadEnvDuration(
		"SHUTDOWN_TIMEOUT", &c.ShutdownTimeout,
	); err != nil {
		return err
	}

	if v := os.Getenv("PARALLEL_EXECUTION"); v != "" {
		c.ParallelExecution = v == "true" || v == "1"
	}
	if v := os.Getenv("STOP_ON_FAILURE"); v != "" {
		c.StopOnFailure = v == "true" || v == "1"
	}
	if v := os.Getenv("COST_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid COST_THRESHOLD: %q", v)
		}
		c.CostThreshold = api.MoneyFromFloat(f)
	}

	if urls := os.Getenv("EVENT_WEBHOOK_URLS"); urls != "" {
		c.EventWebhookURLs = splitAndTrim(urls)
	}
	if path := os.Getenv("INFORMED_LOG_PATH"); path != "" {
		c.InformedLogPath = path
	}
	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" {
		c.SlackWebhookURL = url
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.OpenAIKey = key
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" {
		c.OpenAIBaseURL = url
	}

	return nil
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}
	if c.DefaultStepTimeout <= 0 || c.DefaultStepTimeout > MaxStepTimeout {
		return ErrInvalidStepTimeout
	}
	if c.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if c.MaxConcurrentSteps < 0 {
		return ErrInvalidConcurrency
	}
	return nil
}

func splitAndTrim(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			res = append(res, trimmed)
		}
	}
	return res
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max]. Returns an error if
// the value cannot be parsed or falls outside the valid range
func loadEnvInt[T ~int | ~int64](key string, dst *T, min, max T) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	tv := T(v)
	if tv <= min || tv > max {
		return fmt.Errorf("invalid %s: %d out of range [%d, %d]",
			key, tv, min+1, max)
	}
	*dst = tv
	return nil
}

func loadEnvDuration(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	d, err := api.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	*dst = d.Std()
	return nil
}
