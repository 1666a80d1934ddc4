package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the simulation console server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Backend   BackendConfig
	Lifecycle LifecycleConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
	// ResultTTL bounds how long a downloaded result stays cached. Zero disables it.
	ResultTTL time.Duration
}

// BackendConfig points at the simulation platform's HTTP API.
type BackendConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

type LifecycleConfig struct {
	JobTypesFile    string
	NotifyDismiss   time.Duration
	PollInterval    time.Duration
	AwaitTimeout    time.Duration
	InFlightLockTTL time.Duration
	IdleTimeout     time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("CONSOLE_PORT", 8080),
			Env:             envString("CONSOLE_ENV", "development"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			ResultTTL: envDuration("RESULT_CACHE_TTL", 10*time.Minute),
		},
		Backend: BackendConfig{
			BaseURL:  strings.TrimRight(os.Getenv("BACKEND_BASE_URL"), "/"),
			APIToken: os.Getenv("BACKEND_API_TOKEN"),
			Timeout:  envDuration("BACKEND_TIMEOUT", 30*time.Second),
		},
		Lifecycle: LifecycleConfig{
			JobTypesFile:    os.Getenv("JOBTYPES_FILE"),
			NotifyDismiss:   envDuration("NOTIFY_DISMISS_AFTER", 3*time.Second),
			PollInterval:    envDuration("POLL_INTERVAL", 5*time.Second),
			AwaitTimeout:    envDuration("AWAIT_TIMEOUT", 30*time.Minute),
			InFlightLockTTL: envDuration("INFLIGHT_LOCK_TTL", 2*time.Minute),
			IdleTimeout:     envDuration("ORCHESTRATOR_IDLE_TIMEOUT", 30*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("BACKEND_BASE_URL must start with http:// or https://, got %q", c.Backend.BaseURL)
	}

	if c.Lifecycle.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s, got %s", c.Lifecycle.PollInterval)
	}
	if c.Lifecycle.NotifyDismiss <= 0 {
		return fmt.Errorf("NOTIFY_DISMISS_AFTER must be positive, got %s", c.Lifecycle.NotifyDismiss)
	}
	if c.Redis.ResultTTL < 0 {
		return fmt.Errorf("RESULT_CACHE_TTL must not be negative, got %s", c.Redis.ResultTTL)
	}
	if c.Server.RateLimitPerMin <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must be positive, got %d", c.Server.RateLimitPerMin)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
