package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the toolkit server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Storage   StorageConfig
	Retention RetentionConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type LLMConfig struct {
	OpenRouterAPIKey string
	OpenRouterRefer  string
	OpenRouterTitle  string
	PoeAPIKey        string
	CallTimeout      time.Duration
}

type StorageConfig struct {
	Root string
}

type RetentionConfig struct {
	SweepInterval time.Duration
	MaxAge        time.Duration
}

type AuthConfig struct {
	SessionTTL      time.Duration
	RateLimitPerMin int
	// Bootstrap credentials create the first admin account when no admin
	// exists yet. Ignored afterwards.
	BootstrapUsername string
	BootstrapPassword string
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("TOOLKIT_PORT", 8080),
			Env:  envString("TOOLKIT_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		LLM: LLMConfig{
			OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
			OpenRouterRefer:  os.Getenv("OPENROUTER_HTTP_REFERER"),
			OpenRouterTitle:  os.Getenv("OPENROUTER_X_TITLE"),
			PoeAPIKey:        os.Getenv("POE_API_KEY"),
			CallTimeout:      envDurationSecs("LLM_CALL_TIMEOUT_SECS", 300*time.Second),
		},
		Storage: StorageConfig{
			Root: envString("STORAGE_ROOT", "storage"),
		},
		Retention: RetentionConfig{
			SweepInterval: envDuration("RETENTION_SWEEP_INTERVAL", time.Hour),
			MaxAge:        envDuration("RETENTION_MAX_AGE", 24*time.Hour),
		},
		Auth: AuthConfig{
			SessionTTL:        envDuration("SESSION_TTL", 720*time.Hour),
			RateLimitPerMin:   envInt("RATE_LIMIT_PER_MIN", 60),
			BootstrapUsername: os.Getenv("ADMIN_USERNAME"),
			BootstrapPassword: os.Getenv("ADMIN_PASSWORD"),
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

	if c.LLM.OpenRouterAPIKey == "" && c.LLM.PoeAPIKey == "" {
		return fmt.Errorf("at least one of OPENROUTER_API_KEY or POE_API_KEY is required")
	}

	if c.Retention.SweepInterval <= 0 {
		return fmt.Errorf("RETENTION_SWEEP_INTERVAL must be positive")
	}
	if c.Retention.MaxAge <= 0 {
		return fmt.Errorf("RETENTION_MAX_AGE must be positive")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
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

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
