// Package config provides configuration management for the sync engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Meta         MetaConfig
	Sync         SyncConfig
	Demographics DemographicsConfig
	Scheduler    SchedulerConfig
	Logging      LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// MetaConfig holds Meta Graph API client configuration
type MetaConfig struct {
	BaseURL           string
	APIVersion        string
	PageSize          int
	RequestsPerSecond float64
	Timeout           time.Duration
}

// SyncConfig holds main sync pipeline configuration
type SyncConfig struct {
	Workers          int
	ChunkDays        int
	PacingInterval   time.Duration // delay added per chunk to smooth request bursts
	MaxAttempts      int
	DefaultHistory   time.Duration // span synced when no date range is requested
	RecentWindowDays int           // leading-edge window for the recent-sync tick
}

// DemographicsConfig holds demographics sub-pipeline configuration
type DemographicsConfig struct {
	Workers     int // capped low: the breakdown endpoint rate-limits harder
	MaxAttempts int
	ClaimBatch  int
}

// SchedulerConfig holds cron schedules for the periodic ticks
type SchedulerConfig struct {
	RecentSyncSpec   string
	GapSweepSpec     string
	DemographicsSpec string
	PruneSpec        string
	GapLookbackDays  int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "insight_sync"),
				User:           getEnv("POSTGRES_USER", "insight"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Meta: MetaConfig{
			BaseURL:           getEnv("META_BASE_URL", "https://graph.facebook.com"),
			APIVersion:        getEnv("META_API_VERSION", "v21.0"),
			PageSize:          getEnvAsInt("META_PAGE_SIZE", 500),
			RequestsPerSecond: getEnvAsFloat("META_REQUESTS_PER_SECOND", 2.0),
			Timeout:           getEnvAsDuration("META_TIMEOUT", 30*time.Second),
		},
		Sync: SyncConfig{
			Workers:          getEnvAsInt("SYNC_WORKERS", 4),
			ChunkDays:        getEnvAsInt("SYNC_CHUNK_DAYS", 30),
			PacingInterval:   getEnvAsDuration("SYNC_PACING_INTERVAL", 2*time.Second),
			MaxAttempts:      getEnvAsInt("SYNC_MAX_ATTEMPTS", 3),
			DefaultHistory:   getEnvAsDuration("SYNC_DEFAULT_HISTORY", 365*24*time.Hour),
			RecentWindowDays: getEnvAsInt("SYNC_RECENT_WINDOW_DAYS", 3),
		},
		Demographics: DemographicsConfig{
			Workers:     getEnvAsInt("DEMOGRAPHICS_WORKERS", 2),
			MaxAttempts: getEnvAsInt("DEMOGRAPHICS_MAX_ATTEMPTS", 3),
			ClaimBatch:  getEnvAsInt("DEMOGRAPHICS_CLAIM_BATCH", 10),
		},
		Scheduler: SchedulerConfig{
			RecentSyncSpec:   getEnv("SCHEDULE_RECENT_SYNC", "0 */2 * * *"),
			GapSweepSpec:     getEnv("SCHEDULE_GAP_SWEEP", "30 4 * * *"),
			DemographicsSpec: getEnv("SCHEDULE_DEMOGRAPHICS", "*/15 * * * *"),
			PruneSpec:        getEnv("SCHEDULE_PRUNE", "0 1 * * *"),
			GapLookbackDays:  getEnvAsInt("GAP_LOOKBACK_DAYS", 90),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks configuration values that would break the engine at runtime
func (c *Config) Validate() error {
	if c.Sync.ChunkDays < 1 {
		return fmt.Errorf("SYNC_CHUNK_DAYS must be at least 1, got %d", c.Sync.ChunkDays)
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Demographics.Workers < 1 || c.Demographics.Workers > 2 {
		return fmt.Errorf("DEMOGRAPHICS_WORKERS must be 1 or 2, got %d", c.Demographics.Workers)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	if c.Meta.PageSize < 1 {
		return fmt.Errorf("META_PAGE_SIZE must be at least 1, got %d", c.Meta.PageSize)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
