// Package config provides configuration management for the social monitor.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/social-monitor/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Scheduler SchedulerConfig
	Vault     VaultConfig
	Platforms map[types.Platform]PlatformConfig
	RateLimit RateLimitConfig
	Notify    NotifyConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          string
	Host          string
	RequestsPerIP int // API requests per second per client
}

// DatabaseConfig holds storage configuration
type DatabaseConfig struct {
	Driver         string // "postgres" or "memory"
	Postgres       PostgresConfig
	Redis          RedisConfig
	MigrationsPath string
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// SchedulerConfig holds job scheduler configuration
type SchedulerConfig struct {
	TickInterval     time.Duration
	MaxWorkers       int
	PauseOnAuthError bool
	MinInterval      time.Duration
	ShutdownTimeout  time.Duration
}

// VaultConfig holds credential encryption configuration
type VaultConfig struct {
	// Identity is the current age X25519 identity (AGE-SECRET-KEY-1...)
	Identity string
	// PreviousIdentities are tried after Identity, so rotated keys keep decrypting
	PreviousIdentities []string
}

// PlatformConfig holds per-platform API client configuration
type PlatformConfig struct {
	BaseURL           string
	AuthURL           string
	RequestsPerSecond float64
	BudgetPerWindow   int // requests per rate limit window shared by all workers
	Timeout           time.Duration
	DefaultInterval   time.Duration
}

// RateLimitConfig holds the shared platform budget configuration
type RateLimitConfig struct {
	WindowSize time.Duration
}

// NotifyConfig holds notification transport configuration
type NotifyConfig struct {
	Mode string // "local" delivers in-process, "redis" publishes for the API process
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:          getEnv("SERVER_PORT", "8080"),
			Host:          getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerIP: getEnvAsInt("SERVER_REQUESTS_PER_IP", 20),
		},
		Database: DatabaseConfig{
			Driver: getEnv("STORAGE_DRIVER", "postgres"),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "social_monitor"),
				User:           getEnv("POSTGRES_USER", "monitor"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		},
		Scheduler: SchedulerConfig{
			TickInterval:     getEnvAsDuration("SCHEDULER_TICK_INTERVAL", time.Second),
			MaxWorkers:       getEnvAsInt("SCHEDULER_MAX_WORKERS", 10),
			PauseOnAuthError: getEnvAsBool("SCHEDULER_PAUSE_ON_AUTH_ERROR", false),
			MinInterval:      getEnvAsDuration("SCHEDULER_MIN_INTERVAL", 10*time.Second),
			ShutdownTimeout:  getEnvAsDuration("SCHEDULER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Vault: VaultConfig{
			Identity:           getEnv("VAULT_AGE_IDENTITY", ""),
			PreviousIdentities: getEnvAsList("VAULT_PREVIOUS_IDENTITIES"),
		},
		RateLimit: RateLimitConfig{
			WindowSize: getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Notify: NotifyConfig{
			Mode: getEnv("NOTIFY_MODE", "local"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	config.Platforms = loadPlatformConfigs()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// platformDefaults are the public API endpoints and default collection intervals
var platformDefaults = map[types.Platform]PlatformConfig{
	types.PlatformYouTube: {
		BaseURL:           "https://www.googleapis.com/youtube/v3",
		RequestsPerSecond: 5,
		BudgetPerWindow:   100,
		Timeout:           15 * time.Second,
		DefaultInterval:   time.Hour,
	},
	types.PlatformTwitter: {
		BaseURL:           "https://api.twitter.com/2",
		RequestsPerSecond: 1,
		BudgetPerWindow:   15,
		Timeout:           15 * time.Second,
		DefaultInterval:   5 * time.Minute,
	},
	types.PlatformReddit: {
		BaseURL:           "https://oauth.reddit.com",
		AuthURL:           "https://www.reddit.com/api/v1/access_token",
		RequestsPerSecond: 1,
		BudgetPerWindow:   60,
		Timeout:           15 * time.Second,
		DefaultInterval:   30 * time.Minute,
	},
	types.PlatformTwitch: {
		BaseURL:           "https://api.twitch.tv/helix",
		AuthURL:           "https://id.twitch.tv/oauth2/token",
		RequestsPerSecond: 5,
		BudgetPerWindow:   800,
		Timeout:           10 * time.Second,
		DefaultInterval:   30 * time.Second,
	},
}

// loadPlatformConfigs loads platform-specific configuration, e.g. YOUTUBE_BASE_URL
func loadPlatformConfigs() map[types.Platform]PlatformConfig {
	platforms := make(map[types.Platform]PlatformConfig, len(platformDefaults))
	for _, p := range types.AllPlatforms() {
		def := platformDefaults[p]
		prefix := strings.ToUpper(string(p))
		platforms[p] = PlatformConfig{
			BaseURL:           getEnv(prefix+"_BASE_URL", def.BaseURL),
			AuthURL:           getEnv(prefix+"_AUTH_URL", def.AuthURL),
			RequestsPerSecond: getEnvAsFloat(prefix+"_REQUESTS_PER_SECOND", def.RequestsPerSecond),
			BudgetPerWindow:   getEnvAsInt(prefix+"_BUDGET_PER_WINDOW", def.BudgetPerWindow),
			Timeout:           getEnvAsDuration(prefix+"_TIMEOUT", def.Timeout),
			DefaultInterval:   getEnvAsDuration(prefix+"_DEFAULT_INTERVAL", def.DefaultInterval),
		}
	}
	return platforms
}

// Validate rejects configurations the scheduler cannot run with
func (c *Config) Validate() error {
	if c.Scheduler.MaxWorkers <= 0 {
		return fmt.Errorf("SCHEDULER_MAX_WORKERS must be positive, got %d", c.Scheduler.MaxWorkers)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("SCHEDULER_TICK_INTERVAL must be positive, got %v", c.Scheduler.TickInterval)
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Database.Driver)
	}
	switch c.Notify.Mode {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown NOTIFY_MODE %q", c.Notify.Mode)
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

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
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

// getEnvAsList splits a comma-separated variable, dropping empty entries
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
