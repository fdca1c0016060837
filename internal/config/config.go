package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process configuration read from the environment.
type Config struct {
	DatabaseURL string
	Port        string
	Environment string
	LogLevel    string

	// ScrapingBee proxy in front of the obilet JSON endpoint
	ScrapingBeeAPIKey string
	ScrapingBeeURL    string
	ObiletBaseURL     string
	RequestTimeout    time.Duration
	RateLimitRPS      float64

	// Telegram bot used for operator and subscriber messages
	TelegramBotToken string
	TelegramChatID   string
	TelegramAPIURL   string

	MaxWorkers           int
	MaxRetries           int
	RetryBaseDelay       time.Duration
	HistoryRetentionDays int
	PreserveOnEmpty      bool

	// run day is decided in this zone
	Timezone string

	Schedule   string
	RedisAddr  string
	RedisDB    int
	RunLockTTL time.Duration
}

// Load reads the environment, applying defaults.
func Load() *Config {
	return &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		ScrapingBeeAPIKey: getEnv("SCRAPINGBEE_API_KEY", ""),
		ScrapingBeeURL:    getEnv("SCRAPINGBEE_URL", "https://app.scrapingbee.com/api/v1/"),
		ObiletBaseURL:     getEnv("OBILET_BASE_URL", "https://www.obilet.com"),
		RequestTimeout:    getDuration("REQUEST_TIMEOUT", 70*time.Second),
		RateLimitRPS:      getFloat("RATE_LIMIT_RPS", 5),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		TelegramAPIURL:   getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),

		MaxWorkers:           getInt("MAX_WORKERS", 10),
		MaxRetries:           getInt("MAX_RETRIES", 20),
		RetryBaseDelay:       getDuration("RETRY_BASE_DELAY", time.Second),
		HistoryRetentionDays: getInt("HISTORY_RETENTION_DAYS", 30),
		PreserveOnEmpty:      getEnv("PRESERVE_ON_EMPTY", "false") == "true",

		Timezone: getEnv("TIMEZONE", "Europe/Istanbul"),

		Schedule:   getEnv("SCHEDULE", "*/30 * * * *"),
		RedisAddr:  getEnv("REDIS_ADDR", ""),
		RedisDB:    getInt("REDIS_DB", 0),
		RunLockTTL: getDuration("RUN_LOCK_TTL", 2*time.Hour),
	}
}

// Location resolves Timezone, falling back to a fixed UTC+3 when the zone
// database is not available.
func (c *Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		return loc
	}
	return time.FixedZone("TRT", 3*60*60)
}

// MaxRetriesLimit bounds MAX_RETRIES so backoff waits stay meaningful.
const MaxRetriesLimit = 30

// Validate reports settings the scraper cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.MaxWorkers <= 0 {
		errs = append(errs, errors.New("MAX_WORKERS must be positive"))
	}
	if c.MaxRetries <= 0 || c.MaxRetries > MaxRetriesLimit {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be between 1 and %d", MaxRetriesLimit))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}
