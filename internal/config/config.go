package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries the full environment-derived configuration for the delivery
// process. Admission-control knobs (rate windows, attempt ceilings, throttle
// thresholds, history size) live here so tests can construct instances with
// arbitrary budgets.
type Config struct {
	AppEnv      string
	AppName     string
	AppPort     string
	MetricsPort string
	LogLevel    string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	JWTSecret string

	// Sliding-window admission control.
	RateLimitWindow    time.Duration
	MaxAttemptsPerUser int
	MaxAttemptsPerIP   int

	// Recipient-side throttle: allowed messages per user per category within
	// ThrottleWindow. CRITICAL priority bypasses the throttle.
	ThrottleWindow     time.Duration
	ThrottlePerUser    int
	HistorySize        int
	DeliveryTimeout    time.Duration
	PersistenceTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:        os.Getenv("APP_ENV"),
		AppName:       os.Getenv("APP_NAME"),
		AppPort:       os.Getenv("APP_PORT"),
		MetricsPort:   os.Getenv("METRICS_PORT"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		DBHost:        os.Getenv("DB_HOST"),
		DBPort:        os.Getenv("DB_PORT"),
		DBUser:        os.Getenv("DB_USER"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBName:        os.Getenv("DB_NAME"),
		DBSSLMode:     os.Getenv("DB_SSL_MODE"),
		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     os.Getenv("REDIS_PORT"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
	}
	if cfg.AppPort == "" {
		cfg.AppPort = "8080"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.DBSSLMode == "" {
		cfg.DBSSLMode = "disable"
	}
	if cfg.RedisPort == "" {
		cfg.RedisPort = "6379"
	}

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.MaxAttemptsPerUser, err = intEnv("MAX_ATTEMPTS_PER_USER", 10); err != nil {
		return nil, err
	}
	if cfg.MaxAttemptsPerIP, err = intEnv("MAX_ATTEMPTS_PER_IP", 20); err != nil {
		return nil, err
	}
	if cfg.ThrottlePerUser, err = intEnv("THROTTLE_PER_USER", 30); err != nil {
		return nil, err
	}
	if cfg.HistorySize, err = intEnv("HISTORY_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = durationEnv("RATE_LIMIT_WINDOW", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ThrottleWindow, err = durationEnv("THROTTLE_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.DeliveryTimeout, err = durationEnv("DELIVERY_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.PersistenceTimeout, err = durationEnv("PERSISTENCE_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}

	if cfg.DBHost == "" || cfg.DBPort == "" || cfg.DBUser == "" || cfg.DBName == "" ||
		cfg.RedisHost == "" || cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing required environment variables")
	}
	return cfg, nil
}

// DSN renders the Postgres connection string for lib/pq.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// RedisAddr returns host:port for the Redis client.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
