// Package config loads the core's environment configuration. Values arrive
// via the process environment; a .env file is honored through the godotenv
// autoload import in cmd/server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Exit codes for CLI wrappers.
const (
	ExitOK          = 0
	ExitConfigError = 1
	ExitStoreError  = 2
	ExitPortInUse   = 3
)

// Config is the exhaustive environment configuration for the core.
type Config struct {
	Port      string
	ClientURL string

	PingTimeout  time.Duration
	PingInterval time.Duration

	SessionTimeout  time.Duration // SESSION_TIMEOUT_MINUTES
	IdleRoomCleanup time.Duration // IDLE_ROOM_CLEANUP_MINUTES
	ReturnGrace     time.Duration // RETURN_GRACE_SECONDS

	RateLimitDefaultPerMin int
	MaxConnPerUser         int

	MasterAPIKey string // GAMEBUDDIES_API_KEY, internal admin routes only

	DBURL      string
	DBAdminKey string

	RedisAddr string
	RedisDB   int
}

// Load reads and validates the environment. Every knob has a default; only
// DB_URL and CLIENT_URL are mandatory.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		ClientURL:              os.Getenv("CLIENT_URL"),
		PingTimeout:            getEnvDuration("PING_TIMEOUT", 20*time.Second),
		PingInterval:           getEnvDuration("PING_INTERVAL", 25*time.Second),
		SessionTimeout:         time.Duration(getEnvInt("SESSION_TIMEOUT_MINUTES", 180)) * time.Minute,
		IdleRoomCleanup:        time.Duration(getEnvInt("IDLE_ROOM_CLEANUP_MINUTES", 1440)) * time.Minute,
		ReturnGrace:            time.Duration(getEnvInt("RETURN_GRACE_SECONDS", 15)) * time.Second,
		RateLimitDefaultPerMin: getEnvInt("RATE_LIMIT_DEFAULT_PER_MIN", 30),
		MaxConnPerUser:         getEnvInt("MAX_CONN_PER_USER", 8),
		MasterAPIKey:           os.Getenv("GAMEBUDDIES_API_KEY"),
		DBURL:                  os.Getenv("DB_URL"),
		DBAdminKey:             os.Getenv("DB_ADMIN_KEY"),
		RedisAddr:              getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:                getEnvInt("REDIS_DB", 0),
	}

	if cfg.ClientURL == "" {
		return nil, fmt.Errorf("CLIENT_URL is required")
	}
	if cfg.DBURL == "" {
		return nil, fmt.Errorf("DB_URL is required")
	}
	if cfg.SessionTimeout <= 0 {
		return nil, fmt.Errorf("SESSION_TIMEOUT_MINUTES must be positive")
	}
	if cfg.RateLimitDefaultPerMin <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_DEFAULT_PER_MIN must be positive")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	// Accept both "20s" style and bare milliseconds, which is how the socket
	// transport settings have historically been set.
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
