package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the gateway's environment-driven configuration. A .env file is
// honored when present; real environment variables win.
type Config struct {
	ListenAddr  string
	RealtimeURL string
	PostgresDSN string
	RedisAddr   string
	RedisDB     int

	HeartbeatPeriod  time.Duration
	ReconnectCeiling int
	BookmarkPath     string
	LogLevel         string
}

func Load() (Config, error) {
	_ = godotenv.Load() // missing .env is fine

	cfg := Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		RealtimeURL:      getEnv("REALTIME_URL", ""),
		PostgresDSN:      getEnv("POSTGRES_DSN", ""),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		BookmarkPath:     getEnv("BOOKMARK_PATH", ".roomlink-bookmark.json"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		HeartbeatPeriod:  15 * time.Second,
		ReconnectCeiling: 15,
	}

	if v := os.Getenv("HEARTBEAT_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("HEARTBEAT_PERIOD: %w", err)
		}
		cfg.HeartbeatPeriod = d
	}
	if v := os.Getenv("RECONNECT_CEILING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("RECONNECT_CEILING: %w", err)
		}
		cfg.ReconnectCeiling = n
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}
	if cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("POSTGRES_DSN is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
