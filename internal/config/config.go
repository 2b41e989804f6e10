package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv      string
	Port        string
	RedisURL    string
	DatabaseURL string
	JWTSecret   string
	LogLevel    string
	LogFormat   string

	// PlayerRelayURL is the optional HTTP endpoint of the platform player
	// relay. When empty, playback commands are coordinated without driving
	// a real player.
	PlayerRelayURL string

	// PublishTimeout bounds every one-shot store write.
	PublishTimeout time.Duration

	// JoinRatePerSecond and JoinBurst throttle join attempts per client IP.
	JoinRatePerSecond float64
	JoinBurst         int
}

func Load() (*Config, error) {
	// A missing .env file is fine; production injects real env vars.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		RedisURL:          getEnv("REDIS_URL", ""),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
		PlayerRelayURL:    getEnv("PLAYER_RELAY_URL", ""),
		PublishTimeout:    5 * time.Second,
		JoinRatePerSecond: 2,
		JoinBurst:         5,
	}

	if v := os.Getenv("PUBLISH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("PUBLISH_TIMEOUT must be a duration: %w", err)
		}
		cfg.PublishTimeout = d
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 characters, got %d", len(cfg.JWTSecret))
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
