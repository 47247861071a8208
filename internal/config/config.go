package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultHTTPAddr = ":8099"
	defaultDBPath   = "/data/hypervolt_charger.db"

	defaultAPIBaseURL = "https://api.hypervolt.co.uk"
	defaultTokenURL   = "https://kc.prod.hypervolt.co.uk/realms/retail-customers/protocol/openid-connect/token"

	defaultPollInterval       = 5 * time.Minute
	defaultCommandTimeout     = 10 * time.Second
	defaultStalenessThreshold = 4 * time.Minute
)

// Config stores runtime settings loaded from environment variables.
type Config struct {
	HTTPAddr string
	DBPath   string
	LogLevel slog.Level

	APIBaseURL string
	TokenURL   string

	Username  string
	Password  string
	ChargerID string

	PollInterval       time.Duration
	CommandTimeout     time.Duration
	StalenessThreshold time.Duration
}

// Load builds Config from environment variables using stable defaults.
func Load() Config {
	return Config{
		HTTPAddr:           getenv("HTTP_ADDR", defaultHTTPAddr),
		DBPath:             getenv("DB_PATH", defaultDBPath),
		LogLevel:           parseLogLevel(getenv("LOG_LEVEL", "info")),
		APIBaseURL:         getenv("HV_API_BASE_URL", defaultAPIBaseURL),
		TokenURL:           getenv("HV_AUTH_URL", defaultTokenURL),
		Username:           getenv("HV_USERNAME", ""),
		Password:           getenv("HV_PASSWORD", ""),
		ChargerID:          getenv("HV_CHARGER_ID", ""),
		PollInterval:       parseDuration("HV_POLL_INTERVAL", defaultPollInterval),
		CommandTimeout:     parseDuration("HV_COMMAND_TIMEOUT", defaultCommandTimeout),
		StalenessThreshold: parseDuration("HV_STALENESS_THRESHOLD", defaultStalenessThreshold),
	}
}

// Validate checks the settings the daemon cannot run without.
func (c Config) Validate() error {
	if c.Username == "" || c.Password == "" {
		return errors.New("HV_USERNAME and HV_PASSWORD must be set")
	}
	if c.ChargerID == "" {
		return errors.New("HV_CHARGER_ID must be set; use GET /charger/by-owner to discover it")
	}
	return nil
}

// DBDir returns the target directory for DBPath.
func (c Config) DBDir() string {
	return filepath.Dir(c.DBPath)
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
