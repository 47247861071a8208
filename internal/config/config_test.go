package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPAddr != defaultHTTPAddr {
		t.Fatalf("HTTPAddr = %q, want %q", cfg.HTTPAddr, defaultHTTPAddr)
	}
	if cfg.APIBaseURL != defaultAPIBaseURL {
		t.Fatalf("APIBaseURL = %q, want %q", cfg.APIBaseURL, defaultAPIBaseURL)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.PollInterval != defaultPollInterval {
		t.Fatalf("PollInterval = %v, want %v", cfg.PollInterval, defaultPollInterval)
	}
	if cfg.StalenessThreshold != defaultStalenessThreshold {
		t.Fatalf("StalenessThreshold = %v, want %v", cfg.StalenessThreshold, defaultStalenessThreshold)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HV_POLL_INTERVAL", "90s")
	t.Setenv("HV_COMMAND_TIMEOUT", "not-a-duration")
	t.Setenv("HV_USERNAME", "  user@example.com  ")

	cfg := Load()
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.PollInterval != 90*time.Second {
		t.Fatalf("PollInterval = %v, want 90s", cfg.PollInterval)
	}
	if cfg.CommandTimeout != defaultCommandTimeout {
		t.Fatalf("CommandTimeout = %v, want fallback on parse failure", cfg.CommandTimeout)
	}
	if cfg.Username != "user@example.com" {
		t.Fatalf("Username = %q, want trimmed", cfg.Username)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{Username: "user", Password: "pw", ChargerID: "280750"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	missingCreds := Config{ChargerID: "280750"}
	if err := missingCreds.Validate(); err == nil {
		t.Fatal("Validate() passed without credentials")
	}

	missingCharger := Config{Username: "user", Password: "pw"}
	if err := missingCharger.Validate(); err == nil {
		t.Fatal("Validate() passed without charger id")
	}
}

func TestDBDir(t *testing.T) {
	cfg := Config{DBPath: "/data/hypervolt_charger.db"}
	if got := cfg.DBDir(); got != "/data" {
		t.Fatalf("DBDir() = %q, want /data", got)
	}
}
