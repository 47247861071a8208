package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/micro-ha/hypervolt-charger/addon/internal/chargersync"
	"github.com/micro-ha/hypervolt-charger/addon/internal/config"
	httpapi "github.com/micro-ha/hypervolt-charger/addon/internal/http"
	"github.com/micro-ha/hypervolt-charger/addon/internal/hvapi"
	"github.com/micro-ha/hypervolt-charger/addon/internal/logging"
	"github.com/micro-ha/hypervolt-charger/addon/internal/model"
	"github.com/micro-ha/hypervolt-charger/addon/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	identity, err := model.NewIdentity(cfg.ChargerID)
	if err != nil {
		logger.Error("invalid charger id", "err", err)
		os.Exit(1)
	}
	logger.Info("charger identified", "charger_id", identity.ChargerID, "generation", int(identity.Generation))

	if err := os.MkdirAll(cfg.DBDir(), 0o755); err != nil {
		logger.Error("failed to create db directory", "err", err)
		os.Exit(1)
	}
	repo, err := storage.New(ctx, cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	tokens := hvapi.NewTokenClient(cfg.TokenURL, cfg.Username, cfg.Password, logger)
	coordinator := chargersync.New(identity, tokens, repo, chargersync.Options{
		APIBaseURL:         cfg.APIBaseURL,
		PollInterval:       cfg.PollInterval,
		CommandTimeout:     cfg.CommandTimeout,
		StalenessThreshold: cfg.StalenessThreshold,
	}, logger)

	if err := coordinator.Start(ctx); err != nil {
		var authErr *hvapi.AuthError
		if errors.As(err, &authErr) {
			logger.Error("login rejected, check HV_USERNAME / HV_PASSWORD", "err", err)
		} else {
			logger.Error("failed to start charger sync", "err", err)
		}
		os.Exit(1)
	}
	defer coordinator.Disconnect()

	coordinator.Subscribe(func(state model.DeviceState) {
		logger.Debug("state updated",
			"charging", state.Charging,
			"session_wh", state.SessionWattHoursIncreasing,
			"stale", state.Stale,
		)
	})

	api := httpapi.New(coordinator, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("server starting", "addr", httpServer.Addr)
	if err := httpapi.RunServer(ctx, httpServer, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated with error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
