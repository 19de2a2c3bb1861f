package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/banchen21/esp32c3-oled/internal/app"
	"github.com/banchen21/esp32c3-oled/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file (default $AGENT_CONFIG or cfg.yaml)")
	flag.Parse()

	cfg, err := config.Load(config.Path(*configPath))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	drivers, err := app.BuildDrivers(cfg, logger)
	if err != nil {
		logger.Error("failed to initialise drivers", "error", err)
		os.Exit(1)
	}

	application := app.New(cfg, *drivers, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = application.Run(ctx)
	if cerr := drivers.Close(); cerr != nil {
		logger.Warn("failed to release drivers", "error", cerr)
	}
	if err != nil {
		logger.Error("agent terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("agent stopped cleanly")
}

func logLevel(level string) slog.Leveler {
	var lvl slog.Level

	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}
