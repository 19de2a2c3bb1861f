package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/banchen21/esp32c3-oled/internal/mqttbroker"
)

func main() {
	bind := flag.String("bind", ":1883", "Address the broker listens on")
	key := flag.String("key", os.Getenv("AGENT_KEY"), "Shared product key used to verify device credentials (empty accepts any client)")
	ownTopics := flag.Bool("own-topics", true, "Only let clients subscribe to their own reply topic")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	broker := mqttbroker.New(logger)
	if *key != "" {
		broker.SetAuthenticator(mqttbroker.KeyAuthenticator([]byte(*key)))
	} else {
		logger.Warn("no key configured, accepting any credential")
	}
	if *ownTopics {
		broker.SetSubscribeFilter(mqttbroker.OwnTopicsOnly())
	}
	broker.SetPublishHandler(mqttbroker.PropertyAcker(broker, logger, nil))

	errCh, err := broker.Start(*bind)
	if err != nil {
		logger.Error("failed to start broker", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok && err != nil {
			logger.Error("broker terminated", "error", err)
			_ = broker.Stop()
			os.Exit(1)
		}
	}

	if err := broker.Stop(); err != nil {
		logger.Error("broker shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("mqtt broker stopped")
}
