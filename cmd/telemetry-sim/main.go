package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banchen21/esp32c3-oled/internal/clock"
	"github.com/banchen21/esp32c3-oled/internal/credential"
	"github.com/banchen21/esp32c3-oled/internal/sensor"
	"github.com/banchen21/esp32c3-oled/internal/session"
	"github.com/banchen21/esp32c3-oled/internal/telemetry"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	clientID := flag.String("client-id", "sim-device-1", "Device client id")
	productID := flag.String("product-id", "sim-product", "Product id")
	key := flag.String("key", os.Getenv("AGENT_KEY"), "Shared product key used to derive the broker password")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published samples")
	settle := flag.Duration("settle", 100*time.Millisecond, "Simulated measurement settle delay")
	timeout := flag.Duration("timeout", 10*time.Second, "Network timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *brokerAddr, *clientID, *productID, *key, *interval, *settle, *timeout); err != nil {
		logger.Error("simulator terminated", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, broker, clientID, productID, key string, interval, settle, timeout time.Duration) error {
	sess, err := session.Open(ctx, session.Config{
		BrokerURL:  session.BrokerURL(broker, 1883),
		ClientID:   clientID,
		Credential: credential.Derive([]byte(key), clientID, productID),
		KeepAlive:  60 * time.Second,
		Timeout:    timeout,
	}, logger, session.LogEvents(logger))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sess.Close()

	if err := sess.Subscribe(telemetry.ReplyTopic(clientID, productID)); err != nil {
		logger.Warn("reply subscription failed", "error", err)
	}

	loop := telemetry.NewLoop(telemetry.LoopConfig{
		DeviceID:    clientID,
		Topic:       telemetry.PostTopic(clientID, productID),
		Mode:        sensor.ModeNormal,
		SettleDelay: settle,
		Interval:    interval,
	}, sensor.NewSimulated(), sess, clock.System{}, logger)

	return loop.Run(ctx)
}
