// Package telemetry turns sensor measurements into property posts and drives the
// periodic sampling loop.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/banchen21/esp32c3-oled/internal/clock"
	"github.com/banchen21/esp32c3-oled/internal/model"
	"github.com/banchen21/esp32c3-oled/internal/sensor"
)

var (
	// ErrSensor wraps a sensor driver failure inside the loop.
	ErrSensor = errors.New("sensor failure")
	// ErrPublish wraps a failed publish inside the loop.
	ErrPublish = errors.New("publish failure")
)

// Publisher sends an encoded payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// LoopConfig holds the fixed parameters of the sampling loop.
type LoopConfig struct {
	DeviceID    string
	Topic       string
	Mode        sensor.Mode
	SettleDelay time.Duration
	Interval    time.Duration
}

// Loop measures, encodes and publishes one sample per iteration. Iterations never
// overlap and samples are not retried.
type Loop struct {
	cfg    LoopConfig
	sensor sensor.Sensor
	pub    Publisher
	clock  clock.Clock
	logger *slog.Logger

	mu   sync.RWMutex
	last model.Sample
	seq  uint64
}

// NewLoop constructs a sampling loop.
func NewLoop(cfg LoopConfig, s sensor.Sensor, pub Publisher, clk clock.Clock, logger *slog.Logger) *Loop {
	return &Loop{cfg: cfg, sensor: s, pub: pub, clock: clk, logger: logger}
}

// Run repeats Step followed by the inter-sample delay until ctx is cancelled, which
// returns nil, or a step fails, which returns the wrapped failure.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("sampling loop started", "topic", l.cfg.Topic, "interval", l.cfg.Interval, "settle", l.cfg.SettleDelay)

	for {
		if err := l.Step(ctx); err != nil {
			if ctx.Err() != nil {
				l.logger.Info("sampling loop stopped")
				return nil
			}
			l.logger.Error("sampling loop failed", "error", err)
			return err
		}
		if err := sleep(ctx, l.cfg.Interval); err != nil {
			l.logger.Info("sampling loop stopped")
			return nil
		}
	}
}

// Step performs one measure, encode, publish cycle.
func (l *Loop) Step(ctx context.Context) error {
	if err := l.sensor.StartMeasurement(l.cfg.Mode); err != nil {
		sensorFailures.WithLabelValues("start").Inc()
		return fmt.Errorf("%w: start measurement: %w", ErrSensor, err)
	}
	if err := sleep(ctx, l.cfg.SettleDelay); err != nil {
		return err
	}

	reading, err := l.sensor.ReadMeasurement()
	if err != nil {
		sensorFailures.WithLabelValues("read").Inc()
		return fmt.Errorf("%w: read measurement: %w", ErrSensor, err)
	}

	sample := model.Sample{
		TemperatureCelsius:      reading.TemperatureCelsius,
		RelativeHumidityPercent: reading.RelativeHumidityPercent,
		TakenAt:                 l.clock.Now(),
	}

	payload := BuildPayload(l.cfg.DeviceID, sample)
	data, err := EncodePayload(payload)
	if err != nil {
		return err
	}

	start := time.Now()
	err = l.pub.Publish(l.cfg.Topic, data)
	publishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		publishFailures.Inc()
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	samplesPublished.Inc()
	lastTemperature.Set(sample.TemperatureCelsius)
	lastHumidity.Set(sample.RelativeHumidityPercent)

	l.mu.Lock()
	l.last = sample
	l.seq++
	l.mu.Unlock()

	l.logger.Debug("sample published", "id", payload.ID, "temperature", sample.TemperatureCelsius, "humidity", sample.RelativeHumidityPercent)
	return nil
}

// LastSample returns the most recently published sample and the number published.
func (l *Loop) LastSample() (model.Sample, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last, l.seq
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
