package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/host/v3"

	"github.com/banchen21/esp32c3-oled/internal/clock"
	"github.com/banchen21/esp32c3-oled/internal/config"
	"github.com/banchen21/esp32c3-oled/internal/display"
	"github.com/banchen21/esp32c3-oled/internal/sensor"
	"github.com/banchen21/esp32c3-oled/internal/session"
	"github.com/banchen21/esp32c3-oled/internal/wifi"
)

// consoleOutput receives console panel frames. Logs go to stdout.
var consoleOutput io.Writer = os.Stderr

// Session is the part of the broker session the agent uses.
type Session interface {
	Subscribe(topic string) error
	Publish(topic string, payload []byte) error
	Close()
}

// Dialer opens a broker session.
type Dialer func(ctx context.Context, cfg session.Config, logger *slog.Logger, handler session.EventHandler) (Session, error)

// DialMQTT opens a paho-backed session.
func DialMQTT(ctx context.Context, cfg session.Config, logger *slog.Logger, handler session.EventHandler) (Session, error) {
	s, err := session.Open(ctx, cfg, logger, handler)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Drivers are the hardware and network capabilities the agent runs on.
type Drivers struct {
	Associator   wifi.Associator
	Synchronizer clock.Synchronizer
	Clock        clock.Clock
	Sensor       sensor.Sensor
	SensorMode   sensor.Mode
	Panel        display.Panel
	Dial         Dialer

	closers []func() error
}

// Close releases buses and panels opened by BuildDrivers.
func (d *Drivers) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// BuildDrivers selects the drivers named in cfg.
func BuildDrivers(cfg config.Config, logger *slog.Logger) (*Drivers, error) {
	d := &Drivers{Dial: DialMQTT, SensorMode: sensor.ModeNormal}

	switch cfg.WifiDriver {
	case "", "none":
		d.Associator = wifi.NewManaged()
	case "nmcli":
		d.Associator = wifi.NewNMCLI("")
	default:
		return nil, fmt.Errorf("unknown wifi driver %q", cfg.WifiDriver)
	}

	if cfg.NTPServer == "" {
		h := &clock.Host{}
		d.Synchronizer, d.Clock = h, h
	} else {
		n := clock.NewNTP(cfg.NTPServer, logger)
		d.Synchronizer, d.Clock = n, n
	}

	var bus i2c.Bus
	openBus := func() (i2c.Bus, error) {
		if bus != nil {
			return bus, nil
		}
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("periph host init: %w", err)
		}
		b, err := i2creg.Open(cfg.I2CBus)
		if err != nil {
			return nil, fmt.Errorf("open i2c bus %q: %w", cfg.I2CBus, err)
		}
		d.closers = append(d.closers, b.Close)
		bus = b
		return bus, nil
	}

	if cfg.TelemetryEnabled() {
		switch cfg.SensorDriver {
		case "", "sim":
			d.Sensor = sensor.NewSimulated()
		case "shtc3":
			b, err := openBus()
			if err != nil {
				_ = d.Close()
				return nil, err
			}
			s, err := sensor.NewSHTC3(b)
			if err != nil {
				_ = d.Close()
				return nil, err
			}
			d.Sensor = s
		default:
			return nil, fmt.Errorf("unknown sensor driver %q", cfg.SensorDriver)
		}
	}

	if cfg.DisplayEnabled() {
		switch cfg.DisplayDriver {
		case "", "none":
			logger.Info("display mirror disabled", "display_driver", cfg.DisplayDriver)
		case "console":
			d.Panel = display.NewConsole(consoleOutput)
		case "ssd1306":
			b, err := openBus()
			if err != nil {
				_ = d.Close()
				return nil, err
			}
			dev, err := ssd1306.NewI2C(b, &ssd1306.DefaultOpts)
			if err != nil {
				_ = d.Close()
				return nil, fmt.Errorf("init ssd1306: %w", err)
			}
			d.closers = append(d.closers, dev.Halt)
			d.Panel = dev
		default:
			_ = d.Close()
			return nil, fmt.Errorf("unknown display driver %q", cfg.DisplayDriver)
		}
	}

	return d, nil
}
