package display

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/banchen21/esp32c3-oled/internal/clock"
)

// ErrInterval is returned by Run when the refresh interval is not positive.
var ErrInterval = errors.New("display interval must be positive")

// TimeFormat is the layout of the mirrored clock text.
const TimeFormat = "nowtime: 2006-01-02 15:04:05"

// Mirror renders the current UTC time to a screen on every tick.
type Mirror struct {
	screen   *Screen
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	// Origin is the top-left corner of the text.
	Origin image.Point
}

// NewMirror constructs a clock mirror for screen.
func NewMirror(screen *Screen, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Mirror {
	return &Mirror{
		screen:   screen,
		clock:    clk,
		interval: interval,
		logger:   logger,
		Origin:   image.Pt(0, 12),
	}
}

// Run renders until ctx is cancelled (returns nil) or a flush fails.
func (m *Mirror) Run(ctx context.Context) error {
	if m.interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInterval, m.interval)
	}
	m.logger.Info("display mirror started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Render(); err != nil {
			m.logger.Error("display flush failed", "error", err)
			return err
		}
		select {
		case <-ctx.Done():
			m.logger.Info("display mirror stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Render draws one frame.
func (m *Mirror) Render() error {
	m.screen.Clear()
	m.screen.DrawText(m.clock.Now().UTC().Format(TimeFormat), m.Origin)
	if err := m.screen.Flush(); err != nil {
		return fmt.Errorf("flush display: %w", err)
	}
	return nil
}
