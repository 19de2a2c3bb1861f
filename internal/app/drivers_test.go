package app

import (
	"bytes"
	"image"
	"os"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/banchen21/esp32c3-oled/internal/config"
)

func TestConsolePanelAvoidsLogStream(t *testing.T) {
	is := is.New(t)
	is.Equal(consoleOutput, os.Stderr)

	var frames bytes.Buffer
	prev := consoleOutput
	consoleOutput = &frames
	defer func() { consoleOutput = prev }()

	cfg := config.Default()
	cfg.Mode = config.ModeBoth
	cfg.DisplayDriver = "console"

	d, err := BuildDrivers(cfg, discardLogger())
	is.NoErr(err)
	defer d.Close()
	is.True(d.Panel != nil)
	is.True(d.Sensor != nil)

	img := image.NewGray(image.Rect(0, 0, 4, 2))
	is.NoErr(d.Panel.Draw(img.Bounds(), img, image.Point{}))
	is.True(strings.HasPrefix(frames.String(), "\x1b[H"))
}

func TestBuildDriversRejectsUnknownDrivers(t *testing.T) {
	cases := map[string]func(*config.Config){
		"wifi":    func(c *config.Config) { c.WifiDriver = "carrier-pigeon" },
		"sensor":  func(c *config.Config) { c.SensorDriver = "dht22" },
		"display": func(c *config.Config) { c.Mode = config.ModeDisplay; c.DisplayDriver = "vga" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(&cfg)
			if _, err := BuildDrivers(cfg, discardLogger()); err == nil {
				t.Fatal("BuildDrivers() error = nil, want error")
			}
		})
	}
}
